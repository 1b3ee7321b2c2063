package actor

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/signalbox/internal/event"
	"github.com/zulandar/signalbox/internal/executor"
	"github.com/zulandar/signalbox/internal/models"
)

// Prompt enqueues a prompt from an attached viewer. The user_message event
// is appended immediately so all viewers see the prompt echoed before the
// agent responds. At most one execution runs at a time; prompts arriving
// while one is in flight queue in arrival order.
func (a *Actor) Prompt(connID, content, model string) error {
	if content == "" {
		return fmt.Errorf("actor: prompt content is required")
	}

	a.mu.Lock()
	p, ok := a.participants[connID]
	if !ok {
		a.mu.Unlock()
		return ErrNotSubscribed
	}
	conn := a.viewers[connID]
	queued := a.enqueueLocked(queuedPrompt{content: content, model: model, author: p.Name})
	a.mu.Unlock()

	if queued && conn != nil {
		conn.Send(ServerMessage{Type: MsgPromptQueued})
	}
	a.activateIfCreated()
	return nil
}

// InjectPrompt enqueues a prompt with no originating connection, for
// internal callers holding an internal token.
func (a *Actor) InjectPrompt(content, model, author string) error {
	if content == "" {
		return fmt.Errorf("actor: prompt content is required")
	}
	a.mu.Lock()
	a.enqueueLocked(queuedPrompt{content: content, model: model, author: author})
	a.mu.Unlock()
	a.activateIfCreated()
	return nil
}

// InjectPromptSync forwards a prompt and waits for the executor to accept
// it, so the caller learns whether dispatch failed. Used by the spawn
// protocol for a child's initial prompt: the parent must know enqueue
// succeeded before reporting the child id. When an execution is already in
// flight the prompt queues like any other and acceptance is implicit.
func (a *Actor) InjectPromptSync(ctx context.Context, content, model, author string) error {
	if content == "" {
		return fmt.Errorf("actor: prompt content is required")
	}
	// ctx bounds only this acceptance call. The execution itself runs on a
	// detached context (see dispatch) and outlives the caller.
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.inFlight {
		a.enqueueLocked(queuedPrompt{content: content, model: model, author: author})
		a.mu.Unlock()
		a.activateIfCreated()
		return nil
	}
	qp := queuedPrompt{content: content, model: model, author: author}
	a.appendLocked(event.UserMessage{Content: qp.content, Author: qp.author})
	ex := a.beginExecutionLocked()
	a.mu.Unlock()

	if err := a.dispatch(ex, qp); err != nil {
		return err
	}
	a.activateIfCreated()
	return nil
}

// enqueueLocked appends the user_message event, queues the prompt and starts
// an execution when none is running. Returns true when the prompt had to
// wait behind an in-flight execution.
func (a *Actor) enqueueLocked(qp queuedPrompt) bool {
	a.appendLocked(event.UserMessage{Content: qp.content, Author: qp.author})
	a.queue = append(a.queue, qp)
	wasBusy := a.inFlight
	a.maybeRunLocked()
	return wasBusy
}

// activateIfCreated moves a created session to active on its first prompt
// and persists the transition.
func (a *Actor) activateIfCreated() {
	a.mu.Lock()
	needs := a.session.Status == models.StatusCreated
	if needs {
		a.session.Status = models.StatusActive
		a.broadcastLocked(ServerMessage{Type: MsgSessionStatus, Status: models.StatusActive}, "")
	}
	a.mu.Unlock()
	if needs {
		a.persistStatus(models.StatusActive)
	}
}

// maybeRunLocked pops the next queued prompt when the actor is idle.
func (a *Actor) maybeRunLocked() {
	if a.inFlight || len(a.queue) == 0 {
		return
	}
	qp := a.queue[0]
	a.queue = a.queue[1:]
	ex := a.beginExecutionLocked()

	go func() {
		if err := a.dispatch(ex, qp); err != nil {
			log.Printf("actor: %s: prompt dispatch failed: %v", a.id, err)
		}
	}()
}

// beginExecutionLocked flips the in-flight flag and prepares the execution
// record. The cancel func is installed by dispatch.
func (a *Actor) beginExecutionLocked() *execution {
	ex := &execution{cancel: func() {}}
	a.exec = ex
	a.inFlight = true
	a.setProcessingLocked(true)
	return ex
}

// setProcessingLocked broadcasts the in-flight flag to all viewers.
func (a *Actor) setProcessingLocked(on bool) {
	v := on
	a.broadcastLocked(ServerMessage{Type: MsgProcessingStatus, IsProcessing: &v}, "")
}

// dispatch forwards one prompt to the executor. The execution context is
// always derived from the background context, never from a caller: the HTTP
// request or spawn call that triggered the prompt ends long before the
// sandbox does, and only Stop cancels a run. On acceptance the event stream
// is consumed on its own goroutine; the actor stays free to serve presence,
// pings and further enqueues while the execution runs.
func (a *Actor) dispatch(ex *execution, qp queuedPrompt) error {
	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	if ex.done {
		// Stopped before the executor was even reached.
		a.mu.Unlock()
		cancel()
		return nil
	}
	ex.cancel = cancel
	a.mu.Unlock()

	events, err := a.exe.Prompt(ctx, executor.PromptRequest{Content: qp.content, Model: qp.model})
	if err != nil {
		a.mu.Lock()
		if !ex.done {
			a.appendLocked(event.Error{Message: err.Error()})
			a.setSandboxStatusLocked(models.SandboxFailed)
			a.broadcastLocked(ServerMessage{Type: MsgSandboxError, Error: err.Error()}, "")
			a.finalizeLocked(ex)
		}
		a.mu.Unlock()
		cancel()
		return fmt.Errorf("actor: %s: dispatch prompt: %w", a.id, err)
	}

	go a.consume(ex, events)
	return nil
}

// consume applies the executor's event stream until it closes, then makes
// sure the execution was finalized exactly once.
func (a *Actor) consume(ex *execution, events <-chan event.Event) {
	for ev := range events {
		a.handleExecEvent(ex, ev)
	}

	a.mu.Lock()
	if !ex.done {
		a.flushPendingLocked(ex)
		a.appendLocked(event.ExecutionComplete{StopReason: "eof"})
		a.finalizeLocked(ex)
	}
	a.mu.Unlock()
}

// handleExecEvent applies one executor event to the session. Events arriving
// after the execution was finalized (a stop raced the executor) are dropped:
// the log already records the outcome.
func (a *Actor) handleExecEvent(ex *execution, ev event.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ex.done {
		return
	}

	switch e := ev.(type) {
	case event.Token:
		// Cumulative text: latest wins, held back from the log until the
		// execution completes or is stopped.
		ex.pending = e.Content
	case event.ToolCall, event.ToolResult:
		a.appendLocked(ev)
	case event.SandboxStatus:
		a.setSandboxStatusLocked(e.Status)
	case event.ArtifactCreated:
		a.applyArtifactLocked(e.Artifact)
	case event.ArtifactUpdated:
		a.applyArtifactLocked(e.Artifact)
	case event.ExecutionComplete:
		a.flushPendingLocked(ex)
		a.appendLocked(e)
		a.finalizeLocked(ex)
	case event.Error:
		a.flushPendingLocked(ex)
		a.appendLocked(e)
		a.setSandboxStatusLocked(models.SandboxFailed)
		a.broadcastLocked(ServerMessage{Type: MsgSandboxError, Error: e.Message}, "")
		a.finalizeLocked(ex)
	}
}

// flushPendingLocked appends the coalesced token text, if any, exactly once.
func (a *Actor) flushPendingLocked(ex *execution) {
	if ex.pending == "" {
		return
	}
	a.appendLocked(event.Token{Content: ex.pending})
	ex.pending = ""
}

// finalizeLocked ends the current execution and starts the next queued one.
func (a *Actor) finalizeLocked(ex *execution) {
	ex.done = true
	if a.exec == ex {
		a.exec = nil
		a.inFlight = false
		a.setProcessingLocked(false)
		a.maybeRunLocked()
	}
}

// setSandboxStatusLocked updates the sandbox machine, persists it and
// notifies viewers, including the dedicated warming/spawning/ready signals.
func (a *Actor) setSandboxStatusLocked(status string) {
	if a.session.SandboxStatus == status {
		return
	}
	a.session.SandboxStatus = status
	a.broadcastLocked(ServerMessage{Type: MsgSandboxStatus, Status: status}, "")
	switch status {
	case models.SandboxWarming:
		a.broadcastLocked(ServerMessage{Type: MsgSandboxWarming}, "")
	case models.SandboxSpawning:
		a.broadcastLocked(ServerMessage{Type: MsgSandboxSpawning}, "")
	case models.SandboxReady:
		a.broadcastLocked(ServerMessage{Type: MsgSandboxReady}, "")
	}
	go a.persistSandboxStatus(status)
}

// Stop requests cancellation of the in-flight execution. Cancellation is
// advisory to the executor, but deterministic for the log: pending coalesced
// text is flushed before the cancellation marker, and a late
// execution_complete from the executor cannot flush or append again.
func (a *Actor) Stop(connID string) error {
	a.mu.Lock()
	if _, ok := a.participants[connID]; !ok {
		a.mu.Unlock()
		return ErrNotSubscribed
	}
	ex := a.exec
	if ex == nil || ex.done {
		a.mu.Unlock()
		return fmt.Errorf("actor: %s: no execution in flight", a.id)
	}
	a.flushPendingLocked(ex)
	a.appendLocked(event.ExecutionComplete{StopReason: "cancelled"})
	a.finalizeLocked(ex)
	cancel := ex.cancel
	a.mu.Unlock()

	cancel()
	log.Printf("actor: %s: execution stopped", a.id)
	return nil
}
