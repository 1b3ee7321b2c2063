package actor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/auth"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/event"
	"github.com/zulandar/signalbox/internal/executor"
	"github.com/zulandar/signalbox/internal/index"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// ---------------------------------------------------------------------------
// Mock executor and connection
// ---------------------------------------------------------------------------

type mockExecutor struct {
	mu        sync.Mutex
	initErr   error
	promptErr error
	streams   []chan event.Event
	reqs      []executor.PromptRequest
	ctxs      []context.Context
}

func (m *mockExecutor) Init(ctx context.Context, cfg executor.SessionConfig) error {
	return m.initErr
}

func (m *mockExecutor) Prompt(ctx context.Context, req executor.PromptRequest) (<-chan event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.promptErr != nil {
		return nil, m.promptErr
	}
	ch := make(chan event.Event, 32)
	m.streams = append(m.streams, ch)
	m.reqs = append(m.reqs, req)
	m.ctxs = append(m.ctxs, ctx)
	return ch, nil
}

// promptCtx returns the context the i-th Prompt call ran under.
func (m *mockExecutor) promptCtx(t *testing.T, i int) context.Context {
	t.Helper()
	m.stream(t, i) // wait until the call happened
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctxs[i]
}

// stream waits for the i-th Prompt call and returns its feed channel.
func (m *mockExecutor) stream(t *testing.T, i int) chan event.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if len(m.streams) > i {
			ch := m.streams[i]
			m.mu.Unlock()
			return ch
		}
		m.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("executor never received prompt %d", i)
	return nil
}

func (m *mockExecutor) promptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

type mockConn struct {
	id string

	mu       sync.Mutex
	msgs     []ServerMessage
	closed   bool
	closeArg int
}

func newMockConn(id string) *mockConn { return &mockConn{id: id} }

func (c *mockConn) ID() string { return c.id }

func (c *mockConn) Send(msg ServerMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *mockConn) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	c.closed = true
	c.closeArg = code
	c.mu.Unlock()
}

// received returns all messages of one type, or all when msgType is empty.
func (c *mockConn) received(msgType string) []ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ServerMessage
	for _, m := range c.msgs {
		if msgType == "" || m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testRegistry(t *testing.T, exe *mockExecutor, mutate func(*config.Config)) *Registry {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Session{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Auth.Secret = testSecret
	if mutate != nil {
		mutate(cfg)
	}

	reg, err := NewRegistry(RegistryOpts{
		Store:   index.NewStore(db),
		Factory: func(executor.SessionConfig) executor.Executor { return exe },
		Config:  cfg,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func createSession(t *testing.T, reg *Registry) *Actor {
	t.Helper()
	a, err := reg.Create(context.Background(), CreateOpts{
		Title:     "test",
		RepoOwner: "zulandar",
		RepoName:  "signalbox",
		Model:     "claude-sonnet",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return a
}

func subscribe(t *testing.T, a *Actor, conn *mockConn, userID string) {
	t.Helper()
	token := auth.IssueSession(testSecret, a.ID())
	if err := a.Subscribe(conn, SubscribeInfo{Token: token, ClientID: conn.id, UserID: userID, Name: userID}); err != nil {
		t.Fatalf("subscribe %s: %v", userID, err)
	}
}

// logEntries snapshots the actor's event log.
func logEntries(a *Actor) []event.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]event.Envelope, len(a.eventLog))
	copy(out, a.eventLog)
	return out
}

func logKinds(a *Actor) []string {
	entries := logEntries(a)
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = e.Event.Kind()
	}
	return kinds
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Subscribe and presence
// ---------------------------------------------------------------------------

func TestSubscribe_RejectsBadTokens(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"wrong secret", auth.IssueSession("ffffffffffffffffffffffffffffffff", a.ID())},
		{"wrong session", auth.IssueSession(testSecret, "ses-99999999")},
		{"unscoped token", auth.Issue(testSecret)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newMockConn("c-" + tt.name)
			err := a.Subscribe(conn, SubscribeInfo{Token: tt.token, UserID: "mallory"})
			if !errors.Is(err, ErrUnauthorized) {
				t.Errorf("Subscribe err = %v, want ErrUnauthorized", err)
			}
			if len(conn.received("")) != 0 {
				t.Error("rejected connection received messages")
			}
		})
	}
}

func TestSubscribe_RejectsExpiredToken(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, func(cfg *config.Config) {
		cfg.Auth.TokenWindow = time.Nanosecond
	})
	a := createSession(t, reg)

	token := auth.IssueSession(testSecret, a.ID())
	time.Sleep(5 * time.Millisecond)

	err := a.Subscribe(newMockConn("c1"), SubscribeInfo{Token: token, UserID: "alice"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Subscribe with expired token = %v, want ErrUnauthorized", err)
	}
}

func TestSubscribe_SnapshotAndPresence(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	first := newMockConn("c1")
	subscribe(t, a, first, "alice")

	subs := first.received(MsgSubscribed)
	if len(subs) != 1 {
		t.Fatalf("got %d subscribed messages, want 1", len(subs))
	}
	state := subs[0].State
	if state == nil || state.ID != a.ID() || state.Status != models.StatusCreated {
		t.Errorf("snapshot state = %+v", state)
	}
	if subs[0].ParticipantID == "" || subs[0].Participant == nil {
		t.Error("subscribed message missing participant identity")
	}
	if len(first.received(MsgPresenceSync)) != 1 {
		t.Error("new viewer did not get a presence_sync")
	}

	second := newMockConn("c2")
	subscribe(t, a, second, "bob")

	// The earlier viewer hears about the newcomer; the newcomer's own sync
	// carries both participants.
	if len(first.received(MsgPresenceUpdate)) == 0 {
		t.Error("existing viewer got no presence_update for the newcomer")
	}
	sync := second.received(MsgPresenceSync)
	if len(sync) != 1 || len(sync[0].Participants) != 2 {
		t.Errorf("newcomer presence_sync = %+v, want 2 participants", sync)
	}
}

func TestSubscribe_SnapshotPrecedesStreamedEvents(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	c1 := newMockConn("c1")
	subscribe(t, a, c1, "alice")
	if err := a.Prompt("c1", "go", ""); err != nil {
		t.Fatal(err)
	}
	feed := exe.stream(t, 0)

	// A viewer joining mid-execution races the executor stream; the
	// handshake pair must still arrive before any pushed event.
	c2 := newMockConn("c2")
	subscribe(t, a, c2, "bob")
	feed <- event.ToolCall{Tool: "bash"}
	feed <- event.ExecutionComplete{StopReason: "end_turn"}
	waitFor(t, "streamed events", func() bool {
		return len(c2.received(MsgSandboxEvent)) >= 2
	})

	msgs := c2.received("")
	if msgs[0].Type != MsgSubscribed {
		t.Fatalf("first message = %q, want subscribed", msgs[0].Type)
	}
	if msgs[1].Type != MsgPresenceSync {
		t.Fatalf("second message = %q, want presence_sync", msgs[1].Type)
	}
}

func TestDetach_BroadcastsLeave(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	c1 := newMockConn("c1")
	c2 := newMockConn("c2")
	subscribe(t, a, c1, "alice")
	subscribe(t, a, c2, "bob")

	a.Detach("c2")

	leaves := c1.received(MsgPresenceLeave)
	if len(leaves) != 1 || leaves[0].UserID != "bob" {
		t.Errorf("presence_leave = %+v, want one for bob", leaves)
	}
}

func TestPing_RefreshesAndPongs(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	conn := newMockConn("c1")
	subscribe(t, a, conn, "alice")

	a.Ping("c1")
	if len(conn.received(MsgPong)) != 1 {
		t.Error("ping did not produce a pong")
	}
}

// ---------------------------------------------------------------------------
// Prompt serialization and coalescing
// ---------------------------------------------------------------------------

func TestPrompt_RequiresSubscribe(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	err := a.Prompt("ghost", "hello", "")
	if !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("Prompt before subscribe = %v, want ErrNotSubscribed", err)
	}
}

func TestPrompt_EchoOrderAndSerialization(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	conn := newMockConn("c1")
	subscribe(t, a, conn, "alice")

	for i := 1; i <= 3; i++ {
		if err := a.Prompt("c1", fmt.Sprintf("prompt %d", i), ""); err != nil {
			t.Fatalf("prompt %d: %v", i, err)
		}
	}

	// All three user_message events are in the log immediately, in call
	// order, regardless of execution progress.
	var contents []string
	for _, env := range logEntries(a) {
		if um, ok := env.Event.(event.UserMessage); ok {
			contents = append(contents, um.Content)
		}
	}
	want := []string{"prompt 1", "prompt 2", "prompt 3"}
	if len(contents) != 3 || contents[0] != want[0] || contents[1] != want[1] || contents[2] != want[2] {
		t.Errorf("user messages = %v, want %v", contents, want)
	}

	// Only one execution dispatched so far.
	exe.stream(t, 0)
	if exe.promptCount() != 1 {
		t.Errorf("prompt count = %d, want 1 (serialized)", exe.promptCount())
	}
	// Queued prompts were acknowledged.
	if len(conn.received(MsgPromptQueued)) != 2 {
		t.Errorf("prompt_queued count = %d, want 2", len(conn.received(MsgPromptQueued)))
	}

	// Completing the first execution starts the second, then the third.
	ch := exe.stream(t, 0)
	ch <- event.ExecutionComplete{StopReason: "end_turn"}
	close(ch)

	waitFor(t, "second execution", func() bool { return exe.promptCount() == 2 })
	ch2 := exe.stream(t, 1)
	ch2 <- event.ExecutionComplete{StopReason: "end_turn"}
	close(ch2)
	waitFor(t, "third execution", func() bool { return exe.promptCount() == 3 })

	// First prompt moved the session to active and persisted it.
	row, err := reg.Store().Get(a.ID())
	if err != nil || row == nil {
		t.Fatalf("get row: %v", err)
	}
	if row.Status != models.StatusActive {
		t.Errorf("persisted status = %q, want active", row.Status)
	}
}

func TestTokens_CoalescedLastWriteWins(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	conn := newMockConn("c1")
	subscribe(t, a, conn, "alice")
	if err := a.Prompt("c1", "write a poem", ""); err != nil {
		t.Fatal(err)
	}

	ch := exe.stream(t, 0)
	ch <- event.Token{Content: "Roses"}
	ch <- event.Token{Content: "Roses are"}
	ch <- event.Token{Content: "Roses are red"}
	ch <- event.ExecutionComplete{StopReason: "end_turn"}
	close(ch)

	waitFor(t, "execution complete in log", func() bool {
		kinds := logKinds(a)
		return len(kinds) > 0 && kinds[len(kinds)-1] == event.KindExecutionComplete
	})

	kinds := logKinds(a)
	want := []string{event.KindUserMessage, event.KindToken, event.KindExecutionComplete}
	if len(kinds) != len(want) {
		t.Fatalf("log kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("log kinds = %v, want %v", kinds, want)
		}
	}

	entries := logEntries(a)
	token := entries[1].Event.(event.Token)
	if token.Content != "Roses are red" {
		t.Errorf("coalesced token = %q, want full final text", token.Content)
	}
}

func TestStop_FlushesPartialExactlyOnce(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	conn := newMockConn("c1")
	subscribe(t, a, conn, "alice")
	if err := a.Prompt("c1", "long task", ""); err != nil {
		t.Fatal(err)
	}

	ch := exe.stream(t, 0)
	ch <- event.Token{Content: "partial answer"}
	waitFor(t, "pending text accumulated", func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.exec != nil && a.exec.pending == "partial answer"
	})

	if err := a.Stop("c1"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Partial text flushed, then the cancellation marker.
	kinds := logKinds(a)
	if len(kinds) != 3 || kinds[1] != event.KindToken || kinds[2] != event.KindExecutionComplete {
		t.Fatalf("log after stop = %v", kinds)
	}
	entries := logEntries(a)
	if got := entries[1].Event.(event.Token).Content; got != "partial answer" {
		t.Errorf("flushed token = %q, want partial answer", got)
	}
	if got := entries[2].Event.(event.ExecutionComplete).StopReason; got != "cancelled" {
		t.Errorf("stop reason = %q, want cancelled", got)
	}

	// A late execution_complete from the executor must not flush again.
	ch <- event.Token{Content: "partial answer plus more"}
	ch <- event.ExecutionComplete{StopReason: "end_turn"}
	close(ch)
	time.Sleep(50 * time.Millisecond)

	after := logKinds(a)
	if len(after) != 3 {
		t.Errorf("log grew after stop: %v", after)
	}
}

func TestStop_WithoutExecution(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	conn := newMockConn("c1")
	subscribe(t, a, conn, "alice")
	if err := a.Stop("c1"); err == nil {
		t.Error("stop with nothing in flight succeeded, want error")
	}
}

func TestExecutorError_RecordedNotRetried(t *testing.T) {
	exe := &mockExecutor{promptErr: errors.New("sandbox unavailable")}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	conn := newMockConn("c1")
	subscribe(t, a, conn, "alice")
	if err := a.Prompt("c1", "do work", ""); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "error event in log", func() bool {
		for _, k := range logKinds(a) {
			if k == event.KindError {
				return true
			}
		}
		return false
	})

	waitFor(t, "sandbox_error broadcast", func() bool {
		return len(conn.received(MsgSandboxError)) == 1
	})

	a.mu.Lock()
	sandbox := a.session.SandboxStatus
	inFlight := a.inFlight
	a.mu.Unlock()
	if sandbox != models.SandboxFailed {
		t.Errorf("sandbox status = %q, want failed", sandbox)
	}
	if inFlight {
		t.Error("execution still marked in flight after failure")
	}
	// No retry.
	time.Sleep(30 * time.Millisecond)
	if exe.promptCount() != 0 {
		t.Errorf("executor was retried: %d streams", exe.promptCount())
	}
}

// ---------------------------------------------------------------------------
// Log fan-out ordering
// ---------------------------------------------------------------------------

func TestViewers_ObserveCommonOrderedSuffix(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	early := newMockConn("c1")
	subscribe(t, a, early, "alice")
	if err := a.Prompt("c1", "task", ""); err != nil {
		t.Fatal(err)
	}

	ch := exe.stream(t, 0)
	ch <- event.ToolCall{Tool: "bash", CallID: "t1"}
	waitFor(t, "first tool call fanned out", func() bool {
		return len(early.received(MsgSandboxEvent)) >= 2 // user_message + tool_call
	})

	late := newMockConn("c2")
	subscribe(t, a, late, "bob")

	ch <- event.ToolResult{CallID: "t1", Result: "ok"}
	ch <- event.ExecutionComplete{StopReason: "end_turn"}
	close(ch)

	waitFor(t, "completion fanned out", func() bool {
		msgs := late.received(MsgSandboxEvent)
		return len(msgs) >= 2
	})

	seqsOf := func(c *mockConn) []uint64 {
		var seqs []uint64
		for _, m := range c.received(MsgSandboxEvent) {
			seqs = append(seqs, m.Event.Seq)
		}
		return seqs
	}

	earlySeqs := seqsOf(early)
	lateSeqs := seqsOf(late)

	// Each viewer's stream is strictly increasing.
	for _, seqs := range [][]uint64{earlySeqs, lateSeqs} {
		for i := 1; i < len(seqs); i++ {
			if seqs[i] <= seqs[i-1] {
				t.Fatalf("out-of-order seqs: %v", seqs)
			}
		}
	}

	// The late viewer saw a suffix of what the early viewer saw.
	if len(lateSeqs) == 0 || len(earlySeqs) < len(lateSeqs) {
		t.Fatalf("early=%v late=%v", earlySeqs, lateSeqs)
	}
	offset := len(earlySeqs) - len(lateSeqs)
	for i, seq := range lateSeqs {
		if earlySeqs[offset+i] != seq {
			t.Fatalf("late viewer diverged: early=%v late=%v", earlySeqs, lateSeqs)
		}
	}
}

func TestLog_WindowRotationKeepsSeq(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, func(cfg *config.Config) {
		cfg.Log.WindowSize = 4
	})
	a := createSession(t, reg)

	for i := range 10 {
		a.ApplyArtifact(event.Artifact{ID: fmt.Sprintf("art-%d", i), Type: event.ArtifactBranch, URL: "u"})
	}

	entries := logEntries(a)
	if len(entries) != 4 {
		t.Fatalf("window = %d entries, want 4", len(entries))
	}
	// Sequence numbers survive rotation.
	if entries[len(entries)-1].Seq != 10 {
		t.Errorf("last seq = %d, want 10", entries[len(entries)-1].Seq)
	}
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

func TestArtifacts_IdempotentUpsert(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	art := event.Artifact{ID: "pr-1", Type: event.ArtifactPR, URL: "https://github.com/z/s/pull/1"}
	a.ApplyArtifact(art)
	art.URL = "https://github.com/z/s/pull/1#updated"
	a.ApplyArtifact(art)
	a.ApplyArtifact(art)

	arts := a.Artifacts()
	if len(arts) != 1 {
		t.Fatalf("artifact count = %d, want 1", len(arts))
	}
	if arts[0].URL != "https://github.com/z/s/pull/1#updated" {
		t.Errorf("last write did not win: %q", arts[0].URL)
	}

	kinds := logKinds(a)
	want := []string{event.KindArtifactCreated, event.KindArtifactUpdated, event.KindArtifactUpdated}
	if len(kinds) != 3 {
		t.Fatalf("log kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("log kinds = %v, want %v", kinds, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Status transitions
// ---------------------------------------------------------------------------

func TestTransitions_ArchiveToggleAndTerminals(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	// created -> active via prompt path.
	a.InjectPrompt("go", "", "system")
	waitFor(t, "active", func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.session.Status == models.StatusActive
	})

	if err := a.Archive(); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := a.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := a.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// completed is terminal.
	if err := a.Restore(); err == nil {
		t.Error("restore from completed succeeded, want error")
	}
	if err := a.Archive(); err == nil {
		t.Error("archive from completed succeeded, want error")
	}

	waitFor(t, "persisted completed", func() bool {
		row, err := reg.Store().Get(a.ID())
		return err == nil && row != nil && row.Status == models.StatusCompleted
	})
}

// ---------------------------------------------------------------------------
// Spawn limits and reconciliation
// ---------------------------------------------------------------------------

func TestSpawn_DepthLimit(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, func(cfg *config.Config) {
		cfg.Limits.MaxSpawnDepth = 1
	})
	parent := createSession(t, reg)

	res, err := parent.SpawnChild(context.Background(), "child", "do a subtask", "")
	if err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if res.Status != models.StatusCreated {
		t.Errorf("spawn status = %q, want created", res.Status)
	}

	child, err := reg.Get(res.ChildID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}

	before, _ := reg.Store().List(index.Filter{})
	_, err = child.SpawnChild(context.Background(), "grandchild", "go deeper", "")
	if !errors.Is(err, ErrSpawnLimit) {
		t.Errorf("grandchild spawn err = %v, want ErrSpawnLimit", err)
	}
	after, _ := reg.Store().List(index.Filter{})
	if after.Total != before.Total {
		t.Errorf("rejected spawn wrote a row: %d -> %d", before.Total, after.Total)
	}
}

func TestSpawn_FanOutLimit(t *testing.T) {
	exe := &mockExecutor{}
	maxChildren := 2
	reg := testRegistry(t, exe, func(cfg *config.Config) {
		cfg.Limits.MaxChildren = maxChildren
	})
	parent := createSession(t, reg)

	// Exactly C children are allowed.
	for i := range maxChildren {
		if _, err := parent.SpawnChild(context.Background(), fmt.Sprintf("child %d", i), "subtask", ""); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	// The (C+1)th fails.
	_, err := parent.SpawnChild(context.Background(), "one too many", "subtask", "")
	if !errors.Is(err, ErrSpawnLimit) {
		t.Errorf("over-limit spawn err = %v, want ErrSpawnLimit", err)
	}
}

func TestSpawn_ChildInheritsRepoAndDepth(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	parent := createSession(t, reg)

	res, err := parent.SpawnChild(context.Background(), "child", "subtask", "claude-haiku")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	row, err := reg.Store().Get(res.ChildID)
	if err != nil || row == nil {
		t.Fatalf("child row: %v", err)
	}
	if row.RepoOwner != "zulandar" || row.RepoName != "signalbox" {
		t.Errorf("child repo = %s/%s", row.RepoOwner, row.RepoName)
	}
	if row.SpawnDepth != 1 {
		t.Errorf("child depth = %d, want 1", row.SpawnDepth)
	}
	if row.ParentID == nil || *row.ParentID != parent.ID() {
		t.Errorf("child parent = %v, want %s", row.ParentID, parent.ID())
	}
	if row.Model != "claude-haiku" {
		t.Errorf("child model = %q, want the override", row.Model)
	}
}

func TestSpawn_EnqueueFailureMarksChildFailed(t *testing.T) {
	exe := &mockExecutor{promptErr: errors.New("executor rejected prompt")}
	reg := testRegistry(t, exe, nil)
	parent := createSession(t, reg)

	_, err := parent.SpawnChild(context.Background(), "doomed child", "subtask", "")
	if err == nil {
		t.Fatal("spawn with failing enqueue succeeded, want error")
	}
	if !strings.Contains(err.Error(), "failed to enqueue child session prompt") {
		t.Errorf("error = %v, want enqueue failure message", err)
	}

	// The child row was reconciled to failed, not left orphaned in created.
	page, err := reg.Store().List(index.Filter{Status: models.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Sessions) != 1 || page.Sessions[0].ParentID == nil {
		t.Fatalf("failed rows = %+v, want exactly the child", page.Sessions)
	}
	created, _ := reg.Store().List(index.Filter{Status: models.StatusCreated})
	for _, row := range created.Sessions {
		if row.ParentID != nil {
			t.Errorf("orphaned created child row: %s", row.ID)
		}
	}

	// The adopted child actor must not stay resident with a stale created
	// snapshot; the next Get rehydrates the failed row.
	child, err := reg.Get(page.Sessions[0].ID)
	if err != nil {
		t.Fatalf("get failed child: %v", err)
	}
	child.mu.Lock()
	status := child.session.Status
	child.mu.Unlock()
	if status != models.StatusFailed {
		t.Errorf("child actor status = %q, want failed", status)
	}
}

func TestSpawn_ChildExecutionOutlivesCallerContext(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	parent := createSession(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := parent.SpawnChild(ctx, "child", "subtask", "")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	cancel() // the spawn request is over; the child's sandbox is not

	runCtx := exe.promptCtx(t, 0)
	time.Sleep(50 * time.Millisecond)
	if runCtx.Err() != nil {
		t.Fatalf("child execution context = %v after caller cancel, want alive", runCtx.Err())
	}

	// The run completes normally on its detached context.
	feed := exe.stream(t, 0)
	feed <- event.ExecutionComplete{StopReason: "end_turn"}
	close(feed)

	child, err := reg.Get(res.ChildID)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "child completion", func() bool {
		kinds := logKinds(child)
		return len(kinds) > 0 && kinds[len(kinds)-1] == "execution_complete"
	})
}

// ---------------------------------------------------------------------------
// Registry lifecycle
// ---------------------------------------------------------------------------

func TestRegistry_SameIDSameInstance(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	again, err := reg.Get(a.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again != a {
		t.Error("same id resolved to a different instance")
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	_, err := reg.Get("ses-00000000")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("get unknown = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_SweepAndRehydrate(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)
	id := a.ID()

	a.InjectPrompt("go", "", "system")
	ch := exe.stream(t, 0)
	ch <- event.ExecutionComplete{StopReason: "end_turn"}
	close(ch)
	waitFor(t, "execution done", func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return !a.inFlight
	})

	// Backdate activity so the sweep sees the actor as idle.
	a.mu.Lock()
	a.lastActivity = time.Now().Add(-time.Hour)
	a.mu.Unlock()

	if n := reg.Sweep(30 * time.Minute); n != 1 {
		t.Fatalf("swept %d actors, want 1", n)
	}
	if reg.Live() != 0 {
		t.Errorf("live after sweep = %d, want 0", reg.Live())
	}

	// Rehydration restores the persisted snapshot.
	back, err := reg.Get(id)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if back == a {
		t.Error("rehydrated actor is the evicted instance")
	}
	back.mu.Lock()
	status := back.session.Status
	back.mu.Unlock()
	if status != models.StatusActive {
		t.Errorf("rehydrated status = %q, want active", status)
	}
}

func TestRegistry_SweepSkipsBusyActors(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	a.InjectPrompt("long task", "", "system")
	exe.stream(t, 0) // execution stays open

	a.mu.Lock()
	a.lastActivity = time.Now().Add(-time.Hour)
	a.mu.Unlock()

	if n := reg.Sweep(30 * time.Minute); n != 0 {
		t.Errorf("swept %d actors, want 0 while in flight", n)
	}
}

func TestPresence_Reaping(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	c1 := newMockConn("c1")
	c2 := newMockConn("c2")
	subscribe(t, a, c1, "alice")
	subscribe(t, a, c2, "bob")

	now := time.Now()
	a.mu.Lock()
	a.participants["c1"].LastSeen = now.Add(-3 * time.Minute)  // idle
	a.participants["c2"].LastSeen = now.Add(-15 * time.Minute) // gone
	a.mu.Unlock()

	a.reapPresence(now)

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.participants) != 1 {
		t.Fatalf("participants = %d, want 1 after reap", len(a.participants))
	}
	if a.participants["c1"].Status != PresenceIdle {
		t.Errorf("alice status = %q, want idle", a.participants["c1"].Status)
	}
	c2.mu.Lock()
	closed, code := c2.closed, c2.closeArg
	c2.mu.Unlock()
	if !closed || code != CloseSessionExpired {
		t.Errorf("bob's connection close = %v code=%d, want session expired close", closed, code)
	}
}

func TestPresence_ConfigurableThresholds(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, func(cfg *config.Config) {
		cfg.Presence.IdleAfter = 10 * time.Second
		cfg.Presence.AwayAfter = 20 * time.Second
		cfg.Presence.RemoveAfter = 30 * time.Second
	})
	a := createSession(t, reg)

	c1 := newMockConn("c1")
	c2 := newMockConn("c2")
	subscribe(t, a, c1, "alice")
	subscribe(t, a, c2, "bob")

	now := time.Now()
	a.mu.Lock()
	a.participants["c1"].LastSeen = now.Add(-15 * time.Second) // past idle, before away
	a.participants["c2"].LastSeen = now.Add(-45 * time.Second) // past removal
	a.mu.Unlock()

	a.reapPresence(now)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.participants["c1"].Status != PresenceIdle {
		t.Errorf("alice status = %q, want idle at the tightened threshold", a.participants["c1"].Status)
	}
	if _, ok := a.participants["c2"]; ok {
		t.Error("bob still present past the tightened removal threshold")
	}
}

// blockingCloseConn stalls inside CloseWithCode until released, to observe
// what the actor can do while a close frame is being written.
type blockingCloseConn struct {
	*mockConn
	closing chan struct{}
	release chan struct{}
}

func (c *blockingCloseConn) CloseWithCode(code int, reason string) {
	close(c.closing)
	<-c.release
	c.mockConn.CloseWithCode(code, reason)
}

func TestPresence_ReapClosesOutsideActorLock(t *testing.T) {
	exe := &mockExecutor{}
	reg := testRegistry(t, exe, nil)
	a := createSession(t, reg)

	bc := &blockingCloseConn{
		mockConn: newMockConn("c1"),
		closing:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	token := auth.IssueSession(testSecret, a.ID())
	if err := a.Subscribe(bc, SubscribeInfo{Token: token, ClientID: "c1", UserID: "alice"}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	a.mu.Lock()
	a.participants["c1"].LastSeen = now.Add(-15 * time.Minute)
	a.mu.Unlock()

	reaped := make(chan struct{})
	go func() {
		a.reapPresence(now)
		close(reaped)
	}()
	<-bc.closing

	// The close frame is in flight; the actor must still serve callers.
	pinged := make(chan struct{})
	go func() {
		a.Ping("nobody")
		close(pinged)
	}()
	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("actor blocked while a timed-out viewer's close was in flight")
	}

	close(bc.release)
	<-reaped
}
