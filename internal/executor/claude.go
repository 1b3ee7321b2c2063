package executor

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/zulandar/signalbox/internal/event"
	"github.com/zulandar/signalbox/internal/models"
)

// waitDelay is how long Wait allows the process to exit after its context is
// cancelled before being killed outright.
const waitDelay = 10 * time.Second

// ClaudeExecutor runs each prompt as a one-shot claude CLI subprocess in
// stream-json mode. Each spawned process handles exactly one execution:
// prompt in via -p, events out on stdout, then exit.
type ClaudeExecutor struct {
	Binary  string        // path to claude binary; defaults to "claude"
	WorkDir string        // working directory for the subprocess
	Timeout time.Duration // max runtime for one execution; 0 means unbounded
	cfg     SessionConfig
}

// NewClaudeExecutor creates a ClaudeExecutor bound to one session.
func NewClaudeExecutor(binary, workDir string, cfg SessionConfig) *ClaudeExecutor {
	return &ClaudeExecutor{Binary: binary, WorkDir: workDir, cfg: cfg}
}

// Init validates the executor can run. The sandbox proper is created lazily
// on first prompt; there is nothing to warm for a local subprocess.
func (e *ClaudeExecutor) Init(ctx context.Context, cfg SessionConfig) error {
	if cfg.SessionID == "" {
		return fmt.Errorf("executor: session ID is required")
	}
	e.cfg = cfg
	binary := e.Binary
	if binary == "" {
		binary = "claude"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("executor: claude binary %q not found: %w", binary, err)
	}
	return nil
}

// Prompt spawns a claude subprocess for one execution and streams its events.
// The returned channel closes after the terminal event.
func (e *ClaudeExecutor) Prompt(ctx context.Context, req PromptRequest) (<-chan event.Event, error) {
	binary := e.Binary
	if binary == "" {
		binary = "claude"
	}

	args := []string{
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose",
	}
	model := req.Model
	if model == "" {
		model = e.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, "-p", req.Content)

	ctx, cancel := e.runContext(ctx)
	cmd := exec.CommandContext(ctx, binary, args...)
	if e.WorkDir != "" {
		cmd.Dir = e.WorkDir
	}

	// Use a process group so SIGTERM kills the entire tree (shell + children).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executor: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("executor: start claude: %w", err)
	}

	events := make(chan event.Event, 64)

	go func() {
		defer cancel()
		defer close(events)

		events <- event.SandboxStatus{Status: models.SandboxSpawning}

		parser := &streamParser{}
		terminal := false
		sawOutput := false

		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024) // 1MB buffer
		for scanner.Scan() {
			if !sawOutput {
				sawOutput = true
				events <- event.SandboxStatus{Status: models.SandboxReady}
			}
			for _, ev := range parser.parseLine(scanner.Text()) {
				if isTerminal(ev) {
					terminal = true
				}
				events <- ev
			}
		}

		err := cmd.Wait()
		if terminal {
			return
		}
		// Process ended without a result event: surface what we know.
		if err != nil {
			events <- event.Error{Message: fmt.Sprintf("claude exited: %v", err)}
			return
		}
		events <- event.ExecutionComplete{StopReason: "eof"}
	}()

	return events, nil
}

// runContext bounds one execution by the configured timeout. The subprocess
// tree is SIGTERMed when the deadline passes, same as an explicit stop.
func (e *ClaudeExecutor) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Timeout > 0 {
		return context.WithTimeout(ctx, e.Timeout)
	}
	return context.WithCancel(ctx)
}

// isTerminal reports whether ev ends the execution stream.
func isTerminal(ev event.Event) bool {
	switch ev.(type) {
	case event.ExecutionComplete, event.Error:
		return true
	}
	return false
}
