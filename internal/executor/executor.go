// Package executor defines the contract the session actor uses to drive the
// remote sandbox, plus the claude CLI implementation of it. The actor treats
// the executor as opaque: init, then prompt, then a stream of typed events
// ending in execution_complete or error.
package executor

import (
	"context"

	"github.com/zulandar/signalbox/internal/event"
)

// SessionConfig describes the session an executor runs for.
type SessionConfig struct {
	SessionID       string
	RepoOwner       string
	RepoName        string
	Model           string
	ReasoningEffort string
	BaseBranch      string
}

// PromptRequest is one prompt forwarded to the sandbox.
type PromptRequest struct {
	Content string
	Model   string // optional per-prompt override
}

// Executor drives one session's sandbox. Prompt returns a channel of events
// that closes after a terminal event (ExecutionComplete or Error). Token
// events carry the full cumulative text so far, not deltas; consumers keep
// only the latest.
type Executor interface {
	Init(ctx context.Context, cfg SessionConfig) error
	Prompt(ctx context.Context, req PromptRequest) (<-chan event.Event, error)
}

// Factory creates one executor per session. The actor registry uses it so
// child sessions get their own sandboxes.
type Factory func(cfg SessionConfig) Executor
