// Package event defines the sandbox event log entries. Events form a closed
// tagged union: one variant per kind, each carrying only the fields valid for
// that kind. The log envelope adds the sequence number and timestamp that
// make the per-session log totally ordered and replayable.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds.
const (
	KindUserMessage       = "user_message"
	KindToken             = "token"
	KindToolCall          = "tool_call"
	KindToolResult        = "tool_result"
	KindExecutionComplete = "execution_complete"
	KindSandboxStatus     = "sandbox_status"
	KindArtifactCreated   = "artifact_created"
	KindArtifactUpdated   = "artifact_updated"
	KindError             = "error"
)

// Artifact types.
const (
	ArtifactPR         = "pr"
	ArtifactPreview    = "preview"
	ArtifactScreenshot = "screenshot"
	ArtifactBranch     = "branch"
)

// Event is the closed union of log entry payloads. Only types in this
// package implement it.
type Event interface {
	Kind() string
	isEvent()
}

// UserMessage echoes a prompt into the log before the agent responds.
type UserMessage struct {
	Content string `json:"content"`
	Author  string `json:"author,omitempty"`
}

// Token carries the final coalesced response text. During streaming, token
// updates hold the full cumulative text so far; only the last one is ever
// appended to the log.
type Token struct {
	Content string `json:"content"`
}

// ToolCall records the agent invoking a tool.
type ToolCall struct {
	Tool   string          `json:"tool"`
	CallID string          `json:"callId"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ToolResult records the outcome of a tool call.
type ToolResult struct {
	CallID  string `json:"callId"`
	Result  string `json:"result"`
	IsError bool   `json:"isError,omitempty"`
}

// ExecutionComplete marks the end of one agent execution.
type ExecutionComplete struct {
	StopReason string `json:"stopReason,omitempty"` // "end_turn", "cancelled", ...
}

// SandboxStatus relays an executor-reported sandbox state change.
type SandboxStatus struct {
	Status string `json:"status"`
}

// Artifact is a durable side effect of agent work, upserted by id.
type Artifact struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	URL       string            `json:"url"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ArtifactCreated records the first write of an artifact id.
type ArtifactCreated struct {
	Artifact Artifact `json:"artifact"`
}

// ArtifactUpdated records an in-place replacement of an existing artifact.
type ArtifactUpdated struct {
	Artifact Artifact `json:"artifact"`
}

// Error records an executor or sandbox failure visible to viewers.
type Error struct {
	Message string `json:"error"`
}

func (UserMessage) Kind() string       { return KindUserMessage }
func (Token) Kind() string             { return KindToken }
func (ToolCall) Kind() string          { return KindToolCall }
func (ToolResult) Kind() string        { return KindToolResult }
func (ExecutionComplete) Kind() string { return KindExecutionComplete }
func (SandboxStatus) Kind() string     { return KindSandboxStatus }
func (ArtifactCreated) Kind() string   { return KindArtifactCreated }
func (ArtifactUpdated) Kind() string   { return KindArtifactUpdated }
func (Error) Kind() string             { return KindError }

func (UserMessage) isEvent()       {}
func (Token) isEvent()             {}
func (ToolCall) isEvent()          {}
func (ToolResult) isEvent()        {}
func (ExecutionComplete) isEvent() {}
func (SandboxStatus) isEvent()     {}
func (ArtifactCreated) isEvent()   {}
func (ArtifactUpdated) isEvent()   {}
func (Error) isEvent()             {}

// Envelope wraps an Event with its log position and timestamp. The wire form
// is flat: the event's own fields sit beside seq, type and timestamp.
type Envelope struct {
	Seq       uint64
	Timestamp time.Time
	Event     Event
}

// envelopeHead is the fixed part of the wire form, used for decode dispatch.
type envelopeHead struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON flattens the envelope and its event into one object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("event: envelope has no event")
	}
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s: %w", e.Event.Kind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("event: flatten %s: %w", e.Event.Kind(), err)
	}

	head, err := json.Marshal(envelopeHead{Seq: e.Seq, Type: e.Event.Kind(), Timestamp: e.Timestamp})
	if err != nil {
		return nil, err
	}
	headFields := map[string]json.RawMessage{}
	if err := json.Unmarshal(head, &headFields); err != nil {
		return nil, err
	}
	for k, v := range headFields {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// UnmarshalJSON dispatches on the type tag and decodes the matching variant.
// Unknown types are an error: the union is closed.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head envelopeHead
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("event: decode envelope: %w", err)
	}

	var ev Event
	var err error
	switch head.Type {
	case KindUserMessage:
		ev, err = decode[UserMessage](data)
	case KindToken:
		ev, err = decode[Token](data)
	case KindToolCall:
		ev, err = decode[ToolCall](data)
	case KindToolResult:
		ev, err = decode[ToolResult](data)
	case KindExecutionComplete:
		ev, err = decode[ExecutionComplete](data)
	case KindSandboxStatus:
		ev, err = decode[SandboxStatus](data)
	case KindArtifactCreated:
		ev, err = decode[ArtifactCreated](data)
	case KindArtifactUpdated:
		ev, err = decode[ArtifactUpdated](data)
	case KindError:
		ev, err = decode[Error](data)
	default:
		return fmt.Errorf("event: unknown type %q", head.Type)
	}
	if err != nil {
		return fmt.Errorf("event: decode %s: %w", head.Type, err)
	}

	e.Seq = head.Seq
	e.Timestamp = head.Timestamp
	e.Event = ev
	return nil
}

// decode unmarshals data into a value of the variant type.
func decode[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
