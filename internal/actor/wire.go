package actor

import (
	"time"

	"github.com/zulandar/signalbox/internal/event"
)

// Server-to-client message types.
const (
	MsgSubscribed       = "subscribed"
	MsgPromptQueued     = "prompt_queued"
	MsgSandboxEvent     = "sandbox_event"
	MsgPresenceSync     = "presence_sync"
	MsgPresenceUpdate   = "presence_update"
	MsgPresenceLeave    = "presence_leave"
	MsgSandboxWarming   = "sandbox_warming"
	MsgSandboxSpawning  = "sandbox_spawning"
	MsgSandboxReady     = "sandbox_ready"
	MsgSandboxStatus    = "sandbox_status"
	MsgArtifactCreated  = "artifact_created"
	MsgArtifactUpdated  = "artifact_updated"
	MsgSessionStatus    = "session_status"
	MsgProcessingStatus = "processing_status"
	MsgSandboxError     = "sandbox_error"
	MsgPong             = "pong"
	MsgError            = "error"
)

// Participant statuses. Presence is ephemeral: it lives only as long as the
// actor and is never written to the index.
const (
	PresenceActive = "active"
	PresenceIdle   = "idle"
	PresenceAway   = "away"
)

// Participant is a live viewer attached to a session.
type Participant struct {
	ParticipantID string    `json:"participantId"`
	UserID        string    `json:"userId"`
	Name          string    `json:"name"`
	Avatar        string    `json:"avatar,omitempty"`
	Status        string    `json:"status"`
	LastSeen      time.Time `json:"lastSeen"`
}

// SessionState is the snapshot replayed to a viewer on subscribe. Viewers
// observe the log from their subscribe point onward; the snapshot carries
// everything needed to render current state without backlog replay.
type SessionState struct {
	ID            string           `json:"id"`
	Title         string           `json:"title,omitempty"`
	RepoOwner     string           `json:"repoOwner"`
	RepoName      string           `json:"repoName"`
	Model         string           `json:"model,omitempty"`
	BaseBranch    string           `json:"baseBranch,omitempty"`
	Status        string           `json:"status"`
	SandboxStatus string           `json:"sandboxStatus"`
	IsProcessing  bool             `json:"isProcessing"`
	LastSeq       uint64           `json:"lastSeq"`
	Artifacts     []event.Artifact `json:"artifacts,omitempty"`
}

// ServerMessage is one server-to-client wire message. Type selects which
// optional fields are populated.
type ServerMessage struct {
	Type          string          `json:"type"`
	State         *SessionState   `json:"state,omitempty"`
	ParticipantID string          `json:"participantId,omitempty"`
	Participant   *Participant    `json:"participant,omitempty"`
	Participants  []Participant   `json:"participants,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	Event         *event.Envelope `json:"event,omitempty"`
	Status        string          `json:"status,omitempty"`
	IsProcessing  *bool           `json:"isProcessing,omitempty"`
	Artifact      *event.Artifact `json:"artifact,omitempty"`
	Error         string          `json:"error,omitempty"`
	Code          string          `json:"code,omitempty"`
}

// Conn is the actor's view of one attached viewer connection. Send must be
// best-effort and non-blocking: a slow or dead connection may drop messages
// but never stalls the actor.
type Conn interface {
	ID() string
	Send(msg ServerMessage)
	CloseWithCode(code int, reason string)
}
