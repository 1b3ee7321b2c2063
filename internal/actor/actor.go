// Package actor implements the per-session coordinator. One Actor instance
// exists per session id; it owns the canonical event log, the presence table,
// the prompt queue and the child-spawn logic, and serializes all mutation of
// that state behind a single mutex. Nothing outside this package touches a
// session's live state except through the actor's methods.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/signalbox/internal/auth"
	"github.com/zulandar/signalbox/internal/event"
	"github.com/zulandar/signalbox/internal/executor"
	"github.com/zulandar/signalbox/internal/models"
)

// Subscription and prompt errors.
var (
	ErrUnauthorized  = errors.New("actor: unauthorized")
	ErrNotSubscribed = errors.New("actor: connection has not subscribed")
)

// queuedPrompt is one pending prompt awaiting execution.
type queuedPrompt struct {
	content string
	model   string
	author  string
}

// execution tracks one in-flight executor run. pending holds the latest
// cumulative token text (last write wins, never concatenated); done flips
// when the execution has been finalized in the log, after which any further
// executor events for this run are ignored.
type execution struct {
	cancel  context.CancelFunc
	pending string
	done    bool
}

// Actor coordinates one session.
type Actor struct {
	id  string
	reg *Registry

	mu           sync.Mutex
	session      models.Session
	eventLog     []event.Envelope
	nextSeq      uint64
	viewers      map[string]Conn
	participants map[string]*Participant
	queue        []queuedPrompt
	inFlight     bool
	exec         *execution
	artifacts    map[string]event.Artifact
	artifactIDs  []string // creation order, for snapshots
	exe          executor.Executor
	lastActivity time.Time
}

// newActor builds an actor around an index row. Callers go through
// Registry.Get; the registry guarantees one instance per id.
func newActor(reg *Registry, row models.Session) *Actor {
	return &Actor{
		id:           row.ID,
		reg:          reg,
		session:      row,
		viewers:      make(map[string]Conn),
		participants: make(map[string]*Participant),
		artifacts:    make(map[string]event.Artifact),
		exe:          reg.factory(sessionConfig(row)),
		lastActivity: time.Now(),
	}
}

// sessionConfig maps an index row to an executor session config.
func sessionConfig(row models.Session) executor.SessionConfig {
	return executor.SessionConfig{
		SessionID:       row.ID,
		RepoOwner:       row.RepoOwner,
		RepoName:        row.RepoName,
		Model:           row.Model,
		ReasoningEffort: row.ReasoningEffort,
		BaseBranch:      row.BaseBranch,
	}
}

// ID returns the session id this actor coordinates.
func (a *Actor) ID() string { return a.id }

// SubscribeInfo identifies the viewer attaching to the session.
type SubscribeInfo struct {
	Token    string
	ClientID string
	UserID   string
	Name     string
	Avatar   string
}

// Subscribe verifies the session-scoped token, registers the connection as a
// viewer, replays the current snapshot to it and announces the new
// participant to everyone else. Auth failures return ErrUnauthorized without
// touching any state; the gateway closes the connection with the auth code.
func (a *Actor) Subscribe(conn Conn, info SubscribeInfo) error {
	if res := auth.VerifySession(info.Token, a.reg.secret, a.id, a.reg.tokenWindow); res != auth.OK {
		return fmt.Errorf("%w: token %s", ErrUnauthorized, res)
	}

	name := info.Name
	if name == "" {
		name = info.UserID
	}
	p := &Participant{
		ParticipantID: uuid.NewString(),
		UserID:        info.UserID,
		Name:          name,
		Avatar:        info.Avatar,
		Status:        PresenceActive,
		LastSeen:      time.Now(),
	}

	a.mu.Lock()
	a.viewers[conn.ID()] = conn
	a.participants[conn.ID()] = p
	a.lastActivity = time.Now()

	state := a.snapshotLocked()
	roster := a.rosterLocked()
	a.broadcastLocked(ServerMessage{Type: MsgPresenceUpdate, Participants: roster}, conn.ID())

	// The handshake pair goes out under the mutex: appendLocked also runs
	// under it, so no streamed event can reach this viewer before its
	// snapshot. Send is non-blocking.
	conn.Send(ServerMessage{
		Type:          MsgSubscribed,
		State:         &state,
		ParticipantID: p.ParticipantID,
		Participant:   p,
	})
	conn.Send(ServerMessage{Type: MsgPresenceSync, Participants: roster})
	a.mu.Unlock()

	log.Printf("actor: %s subscribed [user=%s participant=%s]", a.id, info.UserID, p.ParticipantID)
	return nil
}

// Detach removes a dropped or departing connection. Transport failures never
// escalate: the actor keeps running for the remaining viewers.
func (a *Actor) Detach(connID string) {
	a.mu.Lock()
	p, ok := a.participants[connID]
	delete(a.viewers, connID)
	delete(a.participants, connID)
	var roster []Participant
	if ok {
		roster = a.rosterLocked()
		a.broadcastLocked(ServerMessage{Type: MsgPresenceLeave, UserID: p.UserID}, "")
		a.broadcastLocked(ServerMessage{Type: MsgPresenceUpdate, Participants: roster}, "")
	}
	a.mu.Unlock()
}

// Ping refreshes the sender's lastSeen and answers with a pong.
func (a *Actor) Ping(connID string) {
	a.mu.Lock()
	conn := a.viewers[connID]
	if p, ok := a.participants[connID]; ok {
		p.LastSeen = time.Now()
		p.Status = PresenceActive
	}
	a.mu.Unlock()
	if conn != nil {
		conn.Send(ServerMessage{Type: MsgPong})
	}
}

// Typing refreshes presence for the sender and tells other viewers.
func (a *Actor) Typing(connID string) {
	a.mu.Lock()
	p, ok := a.participants[connID]
	if ok {
		p.LastSeen = time.Now()
		p.Status = PresenceActive
		a.broadcastLocked(ServerMessage{Type: MsgPresenceUpdate, Participants: a.rosterLocked()}, connID)
	}
	a.mu.Unlock()
}

// Archive moves an active or created session to archived.
func (a *Actor) Archive() error { return a.transition(models.StatusArchived) }

// Restore moves an archived session back to active.
func (a *Actor) Restore() error { return a.transition(models.StatusActive) }

// Complete marks the session's work finished.
func (a *Actor) Complete() error { return a.transition(models.StatusCompleted) }

// Fail marks the session's work failed.
func (a *Actor) Fail() error { return a.transition(models.StatusFailed) }

// allowedTransition encodes the session state machine: monotone except the
// explicit archived/active toggle.
func allowedTransition(from, to string) bool {
	switch from {
	case models.StatusCreated:
		return to == models.StatusActive || to == models.StatusArchived || to == models.StatusFailed
	case models.StatusActive:
		return to == models.StatusArchived || to == models.StatusCompleted || to == models.StatusFailed
	case models.StatusArchived:
		return to == models.StatusActive
	}
	return false
}

// transition applies a status change, persists it and tells all viewers.
func (a *Actor) transition(to string) error {
	a.mu.Lock()
	from := a.session.Status
	if from == to {
		a.mu.Unlock()
		return nil
	}
	if !allowedTransition(from, to) {
		a.mu.Unlock()
		return fmt.Errorf("actor: %s: invalid transition %s -> %s", a.id, from, to)
	}
	a.session.Status = to
	session := a.session
	a.broadcastLocked(ServerMessage{Type: MsgSessionStatus, Status: to}, "")
	a.mu.Unlock()

	a.persistStatus(to)
	if a.reg.effects != nil && (to == models.StatusCompleted || to == models.StatusFailed) {
		go a.reg.effects.SessionFinished(session, to)
	}
	return nil
}

// persistStatus writes a status transition through to the index store.
// Soft failure: a missing row or store error is logged, not propagated, so
// the live session keeps serving viewers.
func (a *Actor) persistStatus(status string) {
	ok, err := a.reg.store.UpdateStatus(a.id, status)
	if err != nil {
		log.Printf("actor: %s: persist status %s: %v", a.id, status, err)
		return
	}
	if !ok {
		log.Printf("actor: %s: persist status %s: row missing", a.id, status)
	}
}

// persistSandboxStatus mirrors persistStatus for the sandbox machine.
func (a *Actor) persistSandboxStatus(status string) {
	if _, err := a.reg.store.UpdateSandboxStatus(a.id, status); err != nil {
		log.Printf("actor: %s: persist sandbox status %s: %v", a.id, status, err)
	}
}

// snapshotLocked builds the subscribe-time view of the session.
func (a *Actor) snapshotLocked() SessionState {
	arts := make([]event.Artifact, 0, len(a.artifactIDs))
	for _, id := range a.artifactIDs {
		arts = append(arts, a.artifacts[id])
	}
	return SessionState{
		ID:            a.session.ID,
		Title:         a.session.Title,
		RepoOwner:     a.session.RepoOwner,
		RepoName:      a.session.RepoName,
		Model:         a.session.Model,
		BaseBranch:    a.session.BaseBranch,
		Status:        a.session.Status,
		SandboxStatus: a.session.SandboxStatus,
		IsProcessing:  a.inFlight,
		LastSeq:       a.nextSeq,
		Artifacts:     arts,
	}
}

// rosterLocked snapshots the participant table.
func (a *Actor) rosterLocked() []Participant {
	roster := make([]Participant, 0, len(a.participants))
	for _, p := range a.participants {
		roster = append(roster, *p)
	}
	return roster
}

// broadcastLocked sends a message to every viewer except the named one.
// Sends are non-blocking; a dead viewer just stops receiving.
func (a *Actor) broadcastLocked(msg ServerMessage, exceptConnID string) {
	for id, conn := range a.viewers {
		if id == exceptConnID {
			continue
		}
		conn.Send(msg)
	}
}

// appendLocked assigns the next sequence number, appends to the log window
// and pushes the event to all viewers. Log order is authoritative: every
// viewer sees appended events in exactly this order.
func (a *Actor) appendLocked(ev event.Event) event.Envelope {
	a.nextSeq++
	env := event.Envelope{Seq: a.nextSeq, Timestamp: time.Now(), Event: ev}
	a.eventLog = append(a.eventLog, env)
	if window := a.reg.logWindow; window > 0 && len(a.eventLog) > window {
		a.eventLog = a.eventLog[len(a.eventLog)-window:]
	}
	a.lastActivity = time.Now()
	a.broadcastLocked(ServerMessage{Type: MsgSandboxEvent, Event: &env}, "")
	return env
}

// reapPresence ages out silent participants: active to idle to away, then
// removal with a presence_leave. Thresholds come from the presence config.
// Called periodically by the registry.
func (a *Actor) reapPresence(now time.Time) {
	pc := a.reg.presence

	a.mu.Lock()
	changed := false
	var closing []Conn
	for connID, p := range a.participants {
		silent := now.Sub(p.LastSeen)
		switch {
		case silent > pc.RemoveAfter:
			delete(a.participants, connID)
			if conn, ok := a.viewers[connID]; ok {
				delete(a.viewers, connID)
				closing = append(closing, conn)
			}
			a.broadcastLocked(ServerMessage{Type: MsgPresenceLeave, UserID: p.UserID}, "")
			changed = true
		case silent > pc.AwayAfter && p.Status != PresenceAway:
			p.Status = PresenceAway
			changed = true
		case silent > pc.IdleAfter && silent <= pc.AwayAfter && p.Status == PresenceActive:
			p.Status = PresenceIdle
			changed = true
		}
	}
	if changed {
		a.broadcastLocked(ServerMessage{Type: MsgPresenceUpdate, Participants: a.rosterLocked()}, "")
	}
	a.mu.Unlock()

	// Close frames are network writes with a deadline; they must not happen
	// while holding the actor's mutex.
	for _, conn := range closing {
		conn.CloseWithCode(CloseSessionExpired, "presence timeout")
	}
}

// idle reports whether the actor can be evicted: no viewers, nothing
// running, nothing queued, and no activity since the cutoff.
func (a *Actor) idle(cutoff time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.viewers) == 0 && !a.inFlight && len(a.queue) == 0 && a.lastActivity.Before(cutoff)
}

// Close-code values shared with the gateway. 4xxx is the private range for
// application close codes.
const (
	CloseAuthFailed     = 4001
	CloseSessionExpired = 4002
)
