package actor

import (
	"time"

	"github.com/zulandar/signalbox/internal/event"
)

// ApplyArtifact upserts an artifact by id. The first write for an id emits
// artifact_created; later writes replace in place and emit artifact_updated.
// Re-applying the same id never produces two entries.
func (a *Actor) ApplyArtifact(art event.Artifact) {
	a.mu.Lock()
	a.applyArtifactLocked(art)
	a.mu.Unlock()
}

func (a *Actor) applyArtifactLocked(art event.Artifact) {
	if art.ID == "" {
		return
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = time.Now()
	}

	prev, exists := a.artifacts[art.ID]
	if exists {
		// Replace in place; keep the original creation time.
		art.CreatedAt = prev.CreatedAt
		a.artifacts[art.ID] = art
		a.appendLocked(event.ArtifactUpdated{Artifact: art})
		a.broadcastLocked(ServerMessage{Type: MsgArtifactUpdated, Artifact: &art}, "")
		return
	}

	a.artifacts[art.ID] = art
	a.artifactIDs = append(a.artifactIDs, art.ID)
	a.appendLocked(event.ArtifactCreated{Artifact: art})
	a.broadcastLocked(ServerMessage{Type: MsgArtifactCreated, Artifact: &art}, "")

	if a.reg.effects != nil {
		// Side effects (PR creation, notifications) run off the actor's
		// critical path and swallow their own failures.
		session := a.session
		go a.reg.effects.ArtifactCreated(session, art)
	}
}

// Artifacts returns the current artifacts in creation order.
func (a *Actor) Artifacts() []event.Artifact {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]event.Artifact, 0, len(a.artifactIDs))
	for _, id := range a.artifactIDs {
		out = append(out, a.artifacts[id])
	}
	return out
}
