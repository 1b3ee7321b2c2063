// Package notify posts session lifecycle summaries to chat. All delivery is
// best-effort: failures are logged, never returned to the session path.
package notify

import (
	"fmt"
	"log"
	"strings"

	"github.com/zulandar/signalbox/internal/event"
	"github.com/zulandar/signalbox/internal/models"
)

// Notifier delivers one notification to one destination.
type Notifier interface {
	SessionFinished(session models.Session, status string)
	ArtifactCreated(session models.Session, artifact event.Artifact)
}

// Multi fans a notification out to every configured notifier.
type Multi []Notifier

func (m Multi) SessionFinished(session models.Session, status string) {
	for _, n := range m {
		n.SessionFinished(session, status)
	}
}

func (m Multi) ArtifactCreated(session models.Session, artifact event.Artifact) {
	for _, n := range m {
		n.ArtifactCreated(session, artifact)
	}
}

func sessionLabel(session models.Session) string {
	if session.Title != "" {
		return fmt.Sprintf("%s (%s)", session.Title, session.ID)
	}
	return session.ID
}

func finishedText(session models.Session, status string) string {
	verb := "completed"
	if status == models.StatusFailed {
		verb = "failed"
	}
	return fmt.Sprintf("Session %s %s [%s/%s]", sessionLabel(session), verb, session.RepoOwner, session.RepoName)
}

func artifactText(session models.Session, artifact event.Artifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s produced a %s artifact", sessionLabel(session), artifact.Type)
	if artifact.URL != "" {
		fmt.Fprintf(&b, ": %s", artifact.URL)
	}
	return b.String()
}

func logDeliveryError(dest string, err error) {
	log.Printf("notify: %s delivery failed: %v", dest, err)
}
