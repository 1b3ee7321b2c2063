// Package effects implements the session side effects that run off the
// event-log critical path: chat notifications and source-control calls
// triggered by artifact creation and session completion.
package effects

import (
	"context"
	"log"
	"time"

	"github.com/zulandar/signalbox/internal/event"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/scm"
)

// scmTimeout bounds one provider call; side effects must never hang a
// session's background goroutines indefinitely.
const scmTimeout = 30 * time.Second

// Effects wires a source-control provider and notifiers behind the actor's
// side-effect hooks. Everything here is best-effort.
type Effects struct {
	provider  scm.Provider // optional
	notifiers notify.Multi
}

// New builds the side-effect sink. provider may be nil when no SCM is
// configured; notifiers may be empty.
func New(provider scm.Provider, notifiers ...notify.Notifier) *Effects {
	return &Effects{provider: provider, notifiers: notify.Multi(notifiers)}
}

// ArtifactCreated notifies channels about the new artifact, and for branch
// artifacts opens a pull request for the session's work.
func (e *Effects) ArtifactCreated(session models.Session, artifact event.Artifact) {
	e.notifiers.ArtifactCreated(session, artifact)

	if artifact.Type == event.ArtifactBranch && e.provider != nil {
		e.openPullRequest(session, artifact)
	}
}

// SessionFinished posts the completion/failure summary.
func (e *Effects) SessionFinished(session models.Session, status string) {
	e.notifiers.SessionFinished(session, status)
}

func (e *Effects) openPullRequest(session models.Session, artifact event.Artifact) {
	ctx, cancel := context.WithTimeout(context.Background(), scmTimeout)
	defer cancel()

	head := artifact.Metadata["branch"]
	if head == "" {
		head = artifact.ID
	}
	base := session.BaseBranch
	if base == "" {
		repo, err := e.provider.GetRepo(ctx, session.RepoOwner, session.RepoName)
		if err != nil {
			log.Printf("effects: resolve base branch for %s: %v", session.ID, err)
			return
		}
		base = repo.DefaultBranch
	}

	title := session.Title
	if title == "" {
		title = "Session " + session.ID
	}
	pr, err := e.provider.CreatePullRequest(ctx, session.RepoOwner, session.RepoName, scm.PullRequestOpts{
		Title: title,
		Head:  head,
		Base:  base,
		Body:  "Automated changes from session " + session.ID + ".",
	})
	if err != nil {
		log.Printf("effects: open pull request for %s: %v", session.ID, err)
		return
	}
	log.Printf("effects: %s opened pull request %s", session.ID, pr.URL)
}
