// Package scm wraps the source-control provider consumed as a side effect
// of artifact creation. It is never called on the event-log critical path.
package scm

import (
	"context"
	"time"
)

// Repo is the provider-neutral repository projection.
type Repo struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch"`
	Private       bool   `json:"private"`
}

// Branch is one repository branch head.
type Branch struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}

// PullRequestOpts describes a pull request to open.
type PullRequestOpts struct {
	Title string
	Head  string
	Base  string
	Body  string
}

// PullRequest is the created pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

// PushToken is a short-lived credential for pushing session branches.
type PushToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Provider is the source-control surface the session side effects use.
type Provider interface {
	GetRepo(ctx context.Context, owner, name string) (*Repo, error)
	ListBranches(ctx context.Context, owner, name string) ([]Branch, error)
	CreatePullRequest(ctx context.Context, owner, name string, opts PullRequestOpts) (*PullRequest, error)
	MintPushToken(ctx context.Context, owner, name string) (*PushToken, error)
}
