package scm

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// Narrow views of the go-github services, so tests can substitute mocks.
type repositoriesService interface {
	Get(ctx context.Context, owner, repo string) (*github.Repository, *github.Response, error)
	ListBranches(ctx context.Context, owner, repo string, opts *github.BranchListOptions) ([]*github.Branch, *github.Response, error)
}

type pullRequestsService interface {
	Create(ctx context.Context, owner, repo string, pull *github.NewPullRequest) (*github.PullRequest, *github.Response, error)
	RequestReviewers(ctx context.Context, owner, repo string, number int, reviewers github.ReviewersRequest) (*github.PullRequest, *github.Response, error)
}

type issuesService interface {
	AddLabelsToIssue(ctx context.Context, owner, repo string, number int, labels []string) ([]*github.Label, *github.Response, error)
}

// GitHubProviderOpts configures a GitHubProvider.
type GitHubProviderOpts struct {
	Token     string        // personal access token or app credential
	Labels    []string      // attached best-effort after PR creation
	Reviewers []string      // requested best-effort after PR creation
	TokenTTL  time.Duration // validity window reported on minted push tokens
}

// GitHubProvider implements Provider against the GitHub API.
type GitHubProvider struct {
	repos     repositoriesService
	prs       pullRequestsService
	issues    issuesService
	token     string
	labels    []string
	reviewers []string
	tokenTTL  time.Duration
}

// NewGitHubProvider builds a provider authenticated with a static token.
func NewGitHubProvider(opts GitHubProviderOpts) (*GitHubProvider, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("scm: github token is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
	client := github.NewClient(oauth2.NewClient(context.Background(), ts))
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &GitHubProvider{
		repos:     client.Repositories,
		prs:       client.PullRequests,
		issues:    client.Issues,
		token:     opts.Token,
		labels:    opts.Labels,
		reviewers: opts.Reviewers,
		tokenTTL:  ttl,
	}, nil
}

func (p *GitHubProvider) GetRepo(ctx context.Context, owner, name string) (*Repo, error) {
	repo, _, err := p.repos.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("scm: get repo %s/%s: %w", owner, name, err)
	}
	return &Repo{
		Owner:         owner,
		Name:          name,
		DefaultBranch: repo.GetDefaultBranch(),
		Private:       repo.GetPrivate(),
	}, nil
}

func (p *GitHubProvider) ListBranches(ctx context.Context, owner, name string) ([]Branch, error) {
	var out []Branch
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		branches, resp, err := p.repos.ListBranches(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("scm: list branches %s/%s: %w", owner, name, err)
		}
		for _, b := range branches {
			out = append(out, Branch{Name: b.GetName(), SHA: b.GetCommit().GetSHA()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// CreatePullRequest opens the PR, then attaches configured labels and
// reviewers. Label/reviewer failures are logged and swallowed: the PR
// exists and the caller gets it either way.
func (p *GitHubProvider) CreatePullRequest(ctx context.Context, owner, name string, opts PullRequestOpts) (*PullRequest, error) {
	pr, _, err := p.prs.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.String(opts.Title),
		Head:  github.String(opts.Head),
		Base:  github.String(opts.Base),
		Body:  github.String(opts.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("scm: create pull request %s/%s: %w", owner, name, err)
	}
	number := pr.GetNumber()

	if len(p.labels) > 0 {
		if _, _, err := p.issues.AddLabelsToIssue(ctx, owner, name, number, p.labels); err != nil {
			log.Printf("scm: label pr %s/%s#%d: %v", owner, name, number, err)
		}
	}
	if len(p.reviewers) > 0 {
		if _, _, err := p.prs.RequestReviewers(ctx, owner, name, number, github.ReviewersRequest{Reviewers: p.reviewers}); err != nil {
			log.Printf("scm: request reviewers pr %s/%s#%d: %v", owner, name, number, err)
		}
	}

	return &PullRequest{
		Number: number,
		URL:    pr.GetHTMLURL(),
		Title:  pr.GetTitle(),
	}, nil
}

// MintPushToken hands out a push credential for the repo. With static-token
// auth the configured credential is passed through with a nominal expiry;
// installation-scoped minting needs GitHub App auth.
func (p *GitHubProvider) MintPushToken(ctx context.Context, owner, name string) (*PushToken, error) {
	if _, err := p.GetRepo(ctx, owner, name); err != nil {
		return nil, err
	}
	return &PushToken{Token: p.token, ExpiresAt: time.Now().Add(p.tokenTTL)}, nil
}
