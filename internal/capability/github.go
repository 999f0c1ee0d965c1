package capability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// GitHubActions implements Actions against the GitHub REST API.
type GitHubActions struct {
	client *github.Client
	logger *slog.Logger
}

// NewGitHubActions creates a client authenticated with token. An empty
// token gives an anonymous client, which can only read public repositories.
func NewGitHubActions(ctx context.Context, token string, logger *slog.Logger) *GitHubActions {
	if logger == nil {
		logger = slog.Default()
	}
	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	} else {
		client = github.NewClient(nil)
	}
	return NewGitHubActionsWithClient(client, logger)
}

// NewGitHubActionsWithClient wraps an existing client, for example one
// pointed at a GitHub Enterprise base URL.
func NewGitHubActionsWithClient(client *github.Client, logger *slog.Logger) *GitHubActions {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubActions{client: client, logger: logger.With("component", "github")}
}

func splitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", repo)
	}
	return owner, name, nil
}

func (g *GitHubActions) Repository(ctx context.Context, repo string) (map[string]any, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	r, _, err := g.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", repo, err)
	}
	topics := make([]any, 0, len(r.Topics))
	for _, t := range r.Topics {
		topics = append(topics, t)
	}
	return map[string]any{
		"full_name":      r.GetFullName(),
		"description":    r.GetDescription(),
		"default_branch": r.GetDefaultBranch(),
		"private":        r.GetPrivate(),
		"archived":       r.GetArchived(),
		"open_issues":    r.GetOpenIssuesCount(),
		"stars":          r.GetStargazersCount(),
		"html_url":       r.GetHTMLURL(),
		"topics":         topics,
	}, nil
}

func (g *GitHubActions) CreateIssue(ctx context.Context, repo string, issue IssueRequest) (map[string]any, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	req := &github.IssueRequest{
		Title: github.String(issue.Title),
		Body:  github.String(issue.Body),
	}
	if len(issue.Labels) > 0 {
		labels := issue.Labels
		req.Labels = &labels
	}
	created, _, err := g.client.Issues.Create(ctx, owner, name, req)
	if err != nil {
		return nil, fmt.Errorf("create issue in %s: %w", repo, err)
	}
	g.logger.Info("Issue created", slog.String("repo", repo), slog.Int("number", created.GetNumber()))
	return map[string]any{"number": created.GetNumber(), "html_url": created.GetHTMLURL()}, nil
}

func (g *GitHubActions) CreateComment(ctx context.Context, repo string, number int, body string) (map[string]any, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	comment, _, err := g.client.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{Body: github.String(body)})
	if err != nil {
		return nil, fmt.Errorf("comment on %s#%d: %w", repo, number, err)
	}
	return map[string]any{"id": comment.GetID(), "html_url": comment.GetHTMLURL()}, nil
}

func (g *GitHubActions) Assign(ctx context.Context, repo string, number int, users []string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	if _, _, err := g.client.Issues.AddAssignees(ctx, owner, name, number, users); err != nil {
		return fmt.Errorf("assign %s#%d: %w", repo, number, err)
	}
	return nil
}

func (g *GitHubActions) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	if _, _, err := g.client.Issues.AddLabelsToIssue(ctx, owner, name, number, labels); err != nil {
		return fmt.Errorf("label %s#%d: %w", repo, number, err)
	}
	return nil
}

// RunCI dispatches a workflow_dispatch event. An empty ref means the
// repository's default branch.
func (g *GitHubActions) RunCI(ctx context.Context, repo string, run CIRequest) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	ref := run.Ref
	if ref == "" {
		r, _, err := g.client.Repositories.Get(ctx, owner, name)
		if err != nil {
			return fmt.Errorf("resolve default branch of %s: %w", repo, err)
		}
		ref = r.GetDefaultBranch()
	}
	event := github.CreateWorkflowDispatchEventRequest{Ref: ref, Inputs: run.Inputs}
	if _, err := g.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, owner, name, run.Workflow, event); err != nil {
		return fmt.Errorf("dispatch %s on %s: %w", run.Workflow, repo, err)
	}
	g.logger.Info("Workflow dispatched",
		slog.String("repo", repo),
		slog.String("workflow", run.Workflow),
		slog.String("ref", ref))
	return nil
}

func (g *GitHubActions) Merge(ctx context.Context, repo string, number int, method string) (map[string]any, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	res, _, err := g.client.PullRequests.Merge(ctx, owner, name, number, "", &github.PullRequestOptions{MergeMethod: method})
	if err != nil {
		return nil, fmt.Errorf("merge %s#%d: %w", repo, number, err)
	}
	return map[string]any{"merged": res.GetMerged(), "sha": res.GetSHA(), "message": res.GetMessage()}, nil
}
