package capability

import (
	"context"
	"fmt"
	"sync"
)

// Call is one recorded capability call.
type Call struct {
	Action string
	Repo   string
	Args   map[string]any
}

// Recorder implements Actions and Notifier by recording every call.
// It backs the check command and tests.
type Recorder struct {
	mu    sync.Mutex
	calls []Call

	// Snapshot is returned by Repository; nil gives a minimal one.
	Snapshot map[string]any
	// Fail makes the named actions return an error.
	Fail map[string]error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{Fail: map[string]error{}}
}

// Calls returns a copy of the recorded calls in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsTo returns the recorded calls of one action.
func (r *Recorder) CallsTo(action string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

func (r *Recorder) record(action, repo string, args map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Action: action, Repo: repo, Args: args})
	return r.Fail[action]
}

func (r *Recorder) Repository(ctx context.Context, repo string) (map[string]any, error) {
	if err := r.record(NameRepository, repo, nil); err != nil {
		return nil, err
	}
	if r.Snapshot != nil {
		return r.Snapshot, nil
	}
	return map[string]any{"full_name": repo, "default_branch": "main"}, nil
}

func (r *Recorder) CreateIssue(ctx context.Context, repo string, issue IssueRequest) (map[string]any, error) {
	err := r.record(NameCreateIssue, repo, map[string]any{
		"title": issue.Title, "body": issue.Body, "labels": issue.Labels,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"number": len(r.CallsTo(NameCreateIssue))}, nil
}

func (r *Recorder) CreateComment(ctx context.Context, repo string, number int, body string) (map[string]any, error) {
	if err := r.record(NameCreateComment, repo, map[string]any{"number": number, "body": body}); err != nil {
		return nil, err
	}
	return map[string]any{"html_url": fmt.Sprintf("https://github.com/%s/issues/%d", repo, number)}, nil
}

func (r *Recorder) Assign(ctx context.Context, repo string, number int, users []string) error {
	return r.record(NameAssign, repo, map[string]any{"number": number, "users": users})
}

func (r *Recorder) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	return r.record(NameAddLabels, repo, map[string]any{"number": number, "labels": labels})
}

func (r *Recorder) RunCI(ctx context.Context, repo string, run CIRequest) error {
	return r.record(NameRunCI, repo, map[string]any{"workflow": run.Workflow, "ref": run.Ref, "inputs": run.Inputs})
}

func (r *Recorder) Merge(ctx context.Context, repo string, number int, method string) (map[string]any, error) {
	if err := r.record(NameMerge, repo, map[string]any{"number": number, "method": method}); err != nil {
		return nil, err
	}
	return map[string]any{"merged": true}, nil
}

func (r *Recorder) Notify(ctx context.Context, n Notification) error {
	return r.record(NameNotify, n.Tenant.Repository, map[string]any{"text": n.Text, "details": n.Details})
}
