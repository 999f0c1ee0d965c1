// Package capability implements the host functions tenant scripts call to
// act on their repository.
//
// Pure reads (repository, role_members, is_authorized) return their result
// to the guest directly. Everything with a side effect is handed to the
// tenant's Dispatcher and returns a request id at once; the outcome arrives
// later as an action.completed event for the same tenant.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/sandbox"
)

// Capability names visible to guest code.
const (
	NameRepository    = "repository"
	NameRoleMembers   = "role_members"
	NameIsAuthorized  = "is_authorized"
	NameCreateIssue   = "create_issue"
	NameCreateComment = "create_comment"
	NameAssign        = "assign"
	NameAddLabels     = "add_labels"
	NameRunCI         = "run_ci"
	NameNotify        = "notify"
	NameMerge         = "merge"
)

// Actions is the hosting platform. repo is always "owner/name".
type Actions interface {
	Repository(ctx context.Context, repo string) (map[string]any, error)
	CreateIssue(ctx context.Context, repo string, issue IssueRequest) (map[string]any, error)
	CreateComment(ctx context.Context, repo string, number int, body string) (map[string]any, error)
	Assign(ctx context.Context, repo string, number int, users []string) error
	AddLabels(ctx context.Context, repo string, number int, labels []string) error
	RunCI(ctx context.Context, repo string, run CIRequest) error
	Merge(ctx context.Context, repo string, number int, method string) (map[string]any, error)
}

// Notifier delivers chat notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// IssueRequest is the guest's create_issue call.
type IssueRequest struct {
	Title  string
	Body   string
	Labels []string
}

// CIRequest is the guest's run_ci call.
type CIRequest struct {
	Workflow string
	Ref      string
	Inputs   map[string]any
}

// Notification is one chat message about a tenant.
type Notification struct {
	Tenant  bus.TenantKey  `json:"-"`
	Text    string         `json:"text"`
	Details map[string]any `json:"details,omitempty"`
}

// Services are the collaborators shared by every tenant.
type Services struct {
	Actions  Actions
	Notifier Notifier
}

// Tenant is what a tenant's capability table is bound to.
type Tenant struct {
	Key bus.TenantKey
	// Config returns the tenant's current configuration.
	Config     func() map[string]any
	Dispatcher *Dispatcher
	Logger     *slog.Logger
}

// Table builds the capability functions for one tenant. The table is
// built once and re-injected into every sandbox generation of the tenant.
func Table(t Tenant, s Services) map[string]sandbox.HostFunc {
	c := &caps{tenant: t, services: s}
	return map[string]sandbox.HostFunc{
		NameRepository:    c.repository,
		NameRoleMembers:   c.roleMembers,
		NameIsAuthorized:  c.isAuthorized,
		NameCreateIssue:   c.createIssue,
		NameCreateComment: c.createComment,
		NameAssign:        c.assign,
		NameAddLabels:     c.addLabels,
		NameRunCI:         c.runCI,
		NameNotify:        c.notify,
		NameMerge:         c.merge,
	}
}

// Names returns the capability names Table provides, sorted.
func Names() []string {
	names := make([]string, 0, 10)
	for name := range Table(Tenant{}, Services{}) {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type caps struct {
	tenant   Tenant
	services Services
}

func (c *caps) repo() string { return c.tenant.Key.Repository }

func (c *caps) config() map[string]any {
	if c.tenant.Config == nil {
		return nil
	}
	return c.tenant.Config()
}

func (c *caps) actions() (Actions, error) {
	if c.services.Actions == nil {
		return nil, fmt.Errorf("no hosting platform configured")
	}
	return c.services.Actions, nil
}

func (c *caps) repository(ctx context.Context, args ...any) ([]any, error) {
	a, err := c.actions()
	if err != nil {
		return nil, err
	}
	snapshot, err := a.Repository(ctx, c.repo())
	if err != nil {
		return nil, err
	}
	return []any{snapshot}, nil
}

func (c *caps) roleMembers(ctx context.Context, args ...any) ([]any, error) {
	role, err := stringArg(args, 0, "role")
	if err != nil {
		return nil, err
	}
	return []any{RoleMembers(c.config(), role)}, nil
}

func (c *caps) isAuthorized(ctx context.Context, args ...any) ([]any, error) {
	user, err := stringArg(args, 0, "user")
	if err != nil {
		return nil, err
	}
	command, err := stringArg(args, 1, "command")
	if err != nil {
		return nil, err
	}
	return []any{IsAuthorized(c.config(), user, command)}, nil
}

func (c *caps) createIssue(ctx context.Context, args ...any) ([]any, error) {
	title, err := stringArg(args, 0, "title")
	if err != nil {
		return nil, err
	}
	req := IssueRequest{
		Title:  title,
		Body:   optionalString(args, 1),
		Labels: optionalStrings(args, 2),
	}
	return c.dispatch(NameCreateIssue, func(ctx context.Context, a Actions) (map[string]any, error) {
		return a.CreateIssue(ctx, c.repo(), req)
	})
}

func (c *caps) createComment(ctx context.Context, args ...any) ([]any, error) {
	number, err := intArg(args, 0, "number")
	if err != nil {
		return nil, err
	}
	body, err := stringArg(args, 1, "body")
	if err != nil {
		return nil, err
	}
	return c.dispatch(NameCreateComment, func(ctx context.Context, a Actions) (map[string]any, error) {
		return a.CreateComment(ctx, c.repo(), number, body)
	})
}

func (c *caps) assign(ctx context.Context, args ...any) ([]any, error) {
	number, err := intArg(args, 0, "number")
	if err != nil {
		return nil, err
	}
	users := optionalStrings(args, 1)
	if len(users) == 0 {
		return nil, fmt.Errorf("argument 2 (users) is required")
	}
	return c.dispatch(NameAssign, func(ctx context.Context, a Actions) (map[string]any, error) {
		return map[string]any{"number": number, "users": users}, a.Assign(ctx, c.repo(), number, users)
	})
}

func (c *caps) addLabels(ctx context.Context, args ...any) ([]any, error) {
	number, err := intArg(args, 0, "number")
	if err != nil {
		return nil, err
	}
	labels := optionalStrings(args, 1)
	if len(labels) == 0 {
		return nil, fmt.Errorf("argument 2 (labels) is required")
	}
	return c.dispatch(NameAddLabels, func(ctx context.Context, a Actions) (map[string]any, error) {
		return map[string]any{"number": number, "labels": labels}, a.AddLabels(ctx, c.repo(), number, labels)
	})
}

func (c *caps) runCI(ctx context.Context, args ...any) ([]any, error) {
	workflow, err := stringArg(args, 0, "workflow")
	if err != nil {
		return nil, err
	}
	run := CIRequest{
		Workflow: workflow,
		Ref:      optionalString(args, 1),
		Inputs:   optionalMap(args, 2),
	}
	return c.dispatch(NameRunCI, func(ctx context.Context, a Actions) (map[string]any, error) {
		return map[string]any{"workflow": run.Workflow, "ref": run.Ref}, a.RunCI(ctx, c.repo(), run)
	})
}

func (c *caps) merge(ctx context.Context, args ...any) ([]any, error) {
	number, err := intArg(args, 0, "number")
	if err != nil {
		return nil, err
	}
	method := optionalString(args, 1)
	if method == "" {
		method = "merge"
	}
	switch method {
	case "merge", "squash", "rebase":
	default:
		return nil, fmt.Errorf("unknown merge method %q", method)
	}
	return c.dispatch(NameMerge, func(ctx context.Context, a Actions) (map[string]any, error) {
		return a.Merge(ctx, c.repo(), number, method)
	})
}

func (c *caps) notify(ctx context.Context, args ...any) ([]any, error) {
	text, err := stringArg(args, 0, "text")
	if err != nil {
		return nil, err
	}
	n := Notification{Tenant: c.tenant.Key, Text: text, Details: optionalMap(args, 1)}
	id := c.tenant.Dispatcher.Go(NameNotify, func(ctx context.Context) (map[string]any, error) {
		if c.services.Notifier == nil {
			return nil, fmt.Errorf("notifications are not configured")
		}
		return nil, c.services.Notifier.Notify(ctx, n)
	})
	return []any{id}, nil
}

// dispatch runs fn in the background and returns its request id to the guest.
func (c *caps) dispatch(action string, fn func(ctx context.Context, a Actions) (map[string]any, error)) ([]any, error) {
	a, err := c.actions()
	if err != nil {
		return nil, err
	}
	id := c.tenant.Dispatcher.Go(action, func(ctx context.Context) (map[string]any, error) {
		return fn(ctx, a)
	})
	return []any{id}, nil
}
