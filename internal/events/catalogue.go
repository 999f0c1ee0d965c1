package events

// RepositoryEvent is activity on one repository, as delivered by the
// hosting platform. Data holds the event-specific fields scripts read.
type RepositoryEvent struct {
	DeliveryID     string         `cbor:"delivery_id"`
	InstallationID int64          `cbor:"installation_id"`
	Repository     string         `cbor:"repository"`
	Action         string         `cbor:"action"`
	Sender         string         `cbor:"sender"`
	Number         int            `cbor:"number,omitempty"`
	Data           map[string]any `cbor:"data,omitempty"`
}

// ActionCompleted reports the outcome of an asynchronous capability call
// back to the tenant that made it.
type ActionCompleted struct {
	RequestID string         `cbor:"request_id"`
	Action    string         `cbor:"action"`
	OK        bool           `cbor:"ok"`
	Error     string         `cbor:"error,omitempty"`
	Result    map[string]any `cbor:"result,omitempty"`
}

var (
	GitHubIssues       = NewEvent[RepositoryEvent]("github.issues", "An issue was opened, edited, closed, labeled or assigned")
	GitHubIssueComment = NewEvent[RepositoryEvent]("github.issue_comment", "A comment was created, edited or deleted on an issue or pull request")
	GitHubPullRequest  = NewEvent[RepositoryEvent]("github.pull_request", "A pull request was opened, synchronized, closed or reviewed")
	GitHubPush         = NewEvent[RepositoryEvent]("github.push", "Commits were pushed to a branch or tag")

	ActionDone = NewEvent[ActionCompleted]("action.completed", "An asynchronous capability call finished")
)

// webhookEvents maps the platform's X-GitHub-Event header to event types.
var webhookEvents = map[string]Event[RepositoryEvent]{
	"issues":        GitHubIssues,
	"issue_comment": GitHubIssueComment,
	"pull_request":  GitHubPullRequest,
	"push":          GitHubPush,
}

// ForWebhook returns the event type for a webhook kind.
func ForWebhook(kind string) (Event[RepositoryEvent], bool) {
	ev, ok := webhookEvents[kind]
	return ev, ok
}
