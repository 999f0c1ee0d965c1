// Package ingest receives repository webhooks and publishes them on the
// bus as events for the repository's tenant.
package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/events"
	"github.com/nfrund/repobot/internal/middleware"
)

// WebhookPath receives GitHub deliveries.
const WebhookPath = "/webhooks/github"

// Handler turns webhook deliveries into bus events.
type Handler struct {
	publisher bus.Publisher
	secret    []byte
	rate      float64
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithSecret sets the webhook secret deliveries are verified against.
func WithSecret(secret string) Option {
	return func(h *Handler) { h.secret = []byte(secret) }
}

// WithRateLimit sets the per-sender delivery rate, per second.
func WithRateLimit(perSecond float64) Option {
	return func(h *Handler) { h.rate = perSecond }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// New creates a handler publishing through publisher.
func New(publisher bus.Publisher, opts ...Option) *Handler {
	h := &Handler{publisher: publisher, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "ingest")
	return h
}

// Register mounts the webhook route on e.
func (h *Handler) Register(e *echo.Echo) {
	e.POST(WebhookPath, h.Receive, middleware.RateLimiter(h.rate), middleware.Signature(h.secret))
}

type response struct {
	Status   string `json:"status"`
	Event    string `json:"event,omitempty"`
	Tenant   string `json:"tenant,omitempty"`
	Delivery string `json:"delivery,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Receive handles one delivery. Kinds without an event type, and
// deliveries that name no installation or repository, are acknowledged
// and dropped.
func (h *Handler) Receive(c echo.Context) error {
	req := c.Request()
	logger := middleware.FromContext(req.Context())
	kind := github.WebHookType(req)
	delivery := github.DeliveryID(req)

	if kind == "ping" {
		return c.JSON(http.StatusOK, response{Status: "pong", Delivery: delivery})
	}

	ev, ok := events.ForWebhook(kind)
	if !ok {
		logger.Debug("Ignoring webhook kind", "kind", kind)
		return c.JSON(http.StatusAccepted, response{Status: "ignored", Delivery: delivery, Reason: "unsupported event " + kind})
	}

	payload := middleware.Payload(c)
	parsed, err := github.ParseWebHook(kind, payload)
	if err != nil {
		logger.Warn("Malformed webhook payload", "kind", kind, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	re, err := Convert(parsed, payload)
	if err != nil {
		logger.Warn("Cannot convert webhook", "kind", kind, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	re.DeliveryID = delivery

	key := bus.TenantKey{InstallationID: re.InstallationID, Repository: re.Repository}
	if key.InstallationID == 0 || key.Repository == "" {
		return c.JSON(http.StatusAccepted, response{Status: "ignored", Delivery: delivery, Reason: "no installation or repository"})
	}

	data, err := ev.Encode(re)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Name(), err)
	}
	err = h.publisher.Publish(req.Context(), bus.Envelope{
		Class:   bus.Everyone,
		Type:    ev.Name(),
		Tenant:  key,
		Payload: data,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Name(), err)
	}

	logger.Info("Webhook published", "event", ev.Name(), "tenant", key.String(), "action", re.Action)
	return c.JSON(http.StatusAccepted, response{
		Status:   "published",
		Event:    ev.Name(),
		Tenant:   key.String(),
		Delivery: delivery,
	})
}

// Convert extracts the repository event from a parsed delivery. Data is
// the full JSON payload so scripts can read any field of it.
func Convert(parsed any, payload []byte) (events.RepositoryEvent, error) {
	var re events.RepositoryEvent
	if err := json.Unmarshal(payload, &re.Data); err != nil {
		return re, fmt.Errorf("decode payload: %w", err)
	}

	var (
		repo   *github.Repository
		inst   *github.Installation
		sender *github.User
	)
	switch e := parsed.(type) {
	case *github.IssuesEvent:
		repo, inst, sender = e.GetRepo(), e.GetInstallation(), e.GetSender()
		re.Action = e.GetAction()
		re.Number = e.GetIssue().GetNumber()
	case *github.IssueCommentEvent:
		repo, inst, sender = e.GetRepo(), e.GetInstallation(), e.GetSender()
		re.Action = e.GetAction()
		re.Number = e.GetIssue().GetNumber()
	case *github.PullRequestEvent:
		repo, inst, sender = e.GetRepo(), e.GetInstallation(), e.GetSender()
		re.Action = e.GetAction()
		re.Number = e.GetNumber()
	case *github.PushEvent:
		inst, sender = e.GetInstallation(), e.GetSender()
		re.Repository = e.GetRepo().GetFullName()
		re.Action = "pushed"
	default:
		return re, fmt.Errorf("unsupported payload %T", parsed)
	}

	if repo != nil {
		re.Repository = repo.GetFullName()
	}
	re.InstallationID = inst.GetID()
	re.Sender = sender.GetLogin()
	return re, nil
}
