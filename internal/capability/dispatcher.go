package capability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/events"
)

// DefaultActionTimeout bounds one asynchronous capability call.
const DefaultActionTimeout = 30 * time.Second

// Dispatcher runs side-effecting capability calls off the event loop and
// publishes an action.completed event when each one finishes.
type Dispatcher struct {
	publisher bus.Publisher
	logger    *slog.Logger
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher that reports through publisher,
// normally the tenant's scoped view of the bus.
func NewDispatcher(publisher bus.Publisher, logger *slog.Logger, timeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return &Dispatcher{
		publisher: publisher,
		logger:    logger.With("component", "dispatcher"),
		timeout:   timeout,
	}
}

// Go starts fn and returns the request id its completion will carry.
// fn gets its own context; the guest call that started it has returned
// by the time fn runs.
func (d *Dispatcher) Go(action string, fn func(ctx context.Context) (map[string]any, error)) string {
	id := uuid.NewString()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		result, err := fn(ctx)
		done := events.ActionCompleted{
			RequestID: id,
			Action:    action,
			OK:        err == nil,
			Result:    result,
		}
		if err != nil {
			done.Error = err.Error()
			d.logger.Warn("Capability call failed",
				slog.String("action", action),
				slog.String("request_id", id),
				slog.Any("error", err))
		}
		if d.publisher == nil {
			return
		}
		if err := bus.Emit(ctx, d.publisher, bus.Everyone, events.ActionDone, done); err != nil {
			d.logger.Error("Failed to publish action completion",
				slog.String("action", action),
				slog.String("request_id", id),
				slog.Any("error", err))
		}
	}()
	return id
}

// Wait blocks until every started call has reported.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
