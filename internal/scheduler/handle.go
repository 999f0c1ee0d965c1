package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nfrund/repobot/internal/bus"
)

// Handle is one registered job. Cancel and Reschedule are idempotent with
// respect to timers that no longer exist.
type Handle struct {
	id       string
	jobName  string
	scope    Scope
	callback Callback
	owner    *Scheduler

	mu        sync.Mutex
	expr      string
	schedule  cron.Schedule
	localID   cron.EntryID
	cancelled bool
	err       error
}

// ID returns the handle id.
func (h *Handle) ID() string { return h.id }

// JobName returns the name the job was registered under.
func (h *Handle) JobName() string { return h.jobName }

// Scope returns the job scope.
func (h *Handle) Scope() Scope { return h.scope }

// Cron returns the current cron expression.
func (h *Handle) Cron() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expr
}

// Active reports whether the handle can still fire.
func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.cancelled && h.err == nil
}

// Err returns the reason the coordinator rejected the handle, if it did.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// NextFireTime returns the next scheduled time, or the zero time for an
// inactive handle.
func (h *Handle) NextFireTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.err != nil {
		return time.Time{}
	}
	return h.schedule.Next(time.Now())
}

// Cancel stops the job. Cancelling twice is a no-op.
func (h *Handle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return nil
	}
	h.cancelled = true
	localID := h.localID
	rejected := h.err != nil
	h.mu.Unlock()

	s := h.owner
	s.forget(h)

	if h.scope == WorkerLocal {
		s.cron.Remove(localID)
		s.logger.Info("Job cancelled", "job", h.jobName, "handle", h.id)
		return nil
	}
	if rejected {
		return nil
	}
	s.logger.Info("Job cancelled", "job", h.jobName, "handle", h.id)
	return bus.Emit(ctx, s.bus, bus.Coordinator, cancelEvent, Cancellation{
		HandleID: h.id,
		Worker:   s.bus.Self(),
	})
}

// Reschedule moves the job to expr and keeps the handle's identity.
// Rescheduling a cancelled handle is a no-op.
func (h *Handle) Reschedule(ctx context.Context, expr string) error {
	if !h.isCancelled() {
		return h.reschedule(ctx, expr)
	}
	h.owner.logger.Debug("Reschedule of cancelled job ignored", "job", h.jobName, "handle", h.id)
	return nil
}

func (h *Handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *Handle) reschedule(ctx context.Context, expr string) error {
	schedule, err := ParseCron(expr)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.cancelled {
		// Cancelled while the expression was parsed.
		h.mu.Unlock()
		return nil
	}
	h.expr = expr
	h.schedule = schedule
	oldLocal := h.localID
	h.mu.Unlock()

	s := h.owner
	s.logger.Info("Job rescheduled", "job", h.jobName, "cron", expr, "handle", h.id)

	if h.scope == WorkerLocal {
		s.cron.Remove(oldLocal)
		id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fireLocal(h.id) }))
		h.mu.Lock()
		h.localID = id
		h.mu.Unlock()
		return nil
	}
	return bus.Emit(ctx, s.bus, bus.Coordinator, rescheduleEvent, Rescheduling{
		HandleID: h.id,
		Cron:     expr,
		Worker:   s.bus.Self(),
	})
}

func (h *Handle) reject(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}
