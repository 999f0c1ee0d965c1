package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/nfrund/repobot/internal/bus"
)

var (
	// ErrDuplicateJobName is returned when a job name cannot be placed.
	ErrDuplicateJobName = errors.New("scheduler: duplicate job name")
	// ErrInvalidCron is returned for an expression the cron grammar rejects.
	ErrInvalidCron = errors.New("scheduler: invalid cron expression")
	// ErrNotWorker is returned when a job is registered outside a worker.
	ErrNotWorker = errors.New("scheduler: jobs are registered on workers")
)

// Scope selects where a job's timer lives.
type Scope int

const (
	// WorkerLocal jobs fire in the registering process only.
	WorkerLocal Scope = iota + 1
	// FleetSingleFire jobs fire once per tick across the whole fleet.
	FleetSingleFire
)

func (s Scope) String() string {
	switch s {
	case WorkerLocal:
		return "worker-local"
	case FleetSingleFire:
		return "fleet-single-fire"
	}
	return "unknown"
}

// ParseScope parses the String form of a scope.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "worker-local", "local":
		return WorkerLocal, nil
	case "fleet-single-fire", "fleet":
		return FleetSingleFire, nil
	}
	return 0, fmt.Errorf("unknown job scope %q", s)
}

// Callback is the job body. It runs on the process event loop.
type Callback func(ctx context.Context)

// Bus is the part of the event bus the scheduler uses.
type Bus interface {
	Self() bus.ProcessID
	IsCoordinator() bool
	Topology() bus.Topology
	Publish(ctx context.Context, env bus.Envelope) error
	PublishTo(ctx context.Context, worker bus.ProcessID, env bus.Envelope) error
	SubscribeOnce(eventType string, h bus.Handler) *bus.Subscription
	SubscribeEvery(eventType string, h bus.Handler) *bus.Subscription
	Unsubscribe(sub *bus.Subscription)
}

// ParseCron parses a standard five-field expression or a descriptor such
// as "@hourly" or "@every 5m".
func ParseCron(expr string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return schedule, nil
}

// Scheduler is the worker-side job registry.
type Scheduler struct {
	bus    Bus
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle // by handle id
	live    map[string]*Handle // by job name
	subs    []*bus.Subscription
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New creates the scheduler for a worker and subscribes it to ticks.
func New(b Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		bus:     b,
		cron:    cron.New(),
		logger:  slog.Default(),
		handles: make(map[string]*Handle),
		live:    make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler", "process", string(b.Self()))

	s.subs = append(s.subs,
		b.SubscribeOnce(tickEvent.Name(), s.onTick),
		b.SubscribeOnce(rejectEvent.Name(), s.onReject),
	)
	return s
}

// Start starts the local timers.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops local timers, cancels every live handle and unsubscribes.
func (s *Scheduler) Stop(ctx context.Context) {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.Cancel(ctx); err != nil {
			s.logger.Warn("Cancel on stop failed", "job", h.jobName, "error", err)
		}
	}
	for _, sub := range s.subs {
		s.bus.Unsubscribe(sub)
	}
}

// Register creates a job handle. jobName must not already be live in this
// process.
func (s *Scheduler) Register(ctx context.Context, jobName, expr string, scope Scope, cb Callback) (*Handle, error) {
	if !s.bus.Topology().IsWorker(s.bus.Self()) {
		return nil, ErrNotWorker
	}
	if jobName == "" {
		return nil, fmt.Errorf("%w: job name is empty", ErrDuplicateJobName)
	}
	if scope != WorkerLocal && scope != FleetSingleFire {
		return nil, fmt.Errorf("scheduler: invalid scope %d", scope)
	}
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		id:       uuid.NewString(),
		jobName:  jobName,
		scope:    scope,
		expr:     expr,
		schedule: schedule,
		callback: cb,
		owner:    s,
	}

	s.mu.Lock()
	if _, exists := s.live[jobName]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateJobName, jobName)
	}
	s.live[jobName] = h
	s.handles[h.id] = h
	s.mu.Unlock()

	if err := s.arm(ctx, h); err != nil {
		s.forget(h)
		return nil, err
	}

	s.logger.Info("Job registered", "job", jobName, "cron", expr, "scope", scope.String(), "handle", h.id)
	return h, nil
}

// arm starts the timer behind h: a local cron entry or a coordinator registration.
func (s *Scheduler) arm(ctx context.Context, h *Handle) error {
	if h.scope == WorkerLocal {
		h.localID = s.cron.Schedule(h.schedule, cron.FuncJob(func() { s.fireLocal(h.id) }))
		return nil
	}
	return bus.Emit(ctx, s.bus, bus.Coordinator, registerEvent, Registration{
		JobName:  h.jobName,
		Cron:     h.expr,
		HandleID: h.id,
		Worker:   s.bus.Self(),
	})
}

// fireLocal routes a local timer through the event loop like a fleet tick.
func (s *Scheduler) fireLocal(handleID string) {
	data, err := tickEvent.Encode(Tick{HandleID: handleID})
	if err != nil {
		s.logger.Error("Encode local tick failed", "handle", handleID, "error", err)
		return
	}
	err = s.bus.PublishTo(context.Background(), s.bus.Self(), bus.Envelope{Type: tickEvent.Name(), Payload: data})
	if err != nil {
		s.logger.Warn("Local tick not delivered", "handle", handleID, "error", err)
	}
}

func (s *Scheduler) onTick(ctx context.Context, env bus.Envelope) error {
	tick, err := tickEvent.Decode(env.Payload)
	if err != nil {
		return fmt.Errorf("decode tick: %w", err)
	}

	h := s.lookup(tick.HandleID)
	if h == nil || !h.Active() {
		s.logger.Debug("Ignoring tick for inactive handle", "handle", tick.HandleID, "inner_name", tick.InnerName)
		return nil
	}
	s.run(ctx, h)
	return nil
}

func (s *Scheduler) onReject(ctx context.Context, env bus.Envelope) error {
	rej, err := rejectEvent.Decode(env.Payload)
	if err != nil {
		return fmt.Errorf("decode rejection: %w", err)
	}
	h := s.lookup(rej.HandleID)
	if h == nil {
		return nil
	}
	s.logger.Error("Job registration rejected by coordinator", "job", rej.JobName, "reason", rej.Reason)
	h.reject(fmt.Errorf("%w: %s", ErrDuplicateJobName, rej.Reason))
	s.forget(h)
	return nil
}

func (s *Scheduler) run(ctx context.Context, h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job panicked", "job", h.jobName, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	start := time.Now()
	h.callback(ctx)
	s.logger.Debug("Job ran", "job", h.jobName, "duration", time.Since(start))
}

func (s *Scheduler) lookup(handleID string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[handleID]
}

func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, h.id)
	if s.live[h.jobName] == h {
		delete(s.live, h.jobName)
	}
}

// Live returns the number of live handles.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
