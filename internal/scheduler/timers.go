package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nfrund/repobot/internal/bus"
)

// DefaultMaxNameAttempts bounds inner name regeneration for one job name.
const DefaultMaxNameAttempts = 8

// timerEntry is one coordinator timer and the worker handles behind it.
type timerEntry struct {
	inner    string
	jobName  string
	expr     string
	schedule cron.Schedule
	entryID  cron.EntryID
	members  map[string]bus.ProcessID // handle id -> worker
}

// TimerInfo describes one coordinator timer.
type TimerInfo struct {
	InnerName string
	JobName   string
	Cron      string
	Members   int
	Next      time.Time
}

// TimerTable is the coordinator's authority for fleet-single-fire jobs.
//
// Handles registered with the same job name and cron expression share one
// timer. A registration whose job name is taken by a timer with another
// expression is placed under a regenerated inner name ("name~1", "name~2",
// ...) until one is free or DefaultMaxNameAttempts is reached.
type TimerTable struct {
	bus         Bus
	cron        *cron.Cron
	logger      *slog.Logger
	pick        func(n int) int
	maxAttempts int

	mu       sync.Mutex
	entries  map[string]*timerEntry // by inner name
	byHandle map[string]string      // handle id -> inner name
	subs     []*bus.Subscription
}

// TableOption configures a TimerTable.
type TableOption func(*TimerTable)

// WithTableLogger sets the timer table logger.
func WithTableLogger(logger *slog.Logger) TableOption {
	return func(t *TimerTable) { t.logger = logger }
}

// WithMemberPicker replaces the random choice of the worker that runs a tick.
func WithMemberPicker(pick func(n int) int) TableOption {
	return func(t *TimerTable) { t.pick = pick }
}

// WithMaxNameAttempts overrides DefaultMaxNameAttempts.
func WithMaxNameAttempts(n int) TableOption {
	return func(t *TimerTable) { t.maxAttempts = n }
}

// NewTimerTable creates the coordinator timer table and subscribes it to
// worker registrations.
func NewTimerTable(b Bus, opts ...TableOption) *TimerTable {
	t := &TimerTable{
		bus:         b,
		cron:        cron.New(),
		logger:      slog.Default(),
		pick:        rand.IntN,
		maxAttempts: DefaultMaxNameAttempts,
		entries:     make(map[string]*timerEntry),
		byHandle:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "timer_table")

	t.subs = append(t.subs,
		b.SubscribeEvery(registerEvent.Name(), t.onRegister),
		b.SubscribeEvery(cancelEvent.Name(), t.onCancel),
		b.SubscribeEvery(rescheduleEvent.Name(), t.onReschedule),
	)
	return t
}

// Start starts the timers.
func (t *TimerTable) Start() {
	t.cron.Start()
}

// Stop stops the timers and unsubscribes.
func (t *TimerTable) Stop() {
	<-t.cron.Stop().Done()
	for _, sub := range t.subs {
		t.bus.Unsubscribe(sub)
	}
}

// Timers returns the current timers sorted by inner name.
func (t *TimerTable) Timers() []TimerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	out := make([]TimerInfo, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, TimerInfo{
			InnerName: e.inner,
			JobName:   e.jobName,
			Cron:      e.expr,
			Members:   len(e.members),
			Next:      e.schedule.Next(now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InnerName < out[j].InnerName })
	return out
}

func innerName(jobName string, attempt int) string {
	if attempt == 0 {
		return jobName
	}
	return fmt.Sprintf("%s~%d", jobName, attempt)
}

// place adds a handle to the timer for (jobName, expr). Callers hold t.mu.
func (t *TimerTable) place(jobName, expr string, schedule cron.Schedule, handleID string, worker bus.ProcessID) (string, error) {
	if inner, ok := t.byHandle[handleID]; ok {
		return inner, nil
	}

	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		inner := innerName(jobName, attempt)
		e, exists := t.entries[inner]
		if !exists {
			e = &timerEntry{
				inner:    inner,
				jobName:  jobName,
				expr:     expr,
				schedule: schedule,
				members:  make(map[string]bus.ProcessID),
			}
			e.entryID = t.cron.Schedule(schedule, cron.FuncJob(func() { t.fire(inner) }))
			t.entries[inner] = e
		} else if e.jobName != jobName || e.expr != expr {
			continue
		}
		e.members[handleID] = worker
		t.byHandle[handleID] = inner
		return inner, nil
	}
	return "", fmt.Errorf("%w: %q after %d attempts", ErrDuplicateJobName, jobName, t.maxAttempts)
}

// unplace removes a handle and drops its timer when no members remain.
// Callers hold t.mu. Unknown handles are a no-op.
func (t *TimerTable) unplace(handleID string) (string, bool) {
	inner, ok := t.byHandle[handleID]
	if !ok {
		return "", false
	}
	delete(t.byHandle, handleID)

	e := t.entries[inner]
	delete(e.members, handleID)
	if len(e.members) == 0 {
		t.cron.Remove(e.entryID)
		delete(t.entries, inner)
	}
	return inner, true
}

// fire runs on every tick of inner's timer: exactly one member worker is
// asked to run the job. A tick that cannot be delivered is not retried.
func (t *TimerTable) fire(inner string) {
	t.mu.Lock()
	e, ok := t.entries[inner]
	if !ok || len(e.members) == 0 {
		t.mu.Unlock()
		return
	}
	handles := make([]string, 0, len(e.members))
	for id := range e.members {
		handles = append(handles, id)
	}
	sort.Strings(handles)
	handleID := handles[t.pick(len(handles))]
	worker := e.members[handleID]
	t.mu.Unlock()

	data, err := tickEvent.Encode(Tick{InnerName: inner, HandleID: handleID})
	if err != nil {
		t.logger.Error("Encode tick failed", "inner_name", inner, "error", err)
		return
	}
	err = t.bus.PublishTo(context.Background(), worker, bus.Envelope{Type: tickEvent.Name(), Payload: data})
	if err != nil {
		t.logger.Warn("Tick not delivered", "inner_name", inner, "worker", string(worker), "error", err)
		return
	}
	t.logger.Debug("Tick sent", "inner_name", inner, "worker", string(worker), "handle", handleID)
}

func (t *TimerTable) onRegister(ctx context.Context, env bus.Envelope) error {
	reg, err := registerEvent.Decode(env.Payload)
	if err != nil {
		return fmt.Errorf("decode registration: %w", err)
	}

	schedule, err := ParseCron(reg.Cron)
	if err != nil {
		t.reject(ctx, reg.Worker, reg.HandleID, reg.JobName, err)
		return nil
	}

	t.mu.Lock()
	inner, err := t.place(reg.JobName, reg.Cron, schedule, reg.HandleID, reg.Worker)
	t.mu.Unlock()
	if err != nil {
		t.reject(ctx, reg.Worker, reg.HandleID, reg.JobName, err)
		return nil
	}

	t.logger.Info("Fleet job registered",
		"job", reg.JobName, "inner_name", inner, "cron", reg.Cron,
		"worker", string(reg.Worker), "handle", reg.HandleID)
	return nil
}

func (t *TimerTable) onCancel(ctx context.Context, env bus.Envelope) error {
	c, err := cancelEvent.Decode(env.Payload)
	if err != nil {
		return fmt.Errorf("decode cancellation: %w", err)
	}

	t.mu.Lock()
	inner, ok := t.unplace(c.HandleID)
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("Cancel for unknown handle ignored", "handle", c.HandleID)
		return nil
	}
	t.logger.Info("Fleet job handle cancelled", "inner_name", inner, "worker", string(c.Worker), "handle", c.HandleID)
	return nil
}

func (t *TimerTable) onReschedule(ctx context.Context, env bus.Envelope) error {
	r, err := rescheduleEvent.Decode(env.Payload)
	if err != nil {
		return fmt.Errorf("decode rescheduling: %w", err)
	}
	schedule, err := ParseCron(r.Cron)
	if err != nil {
		return err
	}

	t.mu.Lock()
	inner, ok := t.byHandle[r.HandleID]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("Reschedule for unknown handle ignored", "handle", r.HandleID)
		return nil
	}

	e := t.entries[inner]
	if len(e.members) == 1 {
		// Sole member: move the timer and keep its inner name.
		t.cron.Remove(e.entryID)
		e.expr = r.Cron
		e.schedule = schedule
		e.entryID = t.cron.Schedule(schedule, cron.FuncJob(func() { t.fire(inner) }))
		t.mu.Unlock()
		t.logger.Info("Fleet job rescheduled", "inner_name", inner, "cron", r.Cron)
		return nil
	}

	jobName := e.jobName
	t.unplace(r.HandleID)
	moved, err := t.place(jobName, r.Cron, schedule, r.HandleID, r.Worker)
	t.mu.Unlock()
	if err != nil {
		t.reject(ctx, r.Worker, r.HandleID, jobName, err)
		return nil
	}
	t.logger.Info("Fleet job handle moved", "from", inner, "to", moved, "cron", r.Cron)
	return nil
}

func (t *TimerTable) reject(ctx context.Context, worker bus.ProcessID, handleID, jobName string, cause error) {
	t.logger.Error("Fleet job registration rejected", "job", jobName, "worker", string(worker), "error", cause)

	data, err := rejectEvent.Encode(Rejection{HandleID: handleID, JobName: jobName, Reason: cause.Error()})
	if err != nil {
		return
	}
	if err := t.bus.PublishTo(ctx, worker, bus.Envelope{Type: rejectEvent.Name(), Payload: data}); err != nil {
		t.logger.Warn("Rejection not delivered", "worker", string(worker), "error", err)
	}
}
