package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/capability"
	"github.com/nfrund/repobot/internal/codec"
	"github.com/nfrund/repobot/internal/events"
	"github.com/nfrund/repobot/internal/sandbox"
	"github.com/nfrund/repobot/internal/scheduler"
)

// State is the lifecycle state of a tenant.
type State string

const (
	StateNoScript State = "no_script"
	StateRunning  State = "running"
	StateDisposed State = "disposed"
)

// Guest-visible names the manager itself provides.
const (
	NameOn       = "on"
	NameSchedule = "schedule"
	NameLog      = "log"
)

// chunkName is what guest errors are reported against. It must not
// contain ":<digits>:" itself.
const chunkName = "bundle"

// JobScheduler registers scheduled jobs.
type JobScheduler interface {
	Register(ctx context.Context, jobName, expr string, scope scheduler.Scope, cb scheduler.Callback) (*scheduler.Handle, error)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithSandboxLimits sets the limits every generation's sandbox runs with.
func WithSandboxLimits(limits sandbox.SecurityLimits) ManagerOption {
	return func(m *Manager) { m.limits = limits }
}

// WithActionTimeout bounds asynchronous capability calls.
func WithActionTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.actionTimeout = d }
}

// Manager owns one tenant's script. Loads are serialised; event handlers
// and job callbacks of the live generation may run concurrently with a
// load and are cut off by its teardown.
type Manager struct {
	key           bus.TenantKey
	scoped        *bus.Scoped
	jobs          JobScheduler
	limits        sandbox.SecurityLimits
	actionTimeout time.Duration
	logger        *slog.Logger
	dispatcher    *capability.Dispatcher

	// table is built once; every generation gets the same functions.
	table map[string]sandbox.HostFunc

	mu         sync.Mutex
	state      State
	generation uint64
	lastErr    *LoadError

	current atomic.Pointer[generation]
	config  atomic.Pointer[map[string]any]
}

// generation is everything one load created.
type generation struct {
	id      uint64
	box     *sandbox.Sandbox
	offsets LineOffsetTable

	mu        sync.Mutex
	closed    bool
	callbacks map[string][]*sandbox.GuestFunction
	subs      map[string]*bus.Subscription
	jobs      []*scheduler.Handle
}

// NewManager creates a manager in the NoScript state.
func NewManager(key bus.TenantKey, b *bus.Bus, jobs JobScheduler, services capability.Services, opts ...ManagerOption) *Manager {
	m := &Manager{
		key:    key,
		scoped: b.Scoped(key),
		jobs:   jobs,
		limits: sandbox.GetDefaultSecurityLimits(),
		logger: slog.Default(),
		state:  StateNoScript,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "tenant", "tenant", key.String())
	m.dispatcher = capability.NewDispatcher(m.scoped, m.logger, m.actionTimeout)

	m.table = capability.Table(capability.Tenant{
		Key:        key,
		Config:     m.Config,
		Dispatcher: m.dispatcher,
		Logger:     m.logger,
	}, services)
	m.table[NameOn] = m.on
	m.table[NameSchedule] = m.schedule
	m.table[NameLog] = m.log
	return m
}

// Key returns the tenant key.
func (m *Manager) Key() bus.TenantKey { return m.key }

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the number of script loads so far.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// LastError returns the guest error of the most recent load, if any.
func (m *Manager) LastError() *LoadError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Config returns the configuration of the most recent load.
func (m *Manager) Config() map[string]any {
	if cfg := m.config.Load(); cfg != nil {
		return *cfg
	}
	return map[string]any{}
}

// Dispatcher returns the dispatcher running this tenant's asynchronous
// capability calls.
func (m *Manager) Dispatcher() *capability.Dispatcher { return m.dispatcher }

// Load replaces the tenant's script. The live generation is torn down
// first. Empty components leave the tenant in NoScript. A guest error
// while executing the bundle is returned as *LoadError; the generation
// keeps whatever it registered before failing.
func (m *Manager) Load(ctx context.Context, cfg map[string]any, components []Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateDisposed {
		return ErrManagerDisposed
	}

	empty := IsEmpty(components)
	var (
		source  string
		offsets LineOffsetTable
	)
	if !empty {
		var err error
		if source, offsets, err = Bundle(components); err != nil {
			return err
		}
	}

	m.teardown(ctx)
	m.lastErr = nil

	if cfg == nil {
		cfg = map[string]any{}
	}
	m.config.Store(&cfg)

	if empty {
		m.state = StateNoScript
		m.logger.Info("Tenant has no script", slog.Uint64("generation", m.generation))
		return nil
	}

	box, err := sandbox.New(
		sandbox.WithLogger(m.logger),
		sandbox.WithLimits(m.limits),
		sandbox.WithChunkName(chunkName),
	)
	if err != nil {
		m.state = StateNoScript
		return fmt.Errorf("create sandbox: %w", err)
	}

	m.generation++
	gen := &generation{
		id:        m.generation,
		box:       box,
		offsets:   offsets,
		callbacks: make(map[string][]*sandbox.GuestFunction),
		subs:      make(map[string]*bus.Subscription),
	}

	if err := m.prepare(ctx, gen, cfg); err != nil {
		box.Dispose()
		m.state = StateNoScript
		return err
	}

	m.current.Store(gen)
	m.state = StateRunning

	res, err := box.Execute(ctx, source)
	if err != nil {
		m.teardown(ctx)
		m.state = StateNoScript
		return fmt.Errorf("execute bundle: %w", err)
	}
	if res.Err != nil {
		m.lastErr = m.decode(gen, res.Err)
		m.logger.Error("Tenant script failed to load",
			slog.Uint64("generation", gen.id),
			slog.String("component", m.lastErr.Component),
			slog.Int("line", m.lastErr.Line),
			slog.String("error", m.lastErr.Message))
		return m.lastErr
	}

	m.logger.Info("Tenant script loaded",
		slog.Uint64("generation", gen.id),
		slog.Int("components", len(offsets.Entries)),
		slog.Int("subscriptions", gen.subscriptionCount()),
		slog.Int("jobs", gen.jobCount()))
	return nil
}

func (m *Manager) prepare(ctx context.Context, gen *generation, cfg map[string]any) error {
	for name, fn := range m.table {
		if err := gen.box.Inject(ctx, name, fn); err != nil {
			return fmt.Errorf("inject %s: %w", name, err)
		}
	}
	if err := gen.box.SetGlobal(ctx, "config", cfg); err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return gen.box.SetGlobal(ctx, "tenant", map[string]any{
		"installation_id": m.key.InstallationID,
		"repository":      m.key.Repository,
	})
}

// Dispose tears down the live generation and refuses further loads.
// It is idempotent.
func (m *Manager) Dispose(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisposed {
		return
	}
	m.teardown(ctx)
	m.state = StateDisposed
	m.logger.Info("Tenant disposed", slog.Uint64("generation", m.generation))
}

// teardown cancels everything the live generation registered and drops
// its interpreter. It runs with m.mu held.
func (m *Manager) teardown(ctx context.Context) {
	gen := m.current.Swap(nil)
	if gen == nil {
		return
	}

	gen.mu.Lock()
	gen.closed = true
	subs := gen.subs
	jobs := gen.jobs
	gen.subs = nil
	gen.jobs = nil
	gen.callbacks = nil
	gen.mu.Unlock()

	for _, sub := range subs {
		m.scoped.Unsubscribe(sub)
	}
	for _, h := range jobs {
		if err := h.Cancel(ctx); err != nil {
			m.logger.Warn("Failed to cancel job",
				slog.String("job", h.JobName()),
				slog.Any("error", err))
		}
	}
	gen.box.Dispose()

	m.logger.Debug("Generation torn down",
		slog.Uint64("generation", gen.id),
		slog.Int("subscriptions", len(subs)),
		slog.Int("jobs", len(jobs)))
}

func (m *Manager) decode(gen *generation, ge *sandbox.GuestError) *LoadError {
	e := DecodeError(gen.offsets, ge.Message)
	e.Tenant = m.key
	e.Kind = ge.Kind
	return e
}

// reportCallbackError logs a guest failure from an event handler or job.
func (m *Manager) reportCallbackError(gen *generation, what string, err error) {
	if errors.Is(err, sandbox.ErrSandboxDisposed) {
		return
	}
	var ge *sandbox.GuestError
	if !errors.As(err, &ge) {
		m.logger.Error("Guest callback failed", slog.String("callback", what), slog.Any("error", err))
		return
	}
	e := m.decode(gen, ge)
	m.logger.Error("Guest callback failed",
		slog.String("callback", what),
		slog.Uint64("generation", gen.id),
		slog.String("component", e.Component),
		slog.Int("line", e.Line),
		slog.String("error", e.Message))
}

// live returns the current generation if it can still accept registrations.
func (m *Manager) live() (*generation, error) {
	gen := m.current.Load()
	if gen == nil {
		return nil, ErrNotRunning
	}
	return gen, nil
}

// on(eventType, fn) adds fn as a handler for eventType. Handlers for one
// type run in registration order.
func (m *Manager) on(ctx context.Context, args ...any) ([]any, error) {
	if len(args) < 2 {
		return nil, errors.New("expected an event type and a function")
	}
	eventType, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("event type must be a string, got %T", args[0])
	}
	fn, ok := args[1].(*sandbox.GuestFunction)
	if !ok {
		return nil, fmt.Errorf("handler must be a function, got %T", args[1])
	}
	if !events.Catalogue.Has(eventType) {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	gen, err := m.live()
	if err != nil {
		return nil, err
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if gen.closed {
		return nil, ErrNotRunning
	}
	gen.callbacks[eventType] = append(gen.callbacks[eventType], fn)
	if _, subscribed := gen.subs[eventType]; !subscribed {
		gen.subs[eventType] = m.scoped.SubscribeOnce(eventType, m.handler(gen, eventType))
	}
	return nil, nil
}

// handler delivers one envelope to the generation's callbacks for eventType.
func (m *Manager) handler(gen *generation, eventType string) bus.Handler {
	return func(ctx context.Context, env bus.Envelope) error {
		gen.mu.Lock()
		if gen.closed {
			gen.mu.Unlock()
			return nil
		}
		callbacks := append([]*sandbox.GuestFunction(nil), gen.callbacks[eventType]...)
		gen.mu.Unlock()

		var payload any
		if len(env.Payload) > 0 {
			if err := codec.Unmarshal(env.Payload, &payload); err != nil {
				return fmt.Errorf("decode %s payload: %w", eventType, err)
			}
		}

		for _, fn := range callbacks {
			if _, err := fn.Invoke(ctx, payload); err != nil {
				m.reportCallbackError(gen, eventType, err)
			}
		}
		return nil
	}
}

// schedule(name, cron, fn[, scope]) registers a job. The scope is
// "fleet-single-fire" unless given. Returns the job handle id.
func (m *Manager) schedule(ctx context.Context, args ...any) ([]any, error) {
	if len(args) < 3 {
		return nil, errors.New("expected a job name, a cron expression and a function")
	}
	name, ok := args[0].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("job name must be a non-empty string, got %v", args[0])
	}
	expr, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("cron expression must be a string, got %T", args[1])
	}
	fn, ok := args[2].(*sandbox.GuestFunction)
	if !ok {
		return nil, fmt.Errorf("job must be a function, got %T", args[2])
	}
	scope := scheduler.FleetSingleFire
	if len(args) > 3 && args[3] != nil {
		s, _ := args[3].(string)
		parsed, err := scheduler.ParseScope(s)
		if err != nil {
			return nil, err
		}
		scope = parsed
	}

	gen, err := m.live()
	if err != nil {
		return nil, err
	}

	jobName := m.key.String() + "/" + name
	h, err := m.jobs.Register(ctx, jobName, expr, scope, func(ctx context.Context) {
		m.runJob(ctx, gen, name, fn)
	})
	if err != nil {
		return nil, err
	}

	gen.mu.Lock()
	if gen.closed {
		gen.mu.Unlock()
		_ = h.Cancel(ctx)
		return nil, ErrNotRunning
	}
	gen.jobs = append(gen.jobs, h)
	gen.mu.Unlock()

	return []any{h.ID()}, nil
}

func (m *Manager) runJob(ctx context.Context, gen *generation, name string, fn *sandbox.GuestFunction) {
	gen.mu.Lock()
	closed := gen.closed
	gen.mu.Unlock()
	if closed {
		return
	}
	if _, err := fn.Invoke(ctx); err != nil {
		m.reportCallbackError(gen, "job "+name, err)
	}
}

// log([level,] message[, fields]) writes to the tenant's logger.
func (m *Manager) log(ctx context.Context, args ...any) ([]any, error) {
	level := slog.LevelInfo
	if len(args) >= 2 {
		if s, ok := args[0].(string); ok {
			if lvl, known := guestLevels[s]; known {
				level = lvl
				args = args[1:]
			}
		}
	}
	if len(args) == 0 {
		return nil, errors.New("expected a message")
	}

	msg := fmt.Sprint(args[0])
	attrs := []any{slog.String("source", "guest")}
	if len(args) > 1 {
		if fields, ok := args[1].(map[string]any); ok {
			for k, v := range fields {
				attrs = append(attrs, slog.Any(k, v))
			}
		}
	}
	m.logger.Log(ctx, level, msg, attrs...)
	return nil, nil
}

var guestLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func (g *generation) subscriptionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, cbs := range g.callbacks {
		n += len(cbs)
	}
	return n
}

func (g *generation) jobCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.jobs)
}
