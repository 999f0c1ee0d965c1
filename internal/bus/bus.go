package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNoWorkers is returned when a worker delivery has no worker to go to.
	ErrNoWorkers = errors.New("bus: fleet has no workers")
	// ErrUnknownProcess is returned for a directed publish to a process outside the topology.
	ErrUnknownProcess = errors.New("bus: unknown process")
	// ErrInvalidClass is returned for a delivery class outside the four known ones.
	ErrInvalidClass = errors.New("bus: invalid delivery class")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
)

// Publisher publishes envelopes. Bus and Scoped implement it.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithPicker replaces the random choice of a worker for single-worker
// deliveries. pick receives the number of workers and returns an index.
func WithPicker(pick func(n int) int) Option {
	return func(b *Bus) { b.pick = pick }
}

// Bus is the process-scoped event bus. It is created once per process and
// passed to every component that publishes or subscribes.
type Bus struct {
	self      ProcessID
	topology  Topology
	transport Transport
	logger    *slog.Logger
	pick      func(n int) int

	once  *registry
	every *registry
	loop  *eventLoop

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates the bus for process self. Call Start before publishing.
func New(self ProcessID, topology Topology, transport Transport, opts ...Option) (*Bus, error) {
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	if !topology.Contains(self) {
		return nil, fmt.Errorf("%w: %s is not in the topology", ErrUnknownProcess, self)
	}

	b := &Bus{
		self:      self,
		topology:  topology,
		transport: transport,
		logger:    slog.Default(),
		pick:      rand.IntN,
		once:      newRegistry(),
		every:     newRegistry(),
		loop:      newEventLoop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bus", "process", string(self))
	return b, nil
}

// Self returns this process's id.
func (b *Bus) Self() ProcessID { return b.self }

// Topology returns the fleet roster.
func (b *Bus) Topology() Topology { return b.topology }

// IsCoordinator reports whether this process is the coordinator.
func (b *Bus) IsCoordinator() bool { return b.self == b.topology.Coordinator }

// Start begins listening on the transport and runs the event loop until
// ctx is done or Close is called.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := b.transport.Listen(ctx, b.self, b.receive); err != nil {
		cancel()
		return fmt.Errorf("bus: listen: %w", err)
	}
	b.cancel = cancel
	b.started = true

	go func() {
		defer close(b.done)
		b.loop.run(ctx, b.dispatch)
	}()

	b.logger.Info("Bus started", "coordinator", b.IsCoordinator(), "workers", len(b.topology.Workers))
	return nil
}

// Close stops the event loop and the transport. Queued envelopes that were
// not yet dispatched are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	if started {
		<-b.done
	}
	return b.transport.Close()
}

// SubscribeOnce adds h to the once-per-process registry for eventType.
func (b *Bus) SubscribeOnce(eventType string, h Handler) *Subscription {
	return b.subscribe(OncePerProcess, eventType, h)
}

// SubscribeEvery adds h to the every-process registry for eventType.
func (b *Bus) SubscribeEvery(eventType string, h Handler) *Subscription {
	return b.subscribe(EveryProcess, eventType, h)
}

func (b *Bus) subscribe(g Granularity, eventType string, h Handler) *Subscription {
	sub := &Subscription{eventType: eventType, granularity: g, handler: h}
	b.registry(g).add(sub)
	b.logger.Debug("Subscribed", "event_type", eventType, "granularity", g.String())
	return sub
}

// Unsubscribe removes sub. Removing an unknown or already removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if b.registry(sub.granularity).remove(sub) {
		b.logger.Debug("Unsubscribed", "event_type", sub.eventType, "granularity", sub.granularity.String())
	}
}

// Subscribers returns the number of handlers for eventType in registry g.
func (b *Bus) Subscribers(g Granularity, eventType string) int {
	return b.registry(g).count(eventType)
}

func (b *Bus) registry(g Granularity) *registry {
	if g == EveryProcess {
		return b.every
	}
	return b.once
}

// Publish routes env according to env.Class. ID and Origin are filled in.
//
// Local deliveries are queued before any transport send, so an everyone
// publish from a worker reaches that worker's own subscribers even when
// the transport fails. Send failures are logged and returned joined.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	if !env.Class.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidClass, env.Class)
	}
	if b.isClosed() {
		return ErrClosed
	}
	b.stamp(&env)

	switch env.Class {
	case SingleWorker:
		if len(b.topology.Workers) == 0 {
			return ErrNoWorkers
		}
		target := b.topology.Workers[b.pick(len(b.topology.Workers))]
		return b.deliverTo(ctx, target, env)

	case AllWorkers:
		if len(b.topology.Workers) == 0 {
			return ErrNoWorkers
		}
		return b.fanOut(ctx, env, b.topology.Workers)

	case Coordinator:
		return b.deliverTo(ctx, b.topology.Coordinator, env)

	default: // Everyone
		targets := make([]ProcessID, 0, len(b.topology.Workers)+1)
		targets = append(targets, b.topology.Coordinator)
		targets = append(targets, b.topology.Workers...)
		return b.fanOut(ctx, env, targets)
	}
}

// PublishTo delivers env to one named worker as a single-worker delivery.
func (b *Bus) PublishTo(ctx context.Context, worker ProcessID, env Envelope) error {
	if !b.topology.IsWorker(worker) {
		return fmt.Errorf("%w: %s is not a worker", ErrUnknownProcess, worker)
	}
	if b.isClosed() {
		return ErrClosed
	}
	env.Class = SingleWorker
	b.stamp(&env)
	return b.deliverTo(ctx, worker, env)
}

// Scoped returns a view of the bus restricted to one tenant.
func (b *Bus) Scoped(tenant TenantKey) *Scoped {
	return &Scoped{bus: b, tenant: tenant}
}

func (b *Bus) stamp(env *Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.Origin = b.self
}

// fanOut queues the local delivery first when self is a target, then
// sends to the others in order.
func (b *Bus) fanOut(ctx context.Context, env Envelope, targets []ProcessID) error {
	remote := make([]ProcessID, 0, len(targets))
	for _, target := range targets {
		if target == b.self {
			b.enqueueLocal(env)
			continue
		}
		remote = append(remote, target)
	}

	var errs []error
	for _, target := range remote {
		if err := b.send(ctx, target, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliverTo(ctx context.Context, target ProcessID, env Envelope) error {
	if target == b.self {
		b.enqueueLocal(env)
		return nil
	}
	return b.send(ctx, target, env)
}

func (b *Bus) send(ctx context.Context, target ProcessID, env Envelope) error {
	if err := b.transport.Send(ctx, target, env); err != nil {
		b.logger.Warn("Envelope delivery failed",
			"event_type", env.Type,
			"class", env.Class.String(),
			"target", string(target),
			"error", err,
		)
		return fmt.Errorf("deliver %s to %s: %w", env.Type, target, err)
	}
	return nil
}

// enqueueLocal queues an envelope this process published to itself.
func (b *Bus) enqueueLocal(env Envelope) {
	d := b.route(env)
	if env.Class == Everyone && !b.IsCoordinator() {
		// Local echo: the publishing worker also consumes it once.
		d.once = true
	}
	b.loop.push(d)
}

// receive is the transport callback for envelopes from other processes.
func (b *Bus) receive(env Envelope) {
	if !env.Class.Valid() {
		b.logger.Warn("Dropping envelope with invalid class", "event_type", env.Type, "origin", string(env.Origin))
		return
	}
	if (env.Class == SingleWorker || env.Class == AllWorkers) && b.IsCoordinator() {
		b.logger.Warn("Dropping worker envelope delivered to the coordinator",
			"event_type", env.Type, "class", env.Class.String(), "origin", string(env.Origin))
		return
	}
	b.loop.push(b.route(env))
}

// route maps a delivery class to the registries that consume it.
func (b *Bus) route(env Envelope) delivery {
	d := delivery{env: env}
	switch env.Class {
	case SingleWorker:
		d.once = true
	default:
		d.every = true
	}
	return d
}

// dispatch runs on the event loop: every handler of every target registry,
// in insertion order, each isolated from the others' failures.
func (b *Bus) dispatch(ctx context.Context, d delivery) {
	if d.every {
		b.invoke(ctx, b.every.snapshot(d.env.Type), d.env)
	}
	if d.once {
		b.invoke(ctx, b.once.snapshot(d.env.Type), d.env)
	}
}

func (b *Bus) invoke(ctx context.Context, subs []*Subscription, env Envelope) {
	for _, sub := range subs {
		// An earlier handler for this envelope may have removed it.
		if !sub.Active() {
			continue
		}
		b.call(ctx, sub, env)
	}
}

func (b *Bus) call(ctx context.Context, sub *Subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Handler panicked",
				"event_type", env.Type,
				"granularity", sub.granularity.String(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	if err := sub.handler(ctx, env); err != nil {
		b.logger.Warn("Handler failed",
			"event_type", env.Type,
			"granularity", sub.granularity.String(),
			"error", err,
		)
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
