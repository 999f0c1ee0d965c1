package tenant

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/capability"
)

// Supervisor keeps one Manager per tenant on a worker and applies
// definitions from a Source to them.
type Supervisor struct {
	bus      *bus.Bus
	jobs     JobScheduler
	services capability.Services
	source   Source
	opts     []ManagerOption
	logger   *slog.Logger

	mu       sync.Mutex
	managers map[bus.TenantKey]*Manager
	sub      *bus.Subscription
}

// NewSupervisor creates a supervisor. opts are passed to every Manager.
func NewSupervisor(b *bus.Bus, jobs JobScheduler, services capability.Services, source Source, logger *slog.Logger, opts ...ManagerOption) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		bus:      b,
		jobs:     jobs,
		services: services,
		source:   source,
		opts:     append([]ManagerOption{WithLogger(logger)}, opts...),
		logger:   logger.With("component", "supervisor"),
		managers: make(map[bus.TenantKey]*Manager),
	}
}

// Start subscribes to tenant change notices and loads every tenant the
// source lists.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sub == nil {
		s.sub = s.bus.SubscribeEvery(TenantChanged.Name(), s.onChanged)
	}
	s.mu.Unlock()
	return s.ApplyAll(ctx)
}

// Stop disposes every tenant.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sub != nil {
		s.bus.Unsubscribe(s.sub)
		s.sub = nil
	}
	managers := make([]*Manager, 0, len(s.managers))
	for _, m := range s.managers {
		managers = append(managers, m)
	}
	s.mu.Unlock()

	for _, m := range managers {
		m.Dispose(ctx)
		m.Dispatcher().Wait()
	}
}

// Manager returns the manager of key, creating it if needed.
func (s *Supervisor) Manager(key bus.TenantKey) *Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[key]
	if !ok {
		m = NewManager(key, s.bus, s.jobs, s.services, s.opts...)
		s.managers[key] = m
	}
	return m
}

// Lookup returns the manager of key if one exists.
func (s *Supervisor) Lookup(key bus.TenantKey) (*Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[key]
	return m, ok
}

// Tenants returns the keys of every managed tenant, sorted.
func (s *Supervisor) Tenants() []bus.TenantKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]bus.TenantKey, 0, len(s.managers))
	for k := range s.managers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Apply reads key from the source and loads it. Guest errors are logged
// and returned; the tenant stays loaded with what ran before the error.
func (s *Supervisor) Apply(ctx context.Context, key bus.TenantKey) error {
	def, err := s.source.Read(key)
	if err != nil {
		s.logger.Error("Failed to read tenant", slog.String("tenant", key.String()), slog.Any("error", err))
		return err
	}
	if IsEmpty(def.Components) {
		// Nothing to tear down for a tenant we never loaded.
		if _, ok := s.Lookup(key); !ok {
			return nil
		}
	}
	return s.Manager(key).Load(ctx, def.Config, def.Components)
}

// ApplyAll applies every tenant the source lists, and unloads managed
// tenants it no longer lists.
func (s *Supervisor) ApplyAll(ctx context.Context) error {
	keys, err := s.source.List()
	if err != nil {
		return err
	}

	listed := make(map[bus.TenantKey]bool, len(keys))
	var errs []error
	for _, key := range keys {
		listed[key] = true
		if err := s.Apply(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	for _, key := range s.Tenants() {
		if !listed[key] {
			if err := s.Apply(ctx, key); err != nil {
				errs = append(errs, err)
			}
		}
	}

	s.logger.Info("Tenants applied", slog.Int("tenants", len(keys)), slog.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func (s *Supervisor) onChanged(ctx context.Context, env bus.Envelope) error {
	change, err := TenantChanged.Decode(env.Payload)
	if err != nil {
		return err
	}
	key := bus.TenantKey{InstallationID: change.InstallationID, Repository: change.Repository}
	s.logger.Info("Tenant changed", slog.String("tenant", key.String()), slog.Bool("removed", change.Removed))
	// Apply logs its own failures.
	_ = s.Apply(ctx, key)
	return nil
}

// Announce tells every worker that key changed.
func Announce(ctx context.Context, p bus.Publisher, key bus.TenantKey, removed bool) error {
	return bus.Emit(ctx, p, bus.AllWorkers, TenantChanged, Change{
		InstallationID: key.InstallationID,
		Repository:     key.Repository,
		Removed:        removed,
	})
}
