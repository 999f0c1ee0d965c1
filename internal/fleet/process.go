// Package fleet assembles fleet processes. The coordinator owns the timer
// table and, with hot reload on, the tenant watcher. Each worker owns a
// scheduler and the supervisor of every tenant's scripts.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/capability"
	"github.com/nfrund/repobot/internal/config"
	"github.com/nfrund/repobot/internal/scheduler"
	"github.com/nfrund/repobot/internal/tenant"
)

// Options are shared by every process of a fleet.
type Options struct {
	Services capability.Services
	// Source feeds worker supervisors. A nil Source starts workers with
	// no tenants.
	Source tenant.Source
	// Watch enables hot reload on the coordinator.
	Watch  *tenant.FileSource
	Tenant []tenant.ManagerOption
	Logger *slog.Logger
}

// Topology returns the fleet roster named by cfg.
func Topology(cfg *config.Config) bus.Topology {
	topo := bus.Topology{Coordinator: config.CoordinatorID}
	for _, id := range cfg.WorkerIDs {
		topo.Workers = append(topo.Workers, bus.ProcessID(id))
	}
	return topo
}

// Process is one member of the fleet and the components it owns.
type Process struct {
	Bus *bus.Bus

	// Coordinator only.
	Timers  *scheduler.TimerTable
	Watcher *tenant.Watcher

	// Workers only.
	Scheduler  *scheduler.Scheduler
	Supervisor *tenant.Supervisor

	logger *slog.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	watchCancel context.CancelFunc
	stopped     bool
}

// NewProcess builds process self over transport. Nothing runs until Start.
func NewProcess(self bus.ProcessID, topo bus.Topology, transport bus.Transport, opts Options) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b, err := bus.New(self, topo, transport, bus.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("fleet: %s: %w", self, err)
	}
	p := &Process{
		Bus:    b,
		logger: logger.With("component", "fleet", "process", string(self)),
	}

	if b.IsCoordinator() {
		p.Timers = scheduler.NewTimerTable(b, scheduler.WithTableLogger(logger))
		if opts.Watch != nil {
			p.Watcher = tenant.NewWatcher(opts.Watch, p.announce, logger)
		}
		return p, nil
	}

	p.Scheduler = scheduler.New(b, scheduler.WithLogger(logger))
	if opts.Source != nil {
		p.Supervisor = tenant.NewSupervisor(b, p.Scheduler, opts.Services, opts.Source, logger, opts.Tenant...)
	}
	return p, nil
}

// ID returns the process id.
func (p *Process) ID() bus.ProcessID { return p.Bus.Self() }

// Start runs the bus and the components of the process's role. Tenants
// whose scripts fail to load are logged and do not fail Start.
func (p *Process) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.Bus.Start(ctx); err != nil {
		return err
	}
	if p.Timers != nil {
		p.Timers.Start()
	}
	if p.Scheduler != nil {
		p.Scheduler.Start()
	}
	if p.Supervisor != nil {
		if err := p.Supervisor.Start(ctx); err != nil {
			p.logger.Warn("Some tenants failed to load", "error", err)
		}
	}
	if p.Watcher != nil {
		watchCtx, watchCancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.watchCancel = watchCancel
		p.mu.Unlock()
		if err := p.Watcher.Start(watchCtx); err != nil {
			return err
		}
	}

	p.logger.Info("Fleet process started", "coordinator", p.Bus.IsCoordinator())
	return nil
}

// Stop tears the process down in reverse start order. The bus closes
// last. Stop is idempotent.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel, watchCancel := p.cancel, p.watchCancel
	p.mu.Unlock()

	if watchCancel != nil {
		watchCancel()
		p.Watcher.Wait()
	}
	if p.Supervisor != nil {
		p.Supervisor.Stop(ctx)
	}
	if p.Scheduler != nil {
		p.Scheduler.Stop(ctx)
	}
	if p.Timers != nil {
		p.Timers.Stop()
	}
	err := p.Bus.Close()
	if cancel != nil {
		cancel()
	}

	p.logger.Info("Fleet process stopped")
	return err
}

func (p *Process) announce(ctx context.Context, key bus.TenantKey) {
	if err := tenant.Announce(ctx, p.Bus, key, false); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("Failed to announce tenant change", "tenant", key.String(), "error", err)
	}
}
