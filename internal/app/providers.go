package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/do/v2"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/capability"
	"github.com/nfrund/repobot/internal/config"
	"github.com/nfrund/repobot/internal/fleet"
	"github.com/nfrund/repobot/internal/ingest"
	"github.com/nfrund/repobot/internal/pubsub"
	"github.com/nfrund/repobot/internal/sandbox"
	"github.com/nfrund/repobot/internal/server"
	"github.com/nfrund/repobot/internal/tenant"
)

// Tracing holds the transport tracer. The injector flushes it on shutdown.
type Tracing struct {
	Tracer   trace.Tracer
	Enabled  bool
	shutdown func()
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown() {
	if t.shutdown != nil {
		t.shutdown()
	}
}

func provideTracing(ctx context.Context) do.Provider[*Tracing] {
	return func(i do.Injector) (*Tracing, error) {
		cfg := pubsub.LoadTracingConfigFromEnv()
		tracer, shutdown, err := pubsub.SetupOTel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		return &Tracing{Tracer: tracer, Enabled: cfg.Enabled, shutdown: shutdown}, nil
	}
}

func provideBridge(i do.Injector) (*pubsub.WatermillBridge, error) {
	t := do.MustInvoke[*Tracing](i)
	if t.Enabled {
		return pubsub.NewWatermillBridgeWithTracer(t.Tracer), nil
	}
	return pubsub.NewWatermillBridge(), nil
}

func provideServices(ctx context.Context) do.Provider[capability.Services] {
	return func(i do.Injector) (capability.Services, error) {
		cfg := do.MustInvoke[*config.Config](i)
		logger := do.MustInvoke[*slog.Logger](i)

		s := capability.Services{Actions: capability.NewGitHubActions(ctx, cfg.GitHubToken, logger)}
		if cfg.NotifyWebhookURL != "" {
			s.Notifier = capability.NewWebhookNotifier(cfg.NotifyWebhookURL)
		}
		return s, nil
	}
}

func provideSource(i do.Injector) (*tenant.FileSource, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return tenant.NewFileSource(afero.NewOsFs(), cfg.TenantsDir), nil
}

func provideFleetOptions(i do.Injector) (fleet.Options, error) {
	cfg := do.MustInvoke[*config.Config](i)
	source := do.MustInvoke[*tenant.FileSource](i)

	limits := sandbox.GetDefaultSecurityLimits()
	limits.MaxExecutionTime = cfg.ScriptTimeout

	opts := fleet.Options{
		Services: do.MustInvoke[capability.Services](i),
		Source:   source,
		Tenant:   []tenant.ManagerOption{tenant.WithSandboxLimits(limits)},
		Logger:   do.MustInvoke[*slog.Logger](i),
	}
	if cfg.HotReloadScripts {
		opts.Watch = source
	}
	return opts, nil
}

func provideLocal(i do.Injector) (*fleet.Local, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return fleet.NewLocal(fleet.Topology(cfg), do.MustInvoke[*pubsub.WatermillBridge](i), do.MustInvoke[fleet.Options](i))
}

func provideRelayServer(i do.Injector) (*bus.RelayServer, error) {
	return bus.NewRelayServer(config.CoordinatorID, do.MustInvoke[*slog.Logger](i)), nil
}

// provideRelayClient dials the coordinator, retrying until ctx ends.
func provideRelayClient(ctx context.Context) do.Provider[*bus.RelayClient] {
	return func(i do.Injector) (*bus.RelayClient, error) {
		cfg := do.MustInvoke[*config.Config](i)
		self := bus.ProcessID(cfg.ProcessID)
		return bus.DialRelay(ctx, bus.RelayURL(cfg.CoordinatorAddr, self), self, do.MustInvoke[*slog.Logger](i))
	}
}

func provideProcess(i do.Injector) (*fleet.Process, error) {
	cfg := do.MustInvoke[*config.Config](i)

	var transport bus.Transport
	if cfg.IsCoordinator() {
		transport = do.MustInvoke[*bus.RelayServer](i)
	} else {
		relay, err := do.Invoke[*bus.RelayClient](i)
		if err != nil {
			return nil, err
		}
		transport = relay
	}
	return fleet.NewProcess(bus.ProcessID(cfg.ProcessID), fleet.Topology(cfg), transport, do.MustInvoke[fleet.Options](i))
}

// provideServer mounts what the role serves: ingest wherever tenants run,
// and the relay on a websocket coordinator.
func provideServer(i do.Injector) (*server.Server, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	s := server.New(logger)

	mountIngest := func(p bus.Publisher) {
		h := ingest.New(p,
			ingest.WithSecret(cfg.GitHubWebhookSecret),
			ingest.WithRateLimit(cfg.WebhookRate),
			ingest.WithLogger(logger))
		s.Mount(h.Register)
	}

	switch cfg.Role {
	case config.RoleLocal:
		mountIngest(do.MustInvoke[*fleet.Local](i).Ingress())
	case config.RoleWorker:
		proc, err := do.Invoke[*fleet.Process](i)
		if err != nil {
			return nil, err
		}
		mountIngest(proc.Bus)
	case config.RoleCoordinator:
		relay := do.MustInvoke[*bus.RelayServer](i)
		s.E.GET(bus.RelayPath, relay.Handler())
	}
	return s, nil
}
