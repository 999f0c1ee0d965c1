// Package app is the composition root of a repobot binary. Every
// component is provided to a samber/do injector and resolved by the
// process role: the coordinator, one worker, or a whole local fleet.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/samber/do/v2"

	"github.com/nfrund/repobot/internal/capability"
	"github.com/nfrund/repobot/internal/config"
	"github.com/nfrund/repobot/internal/fleet"
	"github.com/nfrund/repobot/internal/pubsub"
	"github.com/nfrund/repobot/internal/server"
)

// Option configures a Node.
type Option func(*options)

type options struct {
	services *capability.Services
}

// WithServices replaces the GitHub and notifier capabilities.
func WithServices(s capability.Services) Option {
	return func(o *options) { o.services = &s }
}

type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Node is one running binary.
type Node struct {
	injector *do.RootScope
	cfg      *config.Config
	logger   *slog.Logger
	fleet    runner
	server   *server.Server
	bridge   *pubsub.WatermillBridge

	shutdownOnce sync.Once
}

// New resolves every component the role of cfg needs. A websocket worker
// connects to the coordinator here, retrying until ctx ends.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := checkRole(cfg); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	i := do.New()
	do.ProvideValue(i, cfg)
	do.ProvideValue(i, logger)
	do.Provide(i, provideTracing(ctx))
	do.Provide(i, provideBridge)
	if o.services != nil {
		do.ProvideValue(i, *o.services)
	} else {
		do.Provide(i, provideServices(ctx))
	}
	do.Provide(i, provideSource)
	do.Provide(i, provideFleetOptions)
	do.Provide(i, provideServer)

	n := &Node{injector: i, cfg: cfg, logger: logger.With("component", "app")}

	var err error
	switch cfg.Role {
	case config.RoleLocal:
		do.Provide(i, provideLocal)
		n.fleet, err = do.Invoke[*fleet.Local](i)
		if err == nil {
			n.bridge = do.MustInvoke[*pubsub.WatermillBridge](i)
		}
	default:
		do.Provide(i, provideRelayServer)
		do.Provide(i, provideRelayClient(ctx))
		do.Provide(i, provideProcess)
		n.fleet, err = do.Invoke[*fleet.Process](i)
	}
	if err == nil {
		n.server, err = do.Invoke[*server.Server](i)
	}
	if err != nil {
		n.shutdown()
		return nil, fmt.Errorf("app: %w", err)
	}
	return n, nil
}

func checkRole(cfg *config.Config) error {
	local := cfg.Role == config.RoleLocal
	memory := cfg.Transport == config.TransportMemory
	switch {
	case local && !memory:
		return fmt.Errorf("app: ROLE=%s runs over the %s transport", config.RoleLocal, config.TransportMemory)
	case !local && memory:
		return fmt.Errorf("app: ROLE=%s needs TRANSPORT=%s", cfg.Role, config.TransportWebSocket)
	}
	return nil
}

// Injector exposes the resolved components.
func (n *Node) Injector() do.Injector { return n.injector }

// Handler is the HTTP surface of the node.
func (n *Node) Handler() http.Handler { return n.server.E }

// Start starts the fleet processes the node runs.
func (n *Node) Start(ctx context.Context) error {
	n.logger.Info("Starting node", "role", n.cfg.Role, "process", n.cfg.ProcessID, "workers", len(n.cfg.WorkerIDs))
	return n.fleet.Start(ctx)
}

// Stop stops the fleet processes and releases shared resources.
func (n *Node) Stop(ctx context.Context) error {
	err := n.fleet.Stop(ctx)
	n.shutdown()
	n.logger.Info("Node stopped")
	return err
}

// Run starts the node, serves HTTP on the configured address until ctx
// ends, then stops.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
		defer cancel()
		return errors.Join(err, n.Stop(stopCtx))
	}

	err := n.server.Run(ctx, n.cfg.HTTPAddr)

	stopCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, n.Stop(stopCtx))
}

func (n *Node) shutdown() {
	n.shutdownOnce.Do(func() {
		if n.bridge != nil {
			if err := n.bridge.Close(); err != nil {
				n.logger.Warn("Failed to close in-memory pub/sub", "error", err)
			}
		}
		_ = n.injector.Shutdown()
	})
}
