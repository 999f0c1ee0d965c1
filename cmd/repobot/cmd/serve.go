package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/nfrund/repobot/internal/app"
	"github.com/nfrund/repobot/internal/config"
	"github.com/nfrund/repobot/internal/logging"
	"github.com/nfrund/repobot/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one fleet process",
	Long: `Runs the process named by ROLE and PROCESS_ID. The coordinator accepts
worker connections on its relay endpoint; workers connect to
COORDINATOR_ADDR, load every tenant under TENANTS_DIR and serve the
webhook endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

var (
	localWorkers int
	localReload  bool
)

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run a whole fleet in one process",
	Long: `Runs the coordinator and every worker in this process over the
in-memory transport. One webhook endpoint spreads deliveries over the
workers in turn.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}
		cfg.Role = config.RoleLocal
		cfg.Transport = config.TransportMemory
		cfg.ProcessID = config.RoleLocal
		if localWorkers > 0 {
			cfg.Workers = localWorkers
			cfg.WorkerIDs = config.WorkerNames(localWorkers)
		}
		if cmd.Flags().Changed("reload") {
			cfg.HotReloadScripts = localReload
		}
		return run(cmd.Context(), cfg)
	},
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := server.SignalContext(parent)
	defer stop()

	logger := logging.New()
	node, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return node.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(localCmd)
	localCmd.Flags().IntVarP(&localWorkers, "workers", "w", 0, "Number of workers (default WORKERS)")
	localCmd.Flags().BoolVar(&localReload, "reload", false, "Reload tenants when their files change")
}
