package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/capability"
	"github.com/nfrund/repobot/internal/codec"
	"github.com/nfrund/repobot/internal/events"
	"github.com/nfrund/repobot/internal/fleet"
	"github.com/nfrund/repobot/internal/logging"
	"github.com/nfrund/repobot/internal/pubsub"
	"github.com/nfrund/repobot/internal/sandbox"
	"github.com/nfrund/repobot/internal/tenant"
)

const (
	defaultCheckWait    = 200 * time.Millisecond
	defaultCheckTimeout = 5 * time.Second
)

var (
	checkTenant  string
	checkEvent   string
	checkPayload string
	checkWait    time.Duration
	checkTimeout time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check <tenant-dir>",
	Short: "Load a tenant directory against recording capabilities",
	Long: `Bundles the config.yaml and *.lua components of a tenant directory,
runs them on a one-worker fleet in this process and reports load errors
against the component and line they came from. Capabilities are
recorded instead of calling GitHub.

Examples:
  # Load and report errors
  repobot check ./tenants/42/octo/widgets

  # Also deliver one event and print the capability calls it made
  repobot check ./tenants/42/octo/widgets --event github.issues \
    --payload '{"action":"opened","number":7,"sender":"alice"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := bus.ParseTenantKey(checkTenant)
		if err != nil {
			return err
		}
		level := os.Getenv("LOG_LEVEL")
		if level == "" {
			level = "warn"
		}
		logging.NewWithWriter(cmd.ErrOrStderr(), os.Getenv("LOG_FORMAT"), level)

		ok, err := check(cmd.Context(), cmd.OutOrStdout(), key, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("tenant %s failed to load", key)
		}
		return nil
	},
}

// check loads dir and reports to out. It returns false on a load error.
func check(ctx context.Context, out io.Writer, key bus.TenantKey, dir string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	def, err := tenant.NewFileSource(afero.NewOsFs(), "").ReadDir(key, dir)
	if err != nil {
		return false, err
	}
	if checkEvent != "" && !events.Catalogue.Has(checkEvent) {
		return false, fmt.Errorf("unknown event type %q (see repobot events)", checkEvent)
	}

	bridge := pubsub.NewWatermillBridge()
	defer bridge.Close()
	rec := capability.NewRecorder()
	local, err := fleet.NewLocal(bus.Topology{Coordinator: "coordinator", Workers: []bus.ProcessID{"worker-1"}}, bridge, fleet.Options{
		Services: capability.Services{Actions: rec, Notifier: rec},
	})
	if err != nil {
		return false, err
	}
	if err := local.Start(ctx); err != nil {
		return false, err
	}
	defer local.Stop(context.Background())

	limits := sandbox.GetDefaultSecurityLimits()
	limits.MaxExecutionTime = checkTimeout
	worker := local.Workers[0]
	m := tenant.NewManager(key, worker.Bus, worker.Scheduler, capability.Services{Actions: rec, Notifier: rec},
		tenant.WithSandboxLimits(limits))
	defer m.Dispose(context.Background())

	names := make([]string, 0, len(def.Components))
	for _, c := range def.Components {
		names = append(names, c.Name)
	}
	fmt.Fprintf(out, "Tenant:     %s\n", key)
	fmt.Fprintf(out, "Components: %v\n", names)

	loadErr := m.Load(ctx, def.Config, def.Components)
	fmt.Fprintf(out, "State:      %s\n", m.State())
	if loadErr != nil {
		fmt.Fprintf(out, "Error:      %v\n", loadErr)
		return false, nil
	}

	if checkEvent != "" {
		if err := deliver(ctx, worker.Bus.Scoped(key), checkEvent, checkPayload); err != nil {
			return false, err
		}
	}
	time.Sleep(checkWait)
	m.Dispatcher().Wait()

	timers := local.Coordinator.Timers.Timers()
	fmt.Fprintf(out, "Jobs:       %d\n", len(timers))
	for _, t := range timers {
		fmt.Fprintf(out, "  %s  %s  next %s\n", t.JobName, t.Cron, t.Next.Format(time.RFC3339))
	}
	printCalls(out, rec.Calls())
	return true, nil
}

// deliver publishes one event built from a JSON object.
func deliver(ctx context.Context, p *bus.Scoped, eventType, payload string) error {
	fields := map[string]any{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
	}
	key := p.Tenant()
	fields["installation_id"] = key.InstallationID
	fields["repository"] = key.Repository

	data, err := codec.Marshal(fields)
	if err != nil {
		return err
	}
	return p.Publish(ctx, bus.Envelope{Class: bus.Everyone, Type: eventType, Payload: data})
}

func printCalls(out io.Writer, calls []capability.Call) {
	fmt.Fprintf(out, "Calls:      %d\n", len(calls))
	for _, c := range calls {
		keys := make([]string, 0, len(c.Args))
		for k := range c.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(out, "  %s", c.Action)
		for _, k := range keys {
			fmt.Fprintf(out, " %s=%v", k, c.Args[k])
		}
		fmt.Fprintln(out)
	}
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkTenant, "tenant", "1:local/check", "Tenant key the directory is loaded as")
	checkCmd.Flags().StringVar(&checkEvent, "event", "", "Event type to deliver after loading")
	checkCmd.Flags().StringVar(&checkPayload, "payload", "", "JSON object for --event")
	checkCmd.Flags().DurationVar(&checkWait, "wait", defaultCheckWait, "How long to let handlers and job registrations settle")
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", defaultCheckTimeout, "Guest execution time limit")
}
