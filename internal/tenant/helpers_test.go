package tenant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/capability"
	"github.com/nfrund/repobot/internal/events"
	"github.com/nfrund/repobot/internal/pubsub"
	"github.com/nfrund/repobot/internal/scheduler"
)

const yearly = "0 0 1 1 *"

var (
	tenantA = bus.TenantKey{InstallationID: 1, Repository: "octo/alpha"}
	tenantB = bus.TenantKey{InstallationID: 1, Repository: "octo/beta"}
)

type testFleet struct {
	coord      *bus.Bus
	table      *scheduler.TimerTable
	workers    []*bus.Bus
	schedulers []*scheduler.Scheduler
	recorder   *capability.Recorder
}

func newTestFleet(t *testing.T, workers int) *testFleet {
	t.Helper()

	bridge := pubsub.NewWatermillBridge()
	topo := bus.Topology{Coordinator: "coordinator"}
	for i := 1; i <= workers; i++ {
		topo.Workers = append(topo.Workers, bus.ProcessID(fmt.Sprintf("worker-%d", i)))
	}
	ctx, cancel := context.WithCancel(context.Background())

	start := func(id bus.ProcessID) *bus.Bus {
		b, err := bus.New(id, topo, bus.NewPubSubTransport(bridge, bridge))
		require.NoError(t, err)
		require.NoError(t, b.Start(ctx))
		return b
	}

	f := &testFleet{coord: start(topo.Coordinator), recorder: capability.NewRecorder()}
	f.table = scheduler.NewTimerTable(f.coord)
	f.table.Start()
	for _, id := range topo.Workers {
		w := start(id)
		s := scheduler.New(w)
		s.Start()
		f.workers = append(f.workers, w)
		f.schedulers = append(f.schedulers, s)
	}

	t.Cleanup(func() {
		for _, s := range f.schedulers {
			s.Stop(context.Background())
		}
		f.table.Stop()
		for _, w := range f.workers {
			w.Close()
		}
		f.coord.Close()
		cancel()
		bridge.Close()
	})
	return f
}

func (f *testFleet) services() capability.Services {
	return capability.Services{Actions: f.recorder, Notifier: f.recorder}
}

// manager creates a manager on worker i with a synchronous "hit" probe.
func (f *testFleet) manager(t *testing.T, i int, key bus.TenantKey, h *hits) *Manager {
	t.Helper()
	m := NewManager(key, f.workers[i], f.schedulers[i], f.services())
	if h != nil {
		m.table["hit"] = h.fn
	}
	t.Cleanup(func() { m.Dispose(context.Background()) })
	return m
}

func (f *testFleet) publishIssue(t *testing.T, worker int, key bus.TenantKey, number int) {
	t.Helper()
	err := bus.Emit(context.Background(), f.workers[worker].Scoped(key), bus.Everyone, events.GitHubIssues, events.RepositoryEvent{
		InstallationID: key.InstallationID,
		Repository:     key.Repository,
		Action:         "opened",
		Sender:         "alice",
		Number:         number,
	})
	require.NoError(t, err)
}

// hits records the arguments of every guest call to hit, joined by spaces.
type hits struct {
	mu  sync.Mutex
	got []string
}

func (h *hits) fn(ctx context.Context, args ...any) ([]any, error) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, strings.Join(parts, " "))
	return nil, nil
}

func (h *hits) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.got...)
}

func (h *hits) count(s string) int {
	n := 0
	for _, g := range h.all() {
		if g == s {
			n++
		}
	}
	return n
}

func (h *hits) waitFor(t *testing.T, s string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.count(s) > 0 }, 3*time.Second, 5*time.Millisecond,
		"never saw %q, got %v", s, h.all())
}

func script(parts ...string) []Component {
	var comps []Component
	for i := 0; i+1 < len(parts); i += 2 {
		comps = append(comps, Component{Name: parts[i], Source: parts[i+1]})
	}
	return comps
}
