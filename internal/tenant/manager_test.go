package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/capability"
	"github.com/nfrund/repobot/internal/events"
	"github.com/nfrund/repobot/internal/sandbox"
	"github.com/nfrund/repobot/internal/scheduler"
)

func TestManager_NoScript(t *testing.T) {
	f := newTestFleet(t, 1)
	m := f.manager(t, 0, tenantA, nil)
	ctx := context.Background()

	assert.Equal(t, StateNoScript, m.State())

	require.NoError(t, m.Load(ctx, map[string]any{"k": "v"}, nil))
	assert.Equal(t, StateNoScript, m.State())
	assert.Equal(t, uint64(0), m.Generation(), "an empty script creates no generation")
	assert.Equal(t, "v", m.Config()["k"])

	require.NoError(t, m.Load(ctx, nil, script("a", "  ")))
	assert.Equal(t, StateNoScript, m.State())
}

func TestManager_EventDelivery(t *testing.T) {
	f := newTestFleet(t, 2)
	h := &hits{}
	m := f.manager(t, 0, tenantA, h)
	ctx := context.Background()

	err := m.Load(ctx, nil, script("triage", `
on("github.issues", function(ev) hit("first", ev.number, ev.action) end)
on("github.issues", function(ev) hit("second", ev.number) end)`))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, uint64(1), m.Generation())
	assert.Equal(t, 1, f.workers[0].Subscribers(bus.OncePerProcess, events.GitHubIssues.Name()),
		"one bus subscription per event type")

	f.publishIssue(t, 0, tenantA, 7)
	h.waitFor(t, "second 7")
	assert.Equal(t, []string{"first 7 opened", "second 7"}, h.all(), "handlers run in registration order")
}

func TestManager_TenantIsolation(t *testing.T) {
	f := newTestFleet(t, 1)
	ha, hb := &hits{}, &hits{}
	a := f.manager(t, 0, tenantA, ha)
	b := f.manager(t, 0, tenantB, hb)
	ctx := context.Background()

	src := script("main", `on("github.issues", function(ev) hit(tenant.repository, ev.number) end)`)
	require.NoError(t, a.Load(ctx, nil, src))
	require.NoError(t, b.Load(ctx, nil, src))

	f.publishIssue(t, 0, tenantA, 1)
	f.publishIssue(t, 0, tenantB, 2)

	hb.waitFor(t, "octo/beta 2")
	ha.waitFor(t, "octo/alpha 1")
	assert.Equal(t, []string{"octo/alpha 1"}, ha.all())
	assert.Equal(t, []string{"octo/beta 2"}, hb.all())
}

func TestManager_ReloadTearsDownSubscriptions(t *testing.T) {
	f := newTestFleet(t, 1)
	h := &hits{}
	m := f.manager(t, 0, tenantA, h)
	ctx := context.Background()
	issues := events.GitHubIssues.Name()

	require.NoError(t, m.Load(ctx, nil, script("main", `on("github.issues", function(ev) hit("old", ev.number) end)`)))
	require.NoError(t, m.Load(ctx, nil, script("main", `on("github.issues", function(ev) hit("new", ev.number) end)`)))
	assert.Equal(t, uint64(2), m.Generation())
	assert.Equal(t, 1, f.workers[0].Subscribers(bus.OncePerProcess, issues))

	f.publishIssue(t, 0, tenantA, 3)
	h.waitFor(t, "new 3")
	assert.Zero(t, h.count("old 3"), "the previous generation must not see the event")

	require.NoError(t, m.Load(ctx, nil, nil))
	assert.Equal(t, StateNoScript, m.State())
	assert.Zero(t, f.workers[0].Subscribers(bus.OncePerProcess, issues))
}

func TestManager_ReloadTearsDownJobs(t *testing.T) {
	f := newTestFleet(t, 1)
	h := &hits{}
	m := f.manager(t, 0, tenantA, h)
	ctx := context.Background()

	t.Run("fleet jobs leave the coordinator", func(t *testing.T) {
		require.NoError(t, m.Load(ctx, nil, script("main", `
local id = schedule("nightly", "`+yearly+`", function() hit("nightly") end)
hit("scheduled", type(id))`)))
		h.waitFor(t, "scheduled string")

		require.Eventually(t, func() bool {
			timers := f.table.Timers()
			return len(timers) == 1 && timers[0].JobName == "1:octo/alpha/nightly"
		}, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, m.Load(ctx, nil, script("main", `log("no jobs")`)))
		require.Eventually(t, func() bool { return len(f.table.Timers()) == 0 }, 2*time.Second, 5*time.Millisecond)
		assert.Zero(t, f.schedulers[0].Live())
	})

	t.Run("worker-local job of the previous generation stops firing", func(t *testing.T) {
		require.NoError(t, m.Load(ctx, nil, script("main",
			`schedule("tick", "@every 1s", function() hit("old") end, "worker-local")`)))
		require.NoError(t, m.Load(ctx, nil, script("main",
			`schedule("tick", "@every 1s", function() hit("new") end, "worker-local")`)))

		h.waitFor(t, "new")
		assert.Zero(t, h.count("old"))
		assert.Equal(t, 1, f.schedulers[0].Live())
	})
}

func TestManager_LoadErrorIsDecoded(t *testing.T) {
	f := newTestFleet(t, 1)
	m := f.manager(t, 0, tenantA, nil)
	ctx := context.Background()

	t.Run("runtime error", func(t *testing.T) {
		err := m.Load(ctx, nil, script(
			"a", "local one = 1\nlocal two = 2\nlocal three = 3",
			"b", "local ok = true\nerror('boom')",
		))
		var loadErr *LoadError
		require.ErrorAs(t, err, &loadErr)
		assert.Equal(t, sandbox.GuestErrorRuntime, loadErr.Kind)
		assert.Equal(t, "b", loadErr.Component)
		assert.Equal(t, 2, loadErr.Line)
		assert.Contains(t, loadErr.Message, "boom")
		assert.Equal(t, tenantA, loadErr.Tenant)
		assert.Same(t, loadErr, m.LastError())
		assert.Equal(t, StateRunning, m.State(), "a failed load keeps its generation")
	})

	t.Run("syntax error", func(t *testing.T) {
		err := m.Load(ctx, nil, script("a", "local fine = 1\nlocal = 2"))
		var loadErr *LoadError
		require.ErrorAs(t, err, &loadErr)
		assert.Equal(t, sandbox.GuestErrorSyntax, loadErr.Kind)
		assert.Equal(t, "a", loadErr.Component)
		assert.Equal(t, 2, loadErr.Line)
	})

	t.Run("unknown event type", func(t *testing.T) {
		err := m.Load(ctx, nil, script("a", `on("github.nope", function() end)`))
		var loadErr *LoadError
		require.ErrorAs(t, err, &loadErr)
		assert.Contains(t, loadErr.Message, `unknown event type "github.nope"`)
		assert.Equal(t, "a", loadErr.Component)
	})

	t.Run("clean load clears the error", func(t *testing.T) {
		require.NoError(t, m.Load(ctx, nil, script("a", `log("ok")`)))
		assert.Nil(t, m.LastError())
	})
}

func TestManager_ComponentConfig(t *testing.T) {
	f := newTestFleet(t, 1)
	h := &hits{}
	m := f.manager(t, 0, tenantA, h)

	cfg := map[string]any{
		"triage": map[string]any{"label": "needs-triage"},
		"roles":  map[string]any{"maintainers": []any{"alice"}},
	}
	err := m.Load(context.Background(), cfg, script(
		"triage", `hit(compName, compConfig.label)`,
		"owners", `hit(compName, compConfig == nil, role_members("maintainers")[1], is_authorized("alice", "merge"))`,
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"triage needs-triage", "owners true alice false"}, h.all())
}

func TestManager_ActionCompletionReturnsToTenant(t *testing.T) {
	f := newTestFleet(t, 2)
	h := &hits{}
	m := f.manager(t, 1, tenantA, h)

	err := m.Load(context.Background(), nil, script("main", `
local pending = {}
on("action.completed", function(done)
  hit(done.action, tostring(done.ok), tostring(pending[done.request_id]))
end)
pending[create_comment(12, "hello")] = true`))
	require.NoError(t, err)

	h.waitFor(t, "create_comment true true")
	calls := f.recorder.CallsTo(capability.NameCreateComment)
	require.Len(t, calls, 1)
	assert.Equal(t, "octo/alpha", calls[0].Repo)
}

func TestManager_InvalidComponentKeepsGeneration(t *testing.T) {
	f := newTestFleet(t, 1)
	m := f.manager(t, 0, tenantA, nil)
	ctx := context.Background()

	require.NoError(t, m.Load(ctx, nil, script("main", `log("one")`)))
	err := m.Load(ctx, nil, script("end", `log("two")`))
	assert.ErrorIs(t, err, ErrInvalidComponentName)
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, uint64(1), m.Generation())
}

func TestManager_Dispose(t *testing.T) {
	f := newTestFleet(t, 1)
	m := f.manager(t, 0, tenantA, nil)
	ctx := context.Background()

	require.NoError(t, m.Load(ctx, nil, script("main", `on("github.push", function() end)`)))
	m.Dispose(ctx)
	m.Dispose(ctx)
	assert.Equal(t, StateDisposed, m.State())
	assert.Zero(t, f.workers[0].Subscribers(bus.OncePerProcess, events.GitHubPush.Name()))

	err := m.Load(ctx, nil, script("main", `log("x")`))
	assert.ErrorIs(t, err, ErrManagerDisposed)
}

func TestManager_ScheduleOnCoordinatorFails(t *testing.T) {
	f := newTestFleet(t, 1)
	m := NewManager(tenantA, f.coord, scheduler.New(f.coord), f.services())
	defer m.Dispose(context.Background())

	err := m.Load(context.Background(), nil, script("main", `schedule("x", "@hourly", function() end)`))
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.Message, scheduler.ErrNotWorker.Error())
}
