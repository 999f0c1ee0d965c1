package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/events"
)

func TestSupervisor_ApplyAndAnnounce(t *testing.T) {
	f := newTestFleet(t, 2)
	fsys := afero.NewMemMapFs()
	dir := "/tenants/1/octo/alpha"
	writeFile(t, fsys, dir+"/main.lua", `on("github.issues", function() end)`)
	source := NewFileSource(fsys, "/tenants")
	ctx := context.Background()

	sups := make([]*Supervisor, len(f.workers))
	for i, w := range f.workers {
		sups[i] = NewSupervisor(w, f.schedulers[i], f.services(), source, nil)
		require.NoError(t, sups[i].Start(ctx))
		t.Cleanup(func() { sups[i].Stop(context.Background()) })
	}

	for i, s := range sups {
		assert.Equal(t, []bus.TenantKey{tenantA}, s.Tenants())
		m, ok := s.Lookup(tenantA)
		require.True(t, ok)
		assert.Equal(t, StateRunning, m.State())
		assert.Equal(t, uint64(1), m.Generation())
		assert.Equal(t, 1, f.workers[i].Subscribers(bus.OncePerProcess, events.GitHubIssues.Name()))
	}

	// A change announced by the coordinator reloads every worker.
	writeFile(t, fsys, dir+"/main.lua", `log("v2")`)
	require.NoError(t, Announce(ctx, f.coord, tenantA, false))
	for _, s := range sups {
		m, _ := s.Lookup(tenantA)
		require.Eventually(t, func() bool { return m.Generation() == 2 }, 2*time.Second, 5*time.Millisecond)
	}
	for _, w := range f.workers {
		assert.Zero(t, w.Subscribers(bus.OncePerProcess, events.GitHubIssues.Name()))
	}

	// Removing every snippet leaves the tenant without a script.
	require.NoError(t, fsys.Remove(dir+"/main.lua"))
	require.NoError(t, Announce(ctx, f.coord, tenantA, true))
	for _, s := range sups {
		m, _ := s.Lookup(tenantA)
		require.Eventually(t, func() bool { return m.State() == StateNoScript }, 2*time.Second, 5*time.Millisecond)
	}
}

func TestSupervisor_ApplyAllReportsGuestErrors(t *testing.T) {
	f := newTestFleet(t, 1)
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/tenants/1/octo/alpha/main.lua", `log("fine")`)
	writeFile(t, fsys, "/tenants/1/octo/beta/main.lua", "local x = 1\nerror('broken')")

	s := NewSupervisor(f.workers[0], f.schedulers[0], f.services(), NewFileSource(fsys, "/tenants"), nil)
	defer s.Stop(context.Background())

	err := s.ApplyAll(context.Background())
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, tenantB, loadErr.Tenant)
	assert.Equal(t, "main", loadErr.Component)
	assert.Equal(t, 2, loadErr.Line)

	a, _ := s.Lookup(tenantA)
	assert.Equal(t, StateRunning, a.State())
}

func TestSupervisor_UnknownTenantWithoutScriptIsIgnored(t *testing.T) {
	f := newTestFleet(t, 1)
	s := NewSupervisor(f.workers[0], f.schedulers[0], f.services(), NewFileSource(afero.NewMemMapFs(), "/tenants"), nil)

	require.NoError(t, s.Apply(context.Background(), tenantA))
	assert.Empty(t, s.Tenants())
}
