package tenant

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/repobot/internal/bus"
)

func writeFile(t *testing.T, fsys afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fsys, path, []byte(content), 0o644))
}

func TestFileSource_List(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/tenants/42/octo/widgets/main.lua", `log("hi")`)
	writeFile(t, fsys, "/tenants/42/octo/gadgets/config.yaml", "a: 1\n")
	writeFile(t, fsys, "/tenants/7/acme/site/main.lua", "")
	writeFile(t, fsys, "/tenants/not-a-number/x/y/main.lua", "")
	writeFile(t, fsys, "/tenants/README.md", "")

	keys, err := NewFileSource(fsys, "/tenants").List()
	require.NoError(t, err)
	assert.Equal(t, []bus.TenantKey{
		{InstallationID: 42, Repository: "octo/gadgets"},
		{InstallationID: 42, Repository: "octo/widgets"},
		{InstallationID: 7, Repository: "acme/site"},
	}, keys)

	keys, err = NewFileSource(fsys, "/missing").List()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFileSource_Read(t *testing.T) {
	fsys := afero.NewMemMapFs()
	dir := "/tenants/42/octo/widgets"
	writeFile(t, fsys, dir+"/config.yaml", `
components: [triage, greet]
triage:
  labels: [bug, needs-triage]
  limit: 3
roles:
  maintainers: [alice]
`)
	writeFile(t, fsys, dir+"/greet.lua", `log("greet")`)
	writeFile(t, fsys, dir+"/triage.lua", `log("triage")`)
	writeFile(t, fsys, dir+"/notes.txt", "ignored")

	src := NewFileSource(fsys, "/tenants")
	key := bus.TenantKey{InstallationID: 42, Repository: "octo/widgets"}

	def, err := src.Read(key)
	require.NoError(t, err)
	assert.Equal(t, key, def.Key)
	assert.Equal(t, []Component{
		{Name: "triage", Source: `log("triage")`},
		{Name: "greet", Source: `log("greet")`},
	}, def.Components, "config order wins over file order")

	triage, ok := def.Config["triage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"bug", "needs-triage"}, triage["labels"])
	assert.Equal(t, 3, triage["limit"])
}

func TestFileSource_ReadDefaultsAndErrors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	src := NewFileSource(fsys, "/tenants")

	t.Run("file name order without config", func(t *testing.T) {
		writeFile(t, fsys, "/tenants/1/o/r/b.lua", "-- b")
		writeFile(t, fsys, "/tenants/1/o/r/a.lua", "-- a")
		def, err := src.Read(bus.TenantKey{InstallationID: 1, Repository: "o/r"})
		require.NoError(t, err)
		require.Len(t, def.Components, 2)
		assert.Equal(t, "a", def.Components[0].Name)
		assert.Equal(t, map[string]any{}, def.Config)
	})

	t.Run("missing tenant reads empty", func(t *testing.T) {
		def, err := src.Read(bus.TenantKey{InstallationID: 9, Repository: "gone/away"})
		require.NoError(t, err)
		assert.Empty(t, def.Components)
	})

	t.Run("listed component without a file", func(t *testing.T) {
		writeFile(t, fsys, "/tenants/2/o/r/config.yaml", "components: [missing]\n")
		_, err := src.Read(bus.TenantKey{InstallationID: 2, Repository: "o/r"})
		assert.ErrorContains(t, err, `component "missing"`)
	})

	t.Run("bad yaml", func(t *testing.T) {
		writeFile(t, fsys, "/tenants/3/o/r/config.yaml", "a: [unclosed\n")
		_, err := src.Read(bus.TenantKey{InstallationID: 3, Repository: "o/r"})
		assert.ErrorContains(t, err, "parse config.yaml")
	})
}

func TestFileSource_KeyForPath(t *testing.T) {
	src := NewFileSource(afero.NewMemMapFs(), "/tenants")

	key, ok := src.KeyForPath("/tenants/42/octo/widgets/main.lua")
	require.True(t, ok)
	assert.Equal(t, bus.TenantKey{InstallationID: 42, Repository: "octo/widgets"}, key)

	key, ok = src.KeyForPath("/tenants/42/octo/widgets")
	require.True(t, ok)
	assert.Equal(t, "42:octo/widgets", key.String())

	for _, p := range []string{"/tenants/42/octo", "/elsewhere/42/octo/widgets/x.lua", "/tenants/x/octo/widgets"} {
		_, ok := src.KeyForPath(p)
		assert.False(t, ok, p)
	}
}
