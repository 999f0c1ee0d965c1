package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/repobot/internal/bus"
)

var checkKey = bus.TenantKey{InstallationID: 1, Repository: "local/check"}

func tenantDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func resetCheckFlags(t *testing.T) {
	t.Helper()
	checkEvent, checkPayload, checkWait = "", "", 0
	checkTimeout = defaultCheckTimeout
	t.Cleanup(func() { checkEvent, checkPayload = "", "" })
}

func TestCheck_ReportsComponentLine(t *testing.T) {
	resetCheckFlags(t)
	dir := tenantDir(t, map[string]string{
		"config.yaml": "components: [greet, broken]\n",
		"greet.lua":   `on("github.issues", function(ev) end)`,
		"broken.lua":  "local a = 1\nerror('bad threshold')",
	})

	var out bytes.Buffer
	ok, err := check(context.Background(), &out, checkKey, dir)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, out.String(), "Components: [greet broken]")
	assert.Contains(t, out.String(), "broken")
	assert.Contains(t, out.String(), "line 2")
	assert.Contains(t, out.String(), "bad threshold")
}

func TestCheck_DeliversEvent(t *testing.T) {
	resetCheckFlags(t)
	checkEvent = "github.issues"
	checkPayload = `{"action":"opened","number":7,"sender":"alice"}`
	checkWait = defaultCheckWait

	dir := tenantDir(t, map[string]string{
		"greet.lua": `
on("github.issues", function(ev)
  create_comment(ev.number, "hello " .. ev.sender)
  add_labels(ev.number, {"triage"})
end)
schedule("digest", "0 9 * * 1", function() end)`,
	})

	var out bytes.Buffer
	ok, err := check(context.Background(), &out, checkKey, dir)
	require.NoError(t, err)
	require.True(t, ok, out.String())
	assert.Contains(t, out.String(), "State:      running")
	assert.Contains(t, out.String(), "Jobs:       1")
	assert.Contains(t, out.String(), "1:local/check/digest")
	assert.Contains(t, out.String(), "create_comment body=hello alice number=7")
	assert.Contains(t, out.String(), "add_labels labels=[triage] number=7")
}

func TestCheck_UnknownEvent(t *testing.T) {
	resetCheckFlags(t)
	checkEvent = "github.stars"

	_, err := check(context.Background(), &bytes.Buffer{}, checkKey, tenantDir(t, nil))
	assert.ErrorContains(t, err, "unknown event type")
}

func TestEventsCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"events", "--format=json", "--module=github"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		eventsModule, eventsFormat = "", "table"
	})
	require.NoError(t, rootCmd.Execute())

	var got struct {
		Events []struct {
			Name string `json:"name"`
		} `json:"events"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 4, got.Count)
	assert.Equal(t, "github.issue_comment", got.Events[0].Name)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "repobot dev\n", out.String())
}
