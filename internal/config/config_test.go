package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "autoexec.toml")
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "services.txt", c.ServicesFile)
	assert.Equal(t, "repos", c.ReposDir)
	assert.Equal(t, 5*time.Second, c.ReconcileInterval)
	assert.Equal(t, 30*time.Second, c.CheckInterval)
	assert.Equal(t, 5*time.Second, c.StopTimeout)
	assert.Equal(t, 4*time.Second, c.WorkerStopTimeout)
	assert.Equal(t, "autoexec.txt", c.EntryFile)
	assert.Equal(t, "python3", c.Interpreter)
	assert.Equal(t, "git", c.GitBinary)
	assert.Equal(t, 20, c.LogCapacity)
	assert.True(t, c.WatchServices)
	assert.True(t, c.UseOSEnv)
	assert.True(t, c.Server.Enabled)
	assert.Equal(t, "localhost:8000", c.Server.Listen)
	assert.False(t, c.Metrics.Enabled)
	assert.True(t, c.Metrics.WorkerResources)
	assert.Equal(t, 15*time.Second, c.Metrics.ResourceInterval)
	assert.False(t, c.History.Enabled)
	assert.Equal(t, 3*time.Second, c.History.SendTimeout)
	require.NoError(t, c.Validate())

	assert.Equal(t, c, Default())
}

func TestLoadFile(t *testing.T) {
	p := writeTOML(t, `
services_file = "/etc/autoexec/services.txt"
repos_dir = "/srv/repos"
check_interval = "1m"
reconcile_interval = "2s"
interpreter = "python3 -u"
log_capacity = 50
env = ["MODE=prod", "PATH_EXTRA=${HOME}/bin"]
env_files = ["/etc/autoexec/.env"]

[server]
listen = "0.0.0.0:8080"
base_path = "/api"

[log]
level = "debug"
format = "json"
worker_dir = "/var/log/autoexec"
max_backups = 9

[metrics]
enabled = true
listen = ":9100"
worker_resources = false

[history]
enabled = true
dsns = ["sqlite:///var/lib/autoexec/history.db", "opensearch://search:9200/autoexec"]
`)
	c, err := Load(p)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "/etc/autoexec/services.txt", c.ServicesFile)
	assert.Equal(t, "/srv/repos", c.ReposDir)
	assert.Equal(t, time.Minute, c.CheckInterval)
	assert.Equal(t, 2*time.Second, c.ReconcileInterval)
	assert.Equal(t, "python3 -u", c.Interpreter)
	assert.Equal(t, 50, c.LogCapacity)
	assert.Equal(t, []string{"MODE=prod", "PATH_EXTRA=${HOME}/bin"}, c.Env)
	assert.Equal(t, []string{"/etc/autoexec/.env"}, c.EnvFiles)
	assert.Equal(t, "0.0.0.0:8080", c.Server.Listen)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.True(t, c.Metrics.Enabled)
	assert.False(t, c.Metrics.WorkerResources)
	assert.Len(t, c.History.DSNs, 2)

	lc := c.Logger()
	assert.Equal(t, "debug", lc.Slog.Level)
	assert.Equal(t, "json", lc.Slog.Format)
	assert.Equal(t, "/var/log/autoexec", lc.File.Dir)
	assert.Equal(t, 9, lc.File.MaxBackups)
	assert.Empty(t, c.ManagerFiles().Dir)
	assert.Equal(t, 9, c.ManagerFiles().MaxBackups)

	// untouched keys keep their defaults
	assert.Equal(t, 5*time.Second, c.StopTimeout)
	assert.Equal(t, "autoexec.txt", c.EntryFile)
}

func TestEnvOverrides(t *testing.T) {
	p := writeTOML(t, `
check_interval = "1m"
[server]
listen = "localhost:8000"
`)
	t.Setenv("AUTOEXEC_CHECK_INTERVAL", "10s")
	t.Setenv("AUTOEXEC_SERVER_LISTEN", "127.0.0.1:9999")
	t.Setenv("AUTOEXEC_WATCH_SERVICES", "false")
	t.Setenv("AUTOEXEC_HISTORY_DSNS", "sqlite:///tmp/a.db,opensearch://x:9200/i")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, c.CheckInterval)
	assert.Equal(t, "127.0.0.1:9999", c.Server.Listen)
	assert.False(t, c.WatchServices)
	assert.Equal(t, []string{"sqlite:///tmp/a.db", "opensearch://x:9200/i"}, c.History.DSNs)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	p := writeTOML(t, "check_interval = [oops\n")
	_, err := Load(p)
	require.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	c := Default()
	c.ServicesFile = ""
	c.CheckInterval = 0
	c.ReconcileInterval = -time.Second
	c.LogCapacity = 0
	c.Log.Format = "xml"
	c.History.Enabled = true
	c.Env = []string{"NOEQUALS"}

	err := c.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"services_file", "check_interval", "reconcile_interval", "log_capacity",
		"log.format", "history.dsns", "NOEQUALS",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateServerListenOnlyWhenEnabled(t *testing.T) {
	c := Default()
	c.Server.Listen = ""
	require.Error(t, c.Validate())
	c.Server.Enabled = false
	require.NoError(t, c.Validate())
}
