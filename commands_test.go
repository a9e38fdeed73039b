package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envtracker/internal/config"
	"envtracker/internal/env/envtest"
	"envtracker/internal/prompt"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	require.NoError(t, err)
	manager := envtest.NewManager()
	for name, version := range envtest.Catalog {
		manager.Catalog[name] = version
	}
	app := &App{
		config:   cfg,
		manager:  manager,
		tools:    envtest.Tools{Conda: "4.10.3"},
		prompter: prompt.Static(false),
		now:      func() time.Time { return envtest.Epoch },
	}
	t.Cleanup(func() { app.Shutdown(context.Background()) })
	return app
}

func run(t *testing.T, app *App, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(app)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, app *App, args ...string) string {
	t.Helper()
	out, err := run(t, app, args...)
	require.NoError(t, err, "cet %v", args)
	return out
}

func TestCommandsRoundTrip(t *testing.T) {
	t.Setenv("CONDA_DEFAULT_ENV", "")
	remote := t.TempDir()

	a := newTestApp(t)
	out := mustRun(t, a, "-y", "create", "-n", "myenv", "python=3.9", "pip")
	assert.Contains(t, out, "Created and tracking myenv")
	mustRun(t, a, "-y", "conda", "install", "-n", "myenv", "pandas")
	mustRun(t, a, "remote", "-n", "myenv", remote)
	assert.Contains(t, mustRun(t, a, "remote", "-n", "myenv"), remote)

	out = mustRun(t, a, "push", "-n", "myenv")
	assert.Contains(t, out, "myenv: pushed to the remote")
	out = mustRun(t, a, "push", "-n", "myenv")
	assert.Contains(t, out, "myenv: remote is up to date")

	assert.Contains(t, mustRun(t, a, "list", "-n", "myenv"), "pandas")
	assert.Contains(t, mustRun(t, a, "history", "-n", "myenv"), "conda install --name myenv pandas")
	assert.Contains(t, mustRun(t, a, "envs"), "myenv")

	events := mustRun(t, a, "events", "-n", "myenv")
	assert.Contains(t, events, "published")
	assert.Contains(t, events, "up-to-date")

	b := newTestApp(t)
	mustRun(t, b, "remote", "-n", "myenv", remote)
	out = mustRun(t, b, "-y", "pull", "-n", "myenv")
	assert.Contains(t, out, "myenv: pulled the remote history")
	assert.Contains(t, mustRun(t, b, "list", "-n", "myenv"), "pandas")
	assert.Contains(t, mustRun(t, b, "backups", "list", "-n", "myenv"), "pull")

	out = mustRun(t, b, "-y", "pull", "-n", "myenv")
	assert.Contains(t, out, "myenv: nothing to pull")

	out = mustRun(t, b, "-y", "sync", "-n", "myenv")
	assert.Contains(t, out, "myenv: nothing to pull")
	assert.Contains(t, out, "myenv: remote is up to date")
}

func TestCommandsNeedAnEnvironment(t *testing.T) {
	t.Setenv("CONDA_DEFAULT_ENV", "")
	_, err := run(t, newTestApp(t), "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no environment given")
}

func TestActiveEnvironmentIsDefault(t *testing.T) {
	t.Setenv("CONDA_DEFAULT_ENV", "myenv")
	a := newTestApp(t)
	mustRun(t, a, "-y", "create", "python=3.9", "pip")
	assert.Contains(t, mustRun(t, a, "list"), "python")
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := run(t, newTestApp(t), "--log-level", "chatty", "envs")
	assert.Error(t, err)
}

func TestPushWithoutRemote(t *testing.T) {
	t.Setenv("CONDA_DEFAULT_ENV", "")
	a := newTestApp(t)
	mustRun(t, a, "-y", "create", "-n", "myenv", "python=3.9", "pip")
	_, err := run(t, a, "push", "-n", "myenv")
	assert.Error(t, err)
}

func TestConfigCommand(t *testing.T) {
	a := newTestApp(t)
	mustRun(t, a, "config", "set", "conflict-policy", "local-wins")
	assert.Contains(t, mustRun(t, a, "config", "show"), "conflict-policy: local-wins")

	_, err := run(t, a, "config", "set", "conflict-policy", "remote-wins")
	assert.Error(t, err)
	_, err = run(t, a, "config", "set", "theme", "dark")
	assert.Error(t, err)
	assert.Contains(t, mustRun(t, a, "config", "show"), "conflict-policy: local-wins")
}

func TestBackupsCommand(t *testing.T) {
	t.Setenv("CONDA_DEFAULT_ENV", "")
	a := newTestApp(t)
	mustRun(t, a, "-y", "create", "-n", "myenv", "python=3.9", "pip")
	mustRun(t, a, "config", "set", "backups.max", "1")

	assert.Contains(t, mustRun(t, a, "backups", "create", "-n", "myenv", "first"), "Backed up")
	assert.Contains(t, mustRun(t, a, "backups", "create", "-n", "myenv", "second"), "Backed up")

	out := mustRun(t, a, "backups", "list", "-n", "myenv")
	assert.Contains(t, out, "second")
	assert.NotContains(t, out, "first")
	assert.Contains(t, mustRun(t, a, "backups", "prune", "-n", "myenv"), "Deleted 0 backups")
}
