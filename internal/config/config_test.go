package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.History.DispatcherBound)
	assert.Equal(t, 15, cfg.History.WorkerBound)
	assert.Equal(t, 90, cfg.Rules.FilingWindowDays)
	assert.Equal(t, int64(5000), cfg.Rules.PreApprovalAmount)
	assert.Equal(t, int64(30000), cfg.Rules.MaxAmount)
	assert.Equal(t, 10, cfg.Dispatch.MaxIterations)
	assert.Len(t, cfg.Rules.CommuterSegments, 3)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
history:
  dispatcher_bound: 50
rules:
  max_amount: 40000
store:
  dir: /tmp/frontdesk-sessions
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.History.DispatcherBound)
	assert.Equal(t, int64(40000), cfg.Rules.MaxAmount)
	assert.Equal(t, "/tmp/frontdesk-sessions", cfg.Store.Dir)
	// Untouched fields keep defaults.
	assert.Equal(t, 15, cfg.History.WorkerBound)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  max_iterations: 5\n"), 0600))

	t.Setenv("FRONTDESK_DISPATCH_MAX_ITERATIONS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Dispatch.MaxIterations)
}

func TestLoad_MissingNamedFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Contradictions(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Rules.PreApprovalAmount = cfg.Rules.MaxAmount + 1
	assert.Error(t, cfg.Validate())

	cfg, err = Load("")
	require.NoError(t, err)
	cfg.History.WorkerBound = 0
	assert.Error(t, cfg.Validate())
}
