package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("VIBE_CONFIG_PATH", "")
	t.Setenv("VIBE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	work := t.TempDir()
	oldwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(work))
	t.Cleanup(func() { _ = os.Chdir(oldwd) })
	return home
}

func TestDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Runtime.MaxIterations)
	assert.Equal(t, 10, cfg.Runtime.HistoryLimit)
	assert.Equal(t, ModeAgent, cfg.Runtime.Mode)
	assert.True(t, cfg.Runtime.SerializeProjectRun)
	assert.Equal(t, 5, cfg.Ledger.FreeDaily)
	assert.Equal(t, 50, cfg.Ledger.FreeMonthly)
	assert.Equal(t, 100, cfg.Ledger.PaidMonthly)
	assert.Equal(t, "Africa/Cairo", cfg.Ledger.Timezone)
	assert.Equal(t, "/home/user/npm_output.log", cfg.Sandbox.LogPath)
	assert.True(t, filepath.IsAbs(cfg.Storage.DBPath))
}

func TestLoadJSONCAndPrecedence(t *testing.T) {
	home := isolate(t)

	globalDir := filepath.Join(home, ".vibe")
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	global := `{
  // global
  "provider": {"model": "global-model"},
  "runtime": {"self_heal": false, "max_iterations": 12}
}`
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.json"), []byte(global), 0o644))
	project := `{
  /* project wins */
  "provider": {"model": "project-model"},
  "runtime": {"max_iterations": 15}
}`
	require.NoError(t, os.WriteFile("vibe.json", []byte(project), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "project-model", cfg.Provider.Model)
	assert.Equal(t, 15, cfg.Runtime.MaxIterations)
	assert.False(t, cfg.Runtime.SelfHeal)
}

func TestLoadYAML(t *testing.T) {
	isolate(t)
	doc := `
sandbox:
  driver: remote
  remote:
    base_url: https://sandbox.example.test
    api_key: secret
ledger:
  two_phase: true
  free_daily: 3
`
	require.NoError(t, os.WriteFile("custom.yaml", []byte(doc), 0o644))

	cfg, err := Load("custom.yaml")
	require.NoError(t, err)
	assert.Equal(t, DriverRemote, cfg.Sandbox.Driver)
	assert.Equal(t, "secret", cfg.Sandbox.Remote.APIKey)
	assert.True(t, cfg.Ledger.TwoPhase)
	assert.Equal(t, 3, cfg.Ledger.FreeDaily)
	assert.Equal(t, 50, cfg.Ledger.FreeMonthly)
}

func TestRemoteDriverRequiresBaseURL(t *testing.T) {
	isolate(t)
	t.Setenv("VIBE_SANDBOX_DRIVER", "remote")
	_, err := Load("")
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("VIBE_MODEL", "env-model")
	t.Setenv("OPENAI_API_KEY", "fallback-key")
	t.Setenv("VIBE_MAX_ITERATIONS", "4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-model", cfg.Provider.Model)
	assert.Equal(t, "fallback-key", cfg.Provider.APIKey)
	assert.Equal(t, 4, cfg.Runtime.MaxIterations)
}

func TestInvalidEnvRejected(t *testing.T) {
	isolate(t)
	t.Setenv("VIBE_MAX_ITERATIONS", "zero")
	_, err := Load("")
	require.Error(t, err)
}

func TestInvalidModeRejected(t *testing.T) {
	isolate(t)
	t.Setenv("VIBE_MODE", "turbo")
	_, err := Load("")
	require.Error(t, err)
}

func TestStripJSONCommentsKeepsStrings(t *testing.T) {
	in := []byte(`{"url": "http://x//y", /* c */ "a": 1 // tail
}`)
	out := stripJSONComments(in)
	assert.Contains(t, string(out), `"http://x//y"`)
	assert.NotContains(t, string(out), "tail")
	assert.NotContains(t, string(out), "/* c */")
}
