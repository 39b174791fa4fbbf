package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 50, cfg.Fleet.MaxWorkers)
	assert.Equal(t, "round_robin", cfg.Router.Strategy)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Fleet.MaxWorkers, cfg.Fleet.MaxWorkers)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "fleetd.yaml", `
fleet:
  max_workers: 5
  heartbeat_interval: 2s
templates:
  - name: general
    command: worker
    capabilities: [completion]
backends:
  - name: primary
    base_url: http://localhost:9000
    cost_per_1k_input_usd: 0.25
router:
  strategy: least_loaded
  default_backend: primary
logger:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Fleet.MaxWorkers)
	assert.Equal(t, 2*time.Second, cfg.Fleet.HeartbeatInterval)
	// Untouched fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Fleet.StartupTimeout)
	require.Len(t, cfg.Templates, 1)
	assert.Equal(t, "general", cfg.Templates[0].Name)
	assert.Equal(t, "least_loaded", cfg.Router.Strategy)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fleet:\n  max_workers: 5\n"), 0o666))
	// WriteFile's mode is narrowed by the umask; chmod to get a real 0666 file.
	require.NoError(t, os.Chmod(path, 0o666))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("FLEETD_LOGGER_LEVEL", "error")
	t.Setenv("FLEETD_FLEET_MAX_WORKERS", "3")
	t.Setenv("FLEETD_TRACER_ENABLED", "true")
	t.Setenv("FLEETD_TRACER_EXPORTER", "stdout")
	t.Setenv("FLEETD_BACKEND_CHEAP_EU_API_KEY", "from-env")

	cfg := Defaults()
	cfg.Backends = []BackendConfig{{Name: "cheap-eu", BaseURL: "http://x"}}
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "error", cfg.Logger.Level)
	assert.Equal(t, 3, cfg.Fleet.MaxWorkers)
	assert.True(t, cfg.Tracer.Enabled)
	assert.Equal(t, "stdout", cfg.Tracer.Exporter)
	assert.Equal(t, "from-env", cfg.Backends[0].APIKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "passphrase")
	require.NoError(t, err)
	assert.NotContains(t, enc, "sk-secret")

	dec, err := DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", dec)

	_, err = DecryptValue(enc, "wrong")
	assert.Error(t, err)
}

func TestLoadDecryptsBackendKeys(t *testing.T) {
	enc, err := EncryptValue("sk-live", "hunter2")
	require.NoError(t, err)

	path := writeConfig(t, t.TempDir(), "fleetd.yaml", `
backends:
  - name: primary
    base_url: http://localhost:9000
    api_key: enc:`+enc+`
`)
	t.Setenv("FLEETD_CONFIG_KEY", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-live", cfg.Backends[0].APIKey)
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "backends.yaml", `
backends:
  - name: primary
    base_url: http://localhost:9000
`)
	path := writeConfig(t, dir, "fleetd.yaml", `
includes:
  - backends.yaml
fleet:
  max_workers: 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Fleet.MaxWorkers)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "primary", cfg.Backends[0].Name)
	assert.Empty(t, cfg.Includes)
}

func TestLoadIncludesMainWins(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
fleet:
  max_workers: 10
logger:
  level: warn
`)
	path := writeConfig(t, dir, "fleetd.yaml", `
includes:
  - base.yaml
fleet:
  max_workers: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	// Main config overrides the include; non-conflicting values survive.
	assert.Equal(t, 2, cfg.Fleet.MaxWorkers)
	assert.Equal(t, "warn", cfg.Logger.Level)
}

func TestLoadIncludesCircular(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "includes: [b.yaml]\n")
	writeConfig(t, dir, "b.yaml", "includes: [a.yaml]\n")
	path := writeConfig(t, dir, "fleetd.yaml", "includes: [a.yaml]\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular include")
}

func TestLoadIncludesEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "fleetd.yaml", "includes: [../outside.yaml]\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes config directory")
}
