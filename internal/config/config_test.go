package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/lifeline/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	require.NoError(t, err)

	assert.True(t, cfg.NeedsInit)
	assert.Equal(t, filepath.Join(home, "lifeline.db"), cfg.DBPath)
	assert.Equal(t, 60, cfg.TickIntervalSeconds)
	assert.Equal(t, 3600, cfg.ZeroBalanceGraceSeconds)
	assert.Equal(t, config.Thresholds{Critical: 1000, LowCompute: 5000, Normal: 10000}, cfg.Thresholds)
}

func TestLoadFrom_YAMLAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.ConfigPath(home), `
log_level: DEBUG
tick_interval_seconds: 15
thresholds:
  critical: 10
  low_compute: 50
  normal: 100
oracle:
  primary:
    kind: http
    url: https://wallet.example/balance
  secondary:
    kind: static
    static: 42
`)
	t.Setenv("LIFELINE_TICK_INTERVAL_SECONDS", "30")
	t.Setenv("LIFELINE_THRESHOLDS_CRITICAL", "20")

	cfg, err := config.LoadFrom(home)
	require.NoError(t, err)

	assert.False(t, cfg.NeedsInit)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30, cfg.TickIntervalSeconds)
	assert.Equal(t, 20.0, cfg.Thresholds.Critical)
	assert.Equal(t, 50.0, cfg.Thresholds.LowCompute)
	assert.Equal(t, "http", cfg.Oracle.Primary.Kind)
	assert.Equal(t, "balance", cfg.Oracle.Primary.Field, "http oracle field defaults to balance")
	assert.Equal(t, 10, cfg.Oracle.Primary.TimeoutSeconds)
	assert.Equal(t, 42.0, cfg.Oracle.Secondary.Static)
}

func TestLoadFrom_DotEnv(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, ".env"), "LIFELINE_INSTANCE_ID=from-dotenv\n")
	t.Cleanup(func() { _ = os.Unsetenv("LIFELINE_INSTANCE_ID") })

	cfg, err := config.LoadFrom(home)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.InstanceID)
}

func TestLoadFrom_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"thresholds out of order": "thresholds:\n  critical: 500\n  low_compute: 100\n  normal: 1000\n",
		"http oracle without url": "oracle:\n  primary:\n    kind: http\n",
		"unknown oracle kind":     "oracle:\n  primary:\n    kind: carrier-pigeon\n",
		"bad log level":           "log_level: loud\n",
		"telegram without token":  "telegram:\n  enabled: true\n",
		"otel sample rate":        "otel:\n  sample_rate: 2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			writeFile(t, config.ConfigPath(home), body)
			_, err := config.LoadFrom(home)
			assert.Error(t, err)
		})
	}
}

func TestLoadFrom_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.ConfigPath(home), "thresholds: [unclosed\n")
	_, err := config.LoadFrom(home)
	assert.ErrorContains(t, err, "parse config.yaml")
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, config.WriteDefault(home))
	cfg, err := config.LoadFrom(home)
	require.NoError(t, err)
	assert.Equal(t, "static", cfg.Oracle.Primary.Kind)
	assert.False(t, cfg.NeedsInit)

	// A second call never clobbers operator edits.
	writeFile(t, config.ConfigPath(home), "tick_interval_seconds: 5\n")
	require.NoError(t, config.WriteDefault(home))
	cfg, err = config.LoadFrom(home)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.TickIntervalSeconds)
}

func TestFingerprint_ChangesWithThresholds(t *testing.T) {
	a, err := config.LoadFrom(t.TempDir())
	require.NoError(t, err)
	b := a
	b.Thresholds.Critical = 1
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, a.Fingerprint(), a.Fingerprint())
}
