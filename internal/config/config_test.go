package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwco/farecast/internal/errs"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.Pipeline.ScheduleCadence.Std())
	assert.Equal(t, 600*time.Second, cfg.Pipeline.Phase1Timeout.Std())
	assert.Equal(t, 300*time.Second, cfg.Pipeline.Phase2Timeout.Std())
	assert.Equal(t, 1200*time.Second, cfg.Pipeline.OverallTimeout.Std())
	assert.Equal(t, 20, cfg.Pipeline.TopNRules)
	assert.Equal(t, 5, cfg.Pipeline.MaxComboSize)
	assert.Equal(t, 0.5, cfg.Pipeline.MultiplierClampMin)
	assert.Equal(t, 3.0, cfg.Pipeline.MultiplierClampMax)
	assert.False(t, cfg.Pipeline.RunOnStartup)
	assert.True(t, cfg.Pipeline.AutoRetrain)

	assert.InDelta(t, 0.6, cfg.Elasticity.Gold, 1e-9)
	assert.InDelta(t, 1.4, cfg.Elasticity.Regular, 1e-9)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "farecast.yaml")
	body := `
pipeline:
  schedule_cadence: 30m
  top_n_rules: 10
  max_combo_size: 3
elasticity:
  gold: 0.5
database:
  dsn: postgres://localhost/farecast_test
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Pipeline.ScheduleCadence.Std())
	assert.Equal(t, 10, cfg.Pipeline.TopNRules)
	assert.Equal(t, 3, cfg.Pipeline.MaxComboSize)
	assert.InDelta(t, 0.5, cfg.Elasticity.Gold, 1e-9)
	assert.Equal(t, "postgres://localhost/farecast_test", cfg.Database.DSN)

	// Untouched keys keep their defaults.
	assert.Equal(t, 1200*time.Second, cfg.Pipeline.OverallTimeout.Std())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FARECAST_DATABASE_DSN", "postgres://env/db")
	t.Setenv("FARECAST_SCHEDULE_CADENCE", "15m")
	t.Setenv("FARECAST_AUTO_RETRAIN", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Database.DSN)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.ScheduleCadence.Std())
	assert.False(t, cfg.Pipeline.AutoRetrain)
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cadence", func(c *Config) { c.Pipeline.ScheduleCadence = 0 }},
		{"bad combo sizes", func(c *Config) { c.Pipeline.MinComboSize = 4; c.Pipeline.MaxComboSize = 2 }},
		{"bad clamp", func(c *Config) { c.Pipeline.MultiplierClampMin = 2; c.Pipeline.MultiplierClampMax = 1 }},
		{"bad elasticity band", func(c *Config) { c.Elasticity.Min = 0 }},
		{"zero top_n", func(c *Config) { c.Pipeline.TopNRules = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindConfig))
		})
	}
}

func TestMissingFileIsConfigError(t *testing.T) {
	_, err := Load("/nonexistent/farecast.yaml")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
}

func TestDurationSecondsForm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	body := "pipeline:\n  phase1_timeout: 90\n  phase2_timeout: 2.5\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.Phase1Timeout.Std())
	assert.Equal(t, 2500*time.Millisecond, cfg.Pipeline.Phase2Timeout.Std())
}
