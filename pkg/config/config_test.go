package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultLoopInterval, cfg.LoopInterval)
	assert.Equal(t, DefaultMaxFollowups, cfg.MaxFollowups)
	assert.Equal(t, DefaultBackoffThreshold, cfg.BackoffThreshold)
	assert.Equal(t, DefaultAlwaysThinkEvery, cfg.AlwaysThinkEvery)
	assert.Equal(t, DefaultGateMinScore, cfg.ConfidenceGateMinScore)
	assert.False(t, cfg.QuietHoursConfigured())
	assert.Equal(t, time.UTC, cfg.Location)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_LOOP_INTERVAL", "10m")
	t.Setenv("AGENT_LOOP_MAX_FOLLOWUPS", "3")
	t.Setenv("QUIET_START", "23")
	t.Setenv("QUIET_END", "8")
	t.Setenv("DAILY_COST_LIMIT", "2.50")
	t.Setenv("COST_TRACKING_DISABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.LoopInterval)
	assert.Equal(t, 3, cfg.MaxFollowups)
	assert.True(t, cfg.QuietHoursConfigured())
	assert.InDelta(t, 2.50, cfg.DailyCostLimit, 1e-9)
	assert.True(t, cfg.CostTrackingDisabled)
}

func TestLoadBareMinuteInterval(t *testing.T) {
	t.Setenv("AGENT_LOOP_INTERVAL", "12")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12*time.Minute, cfg.LoopInterval)
}

func TestLoadYAMLOverlayWithEnvExpansion(t *testing.T) {
	t.Setenv("PERCH_TEST_MODEL", "claude-sonnet-test")
	dir := t.TempDir()
	path := filepath.Join(dir, "perch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"sonnet_model: \"{{.PERCH_TEST_MODEL}}\"\nquiet_start: 22\nquiet_end: 7\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-test", cfg.SonnetModel)
	assert.Equal(t, 22, cfg.QuietStart)
}

func TestLoadRejectsBadQuietHour(t *testing.T) {
	t.Setenv("QUIET_START", "25")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	t.Setenv("TIMEZONE", "Not/AZone")
	_, err := Load("")
	require.Error(t, err)
}
