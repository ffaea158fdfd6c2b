package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 80000, cfg.ProviderPageMax)
	assert.Equal(t, 5*time.Minute, cfg.PollInterval)
	assert.Equal(t, "10", cfg.StartThresholdPP.String())
	assert.Equal(t, "5", cfg.MinSessionDeltaPP.String())
	assert.Equal(t, 150.0, cfg.ExitRadiusM)
	assert.False(t, cfg.TouchOnlyWhileStopped)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("START_THRESHOLD_PP", "12.5")
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("LOOKBACK_POINTS", "25")
	t.Setenv("TOUCH_ONLY_WHILE_STOPPED", "true")

	cfg := Load()
	assert.Equal(t, "12.5", cfg.StartThresholdPP.String())
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 25, cfg.LookbackPoints)
	assert.True(t, cfg.TouchOnlyWhileStopped)
}

func TestGettersFallBackOnGarbage(t *testing.T) {
	t.Setenv("LOOKBACK_POINTS", "not-a-number")
	t.Setenv("POLL_INTERVAL", "soon")
	t.Setenv("START_THRESHOLD_PP", "lots")

	cfg := Load()
	assert.Equal(t, 10, cfg.LookbackPoints)
	assert.Equal(t, 5*time.Minute, cfg.PollInterval)
	assert.Equal(t, "10", cfg.StartThresholdPP.String())
}
