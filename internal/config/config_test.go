package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VIZ_ADDR", ":9090")

	cfg, err := Load("does-not-exist.env")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, BrowserLocal, cfg.BrowserMode)
	assert.Equal(t, time.Minute, cfg.MinPollInterval)
	assert.InDelta(t, 0.005, cfg.DiffThreshold, 1e-9)
	assert.Equal(t, 2, cfg.CrawlConcurrency)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.False(t, cfg.TrustProxy)
}

func TestLoadRejectsShortPollFloor(t *testing.T) {
	t.Setenv("VIZ_MIN_POLL_INTERVAL", "10s")

	_, err := Load("does-not-exist.env")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPollIntervalTooShort)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			BrowserMode:      BrowserLocal,
			DiffThreshold:    0.005,
			MinPollInterval:  time.Minute,
			MaxSessions:      4,
			CrawlConcurrency: 2,
			CrawlMaxPages:    10,
			NavTimeout:       time.Second,
			ActionTimeout:    time.Second,
			AnalysisTimeout:  time.Second,
			RateLimitPerHour: 100,
			RateLimitBurst:   10,
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold zero", func(c *Config) { c.DiffThreshold = 0 }},
		{"threshold one", func(c *Config) { c.DiffThreshold = 1 }},
		{"unknown mode", func(c *Config) { c.BrowserMode = "remote" }},
		{"no sessions", func(c *Config) { c.MaxSessions = 0 }},
		{"no concurrency", func(c *Config) { c.CrawlConcurrency = 0 }},
		{"negative delay", func(c *Config) { c.CrawlDelay = -time.Second }},
		{"no nav timeout", func(c *Config) { c.NavTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCheckPollInterval(t *testing.T) {
	cfg := &Config{MinPollInterval: 2 * time.Minute}
	assert.ErrorIs(t, cfg.CheckPollInterval(time.Minute), ErrPollIntervalTooShort)
	assert.NoError(t, cfg.CheckPollInterval(5*time.Minute))
}
