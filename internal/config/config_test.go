package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// The tick and window knobs are documented as bare numbers. They must load
// exactly as written, without duration-unit suffixes.
func TestLoadAcceptsNumericEnvValues(t *testing.T) {
	t.Setenv("PRICE_TICK_INTERVAL_MS", "500")
	t.Setenv("ROLLING_WINDOW_HOURS", "3")
	t.Setenv("AUTH_SECRET_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 500, cfg.Price.TickIntervalMS)
	require.Equal(t, 500*time.Millisecond, cfg.Price.TickInterval())
	require.Equal(t, 3*time.Hour, cfg.Price.WindowAge())
}

func validConfig() *Config {
	return &Config{
		Whale: WhaleConfig{ThresholdBTC: 100, CacheMaxSize: 50000},
		Price: PriceConfig{TickIntervalMS: 500, WindowHours: 3, MinSamples: 1000},
		WS:    WSConfig{AuthEnabled: true, AuthSecretKey: "secret", QueueSize: 256},
		Tracker: TrackerConfig{
			RetentionDays: 90, WarnThreshold: 0.75, CritThreshold: 0.70,
		},
		Memory: MemoryConfig{SoftLimitMB: 400, HardLimitMB: 800},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero whale threshold", func(c *Config) { c.Whale.ThresholdBTC = 0 }},
		{"negative whale threshold", func(c *Config) { c.Whale.ThresholdBTC = -1 }},
		{"zero cache size", func(c *Config) { c.Whale.CacheMaxSize = 0 }},
		{"zero tick interval", func(c *Config) { c.Price.TickIntervalMS = 0 }},
		{"zero window hours", func(c *Config) { c.Price.WindowHours = 0 }},
		{"zero min samples", func(c *Config) { c.Price.MinSamples = 0 }},
		{"auth enabled without secret", func(c *Config) { c.WS.AuthSecretKey = "" }},
		{"zero queue size", func(c *Config) { c.WS.QueueSize = 0 }},
		{"zero retention", func(c *Config) { c.Tracker.RetentionDays = 0 }},
		{"crit above warn", func(c *Config) { c.Tracker.CritThreshold = 0.8 }},
		{"hard limit below soft", func(c *Config) { c.Memory.HardLimitMB = 100 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, models.ErrConfig)
		})
	}
}

func TestAuthDisabledNeedsNoSecret(t *testing.T) {
	cfg := validConfig()
	cfg.WS.AuthEnabled = false
	cfg.WS.AuthSecretKey = ""
	require.NoError(t, cfg.Validate())
}
