package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5*time.Second, cfg.Timeouts.Metadata)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.Analysis)
	assert.Equal(t, 5*time.Second, cfg.Sync.DuplicateWindow)
	assert.Equal(t, int64(1_000_000_000), cfg.Sync.RemoteIDThreshold)
	assert.Equal(t, 1, cfg.Sync.FreeScanLimit)
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, "api", cfg.Analyzer.Backend)
	assert.NoError(t, cfg.Validate())
	assert.False(t, cfg.PaymentsEnabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.API.BaseURL = "" }},
		{"bad base url", func(c *Config) { c.API.BaseURL = "not a url" }},
		{"unknown store", func(c *Config) { c.Store.Driver = "redis" }},
		{"unknown analyzer", func(c *Config) { c.Analyzer.Backend = "magic" }},
		{"zero timeout", func(c *Config) { c.Timeouts.Auth = 0 }},
		{"huge page", func(c *Config) { c.Sync.HistoryPageSize = 10_000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateBot(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateBot(), "token required")

	cfg.Telegram.Token = "123:abc"
	assert.NoError(t, cfg.ValidateBot())

	cfg.Analyzer.Backend = "openai"
	assert.Error(t, cfg.ValidateBot(), "openai needs a key")
	cfg.GPT.APIKey = "sk-test"
	assert.NoError(t, cfg.ValidateBot())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PLANT_API_URL", "https://staging.plants.test")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	t.Setenv("STRIPE_WEBHOOK_KEY", "whsec_test")
	t.Setenv("STRIPE_PRICE_ID", "price_1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://staging.plants.test", cfg.API.BaseURL)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.True(t, cfg.PaymentsEnabled())
	assert.NoError(t, cfg.ValidateBot())
}
