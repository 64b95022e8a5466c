package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plant-doctor/config"
	"plant-doctor/internal/api"
	"plant-doctor/internal/models"
	"plant-doctor/internal/session"
	"plant-doctor/internal/vision"
	"plant-doctor/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.API.BaseURL = "https://plants.test"
	cfg.Store.Driver = "memory"
	return cfg
}

func TestNewUsesBackendAnalyzer(t *testing.T) {
	app, err := New(context.Background(), testConfig(t), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	assert.IsType(t, &api.Client{}, app.Analyzer)
	assert.NotNil(t, app.Metrics)
}

func TestNewOpenAIAnalyzer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analyzer.Backend = "openai"

	_, err := New(context.Background(), cfg, logger.NewNop())
	assert.Error(t, err, "an API key is required")

	cfg.GPT.APIKey = "sk-test"
	app, err := New(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	assert.IsType(t, &vision.Analyzer{}, app.Analyzer)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "redis"
	_, err := New(context.Background(), cfg, logger.NewNop())
	assert.Error(t, err)
}

func TestChatSessionsAreIsolated(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "file"
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.json")

	app, err := New(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	ctx := context.Background()

	a, err := app.ChatSession(ctx, 1)
	require.NoError(t, err)
	a.Init(ctx)
	nursery := models.UserTypeNursery
	_, err = a.UpdateOnboarding(ctx, &nursery, []string{"ferns"}, false)
	require.NoError(t, err)

	b, err := app.ChatSession(ctx, 2)
	require.NoError(t, err)
	b.Init(ctx)

	assert.Equal(t, models.UserTypeNursery, a.Profile().UserType)
	assert.Empty(t, b.Profile().UserType)

	// each chat mints its own device id on its first save
	for _, s := range []*session.Session{a, b} {
		_, err := s.SaveScan(ctx, models.NewPendingScan(models.ModeIdentification, "tg://file/x", time.Now()))
		require.NoError(t, err)
	}
	require.NotEmpty(t, a.DeviceID())
	assert.NotEqual(t, a.DeviceID(), b.DeviceID())
}
