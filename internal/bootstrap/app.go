// Package bootstrap assembles the client core from configuration. Both
// front ends start here.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"plant-doctor/config"
	"plant-doctor/internal/api"
	"plant-doctor/internal/metrics"
	"plant-doctor/internal/session"
	"plant-doctor/internal/store"
	"plant-doctor/internal/vision"
	"plant-doctor/pkg/logger"
)

const storeAttempts = 5

type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	KV       store.KV
	API      *api.Client
	Analyzer session.Analyzer
	Metrics  *metrics.SyncMetrics
	Registry *prometheus.Registry
}

// NewLogger builds the logger described by cfg.Log.
func NewLogger(cfg *config.Config) *logger.Logger {
	return logger.NewWithOptions(logger.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
	})
}

// New opens the store and builds the API client and analyzer.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg, m, err := metrics.NewRegistry()
	if err != nil {
		return nil, err
	}

	kv, err := store.OpenWithRetry(ctx, storeOptions(cfg), storeAttempts, func(attempt int, err error) {
		log.Warnw("Failed to open store, retrying", "driver", cfg.Store.Driver, "attempt", attempt, "error", err)
	})
	if err != nil {
		return nil, err
	}

	client := api.New(api.Config{
		BaseURL:   cfg.API.BaseURL,
		UserAgent: cfg.API.UserAgent,
		Timeouts: api.Timeouts{
			Auth:     cfg.Timeouts.Auth,
			Metadata: cfg.Timeouts.Metadata,
			Analysis: cfg.Timeouts.Analysis,
			Upgrade:  cfg.Timeouts.Upgrade,
		},
		// the session clears the token it sent; the client is shared
		// between sessions and cannot know whose token was rejected
		OnUnauthorized: func() {
			log.Warnw("Backend rejected an access token")
		},
		IdentifyCacheTTL: cfg.Analyzer.CacheTTL,
		Observer:         m,
		Logger:           log,
	})

	app := &App{
		Config:   cfg,
		Logger:   log,
		KV:       kv,
		API:      client,
		Analyzer: client,
		Metrics:  m,
		Registry: reg,
	}
	if cfg.Analyzer.Backend == "openai" {
		if cfg.GPT.APIKey == "" {
			_ = kv.Close()
			return nil, fmt.Errorf("GPT API key is not configured")
		}
		app.Analyzer = vision.New(vision.Config{
			APIKey:  cfg.GPT.APIKey,
			Model:   cfg.GPT.Model,
			BaseURL: cfg.GPT.BaseURL,
			Logger:  log,
		})
	}

	log.Infow("Client core ready",
		"api", cfg.API.BaseURL,
		"store", cfg.Store.Driver,
		"analyzer", cfg.Analyzer.Backend,
	)
	return app, nil
}

func storeOptions(cfg *config.Config) store.Options {
	db := cfg.Store.DB
	return store.Options{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		Postgres: store.PostgresConfig{
			Host:         db.Host,
			Port:         db.Port,
			User:         db.User,
			Password:     db.Password,
			DBName:       db.DBName,
			SSLMode:      db.SSLMode,
			MaxOpenConns: db.MaxOpenConns,
			MaxIdleConns: db.MaxIdleConns,
			ConnLifetime: db.ConnLifetime,
		},
	}
}

// NewSession builds a session over kv with the configured sync settings.
func (a *App) NewSession(kv store.KV) *session.Session {
	s := a.Config.Sync
	local := store.NewLocal(kv, s.RemoteIDThreshold)
	return session.New(a.API, a.Analyzer, local, a.Logger,
		session.WithSessionTimeout(s.SessionTimeout),
		session.WithSaveTimeout(s.SaveTimeout),
		session.WithDuplicateWindow(s.DuplicateWindow),
		session.WithHistoryPageSize(s.HistoryPageSize),
		session.WithFreeScanLimit(s.FreeScanLimit),
		session.WithRecorder(a.Metrics),
	)
}

// DeviceSession is the single session of a local client.
func (a *App) DeviceSession() *session.Session {
	return a.NewSession(a.KV)
}

// ChatSession gives every bot chat its own namespace, so each chat acts as
// a separate device.
func (a *App) ChatSession(_ context.Context, chatID int64) (*session.Session, error) {
	return a.NewSession(store.Namespaced(a.KV, fmt.Sprintf("chat:%d", chatID))), nil
}

func (a *App) Close() error {
	return a.KV.Close()
}
