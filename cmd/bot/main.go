package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"plant-doctor/config"
	"plant-doctor/internal/bootstrap"
	"plant-doctor/internal/bot"
	"plant-doctor/internal/payment"
	"plant-doctor/internal/server"
	"plant-doctor/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Fatalw("Failed to load config", "error", err)
	}

	l := bootstrap.NewLogger(cfg)
	defer func() { _ = l.Sync() }()
	l.Infow("Starting Plant Doctor bot...")

	if err := cfg.ValidateBot(); err != nil {
		l.Fatalw("Invalid configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, cfg, l)
	if err != nil {
		l.Fatalw("Failed to initialize client core", "error", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			l.Errorw("Failed to close store", "error", err)
		}
	}()

	opts := bot.Options{
		AnalyzeTimeout: cfg.Timeouts.Analysis + cfg.Sync.SaveTimeout,
		Webhooks:       app.Metrics,
	}
	if cfg.PaymentsEnabled() {
		opts.Stripe = payment.NewStripeClient(payment.Config{
			SecretKey:  cfg.Stripe.SecretKey,
			PublicKey:  cfg.Stripe.PublicKey,
			WebhookKey: cfg.Stripe.WebhookKey,
			ProductID:  cfg.Stripe.ProductID,
			PriceID:    cfg.Stripe.PriceID,
		})
	} else {
		l.Warnw("Stripe is not configured, upgrades go straight to the backend")
	}

	telegramBot, err := bot.NewTelegramBot(cfg.Telegram.Token, app.ChatSession, opts, l)
	if err != nil {
		l.Fatalw("Failed to create Telegram bot", "error", err)
	}

	l.Infow("Starting Telegram bot...")
	if err := telegramBot.Start(ctx); err != nil {
		l.Fatalw("Failed to start Telegram bot", "error", err)
	}

	var webhook http.HandlerFunc
	if opts.Stripe != nil {
		webhook = telegramBot.HandleStripeWebhook
	}
	httpServer := server.NewServer(server.Options{
		Port:         cfg.Server.Port,
		Webhook:      webhook,
		Metrics:      app.Metrics.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, l)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Infow("Shutting down bot...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// stop taking webhooks before waiting for in-flight updates
	if err := httpServer.Stop(shutdownCtx); err != nil {
		l.Errorw("Error during HTTP server shutdown", "error", err)
	}
	if err := telegramBot.Stop(shutdownCtx); err != nil {
		l.Errorw("Error during bot shutdown", "error", err)
	}
	cancel()

	l.Infow("Bot stopped successfully")
}
