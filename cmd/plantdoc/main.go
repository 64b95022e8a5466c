package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plant-doctor/config"
	"plant-doctor/internal/bootstrap"
	"plant-doctor/internal/cli"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// keep the terminal for command output unless asked otherwise
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.Log.Level = "warn"
	}
	l := bootstrap.NewLogger(cfg)
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &cli.Env{
		Logger:     l,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Open: func(ctx context.Context) (cli.Client, func() error, error) {
			app, err := bootstrap.New(ctx, cfg, l)
			if err != nil {
				return nil, nil, err
			}
			return app.DeviceSession(), app.Close, nil
		},
	}

	if err := cli.RootCommand(env).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
