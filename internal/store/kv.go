// Package store persists client state in a key-value backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCorrupt wraps decode failures of persisted values.
	ErrCorrupt = errors.New("corrupt stored value")
	ErrClosed  = errors.New("store closed")
)

// KV is a durable string key-value store. Get reports absence with ok=false
// and a nil error.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver string
	// Path is the JSON file for "file" and the database file for "sqlite".
	Path     string
	Postgres PostgresConfig
}

// Open builds the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch opts.Driver {
	case "", "file":
		return NewFileKV(opts.Path)
	case "memory":
		return NewMemoryKV(), nil
	case "sqlite":
		return NewSQLiteKV(opts.Path)
	case "postgres":
		return NewPostgresKV(ctx, opts.Postgres)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// OpenWithRetry retries Open with a linear backoff. Useful for database
// backends that may come up after the client.
func OpenWithRetry(ctx context.Context, opts Options, attempts int, onRetry func(attempt int, err error)) (KV, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		kv, err := Open(ctx, opts)
		if err == nil {
			return kv, nil
		}
		lastErr = err
		if onRetry != nil {
			onRetry(i+1, err)
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return nil, fmt.Errorf("failed to open %s store after %d attempts: %w", opts.Driver, attempts, lastErr)
}

type namespaced struct {
	KV
	prefix string
}

// Namespaced scopes every key of kv under prefix. Closing the view leaves
// kv open.
func Namespaced(kv KV, prefix string) KV {
	return &namespaced{KV: kv, prefix: prefix + ":"}
}

func (n *namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.KV.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key, value string) error {
	return n.KV.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.KV.Delete(ctx, n.prefix+key)
}

// Close is a no-op for views; the shared backend is closed by its owner.
func (n *namespaced) Close() error { return nil }
