package store

import (
	"context"
	"sync/atomic"

	"github.com/patrickmn/go-cache"
)

// MemoryKV keeps values in process memory. Nothing expires.
type MemoryKV struct {
	c      *cache.Cache
	closed atomic.Bool
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{c: cache.New(cache.NoExpiration, 0)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	if m.closed.Load() {
		return "", false, ErrClosed
	}
	v, ok := m.c.Get(key)
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.c.Set(key, value, cache.NoExpiration)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.c.Delete(key)
	return nil
}

func (m *MemoryKV) Close() error {
	m.closed.Store(true)
	return nil
}
