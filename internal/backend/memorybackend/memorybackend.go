// Package memorybackend implements an in-process backend.Backend useful
// for tests and for repositories that are intentionally ephemeral (spec
// §4.1's keyspace contract, held in a plain map).
package memorybackend

import (
	"context"
	"log/slog"
	"sync"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
)

// Backend stores all keys in memory behind a sync.RWMutex. Nothing
// survives process exit.
type Backend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

// Factory adapts New to backend.Factory for registration with a
// backend.Registry. No parameters are required.
func Factory(params map[string]string, logger *slog.Logger) (backend.Backend, error) {
	return New(), nil
}

func (b *Backend) Write(ctx context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	b.mu.Lock()
	b.data[key] = cp
	b.mu.Unlock()
	return nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	v, ok := b.data[key]
	b.mu.RUnlock()
	if !ok {
		return nil, apierr.New("memorybackend.Read", apierr.KindNotFound, nil)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	b.mu.Lock()
	delete(b.data, key)
	b.mu.Unlock()
	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (b *Backend) Close() error { return nil }
