// Package backend defines the storage abstraction every repository sits
// on top of (spec §4.1): an opaque keyspace of short identifiers with
// durable single-key-atomic writes. Concrete drivers live in
// subpackages (memorybackend, dirbackend, sqlitebackend, redisbackend,
// s3backend, sftpbackend, rclonebackend) and register themselves with
// a Registry the way the teacher's chunk managers register with
// chunk.ManagerFactory.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"acidstore/internal/apierr"
)

// Backend is the storage contract a repository is opened against. All
// methods must be safe for concurrent use. A conforming backend
// guarantees that a single key's write is atomic (a reader observes
// either the value before the write or the value after, never a partial
// value) and durable once Write returns; it need not offer any
// consistency guarantee across distinct keys.
type Backend interface {
	// Write durably persists bytes under key, overwriting any existing
	// value. Returns an *apierr.Error with KindBackendUnavailable or
	// KindIO on failure.
	Write(ctx context.Context, key string, value []byte) error

	// Read returns the bytes stored under key, or KindNotFound if key
	// does not exist.
	Read(ctx context.Context, key string) ([]byte, error)

	// Remove deletes key. Removing a key that does not exist is not an
	// error.
	Remove(ctx context.Context, key string) error

	// List returns a snapshot of all keys currently present. The
	// snapshot need not be consistent with writes in flight during the
	// call.
	List(ctx context.Context) ([]string, error)

	// Close releases any resources (connections, file handles) held by
	// the backend.
	Close() error
}

// Factory constructs a Backend from string parameters, mirroring the
// teacher's chunk.ManagerFactory shape (map[string]string params plus an
// injected logger, never global config).
type Factory func(params map[string]string, logger *slog.Logger) (Backend, error)

// Registry maps a backend type name (e.g. "memory", "dir", "s3") to the
// Factory that constructs it. The zero value is ready to use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// Register adds a factory under name. Registering the same name twice
// replaces the previous factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	r.factories[name] = f
}

// New constructs a Backend of the given type using its registered
// factory.
func (r *Registry) New(name string, params map[string]string, logger *slog.Logger) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apierr.New("backend.Registry.New", apierr.KindInvalidArgument, fmt.Errorf("unknown backend type %q", name))
	}
	return f(params, logger)
}

// Names returns the sorted list of registered backend type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reserved key names used by the transaction manager and lock manager.
// Backend drivers must treat these as ordinary keys; the reservation is
// enforced by convention at the repository layer, not by the backend.
const (
	KeySuperblock        = "super"
	KeySuperblockStaging = "super.staging"
	KeyLock              = "lock"
)
