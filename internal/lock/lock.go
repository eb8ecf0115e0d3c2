// Package lock implements the instance lock (spec §4.7): a short-lived
// sentinel written to a reserved backend key at open time, refreshed
// periodically, and removed on close. It provides mutual exclusion
// between cooperating clients sharing one backend — not a fence against
// a malicious or compromised writer.
//
// The freshness/grace-period check mirrors the teacher's
// internal/cluster.PeerState TTL pattern (time.Since(receivedAt) > ttl);
// here "receivedAt" is the sentinel's own embedded timestamp rather than
// a broadcast-receipt time.
package lock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
	"acidstore/internal/logging"
)

// DefaultGracePeriod is how long a sentinel may go unrefreshed before it
// is considered stale.
const DefaultGracePeriod = 30 * time.Second

const sentinelSize = 16 + 8 // uuid + unix nanos (int64 LE)

// sentinel is the lock record written to the backend's reserved "lock"
// key: a random instance UUID plus the time it was written.
type sentinel struct {
	instanceID uuid.UUID
	writtenAt  time.Time
}

func encodeSentinel(s sentinel) []byte {
	buf := make([]byte, sentinelSize)
	copy(buf[:16], s.instanceID[:])
	binary.LittleEndian.PutUint64(buf[16:], uint64(s.writtenAt.UnixNano()))
	return buf
}

func decodeSentinel(data []byte) (sentinel, error) {
	if len(data) != sentinelSize {
		return sentinel{}, apierr.New("lock.decodeSentinel", apierr.KindCorrupt, fmt.Errorf("sentinel wrong size: got %d, want %d", len(data), sentinelSize))
	}
	var s sentinel
	copy(s.instanceID[:], data[:16])
	s.writtenAt = time.Unix(0, int64(binary.LittleEndian.Uint64(data[16:])))
	return s, nil
}

// Lock is a held instance lock. Close releases it.
type Lock struct {
	backend     backend.Backend
	instanceID  uuid.UUID
	gracePeriod time.Duration
	logger      *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// Config controls Acquire's behavior.
type Config struct {
	GracePeriod time.Duration
	// ForceIfStale clears an existing sentinel older than GracePeriod
	// instead of failing; the caller opts in explicitly (spec §4.7:
	// "forcibly cleared by caller opt-in").
	ForceIfStale bool
	Logger       *slog.Logger
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Acquire attempts to take the instance lock on be. Fails with
// apierr.ErrLocked if a fresh sentinel is present. If the existing
// sentinel is stale (older than cfg.GracePeriod) and cfg.ForceIfStale is
// false, fails with apierr.ErrStaleLock so the caller can decide whether
// to retry with ForceIfStale set.
func Acquire(ctx context.Context, be backend.Backend, cfg Config) (*Lock, error) {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.Default(cfg.Logger).With("component", "lock")

	existing, err := be.Read(ctx, backend.KeyLock)
	if err == nil {
		s, decodeErr := decodeSentinel(existing)
		if decodeErr == nil {
			fresh := cfg.Now().Sub(s.writtenAt) <= cfg.GracePeriod
			if fresh {
				return nil, apierr.New("lock.Acquire", apierr.KindLocked, fmt.Errorf("instance %s holds a fresh lock", s.instanceID))
			}
			if !cfg.ForceIfStale {
				return nil, apierr.New("lock.Acquire", apierr.KindStaleLock, fmt.Errorf("instance %s's lock is stale (age %s)", s.instanceID, cfg.Now().Sub(s.writtenAt)))
			}
			logger.Warn("forcibly clearing stale lock", "stale_instance", s.instanceID, "age", cfg.Now().Sub(s.writtenAt))
		}
		// A corrupt sentinel is treated as absent: we cannot trust its
		// freshness, but refusing to ever acquire the lock again would
		// strand the repository, so we overwrite it.
	} else if !errors.Is(err, apierr.ErrNotFound) {
		return nil, err
	}

	instanceID := uuid.New()
	if err := writeSentinel(ctx, be, instanceID, cfg.Now()); err != nil {
		return nil, err
	}

	l := &Lock{
		backend:     be,
		instanceID:  instanceID,
		gracePeriod: cfg.GracePeriod,
		logger:      logger,
		stopCh:      make(chan struct{}),
		now:         cfg.Now,
	}
	l.startRefresh()
	return l, nil
}

func writeSentinel(ctx context.Context, be backend.Backend, instanceID uuid.UUID, now time.Time) error {
	return be.Write(ctx, backend.KeyLock, encodeSentinel(sentinel{instanceID: instanceID, writtenAt: now}))
}

// startRefresh runs a ticker goroutine that rewrites the sentinel at
// gracePeriod/3, keeping it fresh for the instance's lifetime. Stopped
// by Close.
func (l *Lock) startRefresh() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.gracePeriod / 3)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), l.gracePeriod/3)
				if err := writeSentinel(ctx, l.backend, l.instanceID, l.now()); err != nil {
					l.logger.Warn("failed to refresh instance lock", "err", err)
				}
				cancel()
			}
		}
	}()
}

// Close stops the refresh goroutine and removes the sentinel, releasing
// the lock.
func (l *Lock) Close(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	return l.backend.Remove(ctx, backend.KeyLock)
}

// InstanceID returns the random UUID this lock was acquired under.
func (l *Lock) InstanceID() uuid.UUID { return l.instanceID }
