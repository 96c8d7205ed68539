package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/martinothamar/altinn-tools-sub000/internal/config"
)

const (
	defaultAcquireRetryInterval = 10 * time.Second
	defaultKeepaliveInterval    = 15 * time.Second
	lockCallTimeout             = 5 * time.Second
)

// Sentinel errors for advisory lock operations.
var (
	// ErrLockNotHeld is returned when pg_advisory_unlock reports the lock was
	// not held by this session. This is a consistency error, never swallowed:
	// it implies another process may already believe it holds exclusivity.
	ErrLockNotHeld = errors.New("advisory lock was not held at release")

	// ErrLockAcquireFailed is returned when the try-lock call itself fails.
	ErrLockAcquireFailed = errors.New("advisory lock acquisition failed")
)

type (
	// LockProvider hands out process-wide mutual-exclusion locks backed by
	// PostgreSQL session-scoped advisory locks.
	//
	// Each acquired lock owns a dedicated pool connection for its lifetime.
	// If that session drops, the server releases the advisory lock on its
	// own; the returned LockHandle surfaces this as a lock-lost signal so
	// holders stop acting under a false assumption of exclusivity.
	LockProvider struct {
		conn              *Connection
		logger            *slog.Logger
		retryInterval     time.Duration
		keepaliveInterval time.Duration
	}

	// LockProviderOption configures optional LockProvider behavior.
	LockProviderOption func(*LockProvider)

	// LockHandle represents a held advisory lock.
	//
	// Release must be called exactly once on every exit path. Lost is closed
	// if the underlying session breaks while the lock is held.
	LockHandle struct {
		name        string
		key         int64
		session     *sql.Conn
		logger      *slog.Logger
		lost        chan struct{}
		stopWatch   chan struct{}
		watchDone   chan struct{}
		releaseOnce sync.Once
	}
)

// WithAcquireRetryInterval overrides how often Acquire re-attempts the try-lock call.
func WithAcquireRetryInterval(d time.Duration) LockProviderOption {
	return func(p *LockProvider) {
		p.retryInterval = d
	}
}

// WithKeepaliveInterval overrides how often a held lock's session is probed.
func WithKeepaliveInterval(d time.Duration) LockProviderOption {
	return func(p *LockProvider) {
		p.keepaliveInterval = d
	}
}

// NewLockProvider creates an advisory-lock provider over the shared pool.
func NewLockProvider(conn *Connection, opts ...LockProviderOption) (*LockProvider, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	provider := &LockProvider{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		retryInterval:     defaultAcquireRetryInterval,
		keepaliveInterval: defaultKeepaliveInterval,
	}

	for _, opt := range opts {
		opt(provider)
	}

	return provider, nil
}

// lockKey derives the stable 64-bit advisory lock key for a logical lock name.
func lockKey(lockName string) int64 {
	sum := sha256.Sum256([]byte(lockName))

	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// TryAcquire attempts to take the named lock without blocking.
// Returns (nil, nil) when another session holds it.
func (p *LockProvider) TryAcquire(ctx context.Context, lockName string) (*LockHandle, error) {
	key := lockKey(lockName)

	session, err := p.conn.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to check out session: %w", ErrLockAcquireFailed, err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockCallTimeout)
	defer cancel()

	var acquired bool
	if err := session.QueryRowContext(lockCtx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		_ = session.Close()

		return nil, fmt.Errorf("%w: %w", ErrLockAcquireFailed, err)
	}

	if !acquired {
		_ = session.Close()

		return nil, nil
	}

	handle := &LockHandle{
		name:      lockName,
		key:       key,
		session:   session,
		logger:    p.logger,
		lost:      make(chan struct{}),
		stopWatch: make(chan struct{}),
		watchDone: make(chan struct{}),
	}

	go handle.watch(p.keepaliveInterval)

	p.logger.Info("Acquired advisory lock",
		slog.String("lock_name", lockName),
		slog.Int64("lock_key", key),
	)

	return handle, nil
}

// Acquire blocks until the named lock is held or ctx is cancelled,
// re-attempting on a fixed interval.
func (p *LockProvider) Acquire(ctx context.Context, lockName string) (*LockHandle, error) {
	ticker := time.NewTicker(p.retryInterval)
	defer ticker.Stop()

	for {
		handle, err := p.TryAcquire(ctx, lockName)
		if err != nil {
			return nil, err
		}

		if handle != nil {
			return handle, nil
		}

		p.logger.Debug("Advisory lock contended, retrying",
			slog.String("lock_name", lockName),
			slog.Duration("retry_interval", p.retryInterval),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrLockAcquireFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Lost is closed if the lock's database session breaks while held.
// Dependents treat this as a cancellation source, equivalent to fatal error.
func (h *LockHandle) Lost() <-chan struct{} {
	return h.lost
}

// Name returns the logical lock name.
func (h *LockHandle) Name() string {
	return h.name
}

// Release unlocks and returns the session to the pool. Safe to call once per
// handle on every exit path; repeated calls are no-ops.
//
// If the unlock call reports the lock was not held - typically because the
// session already broke and the server released it - Release returns
// ErrLockNotHeld. Callers must treat that as fatal, not as a cleanup quirk.
func (h *LockHandle) Release() error {
	var releaseErr error

	h.releaseOnce.Do(func() {
		close(h.stopWatch)
		<-h.watchDone

		ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
		defer cancel()

		var released bool

		err := h.session.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, h.key).Scan(&released)

		_ = h.session.Close()

		switch {
		case err != nil:
			releaseErr = fmt.Errorf("%w: unlock call failed for %q: %w", ErrLockNotHeld, h.name, err)
		case !released:
			releaseErr = fmt.Errorf("%w: %q", ErrLockNotHeld, h.name)
		default:
			h.logger.Info("Released advisory lock", slog.String("lock_name", h.name))
		}
	})

	return releaseErr
}

// watch probes the lock's session until Release stops it. A failed probe
// means the session (and therefore the server-side lock) is gone; the lost
// channel is closed exactly once and the watcher exits.
func (h *LockHandle) watch(interval time.Duration) {
	defer close(h.watchDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopWatch:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
			_, err := h.session.ExecContext(ctx, `SELECT 1`)

			cancel()

			if err != nil {
				h.logger.Error("Advisory lock session lost",
					slog.String("lock_name", h.name),
					slog.String("error", err.Error()),
				)
				close(h.lost)

				return
			}
		}
	}
}
