// Package leader gates the singleton workloads (orchestration, alerting)
// behind a database advisory lock so exactly one replica runs them at a time.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/martinothamar/altinn-tools-sub000/internal/config"
)

// ErrLeadershipLost is returned when the advisory lock session dies while the
// workload is running.
var ErrLeadershipLost = errors.New("leadership lost")

type (
	// Handle is a held leadership claim. Implemented by storage.LockHandle.
	Handle interface {
		Lost() <-chan struct{}
		Name() string
		Release() error
	}

	// AcquireFunc blocks until leadership is won or the context ends.
	// Implemented by storage.LockProvider.Acquire.
	AcquireFunc func(ctx context.Context, lockName string) (Handle, error)

	// WorkFunc is the leader-only workload. It must run until its context is
	// cancelled and then return promptly.
	WorkFunc func(ctx context.Context) error

	// Elector wins the named lock and supervises the workload while holding
	// it.
	Elector struct {
		lockName string
		acquire  AcquireFunc
		logger   *slog.Logger
	}
)

// NewElector creates an Elector for the given lock name.
func NewElector(lockName string, acquire AcquireFunc) (*Elector, error) {
	if lockName == "" {
		return nil, errors.New("lock name is required")
	}

	if acquire == nil {
		return nil, errors.New("acquire function is required")
	}

	return &Elector{
		lockName: lockName,
		acquire:  acquire,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Run acquires leadership and executes the workload for a single term. A
// lost lock session is fatal: the workload's context is cancelled the moment
// the session is detected dead and ErrLeadershipLost is returned, so the
// caller terminates the process rather than keep a replica alive that no
// longer holds exclusivity.
func (e *Elector) Run(ctx context.Context, work WorkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return e.lead(ctx, work)
}

// lead is one term: win the lock, run the workload, release. A release
// failure is a lock consistency fault and surfaces alongside the term's
// outcome instead of being swallowed.
func (e *Elector) lead(ctx context.Context, work WorkFunc) (err error) {
	e.logger.Info("awaiting leadership", slog.String("lock", e.lockName))

	handle, err := e.acquire(ctx, e.lockName)
	if err != nil {
		return fmt.Errorf("acquiring leadership: %w", err)
	}

	defer func() {
		if releaseErr := handle.Release(); releaseErr != nil {
			err = errors.Join(err, fmt.Errorf("releasing leadership lock %q: %w", e.lockName, releaseErr))
		}
	}()

	e.logger.Info("leadership acquired", slog.String("lock", e.lockName))

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- work(workCtx)
	}()

	select {
	case <-handle.Lost():
		e.logger.Warn("leadership lost, shutting down", slog.String("lock", e.lockName))
		cancel()
		<-done

		return ErrLeadershipLost
	case err := <-done:
		return err
	}
}
