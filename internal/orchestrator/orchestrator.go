// Package orchestrator discovers service owners and runs one polling loop per
// tenant against the external telemetry source, persisting every batch through
// the idempotent repository and publishing it on a bounded result stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/martinothamar/altinn-tools-sub000/internal/catalog"
	"github.com/martinothamar/altinn-tools-sub000/internal/clock"
	"github.com/martinothamar/altinn-tools-sub000/internal/config"
	"github.com/martinothamar/altinn-tools-sub000/internal/monitoring"
)

// ErrMissingDependency is returned when the orchestrator is constructed
// without one of its collaborators.
var ErrMissingDependency = errors.New("orchestrator dependency missing")

type (
	// Discoverer supplies the current tenant set. Must be safe to call
	// repeatedly; a transient failure is never escalated past one tick.
	Discoverer interface {
		Discover(ctx context.Context) ([]monitoring.ServiceOwner, error)
	}

	// TelemetrySource queries the external telemetry backend for one tenant,
	// query and time window. The outer slice holds one inner list per source
	// table; the orchestrator flattens and stamps the result.
	TelemetrySource interface {
		Query(
			ctx context.Context,
			owner monitoring.ServiceOwner,
			query catalog.Query,
			from, to time.Time,
		) ([][]monitoring.TelemetryEntity, error)
	}

	// Repository is the cursor/telemetry persistence surface.
	// Implemented by storage.TelemetryStore.
	Repository interface {
		ReadCursor(ctx context.Context, owner monitoring.ServiceOwner, query catalog.Query) (time.Time, bool, error)
		InsertTelemetry(
			ctx context.Context,
			owner monitoring.ServiceOwner,
			query catalog.Query,
			searchTo time.Time,
			batch []monitoring.TelemetryEntity,
		) (int, error)
	}

	// PollResult is one completed poll for one (tenant, query) pair.
	PollResult struct {
		ServiceOwner monitoring.ServiceOwner
		Query        catalog.Query
		SearchFrom   time.Time
		SearchTo     time.Time
		Telemetry    []monitoring.TelemetryEntity
		Written      int
	}

	// Orchestrator supervises the discovery loop and the per-tenant pollers.
	Orchestrator struct {
		cfg        *Config
		discoverer Discoverer
		source     TelemetrySource
		repo       Repository
		queries    []catalog.Query
		clk        clock.Clock
		logger     *slog.Logger

		mu      sync.Mutex
		pollers map[monitoring.ServiceOwner]*poller

		results   chan PollResult
		fatal     chan error
		cancel    context.CancelFunc
		wg        sync.WaitGroup
		startOnce sync.Once
		stopOnce  sync.Once
	}
)

// New creates an Orchestrator. All collaborators are required.
func New(
	cfg *Config,
	discoverer Discoverer,
	source TelemetrySource,
	repo Repository,
	cat *catalog.Catalog,
	clk clock.Clock,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if discoverer == nil || source == nil || repo == nil || cat == nil || clk == nil {
		return nil, ErrMissingDependency
	}

	return &Orchestrator{
		cfg:        cfg,
		discoverer: discoverer,
		source:     source,
		repo:       repo,
		queries:    cat.Queries(),
		clk:        clk,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		pollers: make(map[monitoring.ServiceOwner]*poller),
		results: make(chan PollResult, cfg.StreamCapacity),
		fatal:   make(chan error, 1),
	}, nil
}

// Start launches the discovery loop. An Orchestrator is single-use: calls
// after the first, or after Stop, are no-ops. Resuming after Stop takes a
// fresh Orchestrator.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		o.cancel = cancel

		o.logger.Info("Orchestrator started",
			slog.Duration("discovery_interval", o.cfg.DiscoveryInterval),
			slog.Duration("poll_interval", o.cfg.PollInterval),
			slog.Int("queries", len(o.queries)),
		)

		o.wg.Add(1)

		go o.discoveryLoop(runCtx)
	})
}

// Stop cancels both loops and awaits every spawned worker before returning.
// No detached work survives Stop.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}

		o.wg.Wait()
		close(o.results)

		o.logger.Info("Orchestrator stopped")
	})
}

// Results is the bounded poll-result stream. Per-tenant order is preserved;
// global order is not. Under backpressure the oldest result is dropped -
// staleness of the observability stream is preferable to blocking ingestion.
// The channel is closed by Stop.
func (o *Orchestrator) Results() <-chan PollResult {
	return o.results
}

// Fatal signals an unhandled fault in the discovery loop or a poller's outer
// loop. Receivers should trigger orderly application shutdown; crash-and-
// restart is the recovery strategy, with the cursor making restart resumable.
func (o *Orchestrator) Fatal() <-chan error {
	return o.fatal
}

// WorkerStates returns a snapshot of each tenant worker's lifecycle state.
func (o *Orchestrator) WorkerStates() map[monitoring.ServiceOwner]WorkerState {
	o.mu.Lock()
	defer o.mu.Unlock()

	states := make(map[monitoring.ServiceOwner]WorkerState, len(o.pollers))
	for owner, p := range o.pollers {
		states[owner] = p.state()
	}

	return states
}

// discoveryLoop finds tenants on a fixed interval and lazily starts one
// poller per newly seen tenant. A tenant disappearing from discovery never
// tears down its healthy worker: a crashed discovery call must not stop
// ingestion.
func (o *Orchestrator) discoveryLoop(ctx context.Context) {
	defer o.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			o.reportFatal(fmt.Errorf("discovery loop panicked: %v", r))
		}
	}()

	o.discoverOnce(ctx)

	ticker := o.clk.NewTicker(o.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			o.discoverOnce(ctx)
		}
	}
}

func (o *Orchestrator) discoverOnce(ctx context.Context) {
	owners, err := o.discoverer.Discover(ctx)
	if err != nil {
		// Transient: skip this tick, existing pollers keep running.
		o.logger.Warn("service owner discovery failed", slog.String("error", err.Error()))

		return
	}

	for _, owner := range owners {
		o.ensurePoller(ctx, owner)
	}
}

// ensurePoller starts a poller for the tenant unless one is already running.
func (o *Orchestrator) ensurePoller(ctx context.Context, owner monitoring.ServiceOwner) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.pollers[owner]; exists {
		return
	}

	p := newPoller(owner)
	o.pollers[owner] = p

	o.wg.Add(1)

	go p.run(ctx, o)

	o.logger.Info("started tenant poller", slog.String("service_owner", owner.String()))
}

// publish places a result on the bounded stream, dropping the oldest entry
// under backpressure.
func (o *Orchestrator) publish(result PollResult) {
	select {
	case o.results <- result:
		return
	default:
	}

	select {
	case <-o.results:
	default:
	}

	select {
	case o.results <- result:
	default:
	}
}

func (o *Orchestrator) reportFatal(err error) {
	select {
	case o.fatal <- err:
	default:
	}
}
