package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/martinothamar/altinn-tools-sub000/internal/catalog"
	"github.com/martinothamar/altinn-tools-sub000/internal/monitoring"
)

// WorkerState is the lifecycle state of one tenant poller.
type WorkerState int32

const (
	// WorkerNotStarted means the poller exists but its goroutine has not
	// begun running yet.
	WorkerNotStarted WorkerState = iota
	// WorkerRunning means the poll loop is active.
	WorkerRunning
	// WorkerCancelled means the poller exited because its context ended.
	WorkerCancelled
	// WorkerCrashed means the poller's outer loop panicked.
	WorkerCrashed
)

// String returns the human-readable state name.
func (s WorkerState) String() string {
	switch s {
	case WorkerNotStarted:
		return "not_started"
	case WorkerRunning:
		return "running"
	case WorkerCancelled:
		return "cancelled"
	case WorkerCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// poller owns the poll loop for a single service owner. Once started it runs
// until the orchestrator's context is cancelled.
type poller struct {
	owner    monitoring.ServiceOwner
	stateVal atomic.Int32
}

func newPoller(owner monitoring.ServiceOwner) *poller {
	return &poller{owner: owner}
}

func (p *poller) state() WorkerState {
	return WorkerState(p.stateVal.Load())
}

func (p *poller) setState(s WorkerState) {
	p.stateVal.Store(int32(s))
}

// run executes an immediate first pass and then polls on the configured
// interval. A failing query never stops the loop; only cancellation or a
// panic ends it.
func (p *poller) run(ctx context.Context, o *Orchestrator) {
	defer o.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			p.setState(WorkerCrashed)
			o.reportFatal(fmt.Errorf("poller for %s panicked: %v", p.owner, r))
		}
	}()

	p.setState(WorkerRunning)

	p.pollTick(ctx, o)

	ticker := o.clk.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.setState(WorkerCancelled)

			return
		case <-ticker.C():
			p.pollTick(ctx, o)
		}
	}
}

// pollTick runs every catalog query once. Per-query failures are logged and
// the remaining queries still run; the cursor guarantees the failed window is
// retried on the next tick.
func (p *poller) pollTick(ctx context.Context, o *Orchestrator) {
	for _, query := range o.queries {
		if ctx.Err() != nil {
			return
		}

		if err := p.pollQuery(ctx, o, query); err != nil {
			o.logger.Error("poll failed",
				slog.String("service_owner", p.owner.String()),
				slog.String("query", query.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// pollQuery performs one poll for one query: resolve the search window from
// the stored cursor, fetch from the source, stamp a single ingestion time
// across the batch and persist it.
func (p *poller) pollQuery(ctx context.Context, o *Orchestrator, query catalog.Query) error {
	cursor, found, err := o.repo.ReadCursor(ctx, p.owner, query)
	if err != nil {
		return fmt.Errorf("reading cursor: %w", err)
	}

	now := o.clk.Now().UTC()

	searchFrom := now.Add(-o.cfg.Lookback)
	if found {
		searchFrom = cursor
	}

	searchTo := now.Add(-o.cfg.SafetyMargin)
	if !searchTo.After(searchFrom) {
		// Window is empty or inverted; nothing to poll yet.
		return nil
	}

	tables, err := o.source.Query(ctx, p.owner, query, searchFrom, searchTo)
	if err != nil {
		return fmt.Errorf("querying source: %w", err)
	}

	// One ingestion stamp for the whole batch. Postgres stores microseconds,
	// so truncate here to keep the round-tripped value comparable.
	ingestedAt := o.clk.Now().UTC().Truncate(time.Microsecond)

	var batch []monitoring.TelemetryEntity

	for _, rows := range tables {
		for _, row := range rows {
			row.ServiceOwner = p.owner
			row.TimeIngested = ingestedAt
			batch = append(batch, row)
		}
	}

	written, err := o.repo.InsertTelemetry(ctx, p.owner, query, searchTo, batch)
	if err != nil {
		return fmt.Errorf("persisting telemetry: %w", err)
	}

	o.publish(PollResult{
		ServiceOwner: p.owner,
		Query:        query,
		SearchFrom:   searchFrom,
		SearchTo:     searchTo,
		Telemetry:    batch,
		Written:      written,
	})

	return nil
}
