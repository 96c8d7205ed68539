package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/martinothamar/altinn-tools-sub000/internal/catalog"
	"github.com/martinothamar/altinn-tools-sub000/internal/config"
	"github.com/martinothamar/altinn-tools-sub000/internal/monitoring"
)

// Sentinel errors for telemetry ingestion and cursor tracking.
var (
	// ErrTelemetryStoreFailed is returned when a telemetry storage operation fails.
	ErrTelemetryStoreFailed = errors.New("telemetry storage failed")

	// ErrMixedIngestionTimes is returned when a batch carries more than one
	// ingestion timestamp. This is a caller bug (the orchestrator stamps each
	// batch exactly once), not a recoverable condition.
	ErrMixedIngestionTimes = errors.New("batch items carry mixed ingestion timestamps")
)

type (
	// QueryState is the durable progress cursor for one (service owner, query)
	// polling progression.
	//
	// QueriedUntil is monotonically non-decreasing for a given key: everything
	// generated at or before it for this tenant+query is durably ingested or
	// known absent. Rows are keyed by the query's template hash, so re-running
	// the same logical query under a new name still resumes correctly.
	QueryState struct {
		ServiceOwner monitoring.ServiceOwner
		QueryName    string
		QueryHash    string
		QueriedUntil time.Time
	}

	// TelemetryStore is the PostgreSQL-backed cursor/telemetry repository.
	//
	// InsertTelemetry is idempotent over an at-least-once delivery channel:
	// re-ingesting a batch leaves one row per distinct (service_owner, ext_id)
	// and only bumps dupe_count - intended drift-detection signal, not a bug.
	TelemetryStore struct {
		conn   *Connection
		logger *slog.Logger
	}
)

// telemetry columns loaded through the staging table, in COPY order.
var stagingColumns = []string{
	"ext_id", "service_owner", "app_name", "app_version",
	"time_generated", "time_ingested", "seeded", "data",
}

// NewTelemetryStore creates a PostgreSQL-backed telemetry repository.
func NewTelemetryStore(conn *Connection) (*TelemetryStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &TelemetryStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *TelemetryStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// ReadCursor loads the progress cursor for (serviceOwner, query).
// Returns found=false when no poll has ever completed for the pair.
func (s *TelemetryStore) ReadCursor(
	ctx context.Context,
	serviceOwner monitoring.ServiceOwner,
	query catalog.Query,
) (time.Time, bool, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT queried_until
		FROM query_cursors
		WHERE service_owner = $1 AND query_hash = $2
	`, serviceOwner.String(), query.Hash())

	var queriedUntil time.Time

	err := row.Scan(&queriedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: failed to read cursor: %w", ErrTelemetryStoreFailed, err)
	}

	return queriedUntil, true, nil
}

// InsertTelemetry ingests one polled batch and advances the cursor, as a
// single transaction:
//
//  1. Assert every item carries the batch's single ingestion timestamp.
//  2. Bulk-load the batch into a session-scoped staging table (COPY), then
//     upsert into telemetry on (service_owner, ext_id): conflicts leave the
//     original row untouched and increment dupe_count.
//  3. A row counts as written only if its returned time_ingested equals this
//     batch's stamp - genuinely new here, not a dupe of an earlier batch.
//  4. Upsert the cursor for (service_owner, query hash): max time_generated
//     among written rows, or searchTo when the poll was empty/all-duplicate.
//
// Returns the number of genuinely new rows.
func (s *TelemetryStore) InsertTelemetry(
	ctx context.Context,
	serviceOwner monitoring.ServiceOwner,
	query catalog.Query,
	searchTo time.Time,
	batch []monitoring.TelemetryEntity,
) (int, error) {
	ingestedAt, err := batchIngestionTime(batch)
	if err != nil {
		return 0, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %w", ErrTelemetryStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	written := 0
	maxGenerated := time.Time{}

	if len(batch) > 0 {
		written, maxGenerated, err = s.upsertBatch(ctx, tx, batch, ingestedAt)
		if err != nil {
			return 0, err
		}
	}

	// Empty and all-duplicate polls still advance the cursor to the window's
	// end: the source reported nothing new at or before searchTo.
	newCursor := searchTo
	if written > 0 {
		newCursor = maxGenerated
	}

	if err := upsertCursor(ctx, tx, serviceOwner, query, newCursor); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: failed to commit: %w", ErrTelemetryStoreFailed, err)
	}

	s.logger.Debug("telemetry batch ingested",
		slog.String("service_owner", serviceOwner.String()),
		slog.String("query", query.Name()),
		slog.Int("batch_size", len(batch)),
		slog.Int("written", written),
		slog.Time("cursor", newCursor),
	)

	return written, nil
}

// batchIngestionTime validates the uniform-stamp precondition and returns the
// batch's single ingestion timestamp, truncated to PostgreSQL's microsecond
// resolution so the written-row comparison is exact.
func batchIngestionTime(batch []monitoring.TelemetryEntity) (time.Time, error) {
	if len(batch) == 0 {
		return time.Time{}, nil
	}

	stamp := batch[0].TimeIngested
	for i := range batch {
		if !batch[i].TimeIngested.Equal(stamp) {
			return time.Time{}, fmt.Errorf("%w: item %d has %s, batch has %s",
				ErrMixedIngestionTimes, i, batch[i].TimeIngested, stamp)
		}
	}

	return stamp.UTC().Truncate(time.Microsecond), nil
}

// upsertBatch stages the batch with COPY and upserts it into telemetry.
// Returns the written count and the max time_generated among written rows.
func (s *TelemetryStore) upsertBatch(
	ctx context.Context,
	tx *sql.Tx,
	batch []monitoring.TelemetryEntity,
	ingestedAt time.Time,
) (int, time.Time, error) {
	// ON COMMIT DROP bounds the staging table to this transaction's session.
	_, err := tx.ExecContext(ctx, `
		CREATE TEMP TABLE telemetry_staging (
			ext_id         TEXT        NOT NULL,
			service_owner  TEXT        NOT NULL,
			app_name       TEXT,
			app_version    TEXT,
			time_generated TIMESTAMPTZ NOT NULL,
			time_ingested  TIMESTAMPTZ NOT NULL,
			seeded         BOOLEAN     NOT NULL,
			data           JSONB       NOT NULL
		) ON COMMIT DROP
	`)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: failed to create staging table: %w", ErrTelemetryStoreFailed, err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("telemetry_staging", stagingColumns...))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: failed to prepare staging copy: %w", ErrTelemetryStoreFailed, err)
	}

	for i := range batch {
		item := &batch[i]

		dataJSON, err := monitoring.MarshalTelemetryData(item.Data)
		if err != nil {
			_ = stmt.Close()

			return 0, time.Time{}, fmt.Errorf("%w: item %s: %w", ErrTelemetryStoreFailed, item.ExtID, err)
		}

		_, err = stmt.ExecContext(ctx,
			item.ExtID,
			item.ServiceOwner.String(),
			item.AppName,
			item.AppVersion,
			item.TimeGenerated.UTC().Truncate(time.Microsecond),
			ingestedAt,
			item.Seeded,
			string(dataJSON),
		)
		if err != nil {
			_ = stmt.Close()

			return 0, time.Time{}, fmt.Errorf("%w: failed to stage item %s: %w", ErrTelemetryStoreFailed, item.ExtID, err)
		}
	}

	// Flush the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()

		return 0, time.Time{}, fmt.Errorf("%w: failed to flush staging copy: %w", ErrTelemetryStoreFailed, err)
	}

	if err := stmt.Close(); err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: failed to close staging copy: %w", ErrTelemetryStoreFailed, err)
	}

	// The conflict arm only bumps dupe_count: time_ingested and data keep the
	// values from the first successful write, so the RETURNING clause tells
	// us whether each row was genuinely new in this batch.
	//
	// A batch can stage the same item twice when it shows up in more than one
	// source table; ON CONFLICT cannot touch a row twice in one statement, so
	// DISTINCT ON keeps exactly one staged row per key (the earliest
	// generated one).
	rows, err := tx.QueryContext(ctx, `
		INSERT INTO telemetry (
			ext_id, service_owner, app_name, app_version,
			time_generated, time_ingested, seeded, data
		)
		SELECT DISTINCT ON (service_owner, ext_id)
		       ext_id, service_owner, app_name, app_version,
		       time_generated, time_ingested, seeded, data
		FROM telemetry_staging
		ORDER BY service_owner, ext_id, time_generated
		ON CONFLICT (service_owner, ext_id) DO UPDATE
		SET dupe_count = telemetry.dupe_count + 1
		RETURNING time_generated, time_ingested
	`)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: failed to upsert batch: %w", ErrTelemetryStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	written := 0
	maxGenerated := time.Time{}

	for rows.Next() {
		var generated, ingested time.Time

		if err := rows.Scan(&generated, &ingested); err != nil {
			return 0, time.Time{}, fmt.Errorf("%w: failed to scan upsert result: %w", ErrTelemetryStoreFailed, err)
		}

		if !ingested.Equal(ingestedAt) {
			continue // dupe of an earlier batch
		}

		written++

		if generated.After(maxGenerated) {
			maxGenerated = generated
		}
	}

	if err := rows.Err(); err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: upsert result iteration failed: %w", ErrTelemetryStoreFailed, err)
	}

	return written, maxGenerated, nil
}

// upsertCursor advances the cursor row for (serviceOwner, query hash).
// GREATEST keeps queried_until monotonically non-decreasing even if a caller
// ever hands in an older window.
func upsertCursor(
	ctx context.Context,
	tx *sql.Tx,
	serviceOwner monitoring.ServiceOwner,
	query catalog.Query,
	queriedUntil time.Time,
) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO query_cursors (service_owner, query_name, query_hash, queried_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (service_owner, query_hash) DO UPDATE
		SET queried_until = GREATEST(query_cursors.queried_until, EXCLUDED.queried_until),
		    query_name    = EXCLUDED.query_name
	`, serviceOwner.String(), query.Name(), query.Hash(), queriedUntil.UTC().Truncate(time.Microsecond))
	if err != nil {
		return fmt.Errorf("%w: failed to upsert cursor: %w", ErrTelemetryStoreFailed, err)
	}

	return nil
}
