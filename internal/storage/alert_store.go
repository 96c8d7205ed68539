package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/martinothamar/altinn-tools-sub000/internal/alerter"
	"github.com/martinothamar/altinn-tools-sub000/internal/config"
	"github.com/martinothamar/altinn-tools-sub000/internal/monitoring"
)

// Sentinel errors for alert storage operations.
var (
	// ErrAlertStoreFailed is returned when an alert storage operation fails.
	ErrAlertStoreFailed = errors.New("alert storage failed")

	// ErrAlertTransitionConflict is returned when a state transition finds the
	// alert no longer in its expected prior state. States only move forward.
	ErrAlertTransitionConflict = errors.New("alert state transition conflict")

	// AlertStore implements alerter.Store.
	_ alerter.Store = (*AlertStore)(nil)
)

// AlertStore is the PostgreSQL-backed work queue for the alerter.
//
// Work selection is an anti-join: any live telemetry row without an alert row
// is backlog, however late its inserting transaction commits. Surrogate ids
// are allocated at insert time, not commit time, so an id high-water mark
// would silently skip rows that commit after a sweep has scanned past them.
// Seeded telemetry rows (historical backfill) are never selected.
type AlertStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewAlertStore creates a PostgreSQL-backed alert store.
func NewAlertStore(conn *Connection) (*AlertStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &AlertStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// EnsurePending lazily creates Pending alert rows for live telemetry that has
// no alert yet, oldest first. Returns the number of alerts created.
//
// The whole step is one transaction: a crash before commit re-selects the
// same ids next sweep, and the unique telemetry_id key makes re-creation a
// no-op.
func (s *AlertStore) EnsurePending(ctx context.Context, limit int) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %w", ErrAlertStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	ids, err := unalertedTelemetryIDs(ctx, tx, limit)
	if err != nil {
		return 0, err
	}

	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	created := 0

	for _, telemetryID := range ids {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO alerts (id, state, telemetry_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (telemetry_id) DO NOTHING
		`, uuid.NewString(), string(monitoring.AlertStatePending), telemetryID)
		if err != nil {
			return 0, fmt.Errorf("%w: failed to create pending alert for telemetry %d: %w",
				ErrAlertStoreFailed, telemetryID, err)
		}

		if affected, err := result.RowsAffected(); err == nil {
			created += int(affected)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: failed to commit: %w", ErrAlertStoreFailed, err)
	}

	s.logger.Debug("pending alerts ensured", slog.Int("created", created))

	return created, nil
}

// PendingAlerts returns up to limit Pending alerts joined with their
// telemetry, oldest first.
func (s *AlertStore) PendingAlerts(ctx context.Context, limit int) ([]alerter.WorkItem, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT a.id, a.state, a.telemetry_id, a.ext_id, a.created_at, a.updated_at,
		       t.id, t.ext_id, t.service_owner, t.app_name, t.app_version,
		       t.time_generated, t.time_ingested, t.dupe_count, t.seeded, t.data
		FROM alerts a
		JOIN telemetry t ON t.id = a.telemetry_id
		WHERE a.state = $1
		ORDER BY a.created_at, a.telemetry_id
		LIMIT $2
	`, string(monitoring.AlertStatePending), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query pending alerts: %w", ErrAlertStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var items []alerter.WorkItem

	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: pending alert iteration failed: %w", ErrAlertStoreFailed, err)
	}

	return items, nil
}

// MarkAlerted advances a Pending alert to Alerted, recording the external
// reference returned by the notification channel. The state predicate in the
// WHERE clause enforces forward-only transitions at the store boundary.
func (s *AlertStore) MarkAlerted(ctx context.Context, alertID, extID string, now time.Time) error {
	return s.transition(ctx, alertID, monitoring.AlertStatePending, monitoring.AlertStateAlerted, &extID, now)
}

// MarkMitigated advances an Alerted alert to Mitigated. Reserved for the
// future mitigation-detection step; exercised by tests today.
func (s *AlertStore) MarkMitigated(ctx context.Context, alertID string, now time.Time) error {
	return s.transition(ctx, alertID, monitoring.AlertStateAlerted, monitoring.AlertStateMitigated, nil, now)
}

func (s *AlertStore) transition(
	ctx context.Context,
	alertID string,
	from, to monitoring.AlertState,
	extID *string,
	now time.Time,
) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE alerts
		SET state = $1, ext_id = COALESCE($2, ext_id), updated_at = $3
		WHERE id = $4 AND state = $5
	`, string(to), extID, now.UTC(), alertID, string(from))
	if err != nil {
		return fmt.Errorf("%w: failed to transition alert %s: %w", ErrAlertStoreFailed, alertID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to read transition result: %w", ErrAlertStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: alert %s is not in state %s", ErrAlertTransitionConflict, alertID, from)
	}

	return nil
}

// unalertedTelemetryIDs selects live (non-seeded) telemetry ids that have no
// alert row yet, oldest first.
func unalertedTelemetryIDs(ctx context.Context, tx *sql.Tx, limit int) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT t.id
		FROM telemetry t
		LEFT JOIN alerts a ON a.telemetry_id = t.id
		WHERE a.id IS NULL AND t.seeded = FALSE
		ORDER BY t.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to select unalerted telemetry: %w", ErrAlertStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: failed to scan telemetry id: %w", ErrAlertStoreFailed, err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: telemetry id iteration failed: %w", ErrAlertStoreFailed, err)
	}

	return ids, nil
}

func scanWorkItem(rows *sql.Rows) (alerter.WorkItem, error) {
	var (
		item       alerter.WorkItem
		alertState string
		alertExtID sql.NullString
		owner      string
		appName    sql.NullString
		appVersion sql.NullString
		dataJSON   []byte
	)

	err := rows.Scan(
		&item.Alert.ID,
		&alertState,
		&item.Alert.TelemetryID,
		&alertExtID,
		&item.Alert.CreatedAt,
		&item.Alert.UpdatedAt,
		&item.Telemetry.ID,
		&item.Telemetry.ExtID,
		&owner,
		&appName,
		&appVersion,
		&item.Telemetry.TimeGenerated,
		&item.Telemetry.TimeIngested,
		&item.Telemetry.DupeCount,
		&item.Telemetry.Seeded,
		&dataJSON,
	)
	if err != nil {
		return alerter.WorkItem{}, fmt.Errorf("%w: failed to scan work item: %w", ErrAlertStoreFailed, err)
	}

	item.Alert.State = monitoring.AlertState(alertState)
	item.Telemetry.ServiceOwner = monitoring.ServiceOwner(owner)
	item.Telemetry.AppName = appName.String
	item.Telemetry.AppVersion = appVersion.String

	if alertExtID.Valid {
		item.Alert.ExtID = &alertExtID.String
	}

	data, err := monitoring.UnmarshalTelemetryData(dataJSON)
	if err != nil {
		return alerter.WorkItem{}, fmt.Errorf("%w: telemetry %d: %w", ErrAlertStoreFailed, item.Telemetry.ID, err)
	}

	item.Telemetry.Data = data

	return item, nil
}
