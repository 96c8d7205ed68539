package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/martinothamar/altinn-tools-sub000/internal/catalog"
	"github.com/martinothamar/altinn-tools-sub000/internal/config"
	"github.com/martinothamar/altinn-tools-sub000/internal/monitoring"
)

// setupTelemetryStore starts a postgres container with migrations applied and
// returns a store against it.
func setupTelemetryStore(ctx context.Context, t *testing.T) *TelemetryStore {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := NewTelemetryStore(WrapDB(testDB.Connection))
	require.NoError(t, err)

	return store
}

func testQuery(t *testing.T) catalog.Query {
	t.Helper()

	query, err := catalog.NewQuery("failed_requests", catalog.QueryTypeTraces, "AppRequests | where Success == false")
	require.NoError(t, err)

	return query
}

func testOwner(t *testing.T, token string) monitoring.ServiceOwner {
	t.Helper()

	owner, err := monitoring.NewServiceOwner(token)
	require.NoError(t, err)

	return owner
}

// makeBatch builds n trace items with a shared ingestion stamp, generated one
// minute apart starting at base.
func makeBatch(t *testing.T, owner monitoring.ServiceOwner, ingestedAt, base time.Time, n int) []monitoring.TelemetryEntity {
	t.Helper()

	batch := make([]monitoring.TelemetryEntity, 0, n)

	for i := 0; i < n; i++ {
		batch = append(batch, monitoring.TelemetryEntity{
			ExtID:         fmt.Sprintf("op-%d", i),
			ServiceOwner:  owner,
			AppName:       "formservice",
			AppVersion:    "1.2.3",
			TimeGenerated: base.Add(time.Duration(i) * time.Minute),
			TimeIngested:  ingestedAt,
			Data: monitoring.TraceData{
				TraceID: fmt.Sprintf("trace-%d", i),
				SpanID:  fmt.Sprintf("span-%d", i),
				Name:    "POST /instances",
				Success: false,
				Result:  "500",
			},
		})
	}

	return batch
}

func TestInsertTelemetry_NewBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupTelemetryStore(ctx, t)
	owner := testOwner(t, "skd")
	query := testQuery(t)

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	ingestedAt := time.Now().UTC().Truncate(time.Microsecond)
	searchTo := base.Add(time.Hour)

	written, err := store.InsertTelemetry(ctx, owner, query, searchTo, makeBatch(t, owner, ingestedAt, base, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	// Cursor lands on the max time_generated of the written rows, not on
	// searchTo.
	cursor, found, err := store.ReadCursor(ctx, owner, query)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cursor.Equal(base.Add(2*time.Minute)), "cursor %s, want %s", cursor, base.Add(2*time.Minute))
}

func TestInsertTelemetry_IdempotentReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupTelemetryStore(ctx, t)
	owner := testOwner(t, "skd")
	query := testQuery(t)

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	firstIngest := time.Now().UTC().Truncate(time.Microsecond)

	written, err := store.InsertTelemetry(ctx, owner, query, base.Add(time.Hour), makeBatch(t, owner, firstIngest, base, 3))
	require.NoError(t, err)
	require.Equal(t, 3, written)

	// Replay the same items with a later ingestion stamp, as an overlapping
	// poll window would.
	secondIngest := firstIngest.Add(2 * time.Minute)
	secondSearchTo := base.Add(2 * time.Hour)

	written, err = store.InsertTelemetry(ctx, owner, query, secondSearchTo, makeBatch(t, owner, secondIngest, base, 3))
	require.NoError(t, err)
	assert.Zero(t, written, "replayed items must not count as written")

	var rowCount, dupes int

	err = store.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(dupe_count), 0) FROM telemetry WHERE service_owner = $1
	`, owner.String()).Scan(&rowCount, &dupes)
	require.NoError(t, err)
	assert.Equal(t, 3, rowCount, "replay must not create rows")
	assert.Equal(t, 3, dupes, "each replayed item bumps dupe_count once")

	// An all-duplicate poll still advances the cursor to the window's end.
	cursor, found, err := store.ReadCursor(ctx, owner, query)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cursor.Equal(secondSearchTo), "cursor %s, want %s", cursor, secondSearchTo)
}

func TestInsertTelemetry_EmptyBatchAdvancesCursor(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupTelemetryStore(ctx, t)
	owner := testOwner(t, "nav")
	query := testQuery(t)

	searchTo := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	written, err := store.InsertTelemetry(ctx, owner, query, searchTo, nil)
	require.NoError(t, err)
	assert.Zero(t, written)

	cursor, found, err := store.ReadCursor(ctx, owner, query)
	require.NoError(t, err)
	require.True(t, found, "empty poll must still record progress")
	assert.True(t, cursor.Equal(searchTo))
}

func TestInsertTelemetry_CursorNeverRegresses(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupTelemetryStore(ctx, t)
	owner := testOwner(t, "nav")
	query := testQuery(t)

	newer := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	_, err := store.InsertTelemetry(ctx, owner, query, newer, nil)
	require.NoError(t, err)

	_, err = store.InsertTelemetry(ctx, owner, query, older, nil)
	require.NoError(t, err)

	cursor, found, err := store.ReadCursor(ctx, owner, query)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cursor.Equal(newer), "an older window must not move the cursor back")
}

func TestInsertTelemetry_CrossTenantIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupTelemetryStore(ctx, t)
	query := testQuery(t)

	skd := testOwner(t, "skd")
	nav := testOwner(t, "nav")

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	ingestedAt := time.Now().UTC().Truncate(time.Microsecond)

	// Same external IDs under two tenants must not collide.
	written, err := store.InsertTelemetry(ctx, skd, query, base.Add(time.Hour), makeBatch(t, skd, ingestedAt, base, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	written, err = store.InsertTelemetry(ctx, nav, query, base.Add(2*time.Hour), makeBatch(t, nav, ingestedAt, base, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	skdCursor, found, err := store.ReadCursor(ctx, skd, query)
	require.NoError(t, err)
	require.True(t, found)

	navCursor, found, err := store.ReadCursor(ctx, nav, query)
	require.NoError(t, err)
	require.True(t, found)

	assert.True(t, skdCursor.Equal(navCursor), "identical batches advance both cursors identically")

	var rowCount int

	err = store.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry`).Scan(&rowCount)
	require.NoError(t, err)
	assert.Equal(t, 4, rowCount)
}

func TestInsertTelemetry_MixedIngestionTimes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupTelemetryStore(ctx, t)
	owner := testOwner(t, "skd")
	query := testQuery(t)

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	ingestedAt := time.Now().UTC().Truncate(time.Microsecond)

	batch := makeBatch(t, owner, ingestedAt, base, 2)
	batch[1].TimeIngested = ingestedAt.Add(time.Second)

	_, err := store.InsertTelemetry(ctx, owner, query, base.Add(time.Hour), batch)
	require.ErrorIs(t, err, ErrMixedIngestionTimes)
}

func TestReadCursor_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupTelemetryStore(ctx, t)

	_, found, err := store.ReadCursor(ctx, testOwner(t, "skd"), testQuery(t))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInsertTelemetry_IntraBatchDuplicate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupTelemetryStore(ctx, t)
	owner := testOwner(t, "skd")
	query := testQuery(t)

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	ingestedAt := time.Now().UTC().Truncate(time.Microsecond)

	// The same source item can land twice in one batch when it appears in
	// more than one source table of a query response.
	batch := makeBatch(t, owner, ingestedAt, base, 2)
	duplicate := batch[0]
	duplicate.TimeGenerated = base.Add(5 * time.Minute)
	batch = append(batch, duplicate)

	written, err := store.InsertTelemetry(ctx, owner, query, base.Add(time.Hour), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	// One row per key, keeping the earliest generation time, and an
	// intra-batch repeat is not a replay so dupe_count stays zero.
	var generated time.Time
	var dupes int64

	err = store.conn.QueryRowContext(ctx, `
		SELECT time_generated, dupe_count FROM telemetry WHERE ext_id = 'op-0'
	`).Scan(&generated, &dupes)
	require.NoError(t, err)
	assert.True(t, generated.Equal(base), "time_generated %s, want %s", generated, base)
	assert.Zero(t, dupes)

	var count int64

	err = store.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry`).Scan(&count)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	cursor, found, err := store.ReadCursor(ctx, owner, query)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cursor.Equal(base.Add(time.Minute)), "cursor %s, want %s", cursor, base.Add(time.Minute))
}
