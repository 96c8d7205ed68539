package alerter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinothamar/altinn-tools-sub000/internal/clock"
	"github.com/martinothamar/altinn-tools-sub000/internal/monitoring"
	"github.com/martinothamar/altinn-tools-sub000/internal/notify"
)

type fakeStore struct {
	ensureCalls  []int
	ensureResult int
	ensureErr    error

	pendingItems []WorkItem
	pendingErr   error

	markedIDs   []string
	markedExtID map[string]string
	markErr     error
}

func (s *fakeStore) EnsurePending(_ context.Context, limit int) (int, error) {
	s.ensureCalls = append(s.ensureCalls, limit)

	return s.ensureResult, s.ensureErr
}

func (s *fakeStore) PendingAlerts(_ context.Context, _ int) ([]WorkItem, error) {
	if s.pendingErr != nil {
		return nil, s.pendingErr
	}

	return s.pendingItems, nil
}

func (s *fakeStore) MarkAlerted(_ context.Context, alertID, extID string, _ time.Time) error {
	if s.markErr != nil {
		return s.markErr
	}

	s.markedIDs = append(s.markedIDs, alertID)

	if s.markedExtID == nil {
		s.markedExtID = make(map[string]string)
	}

	s.markedExtID[alertID] = extID

	return nil
}

type fakeNotifier struct {
	posts []string
	extID string
	err   error
}

func (n *fakeNotifier) PostMessage(_ context.Context, _, text string) (string, error) {
	n.posts = append(n.posts, text)

	if n.err != nil {
		return "", n.err
	}

	return n.extID, nil
}

type fakeClock struct {
	now time.Time
	c   chan time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) NewTicker(_ time.Duration) clock.Ticker {
	return &fakeTicker{c: c.c}
}

type fakeTicker struct {
	c chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.c
}

func (t *fakeTicker) Stop() {}

var _ clock.Clock = (*fakeClock)(nil)

func testConfig() *Config {
	return &Config{
		Channel:       "#monitor-alerts",
		SweepInterval: 30 * time.Second,
		BatchSize:     50,
	}
}

func testWorkItem(alertID string, telemetryID int64) WorkItem {
	return WorkItem{
		Alert: monitoring.AlertEntity{
			ID:          alertID,
			State:       monitoring.AlertStatePending,
			TelemetryID: telemetryID,
		},
		Telemetry: monitoring.TelemetryEntity{
			ID:            telemetryID,
			ExtID:         "op-1",
			ServiceOwner:  "skd",
			AppName:       "tax-return",
			AppVersion:    "1.4.2",
			TimeGenerated: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			Data: monitoring.TraceData{
				TraceID:  "trace-abc",
				Name:     "POST /process/next",
				Duration: 2500 * time.Millisecond,
				Success:  false,
				Result:   "Failed",
			},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "empty channel",
			mutate:  func(c *Config) { c.Channel = "" },
			wantErr: ErrChannelEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
		})
	}

	t.Run("non-positive sweep interval", func(t *testing.T) {
		cfg := testConfig()
		cfg.SweepInterval = 0
		require.Error(t, cfg.Validate())
	})

	t.Run("non-positive batch size", func(t *testing.T) {
		cfg := testConfig()
		cfg.BatchSize = -1
		require.Error(t, cfg.Validate())
	})
}

func TestSweep_DeliversAndMarksAlerted(t *testing.T) {
	store := &fakeStore{
		ensureResult: 2,
		pendingItems: []WorkItem{testWorkItem("alert-1", 10), testWorkItem("alert-2", 11)},
	}
	notifier := &fakeNotifier{extID: "1714.42"}
	clk := &fakeClock{now: time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)}

	a, err := New(testConfig(), store, notifier, clk)
	require.NoError(t, err)

	a.Sweep(context.Background())

	assert.Equal(t, []int{50}, store.ensureCalls)
	require.Len(t, notifier.posts, 2)
	assert.Equal(t, []string{"alert-1", "alert-2"}, store.markedIDs)
	assert.Equal(t, "1714.42", store.markedExtID["alert-1"])
}

func TestSweep_ChannelRejectionLeavesPending(t *testing.T) {
	store := &fakeStore{pendingItems: []WorkItem{testWorkItem("alert-1", 10)}}
	notifier := &fakeNotifier{err: notify.ErrChannelRejected}

	a, err := New(testConfig(), store, notifier, &fakeClock{now: time.Now()})
	require.NoError(t, err)

	a.Sweep(context.Background())

	require.Len(t, notifier.posts, 1)
	assert.Empty(t, store.markedIDs, "rejected delivery must not advance alert state")
}

func TestSweep_DeliveryErrorLeavesPending(t *testing.T) {
	store := &fakeStore{pendingItems: []WorkItem{testWorkItem("alert-1", 10)}}
	notifier := &fakeNotifier{err: errors.New("connection reset")}

	a, err := New(testConfig(), store, notifier, &fakeClock{now: time.Now()})
	require.NoError(t, err)

	a.Sweep(context.Background())

	assert.Empty(t, store.markedIDs)
}

func TestSweep_MarkFailureDoesNotAbortSweep(t *testing.T) {
	store := &fakeStore{
		pendingItems: []WorkItem{testWorkItem("alert-1", 10), testWorkItem("alert-2", 11)},
		markErr:      errors.New("state transition conflict"),
	}
	notifier := &fakeNotifier{extID: "1714.42"}

	a, err := New(testConfig(), store, notifier, &fakeClock{now: time.Now()})
	require.NoError(t, err)

	a.Sweep(context.Background())

	// Both items are attempted even though the transition never persists.
	assert.Len(t, notifier.posts, 2)
}

func TestSweep_BackfillFailureAbortsBeforeDelivery(t *testing.T) {
	store := &fakeStore{
		ensureErr:    errors.New("database unavailable"),
		pendingItems: []WorkItem{testWorkItem("alert-1", 10)},
	}
	notifier := &fakeNotifier{extID: "1714.42"}

	a, err := New(testConfig(), store, notifier, &fakeClock{now: time.Now()})
	require.NoError(t, err)

	a.Sweep(context.Background())

	assert.Empty(t, notifier.posts)
	assert.Empty(t, store.markedIDs)
}

func TestRun_SweepsOnTickUntilCancelled(t *testing.T) {
	store := &fakeStore{ensureResult: 1}
	notifier := &fakeNotifier{extID: "1714.42"}
	clk := &fakeClock{now: time.Now(), c: make(chan time.Time)}

	a, err := New(testConfig(), store, notifier, clk)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		a.Run(ctx)
		close(done)
	}()

	clk.c <- time.Now()
	clk.c <- time.Now()

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	assert.GreaterOrEqual(t, len(store.ensureCalls), 2)
}

func TestFormatMessage(t *testing.T) {
	item := testWorkItem("alert-1", 10)

	t.Run("trace", func(t *testing.T) {
		text := FormatMessage(&item.Telemetry)
		assert.Contains(t, text, "*skd* tax-return (1.4.2)")
		assert.Contains(t, text, "failed operation `POST /process/next`")
		assert.Contains(t, text, "trace `trace-abc`")
		assert.Contains(t, text, "generated 2025-03-01T12:00:00Z")
	})

	t.Run("logs", func(t *testing.T) {
		entity := item.Telemetry
		entity.Data = monitoring.LogsData{Message: "unhandled exception in receipt step"}

		text := FormatMessage(&entity)
		assert.Contains(t, text, "log: unhandled exception in receipt step")
	})

	t.Run("metric", func(t *testing.T) {
		entity := item.Telemetry
		entity.Data = monitoring.MetricData{Name: "failed_instances", Value: 3}

		text := FormatMessage(&entity)
		assert.Contains(t, text, "metric `failed_instances` = 3")
	})

	t.Run("unknown payload falls back to ext id", func(t *testing.T) {
		entity := item.Telemetry
		entity.Data = nil

		text := FormatMessage(&entity)
		assert.Contains(t, text, "telemetry item `op-1`")
	})
}
