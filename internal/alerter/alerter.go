// Package alerter drives the per-telemetry-item alert workflow: it sweeps the
// backlog of live telemetry lacking a terminal alert and delivers a
// notification for each item, advancing its state machine on success.
//
// Delivery is at-least-once, not exactly-once: a crash after the channel
// accepts a message but before the Alerted transition is persisted will
// re-notify on the next sweep. The unique alert-per-telemetry key bounds the
// damage to a duplicate message, never a duplicate alert row.
package alerter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/martinothamar/altinn-tools-sub000/internal/clock"
	"github.com/martinothamar/altinn-tools-sub000/internal/config"
	"github.com/martinothamar/altinn-tools-sub000/internal/monitoring"
	"github.com/martinothamar/altinn-tools-sub000/internal/notify"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultBatchSize     = 50
)

// ErrChannelEmpty is returned when no notification channel is configured.
var ErrChannelEmpty = errors.New("alerter notification channel cannot be empty")

type (
	// Store is the persistence surface the alerter sweeps against.
	// Implemented by storage.AlertStore.
	Store interface {
		// EnsurePending lazily creates Pending alerts for live telemetry that
		// has no alert yet.
		EnsurePending(ctx context.Context, limit int) (int, error)

		// PendingAlerts returns up to limit Pending alerts with their telemetry.
		PendingAlerts(ctx context.Context, limit int) ([]WorkItem, error)

		// MarkAlerted advances a Pending alert to Alerted with the channel's
		// external reference.
		MarkAlerted(ctx context.Context, alertID, extID string, now time.Time) error
	}

	// Notifier delivers one message to the external notification channel.
	// Implemented by notify.Client.
	Notifier interface {
		PostMessage(ctx context.Context, channel, text string) (string, error)
	}

	// WorkItem is one sweepable unit: an alert and the telemetry it covers.
	WorkItem struct {
		Alert     monitoring.AlertEntity
		Telemetry monitoring.TelemetryEntity
	}

	// Config holds alerter sweep configuration.
	Config struct {
		Channel       string
		SweepInterval time.Duration
		BatchSize     int
	}

	// Alerter runs the sweep loop.
	Alerter struct {
		store    Store
		notifier Notifier
		clk      clock.Clock
		cfg      *Config
		logger   *slog.Logger
	}
)

// LoadConfig loads alerter configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Channel:       config.GetEnvStr("MONITOR_SLACK_CHANNEL", ""),
		SweepInterval: config.GetEnvDuration("MONITOR_ALERTER_SWEEP_INTERVAL", defaultSweepInterval),
		BatchSize:     config.GetEnvInt("MONITOR_ALERTER_BATCH_SIZE", defaultBatchSize),
	}
}

// Validate checks if the alerter configuration is valid.
func (c *Config) Validate() error {
	if c.Channel == "" {
		return ErrChannelEmpty
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}

	return nil
}

// New creates an Alerter.
func New(cfg *Config, store Store, notifier Notifier, clk clock.Clock) (*Alerter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Alerter{
		store:    store,
		notifier: notifier,
		clk:      clk,
		cfg:      cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
// Sweep-level failures are logged and retried on the next tick.
func (a *Alerter) Run(ctx context.Context) {
	a.logger.Info("Alerter started",
		slog.String("channel", a.cfg.Channel),
		slog.Duration("sweep_interval", a.cfg.SweepInterval),
	)

	ticker := a.clk.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Alerter stopped")

			return
		case <-ticker.C():
			a.Sweep(ctx)
		}
	}
}

// Sweep runs one backlog pass: backfill Pending alerts for newly ingested
// telemetry, then attempt delivery for every Pending alert.
//
// Per-item failures never abort the sweep; the item stays Pending and is
// retried next pass.
func (a *Alerter) Sweep(ctx context.Context) {
	created, err := a.store.EnsurePending(ctx, a.cfg.BatchSize)
	if err != nil {
		a.logger.Error("failed to backfill pending alerts", slog.String("error", err.Error()))

		return
	}

	items, err := a.store.PendingAlerts(ctx, a.cfg.BatchSize)
	if err != nil {
		a.logger.Error("failed to load pending alerts", slog.String("error", err.Error()))

		return
	}

	if created > 0 || len(items) > 0 {
		a.logger.Info("alert sweep",
			slog.Int("created", created),
			slog.Int("pending", len(items)),
		)
	}

	for i := range items {
		if ctx.Err() != nil {
			return
		}

		a.deliver(ctx, &items[i])
	}
}

// deliver drives one item through Pending -> Alerted.
func (a *Alerter) deliver(ctx context.Context, item *WorkItem) {
	text := FormatMessage(&item.Telemetry)

	extID, err := a.notifier.PostMessage(ctx, a.cfg.Channel, text)

	switch {
	case err == nil:
		if err := a.store.MarkAlerted(ctx, item.Alert.ID, extID, a.clk.Now().UTC()); err != nil {
			// The channel accepted the message but the transition did not
			// persist; the next sweep re-delivers (at-least-once).
			a.logger.Error("failed to persist alerted state",
				slog.String("alert_id", item.Alert.ID),
				slog.String("error", err.Error()),
			)

			return
		}

		a.logger.Info("alert delivered",
			slog.String("alert_id", item.Alert.ID),
			slog.Int64("telemetry_id", item.Telemetry.ID),
			slog.String("ext_id", extID),
		)
	case errors.Is(err, notify.ErrChannelRejected):
		// Application-level rejection: abandon this attempt, no state change.
		a.logger.Warn("notification rejected by channel",
			slog.String("alert_id", item.Alert.ID),
			slog.String("error", err.Error()),
		)
	default:
		a.logger.Warn("notification delivery failed",
			slog.String("alert_id", item.Alert.ID),
			slog.String("error", err.Error()),
		)
	}
}

// FormatMessage renders the human-readable notification for one telemetry item.
func FormatMessage(t *monitoring.TelemetryEntity) string {
	header := fmt.Sprintf(":rotating_light: *%s* %s (%s)",
		t.ServiceOwner, t.AppName, t.AppVersion)

	var detail string

	switch data := t.Data.(type) {
	case monitoring.TraceData:
		detail = fmt.Sprintf("failed operation `%s` (trace `%s`, duration %s, result %s)",
			data.Name, data.TraceID, data.Duration, data.Result)
	case monitoring.LogsData:
		detail = fmt.Sprintf("log: %s", data.Message)
	case monitoring.MetricData:
		detail = fmt.Sprintf("metric `%s` = %g", data.Name, data.Value)
	default:
		detail = fmt.Sprintf("telemetry item `%s`", t.ExtID)
	}

	return fmt.Sprintf("%s\n%s\ngenerated %s", header, detail, t.TimeGenerated.UTC().Format(time.RFC3339))
}
