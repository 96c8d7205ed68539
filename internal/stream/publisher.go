// Package stream mirrors completed poll results onto a Kafka topic so
// downstream consumers (dashboards, long-term archival) can observe ingestion
// without touching the database.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/martinothamar/altinn-tools-sub000/internal/config"
	"github.com/martinothamar/altinn-tools-sub000/internal/orchestrator"
)

// ErrPublishFailed wraps Kafka write failures.
var ErrPublishFailed = errors.New("failed to publish poll result")

// Config holds the Kafka mirror settings. An empty broker list disables the
// mirror entirely.
type Config struct {
	// Brokers is the Kafka bootstrap address list.
	Brokers []string
	// Topic receives one message per completed poll.
	Topic string
	// WriteTimeout bounds a single produce call.
	WriteTimeout time.Duration
}

// LoadConfig reads the Kafka mirror settings from the environment.
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("MONITOR_KAFKA_BROKERS", "")),
		Topic:        config.GetEnvStr("MONITOR_KAFKA_TOPIC", "monitor.poll-results"),
		WriteTimeout: config.GetEnvDuration("MONITOR_KAFKA_WRITE_TIMEOUT", 5*time.Second),
	}
}

// Enabled reports whether the mirror should run at all.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks an enabled config for completeness.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}

	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}

	if c.WriteTimeout <= 0 {
		return errors.New("kafka write timeout must be positive")
	}

	return nil
}

// pollResultMessage is the wire form of one mirrored poll.
type pollResultMessage struct {
	ServiceOwner string    `json:"serviceOwner"`
	Query        string    `json:"query"`
	QueryHash    string    `json:"queryHash"`
	SearchFrom   time.Time `json:"searchFrom"`
	SearchTo     time.Time `json:"searchTo"`
	Fetched      int       `json:"fetched"`
	Written      int       `json:"written"`
}

// Publisher writes poll results to Kafka, keyed by service owner so each
// tenant's results stay ordered within a partition.
type Publisher struct {
	cfg    *Config
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher creates a Publisher. Call Close when shutting down.
func NewPublisher(cfg *Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &Publisher{
		cfg:    cfg,
		writer: writer,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Publish mirrors one poll result. Telemetry payloads stay in Postgres; only
// the poll summary crosses the wire.
func (p *Publisher) Publish(ctx context.Context, result orchestrator.PollResult) error {
	payload, err := json.Marshal(pollResultMessage{
		ServiceOwner: result.ServiceOwner.String(),
		Query:        result.Query.Name(),
		QueryHash:    result.Query.Hash(),
		SearchFrom:   result.SearchFrom,
		SearchTo:     result.SearchTo,
		Fetched:      len(result.Telemetry),
		Written:      result.Written,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPublishFailed, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(result.ServiceOwner.String()),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPublishFailed, err)
	}

	return nil
}

// Run consumes the orchestrator's result stream until it closes or the
// context ends. Publish failures are logged and skipped; the mirror is
// best-effort by design of the stream itself.
func (p *Publisher) Run(ctx context.Context, results <-chan orchestrator.PollResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-results:
			if !ok {
				return
			}

			if err := p.Publish(ctx, result); err != nil {
				p.logger.Warn("poll result mirror failed",
					slog.String("service_owner", result.ServiceOwner.String()),
					slog.String("query", result.Query.Name()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Close flushes and closes the Kafka writer. Safe to call multiple times.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
