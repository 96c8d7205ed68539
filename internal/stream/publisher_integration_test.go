package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/martinothamar/altinn-tools-sub000/internal/catalog"
	"github.com/martinothamar/altinn-tools-sub000/internal/monitoring"
	"github.com/martinothamar/altinn-tools-sub000/internal/orchestrator"
)

func setupPublisher(ctx context.Context, t *testing.T) (*Publisher, []string) {
	t.Helper()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("monitor-test-cluster"),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	cfg := &Config{
		Brokers:      brokers,
		Topic:        "monitor.poll-results",
		WriteTimeout: 10 * time.Second,
	}

	publisher, err := NewPublisher(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = publisher.Close()
	})

	return publisher, brokers
}

func tracePollResult(t *testing.T, owner string, written int) orchestrator.PollResult {
	t.Helper()

	query, err := catalog.NewQuery(
		"failed_requests", catalog.QueryTypeTraces, "requests | where success == false",
	)
	require.NoError(t, err)

	serviceOwner, err := monitoring.NewServiceOwner(owner)
	require.NoError(t, err)

	searchTo := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	return orchestrator.PollResult{
		ServiceOwner: serviceOwner,
		Query:        query,
		SearchFrom:   searchTo.Add(-time.Hour),
		SearchTo:     searchTo,
		Telemetry:    make([]monitoring.TelemetryEntity, written+1),
		Written:      written,
	}
}

func TestPublish_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	publisher, brokers := setupPublisher(ctx, t)

	result := tracePollResult(t, "skd", 3)
	require.NoError(t, publisher.Publish(ctx, result))

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: brokers,
		Topic:   "monitor.poll-results",
		GroupID: "publisher-test",
	})

	t.Cleanup(func() {
		_ = reader.Close()
	})

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	message, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)

	assert.Equal(t, "skd", string(message.Key), "messages are keyed by tenant")

	var decoded pollResultMessage
	require.NoError(t, json.Unmarshal(message.Value, &decoded))

	assert.Equal(t, "skd", decoded.ServiceOwner)
	assert.Equal(t, "failed_requests", decoded.Query)
	assert.Equal(t, result.Query.Hash(), decoded.QueryHash)
	assert.True(t, decoded.SearchTo.Equal(result.SearchTo))
	assert.Equal(t, 4, decoded.Fetched)
	assert.Equal(t, 3, decoded.Written)
}

func TestRun_DrainsResultStream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	publisher, brokers := setupPublisher(ctx, t)

	results := make(chan orchestrator.PollResult, 2)
	results <- tracePollResult(t, "skd", 1)
	results <- tracePollResult(t, "nav", 2)
	close(results)

	// Run returns once the stream closes.
	publisher.Run(ctx, results)

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: brokers,
		Topic:   "monitor.poll-results",
		GroupID: "publisher-run-test",
	})

	t.Cleanup(func() {
		_ = reader.Close()
	})

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	owners := make(map[string]int)

	for range 2 {
		message, err := reader.ReadMessage(readCtx)
		require.NoError(t, err)

		var decoded pollResultMessage
		require.NoError(t, json.Unmarshal(message.Value, &decoded))
		owners[decoded.ServiceOwner] = decoded.Written
	}

	assert.Equal(t, map[string]int{"skd": 1, "nav": 2}, owners)
}
