// Package main provides the telemetry monitor service.
//
// The monitor discovers service owners, polls their telemetry from the
// external source on a fixed interval, persists it idempotently and raises
// notification-channel alerts for every new item. The polling and alerting
// workloads run on exactly one replica at a time, gated by a database
// advisory lock; the operational HTTP surface runs on every replica.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/martinothamar/altinn-tools-sub000/internal/alerter"
	"github.com/martinothamar/altinn-tools-sub000/internal/api"
	"github.com/martinothamar/altinn-tools-sub000/internal/catalog"
	"github.com/martinothamar/altinn-tools-sub000/internal/clock"
	"github.com/martinothamar/altinn-tools-sub000/internal/leader"
	"github.com/martinothamar/altinn-tools-sub000/internal/notify"
	"github.com/martinothamar/altinn-tools-sub000/internal/orchestrator"
	"github.com/martinothamar/altinn-tools-sub000/internal/sources"
	"github.com/martinothamar/altinn-tools-sub000/internal/storage"
	"github.com/martinothamar/altinn-tools-sub000/internal/stream"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "monitor"

	orchestrationLockName = "monitor-orchestration"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting monitor service",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	queryCatalog, err := catalog.Default()
	if err != nil {
		fatal(logger, dbConn, "Failed to load query catalog", err)
	}

	logger.Info("Query catalog loaded", slog.Int("queries", queryCatalog.Len()))

	discoverer, err := orchestrator.LoadStaticDiscoverer()
	if err != nil {
		fatal(logger, dbConn, "Failed to load service owner list", err)
	}

	source, err := sources.NewHTTPSource(sources.LoadHTTPSourceConfig())
	if err != nil {
		fatal(logger, dbConn, "Failed to create telemetry source", err)
	}

	telemetryStore, err := storage.NewTelemetryStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to create telemetry store", err)
	}

	alertStore, err := storage.NewAlertStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to create alert store", err)
	}

	notifier, err := notify.NewClient(notify.LoadClientConfig())
	if err != nil {
		fatal(logger, dbConn, "Failed to create notification client", err)
	}

	alerterRunner, err := alerter.New(alerter.LoadConfig(), alertStore, notifier, clock.System{})
	if err != nil {
		fatal(logger, dbConn, "Failed to create alerter", err)
	}

	orch, err := orchestrator.New(
		orchestrator.LoadConfig(),
		discoverer,
		source,
		telemetryStore,
		queryCatalog,
		clock.System{},
	)
	if err != nil {
		fatal(logger, dbConn, "Failed to create orchestrator", err)
	}

	var publisher *stream.Publisher

	streamConfig := stream.LoadConfig()
	if streamConfig.Enabled() {
		publisher, err = stream.NewPublisher(streamConfig)
		if err != nil {
			fatal(logger, dbConn, "Failed to create kafka publisher", err)
		}

		defer func() {
			_ = publisher.Close()
		}()

		logger.Info("Kafka poll result mirror enabled",
			slog.String("topic", streamConfig.Topic),
			slog.Int("brokers", len(streamConfig.Brokers)),
		)
	} else {
		logger.Info("Kafka poll result mirror disabled")
	}

	lockProvider, err := storage.NewLockProvider(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to create lock provider", err)
	}

	elector, err := leader.NewElector(orchestrationLockName, func(ctx context.Context, lockName string) (leader.Handle, error) {
		return lockProvider.Acquire(ctx, lockName)
	})
	if err != nil {
		fatal(logger, dbConn, "Failed to create elector", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var isLeader atomic.Bool

	server := api.NewServer(serverConfig, version, dbConn, isLeader.Load)

	serverErrors := make(chan error, 1)

	go func() {
		if err := server.Run(ctx); err != nil {
			serverErrors <- err
		}

		close(serverErrors)
	}()

	workloadDone := make(chan error, 1)

	go func() {
		workloadDone <- elector.Run(ctx, func(workCtx context.Context) error {
			isLeader.Store(true)
			defer isLeader.Store(false)

			return runWorkloads(workCtx, logger, orch, alerterRunner, publisher)
		})
	}()

	exitCode := 0

	select {
	case err := <-serverErrors:
		if err != nil {
			logger.Error("Operational server failed", slog.String("error", err.Error()))

			exitCode = 1
		}

		stop()
		<-workloadDone
	case err := <-workloadDone:
		switch {
		case errors.Is(err, leader.ErrLeadershipLost):
			// The lock session died under us. Exit so a replica that can
			// actually hold the lock takes over; restarting in-process would
			// risk two actors polling the same ground.
			logger.Error("Leadership lost, terminating", slog.String("error", err.Error()))

			exitCode = 1
		case err != nil && !errors.Is(err, context.Canceled):
			logger.Error("Workload failed", slog.String("error", err.Error()))

			exitCode = 1
		}

		stop()
		<-serverErrors
	}

	logger.Info("Monitor service stopped")

	if exitCode != 0 {
		_ = dbConn.Close()
		os.Exit(exitCode)
	}
}

// runWorkloads runs the leader-only workloads until the context ends or the
// orchestrator reports an unrecoverable fault.
func runWorkloads(
	ctx context.Context,
	logger *slog.Logger,
	orch *orchestrator.Orchestrator,
	alerterRunner *alerter.Alerter,
	publisher *stream.Publisher,
) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	orch.Start(runCtx)
	defer orch.Stop()

	alerterDone := make(chan struct{})

	go func() {
		defer close(alerterDone)

		alerterRunner.Run(runCtx)
	}()

	resultsDone := make(chan struct{})

	go func() {
		defer close(resultsDone)

		consumeResults(runCtx, logger, orch, publisher)
	}()

	var err error

	select {
	case <-runCtx.Done():
	case fatalErr := <-orch.Fatal():
		logger.Error("Orchestrator fault", slog.String("error", fatalErr.Error()))

		err = fatalErr
	}

	cancel()
	orch.Stop()
	<-alerterDone
	<-resultsDone

	return err
}

// consumeResults drains the orchestrator's poll result stream, mirroring each
// result to Kafka when a publisher is configured.
func consumeResults(
	ctx context.Context,
	logger *slog.Logger,
	orch *orchestrator.Orchestrator,
	publisher *stream.Publisher,
) {
	if publisher != nil {
		publisher.Run(ctx, orch.Results())

		return
	}

	for result := range orch.Results() {
		logger.Debug("poll completed",
			slog.String("service_owner", result.ServiceOwner.String()),
			slog.String("query", result.Query.Name()),
			slog.Int("fetched", len(result.Telemetry)),
			slog.Int("written", result.Written),
		)
	}
}

func fatal(logger *slog.Logger, dbConn *storage.Connection, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))

	_ = dbConn.Close()

	//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
	os.Exit(1)
}
