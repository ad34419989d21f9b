package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/volscan/internal/api"
	"github.com/ahrav/volscan/internal/api/health"
	"github.com/ahrav/volscan/internal/app/broadcast"
	appscanning "github.com/ahrav/volscan/internal/app/scanning"
	"github.com/ahrav/volscan/internal/config"
	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/internal/infra/eventbus/kafka"
	"github.com/ahrav/volscan/internal/infra/storage"
	historymem "github.com/ahrav/volscan/internal/infra/storage/history/memory"
	historypg "github.com/ahrav/volscan/internal/infra/storage/history/postgres"
	"github.com/ahrav/volscan/pkg/common/logger"
	"github.com/ahrav/volscan/pkg/common/otel"
)

// kafkaConnectTimeout bounds how long startup waits for the event mirror.
const kafkaConnectTimeout = time.Minute

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and websocket event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			log := newLogger(os.Stdout, cfg, "serve")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runServe(ctx, cfg, log); err != nil {
				log.Error(ctx, "startup", "err", err)
				return err
			}
			return nil
		},
	}
}

type historyStore interface {
	scanning.HistoryRecorder
	scanning.HistoryReader
}

func runServe(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("getting hostname: %w", err)
	}

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/readiness": {},
			"/v1/liveness":  {},
			"/v1/ws":        {},
		},
		Probability: cfg.Telemetry.SampleRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
			"service.version":  build,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(context.Background())

	tracer := traceProvider.Tracer(cfg.Telemetry.ServiceName)
	mp := otel.GetMeterProvider()

	// -------------------------------------------------------------------------
	// Scan History
	readyChecks := make(map[string]health.Check)

	var history historyStore
	if cfg.History.DatabaseURL != "" {
		log.Info(ctx, "startup", "status", "connecting to history database")

		pool, err := storage.NewPool(ctx, cfg.History.DatabaseURL, cfg.History.MaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := storage.Migrate(pool); err != nil {
			return fmt.Errorf("migrating history database: %w", err)
		}
		store := historypg.NewHistoryStore(pool, tracer)
		history = store
		readyChecks["database"] = pool.Ping

		if cfg.History.Retention > 0 {
			go pruneHistory(ctx, store, cfg.History.Retention, log)
		}
	} else {
		log.Info(ctx, "startup", "status", "keeping scan history in memory")
		history = historymem.NewHistoryStore(cfg.History.RecentLimit)
	}

	// -------------------------------------------------------------------------
	// Event Hub
	log.Info(ctx, "startup", "status", "initializing event hub")

	hubMetrics, err := broadcast.NewHubMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating hub metrics: %w", err)
	}

	var hubOpts []broadcast.Option
	if cfg.Kafka.Enabled() {
		sinkMetrics, err := kafka.NewSinkMetrics(mp)
		if err != nil {
			return fmt.Errorf("creating kafka sink metrics: %w", err)
		}

		sink, err := kafka.ConnectWithRetry(ctx, &kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		}, kafkaConnectTimeout, log, sinkMetrics, tracer)
		if err != nil {
			return fmt.Errorf("connecting kafka sink: %w", err)
		}

		log.Info(ctx, "startup", "status", "mirroring events to kafka", "topic", cfg.Kafka.Topic)
		// The hub owns the sink and closes it on Close.
		hubOpts = append(hubOpts, broadcast.WithSinks(sink))
	}

	hub := broadcast.NewHub(hubConfig(cfg), hubMetrics, tracer, log, hubOpts...)
	hub.Start(ctx)

	// -------------------------------------------------------------------------
	// Scan Scheduler
	log.Info(ctx, "startup", "status", "initializing scan scheduler")

	scanMetrics, err := appscanning.NewScanMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating scan metrics: %w", err)
	}

	eng, err := newEngine(ctx, cfg, hub, scanMetrics, tracer, log, appscanning.WithHistory(history))
	if err != nil {
		return err
	}

	if cfg.Volumes.RefreshInterval > 0 {
		poller := broadcast.NewInventoryPoller(eng.resolver, hub, cfg.Volumes.RefreshInterval, tracer, log)
		go poller.Run(ctx)
	}

	// -------------------------------------------------------------------------
	// Start Debug Service
	if cfg.Server.DebugAddr != "" {
		go func() {
			if err := api.StartDebug(ctx, cfg.Server.DebugAddr, log); err != nil {
				log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Server.DebugAddr, "msg", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Start API Service
	log.Info(ctx, "startup", "status", "initializing API support")

	apiMetrics, err := api.NewAPIMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}

	server := api.NewServer(*cfg, api.Deps{
		Build:       build,
		Scheduler:   eng.scheduler,
		History:     history,
		Hub:         hub,
		ReadyChecks: readyChecks,
	}, apiMetrics, log, tracer)

	serveErr := server.Start(ctx)

	// -------------------------------------------------------------------------
	// Shutdown
	log.Info(ctx, "shutdown", "status", "shutdown started")
	defer log.Info(ctx, "shutdown", "status", "shutdown complete")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := eng.scheduler.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "scheduler did not drain", "error", err)
	}
	if err := hub.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "hub did not close cleanly", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	return nil
}

type historyPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// pruneHistory deletes history older than retention every hour until ctx ends.
func pruneHistory(ctx context.Context, p historyPruner, retention time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		removed, err := p.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil:
			log.Warn(ctx, "failed to prune scan history", "error", err)
		case removed > 0:
			log.Info(ctx, "pruned scan history", "removed", removed, "retention", retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
