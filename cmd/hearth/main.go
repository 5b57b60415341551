package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hearthhq/hearth/pkg/api"
	"github.com/hearthhq/hearth/pkg/config"
	"github.com/hearthhq/hearth/pkg/extension"
	"github.com/hearthhq/hearth/pkg/history"
	"github.com/hearthhq/hearth/pkg/observability"
	"github.com/hearthhq/hearth/pkg/plugin"
	"github.com/hearthhq/hearth/pkg/scheduler"
	"github.com/hearthhq/hearth/plugins/audit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hearth: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	log.Infof("Starting Hearth plugin host, platform version %s", cfg.Platform.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing.
	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, log)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = observability.ShutdownTracing(shutdownCtx, tp, log)
	}()

	// Metrics.
	var metrics *observability.Metrics
	promRegistry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promRegistry)
	}

	// Execution history ledger.
	ledger, err := openLedger(cfg.History)
	if err != nil {
		return fmt.Errorf("history backend: %w", err)
	}
	defer ledger.Close()
	log.Infof("Execution history backend: %s", cfg.History.Backend)

	// Scheduler.
	schedCfg := scheduler.DefaultConfig()
	schedCfg.Workers = cfg.Scheduler.Workers
	schedCfg.TickInterval = cfg.Scheduler.TickInterval
	schedCfg.MisfireThreshold = cfg.Scheduler.MisfireThreshold
	sched := scheduler.New(schedCfg, ledger, log, metrics)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = sched.Stop(stopCtx)
	}()

	// Registries.
	extensions := extension.NewRegistry(cfg.Platform.APIVersion)
	plugins := plugin.NewRegistry(plugin.Options{
		PlatformVersion:     cfg.Platform.Version,
		MinSupportedVersion: cfg.Platform.MinSupportedVersion,
		Extensions:          extensions,
		Scheduler:           sched,
		Logger:              log,
		Metrics:             metrics,
	})

	// Built-in audit plugin: prunes the execution ledger on the
	// configured retention schedule.
	auditPlugin := audit.New(retentionLog{ledger}, audit.Options{
		RetentionDays: cfg.History.RetentionDays,
		Logger:        log,
	})
	if err := plugins.Install(auditPlugin.Descriptor(), auditPlugin); err != nil {
		return fmt.Errorf("install audit plugin: %w", err)
	}
	if err := plugins.Enable(ctx, audit.PluginKey); err != nil {
		return fmt.Errorf("enable audit plugin: %w", err)
	}

	// Manifest scanner.
	if cfg.Plugins.ManifestDir != "" {
		scanLog := logrus.New()
		scanLog.SetLevel(logrus.InfoLevel)
		scanner := plugin.NewScanner(cfg.Plugins.ManifestDir, plugins, scanLog)
		if err := scanner.Start(ctx); err != nil {
			return fmt.Errorf("manifest scanner: %w", err)
		}
		defer scanner.Stop()
		log.Infof("Watching %s for plugin manifests", cfg.Plugins.ManifestDir)
	}

	// Cluster lifecycle synchronization.
	var redisClient *redis.Client
	if cfg.Plugins.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Plugins.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		sync := plugin.NewClusterSynchronizer(redisClient, plugins, log)
		if err := sync.Start(ctx); err != nil {
			return fmt.Errorf("cluster sync: %w", err)
		}
		defer sync.Stop()
		log.Info("Cluster lifecycle synchronization enabled")
	}

	// HTTP surfaces.
	server := api.NewServer(plugins, extensions, sched, ledger, log, metrics)
	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(nil, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	healthMux.Handle("/metrics", observability.Handler(promRegistry))
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Infof("Health and metrics server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = healthServer.Shutdown(shutdownCtx)
		return apiServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// retentionLog adapts the history store to the audit plugin's pruning
// contract.
type retentionLog struct {
	store history.Store
}

func (r retentionLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.store.DeleteOlderThan(cutoff)
}

func openLedger(cfg config.HistoryConfig) (history.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return history.NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return history.NewPostgresStore(cfg.PostgresURL)
	default:
		return history.NewMemoryStore(), nil
	}
}
