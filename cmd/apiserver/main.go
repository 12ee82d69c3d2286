// API server entry point for tcm-intake.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timmyxieat/tcm-intake/internal/application/intake"
	"github.com/timmyxieat/tcm-intake/internal/config"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/database/postgres"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/database/postgres/repositories"
	cache "github.com/timmyxieat/tcm-intake/internal/infrastructure/database/redis"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/llm"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/messaging/kafka"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/prometheus"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/storage/minio"
	httpserver "github.com/timmyxieat/tcm-intake/internal/interfaces/http"
	"github.com/timmyxieat/tcm-intake/internal/interfaces/http/handlers"
	"github.com/timmyxieat/tcm-intake/internal/interfaces/http/middleware"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

const startupTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to configuration file (default: environment only)")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger); err != nil {
		logger.Error("API server failed", logging.Err(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// app holds every component that needs closing on shutdown.
type app struct {
	closers []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger logging.Logger) error {
	logger.Info("Starting tcm-intake API server",
		logging.String("version", Version),
		logging.String("commit", GitCommit),
		logging.Int("port", cfg.Server.Port),
		logging.String("llm_provider", cfg.LLM.Provider),
	)
	gin.SetMode(cfg.Server.Mode)

	a := &app{}
	defer a.close()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	var metrics *prometheus.AppMetrics
	var collector prometheus.MetricsCollector
	if cfg.Metrics.Enabled {
		var err error
		collector, err = prometheus.NewMetricsCollector(prometheus.CollectorConfig{
			Namespace:            cfg.Metrics.Namespace,
			EnableGoMetrics:      cfg.Metrics.EnableGoMetrics,
			EnableProcessMetrics: cfg.Metrics.EnableProcMetric,
		}, logger)
		if err != nil {
			return err
		}
		metrics = prometheus.NewAppMetrics(collector)
	}

	provider, err := llm.NewProvider(startCtx, cfg.LLM, logger)
	if err != nil {
		return err
	}

	opts := intake.Options{Logger: logger, Timeout: cfg.Extraction.Timeout}
	if metrics != nil {
		opts.Metrics = metrics
	}
	var checkers []handlers.HealthChecker

	if cfg.Postgres.Enabled {
		if cfg.Postgres.AutoMigrate {
			if err := migrate(cfg.Postgres.DSN(), logger); err != nil {
				return err
			}
		}
		conn, err := postgres.NewConnection(startCtx, cfg.Postgres, logger)
		if err != nil {
			return err
		}
		a.onClose(conn.Close)
		var repoOpts []repositories.Option
		if metrics != nil {
			repoOpts = append(repoOpts, repositories.WithQueryObserver(metrics.RecordDBQuery))
		}
		opts.Store = repositories.NewNoteRepository(conn.Pool(), logger, repoOpts...)
		checkers = append(checkers, handlers.CheckFunc{Component: "postgres", Fn: conn.HealthCheck})
	}

	if cfg.Redis.Enabled {
		client, err := cache.NewClient(startCtx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		a.onClose(func() { _ = client.Close() })

		cacheOpts := []cache.CacheOption{cache.WithTTL(cfg.Extraction.CacheTTL)}
		if metrics != nil {
			cacheOpts = append(cacheOpts, cache.WithAccessObserver(func(hit bool) {
				metrics.RecordCacheAccess("note", hit)
			}))
		}
		opts.Cache = cache.NewNoteCache(client, logger, cacheOpts...)
		opts.Locker = intake.NewRedisLocker(cache.NewLocker(client, logger,
			cache.WithLockTTL(cfg.Extraction.LockTTL),
			cache.WithWatchdogInterval(cfg.Extraction.LockTTL/3),
		))
		checkers = append(checkers, handlers.CheckFunc{Component: "redis", Fn: client.Ping})
	}

	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka, logger)
		if err != nil {
			return err
		}
		a.onClose(func() { _ = producer.Close() })
		opts.Publisher = kafka.NewNotePublisher(producer, cfg.Kafka.Topic, logger)
	}

	if cfg.MinIO.Enabled {
		store, err := minio.NewStore(startCtx, cfg.MinIO, logger)
		if err != nil {
			return err
		}
		archive, err := minio.NewResponseArchive(startCtx, store, cfg.MinIO, logger)
		if err != nil {
			return err
		}
		opts.Archive = archive
		checkers = append(checkers, handlers.CheckFunc{Component: "minio", Fn: archive.Ping})
	}

	svc, err := intake.NewService(provider, opts)
	if err != nil {
		return err
	}

	routerCfg := httpserver.RouterConfig{
		Logger:      logger,
		MaxBodySize: cfg.Server.MaxBodySize,
	}
	var (
		recorder handlers.ErrorRecorder
		reporter handlers.HealthReporter
	)
	if metrics != nil {
		recorder, reporter = metrics, metrics
		routerCfg.Metrics = metrics
		routerCfg.MetricsHandler = collector.Handler()
		routerCfg.MetricsPath = cfg.Metrics.Path
	}
	routerCfg.NoteHandler = handlers.NewNoteHandler(svc, logger, recorder)
	routerCfg.AcupunctureHandler = handlers.NewAcupunctureHandler(svc, logger, recorder)
	routerCfg.ICDHandler = handlers.NewICDHandler(logger, recorder)
	routerCfg.HealthHandler = handlers.NewHealthHandler(Version, reporter, checkers...)

	if len(cfg.Server.CORSOrigins) > 0 {
		cors := middleware.DefaultCORSConfig()
		cors.AllowedOrigins = cfg.Server.CORSOrigins
		routerCfg.CORS = &cors
	}
	if cfg.Server.ExtractRPS > 0 {
		limiter := middleware.NewTokenBucketLimiter(cfg.Server.ExtractRPS, cfg.Server.ExtractBurst, time.Minute)
		a.onClose(limiter.Stop)
		routerCfg.ExtractLimiter = limiter
	}

	if configPath != "" {
		watchConfig(configPath, cfg, logger)
	}

	srv := httpserver.NewServer(cfg.Server, httpserver.NewRouter(routerCfg), logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func migrate(dsn string, logger logging.Logger) error {
	m, err := postgres.NewMigrator(dsn, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

// watchConfig logs settings that changed on disk.  They take effect on the
// next restart.
func watchConfig(path string, current *config.Config, logger logging.Logger) {
	err := config.Watch(path, func(next *config.Config) {
		if next.Log.Level != current.Log.Level {
			logger.Warn("Log level changed on disk; restart to apply",
				logging.String("from", string(current.Log.Level)),
				logging.String("to", string(next.Log.Level)))
			return
		}
		logger.Info("Configuration file changed; restart to apply")
	}, func(err error) {
		logger.Warn("Ignoring invalid configuration change", logging.Err(err))
	})
	if err != nil {
		logger.Warn("Configuration watch disabled", logging.Err(err))
	}
}
