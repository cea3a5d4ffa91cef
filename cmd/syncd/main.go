package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgerbridge/internal/api"
	"ledgerbridge/internal/config"
	"ledgerbridge/internal/database"
	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/events"
	"ledgerbridge/internal/export"
	"ledgerbridge/internal/google"
	"ledgerbridge/internal/logging"
	"ledgerbridge/internal/metrics"
	"ledgerbridge/internal/notify"
	"ledgerbridge/internal/orchestrator"
	"ledgerbridge/internal/provider/rest"
	"ledgerbridge/internal/repository"
	"ledgerbridge/internal/storage"
	"ledgerbridge/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	sink, err := initSink(ctx, cfg, logger)
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	orch, err := orchestrator.New(orchestrator.Options{
		Queue:                 queueConfig(cfg),
		Transport:             initTransport(cfg, redisClient, logger),
		Sink:                  sink,
		CacheTTL:              cfg.Cache.TTL,
		CacheSweepInterval:    cfg.Cache.SweepInterval,
		ExportRetention:       cfg.Exports.Retention,
		ExportCleanupInterval: cfg.Exports.CleanupInterval,
	}, initStores(db, redisClient, cfg, logger), bus, logger)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	for _, d := range rest.Dialects {
		if err := orch.RegisterAdapter(d.Name, rest.Factory(d, rest.WithLogger(logger))); err != nil {
			return err
		}
	}
	for _, name := range cfg.ProviderNames() {
		p, _ := cfg.Provider(name)
		if _, err := orch.Initialize(ctx, p); err != nil {
			return fmt.Errorf("initialize provider %s: %w", name, err)
		}
	}

	if cfg.Alerts.Telegram.Enabled {
		alerter, err := notify.NewTelegramAlerter(cfg.Alerts.Telegram, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram alerts disabled")
		} else {
			alerter.Subscribe(bus)
			go alerter.Run(ctx)
		}
	}

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(db, cfg.Backup, logger)
		go backupService.Run(ctx)
	}

	startMetrics(ctx, cfg, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()

	servers, err := startServers(ctx, cfg, orch, logger)
	if err != nil {
		stop()
		<-errCh
		return err
	}

	logger.Info().Strs("providers", cfg.ProviderNames()).Str("queue_mode", cfg.Queue.Mode).Msg("sync daemon started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("orchestrator stopped")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	servers.shutdown(shutdownCtx)

	logger.Info().Msg("sync daemon stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, baseLogger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		// The failover wrappers keep working on the local fallbacks.
		logger.Warn().Err(err).Msg("redis connection failed, starting on local fallbacks")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}
	return client
}

func initTransport(cfg *config.Config, client *redis.Client, logger *zerolog.Logger) domain.QueueTransport {
	memory := repository.NewMemoryQueue()
	if client == nil {
		return memory
	}
	return repository.NewFailoverQueue(repository.NewRedisQueue(client, cfg.Queue.KeyPrefix), memory, logger)
}

func initStores(db *database.DB, client *redis.Client, cfg *config.Config, logger *zerolog.Logger) orchestrator.Stores {
	stores := orchestrator.Stores{Bindings: db, Cache: db, History: db, RateLimits: db, Jobs: db, Exports: db}
	if client != nil {
		stores.RateLimits = repository.NewFailoverRateLimitStore(repository.NewRedisRateLimitStore(client, cfg.Queue.KeyPrefix), db, logger)
	}
	return stores
}

func queueConfig(cfg *config.Config) worker.Config {
	q := cfg.Queue
	return worker.Config{
		Mode:          worker.Mode(q.Mode),
		Workers:       q.Workers,
		PollInterval:  q.PollInterval,
		SweepInterval: q.SweepInterval,
		LeaseTimeout:  q.LeaseTimeout,
		BatchSize:     q.BatchSize,
		Retry: worker.RetryPolicy{
			MaxRetries: q.DefaultMaxRetries,
			BaseDelay:  q.BaseDelay,
			MaxDelay:   q.MaxDelay,
		},
	}
}

func initSink(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (export.Sink, error) {
	switch cfg.Exports.Sink {
	case config.SinkS3:
		return storage.NewS3Sink(ctx, cfg.Exports.S3, logger)
	case config.SinkSheets:
		sink, err := google.NewSheetsSink(ctx, cfg.Exports.Sheets.CredentialsFile, cfg.Exports.Sheets.SpreadsheetID, logger)
		if err != nil {
			return nil, err
		}
		if err := sink.TestConnection(ctx); err != nil {
			return nil, fmt.Errorf("google sheets: %w", err)
		}
		return sink, nil
	default:
		return export.NewFileSink(cfg.Exports.Path)
	}
}

type servers struct {
	grpc *api.GRPCServer
	http *api.HTTPServer
}

func startServers(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, logger *zerolog.Logger) (*servers, error) {
	s := &servers{}
	if !cfg.API.Enabled {
		return s, nil
	}

	if cfg.API.GRPC.Enabled {
		grpcServer, err := api.NewGRPCServer(cfg.API, orch, logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return nil, err
		}
		s.grpc = grpcServer
		go grpcServer.WatchHealth(ctx, cfg.API.GRPC.HealthInterval)
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	if cfg.API.HTTP.Enabled {
		s.http = api.NewHTTPServer(cfg.API, orch, logger)
		go func() {
			if err := s.http.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}
	return s, nil
}

func (s *servers) shutdown(ctx context.Context) {
	if s.grpc != nil {
		s.grpc.Shutdown(ctx)
	}
	if s.http != nil {
		_ = s.http.Shutdown(ctx)
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
