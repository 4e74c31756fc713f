package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"stocksync/internal/api"
	"stocksync/internal/config"
	"stocksync/internal/database"
	"stocksync/internal/engine"
	"stocksync/internal/events"
	"stocksync/internal/export"
	"stocksync/internal/logging"
	"stocksync/internal/metrics"
	"stocksync/internal/models"
	"stocksync/internal/netmon"
	"stocksync/internal/remote"
	"stocksync/internal/repository"
	"stocksync/internal/resolver"
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
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := prepareDirectories(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	db, err := database.NewDB(cfg.Database.Path, cfg.Device.ID, cfg.Database.MaxQueueSize, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open queue database")
		return err
	}
	defer db.Close()

	if cfg.Retention.Enabled {
		maintenance := database.NewMaintenanceService(db, cfg.RetentionInterval(), cfg.RetentionMaxAge(), logger)
		go maintenance.Start(ctx)
	}

	redisClient, sessions := initSessions(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Device.ID, cfg.RemoteTimeout(), logger)

	eventBus := events.NewEventBus()

	monitor := netmon.NewMonitor(client, eventBus, cfg.HeartbeatInterval(), cfg.DwellTime(), logger)
	if err := monitor.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start network monitor")
		return err
	}
	defer monitor.Stop()

	res := resolver.New(resolver.PolicyFromConfig(cfg.Resolution), logger)

	syncEngine := engine.New(db, client, res, monitor, eventBus, engine.Options{
		RetryPolicy: engine.RetryPolicy{
			MaxRetries:    cfg.Sync.MaxRetries,
			InitialDelay:  cfg.InitialBackoff(),
			MaxDelay:      cfg.MaxBackoff(),
			BackoffFactor: 2,
		},
		BatchSize: cfg.Sync.BatchSize,
		DeviceID:  cfg.Device.ID,
		Sessions:  sessions,
		Redis:     redisClient,
	}, logger)
	if err := syncEngine.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start sync engine")
		return err
	}
	defer syncEngine.Stop()

	if cfg.API.Enabled {
		exporter := export.New(db, cfg.Exports.Path, logger)
		apiServer := api.NewHTTPServer(cfg.API, db, syncEngine, monitor, sessions, exporter, cfg.Device.ID, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Monitoring.PrometheusEnabled {
		startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
	}

	logger.Info().
		Str("device_id", cfg.Device.ID).
		Str("remote", cfg.Remote.BaseURL).
		Msg("Sync agent started")

	<-ctx.Done()
	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := baseLogger.With().Str("component", "agent-main").Logger()

	return cfg, &logger, closer, nil
}

func prepareDirectories(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create exports directory: %w", err)
	}
	return nil
}

// initSessions builds the session repository: Redis with an in-memory
// failover when Redis is configured, plain in-memory otherwise.
func initSessions(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, repository.SessionRepository) {
	fallback := repository.NewMemorySessionRepository(models.DefaultSessionTTL)
	if !cfg.Redis.Enabled || cfg.Redis.Address == "" {
		return nil, fallback
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable")
	}

	primary := repository.NewRedisSessionRepository(redisClient, models.DefaultSessionTTL)
	return redisClient, repository.NewFailoverSessionRepository(primary, fallback, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
