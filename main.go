package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource/mysql"
	_ "github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/telemetry-mapper/pkg/config"
	"github.com/ekaya-inc/telemetry-mapper/pkg/crypto"
	"github.com/ekaya-inc/telemetry-mapper/pkg/database"
	"github.com/ekaya-inc/telemetry-mapper/pkg/handlers"
	"github.com/ekaya-inc/telemetry-mapper/pkg/logging"
	"github.com/ekaya-inc/telemetry-mapper/pkg/middleware"
	"github.com/ekaya-inc/telemetry-mapper/pkg/repositories"
	"github.com/ekaya-inc/telemetry-mapper/pkg/retry"
	"github.com/ekaya-inc/telemetry-mapper/pkg/services"
	"github.com/ekaya-inc/telemetry-mapper/pkg/telemetry"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.Bool("redis", cfg.Redis.Host != ""),
		zap.Bool("mqtt", cfg.MQTT.Broker != ""),
		zap.Bool("api_key", cfg.APIKey != ""),
	)

	shutdownTelemetry, err := telemetry.Setup(ctx, &cfg.Telemetry, cfg.Version, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	encryptor, err := crypto.NewCredentialEncryptor(cfg.CredentialsKey)
	if err != nil {
		return fmt.Errorf("credentials key: %w", err)
	}

	// Catalog database
	db, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.ConnectionString(),
			MaxConnections: cfg.Database.MaxConnections,
		})
	})
	if err != nil {
		return fmt.Errorf("catalog database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateURL(cfg.Database.ConnectionString(), cfg.MigrationsPath, logger); err != nil {
		return err
	}

	// Optional /latest cache
	var cache services.LatestCache
	if cfg.Redis.Host != "" {
		redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
		cache = services.NewLatestCache(redisClient, cfg.Latest.CacheTTL(), logger)
	}

	connManager := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{
		TTLMinutes:   cfg.Datasource.ConnectionTTLMinutes,
		PoolMaxConns: cfg.Datasource.PoolMaxConns,
		PoolMinConns: cfg.Datasource.PoolMinConns,
	}, logger)
	defer func() {
		if err := connManager.Close(); err != nil {
			logger.Warn("Failed to close data source pools", zap.Error(err))
		}
	}()
	adapterFactory := datasource.NewAdapterFactory(connManager)

	datasourceRepo := repositories.NewDatasourceRepository(db)
	mappingRepo := repositories.NewMappingRepository(db)

	datasourceService := services.NewDataSourceService(datasourceRepo, mappingRepo, encryptor, adapterFactory, connManager, logger)
	mappingService := services.NewMappingService(mappingRepo, datasourceService, adapterFactory, cache, cfg.Datasource.QueryTimeout(), logger)
	latestService := services.NewLatestService(mappingRepo, datasourceService, adapterFactory, cache, services.LatestServiceConfig{
		DefaultLookbackDays:    cfg.Latest.DefaultLookbackDays,
		MaxConcurrentPerSource: cfg.Datasource.MaxConcurrentPerSource,
		QueryTimeout:           cfg.Datasource.QueryTimeout(),
		BreakerFailures:        cfg.Datasource.BreakerFailures,
		BreakerCooldown:        cfg.Datasource.BreakerCooldown(),
	}, logger)

	// Optional retained MQTT snapshots
	if cfg.MQTT.Broker != "" {
		mqttClient, err := services.NewMQTTClient(&cfg.MQTT)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)
		publisher := services.NewSnapshotPublisher(mqttClient, latestService, cfg.MQTT.TopicPrefix, cfg.MQTT.Interval(), logger)
		go publisher.Start(ctx)
	}

	guard := middleware.APIKeyGuard(cfg.APIKey, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, connManager, logger).RegisterRoutes(mux)
	handlers.NewDatasourcesHandler(datasourceService, logger).RegisterRoutes(mux, guard)
	handlers.NewMappingsHandler(mappingService, logger).RegisterRoutes(mux, guard)
	handlers.NewLatestHandler(latestService, cfg.Latest.RequestTimeout(), logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestID(middleware.RequestLogger(logger)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting telemetry-mapper", zap.String("addr", server.Addr), zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(sctx)
}
