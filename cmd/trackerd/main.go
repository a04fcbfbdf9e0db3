package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"meetup-location-backend/config"
	"meetup-location-backend/internal/api"
	"meetup-location-backend/internal/db"
	"meetup-location-backend/internal/movement"
	"meetup-location-backend/internal/notification"
	"meetup-location-backend/internal/realtime"
	"meetup-location-backend/internal/reconciler"
	"meetup-location-backend/internal/store"
	"meetup-location-backend/internal/tracking"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	logger, err := newLogger(&cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("Configuration loaded", zap.String("path", configPath))

	// Initialize database
	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	logger.Info("Database initialized", zap.String("driver", cfg.Database.Driver))

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := connectRedis(ctx, &cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer client.Close()

	appStore := store.NewGormStore(gormDB)
	locations := store.NewLocationStore(client, cfg.Tracking.LocationTTL, logger)
	goals := store.NewGoalCache(client, appStore, cfg.Tracking.GoalCacheTTL, logger)
	sessions := store.NewSessionRegistry(client, cfg.Tracking.SessionTTL, logger)
	machine := movement.NewMachine(cfg.Tracking.Movement())

	// Dispatchers are appended once the hub exists; the hub itself needs the
	// tracking service.
	var dispatchers notification.Fanout

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appStore, webpushOptions, logger)
		pool.Start(ctx)
		dispatchers = append(dispatchers, pool)
	} else {
		logger.Warn("VAPID keys are not configured, web push is disabled")
	}

	tracker := tracking.NewService(appStore, goals, locations, machine, &dispatchers, logger)
	hub := realtime.NewHub(tracker, sessions, logger)
	sessions.SetEvictor(hub)
	dispatchers = append(dispatchers, hub)

	reconcilerSvc := reconciler.NewService(&cfg.Tracking, appStore, locations, goals, machine, &dispatchers, logger)
	go reconcilerSvc.Run(ctx)

	handler := api.NewHandler(appStore, tracker, goals, webpushOptions, logger)
	router := api.NewRouter(&cfg.Server, handler, hub.Handle)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start the server in a goroutine
	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server ListenAndServe", zap.Error(err))
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Info("Shutdown signal received, stopping services")

	// Connections closed by a shutdown are not disconnects.
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server Shutdown", zap.Error(err))
	}
	cancel()

	logger.Info("Server gracefully stopped")
}

func newLogger(cfg *config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// connectRedis dials Redis, retrying while it is still coming up.
func connectRedis(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (rueidis.Client, error) {
	var client rueidis.Client
	operation := func() error {
		c, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress: []string{cfg.Address},
			Username:    cfg.Username,
			Password:    cfg.Password,
			SelectDB:    cfg.DB,
		})
		if err != nil {
			logger.Warn("Redis not reachable, retrying", zap.String("address", cfg.Address), zap.Error(err))
			return err
		}
		client = c
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(time.Minute),
	), 8)
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return client, nil
}
