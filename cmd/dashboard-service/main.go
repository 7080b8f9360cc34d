package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/action"
	"github.com/cuongbtq/training-dashboard/internal/api/handler"
	"github.com/cuongbtq/training-dashboard/internal/api/router"
	"github.com/cuongbtq/training-dashboard/internal/archive"
	"github.com/cuongbtq/training-dashboard/internal/config"
	"github.com/cuongbtq/training-dashboard/internal/dashboard"
	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/cuongbtq/training-dashboard/internal/events"
	"github.com/cuongbtq/training-dashboard/internal/remote"
	"github.com/cuongbtq/training-dashboard/shared/logger"
	"github.com/cuongbtq/training-dashboard/shared/postgresql"
	"github.com/cuongbtq/training-dashboard/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("DASHBOARD_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/dashboard-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger = appLogger.WithAttrs(
		slog.String("app", cfg.App.Name),
		slog.String("environment", cfg.App.Environment),
	)
	appLogger.Info("Starting dashboard service",
		slog.String("version", cfg.App.Version),
		slog.String("remote", cfg.Remote.BaseURL),
	)

	// Cancelled on SIGINT/SIGTERM; bounds the poll loop and startup I/O
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := remote.NewClient(&remote.Config{
		BaseURL:        cfg.Remote.BaseURL,
		RequestTimeout: cfg.Remote.RequestTimeout,
	}, appLogger.Component("remote"))
	if err != nil {
		return fmt.Errorf("failed to initialize remote client: %w", err)
	}

	guard, redisClient, err := initGuard(ctx, &cfg.Guard, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize retry guard: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	dashCfg := &dashboard.Config{
		Logger:             appLogger.Logger,
		Remote:             client,
		Guard:              guard,
		SyncInterval:       cfg.Sync.Interval,
		SyncRequestTimeout: cfg.Sync.RequestTimeout,
		ActionTimeout:      cfg.Remote.ActionTimeout,
		RefreshAfterAction: true,
		OnSyncError: func(err error) {
			var syncErr *domain.TransientSyncError
			if errors.As(err, &syncErr) {
				appLogger.Debug("Last sync failed", slog.String("error", syncErr.Err.Error()))
			}
		},
	}

	readiness := map[string]func(context.Context) error{}

	if cfg.Archive.Enabled {
		dbClient, err := initPostgreSQL(ctx, &cfg.Archive.Database, appLogger.Component("postgresql"))
		if err != nil {
			return fmt.Errorf("failed to initialize archive database: %w", err)
		}
		defer dbClient.Close()

		storage := archive.NewStorage(dbClient.DB(), appLogger.Component("archive"))
		if err := storage.EnsureSchema(ctx); err != nil {
			return err
		}
		dashCfg.Archive = storage
		readiness["archive"] = dbClient.HealthCheck

		appLogger.Info("Snapshot archive enabled")
	}

	if cfg.Events.Enabled {
		publisher, err := initRabbitMQ(&cfg.Events.RabbitMQ, appLogger.Component("rabbitmq"))
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer publisher.Close()

		dispatcher := events.NewDispatcher(&events.DispatcherConfig{
			Logger:         appLogger.Component("event-dispatcher"),
			Publisher:      publisher,
			Concurrency:    cfg.Events.Dispatch.Concurrency,
			QueueSize:      cfg.Events.Dispatch.QueueSize,
			PublishTimeout: cfg.Events.Dispatch.PublishTimeout,
		})
		// Stop drains queued events, so the pool must outlive the shutdown signal
		dispatcher.Start(context.WithoutCancel(ctx))
		defer dispatcher.Stop()

		notifier := events.NewNotifier(dispatcher, appLogger.Component("events"))
		dashCfg.Hooks = append(dashCfg.Hooks, notifier.OnRefresh)
		dashCfg.Observers = append(dashCfg.Observers, notifier)

		appLogger.Info("Job lifecycle events enabled",
			slog.String("exchange", cfg.Events.RabbitMQ.Exchange.Name),
		)
	}

	if redisClient != nil {
		readiness["guard"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	dash, err := dashboard.New(ctx, dashCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize dashboard: %w", err)
	}
	defer dash.Close()

	// Ticks fail with ErrUnauthorized until the first authenticated request
	if cfg.Sync.Autostart {
		dash.StartSync(ctx)
	}

	r := initRouter(cfg, appLogger.Logger, dash, ctx, readiness)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("Dashboard service is running",
		slog.String("address", addr),
		slog.Duration("sync_interval", cfg.Sync.Interval),
		slog.String("guard", cfg.Guard.Backend),
	)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	})
}

// initGuard builds the in-flight retry guard; Redis shares it across replicas
func initGuard(ctx context.Context, cfg *config.GuardConfig, logger *slog.Logger) (action.Guard, *redis.Client, error) {
	if cfg.Backend != config.GuardRedis {
		return action.NewMemoryGuard(), nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Using Redis retry guard",
		slog.String("addr", cfg.Redis.Addr),
		slog.Duration("ttl", cfg.Redis.TTL),
	)
	return action.NewRedisGuard(rdb, cfg.Redis.Prefix, cfg.Redis.TTL), rdb, nil
}

// initPostgreSQL initializes the archive database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes the event publisher
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Publisher, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewPublisher(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, dash *dashboard.Dashboard, syncCtx context.Context, readiness map[string]func(context.Context) error) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:      logger,
		Dashboard:   dash,
		SyncContext: syncCtx,
	}

	return router.SetupRouter(handlerDeps, router.Options{
		ServiceName:     cfg.App.Name,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ReadinessChecks: readiness,
	})
}
