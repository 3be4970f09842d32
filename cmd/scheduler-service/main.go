package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/fieldvault/compactor/internal/api/handler"
	"github.com/fieldvault/compactor/internal/api/router"
	"github.com/fieldvault/compactor/internal/compress"
	"github.com/fieldvault/compactor/internal/config"
	"github.com/fieldvault/compactor/internal/docstore"
	"github.com/fieldvault/compactor/internal/events"
	"github.com/fieldvault/compactor/internal/scheduler"
	"github.com/fieldvault/compactor/internal/stats"
	"github.com/fieldvault/compactor/internal/store"
	"github.com/fieldvault/compactor/shared/logger"
	"github.com/fieldvault/compactor/shared/rabbitmq"
	"github.com/fieldvault/compactor/shared/sqlite"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("SCHEDULER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/scheduler-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting scheduler service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize SQLite client and the job record store
	dbClient, err := sqlite.NewClient(&sqlite.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	jobStore := store.New(dbClient.GetDB(), appLogger.Logger)

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = jobStore.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to migrate job store: %w", err)
	}

	appLogger.Info("Job record store ready")

	// Initialize document storage and the compression codec
	documents, err := docstore.New(cfg.Documents.Root, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to initialize document storage: %w", err)
	}

	// Optional outcome publisher. The scheduler runs fine without it; an
	// unreachable broker at startup downgrades events instead of failing.
	var rabbitClient *rabbitmq.Client
	var publisher scheduler.OutcomePublisher
	if cfg.Events.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.Events, appLogger.Logger)
		if err != nil {
			appLogger.Warn("Events disabled - broker unavailable",
				slog.Any("error", err),
			)
		} else {
			publisher = events.NewPublisher(rabbitClient, appLogger.Logger)
			appLogger.Info("Outcome event publisher ready")
		}
	}

	// Create scheduler
	sched := scheduler.New(&scheduler.Config{
		Logger:     appLogger.Logger,
		Store:      jobStore,
		Compressor: compress.New(),
		Documents:  documents,
		Events:     publisher,
		Scheduler:  cfg.Scheduler,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:    appLogger.Logger,
		DBClient:  dbClient,
		Store:     jobStore,
		Scheduler: sched,
		Reporter:  stats.NewReporter(jobStore),
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Scheduler service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	// Stop the scheduler after the API so no new work arrives mid-stop.
	cancel()
	sched.Stop()

	if rabbitClient != nil {
		rabbitClient.Close()
	}
	if err := dbClient.Close(); err != nil {
		return err
	}

	appLogger.Info("Scheduler service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRabbitMQ initializes the outbound event publisher client
func initRabbitMQ(cfg *config.EventsConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.RabbitMQ.Host,
		Port:               cfg.RabbitMQ.Port,
		User:               cfg.RabbitMQ.User,
		Password:           cfg.RabbitMQ.Password,
		VHost:              cfg.RabbitMQ.VHost,
		ExchangeName:       cfg.RabbitMQ.Exchange.Name,
		ExchangeType:       cfg.RabbitMQ.Exchange.Type,
		ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
		ExchangeAutoDelete: cfg.RabbitMQ.Exchange.AutoDelete,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
