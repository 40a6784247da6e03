package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/fulfillment-router/internal/config"
	"github.com/tributary-ai/fulfillment-router/internal/ingest"
	"github.com/tributary-ai/fulfillment-router/internal/providers"
	"github.com/tributary-ai/fulfillment-router/internal/providers/httpgw"
	"github.com/tributary-ai/fulfillment-router/internal/quotes"
	"github.com/tributary-ai/fulfillment-router/internal/reliability"
	"github.com/tributary-ai/fulfillment-router/internal/routing"
	"github.com/tributary-ai/fulfillment-router/internal/scoring"
	"github.com/tributary-ai/fulfillment-router/internal/server"
	"github.com/tributary-ai/fulfillment-router/internal/store"
	"github.com/tributary-ai/fulfillment-router/internal/weights"
)

// Application represents the main application
type Application struct {
	config       *config.Config
	store        store.Store
	tracker      *reliability.Tracker
	orchestrator *routing.Orchestrator
	adjuster     *weights.Adjuster
	consumer     *ingest.Consumer
	server       *server.Server
	logger       *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := providers.NewRegistry(logger)
	registerProviders(registry, cfg, logger)

	tracker := reliability.NewTracker(st, cfg.Reliability, logger)
	if err := tracker.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load outcome history: %w", err)
	}

	aggregator := quotes.NewAggregator(registry, logger)
	engine := scoring.NewEngine(logger)
	orchestrator := routing.NewOrchestrator(registry, aggregator, engine, tracker, st, cfg.Router, logger)

	var adjuster *weights.Adjuster
	if cfg.Weights.AdjustEnabled {
		adjuster = weights.NewAdjuster(st, cfg.Weights.Adjuster, logger)
	}

	var consumer *ingest.Consumer
	if cfg.Ingest.Enabled {
		consumer = ingest.NewConsumer(&cfg.Ingest, orchestrator, logger)
	}

	serverInstance, err := server.NewServer(orchestrator, registry, tracker, st, cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config:       cfg,
		store:        st,
		tracker:      tracker,
		orchestrator: orchestrator,
		adjuster:     adjuster,
		consumer:     consumer,
		server:       serverInstance,
		logger:       logger,
	}, nil
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.Info("Starting fulfillment router")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Background loops: expired-token reaper and adaptive weight adjustment
	go app.orchestrator.StartReaper(ctx)
	if app.adjuster != nil {
		go app.adjuster.Run(ctx)
	}

	serverErrors := make(chan error, 2)

	if app.consumer != nil {
		if err := app.consumer.Connect(); err != nil {
			return fmt.Errorf("outcome consumer: %w", err)
		}
		go func() {
			if err := app.consumer.Run(ctx); err != nil && ctx.Err() == nil {
				serverErrors <- fmt.Errorf("outcome consumer stopped: %w", err)
			}
		}()
	}

	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if app.consumer != nil {
		app.consumer.Close()
	}
	if err := app.store.Close(); err != nil {
		app.logger.WithError(err).Warn("Store close error")
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// openStore picks the persistence backend from configuration
func openStore(cfg *config.Config, logger *logrus.Logger) (store.Store, error) {
	initial := weights.DefaultWeightSet()

	switch cfg.Storage.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pg, err := store.ConnectPostgres(ctx, cfg.Storage.Postgres, initial)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"host":     cfg.Storage.Postgres.Host,
			"database": cfg.Storage.Postgres.Database,
		}).Info("Connected to Postgres")
		return pg, nil
	default:
		logger.Info("Using in-memory store")
		return store.NewMemory(initial), nil
	}
}

// registerProviders registers all configured provider gateways
func registerProviders(registry *providers.Registry, cfg *config.Config, logger *logrus.Logger) {
	for i := range cfg.Providers {
		pc := cfg.Providers[i]
		registry.Register(httpgw.NewHTTPGateway(&pc, logger))
	}
	logger.WithField("count", len(cfg.Providers)).Info("Provider registration completed")
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  ROUTER_PORT            Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  ROUTER_LOG_LEVEL       Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  ROUTER_LOG_FORMAT      Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  ROUTER_STORAGE_DRIVER  Storage driver (memory,postgres)\n")
	fmt.Fprintf(os.Stderr, "  ROUTER_JWT_SECRET      Shared secret for service JWTs\n")
	fmt.Fprintf(os.Stderr, "  POSTGRES_PASSWORD      Postgres password\n")
	fmt.Fprintf(os.Stderr, "  RABBITMQ_PASSWORD      RabbitMQ password\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *version {
		fmt.Printf("Fulfillment Router v1.0.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
