package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/swarmsys/analysis-router/internal/catalog"
	"github.com/swarmsys/analysis-router/internal/config"
	"github.com/swarmsys/analysis-router/internal/cooldown"
	"github.com/swarmsys/analysis-router/internal/history"
	"github.com/swarmsys/analysis-router/internal/providers/anthropic"
	"github.com/swarmsys/analysis-router/internal/providers/claudecli"
	"github.com/swarmsys/analysis-router/internal/providers/geminicli"
	"github.com/swarmsys/analysis-router/internal/providers/openai"
	"github.com/swarmsys/analysis-router/internal/routing"
	"github.com/swarmsys/analysis-router/internal/server"
	"github.com/swarmsys/analysis-router/internal/swarm"
)

// Application represents the main application
type Application struct {
	config     *config.Config
	configPath string
	engine     *routing.Engine
	tracker    *cooldown.Tracker
	recorder   *history.Recorder
	registry   *swarm.Registry
	server     *server.Server
	watcher    *config.Watcher
	logger     *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	// Build the routing pipeline
	descriptors := cfg.BuildCatalog()
	strategy := routing.NewStrategy(descriptors, cfg.ToStrategyConfig(), logger)
	tracker := cooldown.NewTracker(cfg.Cooldown.Duration, logger)
	recorder := history.NewRecorder(cfg.History, logger)
	engine := routing.NewEngine(strategy, tracker, recorder, cfg.Routing.WorkDir, logger)

	// Register backends
	if err := registerInvokers(engine, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to register backends: %w", err)
	}

	// Create swarm registry
	registry := swarm.NewRegistry(engine, logger)

	// Create server
	serverInstance, err := server.NewServer(engine, tracker, recorder, registry, descriptors, cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	app := &Application{
		config:     cfg,
		configPath: configPath,
		engine:     engine,
		tracker:    tracker,
		recorder:   recorder,
		registry:   registry,
		server:     serverInstance,
		logger:     logger,
	}

	// Live reload only makes sense when there is a file to watch
	if configPath != "" {
		app.watcher = config.NewWatcher(configPath, logger)
	}

	return app, nil
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.Info("Starting Analysis Router")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the config watcher
	if app.watcher != nil {
		if err := app.watcher.Start(); err != nil {
			app.logger.WithError(err).Warn("Config watcher failed to start, live reload disabled")
			app.watcher = nil
		} else {
			go app.reloadLoop(ctx)
		}
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	// Graceful shutdown
	app.logger.Info("Starting graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	// Shutdown server first so no new work arrives, then drain the
	// background pieces
	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.registry.Wait()
	app.recorder.Stop()
	if app.watcher != nil {
		app.watcher.Stop()
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// reloadLoop consumes change signals from the config watcher until the
// application context ends.
func (app *Application) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-app.watcher.Events():
			if !ok {
				return
			}
			app.applyReload()
		}
	}
}

// applyReload re-reads the config file and re-applies the tunables that
// can change without a restart: routing thresholds, catalog overrides
// and the cooldown window. Server and backend changes still need a
// restart.
func (app *Application) applyReload() {
	cfg, err := config.Load(app.configPath)
	if err != nil {
		app.logger.WithError(err).Error("Config reload failed, keeping the running configuration")
		return
	}

	app.engine.SetStrategy(routing.NewStrategy(cfg.BuildCatalog(), cfg.ToStrategyConfig(), app.logger))
	app.tracker.SetDuration(cfg.Cooldown.Duration)

	app.logger.WithFields(logrus.Fields{
		"small_context_chars": cfg.Routing.SmallContextChars,
		"large_context_chars": cfg.Routing.LargeContextChars,
		"cooldown":            cfg.Cooldown.Duration.String(),
	}).Info("Configuration reloaded")
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	// Set log level
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	// Set log format
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

	// Set output
	switch config.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// File output rotates so long-running routers don't fill the disk
		logger.SetOutput(&lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    config.Rotation.MaxSizeMB,
			MaxBackups: config.Rotation.MaxBackups,
			MaxAge:     config.Rotation.MaxAgeDays,
			Compress:   config.Rotation.Compress,
		})
	}

	return nil
}

// registerInvokers builds an invoker for every configured backend and
// hands it to the engine. The catalog can list backends that never get
// an invoker here; the failover loop skips those at attempt time.
func registerInvokers(engine *routing.Engine, cfg *config.Config, logger *logrus.Logger) error {
	registered := 0

	if cfg.Providers.ClaudeCLI != nil {
		engine.RegisterInvoker(claudecli.NewInvoker(*cfg.Providers.ClaudeCLI, logger))
		logger.WithField("provider", catalog.ClaudeCLI).Info("Claude CLI backend registered")
		registered++
	}

	if cfg.Providers.GeminiCLI != nil {
		engine.RegisterInvoker(geminicli.NewInvoker(*cfg.Providers.GeminiCLI, logger))
		logger.WithField("provider", catalog.GeminiCLI).Info("Gemini CLI backend registered")
		registered++
	}

	if cfg.Providers.Anthropic != nil && cfg.Providers.Anthropic.APIKey != "" {
		engine.RegisterInvoker(anthropic.NewInvoker(*cfg.Providers.Anthropic, logger))
		logger.WithField("provider", catalog.AnthropicAPI).Info("Anthropic API backend registered")
		registered++
	}

	if cfg.Providers.OpenAI != nil && cfg.Providers.OpenAI.APIKey != "" {
		engine.RegisterInvoker(openai.NewInvoker(*cfg.Providers.OpenAI, logger))
		logger.WithField("provider", catalog.OpenAIAPI).Info("OpenAI API backend registered")
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no backends were registered - check your configuration and API keys")
	}

	logger.WithField("count", registered).Info("Backend registration completed")
	return nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY     Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY        OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  GITHUB_TOKEN          Fallback key for an OpenAI-compatible endpoint\n")
	fmt.Fprintf(os.Stderr, "  ANALYSIS_ROUTER_PORT  Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  LOG_LEVEL             Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  LOG_FORMAT            Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY=sk-ant-xxx %s\n", os.Args[0])
}

func main() {
	// A missing .env file is fine; the environment may carry the keys
	// directly
	_ = godotenv.Load()

	// Parse command line flags
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	// Show help if requested
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	// Show version if requested
	if *version {
		fmt.Printf("Analysis Router v1.0.0\n")
		os.Exit(0)
	}

	// Create and run application
	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	// Run application
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
