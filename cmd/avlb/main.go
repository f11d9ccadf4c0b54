// Package main is the entry point for the load balancer daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avlb/internal/balancer"
	"github.com/vyrodovalexey/avlb/internal/config"
	"github.com/vyrodovalexey/avlb/internal/metrics"
	"github.com/vyrodovalexey/avlb/internal/observability"
	adminhttp "github.com/vyrodovalexey/avlb/internal/server/http"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	runBalancer(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("AVLB_CONFIG_PATH", "configs/avlb.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("AVLB_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("AVLB_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("avlb version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting avlb",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.Int("services", len(cfg.Services)),
	)

	return cfg
}

// application holds all application components.
type application struct {
	balancer *balancer.Balancer
	admin    *adminhttp.Server
	config   *config.Config
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	b := balancer.New(
		balancer.WithLogger(logger),
		balancer.WithMetrics(metrics.GetBalancerMetrics()),
	)

	for _, svc := range cfg.Services {
		if err := b.RegisterService(svc); err != nil {
			logger.Fatal("failed to register service",
				observability.String("service", svc.Name),
				observability.Error(err),
			)
		}
	}

	admin := adminhttp.NewServer(&adminhttp.ServerConfig{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:  120 * time.Second,
	}, b, logger)

	return &application{
		balancer: b,
		admin:    admin,
		config:   cfg,
	}
}

// runBalancer runs the balancer and handles shutdown.
func runBalancer(app *application, configPath string, logger observability.Logger) {
	ctx := context.Background()

	app.balancer.Start(ctx)

	go func() {
		if err := app.admin.Start(ctx); err != nil {
			logger.Fatal("admin server failed", observability.Error(err))
		}
	}()

	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, logger)
}

// startConfigWatcher starts the configuration watcher.
func startConfigWatcher(
	app *application,
	configPath string,
	logger observability.Logger,
) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("configuration changed, reloading services")
		applyServices(app.balancer, app.config, newCfg, logger)
		app.config = newCfg
	}, config.WithWatcherLogger(logger))

	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// applyServices reconciles the registry with a new configuration:
// services present in the new config are re-registered (which replaces
// them), services that disappeared are unregistered.
func applyServices(
	b *balancer.Balancer,
	oldCfg, newCfg *config.Config,
	logger observability.Logger,
) {
	keep := make(map[string]bool, len(newCfg.Services))
	for _, svc := range newCfg.Services {
		keep[svc.Name] = true
		if err := b.RegisterService(svc); err != nil {
			logger.Error("failed to re-register service",
				observability.String("service", svc.Name),
				observability.Error(err),
			)
		}
	}

	for _, svc := range oldCfg.Services {
		if !keep[svc.Name] {
			b.UnregisterService(svc.Name)
		}
	}
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown.
func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.admin.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop admin server gracefully", observability.Error(err))
	}

	app.balancer.Stop()

	logger.Info("balancer stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
