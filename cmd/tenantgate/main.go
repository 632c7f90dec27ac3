// Package main is the entry point for tenantgate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/tenantgate/internal/config"
	"github.com/vyrodovalexey/tenantgate/internal/enforcer"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
	"github.com/vyrodovalexey/tenantgate/internal/observability/metrics"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(logConfig(flags, cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, flags.configPath, logger); err != nil {
		logger.Error("tenantgate stopped with error", observability.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// parseFlags parses command line flags. Environment variables provide the
// defaults.
func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("tenantgate", flag.ExitOnError)
	configPath := fs.String("config", getEnvOrDefault("TENANTGATE_CONFIG_PATH", "configs/tenantgate.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", getEnvOrDefault("TENANTGATE_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration")
	logFormat := fs.String("log-format", getEnvOrDefault("TENANTGATE_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("tenantgate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// logConfig merges the logging section of cfg with the flag overrides.
func logConfig(flags cliFlags, cfg *config.Config) observability.LogConfig {
	lc := observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if flags.logLevel != "" {
		lc.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		lc.Format = flags.logFormat
	}
	return lc
}

// tracerConfig maps the tracing section of cfg.
func tracerConfig(cfg *config.Config) observability.TracerConfig {
	return observability.TracerConfig{
		ServiceName:  cfg.Service.Name,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
		Insecure:     cfg.Tracing.Insecure,
	}
}

// run starts every component and blocks until a shutdown signal.
func run(cfg *config.Config, configPath string, logger observability.Logger) error {
	logger.Info("starting tenantgate",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	tracer, err := observability.NewTracer(tracerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	engine, err := enforcer.New(ctx, cfg,
		enforcer.WithLogger(logger),
		enforcer.WithRegisterer(registry),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize enforcer: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(&metrics.ServerConfig{
			Address:      cfg.Metrics.Address,
			Path:         cfg.Metrics.Path,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, registry,
			metrics.WithServerLogger(logger),
			metrics.WithReadiness(engine.Ready),
		)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("metrics server error", observability.Error(err))
			}
		}()
	}

	watcher := startConfigWatcher(ctx, engine, configPath, logger)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}
	if err := engine.Close(); err != nil {
		logger.Error("failed to close enforcer", observability.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("tenantgate stopped")
	return nil
}

// startConfigWatcher applies configuration file changes to engine.
func startConfigWatcher(
	ctx context.Context,
	engine *enforcer.Engine,
	configPath string,
	logger observability.Logger,
) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		logger.Info("configuration changed, reloading")
		if err := engine.ApplyConfig(next); err != nil {
			logger.Error("failed to apply configuration", observability.Error(err))
		}
	},
		config.WithWatcherLogger(logger),
		config.WithErrorCallback(func(err error) {
			logger.Error("configuration reload rejected", observability.Error(err))
		}),
	)
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}
	return watcher
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
