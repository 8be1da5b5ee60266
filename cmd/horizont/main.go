// Package main implements the entry point for the Horizont framework process.
// It loads the settings, opens the configuration store, registers the
// built-in component types and drives the system until a signal arrives.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/xonfour/horizont-sub000/componentregistry"
	"github.com/xonfour/horizont-sub000/config"
	"github.com/xonfour/horizont-sub000/metric"
	"github.com/xonfour/horizont-sub000/output/eventlog"
	"github.com/xonfour/horizont-sub000/rights"
	"github.com/xonfour/horizont-sub000/system"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "horizont"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	settings, err := loadSettings(cliCfg)
	if err != nil {
		return err
	}

	handler, logger := setupLogger(settings.Log.Level, settings.Log.Format)
	slog.SetDefault(slog.New(handler.Fallback()))

	if cliCfg.Validate {
		logger.Info("Settings are valid")
		return nil
	}

	logger.Info("Starting Horizont",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"store", settings.Store.Kind)

	ctx := context.Background()
	store, err := config.OpenStore(ctx, settings.Store, logger)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	if cliCfg.ImportPath != "" {
		if err := importSnapshot(ctx, store, cliCfg.ImportPath, logger); err != nil {
			return err
		}
	}
	if err := seedDefaults(ctx, store, logger); err != nil {
		return err
	}

	metricsRegistry := metric.NewMetricsRegistry()
	if settings.Metrics.Port > 0 {
		server := metric.NewServer(settings.Metrics.Port, settings.Metrics.Path, metricsRegistry, logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			if err := server.Stop(5 * time.Second); err != nil {
				logger.Warn("Metrics server stop failed", "error", err)
			}
		}()
	}

	sys, err := system.New(system.Options{
		Settings: settings,
		Store:    store,
		Registrations: componentregistry.Builtins(componentregistry.Options{
			Logger:  slog.New(handler.Fallback()).With("service", appName),
			Metrics: metricsRegistry.CoreMetrics(),
		}),
		Logging: handler,
		Logger:  logger,
		Metrics: metricsRegistry,
	})
	if err != nil {
		return fmt.Errorf("create system: %w", err)
	}

	return runWithSignalHandling(ctx, sys, logger)
}

// initializeCLI parses and validates the flags
func initializeCLI(args []string) (*CLIConfig, bool, error) {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return nil, true, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, true, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	return cliCfg, cliCfg.ShowHelp, nil
}

// loadSettings merges the settings file with the environment and applies
// the command-line overrides on top
func loadSettings(cliCfg *CLIConfig) (*config.Settings, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	settings, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if cliCfg.LogLevel != "" {
		settings.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		settings.Log.Format = cliCfg.LogFormat
	}
	if cliCfg.ShutdownTimeout > 0 {
		settings.ShutdownTimeout = cliCfg.ShutdownTimeout
	}
	if cliCfg.MetricsPort >= 0 {
		settings.Metrics.Port = cliCfg.MetricsPort
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return settings, nil
}

// importSnapshot replaces the store content with a snapshot file
func importSnapshot(ctx context.Context, store config.Store, path string, logger *slog.Logger) error {
	snap, err := config.LoadSnapshot(path)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := store.Import(ctx, snap); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	logger.Info("Configuration snapshot imported",
		"path", path,
		"components", len(snap.Components),
		"connections", len(snap.Connections))
	return nil
}

// seedDefaults gives an empty store an event log so a fresh process shows
// what it does
func seedDefaults(ctx context.Context, store config.Store, logger *slog.Logger) error {
	existing, err := store.Components(ctx)
	if err != nil {
		return fmt.Errorf("read components: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	rec := config.ComponentRecord{
		ID:       "eventlog",
		Kind:     config.KindControlInterface,
		Type:     eventlog.Type,
		Name:     "Event log",
		Rights:   rights.AllEvents,
		Settings: map[string]string{"categories": "state,module,connection"},
	}
	if err := store.PutComponent(ctx, rec); err != nil {
		return fmt.Errorf("seed default components: %w", err)
	}
	logger.Info("Empty configuration store seeded", "component", rec.ID, "type", rec.Type)
	return nil
}

// runWithSignalHandling initializes the system and exits it on SIGINT or
// SIGTERM. An exit requested through a control interface ends the process too.
func runWithSignalHandling(ctx context.Context, sys *system.System, logger *slog.Logger) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := sys.Initialize(signalCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sys.ShutdownTimeout())
		defer cancel()
		_ = sys.Exit(shutdownCtx)
		return fmt.Errorf("initialize system: %w", err)
	}
	logger.Info("Horizont ready", "state", sys.State().String())

	select {
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal")
	case <-sys.Wait():
		logger.Info("System exited")
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sys.ShutdownTimeout())
	defer cancel()
	if err := sys.Exit(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	select {
	case <-sys.Wait():
	case <-shutdownCtx.Done():
		return fmt.Errorf("graceful shutdown failed: %w", shutdownCtx.Err())
	}
	logger.Info("Horizont shutdown complete")
	return nil
}
