// Package main implements the entry point for the odin meta data writer.
// The meta writer subscribes to acquisition metadata published over NATS
// and records per-frame metadata to files on disk.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dls-controls/odin-data/config"
	"github.com/dls-controls/odin-data/health"
	"github.com/dls-controls/odin-data/listener"
	"github.com/dls-controls/odin-data/metric"
	"github.com/dls-controls/odin-data/natsclient"
	"github.com/dls-controls/odin-data/pkg/version"
	"github.com/dls-controls/odin-data/writer"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "metawriter"
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

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		info, err := version.Parse(Version)
		if err != nil {
			fmt.Printf("%s version %s\n", appName, Version)
			return nil
		}
		fmt.Printf("%s version %s (%s.%s.%s)\n", appName, info.Full, info.Major, info.Minor, info.Patch)
		return nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting odin meta writer",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	monitor := health.NewMonitor()
	registry := metric.NewRegistry()

	natsClient := buildNATSClient(cfg, logger, registry.Metrics, monitor)

	metaListener := listener.New(natsClient,
		listener.WithLogger(logger),
		listener.WithMetrics(registry.Metrics),
		listener.WithSubject(cfg.Listener.Subject),
		listener.WithQueueGroup(cfg.Listener.QueueGroup),
		listener.WithQueueSize(cfg.Listener.QueueSize),
		listener.WithLinger(cfg.Listener.Linger.Std()),
		listener.WithWriterConfig(writerConfig(cfg)),
		listener.WithSideChannelTTL(cfg.Writer.SideChannelTTL.Std()),
	)
	if err := metaListener.Initialize(); err != nil {
		return fmt.Errorf("initialize listener: %w", err)
	}

	if err := natsClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() { _ = natsClient.Close() }()
	monitor.UpdateHealthy("nats", "connected to "+cfg.NATS.URL)

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path,
			registry, health.Handler(appName, monitor))
		go func() {
			if err := metricsServer.Start(); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		slog.Info("Metrics server listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
	}

	if err := metaListener.Start(ctx); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	monitor.UpdateHealthy("listener", "subscribed to "+cfg.Listener.Subject)

	slog.Info("Meta writer running",
		"subject", cfg.Listener.Subject,
		"directory", cfg.Writer.Directory)

	waitForShutdown()

	return shutdown(metaListener, metricsServer, cliCfg.ShutdownTimeout)
}

// loadConfig layers the optional config file over built-in defaults and
// applies environment overrides.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	return loader.Load()
}

func buildNATSClient(
	cfg *config.Config,
	logger *slog.Logger,
	metrics *metric.Metrics,
	monitor *health.Monitor,
) *natsclient.Client {
	opts := []natsclient.Option{
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(metrics),
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithDisconnectCallback(func(err error) {
			msg := "connection lost"
			if err != nil {
				msg = err.Error()
			}
			monitor.UpdateUnhealthy("nats", msg)
		}),
		natsclient.WithReconnectCallback(func() {
			monitor.UpdateHealthy("nats", "reconnected")
		}),
	}

	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	return natsclient.NewClient(cfg.NATS.URL, opts...)
}

func writerConfig(cfg *config.Config) writer.Config {
	wc := writer.DefaultConfig(cfg.Writer.Directory)
	wc.FilePrefix = cfg.Writer.FilePrefix
	wc.FlushFrameFrequency = cfg.Writer.FlushFrameFrequency
	wc.FlushTimeout = cfg.Writer.FlushTimeout.Std()
	return wc
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())
}

func shutdown(metaListener *listener.MetaListener, metricsServer *metric.Server, timeout time.Duration) error {
	slog.Info("Shutting down", "timeout", timeout)

	var firstErr error
	if err := metaListener.Stop(timeout); err != nil {
		slog.Error("Listener shutdown failed", "error", err)
		firstErr = err
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			slog.Error("Metrics server shutdown failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	slog.Info("Shutdown complete")
	return firstErr
}
