// Package main implements the entry point for the StudyMatch service, the
// streaming orchestrator that links research reports to catalogued studies
// via an external AI classification pipeline.
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

	"github.com/c360/studymatch/config"
	"github.com/c360/studymatch/eventlog"
	"github.com/c360/studymatch/gateway"
	"github.com/c360/studymatch/metric"
	"github.com/c360/studymatch/natsclient"
	"github.com/c360/studymatch/session"
	"github.com/c360/studymatch/store"
	"github.com/c360/studymatch/stream"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "studymatch"
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
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting StudyMatch (streaming triage orchestrator)",
		"version", Version,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.NewLoader().LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if mc := getEnvInt("STUDYMATCH_MAX_CONCURRENT", 0); mc > 0 {
		cfg.Orchestrator.MaxConcurrent = mc
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	return runService(cfg, logger, cliCfg.ShutdownTimeout)
}

func runService(cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	metricsRegistry := metric.NewMetricsRegistry()

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop(5 * time.Second) }()
		slog.Info("Metrics server started", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	publisher, natsClient, err := setupPublisher(cfg, logger)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := natsClient.Close(ctx); err != nil {
				slog.Error("Error closing NATS connection", "error", err)
			}
		}()
	}

	client, err := stream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.EvaluatePath)
	if err != nil {
		return fmt.Errorf("create upstream client: %w", err)
	}

	st := store.New()
	manager, err := session.NewManager(client, st, publisher, metricsRegistry, logger, session.Config{
		MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
		DefaultModel:  cfg.Upstream.DefaultModel,
	})
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}

	gw, err := gateway.NewGateway(manager, st, cfg.HTTP, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	server := gateway.NewServer(gw, cfg.HTTP.Port)
	serverErr, err := server.Start()
	if err != nil {
		return fmt.Errorf("start gateway server: %w", err)
	}
	slog.Info("Gateway server started", "port", cfg.HTTP.Port)

	slog.Info("StudyMatch started successfully",
		"max_concurrent", manager.MaxConcurrent(),
		"upstream", cfg.Upstream.BaseURL)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case err, ok := <-serverErr:
		if ok && err != nil {
			slog.Error("Gateway server failed", "error", err)
		}
	}

	return shutdown(manager, server, shutdownTimeout)
}

// setupPublisher connects to NATS when fan-out is enabled. When disabled it
// returns a nil publisher, which the manager treats as publishing off.
func setupPublisher(cfg *config.Config, logger *slog.Logger) (session.EventPublisher, *natsclient.Client, error) {
	if !cfg.NATS.Enabled {
		return nil, nil, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithLogger(logger),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return eventlog.NewPublisher(client, cfg.NATS.SubjectPrefix, logger), client, nil
}

// shutdown cancels all sessions and stops the servers in reverse order
func shutdown(manager *session.Manager, server *gateway.Server, timeout time.Duration) error {
	slog.Info("Shutting down", "timeout", timeout)

	if err := server.Stop(timeout); err != nil {
		slog.Error("Error stopping gateway server", "error", err)
	}

	if err := manager.Close(timeout); err != nil {
		slog.Error("Error draining sessions", "error", err)
		return err
	}

	slog.Info("StudyMatch shutdown complete")
	return nil
}
