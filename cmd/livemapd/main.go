// Package main implements the entry point for the live-map streaming
// service: it serves disaster-relief map layers to browsers over SSE and
// WebSocket, fanning out change notifications from the upstream channel and
// falling back to polling when that channel is down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/DennisWilmot/weather-updates-sub002/broker"
	"github.com/DennisWilmot/weather-updates-sub002/config"
	"github.com/DennisWilmot/weather-updates-sub002/metric"
	"github.com/DennisWilmot/weather-updates-sub002/natsclient"
	"github.com/DennisWilmot/weather-updates-sub002/poller"
	"github.com/DennisWilmot/weather-updates-sub002/query"
	"github.com/DennisWilmot/weather-updates-sub002/server"
	"github.com/DennisWilmot/weather-updates-sub002/session"
	"github.com/DennisWilmot/weather-updates-sub002/store"
)

const (
	Version = "0.1.0"
	appName = "livemapd"
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
	configPath := flag.String("config", "", "path to JSON configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting", "app", appName, "version", Version, "addr", cfg.HTTPAddr)

	registry := metric.NewRegistry()

	natsClient, err := natsclient.NewClient(cfg.NATSURL,
		natsclient.WithName(appName),
		natsclient.WithLogger(logger))
	if err != nil {
		return err
	}

	changeBroker := broker.New(natsClient,
		broker.WithLogger(logger),
		broker.WithMetrics(registry),
		broker.WithBufferSize(cfg.BrokerBuffer))
	defer changeBroker.Close()

	records := store.NewMemory()
	gateway := query.NewGateway(records)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(registry),
		server.WithHealthReporter(changeBroker),
		server.WithHeartbeatInterval(cfg.HeartbeatInterval.Std()),
		server.WithPollerConfig(poller.Config{
			Interval: cfg.PollInterval.Std(),
			Lookback: cfg.PollLookback.Std(),
		}),
	}
	if cfg.IngestToken != "" {
		opts = append(opts, server.WithIngest(cfg.IngestToken, natsClient))
	}

	srv := server.New(cfg.HTTPAddr, gateway, session.NewBrokerNotifier(changeBroker), records, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(context.Background())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	if err := srv.Stop(cfg.ShutdownTimeout.Std()); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancel()
	if err := natsClient.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close upstream connection", "error", err)
	}

	logger.Info("stopped", "app", appName)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
