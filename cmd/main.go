// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fabmob/mob-sub003/client/amqp"
	"github.com/fabmob/mob-sub003/config"
	"github.com/fabmob/mob-sub003/consumer"
	"github.com/fabmob/mob-sub003/ipc"
	"github.com/fabmob/mob-sub003/server/health"
	"github.com/fabmob/mob-sub003/server/otel"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to an optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*configFile, *envFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	// Stdout carries the parent protocol; logs go to stderr.
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting subscription consumer",
		"instance", instanceID,
		"pid", os.Getpid(),
		"mode", cfg.Consumer.Mode,
		"retry_enabled", cfg.Consumer.RetryEnabled(),
		"retry_delay", cfg.Consumer.RetryDelay,
		"queue_prefix", cfg.Consumer.QueuePrefix,
		"health_enabled", cfg.Health.Enabled,
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"log_level", cfg.Log.Level)

	var telemetry *otel.Provider
	var metrics consumer.Metrics
	if cfg.Telemetry.Enabled {
		telemetry, err = otel.Setup(context.Background(), cfg.Telemetry, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		m, err := telemetry.Metrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		metrics = m
		slog.Info("OpenTelemetry enabled",
			"endpoint", cfg.Telemetry.Endpoint,
			"traces", telemetry.TracesEnabled())
	}

	dialer, err := amqp.NewDialer(&amqp.Options{
		URL:            cfg.Broker.URL,
		Address:        cfg.Broker.Address,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		Vhost:          cfg.Broker.Vhost,
		ConnectionName: cfg.Broker.ConnectionName,
		DialTimeout:    cfg.Broker.DialTimeout,
		Heartbeat:      cfg.Broker.Heartbeat,
		PrefetchCount:  cfg.Broker.PrefetchCount,
		PrefetchSize:   cfg.Broker.PrefetchSize,
	})
	if err != nil {
		slog.Error("Invalid broker options", "error", err)
		os.Exit(1)
	}

	bridge := ipc.NewStream(os.Stdin, os.Stdout, logger)

	manager, err := consumer.New(consumer.Config{
		RetryEnabled:        cfg.Consumer.RetryEnabled(),
		RetryDelay:          cfg.Consumer.RetryDelay,
		QueueName:           cfg.Consumer.QueueName,
		QueueCheckRate:      cfg.Consumer.QueueCheckRate,
		QueueCheckBurst:     cfg.Consumer.QueueCheckBurst,
		BreakerThreshold:    cfg.Consumer.Breaker.FailureThreshold,
		BreakerResetTimeout: cfg.Consumer.Breaker.ResetTimeout,
	}, dialer, bridge, logger, metrics)
	if err != nil {
		slog.Error("Failed to create consumer manager", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, manager, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				select {
				case serverErr <- err:
				default:
				}
			}
		}()
	}

	runErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr <- manager.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Health server error", "error", err)
		exitCode = 1
	case err := <-runErr:
		if err != nil && !errors.Is(err, consumer.ErrBridgeClosed) {
			slog.Error("Consumer manager stopped", "error", err)
			exitCode = 1
		}
	}

	cancel()
	wg.Wait()
	_ = bridge.Close()

	if telemetry != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := telemetry.Shutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	slog.Info("Subscription consumer stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
