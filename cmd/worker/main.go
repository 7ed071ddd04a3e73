// Package main is the entry point for the notification fanout worker.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/parsely-labs/docalert-fanout/internal/config"
	"github.com/parsely-labs/docalert-fanout/internal/supervisor"
	"github.com/parsely-labs/docalert-fanout/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := telemetry.InitGlobalLogger(&telemetry.LogConfig{
		Level:  telemetry.LogLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		Output: "stdout",
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	otelProvider, err := telemetry.NewProvider(&telemetry.Config{
		ServiceName:    "docalert-fanout",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.OTelEnabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			log.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to construct supervisor: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Worker exited with error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := otelProvider.Shutdown(shutdownCtx); err != nil {
		log.Printf("OpenTelemetry shutdown error: %v", err)
	}
}
