package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/telemetry"
	"github.com/tjfontaine/polyglot-graphql-gateway/pkg/gateway"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the gateway config file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Tracing is set up once; telemetry changes need a restart.
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	gw, err := gateway.New(
		gateway.WithFileConfig(*configPath),
		gateway.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}

	logger.Info("gateway started",
		slog.String("config", *configPath),
		slog.String("upstream", cfg.Upstream.URL),
		slog.String("apq_cache", cfg.APQ.Cache.Type))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Gateway shutdown complete")
}
