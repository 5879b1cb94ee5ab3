package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/pkg/config"
)

// InitTracer initializes OpenTelemetry tracing to stdout. When tracing is
// disabled the global provider is left alone and the returned shutdown
// function does nothing.
func InitTracer(cfg config.TelemetryConfig, logger *slog.Logger) (func(context.Context) error, error) {
	return initTracer(cfg, os.Stdout, logger)
}

func initTracer(cfg config.TelemetryConfig, w io.Writer, logger *slog.Logger) (func(context.Context) error, error) {
	if !cfg.Tracing {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	// Forward trace context to the upstream subgraph.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("OpenTelemetry initialized", slog.String("service", cfg.ServiceName))

	return tp.Shutdown, nil
}
