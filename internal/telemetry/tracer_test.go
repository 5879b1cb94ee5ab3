package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/pkg/config"
)

func TestInitTracer_Disabled(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := InitTracer(config.TelemetryConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("disabled tracing replaced the global provider")
	}
}

func TestInitTracer_ExportsSpans(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	var out bytes.Buffer
	shutdown, err := initTracer(config.TelemetryConfig{Tracing: true, ServiceName: "gateway-test"}, &out, slog.Default())
	if err != nil {
		t.Fatalf("initTracer() error = %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("global provider = %T", otel.GetTracerProvider())
	}

	_, span := otel.Tracer("test").Start(context.Background(), "checkpoint apq")
	span.End()

	// Shutdown flushes the batcher.
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if !strings.Contains(out.String(), "checkpoint apq") {
		t.Errorf("span not exported:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "gateway-test") {
		t.Errorf("service name missing:\n%s", out.String())
	}
}
