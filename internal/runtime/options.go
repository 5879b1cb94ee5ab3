package runtime

import (
	"fmt"
	"log/slog"
	"net"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/metrics"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithQueryStore sets the persisted query store instead of building one
// from apq.cache. The gateway closes it on Shutdown.
func WithQueryStore(store storage.QueryStore) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithExecutor replaces the upstream executor with svc, the innermost
// service of every pipeline the gateway builds.
func WithExecutor(svc policy.Service) Option {
	return func(g *Gateway) error {
		g.terminal = svc
		return nil
	}
}

// WithMetrics uses c instead of a private collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(g *Gateway) error {
		g.metrics = c
		return nil
	}
}

// WithTracerProvider overrides the global tracer provider for checkpoint spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gateway) error {
		g.tracer = tp
		return nil
	}
}

// WithListener serves on ln instead of listening on server.port.
func WithListener(ln net.Listener) Option {
	return func(g *Gateway) error {
		if ln == nil {
			return fmt.Errorf("listener cannot be nil")
		}
		g.listener = ln
		return nil
	}
}
