// Package runtime provides the core Gateway struct and lifecycle management
// for the GraphQL gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/layers"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/metrics"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/pipeline"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/server"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage"
)

// defaultDrain is how long a replaced pipeline stays open when the
// configuration sets no request timeout.
const defaultDrain = 30 * time.Second

// Gateway is the main entry point for running the GraphQL gateway.
// It owns the configuration watcher, the persisted query store, the
// current pipeline and the HTTP server. It can be embedded in larger
// applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	config   ports.ConfigProvider
	store    storage.QueryStore
	terminal policy.Service
	metrics  *metrics.Collector
	tracer   trace.TracerProvider
	listener net.Listener
	logger   *slog.Logger

	// Internal state
	limits  layers.Shared
	pipe    atomic.Pointer[pipeline.Pipeline]
	server  *server.Server
	current *config.Config
	retired []retiredPipeline
	served  chan struct{}

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a new Gateway with the given options.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	if gw.metrics == nil {
		gw.metrics = metrics.New(true)
	}

	return gw, nil
}

// Start loads the configuration, assembles the pipeline and starts serving.
// It returns once the listener is bound; the server runs until Shutdown.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return fmt.Errorf("gateway already started")
	}

	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		g.cancel()
		return fmt.Errorf("load config: %w", err)
	}

	if err := g.ensureStore(cfg); err != nil {
		g.cancel()
		return err
	}

	p, err := g.build(cfg)
	if err != nil {
		g.cancel()
		return fmt.Errorf("build pipeline: %w", err)
	}
	g.pipe.Store(p)
	g.current = cfg

	if err := g.startServer(cfg); err != nil {
		g.cancel()
		p.Close()
		return fmt.Errorf("start server: %w", err)
	}

	go g.watchConfig()

	g.logger.Info("gateway started",
		slog.Int("port", cfg.Server.Port),
		slog.String("path", cfg.Server.Path),
		slog.Int("stages", len(p.Stages())))

	return nil
}

// Pipeline returns the pipeline currently serving requests, or nil before
// Start.
func (g *Gateway) Pipeline() *pipeline.Pipeline {
	return g.pipe.Load()
}

// Addr returns the address the server listens on, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Metrics returns the collector the gateway records into.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	var errs []error

	// Stop HTTP server
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		select {
		case <-g.served:
		case <-ctx.Done():
		}
	}

	for _, r := range g.retired {
		// A timer that already fired has closed its pipeline.
		if r.timer.Stop() {
			if err := r.pipeline.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	g.retired = nil

	if p := g.pipe.Swap(nil); p != nil {
		if err := p.Close(); err != nil {
			g.logger.Error("failed to close pipeline", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// Close resources
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close query store", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := g.config.Close(); err != nil {
		g.logger.Error("failed to close config", slog.String("error", err.Error()))
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		if err := g.reload(newCfg); err != nil {
			g.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload rebuilds the pipeline from cfg and swaps it in. On error the
// running pipeline is left in place. The replaced pipeline is closed once
// requests that already picked it up have had time to finish.
func (g *Gateway) reload(cfg *config.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ctx == nil || g.ctx.Err() != nil {
		return fmt.Errorf("gateway is not running")
	}

	if g.current != nil && (cfg.Server.Port != g.current.Server.Port || cfg.Server.Path != g.current.Server.Path) {
		g.logger.Warn("server.port and server.path changes require a restart",
			slog.Int("port", g.current.Server.Port),
			slog.String("path", g.current.Server.Path))
	}

	if err := g.ensureStore(cfg); err != nil {
		return err
	}

	p, err := g.build(cfg)
	if err != nil {
		return fmt.Errorf("rebuild pipeline: %w", err)
	}

	old := g.pipe.Swap(p)
	g.current = cfg
	if old != nil {
		g.retire(old, cfg.Server.RequestTimeout)
	}

	g.logger.Info("reload complete", slog.Any("stages", p.Stages()))
	return nil
}

type retiredPipeline struct {
	pipeline *pipeline.Pipeline
	timer    *time.Timer
}

func (g *Gateway) retire(p *pipeline.Pipeline, drain time.Duration) {
	if drain <= 0 {
		drain = defaultDrain
	}
	t := time.AfterFunc(drain, func() {
		if err := p.Close(); err != nil {
			g.logger.Warn("failed to close retired pipeline", slog.String("error", err.Error()))
		}
	})
	g.retired = append(g.retired, retiredPipeline{pipeline: p, timer: t})
}

// ensureStore opens the persisted query store on first use. The store
// outlives reloads, so later changes to apq.cache need a restart.
func (g *Gateway) ensureStore(cfg *config.Config) error {
	if g.store != nil || !cfg.APQ.Enabled {
		return nil
	}
	store, err := pipeline.NewQueryStore(g.ctx, cfg.APQ.Cache, g.logger)
	if err != nil {
		return fmt.Errorf("open query store: %w", err)
	}
	g.store = store
	g.logger.Info("query store opened", slog.String("type", cfg.APQ.Cache.Type))
	return nil
}

func (g *Gateway) build(cfg *config.Config) (*pipeline.Pipeline, error) {
	return pipeline.NewFromConfig(cfg, pipeline.Deps{
		Store:          g.store,
		Terminal:       g.terminal,
		Observer:       g.metrics,
		Recorder:       g.metrics,
		Logger:         g.logger,
		TracerProvider: g.tracer,
		Limits:         &g.limits,
	})
}

// startServer mounts the GraphQL and metrics handlers and serves in the
// background.
func (g *Gateway) startServer(cfg *config.Config) error {
	srv := server.New(cfg.Server.Port, g.logger)
	srv.MountGraphQL(cfg.Server.Path, g.metrics.InstrumentHandler(server.NewGraphQLHandler(server.GraphQLHandlerConfig{
		Pipeline: g.service,
		Logger:   g.logger,
		Recorder: g.metrics,
	})))
	srv.MountMetrics(g.metrics.Handler())

	if g.listener == nil {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			return err
		}
		g.listener = ln
	}

	g.server = srv
	g.served = make(chan struct{})
	ln := g.listener
	go func() {
		defer close(g.served)
		if err := srv.Serve(ln); err != nil {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// service is the handler's view of the current pipeline.
func (g *Gateway) service() policy.Service {
	if p := g.pipe.Load(); p != nil {
		return p.Service()
	}
	return unavailable
}

var unavailable policy.Service = ports.ServiceFunc[*domain.Request, *domain.Response](
	func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		return nil, domain.ErrServer("gateway is shutting down").WithStatusCode(http.StatusServiceUnavailable)
	})
