package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/checkpoint"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/executor"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/layers"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy/apq"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy/csrf"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy/deferral"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy/depth"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy/method"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy/variables"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage/memory"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage/redis"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage/sqlite"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage/tiered"
)

// Stage orders used by NewFromConfig. Webhook stages occupy
// OrderWebhook..OrderAPQ-1 in their configured order.
const (
	OrderTimeout     = 0
	OrderConcurrency = 10
	OrderRateLimit   = 20
	OrderCSRF        = 30
	OrderWebhook     = 100
	OrderAPQ         = 200
	OrderMethod      = 205
	OrderDepth       = 210
	OrderVariables   = 220
	OrderDefer       = 230
)

// Deps are the long-lived collaborators of a pipeline. They survive
// configuration reloads; the pipeline itself is rebuilt.
type Deps struct {
	// Store backs persisted queries. A nil store disables APQ.
	Store storage.QueryStore
	// Terminal replaces the upstream executor.
	Terminal policy.Service
	Observer checkpoint.Observer
	Recorder apq.Recorder
	Logger   *slog.Logger
	// TracerProvider overrides the global tracer provider.
	TracerProvider trace.TracerProvider
	// Limits carries concurrency slots and rate tokens from one pipeline
	// to the next. Nil gives every pipeline its own.
	Limits *layers.Shared
}

// Pipeline is an assembled request pipeline.
type Pipeline struct {
	svc     policy.Service
	stages  []string
	closers []io.Closer
}

// Service returns the outermost stage.
func (p *Pipeline) Service() policy.Service {
	return p.svc
}

// Stages returns the stage names from outermost to innermost.
func (p *Pipeline) Stages() []string {
	return slices.Clone(p.stages)
}

// Close releases resources owned by the pipeline. Shared dependencies
// passed in Deps are not closed.
func (p *Pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// NewFromConfig assembles the gateway pipeline:
// timeout, concurrency limit, rate limit, CSRF, webhooks, APQ, method guard,
// recursion limit, variables, defer negotiation and finally the upstream
// executor.
func NewFromConfig(cfg *config.Config, deps Deps) (*Pipeline, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []checkpoint.Option{checkpoint.WithLogger(logger)}
	if deps.Observer != nil {
		opts = append(opts, checkpoint.WithObserver(deps.Observer))
	}
	if deps.TracerProvider != nil {
		opts = append(opts, checkpoint.WithTracerProvider(deps.TracerProvider))
	}

	p := &Pipeline{}
	terminal := deps.Terminal
	if terminal == nil {
		if cfg.Upstream.URL == "" {
			return nil, fmt.Errorf("upstream.url is required")
		}
		exec, err := executor.New(executor.Config{
			URL:     cfg.Upstream.URL,
			Timeout: cfg.Upstream.Timeout,
			Headers: cfg.Upstream.Headers,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		terminal = exec
		p.closers = append(p.closers, exec)
	}

	b := NewBuilder(opts...)

	if cfg.Server.RequestTimeout > 0 {
		b.Layer("timeout", OrderTimeout, layers.Timeout[*domain.Request, *domain.Response](cfg.Server.RequestTimeout))
	}
	if cfg.Limits.MaxConcurrent > 0 {
		b.Layer("concurrency", OrderConcurrency, layers.SharedConcurrencyLimit[*domain.Request, *domain.Response](deps.Limits, int64(cfg.Limits.MaxConcurrent)))
	}
	if cfg.Limits.RequestsPerSecond > 0 {
		b.Layer("ratelimit", OrderRateLimit, layers.SharedRateLimit[*domain.Request, *domain.Response](deps.Limits, cfg.Limits.RequestsPerSecond, cfg.Limits.Burst))
	}

	if !cfg.CSRF.UnsafeDisabled {
		b.Checkpoint(csrf.Name, OrderCSRF, csrf.New(csrf.Config{
			RequiredHeaders: cfg.CSRF.RequiredHeaders,
		}).Check)
	}

	webhooks, err := webhookStages(cfg.Pipeline, logger)
	if err != nil {
		return nil, err
	}
	for i, stage := range webhooks {
		b.Checkpoint(stage.Name(), OrderWebhook+i, stage.Check)
	}

	b.Checkpoint(apq.Name, OrderAPQ, apq.New(apq.Config{
		Enabled:  cfg.APQ.Enabled,
		Store:    deps.Store,
		Logger:   logger,
		Recorder: deps.Recorder,
	}).Check)

	b.Checkpoint(method.Name, OrderMethod, method.New().Check)

	if limit := cfg.Server.ExperimentalParserRecursionLimit; limit > 0 {
		b.Checkpoint(depth.Name, OrderDepth, depth.New(limit).Check)
	}

	schema, err := loadSchema(cfg.Supergraph)
	if err != nil {
		return nil, err
	}
	b.Checkpoint(variables.Name, OrderVariables, variables.New(schema).Check)

	b.Checkpoint(deferral.Name, OrderDefer, deferral.New(cfg.Server.ExperimentalDeferSupport).Check)

	p.svc = b.Service(terminal)
	p.stages = b.Names()
	logger.Info("pipeline assembled", slog.Any("stages", p.stages))
	return p, nil
}

func loadSchema(cfg config.SupergraphConfig) (*ast.Schema, error) {
	if cfg.SchemaPath == "" {
		return nil, nil
	}
	schema, err := variables.LoadSchemaFile(cfg.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("supergraph schema: %w", err)
	}
	return schema, nil
}

func webhookStages(cfg config.PipelineConfig, logger *slog.Logger) ([]*WebhookStage, error) {
	configs := slices.Clone(cfg.Stages)
	slices.SortStableFunc(configs, func(a, b config.PipelineStageConfig) int {
		return a.Order - b.Order
	})
	if len(configs) > OrderAPQ-OrderWebhook {
		return nil, fmt.Errorf("too many pipeline stages: %d", len(configs))
	}

	stages := make([]*WebhookStage, 0, len(configs))
	for _, stageCfg := range configs {
		stage, err := newStageFromConfig(stageCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stageCfg.Name, err)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func newStageFromConfig(cfg config.PipelineStageConfig, logger *slog.Logger) (*WebhookStage, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	timeout := DefaultWebhookTimeout
	if cfg.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", cfg.Timeout, err)
		}
	}

	var onError Action
	switch cfg.OnError {
	case "", "deny":
		onError = ActionDeny
	case "allow":
		onError = ActionAllow
	default:
		return nil, fmt.Errorf("invalid on_error %q (must be 'allow' or 'deny')", cfg.OnError)
	}

	return NewWebhookStage(WebhookStageConfig{
		Name:                 cfg.Name,
		URL:                  cfg.URL,
		Timeout:              timeout,
		OnError:              onError,
		Retries:              cfg.Retries,
		Headers:              cfg.Headers,
		AllowPrivateNetworks: cfg.AllowPrivateNetworks,
		Logger:               logger,
	}), nil
}

// NewQueryStore opens the persisted query store described by cfg. For the
// sqlite and redis backends a positive Size places an in-memory LRU in
// front of the store.
func NewQueryStore(ctx context.Context, cfg config.APQCacheConfig, logger *slog.Logger) (storage.QueryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var back storage.QueryStore
	switch cfg.Type {
	case "", "memory":
		store, err := memory.New(cfg.Size)
		if err != nil {
			return nil, fmt.Errorf("apq memory store: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("apq sqlite store: %w", err)
		}
		back = store
	case "redis":
		store, err := redis.New(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("apq redis store: %w", err)
		}
		back = store
	default:
		return nil, fmt.Errorf("unknown apq cache type %q", cfg.Type)
	}

	if cfg.Size <= 0 {
		return back, nil
	}
	front, err := memory.New(cfg.Size)
	if err != nil {
		back.Close()
		return nil, err
	}
	return tiered.New(front, back, logger), nil
}
