// Package checkpoint provides a general mechanism for controlling the flow of
// a request through a pipeline of services.
//
// A checkpoint evaluates a predicate over each request. If the predicate
// decides to continue, the (possibly rewritten) request is passed on to the
// next service in the chain. If it breaks, the response it produced is
// returned to the caller and the next service is never invoked. A predicate
// error is returned as is, and the next service is not invoked either.
//
//	layer := checkpoint.NewLayer("csrf", func(ctx context.Context, req *Request) (checkpoint.Decision[*Request, *Response], error) {
//		if !preflighted(req) {
//			return checkpoint.Break[*Request](rejection), nil
//		}
//		return checkpoint.Continue[*Request, *Response](req), nil
//	})
//	svc := layer.Layer(executor)
package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/ports"
)

const instrumentationName = "github.com/tjfontaine/polyglot-graphql-gateway/internal/checkpoint"

// ErrNoDecision is returned when a predicate returns the zero Decision
// without an error.
var ErrNoDecision = errors.New("checkpoint: predicate returned no decision")

// Outcome is the result of a single predicate evaluation.
type Outcome string

const (
	OutcomeContinue Outcome = "continue"
	OutcomeBreak    Outcome = "break"
	OutcomeError    Outcome = "error"
)

type decisionKind uint8

const (
	kindNone decisionKind = iota
	kindContinue
	kindBreak
)

// Decision is either Continue(request) or Break(response).
type Decision[Req, Resp any] struct {
	kind decisionKind
	req  Req
	resp Resp
}

// Continue passes req on to the next service.
func Continue[Req, Resp any](req Req) Decision[Req, Resp] {
	return Decision[Req, Resp]{kind: kindContinue, req: req}
}

// Break ends the pipeline with resp.
func Break[Req, Resp any](resp Resp) Decision[Req, Resp] {
	return Decision[Req, Resp]{kind: kindBreak, resp: resp}
}

// IsBreak reports whether the decision ends the pipeline.
func (d Decision[Req, Resp]) IsBreak() bool {
	return d.kind == kindBreak
}

// IsContinue reports whether the decision forwards the request.
func (d Decision[Req, Resp]) IsContinue() bool {
	return d.kind == kindContinue
}

// Request returns the request to forward. Only meaningful for Continue.
func (d Decision[Req, Resp]) Request() Req {
	return d.req
}

// Response returns the terminal response. Only meaningful for Break.
func (d Decision[Req, Resp]) Response() Resp {
	return d.resp
}

// Predicate decides whether a request continues down the pipeline.
// Predicates are shared by every service built from one Layer and are called
// concurrently; any state they close over must be synchronized by the
// predicate itself.
type Predicate[Req, Resp any] func(ctx context.Context, req Req) (Decision[Req, Resp], error)

// Observer receives one notification per predicate evaluation.
type Observer interface {
	ObserveCheckpoint(name string, outcome Outcome, elapsed time.Duration)
}

// Option configures a checkpoint.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer
}

// WithLogger sets the logger used for break and error decisions.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver reports every decision to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp.Tracer(instrumentationName) }
}

// shared is built once per Layer and referenced by every Service it produces.
type shared[Req, Resp any] struct {
	name      string
	predicate Predicate[Req, Resp]
	options
}

func newShared[Req, Resp any](name string, predicate Predicate[Req, Resp], opts []Option) *shared[Req, Resp] {
	if predicate == nil {
		panic("checkpoint: nil predicate for " + name)
	}
	s := &shared[Req, Resp]{name: name, predicate: predicate}
	for _, opt := range opts {
		opt(&s.options)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}
	return s
}

// Layer builds checkpoint services around downstream services.
type Layer[Req, Resp any] struct {
	shared *shared[Req, Resp]
}

// NewLayer creates a Layer evaluating predicate. It panics if predicate is
// nil, so a missing predicate surfaces while the pipeline is assembled and
// never while serving.
func NewLayer[Req, Resp any](name string, predicate Predicate[Req, Resp], opts ...Option) *Layer[Req, Resp] {
	return &Layer[Req, Resp]{shared: newShared(name, predicate, opts)}
}

// Name returns the checkpoint name.
func (l *Layer[Req, Resp]) Name() string {
	return l.shared.name
}

// Layer wraps next. Every service built by l shares l's predicate.
func (l *Layer[Req, Resp]) Layer(next ports.Service[Req, Resp]) ports.Service[Req, Resp] {
	return &Service[Req, Resp]{shared: l.shared, next: next}
}

// Service gates each request through the predicate before invoking next.
type Service[Req, Resp any] struct {
	shared *shared[Req, Resp]
	next   ports.Service[Req, Resp]
}

// NewService creates a checkpoint service directly, without a Layer.
func NewService[Req, Resp any](name string, predicate Predicate[Req, Resp], next ports.Service[Req, Resp], opts ...Option) *Service[Req, Resp] {
	return &Service[Req, Resp]{shared: newShared(name, predicate, opts), next: next}
}

// Ready reports the readiness of the next service. The checkpoint itself
// adds no backpressure.
func (s *Service[Req, Resp]) Ready(ctx context.Context) error {
	return s.next.Ready(ctx)
}

// Call evaluates the predicate once and, on Continue, calls the next service
// exactly once with the request the predicate returned.
func (s *Service[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	decision, err := s.evaluate(ctx, req)
	if err != nil {
		var zero Resp
		return zero, err
	}
	if decision.kind == kindBreak {
		return decision.resp, nil
	}
	return s.next.Call(ctx, decision.req)
}

func (s *Service[Req, Resp]) evaluate(ctx context.Context, req Req) (Decision[Req, Resp], error) {
	sh := s.shared
	spanCtx, span := sh.tracer.Start(ctx, "checkpoint "+sh.name,
		trace.WithAttributes(attribute.String("checkpoint.name", sh.name)))
	defer span.End()

	start := time.Now()
	decision, err := sh.predicate(spanCtx, req)
	if err == nil && decision.kind == kindNone {
		err = ErrNoDecision
	}
	elapsed := time.Since(start)

	var outcome Outcome
	switch {
	case err != nil:
		outcome = OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		sh.logger.DebugContext(ctx, "checkpoint failed",
			slog.String("checkpoint", sh.name),
			slog.String("error", err.Error()))
	case decision.kind == kindBreak:
		outcome = OutcomeBreak
		sh.logger.DebugContext(ctx, "checkpoint break",
			slog.String("checkpoint", sh.name))
	default:
		outcome = OutcomeContinue
	}
	span.SetAttributes(attribute.String("checkpoint.decision", string(outcome)))

	if sh.observer != nil {
		sh.observer.ObserveCheckpoint(sh.name, outcome, elapsed)
	}
	return decision, err
}

var (
	_ ports.Layer[any, any]   = (*Layer[any, any])(nil)
	_ ports.Service[any, any] = (*Service[any, any])(nil)
)
