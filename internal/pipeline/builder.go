package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/checkpoint"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
)

// StageConfig is a single named, ordered layer.
type StageConfig struct {
	Name  string
	Order int
	Layer policy.Layer
}

// Builder collects stages and applies them over a terminal service.
type Builder struct {
	stages []StageConfig
	opts   []checkpoint.Option
}

// NewBuilder creates a builder. opts are passed to every checkpoint added
// with Checkpoint.
func NewBuilder(opts ...checkpoint.Option) *Builder {
	return &Builder{opts: opts}
}

// Checkpoint adds a checkpoint built from predicate at the given order.
func (b *Builder) Checkpoint(name string, order int, predicate policy.Predicate) *Builder {
	return b.Stage(StageConfig{
		Name:  name,
		Order: order,
		Layer: policy.NewLayer(name, predicate, b.opts...),
	})
}

// Layer adds an arbitrary layer at the given order.
func (b *Builder) Layer(name string, order int, layer policy.Layer) *Builder {
	return b.Stage(StageConfig{Name: name, Order: order, Layer: layer})
}

// Stage adds s. Stages with equal order keep the order they were added in.
func (b *Builder) Stage(s StageConfig) *Builder {
	if s.Layer == nil {
		panic(fmt.Sprintf("pipeline: stage %q has no layer", s.Name))
	}
	b.stages = append(b.stages, s)
	return b
}

func (b *Builder) sorted() []StageConfig {
	stages := slices.Clone(b.stages)
	slices.SortStableFunc(stages, func(a, c StageConfig) int {
		return a.Order - c.Order
	})
	return stages
}

// Names returns the stage names from outermost to innermost.
func (b *Builder) Names() []string {
	stages := b.sorted()
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}

// Service applies every stage over terminal. The builder can be used again
// afterwards; layers are never mutated by being applied.
func (b *Builder) Service(terminal policy.Service) policy.Service {
	stages := b.sorted()
	svc := terminal
	for i := len(stages) - 1; i >= 0; i-- {
		svc = stages[i].Layer.Layer(svc)
	}
	return svc
}

// Oneshot drives svc for a single request: it waits for readiness and then
// calls it once.
func Oneshot(ctx context.Context, svc policy.Service, req *domain.Request) (*domain.Response, error) {
	return ports.Oneshot(ctx, svc, req)
}

// DeniedError is returned when a pipeline stage denies a request.
type DeniedError struct {
	StageName string
	Reason    string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("pipeline denied by %s: %s", e.StageName, e.Reason)
}

// APIError renders the denial as a gateway error.
func (e *DeniedError) APIError() *domain.APIError {
	return domain.ErrPermission(e.Reason).
		WithExtension("stage", e.StageName).
		WithStatusCode(http.StatusForbidden)
}

// Response builds the 403 response for the denial.
func (e *DeniedError) Response() *domain.Response {
	return e.APIError().Response()
}

// IsDenied returns true if the error is a pipeline denial.
func IsDenied(err error) bool {
	var denied *DeniedError
	return errors.As(err, &denied)
}
