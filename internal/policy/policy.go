// Package policy holds the GraphQL-specialized checkpoint types shared by the
// boundary policies (CSRF, APQ, recursion limit, variables, defer).
//
// Every policy is a checkpoint predicate over *domain.Request and
// *domain.Response; the subpackages only decide, the checkpoint package does
// the gating.
package policy

import (
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/checkpoint"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/ports"
)

// Service is a GraphQL pipeline stage.
type Service = ports.Service[*domain.Request, *domain.Response]

// Layer wraps a GraphQL pipeline stage.
type Layer = ports.Layer[*domain.Request, *domain.Response]

// Decision is the outcome of a GraphQL policy.
type Decision = checkpoint.Decision[*domain.Request, *domain.Response]

// Predicate is a GraphQL policy.
type Predicate = checkpoint.Predicate[*domain.Request, *domain.Response]

// Continue forwards req to the next stage.
func Continue(req *domain.Request) Decision {
	return checkpoint.Continue[*domain.Request, *domain.Response](req)
}

// Break ends the pipeline with resp.
func Break(resp *domain.Response) Decision {
	return checkpoint.Break[*domain.Request](resp)
}

// Reject ends the pipeline with a response rendering err.
func Reject(err interface{ Response() *domain.Response }) Decision {
	return Break(err.Response())
}

// NewLayer builds a checkpoint layer for a GraphQL policy.
func NewLayer(name string, predicate Predicate, opts ...checkpoint.Option) *checkpoint.Layer[*domain.Request, *domain.Response] {
	return checkpoint.NewLayer(name, predicate, opts...)
}
