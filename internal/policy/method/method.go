// Package method enforces which HTTP methods may carry which operations.
package method

import (
	"context"
	"net/http"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
)

// Name is the checkpoint name used in logs, traces and metrics.
const Name = "method"

// Guard rejects mutations sent over GET. It runs after APQ so a hash-only
// GET is checked against the stored query text.
type Guard struct{}

// New creates a guard.
func New() *Guard {
	return &Guard{}
}

// Check is the checkpoint predicate.
func (g *Guard) Check(ctx context.Context, req *domain.Request) (policy.Decision, error) {
	if req.Method != http.MethodGet || req.Query == "" {
		return policy.Continue(req), nil
	}
	// Unparseable documents and unknown operations are reported by later
	// checkpoints.
	op, err := req.Operation()
	if err != nil || op.Operation != ast.Mutation {
		return policy.Continue(req), nil
	}
	resp := ErrMutationOverGet().Response()
	resp.Header.Set("Allow", "POST")
	return policy.Break(resp), nil
}

// ErrMutationOverGet is the rejection for a mutation sent with GET.
func ErrMutationOverGet() *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypeMethodNotAllowed, "Mutations can only be sent over HTTP POST").
		WithCode(domain.ErrorCodeMutationNotAllowedOverGet)
}
