// Package csrf blocks GraphQL requests that a browser could send cross-origin
// without a CORS preflight.
package csrf

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
)

// Name is the checkpoint name used in logs, traces and metrics.
const Name = "csrf"

// DefaultRequiredHeaders are the headers that mark a request as preflighted.
var DefaultRequiredHeaders = []string{"x-apollo-operation-name", "apollo-require-preflight"}

// simpleContentTypes can be sent by a browser without triggering a preflight.
var simpleContentTypes = []string{
	"application/x-www-form-urlencoded",
	"multipart/form-data",
	"text/plain",
}

// Config configures the guard.
type Config struct {
	// UnsafeDisabled turns the guard off entirely.
	UnsafeDisabled bool
	// RequiredHeaders overrides DefaultRequiredHeaders.
	RequiredHeaders []string
}

// Guard evaluates the CSRF policy.
type Guard struct {
	disabled        bool
	requiredHeaders []string
	message         string
}

// New creates a guard from cfg.
func New(cfg Config) *Guard {
	headers := cfg.RequiredHeaders
	if len(headers) == 0 {
		headers = DefaultRequiredHeaders
	}
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = strings.ToLower(strings.TrimSpace(h))
	}

	return &Guard{
		disabled:        cfg.UnsafeDisabled,
		requiredHeaders: normalized,
		message: fmt.Sprintf("This operation has been blocked as a potential Cross-Site Request Forgery (CSRF). "+
			"Please either specify a 'content-type' header "+
			"(with a mime-type that is not one of %s) "+
			"or provide one of the following headers: %s",
			strings.Join(simpleContentTypes, ", "),
			strings.Join(normalized, ", ")),
	}
}

// Check is the checkpoint predicate.
func (g *Guard) Check(ctx context.Context, req *domain.Request) (policy.Decision, error) {
	if g.disabled || g.preflighted(req.Header) {
		return policy.Continue(req), nil
	}
	return policy.Reject(domain.ErrInvalidRequest(g.message)), nil
}

// Message returns the rejection message.
func (g *Guard) Message() string {
	return g.message
}

func (g *Guard) preflighted(h http.Header) bool {
	for _, name := range g.requiredHeaders {
		if h.Get(name) != "" {
			return true
		}
	}
	return contentTypeRequiresPreflight(h.Values("Content-Type"))
}

// contentTypeRequiresPreflight reports whether any content-type value is
// something other than the simple types a form post could produce.
// An unparsable content-type is treated as requiring a preflight, which is
// what browsers do.
func contentTypeRequiresPreflight(values []string) bool {
	for _, value := range values {
		for _, v := range strings.Split(value, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			mediaType, _, err := mime.ParseMediaType(v)
			if err != nil {
				return true
			}
			simple := false
			for _, s := range simpleContentTypes {
				if mediaType == s {
					simple = true
					break
				}
			}
			if !simple {
				return true
			}
		}
	}
	return false
}
