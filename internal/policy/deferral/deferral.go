// Package deferral negotiates incremental delivery for @defer.
package deferral

import (
	"context"
	"mime"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
)

// Name is the checkpoint name used in logs, traces and metrics.
const Name = "defer"

const (
	// MultipartMixed is the media type of incremental responses.
	MultipartMixed = "multipart/mixed"
	// DeferSpec is the incremental delivery format version understood by
	// the gateway.
	DeferSpec = "20220824"
)

// Negotiator evaluates the defer policy. It never rejects a request.
type Negotiator struct {
	enabled bool
}

// New creates a negotiator. When enabled is false no request is marked as
// accepting multipart responses.
func New(enabled bool) *Negotiator {
	return &Negotiator{enabled: enabled}
}

// Check is the checkpoint predicate.
func (n *Negotiator) Check(ctx context.Context, req *domain.Request) (policy.Decision, error) {
	accepts := n.enabled && AcceptsMultipart(req.Header)
	if accepts == req.AcceptsMultipart {
		return policy.Continue(req), nil
	}
	next := req.Clone()
	next.AcceptsMultipart = accepts
	return policy.Continue(next), nil
}

// AcceptsMultipart reports whether the Accept header lists multipart/mixed
// with the supported deferSpec.
func AcceptsMultipart(h http.Header) bool {
	for _, value := range h.Values("Accept") {
		for _, item := range strings.Split(value, ",") {
			mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(item))
			if err != nil || mediaType != MultipartMixed {
				continue
			}
			if params["deferspec"] == DeferSpec {
				return true
			}
		}
	}
	return false
}
