// Package apq resolves automatic persisted queries.
//
// A client first sends only the SHA-256 of its query in
// extensions.persistedQuery. On a miss the resolver answers with
// PersistedQueryNotFound and the client retries with both hash and query,
// which registers the query for later hash-only requests.
package apq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage"
)

// Name is the checkpoint name used in logs, traces and metrics.
const Name = "apq"

// ExtensionKey is the request extension carrying the persisted query.
const ExtensionKey = "persistedQuery"

// SupportedVersion is the only persisted query protocol version.
const SupportedVersion = 1

// Result labels a store interaction.
type Result string

const (
	ResultHit      Result = "hit"
	ResultMiss     Result = "miss"
	ResultRegister Result = "register"
)

// Recorder is notified of every store interaction.
type Recorder interface {
	ObserveAPQ(result Result)
}

// Config configures the resolver.
type Config struct {
	// Enabled turns persisted query support on. When off, requests that
	// carry the extension are rejected.
	Enabled  bool
	Store    storage.QueryStore
	Logger   *slog.Logger
	Recorder Recorder
}

// Resolver evaluates the APQ policy.
type Resolver struct {
	enabled  bool
	store    storage.QueryStore
	logger   *slog.Logger
	recorder Recorder
}

// New creates a resolver. A nil store disables persisted queries.
func New(cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		enabled:  cfg.Enabled && cfg.Store != nil,
		store:    cfg.Store,
		logger:   logger,
		recorder: cfg.Recorder,
	}
}

// Extension is the decoded persistedQuery extension.
type Extension struct {
	Version    int
	SHA256Hash string
}

// ParseExtension extracts the persistedQuery extension. ok is false when the
// request does not carry one.
func ParseExtension(req *domain.Request) (ext Extension, ok bool, err error) {
	raw, present := req.Extension(ExtensionKey)
	if !present || raw == nil {
		return Extension{}, false, nil
	}
	m, isMap := raw.(map[string]any)
	if !isMap {
		return Extension{}, true, fmt.Errorf("extensions.%s must be an object", ExtensionKey)
	}

	switch v := m["version"].(type) {
	case float64:
		ext.Version = int(v)
	case int:
		ext.Version = v
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return Extension{}, true, fmt.Errorf("extensions.%s.version must be an integer", ExtensionKey)
		}
		ext.Version = int(n)
	case nil:
		return Extension{}, true, fmt.Errorf("extensions.%s.version is required", ExtensionKey)
	default:
		return Extension{}, true, fmt.Errorf("extensions.%s.version must be a number", ExtensionKey)
	}

	hash, _ := m["sha256Hash"].(string)
	if hash == "" {
		return Extension{}, true, fmt.Errorf("extensions.%s.sha256Hash is required", ExtensionKey)
	}
	ext.SHA256Hash = strings.ToLower(hash)
	return ext, true, nil
}

// Hash returns the lowercase hex SHA-256 of query.
func Hash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Check is the checkpoint predicate.
func (r *Resolver) Check(ctx context.Context, req *domain.Request) (policy.Decision, error) {
	ext, ok, err := ParseExtension(req)
	if !ok {
		return policy.Continue(req), nil
	}
	if !r.enabled {
		return policy.Reject(ErrNotSupported()), nil
	}
	if err != nil {
		return policy.Reject(domain.ErrInvalidRequest(err.Error())), nil
	}
	if ext.Version != SupportedVersion {
		return policy.Reject(ErrVersionNotSupported(ext.Version)), nil
	}

	if req.Query == "" {
		return r.lookup(ctx, req, ext.SHA256Hash), nil
	}
	return r.register(ctx, req, ext.SHA256Hash), nil
}

func (r *Resolver) lookup(ctx context.Context, req *domain.Request, hash string) policy.Decision {
	query, found, err := r.store.GetQuery(ctx, hash)
	if err != nil {
		r.logger.WarnContext(ctx, "persisted query lookup failed",
			slog.String("hash", hash),
			slog.String("error", err.Error()))
	}
	if err != nil || !found {
		r.observe(ResultMiss)
		return policy.Reject(ErrNotFound())
	}

	r.observe(ResultHit)
	return policy.Continue(req.WithQuery(query))
}

func (r *Resolver) register(ctx context.Context, req *domain.Request, hash string) policy.Decision {
	if Hash(req.Query) != hash {
		return policy.Reject(ErrHashMismatch())
	}

	if err := r.store.PutQuery(ctx, hash, req.Query); err != nil {
		r.logger.WarnContext(ctx, "failed to register persisted query",
			slog.String("hash", hash),
			slog.String("error", err.Error()))
		return policy.Continue(req)
	}
	r.observe(ResultRegister)
	return policy.Continue(req)
}

func (r *Resolver) observe(result Result) {
	if r.recorder != nil {
		r.recorder.ObserveAPQ(result)
	}
}

// ErrNotFound is the answer to a hash-only request for an unknown query.
// Clients detect it by message and code and retry with the full query, so
// it is sent with status 200.
func ErrNotFound() *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypePersistedQuery, "PersistedQueryNotFound").
		WithCode(domain.ErrorCodePersistedQueryNotFound).
		WithExtension("exception", map[string]any{
			"stacktrace": []any{"PersistedQueryNotFoundError: PersistedQueryNotFound"},
		}).
		WithStatusCode(http.StatusOK)
}

// ErrNotSupported rejects persisted queries when they are disabled.
func ErrNotSupported() *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypePersistedQuery, "PersistedQueryNotSupported").
		WithCode(domain.ErrorCodePersistedQueryNotSupported)
}

// ErrHashMismatch rejects a registration whose hash does not match the query.
func ErrHashMismatch() *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypePersistedQuery, "provided sha does not match query").
		WithCode(domain.ErrorCodePersistedQueryHashMismatch)
}

// ErrVersionNotSupported rejects unknown protocol versions.
func ErrVersionNotSupported(version int) *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypePersistedQuery,
		fmt.Sprintf("persisted query version %d is not supported", version)).
		WithCode(domain.ErrorCodePersistedQueryVersion)
}
