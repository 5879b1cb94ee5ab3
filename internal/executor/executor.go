// Package executor forwards GraphQL requests to a single upstream endpoint.
// It is the terminal stage of the gateway pipeline.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/ports"
)

// ErrClosed is returned by Ready and Call after Close.
var ErrClosed = errors.New("executor closed")

// acceptHeader advertises incremental delivery to the upstream. Parts are
// merged again when the client cannot receive them.
const acceptHeader = "multipart/mixed;deferSpec=20220824, application/graphql-response+json, application/json"

// maxErrorBody bounds how much of a failed upstream response is logged.
const maxErrorBody = 4 << 10

// Config configures an Executor.
type Config struct {
	URL     string
	Timeout time.Duration
	// Headers are added to every upstream request.
	Headers map[string]string
	// Client overrides the HTTP client. The default client is instrumented
	// with otelhttp.
	Client *http.Client
	Logger *slog.Logger
}

// Executor is the terminal service. It is safe for concurrent use.
type Executor struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
	closed  atomic.Bool
}

var _ ports.Service[*domain.Request, *domain.Response] = (*Executor)(nil)

// New creates an executor for cfg.URL.
func New(cfg Config) (*Executor, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme must be http or https", cfg.URL)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		url:     u.String(),
		headers: cfg.Headers,
		client:  client,
		logger:  logger,
	}, nil
}

// Ready reports whether the executor can accept a request.
func (e *Executor) Ready(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// Close stops the executor from accepting requests. In-flight requests are
// not interrupted.
func (e *Executor) Close() error {
	e.closed.Store(true)
	e.client.CloseIdleConnections()
	return nil
}

// upstreamRequest is the body sent upstream.
type upstreamRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// Call forwards req and returns the upstream response.
func (e *Executor) Call(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	body, err := json.Marshal(upstreamRequest{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		Extensions:    req.Extensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	e.setHeaders(ctx, httpReq)

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("upstream request: %w", ctx.Err())
		}
		e.logger.Warn("upstream request failed", slog.String("error", err.Error()))
		return nil, ErrUpstream("upstream request failed")
	}

	mediaType, params, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") && httpResp.StatusCode < 300 {
		boundary := params["boundary"]
		if boundary == "" {
			httpResp.Body.Close()
			return nil, ErrUpstream("upstream multipart response without boundary")
		}
		return e.stream(ctx, req, httpResp, boundary)
	}

	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("upstream response: %w", ctx.Err())
		}
		return nil, ErrUpstream("failed to read upstream response")
	}

	part, err := decodePart(respBody)
	if err != nil || (part.Data == nil && len(part.Errors) == 0) {
		if httpResp.StatusCode >= 300 {
			e.logger.Warn("upstream returned an error",
				slog.Int("status", httpResp.StatusCode),
				slog.String("body", truncate(respBody, maxErrorBody)))
			return nil, ErrUpstream(fmt.Sprintf("upstream returned status %d", httpResp.StatusCode))
		}
		return nil, ErrUpstream("upstream returned an invalid GraphQL response")
	}

	resp := domain.NewResponse(part)
	resp.StatusCode = httpResp.StatusCode
	return resp, nil
}

func (e *Executor) setHeaders(ctx context.Context, req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptHeader)
	if id := domain.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	for name, value := range e.headers {
		req.Header.Set(name, value)
	}
}

// stream reads a multipart/mixed upstream response. When the client accepts
// multipart the parts are forwarded as they arrive; otherwise they are read
// to the end and merged into a single part.
func (e *Executor) stream(ctx context.Context, req *domain.Request, httpResp *http.Response, boundary string) (*domain.Response, error) {
	mr := multipart.NewReader(httpResp.Body, boundary)

	if !req.AcceptsMultipart {
		defer httpResp.Body.Close()
		var parts []*domain.Part
		for {
			ps, done, err := readParts(mr)
			if err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("upstream response: %w", ctx.Err())
				}
				e.logger.Warn("failed to read upstream multipart response", slog.String("error", err.Error()))
				return nil, ErrUpstream("failed to read upstream response")
			}
			parts = append(parts, ps...)
			if done {
				break
			}
		}
		if len(parts) == 0 {
			return nil, ErrUpstream("upstream returned an empty multipart response")
		}
		return domain.NewResponse(Merge(parts)), nil
	}

	ch := make(chan *domain.Part)
	resp := domain.NewStreamResponse(ch)
	resp.StatusCode = httpResp.StatusCode
	// Unblocks the reader when the client goes away mid-stream.
	resp.AfterClose(func() { httpResp.Body.Close() })
	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		send := func(p *domain.Part) bool {
			select {
			case ch <- p:
				return true
			case <-resp.Done():
				return false
			case <-ctx.Done():
				return false
			}
		}

		for {
			ps, done, err := readParts(mr)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("upstream stream interrupted", slog.String("error", err.Error()))
					send(&domain.Part{
						Errors:  gqlerror.List{ErrUpstream("upstream stream interrupted").GQLError()},
						HasNext: domain.Bool(false),
					})
				}
				return
			}
			for _, p := range ps {
				if !send(p) {
					return
				}
			}
			if done {
				return
			}
		}
	}()
	return resp, nil
}

// readParts reads the next multipart section. done is true once the closing
// boundary has been read or a payload reported hasNext=false.
func readParts(mr *multipart.Reader) (parts []*domain.Part, done bool, err error) {
	section, err := mr.NextPart()
	if errors.Is(err, io.EOF) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer section.Close()

	body, err := io.ReadAll(section)
	if err != nil {
		return nil, false, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("{}")) {
		// heartbeat
		return nil, false, nil
	}

	var w wirePart
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, false, fmt.Errorf("invalid multipart payload: %w", err)
	}
	parts = w.flatten()
	done = w.HasNext != nil && !*w.HasNext
	return parts, done, nil
}

func decodePart(body []byte) (*domain.Part, error) {
	var w wirePart
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, err
	}
	parts := w.flatten()
	if len(parts) == 0 {
		return &domain.Part{}, nil
	}
	return Merge(parts), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// ErrUpstream builds the error returned when the upstream cannot be reached or
// answers with something that is not a GraphQL response.
func ErrUpstream(message string) *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypeServer, message).
		WithCode(domain.ErrorCodeUpstreamRequestFailed).
		WithStatusCode(http.StatusBadGateway)
}
