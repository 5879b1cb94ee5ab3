package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/layers"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/pipeline"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
)

// DefaultMaxBodyBytes bounds the size of a POSTed GraphQL request.
const DefaultMaxBodyBytes = 2 << 20

// MultipartContentType is the response content type for incremental delivery.
const MultipartContentType = `multipart/mixed;boundary="graphql";deferSpec=20220824`

const multipartBoundary = "graphql"

// RequestRecorder is notified once per GraphQL request.
type RequestRecorder interface {
	RecordRequest(status int, duration time.Duration)
}

// GraphQLHandlerConfig configures a GraphQLHandler.
type GraphQLHandlerConfig struct {
	// Pipeline returns the pipeline to serve the next request with. It is
	// called once per request so the pipeline can be swapped at runtime.
	Pipeline     func() policy.Service
	Logger       *slog.Logger
	Recorder     RequestRecorder
	MaxBodyBytes int64
}

// GraphQLHandler is the HTTP frontdoor of the gateway.
type GraphQLHandler struct {
	pipeline     func() policy.Service
	logger       *slog.Logger
	recorder     RequestRecorder
	maxBodyBytes int64
}

// NewGraphQLHandler creates a handler.
func NewGraphQLHandler(cfg GraphQLHandlerConfig) *GraphQLHandler {
	if cfg.Pipeline == nil {
		panic("server: GraphQLHandler requires a pipeline")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &GraphQLHandler{
		pipeline:     cfg.Pipeline,
		logger:       logger,
		recorder:     cfg.Recorder,
		maxBodyBytes: maxBody,
	}
}

func (h *GraphQLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		if h.recorder != nil {
			h.recorder.RecordRequest(sw.status(), time.Since(start))
		}
	}()

	req, apiErr := h.decode(r)
	if apiErr != nil {
		if apiErr.Type == domain.ErrorTypeMethodNotAllowed {
			sw.Header().Set("Allow", "GET, POST")
		}
		AddError(r.Context(), apiErr)
		writeErrors(sw, apiErr.HTTPStatusCode(), gqlerror.List{apiErr.GQLError()})
		return
	}
	AddLogField(r.Context(), "operation_name", req.OperationName)

	resp, err := pipeline.Oneshot(r.Context(), h.pipeline(), req)
	if err != nil {
		h.writeError(sw, r, err)
		return
	}
	defer resp.Close()

	h.writeResponse(sw, r, resp)
}

// graphQLParams is the JSON body of a POST request.
type graphQLParams struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Extensions    map[string]any `json:"extensions"`
}

func (h *GraphQLHandler) decode(r *http.Request) (*domain.Request, *domain.APIError) {
	var params graphQLParams

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		params.Query = q.Get("query")
		params.OperationName = q.Get("operationName")
		if v := q.Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &params.Variables); err != nil {
				return nil, domain.ErrInvalidRequest("variables must be a JSON object")
			}
		}
		if v := q.Get("extensions"); v != "" {
			if err := json.Unmarshal([]byte(v), &params.Extensions); err != nil {
				return nil, domain.ErrInvalidRequest("extensions must be a JSON object")
			}
		}
	case http.MethodPost:
		body := http.MaxBytesReader(nil, r.Body, h.maxBodyBytes)
		dec := json.NewDecoder(body)
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, domain.ErrInvalidRequest("request body too large").
					WithStatusCode(http.StatusRequestEntityTooLarge)
			}
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("invalid request body: %v", err))
		}
	default:
		return nil, domain.NewAPIError(domain.ErrorTypeMethodNotAllowed,
			fmt.Sprintf("method %s is not allowed; use GET or POST", r.Method))
	}

	if params.Query == "" && params.Extensions == nil {
		return nil, domain.ErrInvalidRequest("must provide query string")
	}

	// Mutations over GET are rejected in the pipeline, after persisted
	// queries have been resolved.
	return &domain.Request{
		Query:         params.Query,
		OperationName: params.OperationName,
		Variables:     params.Variables,
		Extensions:    params.Extensions,
		Method:        r.Method,
		Header:        r.Header.Clone(),
	}, nil
}

func (h *GraphQLHandler) writeError(w *statusWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	if errs, status, ok := domain.AsGraphQLErrors(err); ok {
		writeErrors(w, status, errs)
		return
	}

	var apiErr *domain.APIError
	switch {
	case errors.Is(err, layers.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		apiErr = domain.NewAPIError(domain.ErrorTypeTimeout, "request timed out").
			WithCode(domain.ErrorCodeGatewayTimeout)
	case errors.Is(err, layers.ErrRateLimited):
		apiErr = domain.ErrRateLimit("rate limit exceeded")
	case r.Context().Err() != nil:
		// client went away
		w.WriteHeader(499)
		return
	default:
		h.logger.Error("pipeline failed",
			slog.String("request_id", GetRequestID(r.Context())),
			slog.String("error", err.Error()))
		apiErr = domain.ErrServer("Internal server error")
	}
	writeErrors(w, apiErr.HTTPStatusCode(), gqlerror.List{apiErr.GQLError()})
}

func writeErrors(w http.ResponseWriter, status int, errs gqlerror.List) {
	writeJSON(w, status, &domain.Part{Errors: errs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *GraphQLHandler) writeResponse(w *statusWriter, r *http.Request, resp *domain.Response) {
	ctx := r.Context()
	first, ok := resp.Next(ctx)
	if !ok {
		h.writeError(w, r, fmt.Errorf("pipeline returned an empty response"))
		return
	}
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	if first.HasNext == nil {
		writeJSON(w, status, first)
		return
	}

	w.Header().Set("Content-Type", MultipartContentType)
	w.WriteHeader(status)

	mw := multipart.NewWriter(w)
	_ = mw.SetBoundary(multipartBoundary)
	rc := http.NewResponseController(w)

	part := first
	for {
		if err := writePart(mw, part); err != nil {
			AddError(ctx, err)
			return
		}
		_ = rc.Flush()

		var more bool
		part, more = resp.Next(ctx)
		if !more {
			break
		}
	}
	_ = mw.Close()
	_ = rc.Flush()
}

var partHeader = textproto.MIMEHeader{"Content-Type": {"application/json; charset=utf-8"}}

func writePart(mw *multipart.Writer, p *domain.Part) error {
	pw, err := mw.CreatePart(partHeader)
	if err != nil {
		return err
	}
	return json.NewEncoder(pw).Encode(renderPart(p))
}

// incrementalPayload is the deferSpec=20220824 rendering of a subsequent part.
type incrementalPayload struct {
	Incremental []*domain.Part `json:"incremental,omitempty"`
	HasNext     *bool          `json:"hasNext,omitempty"`
}

// renderPart converts p to its wire form. Parts that apply to a path are
// wrapped in "incremental"; a part carrying nothing but hasNext is sent as
// {"hasNext":...}.
func renderPart(p *domain.Part) any {
	if !p.Incremental() {
		if p.Data == nil && len(p.Errors) == 0 && len(p.Extensions) == 0 {
			return incrementalPayload{HasNext: p.HasNext}
		}
		return p
	}
	inc := *p
	inc.HasNext = nil
	return incrementalPayload{Incremental: []*domain.Part{&inc}, HasNext: p.HasNext}
}

// statusWriter remembers the status written by the handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}
