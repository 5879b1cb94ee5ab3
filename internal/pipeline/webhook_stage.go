package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
)

// Action is the verdict returned by a webhook.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionDeny   Action = "deny"
	ActionMutate Action = "mutate"
)

// DefaultWebhookTimeout applies when a stage does not set a timeout.
const DefaultWebhookTimeout = 5 * time.Second

// StageInput is the body posted to a webhook.
type StageInput struct {
	Phase    string          `json:"phase"`
	Request  *domain.Request `json:"request"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// StageOutput is the body a webhook answers with.
type StageOutput struct {
	Action     Action          `json:"action"`
	Request    *domain.Request `json:"request,omitempty"`
	DenyReason string          `json:"deny_reason,omitempty"`
}

// WebhookStage calls an external HTTP endpoint to approve requests.
type WebhookStage struct {
	name    string
	url     string
	timeout time.Duration
	onError Action // Action to take on error (allow or deny)
	retries int
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// WebhookStageConfig configures a webhook stage.
type WebhookStageConfig struct {
	Name    string
	URL     string
	Timeout time.Duration
	OnError Action // "allow" or "deny" (default: deny)
	Retries int
	Headers map[string]string
	// AllowPrivateNetworks permits webhooks on loopback and private
	// addresses. Off by default.
	AllowPrivateNetworks bool
	// Client overrides the HTTP client.
	Client *http.Client
	Logger *slog.Logger
}

// NewWebhookStage creates a new webhook stage.
func NewWebhookStage(cfg WebhookStageConfig) *WebhookStage {
	onError := cfg.OnError
	if onError == "" {
		onError = ActionDeny // Default to fail-closed
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		var transport http.RoundTripper = safehttp.NewTransport()
		if cfg.AllowPrivateNetworks {
			transport = http.DefaultTransport
		}
		client = &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   timeout,
		}
	}

	return &WebhookStage{
		name:    cfg.Name,
		url:     cfg.URL,
		timeout: timeout,
		onError: onError,
		retries: cfg.Retries,
		headers: cfg.Headers,
		client:  client,
		logger:  logger,
	}
}

// Name returns the stage identifier.
func (s *WebhookStage) Name() string {
	return s.name
}

// Check is the checkpoint predicate.
func (s *WebhookStage) Check(ctx context.Context, req *domain.Request) (policy.Decision, error) {
	output, err := s.Process(ctx, &StageInput{
		Phase:    "request",
		Request:  req,
		Metadata: metadata(ctx, req),
	})
	if err != nil {
		return policy.Decision{}, err
	}

	switch output.Action {
	case ActionDeny:
		reason := output.DenyReason
		if reason == "" {
			reason = "denied by pipeline stage " + s.name
		}
		return policy.Reject(&DeniedError{StageName: s.name, Reason: reason}), nil
	case ActionMutate:
		if output.Request != nil {
			return policy.Continue(mutate(req, output.Request)), nil
		}
	}
	return policy.Continue(req), nil
}

// Process executes the webhook call.
func (s *WebhookStage) Process(ctx context.Context, in *StageInput) (*StageOutput, error) {
	var lastErr error

	attempts := s.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		output, err := s.doRequest(ctx, in)
		if err == nil {
			return output, nil
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	// All retries failed - apply onError behavior
	return s.handleError(lastErr)
}

func (s *WebhookStage) doRequest(ctx context.Context, in *StageInput) (*StageOutput, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal stage input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id := domain.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var output StageOutput
	if err := json.Unmarshal(respBody, &output); err != nil {
		return nil, fmt.Errorf("unmarshal stage output: %w", err)
	}

	switch output.Action {
	case ActionAllow, ActionDeny, ActionMutate:
	case "":
		output.Action = ActionAllow
	default:
		return nil, fmt.Errorf("invalid action from webhook: %s", output.Action)
	}

	return &output, nil
}

func (s *WebhookStage) handleError(err error) (*StageOutput, error) {
	switch s.onError {
	case ActionAllow:
		s.logger.Warn("webhook stage failed, allowing request",
			slog.String("stage", s.name),
			slog.String("error", err.Error()))
		return &StageOutput{Action: ActionAllow}, nil
	case ActionDeny:
		s.logger.Warn("webhook stage failed, denying request",
			slog.String("stage", s.name),
			slog.String("error", err.Error()))
		return &StageOutput{
			Action:     ActionDeny,
			DenyReason: fmt.Sprintf("webhook error: %v", err),
		}, nil
	default:
		return nil, fmt.Errorf("webhook stage %s failed: %w", s.name, err)
	}
}

func metadata(ctx context.Context, req *domain.Request) map[string]any {
	meta := map[string]any{"method": req.Method}
	if id := domain.RequestIDFromContext(ctx); id != "" {
		meta["request_id"] = id
	}
	if req.OperationName != "" {
		meta["operation_name"] = req.OperationName
	}
	return meta
}

// mutate applies the GraphQL fields a webhook returned. Transport state
// (method, headers, negotiated flags) is never taken from the webhook.
func mutate(req, patch *domain.Request) *domain.Request {
	out := req.Clone()
	if patch.Query != "" {
		out.Query = patch.Query
	}
	if patch.OperationName != "" {
		out.OperationName = patch.OperationName
	}
	if patch.Variables != nil {
		out.Variables = patch.Variables
	}
	if patch.Extensions != nil {
		out.Extensions = patch.Extensions
	}
	return out
}
