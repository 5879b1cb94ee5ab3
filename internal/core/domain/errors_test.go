package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "error with type, code, and message",
			err:      &APIError{Type: ErrorTypeRateLimit, Code: ErrorCodeRateLimitExceeded, Message: "rate limited"},
			expected: "rate_limit (RATE_LIMIT_EXCEEDED): rate limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{name: "invalid request", err: &APIError{Type: ErrorTypeInvalidRequest}, expected: http.StatusBadRequest},
		{name: "parse", err: &APIError{Type: ErrorTypeParse}, expected: http.StatusBadRequest},
		{name: "validation", err: &APIError{Type: ErrorTypeValidation}, expected: http.StatusBadRequest},
		{name: "persisted query", err: &APIError{Type: ErrorTypePersistedQuery}, expected: http.StatusBadRequest},
		{name: "permission", err: &APIError{Type: ErrorTypePermission}, expected: http.StatusForbidden},
		{name: "method not allowed", err: &APIError{Type: ErrorTypeMethodNotAllowed}, expected: http.StatusMethodNotAllowed},
		{name: "rate limit", err: &APIError{Type: ErrorTypeRateLimit}, expected: http.StatusTooManyRequests},
		{name: "overloaded", err: &APIError{Type: ErrorTypeOverloaded}, expected: http.StatusServiceUnavailable},
		{name: "timeout", err: &APIError{Type: ErrorTypeTimeout}, expected: http.StatusGatewayTimeout},
		{name: "server", err: &APIError{Type: ErrorTypeServer}, expected: http.StatusInternalServerError},
		{name: "explicit status wins", err: &APIError{Type: ErrorTypePersistedQuery, StatusCode: http.StatusOK}, expected: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestAPIError_GQLError(t *testing.T) {
	plain := ErrInvalidRequest("blocked").GQLError()
	if plain.Message != "blocked" || plain.Extensions != nil {
		t.Errorf("unexpected plain error: %+v", plain)
	}

	coded := ErrValidation("bad").WithExtension("name", "v").GQLError()
	if coded.Extensions["code"] != "GRAPHQL_VALIDATION_FAILED" || coded.Extensions["name"] != "v" {
		t.Errorf("unexpected extensions: %v", coded.Extensions)
	}
}

func TestAPIError_Chaining(t *testing.T) {
	err := NewAPIError(ErrorTypeServer, "boom").
		WithCode(ErrorCodeUpstreamRequestFailed).
		WithStatusCode(http.StatusBadGateway).
		WithExtension("service", "upstream")

	if err.Code != ErrorCodeUpstreamRequestFailed || err.StatusCode != http.StatusBadGateway {
		t.Errorf("unexpected error: %+v", err)
	}
	resp := err.Response()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("response status = %d", resp.StatusCode)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		wantType ErrorType
		wantCode ErrorCode
	}{
		{"ErrInvalidRequest", ErrInvalidRequest("x"), ErrorTypeInvalidRequest, ""},
		{"ErrValidation", ErrValidation("x"), ErrorTypeValidation, ErrorCodeValidationFailed},
		{"ErrParse", ErrParse(errors.New("x")), ErrorTypeParse, ErrorCodeParseFailed},
		{"ErrPermission", ErrPermission("x"), ErrorTypePermission, ErrorCodeRequestDenied},
		{"ErrRateLimit", ErrRateLimit("x"), ErrorTypeRateLimit, ErrorCodeRateLimitExceeded},
		{"ErrServer", ErrServer("x"), ErrorTypeServer, ErrorCodeInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType || tt.err.Code != tt.wantCode {
				t.Errorf("got type %q code %q", tt.err.Type, tt.err.Code)
			}
		})
	}
}

func TestErrParse_UsesParserMessage(t *testing.T) {
	_, err := NewRequest("{ me { ").Document()
	if err == nil {
		t.Fatal("expected parse error")
	}
	var gerr *gqlerror.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *gqlerror.Error, got %T", err)
	}
	if got := ErrParse(err).Message; got != gerr.Message {
		t.Errorf("message = %q, want %q", got, gerr.Message)
	}
}

func TestErrorList(t *testing.T) {
	list := ErrorList{ErrValidation("a"), ErrValidation("b")}
	if list.HTTPStatusCode() != http.StatusBadRequest {
		t.Errorf("status = %d", list.HTTPStatusCode())
	}
	if len(list.GQLErrors()) != 2 {
		t.Errorf("expected 2 rendered errors")
	}
	if (ErrorList{}).HTTPStatusCode() != http.StatusInternalServerError {
		t.Error("expected empty list to map to 500")
	}
}

func TestAsGraphQLErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantOK     bool
		wantStatus int
		wantCount  int
	}{
		{name: "api error", err: ErrPermission("no"), wantOK: true, wantStatus: http.StatusForbidden, wantCount: 1},
		{name: "wrapped api error", err: fmt.Errorf("stage: %w", ErrServer("x")), wantOK: true, wantStatus: http.StatusInternalServerError, wantCount: 1},
		{name: "error list", err: ErrorList{ErrValidation("a"), ErrValidation("b")}, wantOK: true, wantStatus: http.StatusBadRequest, wantCount: 2},
		{name: "gqlerror", err: gqlerror.Errorf("bad"), wantOK: true, wantStatus: http.StatusBadRequest, wantCount: 1},
		{name: "plain error", err: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs, status, ok := AsGraphQLErrors(tt.err)
			if ok != tt.wantOK || status != tt.wantStatus || len(errs) != tt.wantCount {
				t.Errorf("AsGraphQLErrors() = %v, %d, %v", errs, status, ok)
			}
		})
	}
}
