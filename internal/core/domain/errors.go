package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// ErrorType represents the category of a gateway error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed request or a request
	// blocked by a boundary policy.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeParse indicates the query text could not be parsed.
	ErrorTypeParse ErrorType = "parse"

	// ErrorTypeValidation indicates the operation or its variables failed validation.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypePersistedQuery indicates an automatic persisted query failure.
	ErrorTypePersistedQuery ErrorType = "persisted_query"

	// ErrorTypePermission indicates the request was denied by policy.
	ErrorTypePermission ErrorType = "permission"

	// ErrorTypeMethodNotAllowed indicates the operation cannot use the HTTP method.
	ErrorTypeMethodNotAllowed ErrorType = "method_not_allowed"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeOverloaded indicates the gateway or upstream is overloaded.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeTimeout indicates the request exceeded its deadline.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode is the machine readable code placed in extensions.code.
type ErrorCode string

const (
	ErrorCodePersistedQueryNotFound     ErrorCode = "PERSISTED_QUERY_NOT_FOUND"
	ErrorCodePersistedQueryNotSupported ErrorCode = "PERSISTED_QUERY_NOT_SUPPORTED"
	ErrorCodePersistedQueryHashMismatch ErrorCode = "PERSISTED_QUERY_HASH_MISMATCH"
	ErrorCodePersistedQueryVersion      ErrorCode = "PERSISTED_QUERY_VERSION_NOT_SUPPORTED"
	ErrorCodeParseFailed                ErrorCode = "GRAPHQL_PARSE_FAILED"
	ErrorCodeValidationFailed           ErrorCode = "GRAPHQL_VALIDATION_FAILED"
	ErrorCodeParserRecursionLimit       ErrorCode = "PARSER_RECURSION_LIMIT"
	ErrorCodeUnknownOperation           ErrorCode = "GRAPHQL_UNKNOWN_OPERATION_NAME"
	ErrorCodeRequestDenied              ErrorCode = "REQUEST_DENIED"
	ErrorCodeMutationNotAllowedOverGet  ErrorCode = "MUTATION_NOT_ALLOWED_OVER_GET"
	ErrorCodeUpstreamRequestFailed      ErrorCode = "UPSTREAM_REQUEST_FAILED"
	ErrorCodeInternalServerError        ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrorCodeGatewayTimeout             ErrorCode = "GATEWAY_TIMEOUT"
	ErrorCodeRateLimitExceeded          ErrorCode = "RATE_LIMIT_EXCEEDED"
)

// APIError is a canonical gateway error. It renders as a GraphQL error
// ({message, extensions}) and carries the HTTP status the frontdoor should use.
type APIError struct {
	// Type is the category of error
	Type ErrorType

	// Code is an optional machine readable code, rendered as extensions.code
	Code ErrorCode

	// Message is the human-readable error message
	Message string

	// Extensions are additional extension entries rendered with the error
	Extensions map[string]any

	// StatusCode is the suggested HTTP status code
	StatusCode int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest, ErrorTypeParse, ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypePersistedQuery:
		return http.StatusBadRequest
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GQLError renders the error in GraphQL response form.
func (e *APIError) GQLError() *gqlerror.Error {
	gerr := &gqlerror.Error{Message: e.Message}
	if e.Code == "" && len(e.Extensions) == 0 {
		return gerr
	}
	gerr.Extensions = make(map[string]any, len(e.Extensions)+1)
	for k, v := range e.Extensions {
		gerr.Extensions[k] = v
	}
	if e.Code != "" {
		gerr.Extensions["code"] = string(e.Code)
	}
	return gerr
}

// Response builds a single-part response carrying this error.
func (e *APIError) Response() *Response {
	return ErrorResponse(e.HTTPStatusCode(), e.GQLError())
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithExtension adds an extension entry.
func (e *APIError) WithExtension(key string, value any) *APIError {
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// ErrorList aggregates several errors produced by one policy, for example one
// per invalid variable. All entries share the status of the first.
type ErrorList []*APIError

func (l ErrorList) Error() string {
	msgs := make([]string, len(l))
	for i, e := range l {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// HTTPStatusCode returns the status of the first error.
func (l ErrorList) HTTPStatusCode() int {
	if len(l) == 0 {
		return http.StatusInternalServerError
	}
	return l[0].HTTPStatusCode()
}

// GQLErrors renders every entry.
func (l ErrorList) GQLErrors() gqlerror.List {
	out := make(gqlerror.List, len(l))
	for i, e := range l {
		out[i] = e.GQLError()
	}
	return out
}

// Response builds a single-part response carrying every error.
func (l ErrorList) Response() *Response {
	return ErrorResponse(l.HTTPStatusCode(), l.GQLErrors()...)
}

// AsGraphQLErrors extracts the GraphQL rendering and status of err.
// ok is false when err carries no gateway error information.
func AsGraphQLErrors(err error) (errs gqlerror.List, status int, ok bool) {
	var list ErrorList
	if errors.As(err, &list) {
		return list.GQLErrors(), list.HTTPStatusCode(), true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return gqlerror.List{apiErr.GQLError()}, apiErr.HTTPStatusCode(), true
	}
	var gerr *gqlerror.Error
	if errors.As(err, &gerr) {
		return gqlerror.List{gerr}, http.StatusBadRequest, true
	}
	return nil, 0, false
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *APIError {
	return NewAPIError(ErrorTypeValidation, message).
		WithCode(ErrorCodeValidationFailed)
}

// ErrParse wraps a parser error.
func ErrParse(err error) *APIError {
	var gerr *gqlerror.Error
	msg := err.Error()
	if errors.As(err, &gerr) {
		msg = gerr.Message
	}
	return NewAPIError(ErrorTypeParse, msg).
		WithCode(ErrorCodeParseFailed)
}

// ErrPermission creates a permission error.
func ErrPermission(message string) *APIError {
	return NewAPIError(ErrorTypePermission, message).
		WithCode(ErrorCodeRequestDenied)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).
		WithCode(ErrorCodeRateLimitExceeded)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message).
		WithCode(ErrorCodeInternalServerError)
}
