// Package openai provides OpenAI-compatible API error types.
package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType represents OpenAI API error types.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeRateLimit indicates rate limiting.
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeAPI indicates an internal API error.
	ErrorTypeAPI ErrorType = "api_error"
	// ErrorTypeOverloaded indicates the upstream is overloaded.
	ErrorTypeOverloaded ErrorType = "overloaded_error"
)

// ErrorResponse is the OpenAI-shaped error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error details.
type ErrorBody struct {
	Message string    `json:"message"`
	Type    ErrorType `json:"type"`
	Param   *string   `json:"param"`
	Code    string    `json:"code,omitempty"`
}

// APIError is an error type that can be converted to an OpenAI error response.
type APIError struct {
	Type       ErrorType
	Message    string
	Code       string
	StatusCode int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ToResponse converts the error to an OpenAI error response.
func (e *APIError) ToResponse() *ErrorResponse {
	return &ErrorResponse{
		Error: ErrorBody{
			Message: e.Message,
			Type:    e.Type,
			Code:    e.Code,
		},
	}
}

// WriteError writes an OpenAI error response to the response writer.
func (e *APIError) WriteError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	_ = json.NewEncoder(w).Encode(e.ToResponse())
}

// NewInvalidRequestError creates a new invalid request error.
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewModelNotAvailableError creates the error returned when no account can
// serve the requested model.
func NewModelNotAvailableError(model string) *APIError {
	return &APIError{
		Type:       ErrorTypeInvalidRequest,
		Message:    fmt.Sprintf("The model '%s' is not available on any configured account", model),
		Code:       "model_not_available",
		StatusCode: http.StatusBadRequest,
	}
}

// NewAuthenticationError creates a new authentication error.
func NewAuthenticationError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewAPIError creates a new internal API error.
func NewAPIError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeAPI,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewAPIErrorWithStatus creates an API error that preserves an upstream
// HTTP status code instead of collapsing it to 500.
func NewAPIErrorWithStatus(message string, statusCode int) *APIError {
	return &APIError{
		Type:       ErrorTypeAPI,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewOverloadedError creates a new overloaded error.
func NewOverloadedError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeOverloaded,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// ErrNoHealthyAccounts is returned when no eligible account is available.
var ErrNoHealthyAccounts = NewOverloadedError("No healthy accounts available")
