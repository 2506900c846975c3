// Package apierror provides standardized error response structures for the API.
// All errors returned to clients go through this package so internal details
// (stack traces, SQL errors) never leak.
package apierror

// APIError is the canonical error envelope for all 4xx/5xx HTTP responses.
// Reason is a stable machine-readable code terminals can switch on.
type APIError struct {
	Detail string `json:"detail"`
	Reason string `json:"reason,omitempty"`
}

func New(msg string) *APIError {
	return &APIError{Detail: msg}
}

func WithReason(reason, msg string) *APIError {
	return &APIError{Detail: msg, Reason: reason}
}

// ValidationError wraps multiple field errors.
type ValidationError struct {
	Detail string            `json:"detail"`
	Reason string            `json:"reason"`
	Fields map[string]string `json:"fields"`
}

func NewValidation(fields map[string]string) *ValidationError {
	return &ValidationError{Detail: "validation failed", Reason: "validation", Fields: fields}
}
