package client

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// APIError is a failed backend call.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass

	// Message is the backend's human-readable message, shown inline to users
	// for validation failures.
	Message string

	// Fields holds per-field validation messages.
	Fields map[string][]string

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("backend %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// UserMessage returns text suitable for an inline error: the backend
// message for validation failures, a generic retry-later text otherwise.
func (e *APIError) UserMessage() string {
	switch e.ErrorClass {
	case ErrorClassAuth:
		return "Your session has expired. Please log in again."
	case ErrorClassValidation:
		if e.Message != "" {
			return e.Message
		}
		for _, msgs := range e.Fields {
			if len(msgs) > 0 {
				return msgs[0]
			}
		}
		return "The request could not be processed."
	default:
		return "Something went wrong. Please try again later."
	}
}

// FieldErrors flattens Fields into "field: message" lines.
func (e *APIError) FieldErrors() []string {
	var out []string
	for field, msgs := range e.Fields {
		out = append(out, field+": "+strings.Join(msgs, ", "))
	}
	return out
}

// ClassOf returns the class of err, or "" if it is not an APIError.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	return ""
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	return ClassOf(err) == ErrorClassAuth
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassAuth, ErrorClassValidation:
		// 4xx errors will not change on retry
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
