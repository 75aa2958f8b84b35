package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a render failure.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates invalid or unsatisfiable input.
	// Examples: empty pin intersection, zip length mismatch, malformed migration,
	// name collision. Always fatal for the render pass.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassCacheFetch indicates the pinning set could not be fetched.
	// Recovered by falling back to the last good cache when one exists.
	ErrorClassCacheFetch ErrorClass = "cache_fetch"

	// ErrorClassInternal indicates an unexpected failure (I/O, encoding).
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource names the file, axis, or configuration that caused the error.
	Resource string `json:"resource,omitempty"`

	// Operation is the step being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// An empty Code on the target matches any code of the same class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if e.Class != t.Class {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Err:     err,
	}
}

// NewCacheFetchError creates a new cache fetch error.
func NewCacheFetchError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCacheFetch,
		Message: message,
		Code:    ErrCodeFetchFailed,
		Err:     err,
	}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInternal,
		Message: message,
		Code:    ErrCodeInternal,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConfiguration
	}
	return false
}

// IsCacheFetch returns true if the error is classified as a cache fetch error.
func IsCacheFetch(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassCacheFetch
	}
	return false
}

// IsInternal returns true if the error is classified as internal.
func IsInternal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassInternal
	}
	return false
}

// CodeOf returns the error code of the first EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeUnsatisfiablePin   = "UNSATISFIABLE_PIN"
	ErrCodeZipMismatch        = "ZIP_MISMATCH"
	ErrCodeZipOverlap         = "ZIP_OVERLAP"
	ErrCodeMalformedMigration = "MALFORMED_MIGRATION"
	ErrCodeNameCollision      = "NAME_COLLISION"
	ErrCodeInvalidConfig      = "INVALID_CONFIG"
	ErrCodeInvalidRecipe      = "INVALID_RECIPE"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeFetchFailed        = "FETCH_FAILED"
	ErrCodeNoCache            = "NO_CACHE"
	ErrCodeInternal           = "INTERNAL_ERROR"
)
