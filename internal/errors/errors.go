// Package errors provides a lightweight structured error type (EngineError)
// for category-based classification and retry semantics across the build engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory represents the category of an engine error for classification
type ErrorCategory string

const (
	// User-facing configuration and input errors
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"

	// External collaborator errors
	CategoryExtraction ErrorCategory = "extraction"
	CategoryGeneration ErrorCategory = "generation"
	CategoryUpload     ErrorCategory = "upload"
	CategoryResolver   ErrorCategory = "resolver"

	// Build coordination errors
	CategoryConflict ErrorCategory = "conflict"
	CategoryLineage  ErrorCategory = "lineage"
	CategoryCanceled ErrorCategory = "canceled"

	// Runtime and infrastructure errors
	CategoryState    ErrorCategory = "state"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Fails the job
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal to the job
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
)

// EngineError is a structured error with category, retryability, and context
type EngineError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for EngineError
type ContextFields map[string]any

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *EngineError) WithContext(key string, value any) *EngineError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new EngineError
func New(category ErrorCategory, severity ErrorSeverity, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Retryable: false,
	}
}

// Wrap creates a new EngineError that wraps an existing error
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: false,
	}
}

// Retryable creates a new retryable EngineError
func Retryable(category ErrorCategory, severity ErrorSeverity, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Retryable: true,
	}
}

// WrapRetryable creates a new retryable EngineError that wraps an existing error
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category ErrorCategory) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or returns CategoryInternal if not an EngineError
func GetCategory(err error) ErrorCategory {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return CategoryInternal
}

// ValidationError creates a new validation error
func ValidationError(message string) *EngineError {
	return &EngineError{
		Category:  CategoryValidation,
		Severity:  SeverityWarning,
		Message:   message,
		Retryable: false,
	}
}

// WrapError wraps an existing error with a new EngineError at SeverityError
func WrapError(err error, category ErrorCategory, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Severity:  SeverityError,
		Message:   message,
		Cause:     err,
		Retryable: false,
	}
}
