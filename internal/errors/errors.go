package errors

import (
	"fmt"
)

// SiftError is the structured error type for docsift.
// It provides rich context for error handling, logging, and user presentation.
type SiftError struct {
	// Code is the unique error code (e.g., "ERR_203_DOCUMENT_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Queue, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *SiftError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *SiftError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with SiftError.
func (e *SiftError) Is(target error) bool {
	if t, ok := target.(*SiftError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *SiftError) WithDetail(key, value string) *SiftError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new SiftError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *SiftError {
	return &SiftError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a SiftError from an existing error.
// The error's message becomes the SiftError message.
func Wrap(code string, err error) *SiftError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// NotFoundError creates an error for an unknown document or job id.
func NotFoundError(message string) *SiftError {
	return New(ErrCodeDocumentNotFound, message, nil)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *SiftError {
	return New(ErrCodeInvalidInput, message, cause)
}

// ExtractionError creates a per-document content-processing error.
// Extraction failures are recorded on the document, never fatal to a scan.
func ExtractionError(message string, cause error) *SiftError {
	return New(ErrCodeExtractionFailed, message, cause)
}

// IndexWriteError creates a retryable index-write error.
func IndexWriteError(message string, cause error) *SiftError {
	return New(ErrCodeIndexWrite, message, cause)
}

// QueueDeliveryError creates a task delivery error.
// Mitigated by idempotent fingerprint-keyed processing, so retryable.
func QueueDeliveryError(message string, cause error) *SiftError {
	return New(ErrCodeQueueDelivery, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *SiftError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a SiftError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*SiftError); ok {
		return se.Retryable
	}
	return false
}

// IsNotFound checks if an error represents a missing document or job.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	switch GetCode(err) {
	case ErrCodeDocumentNotFound, ErrCodeJobNotFound, ErrCodeFileNotFound:
		return true
	}
	return false
}

// IsValidation checks if an error is in the validation category.
func IsValidation(err error) bool {
	return GetCategory(err) == CategoryValidation
}

// GetCode extracts the error code from a SiftError.
// Returns empty string if not a SiftError.
func GetCode(err error) string {
	if se, ok := err.(*SiftError); ok {
		return se.Code
	}
	return ""
}

// GetCategory extracts the category from a SiftError.
// Returns empty string if not a SiftError.
func GetCategory(err error) Category {
	if se, ok := err.(*SiftError); ok {
		return se.Category
	}
	return ""
}
