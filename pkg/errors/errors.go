// Package errors provides a structured error system for datacache with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

const (
	// Configuration Errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Storage Errors
	ErrCodeStorageRead   ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite  ErrorCode = "STORAGE_WRITE"
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeEntryCorrupt  ErrorCode = "ENTRY_CORRUPT"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeUnavailable   ErrorCode = "STORAGE_UNAVAILABLE"

	// Operation Errors
	ErrCodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	ErrCodeFetchFailed       ErrorCode = "FETCH_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"

	// State Errors
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"

	// Internal Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryOperation     ErrorCategory = "operation"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	Code     ErrorCode         `json:"code"`
	Category ErrorCategory     `json:"category"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	Cause    error             `json:"-"`

	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches another *CacheError by code.
func (e *CacheError) Is(target error) bool {
	if t, ok := target.(*CacheError); ok {
		return e.Code == t.Code
	}
	return false
}

// JSON returns the error as a JSON string.
func (e *CacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with defaults derived from the code.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error of code around cause.
func Wrap(cause error, code ErrorCode, message string) *CacheError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeStorageRead, ErrCodeStorageWrite, ErrCodeQuotaExceeded, ErrCodeEntryCorrupt, ErrCodeNotFound,
		ErrCodeUnavailable:
		return CategoryStorage
	case ErrCodeInvalidArgument, ErrCodeFetchFailed, ErrCodeRetryExhausted, ErrCodeOperationCanceled:
		return CategoryOperation
	case ErrCodeComponentStopped:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeStorageRead, ErrCodeFetchFailed, ErrCodeInternalError:
		return true
	}
	return false
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:     400,
		ErrCodeInvalidArgument:   400,
		ErrCodeNotFound:          404,
		ErrCodeQuotaExceeded:     507,
		ErrCodeFetchFailed:       502,
		ErrCodeComponentStopped:  503,
		ErrCodeUnavailable:       503,
		ErrCodeOperationCanceled: 499,
	}
	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// WithContext adds contextual information to an error
func (e *CacheError) WithContext(key, value string) *CacheError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// HasCode reports whether err, or anything it wraps, is a *CacheError with code.
func HasCode(err error, code ErrorCode) bool {
	var ce *CacheError
	for err != nil {
		if !stderr.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Cause
	}
	return false
}

// CodeOf returns the code of the outermost *CacheError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var ce *CacheError
	if stderr.As(err, &ce) {
		return ce.Code, true
	}
	return "", false
}

// IsRetryable reports whether err carries the retryable hint.
func IsRetryable(err error) bool {
	var ce *CacheError
	if stderr.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
