package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfinch/mail-server/internal/pool"
)

// ErrorCategory represents different categories of directory errors.
type ErrorCategory string

const (
	ErrorCategoryNotFound           ErrorCategory = "not_found"
	ErrorCategoryBackendUnavailable ErrorCategory = "backend_unavailable"
	ErrorCategoryConnectTimeout     ErrorCategory = "connect_timeout"
	ErrorCategoryPoolExhausted      ErrorCategory = "pool_exhausted"
	ErrorCategorySchemaMismatch     ErrorCategory = "schema_mismatch"
	ErrorCategoryAuthFailed         ErrorCategory = "auth_failed"
	ErrorCategoryUnsupported        ErrorCategory = "unsupported"
	ErrorCategoryConfiguration      ErrorCategory = "configuration"
	ErrorCategoryUnknown            ErrorCategory = "unknown"
)

// Sentinel errors. They match any *Error of the same category through errors.Is.
var (
	ErrNotFound           = &Error{Category: ErrorCategoryNotFound}
	ErrBackendUnavailable = &Error{Category: ErrorCategoryBackendUnavailable}
	ErrConnectTimeout     = &Error{Category: ErrorCategoryConnectTimeout}
	ErrPoolExhausted      = &Error{Category: ErrorCategoryPoolExhausted}
	ErrSchemaMismatch     = &Error{Category: ErrorCategorySchemaMismatch}
	ErrAuthFailed         = &Error{Category: ErrorCategoryAuthFailed}
	ErrUnsupported        = &Error{Category: ErrorCategoryUnsupported}
	ErrConfiguration      = &Error{Category: ErrorCategoryConfiguration}
)

// Error provides categorized error information for directory operations.
type Error struct {
	Operation string        // The operation that failed
	Directory string        // Backend kind or directory id
	Category  ErrorCategory // Error category
	Key       string        // Lookup key involved (never a credential)
	Message   string        // Human-readable message
	Retryable bool          // Whether the caller may retry
	Cause     error         // Underlying error
}

func (e *Error) Error() string {
	var parts []string

	switch {
	case e.Operation != "" && e.Directory != "":
		parts = append(parts, fmt.Sprintf("directory %s: %s failed", e.Directory, e.Operation))
	case e.Operation != "":
		parts = append(parts, fmt.Sprintf("directory %s failed", e.Operation))
	default:
		parts = append(parts, "directory error")
	}

	parts = append(parts, string(e.Category))

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("key: %s", e.Key))
	}

	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " - ")
}

func (e *Error) IsRetryable() bool {
	return e.Retryable
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a sentinel of the same category.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Operation != "" || t.Message != "" || t.Cause != nil {
		return e == t
	}
	return t.Category == e.Category
}

// GetCategory returns the error category.
func (e *Error) GetCategory() ErrorCategory {
	return e.Category
}

// NewError creates a categorized directory error.
func NewError(operation string, category ErrorCategory, message string, cause error) *Error {
	return &Error{
		Operation: operation,
		Category:  category,
		Message:   message,
		Retryable: isCategoryRetryable(category),
		Cause:     cause,
	}
}

// NotFound creates a not-found error for the given lookup key.
func NotFound(operation, key string) *Error {
	e := NewError(operation, ErrorCategoryNotFound, "", nil)
	e.Key = key
	return e
}

// Unavailable wraps a transport failure talking to a backend.
func Unavailable(operation string, cause error) *Error {
	return NewError(operation, ErrorCategoryBackendUnavailable, "backend unreachable", cause)
}

// SchemaMismatch reports backend data that violates the expected shape.
func SchemaMismatch(operation, format string, args ...any) *Error {
	return NewError(operation, ErrorCategorySchemaMismatch, fmt.Sprintf(format, args...), nil)
}

// AuthFailed reports a credential that did not match.
func AuthFailed(operation, key string) *Error {
	e := NewError(operation, ErrorCategoryAuthFailed, "invalid credentials", nil)
	e.Key = key
	return e
}

// Unsupported reports an operation the backend kind cannot perform.
func Unsupported(operation, backend string) *Error {
	e := NewError(operation, ErrorCategoryUnsupported, "operation not supported by backend", nil)
	e.Directory = backend
	return e
}

// WrapError attaches operation context to an error, classifying it when needed.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var dirErr *Error
	if errors.As(err, &dirErr) {
		if dirErr.Operation == "" {
			dirErr.Operation = operation
		}
		return dirErr
	}

	category := categorizeGenericError(err)
	return &Error{
		Operation: operation,
		Category:  category,
		Message:   err.Error(),
		Retryable: isCategoryRetryable(category),
		Cause:     err,
	}
}

// categorizeGenericError categorizes errors that did not originate in this package.
func categorizeGenericError(err error) ErrorCategory {
	switch {
	case errors.Is(err, pool.ErrExhausted):
		return ErrorCategoryPoolExhausted
	case errors.Is(err, pool.ErrConnectTimeout):
		return ErrorCategoryConnectTimeout
	case errors.Is(err, pool.ErrClosed):
		return ErrorCategoryBackendUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryConnectTimeout
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "eof") {
		return ErrorCategoryBackendUnavailable
	}

	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryConnectTimeout
	}

	return ErrorCategoryUnknown
}

// isCategoryRetryable reports whether errors of a category are transient.
// Pool exhaustion is retryable by the caller but signals backpressure.
func isCategoryRetryable(category ErrorCategory) bool {
	switch category {
	case ErrorCategoryBackendUnavailable,
		ErrorCategoryConnectTimeout,
		ErrorCategoryPoolExhausted:
		return true
	default:
		return false
	}
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var dirErr *Error
	if errors.As(err, &dirErr) {
		return dirErr.IsRetryable()
	}

	return isCategoryRetryable(categorizeGenericError(err))
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var dirErr *Error
	if errors.As(err, &dirErr) {
		return dirErr.GetCategory()
	}

	return categorizeGenericError(err)
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsTransientError reports errors that must never be cached.
func IsTransientError(err error) bool {
	switch GetErrorCategory(err) {
	case ErrorCategoryBackendUnavailable, ErrorCategoryConnectTimeout, ErrorCategoryPoolExhausted:
		return true
	default:
		return false
	}
}
