// Package errors defines the error taxonomy shared across the gateway.
// Every failure carries a stable code, a category derived from that code,
// and enough metadata to pick retry behavior and an HTTP status.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a calgate failure mode.
type ErrorCode string

// Codes are grouped by the subsystem that raises them.
const (
	// Configuration errors
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Connection errors
	ErrCodeConnectionExhausted ErrorCode = "CONNECTION_EXHAUSTED"
	ErrCodeConnectionLeak      ErrorCode = "CONNECTION_LEAK"
	ErrCodeConnectionClosed    ErrorCode = "CONNECTION_CLOSED"
	ErrCodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"

	// Cache errors
	ErrCodeCacheMemoryExceeded ErrorCode = "CACHE_MEMORY_EXCEEDED"
	ErrCodeEntryTooLarge       ErrorCode = "ENTRY_TOO_LARGE"

	// Fetch errors
	ErrCodeFetchFailed  ErrorCode = "FETCH_FAILED"
	ErrCodeFetchTimeout ErrorCode = "FETCH_TIMEOUT"
	ErrCodeFeedDecode   ErrorCode = "FEED_DECODE"

	// Store errors
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeStoreQuery       ErrorCode = "STORE_QUERY"
	ErrCodeStoreWrite       ErrorCode = "STORE_WRITE"
	ErrCodeStoreMigrate     ErrorCode = "STORE_MIGRATE"

	// Feature flag errors
	ErrCodeFlagEvalFailed ErrorCode = "FLAG_EVAL_FAILED"

	// State errors
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeShuttingDown   ErrorCode = "SHUTTING_DOWN"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory is the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryCache         ErrorCategory = "cache"
	CategoryFetch         ErrorCategory = "fetch"
	CategoryStore         ErrorCategory = "store"
	CategoryFlag          ErrorCategory = "flag"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// GateError is a structured error with code, category, and operational metadata.
type GateError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"` // not serialized
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error renders "[component:operation] CODE: message", dropping the bracket
// prefix when no component is set.
func (e *GateError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *GateError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so sentinel comparison works across wrapping.
func (e *GateError) Is(target error) bool {
	var ge *GateError
	if stderrors.As(target, &ge) {
		return e.Code == ge.Code
	}
	return false
}

// String returns a detailed representation for logs.
func (e *GateError) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GateError{Code=%s, Category=%s, Message=%q", e.Code, e.Category, e.Message)
	if e.Component != "" {
		fmt.Fprintf(&b, ", Component=%s", e.Component)
	}
	if e.Operation != "" {
		fmt.Fprintf(&b, ", Operation=%s", e.Operation)
	}
	if e.Retryable {
		b.WriteString(", Retryable=true")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ", Cause=%q", e.Cause.Error())
	}
	b.WriteString("}")
	return b.String()
}

// NewError creates a new error with category, retryability, and HTTP status
// derived from the code.
func NewError(code ErrorCode, message string) *GateError {
	return &GateError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *GateError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category from the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "CIRCUIT_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "CACHE_") || strings.HasPrefix(codeStr, "ENTRY_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "FETCH_") || strings.HasPrefix(codeStr, "FEED_"):
		return CategoryFetch
	case strings.HasPrefix(codeStr, "STORE_"):
		return CategoryStore
	case strings.HasPrefix(codeStr, "FLAG_"):
		return CategoryFlag
	case strings.HasPrefix(codeStr, "ALREADY_") || strings.HasPrefix(codeStr, "SHUTTING_"):
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether an error code is retryable without an
// explicit opt in. Transient upstream and capacity failures are.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionExhausted, ErrCodeFetchFailed,
		ErrCodeFetchTimeout, ErrCodeStoreUnavailable:
		return true
	}
	return false
}

var httpStatusByCode = map[ErrorCode]int{
	ErrCodeConfigInvalid:       400,
	ErrCodeEntryTooLarge:       413,
	ErrCodeFetchFailed:         502,
	ErrCodeFeedDecode:          502,
	ErrCodeConnectionExhausted: 503,
	ErrCodeCircuitOpen:         503,
	ErrCodeStoreUnavailable:    503,
	ErrCodeShuttingDown:        503,
	ErrCodeFetchTimeout:        504,
}

// GetDefaultHTTPStatus returns the HTTP status a gateway response should use
// for an error code. Unmapped codes answer as internal server errors.
func GetDefaultHTTPStatus(code ErrorCode) int {
	if status, ok := httpStatusByCode[code]; ok {
		return status
	}
	return 500
}

// WithDetail adds a detail entry to the error.
func (e *GateError) WithDetail(key string, value interface{}) *GateError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the originating component.
func (e *GateError) WithComponent(component string) *GateError {
	e.Component = component
	return e
}

// WithOperation sets the originating operation.
func (e *GateError) WithOperation(operation string) *GateError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *GateError) WithCause(cause error) *GateError {
	e.Cause = cause
	return e
}

// CodeOf extracts the error code from err, or ErrCodeInternalError when err
// carries no GateError.
func CodeOf(err error) ErrorCode {
	var ge *GateError
	if stderrors.As(err, &ge) {
		return ge.Code
	}
	return ErrCodeInternalError
}

// HTTPStatusOf maps err to the HTTP status a handler should respond with.
func HTTPStatusOf(err error) int {
	var ge *GateError
	if stderrors.As(err, &ge) {
		if ge.HTTPStatus != 0 {
			return ge.HTTPStatus
		}
		return GetDefaultHTTPStatus(ge.Code)
	}
	return 500
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	var ge *GateError
	if stderrors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}
