// Package errors provides structured errors with codes, categories and context for stickypool.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Worker lifecycle errors
	ErrCodeSpawnFailed    ErrorCode = "SPAWN_FAILED"
	ErrCodeSpawnExhausted ErrorCode = "SPAWN_EXHAUSTED"
	ErrCodeWorkerCrash    ErrorCode = "WORKER_CRASH"
	ErrCodeUnknownWorker  ErrorCode = "UNKNOWN_WORKER"

	// Routing errors
	ErrCodeRoutingFailed ErrorCode = "ROUTING_FAILED"
	ErrCodeHandoffFailed ErrorCode = "HANDOFF_FAILED"
	ErrCodeChannelClosed ErrorCode = "CHANNEL_CLOSED"

	// Fault errors
	ErrCodeMemoryLimitExceeded ErrorCode = "MEMORY_LIMIT_EXCEEDED"
	ErrCodeUncaughtFault       ErrorCode = "UNCAUGHT_FAULT"

	// State errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"
	ErrCodeShutdownTimeout    ErrorCode = "SHUTDOWN_TIMEOUT"

	// Ambient errors
	ErrCodeArchiveFailed ErrorCode = "ARCHIVE_FAILED"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryLifecycle     ErrorCategory = "lifecycle"
	CategoryRouting       ErrorCategory = "routing"
	CategoryFault         ErrorCategory = "fault"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// Error is a structured error with context and metadata.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable marks errors the retry package may attempt again.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var msg string
	switch {
	case e.Component != "" && e.Operation != "":
		msg = fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
	case e.Component != "":
		msg = fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	default:
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with defaults derived from the code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap is NewError with a cause.
func Wrap(code ErrorCode, cause error, message string) *Error {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeSpawnFailed, ErrCodeSpawnExhausted, ErrCodeWorkerCrash, ErrCodeUnknownWorker:
		return CategoryLifecycle
	case ErrCodeRoutingFailed, ErrCodeHandoffFailed, ErrCodeChannelClosed:
		return CategoryRouting
	case ErrCodeMemoryLimitExceeded, ErrCodeUncaughtFault:
		return CategoryFault
	case ErrCodeAlreadyStarted, ErrCodeShutdownInProgress, ErrCodeShutdownTimeout:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeSpawnFailed, ErrCodeArchiveFailed:
		return true
	default:
		return false
	}
}

// HasCode reports whether err or anything it wraps is an *Error with code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if !stderr.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// WithDetail adds detailed information to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}
