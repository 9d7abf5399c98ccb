package errs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode represents a specific error condition.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Storage errors
	ErrCodeStoreRead        ErrorCode = "STORE_READ"
	ErrCodeStoreWrite       ErrorCode = "STORE_WRITE"
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// Snapshot errors
	ErrCodeSnapshotPartial ErrorCode = "SNAPSHOT_PARTIAL"
	ErrCodeSnapshotCorrupt ErrorCode = "SNAPSHOT_CORRUPT"

	// Lifecycle errors
	ErrCodeAlreadyRunning ErrorCode = "ALREADY_RUNNING"
	ErrCodeNotRunning     ErrorCode = "NOT_RUNNING"

	// General errors
	ErrCodeProbeFailed  ErrorCode = "PROBE_FAILED"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured error with a code and optional context.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *Error) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new Error
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// Is reports whether any error in err's chain carries the given code.
func Is(err error, code ErrorCode) bool {
	var coded *Error
	for err != nil {
		if !errors.As(err, &coded) {
			return false
		}
		if coded.Code == code {
			return true
		}
		err = coded.Cause
	}
	return false
}

// GetCode extracts the outermost error code from an error.
func GetCode(err error) ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
