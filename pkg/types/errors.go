package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable error classification. Every error crossing
// the core boundary carries one.
type ErrorCode string

const (
	// Connection errors.
	CodeScanFailed    ErrorCode = "scan_failed"
	CodeConnectFailed ErrorCode = "connect_failed"
	CodeNotConnected  ErrorCode = "not_connected"

	// Protocol errors.
	CodeInvalidCommand ErrorCode = "invalid_command"
	CodeDecodeFailed   ErrorCode = "decode_failed"
	CodeCommandTimeout ErrorCode = "command_timeout"

	// Transfer errors.
	CodeProbeFailed       ErrorCode = "probe_failed"
	CodeTransferFailed    ErrorCode = "transfer_failed"
	CodeTaskNotFound      ErrorCode = "task_not_found"
	CodeInvalidTransition ErrorCode = "invalid_transition"

	// Storage and sync errors.
	CodeStorage        ErrorCode = "storage_failed"
	CodeAlreadySyncing ErrorCode = "already_syncing"
	CodeSyncDisabled   ErrorCode = "sync_disabled"
	CodeSyncFailed     ErrorCode = "sync_failed"
)

// Error is the typed error returned across the core boundary.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error with no underlying cause.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error around an underlying cause.
func WrapError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the ErrorCode from err, or "" if err is untyped.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
