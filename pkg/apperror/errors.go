// Package apperror defines the error taxonomy shared by the executor
// services. Errors carry a stable code so that transport layers and the
// retry logic can classify them without string matching.
package apperror

import (
	"errors"
	"fmt"
)

// Code identifies a class of executor error.
type Code string

const (
	// Validation
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeWorkerNotFound      Code = "WORKER_NOT_FOUND"
	CodeWorkerAlreadyExists Code = "WORKER_ALREADY_EXISTS"
	CodeInvalidShardID      Code = "INVALID_SHARD_ID"
	CodePromiseNotFound     Code = "PROMISE_NOT_FOUND"
	CodeInvocationNotFound  Code = "INVOCATION_NOT_FOUND"

	// Worker lifecycle
	CodeWorkerExited      Code = "WORKER_EXITED"
	CodeWorkerFailed      Code = "WORKER_FAILED"
	CodeWorkerInterrupted Code = "WORKER_INTERRUPTED"
	CodeDivergence        Code = "DIVERGENCE"

	// Resource limits
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"

	// Transport / remote
	CodeProtocolError       Code = "PROTOCOL_ERROR"
	CodeDenied              Code = "DENIED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeRemoteInternalError Code = "REMOTE_INTERNAL_ERROR"

	// Storage and internals
	CodeStorage       Code = "STORAGE_ERROR"
	CodeOplogCorrupt  Code = "OPLOG_CORRUPT"
	CodePayloadLost   Code = "PAYLOAD_LOST"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeNotSupported  Code = "NOT_SUPPORTED"
	CodeInvalidCursor Code = "INVALID_CURSOR"
)

// Error is an executor error with a classification code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is match on equal codes.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code from an error chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retriable reports whether an error class may be recovered by retrying.
// Validation errors and divergence are never retried.
func Retriable(err error) bool {
	switch CodeOf(err) {
	case CodeProtocolError, CodeRemoteInternalError, CodeStorage, CodeInternal:
		return true
	default:
		return false
	}
}
