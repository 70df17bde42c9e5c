package types

import (
	"errors"
	"net/http"
)

// ErrorKind is the stable error classification carried across every
// interface: HTTP responses, task results, and internal returns.
type ErrorKind string

const (
	ErrValidation         ErrorKind = "validation"
	ErrDuplicateTask      ErrorKind = "duplicate-task"
	ErrNotFound           ErrorKind = "not-found"
	ErrSessionExpired     ErrorKind = "session-expired"
	ErrModeUnsupported    ErrorKind = "mode-unsupported"
	ErrNoWorkersAvailable ErrorKind = "no-workers-available"
	ErrTimedOut           ErrorKind = "timed-out"
	ErrWorkerLost         ErrorKind = "worker-lost"
	ErrDependencyFailed   ErrorKind = "dependency-failed"
	ErrExecutorTerminated ErrorKind = "executor-terminated"
	ErrInternal           ErrorKind = "internal"
)

// Error is an error with a stable kind attached.
type Error struct {
	Kind    ErrorKind `json:"error"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewError builds a kinded error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// HTTPStatus maps an error kind to its HTTP status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrValidation, ErrModeUnsupported:
		return http.StatusBadRequest
	case ErrDuplicateTask:
		return http.StatusConflict
	case ErrNotFound:
		return http.StatusNotFound
	case ErrSessionExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
