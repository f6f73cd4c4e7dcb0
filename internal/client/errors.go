package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure once, at the backend boundary, so callers
// can branch on it without inspecting messages.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindSession           ErrorKind = "session"
	KindNetwork           ErrorKind = "network"
	KindConflict          ErrorKind = "conflict"
	KindNotFound          ErrorKind = "not-found"
	KindForbidden         ErrorKind = "forbidden"
	KindIncorrectPassword ErrorKind = "incorrect-password"
	KindRateLimited       ErrorKind = "rate-limited"
	KindInternal          ErrorKind = "internal"
)

var (
	// ErrClosed is returned by a component after Close.
	ErrClosed = errors.New("closed")
	// ErrCancelled is returned when an interactive confirmation was declined.
	ErrCancelled = errors.New("cancelled")
)

type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" when err is not a classified error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge:
		return KindValidation
	case status == http.StatusUnauthorized:
		return KindSession
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindInternal
	}
}

// transportError wraps a failure that happened before any response arrived.
func transportError(err error) *Error {
	e := &Error{Kind: KindNetwork, Message: "backend unreachable", Err: err}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.Message = "request aborted"
	}
	return e
}
