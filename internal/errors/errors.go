package errors

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors for recovery policy.
type Kind int

const (
	// KindInput - invalid workflow definition or command input; abort or reject.
	KindInput Kind = iota
	// KindRunner - job runner submit/poll/kill failure; retried per task config.
	KindRunner
	// KindMessage - undeliverable or stale task message; logged and dropped.
	KindMessage
	// KindXtrigger - xtrigger evaluation failure; treated as not yet satisfied.
	KindXtrigger
	// KindPersistence - run log write failure; retried with backoff.
	KindPersistence
	// KindInternal - invariant violation; escalates to controlled shutdown.
	KindInternal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindRunner:
		return "runner"
	case KindMessage:
		return "message"
	case KindXtrigger:
		return "xtrigger"
	case KindPersistence:
		return "persistence"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a typed engine error with an optional diagnostic context map.
type Error struct {
	Kind    Kind
	Err     error
	Context map[string]string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error from a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil for a nil err.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// With adds a context entry for diagnostics and returns the error.
func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// KindOf classifies err. Untyped errors default to KindInternal.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// Retryable reports whether local retry is the right recovery for err.
// Runner, xtrigger and persistence failures are transient by policy;
// input, message and internal errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindRunner, KindXtrigger, KindPersistence:
		return true
	default:
		return false
	}
}
