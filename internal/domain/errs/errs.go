// Package errs defines the recoverable request errors raised by the session
// engine. Every error carries a Kind that maps to the code sent back to the
// originating connection.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a request error.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindInvalidState Kind = "invalid_state"
	KindCapacity     Kind = "capacity"
	KindConflict     Kind = "conflict"
	KindForbidden    Kind = "forbidden"
	KindInternal     Kind = "internal"
)

// Error is a request error with a machine-readable kind.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error of the same kind, so errors.Is(err, errs.ErrCapacity)
// works regardless of the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Kind sentinels for errors.Is.
var (
	ErrValidation   = &Error{Kind: KindValidation, Message: "validation error"}
	ErrInvalidState = &Error{Kind: KindInvalidState, Message: "invalid state"}
	ErrCapacity     = &Error{Kind: KindCapacity, Message: "capacity exceeded"}
	ErrConflict     = &Error{Kind: KindConflict, Message: "conflict"}
	ErrForbidden    = &Error{Kind: KindForbidden, Message: "forbidden"}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return newf(KindInvalidState, format, args...)
}

func Capacity(format string, args ...any) *Error {
	return newf(KindCapacity, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newf(KindForbidden, format, args...)
}

// KindOf returns the kind of err, or KindInternal for anything that is not a
// request error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
