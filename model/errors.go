package model

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error so callers can tell "retry safely"
// from "fix the request" from "nothing to do".
type Kind string

const (
	KindNotFound               Kind = "NotFound"
	KindPermissionDenied       Kind = "PermissionDenied"
	KindInvalidState           Kind = "InvalidState"
	KindValidation             Kind = "ValidationError"
	KindConcurrentModification Kind = "ConcurrentModification"
)

// Error is the structured error returned by every engine operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied}
	ErrInvalidState           = &Error{Kind: KindInvalidState}
	ErrValidation             = &Error{Kind: KindValidation}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil && (e.Message == "" || e.Message != e.Err.Error()) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, format, args...)
}

func PermissionDenied(op, format string, args ...any) *Error {
	return newError(KindPermissionDenied, op, format, args...)
}

func InvalidState(op, format string, args ...any) *Error {
	return newError(KindInvalidState, op, format, args...)
}

func Validation(op, format string, args ...any) *Error {
	return newError(KindValidation, op, format, args...)
}

func ConcurrentModification(op, format string, args ...any) *Error {
	return newError(KindConcurrentModification, op, format, args...)
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" for
// errors that did not originate in the engine (storage failures).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the caller may repeat the same request unchanged.
func Retryable(err error) bool {
	return KindOf(err) == KindConcurrentModification
}
