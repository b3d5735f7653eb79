// Package apperr defines the error kinds shared by the fulfillment core.
//
// Business-rule failures that callers must react to are returned as *Error
// values carrying a Kind. Transport layers translate the kind into a stable
// code; only Unavailable errors are eligible for automatic retry.
package apperr

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind classifies an error for callers.
type Kind uint8

const (
	// Internal is the zero kind: an unexpected failure with no better class.
	Internal Kind = iota
	// InvalidInput is a malformed request. Never retried.
	InvalidInput
	// NotFound is an unknown order, coupon, variant or payment id.
	NotFound
	// Forbidden is an ownership or role violation.
	Forbidden
	// Conflict is a duplicate code, an already-paid order or a duplicate
	// order number. Safe to retry with new input.
	Conflict
	// InvalidState is an illegal state transition.
	InvalidState
	// Unavailable is a storage or gateway outage.
	Unavailable
)

var kindNames = [...]string{
	Internal:     "internal",
	InvalidInput: "invalid_input",
	NotFound:     "not_found",
	Forbidden:    "forbidden",
	Conflict:     "conflict",
	InvalidState: "invalid_state",
	Unavailable:  "unavailable",
}

// String returns the stable snake_case code of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf returns an error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err with kind. It returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return e.Err.Error()
		}
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the outermost *Error in err's chain, or
// Internal if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err may be retried automatically.
func Retryable(err error) bool {
	return Is(err, Unavailable)
}

// Message returns the message of the outermost *Error in err's chain without
// the wrapped cause, falling back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return err.Error()
}
