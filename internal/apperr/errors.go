// Package apperr is the error taxonomy exposed by the trading core.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidArgument   Kind = "invalid_argument"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindForbidden         Kind = "forbidden"
	KindInvalidState      Kind = "invalid_state"
	KindNotFound          Kind = "not_found"
	KindUnavailable       Kind = "unavailable"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnavailable for anything outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Public strips storage and driver details before an error leaves the core.
func Public(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindUnavailable {
			return &Error{Kind: KindUnavailable, Msg: "service unavailable"}
		}
		return &Error{Kind: e.Kind, Msg: e.Msg}
	}
	return &Error{Kind: KindUnavailable, Msg: "service unavailable"}
}
