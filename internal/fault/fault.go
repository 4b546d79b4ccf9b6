// Package fault classifies handler failures. Every kind is reported on the
// wire with the same application error code; the kind exists for audit,
// metrics and tests.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the cause class of a failure.
type Kind int

const (
	Internal Kind = iota
	BadParam
	Precondition
	External
	AccessDenied
	Timeout
)

func (k Kind) String() string {
	switch k {
	case BadParam:
		return "bad_param"
	case Precondition:
		return "precondition"
	case External:
		return "external_command"
	case AccessDenied:
		return "access_denied"
	case Timeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error is a classified failure. Msg is the text the caller sees.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error with a fixed message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err, replacing its text with msg on the wire.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func BadParamf(format string, args ...any) *Error {
	return &Error{Kind: BadParam, Msg: fmt.Sprintf(format, args...)}
}

func Preconditionf(format string, args ...any) *Error {
	return &Error{Kind: Precondition, Msg: fmt.Sprintf(format, args...)}
}

func Externalf(format string, args ...any) *Error {
	return &Error{Kind: External, Msg: fmt.Sprintf(format, args...)}
}

func AccessDeniedf(format string, args ...any) *Error {
	return &Error{Kind: AccessDenied, Msg: fmt.Sprintf(format, args...)}
}

func Internalf(format string, args ...any) *Error {
	return &Error{Kind: Internal, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
