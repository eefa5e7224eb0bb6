package mediarec

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by this package so callers can
// branch on machine-checkable categories instead of message strings.
type ErrorKind uint8

const (
	// KindConfiguration marks invalid options, rejected before any backend
	// or filesystem call is made.
	KindConfiguration ErrorKind = iota
	// KindInitialization marks a factory call that failed to produce a
	// usable session or handle.
	KindInitialization
	// KindOperation marks a push/pull/finish/complete that failed at the
	// backend. Carries an optional backend-sourced message.
	KindOperation
	// KindDisposed marks an operation attempted after the target handle was
	// completed, freed, or returned to its pool. Raised locally, never
	// forwarded to a backend whose handle may already be gone.
	KindDisposed
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindInitialization:
		return "initialization"
	case KindOperation:
		return "operation"
	case KindDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by every fallible operation in this
// package. Op names the failing operation ("encoder.push", "muxer.complete"),
// Msg carries optional human-readable detail, Err the wrapped cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err. Errors that did not originate in
// this package report KindOperation.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOperation
}

// IsDisposed reports whether err marks a use-after-dispose. These indicate a
// handle lifecycle bug in the caller rather than a recoverable condition.
func IsDisposed(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindDisposed
}

func errConfigf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func errInit(op string, err error) *Error {
	return &Error{Kind: KindInitialization, Op: op, Err: err}
}

func errInitf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInitialization, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func errOp(op string, err error) *Error {
	return &Error{Kind: KindOperation, Op: op, Err: err}
}

func errOpf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindOperation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func errDisposed(op string) *Error {
	return &Error{Kind: KindDisposed, Op: op, Msg: "used after dispose"}
}

func errDisposedf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindDisposed, Op: op, Msg: fmt.Sprintf(format, args...)}
}
