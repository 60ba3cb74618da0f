// internal/cuaerr/errors.go
package cuaerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by the policy the run applies to it.
// Using a custom type keeps callers on the predefined constants.
type Kind string

const (
	// KindTransientIO covers network hiccups and protocol noise. Retried with a bounded count.
	KindTransientIO Kind = "transient_io"
	// KindDecode is a malformed or unusable payload from the reasoning service. Never retried.
	KindDecode Kind = "decode"
	// KindUnsupportedAction is an unknown tool or action name.
	KindUnsupportedAction Kind = "unsupported_action"
	// KindScopeViolation is a Navigate target outside the allow-list.
	KindScopeViolation Kind = "scope_violation"
	// KindBudgetExceeded is a step count or per-step deadline budget running out.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindAuth is a credential rejection. Fatal.
	KindAuth Kind = "auth"
	KindCancelled Kind = "cancelled"
	KindInternal  Kind = "internal"
)

// Error is the structured error carried between the runtime components.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "reasoner.turn".
	Op  string
	Msg string
	// Payload keeps the raw service response for diagnostics. Only set for decode failures.
	Payload []byte
	Err     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Decode builds a decode error that retains the offending payload.
func Decode(op string, payload []byte, format string, args ...any) *Error {
	e := New(KindDecode, op, format, args...)
	if len(payload) > 0 {
		e.Payload = append([]byte(nil), payload...)
	}
	return e
}

// KindOf reports the kind of err. Bare context errors map to cancelled and
// budget_exceeded; anything unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindBudgetExceeded
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a step may be attempted again after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return KindOf(err) == KindTransientIO
}

// PayloadOf returns the raw payload attached to err, if any.
func PayloadOf(err error) []byte {
	var e *Error
	if errors.As(err, &e) {
		return e.Payload
	}
	return nil
}
