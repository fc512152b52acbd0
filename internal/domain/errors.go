package domain

import "errors"

// Kind classifies every error the engine returns. Callers branch on the
// kind, never on message text.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindInvalidState        Kind = "invalid_state"
	KindInvalidAmount       Kind = "invalid_amount"
	KindIdempotencyMismatch Kind = "idempotency_mismatch"
	KindConflict            Kind = "conflict"
	KindInfra               Kind = "infra"
)

// Error is the typed error carried across the engine boundary.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, so errors.Is(err, ErrNotFound) holds
// for any NotFound error regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrInvalidAmount       = &Error{Kind: KindInvalidAmount}
	ErrIdempotencyMismatch = &Error{Kind: KindIdempotencyMismatch}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrInfra               = &Error{Kind: KindInfra}
)

func newError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Validation(op, msg string) *Error        { return newError(KindValidation, op, msg) }
func NotFound(op, msg string) *Error          { return newError(KindNotFound, op, msg) }
func Forbidden(op, msg string) *Error         { return newError(KindForbidden, op, msg) }
func InsufficientFunds(op, msg string) *Error { return newError(KindInsufficientFunds, op, msg) }
func InvalidState(op, msg string) *Error      { return newError(KindInvalidState, op, msg) }
func InvalidAmount(op, msg string) *Error     { return newError(KindInvalidAmount, op, msg) }
func Conflict(op, msg string) *Error          { return newError(KindConflict, op, msg) }

// Infra wraps an infrastructure fault. The whole unit of work has been
// rolled back and the request is safe to retry with the same key.
func Infra(op string, err error) *Error {
	return &Error{Kind: KindInfra, Op: op, Msg: "infrastructure failure", Err: err}
}

// KindOf returns the kind of err, or KindInfra for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInfra
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindInfra:
		return true
	}
	return false
}

// IsBusiness reports whether err is a terminal business failure.
func IsBusiness(err error) bool {
	switch KindOf(err) {
	case KindInsufficientFunds, KindInvalidState, KindInvalidAmount:
		return true
	}
	return false
}
