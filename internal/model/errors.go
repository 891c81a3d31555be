package model

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
// Stages declare which kinds are recoverable; everything else propagates
// to the pipeline boundary and shapes the final decision status.
type Kind string

const (
	KindInvalidInput          Kind = "invalid_input"
	KindPolicyError           Kind = "policy_error"
	KindGateRejected          Kind = "gate_rejected"
	KindCapabilityUnavailable Kind = "capability_unavailable"
	KindTransientIO           Kind = "transient_io"
	KindDeadlineExceeded      Kind = "deadline_exceeded"
	KindChainIntegrity        Kind = "chain_integrity"
	KindUnauthorized          Kind = "unauthorized"
	KindNotFound              Kind = "not_found"
	KindInternal              Kind = "internal"
)

// Error is a kinded error with the pipeline stage it originated from.
type Error struct {
	Kind  Kind
	Stage string // empty when the error did not originate in a stage
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error. err may be nil.
func E(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Wrap constructs a kinded error wrapping a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithStage returns a copy of the error annotated with the stage name.
func (e *Error) WithStage(stage string) *Error {
	cp := *e
	cp.Stage = stage
	return &cp
}

// KindOf extracts the Kind from an error chain. Unrecognized errors are
// KindInternal; a nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ErrorCode constants for the HTTP API error envelope.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodePolicyError   = "POLICY_ERROR"
	ErrCodeChainBreak    = "CHAIN_INTEGRITY"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
