package model

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge failure. Kinds survive every layer unchanged so
// callers can branch on them.
type Kind string

const (
	KindLaunch           Kind = "launch_error"
	KindHandshakeTimeout Kind = "handshake_timeout"
	KindProtocol         Kind = "protocol_error"
	KindToolTimeout      Kind = "tool_timeout"
	KindProcessExited    Kind = "process_exited"
	KindAdmissionTimeout Kind = "admission_timeout"
	KindEncoding         Kind = "encoding_error"
	KindInvalidState     Kind = "invalid_state"
	KindToolError        Kind = "tool_error"
	KindInvalidArguments Kind = "invalid_arguments"
	KindCanceled         Kind = "canceled"
)

// Error is the typed error returned by the wire, supervisor, session,
// admission and bridge packages.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	// ExitCode is set for process_exited and launch_error when the process exited.
	ExitCode int
	// RawLine holds the offending wire line for protocol_error.
	RawLine string
	// RPCCode is the subprocess error code for tool_error.
	RPCCode int
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: KindToolTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind != "" && t.Kind == e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: kind == KindAdmissionTimeout}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := Errorf(kind, format, args...)
	e.Cause = cause
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain holds an *Error of kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the failure is a backpressure signal the caller
// may retry after backing off.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
