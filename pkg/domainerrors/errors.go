// Package domainerrors provides coded errors so callers can branch on the
// fault class instead of string-matching messages. The codes mirror the
// synchronization fault taxonomy: transient faults retry, config faults abort,
// ambiguity escalates.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	// CodeTransient marks infrastructure faults (network, timeouts) that are
	// safe to retry up to the configured redelivery limit.
	CodeTransient Code = "transient"

	// CodeConfig marks configuration drift (missing real-estate, security
	// access or zone entries). Never retried, never escalated: the deployment
	// is wrong, not the data.
	CodeConfig Code = "config"

	// CodeAmbiguous marks reconciliation ambiguity (multiple identity matches,
	// unclassifiable key holder). Routed to audit escalation, never retried.
	CodeAmbiguous Code = "ambiguous"

	// CodeRemoteRejected marks a create/update the target system refused with
	// an error payload. Escalated with the remote body in the message.
	CodeRemoteRejected Code = "remote_rejected"

	CodeInvalidInput Code = "invalid_input"
	CodeNotFound     Code = "not_found"
	CodeInternal     Code = "internal"
)

// Error carries a code, a message, and an optional wrapped cause.
type Error struct {
	code    Code
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error with no cause.
func New(code Code, message string) error {
	return &Error{code: code, message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error. The cause remains
// reachable through errors.Is/As.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, message: message, cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, message: fmt.Sprintf(format, args...), cause: err}
}

// GetCode returns the code of the outermost coded error in err's chain, or
// CodeInternal when err carries no code.
func GetCode(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.code
	}
	return CodeInternal
}

// HasCode reports whether any error in err's tree carries the given code.
// Joined errors are traversed branch by branch.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	if de, ok := err.(*Error); ok && de.code == code {
		return true
	}
	switch e := err.(type) {
	case interface{ Unwrap() []error }:
		for _, sub := range e.Unwrap() {
			if HasCode(sub, code) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return HasCode(e.Unwrap(), code)
	}
	return false
}

// IsRetryable reports whether err is a transient infrastructure fault.
func IsRetryable(err error) bool {
	return HasCode(err, CodeTransient)
}
