// Package exitcode defines the exit-code contract for sq commands.
// Scripts and agents branch on these codes instead of parsing error
// messages:
//
//   - 0: success
//   - 1: user error (bad arguments, unknown task or agent)
//   - 2: invalid state (illegal transition, conflict, missing backend)
//   - 3: integrity failure (checksum mismatch, corrupt store)
package exitcode

import (
	"errors"

	"github.com/squadhq/squad/internal/fault"
)

const (
	// Success indicates the command completed successfully.
	Success = 0

	// ErrUser indicates bad input: unknown ids, malformed flags,
	// validation failures.
	ErrUser = 1

	// ErrState indicates the command was well-formed but the system
	// cannot legally perform it: transition violations, reservation
	// conflicts, missing terminal backend.
	ErrState = 2

	// ErrIntegrity indicates corruption detected in a store or backup.
	ErrIntegrity = 3
)

// Error wraps an error with an explicit exit code, for commands that
// need to override the kind-derived mapping.
type Error struct {
	Code  int
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "exit"
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap attaches an explicit exit code to err.
func Wrap(code int, err error) *Error {
	return &Error{Code: code, Cause: err}
}

// Code extracts the exit code from an error. Explicitly coded errors
// win; otherwise the fault kind decides; anything else is a user error.
func Code(err error) int {
	if err == nil {
		return Success
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch fault.KindOf(err) {
	case fault.Validation, fault.NotFound:
		return ErrUser
	case fault.Conflict, fault.Invariant, fault.Unavailable:
		return ErrState
	case fault.Integrity:
		return ErrIntegrity
	}
	return ErrUser
}
