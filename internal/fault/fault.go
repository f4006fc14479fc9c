// Package fault classifies errors into the small set of kinds shared by
// every component. Components return a kind plus a short reason; outer
// layers (CLI, HTTP gateway) map kinds to exit codes and status codes
// without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of an error.
type Kind string

const (
	// Validation covers malformed input: bad task ids, unknown enum
	// values, out-of-range priorities.
	Validation Kind = "validation"

	// NotFound covers lookups of tasks, agents, or sessions that do
	// not exist.
	NotFound Kind = "not_found"

	// Conflict covers lost races: file reservations already held,
	// duplicate agent registration with different fields.
	Conflict Kind = "conflict"

	// Invariant covers operations that would break a structural rule:
	// dependency cycles, illegal status transitions, resuming a session
	// whose task was closed.
	Invariant Kind = "invariant_violation"

	// Unavailable covers missing backends: no terminal multiplexer,
	// store file unopenable.
	Unavailable Kind = "backend_unavailable"

	// Integrity covers corruption: checksum mismatches, undecodable
	// store rows.
	Integrity Kind = "integrity"
)

// Error carries a kind and a human-readable reason. It may wrap an
// underlying cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind.
func New(kind Kind, reason string) error {
	return &Error{Kind: kind, Reason: reason}
}

// Errorf returns an error of the given kind with a formatted reason.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
// Returns nil if err is nil.
func Wrap(kind Kind, err error, reason string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of err, or "" if err carries no kind.
// It unwraps through error chains.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return IsKind(err, NotFound)
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	return IsKind(err, Conflict)
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return IsKind(err, Validation)
}

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool {
	return IsKind(err, Invariant)
}

// IsUnavailable reports whether err is a backend-unavailable error.
func IsUnavailable(err error) bool {
	return IsKind(err, Unavailable)
}

// IsIntegrity reports whether err is an integrity error.
func IsIntegrity(err error) bool {
	return IsKind(err, Integrity)
}
