// Package timefault defines the error taxonomy shared by every domain
// operation in the engine. All expected failures are one of four kinds;
// anything else is an internal storage error and propagates as-is.
package timefault

import (
	"errors"
	"fmt"
)

// Kind classifies an expected, recoverable domain failure.
type Kind int

const (
	// Forbidden: the actor lacks authority for the operation.
	Forbidden Kind = iota + 1
	// NotFound: the referenced request, session, or segment does not exist.
	NotFound
	// InvalidState: a precondition failed (wrong status, expired TTL,
	// duplicate active entity, self-transfer, ineligible supervisor).
	InvalidState
	// Conflict: the operation lost a concurrent race on the same entity.
	// A specialization of InvalidState; errors.Is(err, InvalidState-kind)
	// holds for Conflict errors so coarse callers need only one check.
	Conflict
)

func (k Kind) String() string {
	switch k {
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case InvalidState:
		return "invalid_state"
	case Conflict:
		return "conflict"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified domain failure with a human-readable reason
// naming the precondition that failed.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Reason
}

// Is lets errors.Is match by kind against the sentinel values below,
// with Conflict additionally matching ErrInvalidState.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != "" {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	return e.Kind == Conflict && t.Kind == InvalidState
}

// Kind sentinels for errors.Is checks.
var (
	ErrForbidden    = &Error{Kind: Forbidden}
	ErrNotFound     = &Error{Kind: NotFound}
	ErrInvalidState = &Error{Kind: InvalidState}
	ErrConflict     = &Error{Kind: Conflict}
)

// Forbiddenf builds a Forbidden error.
func Forbiddenf(format string, args ...any) error {
	return &Error{Kind: Forbidden, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: NotFound, Reason: fmt.Sprintf(format, args...)}
}

// InvalidStatef builds an InvalidState error.
func InvalidStatef(format string, args ...any) error {
	return &Error{Kind: InvalidState, Reason: fmt.Sprintf(format, args...)}
}

// Conflictf builds a Conflict error.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: Conflict, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a classified error, or 0 if err is not a
// domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
