// Package domain defines the error taxonomy and batch result types shared by
// every lifecycle service and the authorization engine.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a domain error. Handlers map kinds to HTTP statuses;
// services never branch on error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyTerminal
	KindInvalidTransition
	KindConstraintViolation
	KindInsufficientPrivileges
	KindUnauthenticated
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyTerminal:
		return "already_terminal"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindInsufficientPrivileges:
		return "insufficient_privileges"
	case KindUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Error is the one error type crossing service boundaries.
type Error struct {
	Kind    Kind
	Entity  string // "user", "organization", "membership", "role", "package", "version"
	ID      int64  // entity id when known, 0 otherwise
	Message string

	// NoMembership distinguishes "caller has no privileges at all in this
	// organization" from "caller is missing a specific permission". Only
	// meaningful for KindInsufficientPrivileges.
	NoMembership bool

	// Missing lists the permission tokens that failed the check: the first
	// missing token for an allOf check, or every checked token for a oneOf
	// check that matched nothing.
	Missing []string

	cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Entity != "" {
		fmt.Fprintf(&b, " %s", e.Entity)
		if e.ID != 0 {
			fmt.Fprintf(&b, " %d", e.ID)
		}
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// NotFound reports an unknown entity id.
func NotFound(entity string, id int64) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

// AlreadyTerminal reports a mutation attempted against a deleted entity.
func AlreadyTerminal(entity string, id int64) *Error {
	return &Error{Kind: KindAlreadyTerminal, Entity: entity, ID: id, Message: "entity is deleted and cannot be mutated"}
}

// InvalidTransitionf reports a lifecycle transition the state machine forbids.
func InvalidTransitionf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

// ConstraintViolationf reports a mutation that would break a global invariant.
// The message names the invariant and must not leak unrelated membership data.
func ConstraintViolationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConstraintViolation, Message: fmt.Sprintf(format, args...)}
}

// NoPrivileges reports a caller with no active membership in the organization.
func NoPrivileges(orgID int64) *Error {
	return &Error{
		Kind:         KindInsufficientPrivileges,
		Entity:       "organization",
		ID:           orgID,
		Message:      "no privileges in organization",
		NoMembership: true,
	}
}

// MissingPermissions reports a caller whose permission set fails the check.
func MissingPermissions(tokens ...string) *Error {
	return &Error{
		Kind:    KindInsufficientPrivileges,
		Message: fmt.Sprintf("missing permission: %s", strings.Join(tokens, ", ")),
		Missing: tokens,
	}
}

// Unauthenticated reports a request with no valid session.
func Unauthenticated(message string) *Error {
	return &Error{Kind: KindUnauthenticated, Message: message}
}

// Unknownf wraps an unexpected store failure.
func Unknownf(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnknown, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the kind from any error; non-domain errors are KindUnknown.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// AsError unwraps a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	ok := errors.As(err, &de)
	return de, ok
}
