package treasury

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the stable error taxonomy callers should branch on, never on
// the message text.
type Kind string

const (
	// Validation
	KindInvalidEntry Kind = "InvalidEntry"
	KindMissingField Kind = "MissingField"
	KindDomainRangeError Kind = "DomainRangeError"
	KindDonorMismatch Kind = "DonorMismatch"
	KindDerivedFieldFromClient Kind = "DerivedFieldProvidedByClient"

	// Authorization
	KindNotAuthenticated Kind = "NotAuthenticated"
	KindForbidden Kind = "Forbidden"
	KindOutOfScope Kind = "OutOfScope"

	// State
	KindInvalidTransition Kind = "InvalidTransition"
	KindAlreadyExists Kind = "AlreadyExists"
	KindNotFound Kind = "NotFound"
	KindAlreadyProcessed Kind = "AlreadyProcessed"

	// Invariant
	KindInsufficientFunds Kind = "InsufficientFunds"
	KindNegativeBalance Kind = "NegativeBalance"
	KindUniqueViolation Kind = "UniqueViolation"
	KindConflict Kind = "Conflict"

	// Concurrency
	KindConcurrentUpdate Kind = "ConcurrentUpdate"
	KindDeadline Kind = "Deadline"

	// Integration
	KindBlobStoreUnavailable Kind = "BlobStoreUnavailable"
	KindPersistenceError Kind = "PersistenceError"
)

// Error is the rich error value every exported operation returns.
type Error struct {
	Kind Kind
	Message string
	Details map[string]any
	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// newErr constructs an *Error, wrapping cause (if any) with pkg/errors so
// a %+v format verb on a bubbled error retains a stack trace in logs.
func newErr(kind Kind, message string, cause error, details map[string]any) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, message)
	}
	return &Error{Kind: kind, Message: message, Details: details, cause: wrapped}
}

func errf(kind Kind, format string, args...any) *Error {
	return newErr(kind, fmt.Sprintf(format, args...), nil, nil)
}

func wrapErr(kind Kind, cause error, message string) *Error {
	return newErr(kind, message, cause, nil)
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
