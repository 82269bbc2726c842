package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrKeyLimitReached is returned by repositories when a capped insert would
// exceed the owner's active key allowance.
var ErrKeyLimitReached = errors.New("active API key limit reached")

// ErrorKind classifies failures so the transport can pick a status code.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindInternal       ErrorKind = "internal"
)

// Error is the typed error surfaced by the core services.
type Error struct {
	Kind    ErrorKind
	Message string
	// ResetAt is set on quota errors that have a known window end.
	ResetAt *time.Time
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewAuthenticationError(msg string) *Error {
	return &Error{Kind: KindAuthentication, Message: msg}
}

func NewAuthorizationError(msg string) *Error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

func NewQuotaExceededError(msg string, resetAt *time.Time) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: msg, ResetAt: resetAt}
}

func NewNotFoundError(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func NewConflictError(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

// NewInternalError wraps err. The message is safe to show callers, err is not.
func NewInternalError(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
