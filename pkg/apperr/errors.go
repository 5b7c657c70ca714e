// Package apperr defines the error taxonomy shared by the core and the API
// layer. Every failure a handler can observe carries one of the kinds below;
// the HTTP layer maps kinds to status codes and never inspects raw internals.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind int

const (
	// KindAuthentication means the caller presented no credential or an
	// invalid one. Raised before any core operation runs.
	KindAuthentication Kind = iota
	// KindAuthorization means the caller is known but lacks rights.
	KindAuthorization
	// KindNotFound means the file or version does not exist.
	KindNotFound
	// KindValidation means the request payload is malformed or incomplete.
	KindValidation
	// KindConflict means a uniqueness race was lost. Internal: the service
	// retries once before reporting it as an internal failure.
	KindConflict
	// KindStorage means the content store is unavailable. The operation is
	// safely retryable since no metadata was committed.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindStorage:
		return "storage"
	}
	return "unknown"
}

// Error is a kinded error. Msg is safe to return to the caller; Err holds the
// wrapped cause, if any.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a kinded error around a cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or false if err carries none.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Message returns the caller-safe message of err, or a generic fallback.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}
