// Package errdefs defines the error kinds surfaced by the allocation engine
// and the routing generator. Every error leaving those components is backed
// by one of the concrete types here, so callers can branch on the kind
// without matching strings.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind uint8

const (
	// KindInternal is the catch-all for unexpected failures.
	KindInternal Kind = iota
	// KindInvalidInput means the request was rejected before any mutation.
	KindInvalidInput
	// KindConflict means a uniqueness rule was hit.
	KindConflict
	// KindResourceExhausted means no free port is left in the pool.
	KindResourceExhausted
	// KindNotFound means a referenced record does not exist.
	KindNotFound
	// KindUnavailable means the store could not be reached; safe to retry.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	}
	return "internal"
}

type kindError struct {
	kind  Kind
	cause string
	err   error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.cause, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.cause)
}

func (e *kindError) Unwrap() error {
	return e.err
}

func newf(kind Kind, err error, cause string, args ...interface{}) error {
	if len(args) != 0 {
		cause = fmt.Sprintf(cause, args...)
	}
	return &kindError{kind: kind, cause: cause, err: err}
}

// InvalidInput creates an error for a malformed request.
func InvalidInput(cause string, args ...interface{}) error {
	return newf(KindInvalidInput, nil, cause, args...)
}

// Conflict creates an error indicating a uniqueness violation.
func Conflict(cause string, args ...interface{}) error {
	return newf(KindConflict, nil, cause, args...)
}

// ResourceExhausted creates an error indicating that a resource expected to
// be allocated automatically, like a port, has no free values left.
func ResourceExhausted(resource, cause string, args ...interface{}) error {
	return newf(KindResourceExhausted, nil, resource+" is exhausted: "+cause, args...)
}

// NotFound wraps err as a missing-record failure.
func NotFound(err error, cause string, args ...interface{}) error {
	return newf(KindNotFound, err, cause, args...)
}

// Unavailable wraps err as a retryable store failure.
func Unavailable(err error, cause string, args ...interface{}) error {
	return newf(KindUnavailable, err, cause, args...)
}

// Internal wraps err as an unexpected failure.
func Internal(err error, cause string, args ...interface{}) error {
	return newf(KindInternal, err, cause, args...)
}

// KindOf returns the kind of the outermost errdefs error in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindInternal
}

func is(err error, kind Kind) bool {
	var ke *kindError
	return errors.As(err, &ke) && ke.kind == kind
}

// IsInvalidInput returns true if err is an InvalidInput error.
func IsInvalidInput(err error) bool { return is(err, KindInvalidInput) }

// IsConflict returns true if err is a Conflict error.
func IsConflict(err error) bool { return is(err, KindConflict) }

// IsResourceExhausted returns true if err is a ResourceExhausted error.
func IsResourceExhausted(err error) bool { return is(err, KindResourceExhausted) }

// IsNotFound returns true if err is a NotFound error.
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsUnavailable returns true if err is an Unavailable error.
func IsUnavailable(err error) bool { return is(err, KindUnavailable) }

// HTTPStatus maps err to the status code returned at the API boundary.
// NotFound only escapes the engine on an internal race, so it is a 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindResourceExhausted:
		return http.StatusInsufficientStorage
	case KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
