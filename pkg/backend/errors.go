// Package backend defines the shared failure taxonomy and retry policy
// for the external systems the console orchestrates (billing, NAT device,
// CPE manager). Every client call resolves to success or to an Error whose
// Kind tells the dispatcher whether the target was absent, the backend was
// temporarily unreachable, or the request can never succeed as issued.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a backend call failure.
type Kind int

const (
	// KindTransient marks failures worth retrying: timeouts, connection
	// resets, 5xx-equivalent responses.
	KindTransient Kind = iota

	// KindPermanent marks failures that retrying cannot fix: malformed
	// requests, backend-reported errors.
	KindPermanent

	// KindNotFound marks a missing target entity. Distinct from
	// KindTransient so callers never confuse "customer does not exist"
	// with "backend unreachable".
	KindNotFound

	// KindUnauthorized marks credential or token failures.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	Backend string
	Op      string
	Kind    Kind
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(backend, op string, err error) *Error {
	return &Error{Backend: backend, Op: op, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(backend, op string, err error) *Error {
	return &Error{Backend: backend, Op: op, Kind: KindPermanent, Err: err}
}

// NotFound reports a missing target entity.
func NotFound(backend, op string, err error) *Error {
	return &Error{Backend: backend, Op: op, Kind: KindNotFound, Err: err}
}

// Unauthorized reports a credential failure.
func Unauthorized(backend, op string, err error) *Error {
	return &Error{Backend: backend, Op: op, Kind: KindUnauthorized, Err: err}
}

// KindOf returns the Kind of err, or KindPermanent if err is not a
// classified backend error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindPermanent
}

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindTransient
}

// IsNotFound reports whether err marks a missing target entity.
func IsNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindNotFound
}

// IsPermanent reports whether err is a non-retryable backend failure.
func IsPermanent(err error) bool {
	var be *Error
	return errors.As(err, &be) && (be.Kind == KindPermanent || be.Kind == KindUnauthorized)
}

// ClassifyHTTP maps an HTTP status code to a backend failure Kind.
func ClassifyHTTP(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// ClassifyTransport wraps a transport-level error from an HTTP or TCP
// round trip. Timeouts, connection resets and cancelled contexts are
// transient; anything else is permanent.
func ClassifyTransport(backend, op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(backend, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(backend, op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient(backend, op, err)
	}
	return Permanent(backend, op, err)
}
