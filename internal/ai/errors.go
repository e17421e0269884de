package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/kiranshivaraju/feedlens/internal/ai/upstream"
)

// Kind classifies every failure the gateway can surface.
type Kind string

const (
	KindUnconfigured        Kind = "unconfigured"
	KindRateLimited         Kind = "rate_limited"
	KindTimeout             Kind = "timeout"
	KindConnectionFailed    Kind = "connection_failed"
	KindUpstreamBadRequest  Kind = "upstream_bad_request"
	KindUpstreamAuthFailed  Kind = "upstream_auth_failed"
	KindUpstreamServerError Kind = "upstream_server_error"
	KindMalformedResponse   Kind = "malformed_response"
	KindUnknown             Kind = "unknown"
)

// Error is the typed gateway error. errors.Is matches on Kind, so callers compare
// against the sentinels below instead of inspecting fields.
type Error struct {
	Kind Kind
	// Status is the upstream HTTP status, when there was one.
	Status int
	// Upstream is true when the backend, not the local limiter, produced the failure.
	Upstream bool
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("ai: %s", e.Kind)
	}
	return fmt.Sprintf("ai: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrUnconfigured        = &Error{Kind: KindUnconfigured}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrConnectionFailed    = &Error{Kind: KindConnectionFailed}
	ErrUpstreamBadRequest  = &Error{Kind: KindUpstreamBadRequest}
	ErrUpstreamAuthFailed  = &Error{Kind: KindUpstreamAuthFailed}
	ErrUpstreamServerError = &Error{Kind: KindUpstreamServerError}
	ErrMalformedResponse   = &Error{Kind: KindMalformedResponse}
	ErrUnknown             = &Error{Kind: KindUnknown}
)

// KindOf extracts the Kind of err, or KindUnknown when err is not a gateway error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// classifyError maps backend and transport failures onto the taxonomy.
func classifyError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	var se *upstream.StatusError
	if errors.As(err, &se) {
		e := &Error{Status: se.StatusCode, Upstream: true, Err: err}
		switch {
		case se.StatusCode == http.StatusBadRequest:
			e.Kind = KindUpstreamBadRequest
		case se.StatusCode == http.StatusUnauthorized, se.StatusCode == http.StatusForbidden:
			e.Kind = KindUpstreamAuthFailed
		case se.StatusCode == http.StatusTooManyRequests:
			e.Kind = KindRateLimited
		case se.StatusCode >= 500:
			e.Kind = KindUpstreamServerError
		default:
			e.Kind = KindUnknown
		}
		return e
	}

	var de *upstream.DecodeError
	if errors.As(err, &de) {
		return &Error{Kind: KindMalformedResponse, Upstream: true, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindUnknown, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newError(KindTimeout, err)
		}
		return newError(KindConnectionFailed, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return newError(KindConnectionFailed, err)
	}

	return newError(KindUnknown, err)
}
