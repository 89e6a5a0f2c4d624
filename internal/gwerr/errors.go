// Package gwerr defines the gateway error taxonomy and wire envelope.
//
// DESIGN: Every error that reaches the HTTP surface carries a Kind. The kind
// determines the envelope code, the HTTP status, and whether the client may
// retry. Pipeline steps return *Error; the surface converts to the envelope.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error.
type Kind string

const (
	KindInvalidRequest      Kind = "INVALID_REQUEST"
	KindAuthenticationError Kind = "AUTHENTICATION_FAILED"
	KindConflict            Kind = "REQUEST_CONFLICT"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindNoCredentials       Kind = "NO_CREDENTIALS"
	KindUpstreamTimeout     Kind = "UPSTREAM_TIMEOUT"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindUpstreamError       Kind = "UPSTREAM_ERROR"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// HTTPStatus maps a kind to the response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthenticationError:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoCredentials:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamUnavailable, KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the client may retry the request.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindUpstreamTimeout, KindUpstreamUnavailable, KindUpstreamError:
		return true
	default:
		return false
	}
}

// Error is a gateway error with a kind, a human-readable message, and an
// optional upstream provider attribution.
type Error struct {
	Kind     Kind
	Message  string
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a gateway error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a gateway error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a gateway error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithProvider attaches upstream provider attribution.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// KindOf extracts the kind from any error chain. Unrecognized errors are
// classified as internal.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// AsError converts any error into a *Error, preserving an existing one.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// Envelope is the JSON error body returned by every failing endpoint.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the inner error object.
type EnvelopeBody struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	RequestID string            `json:"requestId"`
	Upstream  *EnvelopeUpstream `json:"upstream,omitempty"`
}

// EnvelopeUpstream attributes the failure to a provider.
type EnvelopeUpstream struct {
	Provider string `json:"provider"`
}

// NewEnvelope builds the wire envelope for an error and request id.
func NewEnvelope(err error, requestID string) Envelope {
	ge := AsError(err)
	body := EnvelopeBody{
		Code:      string(ge.Kind),
		Message:   ge.Message,
		Retryable: ge.Kind.Retryable(),
		RequestID: requestID,
	}
	if ge.Provider != "" {
		body.Upstream = &EnvelopeUpstream{Provider: ge.Provider}
	}
	return Envelope{Error: body}
}
