package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/relaycore/ai-gateway/internal/gwerr"
	"github.com/relaycore/ai-gateway/internal/risk"
)

// Class buckets an attempt failure for the retry loop.
type Class int

const (
	// RetrySameCredential covers flaky transport where the credential is fine.
	RetrySameCredential Class = iota
	// RetryDifferentCredential covers upstream-side failures worth failing
	// over for.
	RetryDifferentCredential
	// RateLimited is never retried on the same credential.
	RateLimited
	// PermanentInvalidRequest is the client's fault; no retry.
	PermanentInvalidRequest
	// PermanentAuth means the credential is rejected; no retry, no failover
	// to the same credential.
	PermanentAuth
	// Timeout is the attempt budget expiring.
	Timeout
	// Cancelled means the client went away mid-attempt. Never retried and
	// never counted against the credential.
	Cancelled
)

func (c Class) String() string {
	switch c {
	case RetrySameCredential:
		return "retry_same"
	case RetryDifferentCredential:
		return "retry_different"
	case RateLimited:
		return "rate_limited"
	case PermanentInvalidRequest:
		return "invalid_request"
	case PermanentAuth:
		return "auth"
	case Cancelled:
		return "cancelled"
	default:
		return "timeout"
	}
}

// Classify buckets a failed attempt from its transport error or HTTP
// response. body may be nil for transport failures.
func Classify(err error, status int, header http.Header, body []byte) Class {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Cancelled
		}
		if errors.Is(err, context.DeadlineExceeded) || gwerr.KindOf(err) == gwerr.KindUpstreamTimeout {
			return Timeout
		}
		return RetryDifferentCredential
	}
	if _, throttled := risk.Detect(status, header, body); throttled {
		return RateLimited
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return PermanentAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Timeout
	case status >= 400 && status < 500:
		return PermanentInvalidRequest
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == 529:
		return RetryDifferentCredential
	default:
		return RetrySameCredential
	}
}

// Kind maps a class to the error surfaced when attempts are exhausted.
func (c Class) Kind() gwerr.Kind {
	switch c {
	case RateLimited:
		return gwerr.KindRateLimited
	case PermanentInvalidRequest:
		return gwerr.KindInvalidRequest
	case PermanentAuth:
		return gwerr.KindAuthenticationError
	case Timeout:
		return gwerr.KindUpstreamTimeout
	default:
		return gwerr.KindUpstreamError
	}
}

// Backoff computes the pre-retry sleep: exponential from base, full jitter,
// clamped at cap.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base << attempt
	if d > cap || d <= 0 {
		d = cap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
