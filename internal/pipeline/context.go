// Package pipeline runs a request through the gateway's ordered steps:
// authenticate, inject, route, pre-hooks, provider call, post-hooks,
// telemetry.
//
// DESIGN: Each step mutates the shared RequestContext; no step observes a
// later step's changes. A step failure short-circuits what remains, except
// telemetry and hook error callbacks, which always run. The provider step
// owns the retry/failover loop and is the only place credentials are loaned.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/ai-gateway/internal/stream"
)

// RequestContext travels through the pipeline. Created on HTTP entry,
// consumed by telemetry, dropped at response completion.
type RequestContext struct {
	RequestID          string
	ClientDialect      stream.Dialect
	ClientType         string
	APIKey             string
	OriginalModel      string
	ResolvedModel      string
	Provider           string
	CredentialID       string
	IsStream           bool
	StartedAt          time.Time
	RetryCount         int
	SessionFingerprint string

	// Body is the mutable request body; steps rewrite it in place.
	Body []byte

	// ExplicitRoute blocks hint and client-type displacement.
	ExplicitRoute bool

	// Injection results, recorded for telemetry.
	AppliedRules []string
	InjectedKeys []string

	// Metadata is the free-form bag steps and hooks may use.
	Metadata map[string]any
}

// NewRequestContext assigns the request id and timestamps entry.
func NewRequestContext(dialect stream.Dialect, body []byte, isStream bool) *RequestContext {
	return &RequestContext{
		RequestID:     uuid.NewString(),
		ClientDialect: dialect,
		IsStream:      isStream,
		StartedAt:     time.Now(),
		Body:          body,
		Metadata:      make(map[string]any),
	}
}

// Duration is the elapsed wall time since HTTP entry.
func (rc *RequestContext) Duration() time.Duration {
	return time.Since(rc.StartedAt)
}
