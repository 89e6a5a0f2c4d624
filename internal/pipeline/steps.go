package pipeline

import (
	"context"

	"github.com/relaycore/ai-gateway/internal/gwerr"
	"github.com/relaycore/ai-gateway/internal/inject"
	"github.com/relaycore/ai-gateway/internal/route"
	"github.com/relaycore/ai-gateway/internal/session"
)

// Step is one stage of the pipeline.
type Step interface {
	Name() string
	Run(ctx context.Context, rc *RequestContext) error
}

// Hook is a plugin attachment point around the provider call. Before and
// After may mutate the body and report whether they did; OnError always runs
// on a failed request.
type Hook interface {
	Name() string
	Before(rc *RequestContext) (modified bool, err error)
	After(rc *RequestContext, responseBody []byte) ([]byte, bool, error)
	OnError(rc *RequestContext, err error)
}

// Authenticator verifies the client's bearer token. Implemented by the
// gateway's auth layer; nil means auth is disabled.
type Authenticator interface {
	Authenticate(token string) bool
}

// authStep rejects requests whose bearer token fails verification.
type authStep struct {
	auth Authenticator
}

func (s *authStep) Name() string { return "auth" }

func (s *authStep) Run(_ context.Context, rc *RequestContext) error {
	if s.auth == nil {
		return nil
	}
	if !s.auth.Authenticate(rc.APIKey) {
		return gwerr.New(gwerr.KindAuthenticationError, "invalid or missing bearer token")
	}
	return nil
}

// injectStep applies the operator's parameter rules.
type injectStep struct {
	injector *inject.Injector
}

func (s *injectStep) Name() string { return "inject" }

func (s *injectStep) Run(_ context.Context, rc *RequestContext) error {
	body, res, err := s.injector.Apply(rc.Body, rc.OriginalModel)
	if err != nil {
		return gwerr.Wrap(gwerr.KindInternal, "parameter injection failed", err)
	}
	rc.Body = body
	rc.AppliedRules = res.AppliedRules
	rc.InjectedKeys = res.InjectedKeys
	return nil
}

// routeStep resolves the model alias, applies hints, and picks the provider.
type routeStep struct {
	table         *route.Table
	fingerprinter *session.Fingerprinter
}

func (s *routeStep) Name() string { return "route" }

func (s *routeStep) Run(_ context.Context, rc *RequestContext) error {
	rc.ResolvedModel = s.table.Resolve(rc.OriginalModel)

	decision, err := s.table.Route(rc.ResolvedModel, rc.ClientType)
	if err != nil {
		return err
	}
	rc.Provider = decision.Provider
	rc.ExplicitRoute = decision.Explicit

	// hints lose to explicit rules but beat client-type and default routing
	if !decision.Explicit {
		if body, target, ok := s.table.ApplyHint(rc.Body); ok {
			rc.Body = body
			rc.Provider = target.Provider
			if target.Model != "" {
				rc.ResolvedModel = target.Model
			}
		}
	}

	if s.fingerprinter != nil {
		rc.SessionFingerprint = s.fingerprinter.Derive(rc.ClientType, rc.APIKey, rc.Body)
	}
	return nil
}
