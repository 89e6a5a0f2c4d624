package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/relaycore/ai-gateway/internal/config"
	"github.com/relaycore/ai-gateway/internal/credential"
	"github.com/relaycore/ai-gateway/internal/gwerr"
	"github.com/relaycore/ai-gateway/internal/inject"
	"github.com/relaycore/ai-gateway/internal/risk"
	"github.com/relaycore/ai-gateway/internal/route"
	"github.com/relaycore/ai-gateway/internal/session"
	"github.com/relaycore/ai-gateway/internal/telemetry"
	"github.com/relaycore/ai-gateway/internal/upstream"
)

// Deps wires the executor's collaborators.
type Deps struct {
	Auth          Authenticator
	Injector      *inject.Injector
	Table         *route.Table
	Fingerprinter *session.Fingerprinter
	Pool          *credential.Pool
	Client        *upstream.Client
	Risk          *risk.Controller
	Retry         config.RetryConfig
	Store         *telemetry.Store
	Metrics       *telemetry.MetricsCollector
	Estimator     *telemetry.Estimator
	Hooks         []Hook
}

// Executor drives a request through the ordered steps. The HTTP layer calls
// Execute for the body of the request and Finish exactly once per request,
// including failed and streamed ones.
type Executor struct {
	steps     []Step
	hooks     []Hook
	provider  *providerStep
	store     *telemetry.Store
	metrics   *telemetry.MetricsCollector
	estimator *telemetry.Estimator
}

func NewExecutor(d Deps) *Executor {
	return &Executor{
		steps: []Step{
			&authStep{auth: d.Auth},
			&injectStep{injector: d.Injector},
			&routeStep{table: d.Table, fingerprinter: d.Fingerprinter},
		},
		hooks:     d.Hooks,
		provider:  newProviderStep(d.Pool, d.Client, d.Risk, d.Retry, d.Metrics, d.Store),
		store:     d.Store,
		metrics:   d.Metrics,
		estimator: d.Estimator,
	}
}

// Execute runs auth, injection, routing, pre-hooks, and the provider call.
// The first failing step short-circuits the rest.
func (e *Executor) Execute(ctx context.Context, rc *RequestContext) (*Result, error) {
	for _, st := range e.steps {
		if err := st.Run(ctx, rc); err != nil {
			return nil, err
		}
	}
	for _, h := range e.hooks {
		modified, err := h.Before(rc)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, "pre-hook "+h.Name()+" failed", err)
		}
		if modified {
			log.Debug().Str("request_id", rc.RequestID).Str("hook", h.Name()).Msg("request body modified")
		}
	}
	return e.provider.Execute(ctx, rc)
}

// AfterHooks runs the post-hooks over the client-shaped response body. A
// hook failure drops that hook's changes but never fails the request.
func (e *Executor) AfterHooks(rc *RequestContext, body []byte) []byte {
	for _, h := range e.hooks {
		out, modified, err := h.After(rc, body)
		if err != nil {
			log.Warn().Str("request_id", rc.RequestID).Str("hook", h.Name()).Err(err).Msg("post-hook failed")
			continue
		}
		if modified {
			body = out
		}
	}
	return body
}

// Finish records the request's terminal telemetry. err non-nil marks the
// request failed and fans out to the hooks' error callbacks. Safe to call
// from a deferred path; runs once per request by contract with the caller.
func (e *Executor) Finish(rc *RequestContext, status telemetry.RequestStatus, httpStatus int, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		for _, h := range e.hooks {
			h.OnError(rc, err)
		}
	}
	e.store.RecordRequest(telemetry.RequestLog{
		RequestID:    rc.RequestID,
		Provider:     rc.Provider,
		Model:        rc.ResolvedModel,
		IsStream:     rc.IsStream,
		Status:       status,
		DurationMS:   rc.Duration().Milliseconds(),
		HTTPStatus:   httpStatus,
		Error:        errMsg,
		CredentialID: rc.CredentialID,
		RetryCount:   rc.RetryCount,
	})
	e.metrics.RecordRequest(status == telemetry.StatusSuccess, rc.IsStream)

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("request_id", rc.RequestID).
		Str("provider", rc.Provider).
		Str("model", rc.ResolvedModel).
		Str("status", string(status)).
		Int("http_status", httpStatus).
		Int64("duration_ms", rc.Duration().Milliseconds()).
		Int("retries", rc.RetryCount).
		Msg("request finished")
}

// RecordCompletionUsage books token usage for a non-streamed completion,
// estimating when the provider sent no usage block.
func (e *Executor) RecordCompletionUsage(rc *RequestContext, comp *upstream.Completion) {
	in, out := comp.InputTokens, comp.OutputTokens
	source := telemetry.SourceActual
	if !comp.HasUsage {
		source = telemetry.SourceEstimated
		in = e.estimator.EstimateRequest(rc.Body)
		out = e.estimator.Count(comp.Text)
	}
	e.recordUsage(rc, in, out, source)
}

// RecordStreamUsage books token usage after a stream completes. actual is
// true when a usage event arrived; otherwise outputText is tokenized as the
// estimate.
func (e *Executor) RecordStreamUsage(rc *RequestContext, in, out int64, actual bool, outputText string) {
	source := telemetry.SourceActual
	if !actual {
		source = telemetry.SourceEstimated
		in = e.estimator.EstimateRequest(rc.Body)
		out = e.estimator.Count(outputText)
	}
	e.recordUsage(rc, in, out, source)
}

func (e *Executor) recordUsage(rc *RequestContext, in, out int64, source telemetry.UsageSource) {
	e.store.RecordUsage(telemetry.TokenUsageRecord{
		RequestID:    rc.RequestID,
		Provider:     rc.Provider,
		Model:        rc.ResolvedModel,
		InputTokens:  in,
		OutputTokens: out,
		Source:       source,
	})
	e.metrics.RecordTokens(in, out)
}
