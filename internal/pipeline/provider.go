package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaycore/ai-gateway/internal/config"
	"github.com/relaycore/ai-gateway/internal/credential"
	"github.com/relaycore/ai-gateway/internal/gwerr"
	"github.com/relaycore/ai-gateway/internal/risk"
	"github.com/relaycore/ai-gateway/internal/stream"
	"github.com/relaycore/ai-gateway/internal/telemetry"
	"github.com/relaycore/ai-gateway/internal/upstream"
)

const maxUpstreamBody = 50 << 20

// Result is what the provider step hands back: exactly one of Completion or
// Stream is set.
type Result struct {
	Completion *upstream.Completion
	Stream     *LiveStream
}

// LiveStream is an open upstream streaming response. The consumer pumps
// Body through Parser and must call Finish exactly once.
type LiveStream struct {
	Body     io.Reader
	Parser   stream.Parser
	Dialect  stream.Dialect
	loan     *credential.Loan
	closers  []func()
	finished bool
}

// Finish releases the loan with the terminal outcome and tears down the
// upstream connection.
func (ls *LiveStream) Finish(outcome credential.Outcome) {
	if ls.finished {
		return
	}
	ls.finished = true
	ls.loan.Release(outcome)
	for _, c := range ls.closers {
		c()
	}
}

// CredentialID identifies the serving credential.
func (ls *LiveStream) CredentialID() string { return ls.loan.CredentialID }

// providerStep owns the retry/failover loop around the upstream call.
type providerStep struct {
	pool      *credential.Pool
	client    *upstream.Client
	risk      *risk.Controller
	cfg       config.RetryConfig
	metrics   *telemetry.MetricsCollector
	store     *telemetry.Store
	refresher *upstream.TokenRefresher

	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func newProviderStep(pool *credential.Pool, client *upstream.Client, rc *risk.Controller, cfg config.RetryConfig, metrics *telemetry.MetricsCollector, store *telemetry.Store) *providerStep {
	return &providerStep{
		pool:      pool,
		client:    client,
		risk:      rc,
		cfg:       cfg,
		metrics:   metrics,
		store:     store,
		refresher: upstream.NewTokenRefresher(),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs attempts until success, a permanent failure, or the budget is
// spent. ctx carries the total-request deadline; each attempt gets its own
// timeout inside it.
func (s *providerStep) Execute(ctx context.Context, rc *RequestContext) (*Result, error) {
	def, ok := upstream.Lookup(rc.Provider)
	if !ok {
		return nil, gwerr.Newf(gwerr.KindInternal, "unknown provider type %q", rc.Provider)
	}

	deadlineCtx, cancelDeadline := context.WithTimeout(ctx, s.cfg.RequestDeadline)
	excluded := make(map[string]bool)
	sameCred := 0
	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if err := deadlineCtx.Err(); err != nil {
			cancelDeadline()
			return nil, s.deadlineErr(err, lastErr)
		}
		if attempt > 0 {
			rc.RetryCount++
			s.metrics.RecordRetry()
			s.store.RecordRequest(telemetry.RequestLog{
				RequestID:    rc.RequestID,
				Provider:     rc.Provider,
				Model:        rc.ResolvedModel,
				IsStream:     rc.IsStream,
				Status:       telemetry.StatusRetrying,
				CredentialID: rc.CredentialID,
				RetryCount:   rc.RetryCount,
			})
			if err := s.sleep(deadlineCtx, Backoff(attempt-1, s.cfg.BackoffBase, s.cfg.BackoffCap)); err != nil {
				cancelDeadline()
				return nil, s.deadlineErr(err, lastErr)
			}
		}

		loan, err := s.pool.Acquire(rc.Provider, rc.ResolvedModel, credential.AcquireOptions{
			SessionFingerprint: rc.SessionFingerprint,
			Exclude:            excluded,
		})
		if err != nil {
			// exhausting eligible credentials surfaces as no-credentials even
			// when earlier attempts failed for other reasons
			cancelDeadline()
			return nil, gwerr.Wrap(gwerr.KindNoCredentials, "no eligible credential", err)
		}
		rc.CredentialID = loan.CredentialID

		result, class, err := s.attempt(deadlineCtx, rc, def, loan)
		if result != nil {
			// the stream owns the deadline cancel from here
			if result.Stream != nil {
				result.Stream.closers = append(result.Stream.closers, cancelDeadline)
			} else {
				cancelDeadline()
			}
			return result, nil
		}

		lastErr = err
		log.Warn().
			Str("request_id", rc.RequestID).
			Str("credential_id", loan.CredentialID).
			Str("class", class.String()).
			Err(err).
			Msg("upstream attempt failed")

		switch class {
		case RetrySameCredential:
			sameCred++
			if sameCred > s.cfg.SameCredentialRetries {
				excluded[loan.CredentialID] = true
				sameCred = 0
			}
		case RetryDifferentCredential, RateLimited:
			excluded[loan.CredentialID] = true
			sameCred = 0
		default:
			// permanent: surface immediately
			cancelDeadline()
			return nil, err
		}
	}
	cancelDeadline()
	return nil, s.exhausted(gwerr.New(gwerr.KindUpstreamError, "retry attempts exhausted"), lastErr)
}

// attempt runs one upstream call on one loan. On failure the loan has been
// released and the class says how the loop should proceed.
func (s *providerStep) attempt(ctx context.Context, rc *RequestContext, def upstream.Definition, loan *credential.Loan) (*Result, Class, error) {
	body, err := upstream.ConvertRequest(rc.Body, rc.ClientDialect, def, rc.ResolvedModel, rc.IsStream)
	if err != nil {
		loan.Release(credential.Outcome{Kind: credential.OutcomeCancelled})
		return nil, PermanentInvalidRequest, err
	}

	attemptCtx, cancelAttempt := context.WithTimeout(ctx, s.cfg.AttemptTimeout)

	secret, err := s.refresher.Bearer(attemptCtx, def, loan.CredentialID, loan.Secret, loan.Refresh)
	if err != nil {
		cancelAttempt()
		loan.Release(credential.Outcome{Kind: credential.OutcomeFailure})
		return nil, RetryDifferentCredential, err
	}
	target := upstream.Target{Secret: secret, BaseURL: loan.BaseURL, ProxyURL: loan.ProxyURL}

	resp, err := s.client.Call(attemptCtx, def, target, rc.ResolvedModel, body, rc.IsStream)
	if err != nil {
		cancelAttempt()
		switch class := Classify(err, 0, nil, nil); class {
		case Cancelled:
			// the client went away; the credential did nothing wrong
			loan.Release(credential.Outcome{Kind: credential.OutcomeCancelled})
			return nil, Cancelled, err
		case Timeout:
			loan.Release(credential.Outcome{Kind: credential.OutcomeTimeout})
			return nil, Timeout, gwerr.Wrap(gwerr.KindUpstreamTimeout, "upstream attempt timed out", err)
		default:
			loan.Release(credential.Outcome{Kind: credential.OutcomeFailure})
			return nil, class, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		data, _ := upstream.ReadBody(resp, 1<<20)
		resp.Body.Close()
		cancelAttempt()
		class, cerr := s.classifyResponse(rc, loan, resp, data)
		return nil, class, cerr
	}

	if rc.IsStream {
		parser, perr := stream.NewParser(def.Dialect)
		if perr != nil {
			resp.Body.Close()
			cancelAttempt()
			loan.Release(credential.Outcome{Kind: credential.OutcomeCancelled})
			return nil, PermanentInvalidRequest, perr
		}
		ls := &LiveStream{
			Body:    resp.Body,
			Parser:  parser,
			Dialect: def.Dialect,
			loan:    loan,
			closers: []func(){func() { resp.Body.Close() }, cancelAttempt},
		}
		return &Result{Stream: ls}, 0, nil
	}

	data, rerr := upstream.ReadBody(resp, maxUpstreamBody)
	resp.Body.Close()
	cancelAttempt()
	if rerr != nil {
		loan.Release(credential.Outcome{Kind: credential.OutcomeFailure})
		return nil, RetrySameCredential, rerr
	}
	comp, perr := upstream.ParseCompletion(def.Dialect, data)
	if perr != nil {
		loan.Release(credential.Outcome{Kind: credential.OutcomeFailure})
		return nil, RetrySameCredential, perr
	}
	loan.Release(credential.Outcome{
		Kind:         credential.OutcomeSuccess,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
	})
	return &Result{Completion: &comp}, 0, nil
}

// classifyResponse handles a non-200 upstream response after the loan is
// still open.
func (s *providerStep) classifyResponse(rc *RequestContext, loan *credential.Loan, resp *http.Response, body []byte) (Class, error) {
	class := Classify(nil, resp.StatusCode, resp.Header, body)
	err := gwerr.Newf(class.Kind(), "upstream returned %d: %.200s", resp.StatusCode, string(body)).
		WithProvider(rc.Provider)

	if resp.StatusCode == http.StatusUnauthorized {
		// a stale exchanged token should not survive the next acquire
		s.refresher.Invalidate(loan.CredentialID)
	}

	switch class {
	case RateLimited:
		sig, _ := risk.Detect(resp.StatusCode, resp.Header, body)
		s.risk.Observe(loan.CredentialID, sig)
		// cooldown already set; cancelled keeps the loan accounting honest
		// without double-punishing health
		loan.Release(credential.Outcome{Kind: credential.OutcomeCancelled})
	case Timeout:
		loan.Release(credential.Outcome{Kind: credential.OutcomeTimeout})
	case PermanentInvalidRequest:
		// client's fault, not the credential's
		loan.Release(credential.Outcome{Kind: credential.OutcomeCancelled})
	default:
		loan.Release(credential.Outcome{Kind: credential.OutcomeFailure})
	}
	return class, err
}

// deadlineErr distinguishes the overall budget expiring from the client
// hanging up between attempts.
func (s *providerStep) deadlineErr(ctxErr error, lastErr error) error {
	if errors.Is(ctxErr, context.Canceled) {
		return gwerr.Wrap(gwerr.KindInternal, "request cancelled", ctxErr)
	}
	return s.exhausted(gwerr.Wrap(gwerr.KindUpstreamTimeout, "request deadline exceeded", ctxErr), lastErr)
}

func (s *providerStep) exhausted(fallback error, lastErr error) error {
	if lastErr != nil {
		return lastErr
	}
	return fallback
}
