package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/ai-gateway/internal/config"
	"github.com/relaycore/ai-gateway/internal/credential"
	"github.com/relaycore/ai-gateway/internal/gwerr"
	"github.com/relaycore/ai-gateway/internal/inject"
	"github.com/relaycore/ai-gateway/internal/risk"
	"github.com/relaycore/ai-gateway/internal/route"
	"github.com/relaycore/ai-gateway/internal/session"
	"github.com/relaycore/ai-gateway/internal/stream"
	"github.com/relaycore/ai-gateway/internal/telemetry"
	"github.com/relaycore/ai-gateway/internal/upstream"
)

const chatBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi there"}]}`

const completionBody = `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hello back"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`

type testHarness struct {
	exec    *Executor
	pool    *credential.Pool
	store   *telemetry.Store
	metrics *telemetry.MetricsCollector
}

func newHarness(t *testing.T, baseURL string, creds int, retry config.RetryConfig) *testHarness {
	t.Helper()
	pool := credential.NewPool(credential.NewStrategy("round_robin"), credential.PoolOptions{
		UnhealthyThreshold: 3,
		ProbeDelay:         time.Minute,
		CooldownBase:       time.Second,
		CooldownCap:        time.Minute,
	}, nil, nil)
	for i := 0; i < creds; i++ {
		require.NoError(t, pool.Add(&credential.Credential{
			ID:       fmt.Sprintf("cred-%d", i),
			Provider: "openai",
			Secret:   fmt.Sprintf("sk-test-%d", i),
			BaseURL:  baseURL,
		}))
	}
	store := telemetry.NewStore(64, 64)
	metrics := telemetry.NewMetricsCollector()
	exec := NewExecutor(Deps{
		Injector:      inject.New(nil),
		Table:         route.NewTable(config.RoutingConfig{DefaultProvider: "openai"}),
		Fingerprinter: session.NewFingerprinter("test-salt"),
		Pool:          pool,
		Client:        upstream.NewClient(),
		Risk:          risk.NewController(pool, time.Minute, 3),
		Retry:         retry,
		Store:         store,
		Metrics:       metrics,
		Estimator:     telemetry.NewEstimator(),
	})
	exec.provider.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return &testHarness{exec: exec, pool: pool, store: store, metrics: metrics}
}

func defaultRetry() config.RetryConfig {
	return config.RetryConfig{
		AttemptTimeout:        2 * time.Second,
		RequestDeadline:       5 * time.Second,
		MaxAttempts:           4,
		SameCredentialRetries: 1,
		BackoffBase:           time.Millisecond,
		BackoffCap:            2 * time.Millisecond,
	}
}

func newContext(body string, isStream bool) *RequestContext {
	rc := NewRequestContext(stream.DialectOpenAI, []byte(body), isStream)
	rc.OriginalModel = "gpt-4o"
	return rc
}

func TestExecuteHappyPath(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 1, defaultRetry())
	rc := newContext(chatBody, false)

	res, err := h.exec.Execute(context.Background(), rc)
	require.NoError(t, err)
	require.NotNil(t, res.Completion)
	assert.Equal(t, "hello back", res.Completion.Text)
	assert.Equal(t, "openai", rc.Provider)
	assert.Equal(t, "cred-0", rc.CredentialID)
	assert.Equal(t, "Bearer sk-test-0", gotAuth.Load())
	assert.NotEmpty(t, rc.SessionFingerprint)

	h.exec.RecordCompletionUsage(rc, res.Completion)
	usage := h.store.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, telemetry.SourceActual, usage[0].Source)
	assert.Equal(t, int64(5), usage[0].InputTokens)

	snaps := h.pool.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].Stats.Successes)
}

func TestFailoverToSecondCredential(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":"bad gateway"}`, http.StatusBadGateway)
			return
		}
		io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 2, defaultRetry())
	rc := newContext(chatBody, false)

	res, err := h.exec.Execute(context.Background(), rc)
	require.NoError(t, err)
	require.NotNil(t, res.Completion)
	assert.Equal(t, 1, rc.RetryCount)
	assert.EqualValues(t, 2, calls.Load())

	var retrying int
	for _, rec := range h.store.Requests() {
		if rec.Status == telemetry.StatusRetrying {
			retrying++
		}
	}
	assert.Equal(t, 1, retrying)
}

func TestClientDisconnectReleasesCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 1, defaultRetry())
	rc := newContext(chatBody, false)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := h.exec.Execute(ctx, rc)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// a hang-up is not the credential's fault: no failure count, no retry,
	// health untouched
	success, failure, cancelled := h.pool.CompletedLoans()
	assert.EqualValues(t, 0, success)
	assert.EqualValues(t, 0, failure)
	assert.EqualValues(t, 1, cancelled)
	assert.Equal(t, 0, rc.RetryCount)

	snaps := h.pool.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, credential.Healthy, snaps[0].Health.Status)
	assert.Zero(t, snaps[0].Health.ConsecutiveFailures)
	assert.Zero(t, snaps[0].Stats.Failures)
}

func TestRateLimitCoolsDownAndExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		http.Error(w, `{"error":{"message":"rate limit exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 1, defaultRetry())
	rc := newContext(chatBody, false)

	_, err := h.exec.Execute(context.Background(), rc)
	require.Error(t, err)
	// the only credential is cooling down, so the pool is empty of eligible
	assert.Equal(t, gwerr.KindNoCredentials, gwerr.KindOf(err))

	snaps := h.pool.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, credential.Cooldown, snaps[0].Health.Status)
}

func TestNoCredentialsAtAll(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", 0, defaultRetry())
	rc := newContext(chatBody, false)

	_, err := h.exec.Execute(context.Background(), rc)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindNoCredentials, gwerr.KindOf(err))
}

func TestInvalidRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"unknown field"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 2, defaultRetry())
	rc := newContext(chatBody, false)

	_, err := h.exec.Execute(context.Background(), rc)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidRequest, gwerr.KindOf(err))
	assert.EqualValues(t, 1, calls.Load())

	// the credential is not blamed for a client error
	snaps := h.pool.Snapshot()
	for _, s := range snaps {
		assert.Zero(t, s.Stats.Failures)
	}
}

func TestUpstreamAuthFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 1, defaultRetry())
	rc := newContext(chatBody, false)

	_, err := h.exec.Execute(context.Background(), rc)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindAuthenticationError, gwerr.KindOf(err))
}

func TestAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	retry := defaultRetry()
	retry.AttemptTimeout = 30 * time.Millisecond
	h := newHarness(t, srv.URL, 1, retry)
	rc := newContext(chatBody, false)

	start := time.Now()
	_, err := h.exec.Execute(context.Background(), rc)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindUpstreamTimeout, gwerr.KindOf(err))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

type denyAll struct{}

func (denyAll) Authenticate(string) bool { return false }

func TestAuthStepShortCircuits(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 1, defaultRetry())
	h.exec.steps[0] = &authStep{auth: denyAll{}}
	rc := newContext(chatBody, false)
	rc.APIKey = "whatever"

	_, err := h.exec.Execute(context.Background(), rc)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindAuthenticationError, gwerr.KindOf(err))
	assert.Zero(t, calls.Load())
}

func TestStreamingReturnsLiveHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"str"}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"eamed"},"finish_reason":null}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, 1, defaultRetry())
	rc := newContext(chatBody, true)

	res, err := h.exec.Execute(context.Background(), rc)
	require.NoError(t, err)
	require.NotNil(t, res.Stream)
	require.Nil(t, res.Completion)

	data, err := io.ReadAll(res.Stream.Body)
	require.NoError(t, err)
	events, err := res.Stream.Parser.Feed(data)
	require.NoError(t, err)
	events = append(events, res.Stream.Parser.Finish()...)

	var text string
	var stops int
	for _, ev := range events {
		switch ev.Type {
		case stream.EventTextDelta:
			text += ev.Text
		case stream.EventStop:
			stops++
		}
	}
	assert.Equal(t, "streamed", text)
	assert.Equal(t, 1, stops)

	res.Stream.Finish(credential.Outcome{Kind: credential.OutcomeSuccess, OutputTokens: 2})
	res.Stream.Finish(credential.Outcome{Kind: credential.OutcomeFailure}) // second call is a no-op

	snaps := h.pool.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].Stats.Successes)
	assert.Zero(t, snaps[0].Stats.Failures)
	assert.Zero(t, snaps[0].InFlight)
}

func TestFinishRecordsTelemetryAndHooks(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", 0, defaultRetry())
	hook := &recordingHook{}
	h.exec.hooks = []Hook{hook}

	rc := newContext(chatBody, false)
	rc.Provider = "openai"
	rc.ResolvedModel = "gpt-4o"
	h.exec.Finish(rc, telemetry.StatusFailed, 502, gwerr.New(gwerr.KindUpstreamError, "boom"))

	reqs := h.store.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, telemetry.StatusFailed, reqs[0].Status)
	assert.Equal(t, 502, reqs[0].HTTPStatus)
	assert.Equal(t, 1, hook.errors)

	snap := h.metrics.Snapshot()
	assert.EqualValues(t, 1, snap.Requests)
	assert.EqualValues(t, 1, snap.Failures)
}

type recordingHook struct {
	befores int
	afters  int
	errors  int
}

func (h *recordingHook) Name() string { return "recording" }

func (h *recordingHook) Before(*RequestContext) (bool, error) {
	h.befores++
	return false, nil
}

func (h *recordingHook) After(_ *RequestContext, body []byte) ([]byte, bool, error) {
	h.afters++
	return append(body, []byte(" tail")...), true, nil
}

func (h *recordingHook) OnError(*RequestContext, error) { h.errors++ }

func TestAfterHooksMutateBody(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", 0, defaultRetry())
	hook := &recordingHook{}
	h.exec.hooks = []Hook{hook}

	rc := newContext(chatBody, false)
	out := h.exec.AfterHooks(rc, []byte("body"))
	assert.Equal(t, "body tail", string(out))
	assert.Equal(t, 1, hook.afters)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   Class
	}{
		{"context canceled", context.Canceled, 0, Cancelled},
		{"deadline exceeded", context.DeadlineExceeded, 0, Timeout},
		{"transport error", io.ErrUnexpectedEOF, 0, RetryDifferentCredential},
		{"429", nil, 429, RateLimited},
		{"401", nil, 401, PermanentAuth},
		{"403", nil, 403, PermanentAuth},
		{"400", nil, 400, PermanentInvalidRequest},
		{"404", nil, 404, PermanentInvalidRequest},
		{"408", nil, 408, Timeout},
		{"502", nil, 502, RetryDifferentCredential},
		{"503", nil, 503, RetryDifferentCredential},
		{"529", nil, 529, RetryDifferentCredential},
		{"500", nil, 500, RetrySameCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err, tt.status, nil, nil))
		})
	}
}

func TestBackoffStaysWithinBounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		for i := 0; i < 50; i++ {
			d := Backoff(attempt, 100*time.Millisecond, time.Second)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, time.Second)
		}
	}
	assert.LessOrEqual(t, Backoff(0, 100*time.Millisecond, time.Second), 100*time.Millisecond)
}
