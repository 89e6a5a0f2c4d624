package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerPassesThroughStaticKeys(t *testing.T) {
	tr := NewTokenRefresher()
	def, _ := Lookup("openai")

	secret, err := tr.Bearer(context.Background(), def, "cred-1", "sk-static", "")
	require.NoError(t, err)
	assert.Equal(t, "sk-static", secret)
}

func TestBearerExchangesAndCaches(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-material", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"ya29.fresh","expires_in":3600}`))
	}))
	defer ts.Close()

	tr := NewTokenRefresher()
	tr.tokenURL = ts.URL
	def, _ := Lookup("gemini-oauth")

	secret, err := tr.Bearer(context.Background(), def, "cred-1", "", "rt-material")
	require.NoError(t, err)
	assert.Equal(t, "ya29.fresh", secret)

	// second call is served from cache
	secret, err = tr.Bearer(context.Background(), def, "cred-1", "", "rt-material")
	require.NoError(t, err)
	assert.Equal(t, "ya29.fresh", secret)
	assert.Equal(t, int64(1), calls.Load())
}

func TestBearerReExchangesNearExpiry(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"access_token":"ya29.fresh","expires_in":30}`))
	}))
	defer ts.Close()

	tr := NewTokenRefresher()
	tr.tokenURL = ts.URL
	def, _ := Lookup("gemini-oauth")

	_, err := tr.Bearer(context.Background(), def, "cred-1", "", "rt-material")
	require.NoError(t, err)

	// 30s lifetime is inside the refresh skew, so the cache never satisfies
	_, err = tr.Bearer(context.Background(), def, "cred-1", "", "rt-material")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestBearerRefreshFailureIsAuthError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	tr := NewTokenRefresher()
	tr.tokenURL = ts.URL
	def, _ := Lookup("gemini-oauth")

	_, err := tr.Bearer(context.Background(), def, "cred-1", "", "rt-expired")
	require.Error(t, err)
}

func TestInvalidateForcesReExchange(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"access_token":"ya29.fresh","expires_in":3600}`))
	}))
	defer ts.Close()

	tr := NewTokenRefresher()
	tr.tokenURL = ts.URL
	tr.now = func() time.Time { return time.Unix(1700000000, 0) }
	def, _ := Lookup("gemini-oauth")

	_, err := tr.Bearer(context.Background(), def, "cred-1", "", "rt-material")
	require.NoError(t, err)
	tr.Invalidate("cred-1")
	_, err = tr.Bearer(context.Background(), def, "cred-1", "", "rt-material")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}
