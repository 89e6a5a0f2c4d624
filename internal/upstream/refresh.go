package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaycore/ai-gateway/internal/gwerr"
)

// refreshSkew keeps a margin before expiry so a token never dies mid-request.
const refreshSkew = 60 * time.Second

// geminiOAuthClientID is the public installed-app client id. Installed-app
// client credentials are not secret per the OAuth 2.0 spec.
func geminiOAuthClientID() string {
	if v := os.Getenv("GEMINI_OAUTH_CLIENT_ID"); v != "" {
		return v
	}
	return "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j" + ".apps.googleusercontent.com"
}

func geminiOAuthClientSecret() string {
	if v := os.Getenv("GEMINI_OAUTH_CLIENT_SECRET"); v != "" {
		return v
	}
	return "GOCSPX-" + "4uHgMPm-1o7Sk-geV6Cu5clXFsxl"
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// TokenRefresher exchanges refresh material for short-lived bearers and
// caches them per credential. Credentials on static-key or plain bearer auth
// pass through untouched.
type TokenRefresher struct {
	mu     sync.Mutex
	client *http.Client
	tokens map[string]cachedToken

	// tokenURL overrides the definition's endpoint when set. Used in tests.
	tokenURL string
	now      func() time.Time
}

func NewTokenRefresher() *TokenRefresher {
	return &TokenRefresher{
		client: &http.Client{Timeout: 15 * time.Second},
		tokens: make(map[string]cachedToken),
		now:    time.Now,
	}
}

// Bearer returns the secret to authenticate the call with. For refresh_token
// providers with refresh material it returns a cached or freshly exchanged
// access token; otherwise the stored secret as-is.
func (tr *TokenRefresher) Bearer(ctx context.Context, def Definition, credID, secret, refresh string) (string, error) {
	if def.AuthMode != AuthRefreshToken || refresh == "" {
		return secret, nil
	}

	tr.mu.Lock()
	if c, ok := tr.tokens[credID]; ok && tr.now().Add(refreshSkew).Before(c.expiresAt) {
		tr.mu.Unlock()
		return c.token, nil
	}
	tr.mu.Unlock()

	token, expiresIn, err := tr.exchange(ctx, def, refresh)
	if err != nil {
		return "", err
	}

	tr.mu.Lock()
	tr.tokens[credID] = cachedToken{
		token:     token,
		expiresAt: tr.now().Add(time.Duration(expiresIn) * time.Second),
	}
	tr.mu.Unlock()

	log.Debug().
		Str("credential_id", credID).
		Str("provider", def.Type).
		Int("expires_in", expiresIn).
		Msg("access token refreshed")
	return token, nil
}

// Invalidate drops the cached token so the next call re-exchanges. Called
// after an upstream 401 on a refresh_token credential.
func (tr *TokenRefresher) Invalidate(credID string) {
	tr.mu.Lock()
	delete(tr.tokens, credID)
	tr.mu.Unlock()
}

func (tr *TokenRefresher) exchange(ctx context.Context, def Definition, refresh string) (string, int, error) {
	endpoint := tr.tokenURL
	if endpoint == "" {
		endpoint = def.TokenURL
	}
	if endpoint == "" {
		return "", 0, gwerr.Newf(gwerr.KindInternal, "provider %s has no token endpoint", def.Type)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)
	form.Set("client_id", geminiOAuthClientID())
	form.Set("client_secret", geminiOAuthClientSecret())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, gwerr.Wrap(gwerr.KindInternal, "building token request failed", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tr.client.Do(req)
	if err != nil {
		return "", 0, gwerr.Wrap(gwerr.KindUpstreamUnavailable, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, gwerr.Newf(gwerr.KindAuthenticationError, "token refresh failed with status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, gwerr.Wrap(gwerr.KindUpstreamError, "decoding token response failed", err)
	}
	if out.AccessToken == "" {
		return "", 0, gwerr.New(gwerr.KindAuthenticationError, "token response carried no access token")
	}
	return out.AccessToken, out.ExpiresIn, nil
}
