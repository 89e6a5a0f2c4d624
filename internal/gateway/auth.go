package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/relaycore/ai-gateway/internal/sanitize"
)

// Auth verifies client bearer tokens against the static API key or a minted
// pairing token. A nil *Auth (auth disabled) accepts everything.
type Auth struct {
	apiKey string
	guard  *sanitize.PairingGuard
}

// NewAuth returns nil when neither an API key nor pairing is configured,
// which disables client authentication.
func NewAuth(apiKey string, guard *sanitize.PairingGuard) *Auth {
	if apiKey == "" && guard == nil {
		return nil
	}
	return &Auth{apiKey: apiKey, guard: guard}
}

// Authenticate checks the presented token. The static key comparison is
// constant time.
func (a *Auth) Authenticate(token string) bool {
	if a == nil {
		return true
	}
	if token == "" {
		return false
	}
	if a.apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) == 1 {
		return true
	}
	return a.guard != nil && a.guard.Authorize(token)
}

// bearerToken extracts the bearer token, also accepting x-api-key for
// Anthropic-style clients.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

// detectClientType identifies the calling tool for client-type routing. An
// explicit X-Client-Type header wins over User-Agent inspection.
func detectClientType(r *http.Request) string {
	if ct := r.Header.Get("X-Client-Type"); ct != "" {
		return strings.ToLower(ct)
	}
	ua := strings.ToLower(r.Header.Get("User-Agent"))
	switch {
	case strings.Contains(ua, "claude-cli"), strings.Contains(ua, "claude-code"):
		return "claude-code"
	case strings.Contains(ua, "cursor"):
		return "cursor"
	case strings.Contains(ua, "openai-python"), strings.Contains(ua, "openai-node"):
		return "openai-sdk"
	case strings.Contains(ua, "anthropic-sdk"):
		return "anthropic-sdk"
	}
	if i := strings.IndexAny(ua, "/ "); i > 0 {
		return ua[:i]
	}
	return ua
}
