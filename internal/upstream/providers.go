// Package upstream calls provider APIs and converts chat bodies between
// provider dialects.
//
// DESIGN: A static registry of provider definitions is seeded at process
// start; config may override base URLs but not dialects or auth modes. The
// Client applies per-credential proxies and transparently decompresses
// non-streaming responses.
package upstream

import "github.com/relaycore/ai-gateway/internal/stream"

// AuthMode says how a credential's secret turns into request auth.
type AuthMode string

const (
	AuthStaticKey    AuthMode = "static_key"
	AuthRefreshToken AuthMode = "refresh_token"
	AuthOAuthBearer  AuthMode = "oauth_bearer"
)

// Definition is the static description of a provider type.
type Definition struct {
	Type           string
	DisplayName    string
	Dialect        stream.Dialect
	AuthMode       AuthMode
	DefaultBaseURL string
	ChatPath       string
	// TokenURL is the OAuth token endpoint for refresh_token providers.
	TokenURL string
}

var registry = map[string]Definition{
	"openai": {
		Type:           "openai",
		DisplayName:    "OpenAI",
		Dialect:        stream.DialectOpenAI,
		AuthMode:       AuthStaticKey,
		DefaultBaseURL: "https://api.openai.com",
		ChatPath:       "/v1/chat/completions",
	},
	"openrouter": {
		Type:           "openrouter",
		DisplayName:    "OpenRouter",
		Dialect:        stream.DialectOpenAI,
		AuthMode:       AuthStaticKey,
		DefaultBaseURL: "https://openrouter.ai/api",
		ChatPath:       "/v1/chat/completions",
	},
	"anthropic": {
		Type:           "anthropic",
		DisplayName:    "Anthropic",
		Dialect:        stream.DialectAnthropic,
		AuthMode:       AuthStaticKey,
		DefaultBaseURL: "https://api.anthropic.com",
		ChatPath:       "/v1/messages",
	},
	"gemini": {
		Type:           "gemini",
		DisplayName:    "Google Gemini",
		Dialect:        stream.DialectGemini,
		AuthMode:       AuthStaticKey,
		DefaultBaseURL: "https://generativelanguage.googleapis.com",
		ChatPath:       "/v1beta/models",
	},
	"gemini-oauth": {
		Type:           "gemini-oauth",
		DisplayName:    "Google Gemini (OAuth)",
		Dialect:        stream.DialectGemini,
		AuthMode:       AuthRefreshToken,
		DefaultBaseURL: "https://generativelanguage.googleapis.com",
		ChatPath:       "/v1beta/models",
		TokenURL:       "https://oauth2.googleapis.com/token",
	},
	"codewhisperer": {
		Type:           "codewhisperer",
		DisplayName:    "CodeWhisperer",
		Dialect:        stream.DialectCodeWhisperer,
		AuthMode:       AuthOAuthBearer,
		DefaultBaseURL: "https://codewhisperer.us-east-1.amazonaws.com",
		ChatPath:       "/generateAssistantResponse",
	},
}

// Lookup returns the definition for a provider type.
func Lookup(providerType string) (Definition, bool) {
	def, ok := registry[providerType]
	return def, ok
}

// Types lists the registered provider types.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}
