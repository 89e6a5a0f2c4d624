// Package sanitize scrubs credential material from text bound for logs and
// telemetry, and guards first-run pairing.
package sanitize

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/relaycore/ai-gateway/internal/config"
)

// secretPatterns is the precompiled redaction set. Order matters: specific
// token shapes run before the generic key=value and entropy patterns.
var secretPatterns = []*regexp.Regexp{
	// provider API key prefixes
	regexp.MustCompile(`\bsk-(?:ant-|proj-|or-v1-)?[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`),
	regexp.MustCompile(`\bgsk_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bxai-[A-Za-z0-9]{20,}\b`),
	// bearer headers
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
	// AWS access key ids and secrets
	regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\baws_secret_access_key\s*[=:]\s*\S+`),
	// key=value pairs whose value is long enough to be a secret
	regexp.MustCompile(fmt.Sprintf(`(?i)\b(api[_-]?key|token|secret|password|authorization)\s*[=:]\s*["']?[^\s"']{%d,}["']?`, config.MinKeyValueSecretLen)),
	// long hex and base64 runs
	regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`),
	regexp.MustCompile(`\b[A-Za-z0-9+/]{48,}={0,2}\b`),
}

// Sanitizer redacts secret-shaped substrings with a placeholder. The pattern
// set is fixed at build time; the placeholder is configurable.
type Sanitizer struct {
	mu          sync.RWMutex
	placeholder string
}

func New(placeholder string) *Sanitizer {
	if placeholder == "" {
		placeholder = "[REDACTED]"
	}
	return &Sanitizer{placeholder: placeholder}
}

// SetPlaceholder replaces the redaction marker, e.g. on config reload.
func (s *Sanitizer) SetPlaceholder(p string) {
	s.mu.Lock()
	s.placeholder = p
	s.mu.Unlock()
}

// Sanitize replaces every secret-shaped match. Running it on already
// sanitized text is a no-op.
func (s *Sanitizer) Sanitize(text string) string {
	s.mu.RLock()
	placeholder := s.placeholder
	s.mu.RUnlock()
	for _, re := range secretPatterns {
		text = re.ReplaceAllString(text, placeholder)
	}
	return text
}

// ContainsSensitive reports whether any pattern matches, for pre-flight
// checks before a body is logged or stored.
func (s *Sanitizer) ContainsSensitive(text string) bool {
	for _, re := range secretPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// MaskKey masks a secret for safe display (first 8 and last 4 characters).
func MaskKey(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) < 16 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
