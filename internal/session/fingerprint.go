// Package session tracks which credential a client conversation is pinned to
// and stashes per-turn reasoning signatures between requests.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	keyTailLen       = 8
	systemPrefixLen  = 256
	userHeadLen      = 128
	fingerprintBytes = 16
)

// Fingerprinter derives stable, opaque session fingerprints from request
// features. The salt decouples fingerprints across restarts unless the
// operator pins one in config.
type Fingerprinter struct {
	salt []byte
}

// NewFingerprinter uses the configured salt, or a process-random one when
// empty.
func NewFingerprinter(salt string) *Fingerprinter {
	if salt == "" {
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		return &Fingerprinter{salt: b}
	}
	return &Fingerprinter{salt: []byte(salt)}
}

// Derive hashes the stable request features: client type, the tail of the
// presented API key, a prefix of the normalized system prompt, and the head
// of the first user message. Two requests from the same conversation hash
// identically; the raw inputs are not recoverable.
func (f *Fingerprinter) Derive(clientType, apiKey string, body []byte) string {
	h := sha256.New()
	h.Write(f.salt)
	h.Write([]byte(clientType))
	h.Write([]byte{0})
	h.Write([]byte(keyTail(apiKey)))
	h.Write([]byte{0})
	h.Write([]byte(head(normalizeWS(systemPrompt(body)), systemPrefixLen)))
	h.Write([]byte{0})
	h.Write([]byte(head(normalizeWS(firstUserMessage(body)), userHeadLen)))
	return hex.EncodeToString(h.Sum(nil)[:fingerprintBytes])
}

func keyTail(key string) string {
	if len(key) <= keyTailLen {
		return key
	}
	return key[len(key)-keyTailLen:]
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// normalizeWS collapses whitespace runs so formatting changes between turns
// do not fork the session.
func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// systemPrompt handles both body shapes: a top-level "system" field
// (Anthropic, string or block list) or a system-role message (OpenAI).
func systemPrompt(body []byte) string {
	if sys := gjson.GetBytes(body, "system"); sys.Exists() {
		if sys.Type == gjson.String {
			return sys.String()
		}
		var b strings.Builder
		for _, block := range sys.Array() {
			b.WriteString(block.Get("text").String())
		}
		return b.String()
	}
	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		if msg.Get("role").String() == "system" {
			return textContent(msg.Get("content"))
		}
	}
	return ""
}

func firstUserMessage(body []byte) string {
	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		if msg.Get("role").String() == "user" {
			return textContent(msg.Get("content"))
		}
	}
	return ""
}

func textContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	for _, part := range content.Array() {
		b.WriteString(part.Get("text").String())
	}
	return b.String()
}
