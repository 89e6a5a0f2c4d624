package gateway

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaycore/ai-gateway/internal/pipeline"
	"github.com/relaycore/ai-gateway/internal/session"
)

// SignatureHook reattaches stashed reasoning signatures to thinking blocks
// that lost them on a signature-less client wire. Runs after routing so the
// session fingerprint is available.
type SignatureHook struct {
	store *session.SignatureStore
}

func NewSignatureHook(store *session.SignatureStore) *SignatureHook {
	return &SignatureHook{store: store}
}

func (h *SignatureHook) Name() string { return "signature-reattach" }

// Before walks assistant messages in order and restores each thinking block's
// signature from the store when the block arrived without one. Consumed
// entries are gone; a miss leaves the block untouched.
func (h *SignatureHook) Before(rc *pipeline.RequestContext) (bool, error) {
	if h.store == nil || rc.SessionFingerprint == "" {
		return false, nil
	}
	modified := false
	turn := 0
	for mi, msg := range gjson.GetBytes(rc.Body, "messages").Array() {
		if msg.Get("role").String() != "assistant" {
			continue
		}
		for bi, block := range msg.Get("content").Array() {
			if block.Get("type").String() != "thinking" || block.Get("signature").String() != "" {
				continue
			}
			sig, ok := h.store.Take(rc.SessionFingerprint, turn)
			if !ok {
				continue
			}
			path := fmt.Sprintf("messages.%d.content.%d.signature", mi, bi)
			if body, err := sjson.SetBytes(rc.Body, path, string(sig)); err == nil {
				rc.Body = body
				modified = true
			}
		}
		turn++
	}
	return modified, nil
}

func (h *SignatureHook) After(_ *pipeline.RequestContext, body []byte) ([]byte, bool, error) {
	return body, false, nil
}

func (h *SignatureHook) OnError(*pipeline.RequestContext, error) {}
