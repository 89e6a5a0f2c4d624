// Package telemetry - estimate.go approximates token counts when the
// upstream response carried no usage object.
package telemetry

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/relaycore/ai-gateway/internal/config"
)

// Estimator counts tokens with the cl100k_base encoding. The encoder loads
// lazily and is shared; encoding failures fall back to a bytes-per-token
// heuristic.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewEstimator() *Estimator { return &Estimator{} }

func (e *Estimator) encoder() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("tiktoken unavailable, using byte heuristic")
			return
		}
		e.enc = enc
	})
	return e.enc
}

// Count estimates tokens in a text fragment.
func (e *Estimator) Count(text string) int64 {
	if text == "" {
		return 0
	}
	if enc := e.encoder(); enc != nil {
		return int64(len(enc.Encode(text, nil, nil)))
	}
	return int64(len(text)+config.TokenEstimateRatio-1) / config.TokenEstimateRatio
}

// EstimateRequest counts the prompt side of a chat body: system prompt plus
// every message's text content.
func (e *Estimator) EstimateRequest(body []byte) int64 {
	var b strings.Builder
	if sys := gjson.GetBytes(body, "system"); sys.Exists() {
		if sys.Type == gjson.String {
			b.WriteString(sys.String())
		} else {
			for _, block := range sys.Array() {
				b.WriteString(block.Get("text").String())
			}
		}
	}
	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		content := msg.Get("content")
		if content.Type == gjson.String {
			b.WriteString(content.String())
			continue
		}
		for _, part := range content.Array() {
			b.WriteString(part.Get("text").String())
		}
	}
	return e.Count(b.String())
}
