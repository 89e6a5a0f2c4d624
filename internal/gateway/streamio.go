package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/relaycore/ai-gateway/internal/credential"
	"github.com/relaycore/ai-gateway/internal/pipeline"
	"github.com/relaycore/ai-gateway/internal/stream"
	"github.com/relaycore/ai-gateway/internal/telemetry"
)

const streamReadBufferSize = 32 * 1024

// pumpStream translates the live upstream stream into the client's dialect.
// Headers are committed before the first byte, so upstream failures after
// that point surface as an in-stream error event, never a status change.
func (s *Server) pumpStream(w http.ResponseWriter, rc *pipeline.RequestContext, ls *pipeline.LiveStream) {
	emitter, err := stream.NewEmitter(rc.ClientDialect, rc.OriginalModel)
	if err != nil {
		ls.Finish(credential.Outcome{Kind: credential.OutcomeCancelled})
		s.exec.Finish(rc, telemetry.StatusFailed, http.StatusInternalServerError, err)
		writeGatewayError(w, rc.RequestID, err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var (
		outputText   strings.Builder
		inTokens     int64
		outTokens    int64
		sawUsage     bool
		clientGone   bool
		upstreamFail error
	)

	writeOut := func(b []byte) bool {
		if len(b) == 0 || clientGone {
			return !clientGone
		}
		if _, werr := w.Write(b); werr != nil {
			clientGone = true
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	}

	handleEvent := func(ev stream.Event) {
		switch ev.Type {
		case stream.EventTextDelta:
			outputText.WriteString(ev.Text)
		case stream.EventUsage:
			inTokens, outTokens = ev.InputTokens, ev.OutputTokens
			sawUsage = true
		case stream.EventError:
			upstreamFail = ev.Err
		}
		if len(ev.Signature) > 0 && rc.ClientDialect == stream.DialectOpenAI && s.signatures != nil {
			// the OpenAI wire cannot carry reasoning signatures; stash for the
			// session's next turn
			s.signatures.Put(rc.SessionFingerprint, assistantTurn(rc.Body), ev.Signature)
		}
		writeOut(emitter.Emit(ev))
	}

	buf := make([]byte, streamReadBufferSize)
	for {
		n, rerr := ls.Body.Read(buf)
		if n > 0 {
			events, perr := ls.Parser.Feed(buf[:n])
			for _, ev := range events {
				handleEvent(ev)
			}
			if perr != nil {
				log.Warn().Str("request_id", rc.RequestID).Err(perr).Msg("stream parse failed mid-flight")
				writeOut(emitter.Fail("upstream stream corrupted"))
				ls.Finish(credential.Outcome{Kind: credential.OutcomeFailure})
				s.exec.Finish(rc, telemetry.StatusFailed, http.StatusOK, perr)
				return
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				if errors.Is(rerr, context.Canceled) {
					// the client hung up; the upstream and credential are fine
					ls.Finish(credential.Outcome{Kind: credential.OutcomeCancelled})
					s.exec.Finish(rc, telemetry.StatusCancelled, http.StatusOK, nil)
					return
				}
				writeOut(emitter.Fail("upstream connection lost"))
				ls.Finish(credential.Outcome{Kind: credential.OutcomeFailure})
				s.exec.Finish(rc, telemetry.StatusFailed, http.StatusOK, rerr)
				return
			}
			break
		}
	}

	for _, ev := range ls.Parser.Finish() {
		handleEvent(ev)
	}

	if upstreamFail != nil {
		ls.Finish(credential.Outcome{Kind: credential.OutcomeFailure})
		s.exec.Finish(rc, telemetry.StatusFailed, http.StatusOK, upstreamFail)
		return
	}

	outcome := credential.Outcome{Kind: credential.OutcomeSuccess, InputTokens: inTokens, OutputTokens: outTokens}
	status := telemetry.StatusSuccess
	if clientGone {
		outcome = credential.Outcome{Kind: credential.OutcomeCancelled}
		status = telemetry.StatusCancelled
	}
	ls.Finish(outcome)
	s.exec.RecordStreamUsage(rc, inTokens, outTokens, sawUsage, outputText.String())
	s.exec.Finish(rc, status, http.StatusOK, nil)
}

// assistantTurn is the ordinal of the assistant turn this response will
// become, i.e. the number of assistant messages already in the history.
func assistantTurn(body []byte) int {
	n := 0
	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		if msg.Get("role").String() == "assistant" {
			n++
		}
	}
	return n
}
