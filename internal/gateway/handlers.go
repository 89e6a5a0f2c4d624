package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/relaycore/ai-gateway/internal/config"
	"github.com/relaycore/ai-gateway/internal/gwerr"
	"github.com/relaycore/ai-gateway/internal/pipeline"
	"github.com/relaycore/ai-gateway/internal/stream"
	"github.com/relaycore/ai-gateway/internal/telemetry"
	"github.com/relaycore/ai-gateway/internal/upstream"
)

// handleChatCompletions serves OpenAI-dialect clients.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.serveChat(w, r, stream.DialectOpenAI)
}

// handleMessages serves Anthropic-dialect clients.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.serveChat(w, r, stream.DialectAnthropic)
}

// serveChat reads the request, runs the pipeline, and writes the response in
// the client's dialect.
func (s *Server) serveChat(w http.ResponseWriter, r *http.Request, dialect stream.Dialect) {
	requestID := RequestIDFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeGatewayError(w, requestID, gwerr.Newf(gwerr.KindInvalidRequest, "request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeGatewayError(w, requestID, gwerr.Wrap(gwerr.KindInvalidRequest, "failed to read request body", err))
		return
	}
	if !gjson.ValidBytes(body) {
		writeGatewayError(w, requestID, gwerr.New(gwerr.KindInvalidRequest, "request body is not valid JSON"))
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeGatewayError(w, requestID, gwerr.New(gwerr.KindInvalidRequest, "missing model"))
		return
	}
	isStream := gjson.GetBytes(body, "stream").Bool()

	rc := pipeline.NewRequestContext(dialect, body, isStream)
	rc.RequestID = requestID
	rc.OriginalModel = model
	rc.ClientType = detectClientType(r)
	rc.APIKey = bearerToken(r)

	res, err := s.exec.Execute(r.Context(), rc)
	if err != nil {
		status, httpStatus := failureStatus(r.Context(), err)
		s.exec.Finish(rc, status, httpStatus, err)
		writeGatewayError(w, requestID, err)
		return
	}

	if res.Stream != nil {
		s.pumpStream(w, rc, res.Stream)
		return
	}

	rendered, err := upstream.RenderCompletion(dialect, rc.OriginalModel, *res.Completion)
	if err != nil {
		s.exec.Finish(rc, telemetry.StatusFailed, http.StatusInternalServerError, err)
		writeGatewayError(w, requestID, gwerr.Wrap(gwerr.KindInternal, "response rendering failed", err))
		return
	}
	rendered = s.exec.AfterHooks(rc, rendered)

	s.exec.RecordCompletionUsage(rc, res.Completion)
	s.exec.Finish(rc, telemetry.StatusSuccess, http.StatusOK, nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rendered)
}

// failureStatus maps a pipeline error to the telemetry status and HTTP code.
func failureStatus(ctx context.Context, err error) (telemetry.RequestStatus, int) {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return telemetry.StatusCancelled, gwerr.AsError(err).Kind.HTTPStatus()
	}
	if gwerr.KindOf(err) == gwerr.KindUpstreamTimeout {
		return telemetry.StatusTimeout, gwerr.KindUpstreamTimeout.HTTPStatus()
	}
	return telemetry.StatusFailed, gwerr.AsError(err).Kind.HTTPStatus()
}
