// Package gateway is the HTTP surface of the AI gateway.
//
// DESIGN: Main request flow:
//   - handleChatCompletions(): OpenAI-dialect entry point
//   - handleMessages():        Anthropic-dialect entry point
//   - serveChat():             shared pipeline invocation
//   - pumpStream():            SSE translation loop for streaming requests
//
// Also includes pairing, health check, and the loopback-only stats endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/relaycore/ai-gateway/internal/config"
	"github.com/relaycore/ai-gateway/internal/credential"
	"github.com/relaycore/ai-gateway/internal/gwerr"
	"github.com/relaycore/ai-gateway/internal/pipeline"
	"github.com/relaycore/ai-gateway/internal/sanitize"
	"github.com/relaycore/ai-gateway/internal/session"
	"github.com/relaycore/ai-gateway/internal/telemetry"
)

// Server owns the HTTP listener and the request pipeline.
type Server struct {
	cfg        *config.Config
	exec       *pipeline.Executor
	pool       *credential.Pool
	store      *telemetry.Store
	metrics    *telemetry.MetricsCollector
	guard      *sanitize.PairingGuard
	sanitizer  *sanitize.Sanitizer
	signatures *session.SignatureStore
	startedAt  time.Time

	httpServer *http.Server
}

// Options collects the collaborators the server needs beyond the executor.
type Options struct {
	Config     *config.Config
	Executor   *pipeline.Executor
	Pool       *credential.Pool
	Store      *telemetry.Store
	Metrics    *telemetry.MetricsCollector
	Guard      *sanitize.PairingGuard
	Sanitizer  *sanitize.Sanitizer
	Signatures *session.SignatureStore
}

// New builds the server. Guard may be nil when pairing is disabled.
func New(opts Options) *Server {
	return &Server{
		cfg:        opts.Config,
		exec:       opts.Executor,
		pool:       opts.Pool,
		store:      opts.Store,
		metrics:    opts.Metrics,
		guard:      opts.Guard,
		sanitizer:  opts.Sanitizer,
		signatures: opts.Signatures,
		startedAt:  time.Now(),
	}
}

// Router assembles the route table with middleware applied.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.accessLogMiddleware)

	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/messages", s.handleMessages)
	r.Post("/pair", s.handlePair)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// writeJSON writes a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeGatewayError writes the error envelope for a pipeline failure. The
// status comes from the error kind; a pairing lockout additionally carries
// Retry-After.
func writeGatewayError(w http.ResponseWriter, requestID string, err error) {
	if remaining, ok := sanitize.LockoutRemaining(err); ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(remaining.Seconds()+0.5)))
		err = gwerr.Wrap(gwerr.KindAuthenticationError, "pairing temporarily locked", err)
	}
	writeJSON(w, gwerr.AsError(err).Kind.HTTPStatus(), gwerr.NewEnvelope(err, requestID))
}
