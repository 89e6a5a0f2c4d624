package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/relaycore/ai-gateway/internal/gwerr"
)

// pairRequest is the POST /pair body.
type pairRequest struct {
	Code string `json:"code"`
}

// pairResponse carries the minted bearer token. The token is shown exactly
// once; only its digest survives on the server.
type pairResponse struct {
	Token string `json:"token"`
}

// handlePair exchanges the console pairing code for a bearer token.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFrom(r.Context())
	if s.guard == nil {
		writeGatewayError(w, requestID, gwerr.New(gwerr.KindInvalidRequest, "pairing is not enabled"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeGatewayError(w, requestID, gwerr.New(gwerr.KindInvalidRequest, "missing pairing code"))
		return
	}

	token, err := s.guard.Pair(req.Code)
	if err != nil {
		log.Warn().Str("request_id", requestID).Str("remote", r.RemoteAddr).Msg("pairing attempt rejected")
		writeGatewayError(w, requestID, err)
		return
	}

	log.Info().Str("request_id", requestID).Msg("client paired")
	writeJSON(w, http.StatusCreated, pairResponse{Token: token})
}
