package gateway

import (
	"net/http"
	"time"

	"github.com/relaycore/ai-gateway/internal/config"
	"github.com/relaycore/ai-gateway/internal/credential"
	"github.com/relaycore/ai-gateway/internal/telemetry"
)

// healthResponse is the GET /health body.
type healthResponse struct {
	Status      string                     `json:"status"`
	Uptime      string                     `json:"uptime"`
	Credentials map[string]credentialTally `json:"credentials"`
}

type credentialTally struct {
	Total    int `json:"total"`
	Healthy  int `json:"healthy"`
	Cooldown int `json:"cooldown"`
}

// handleHealth reports liveness and per-provider credential health. Degraded
// means some provider has zero selectable credentials.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Uptime:      time.Since(s.startedAt).Truncate(time.Second).String(),
		Credentials: map[string]credentialTally{},
	}
	for _, snap := range s.pool.Snapshot() {
		tally := resp.Credentials[snap.Provider]
		tally.Total++
		switch snap.Health.Status {
		case credential.Healthy, credential.Degraded:
			if !snap.Disabled {
				tally.Healthy++
			}
		case credential.Cooldown:
			tally.Cooldown++
		}
		resp.Credentials[snap.Provider] = tally
	}
	for _, tally := range resp.Credentials {
		if tally.Healthy == 0 {
			resp.Status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// statsResponse is the GET /stats body.
type statsResponse struct {
	Uptime  string                    `json:"uptime"`
	Totals  telemetry.MetricsSnapshot `json:"totals"`
	Summary telemetry.Summary         `json:"summary"`
	Recent  telemetry.WindowStats     `json:"recent"`
	Pool    []credential.Snapshot     `json:"pool"`
}

// handleStats returns aggregated metrics as JSON.
// Restricted to loopback to keep operational detail off the network.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return
	}
	resp := statsResponse{
		Uptime:  time.Since(s.startedAt).Truncate(time.Second).String(),
		Totals:  s.metrics.Snapshot(),
		Summary: s.store.Summarize(),
		Recent:  s.store.Recent(config.RecentWindow, poolCircuits{s.pool}),
		Pool:    s.pool.Snapshot(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// poolCircuits adapts the pool to the telemetry circuit source.
type poolCircuits struct {
	pool *credential.Pool
}

// NonHealthyProviders counts providers with no selectable credential.
func (pc poolCircuits) NonHealthyProviders() int {
	healthy := map[string]bool{}
	seen := map[string]bool{}
	for _, snap := range pc.pool.Snapshot() {
		seen[snap.Provider] = true
		if !snap.Disabled && (snap.Health.Status == credential.Healthy || snap.Health.Status == credential.Degraded) {
			healthy[snap.Provider] = true
		}
	}
	n := 0
	for p := range seen {
		if !healthy[p] {
			n++
		}
	}
	return n
}
