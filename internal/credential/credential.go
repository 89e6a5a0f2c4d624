// Package credential owns the upstream credential pool.
//
// DESIGN: The pool is the single owner of credential state. Request code never
// holds a *Credential across an await point; it holds a Loan and talks back to
// the pool on completion. Selection strategies operate on snapshots taken
// under the pool lock.
package credential

import (
	"strings"
	"time"
)

// HealthStatus is the selectability state of a credential.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
	Cooldown  HealthStatus = "cooldown"
)

// Health tracks failure and cooldown state for one credential.
type Health struct {
	Status              HealthStatus `json:"status"`
	LastCheck           time.Time    `json:"last_check"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	CooldownUntil       time.Time    `json:"cooldown_until,omitzero"`
	ProbeAt             time.Time    `json:"probe_at,omitzero"`
	// RateLimitObservations drives the doubling cooldown backoff.
	RateLimitObservations int `json:"rate_limit_observations"`
}

// Stats are per-credential usage counters.
type Stats struct {
	Requests     int64     `json:"requests"`
	Successes    int64     `json:"successes"`
	Failures     int64     `json:"failures"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	FirstSeen    time.Time `json:"first_seen"`
	LastUsed     time.Time `json:"last_used,omitzero"`
}

// StatsDelta is applied to stats on loan release.
type StatsDelta struct {
	Requests     int64
	Successes    int64
	Failures     int64
	InputTokens  int64
	OutputTokens int64
}

// Credential is one authenticated identity against an upstream provider.
type Credential struct {
	ID       string
	Provider string
	// Secret is the API key, refresh-derived bearer, or OAuth token.
	Secret string
	// Refresh is optional refresh material for token-based auth modes.
	Refresh string
	// BaseURL overrides the provider default endpoint when set.
	BaseURL string
	// Models lists servable model names; "*" or empty means all.
	Models   []string
	ProxyURL string
	Disabled bool
	Priority int
	Stats    Stats
	Health   Health

	inFlight int
}

// CanServe reports whether the credential can serve the given model.
func (c *Credential) CanServe(model string) bool {
	if len(c.Models) == 0 {
		return true
	}
	for _, m := range c.Models {
		if m == "*" || m == model {
			return true
		}
		if strings.HasSuffix(m, "*") && strings.HasPrefix(model, strings.TrimSuffix(m, "*")) {
			return true
		}
	}
	return false
}

// InFlight returns the current in-flight loan count.
func (c *Credential) InFlight() int { return c.inFlight }

// eligible reports whether the credential passes the selection filter at now.
// Unhealthy credentials are admitted only once their half-open probe is due.
func (c *Credential) eligible(model string, now time.Time) bool {
	if c.Disabled || !c.CanServe(model) {
		return false
	}
	switch c.Health.Status {
	case Cooldown:
		return !c.Health.CooldownUntil.After(now)
	case Unhealthy:
		return !c.Health.ProbeAt.IsZero() && !c.Health.ProbeAt.After(now)
	default:
		return true
	}
}

// Outcome is the terminal result of one loan.
type Outcome struct {
	Kind         OutcomeKind
	InputTokens  int64
	OutputTokens int64
}

// OutcomeKind classifies how a loan ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeTimeout
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "cancelled"
	}
}

// Snapshot is a read-only copy of credential state for dashboards and tests.
type Snapshot struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Disabled bool   `json:"disabled"`
	Priority int    `json:"priority"`
	InFlight int    `json:"in_flight"`
	Stats    Stats  `json:"stats"`
	Health   Health `json:"health"`
}
