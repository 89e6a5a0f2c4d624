package credential

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoAvailableCredentials is returned when no eligible credential exists.
var ErrNoAvailableCredentials = errors.New("no available credentials")

// StickyStore is the sticky-mapping surface the pool needs. Implemented by
// session.Sticky; an interface here keeps the dependency one-directional.
type StickyStore interface {
	Lookup(fingerprint string) (credentialID string, ok bool)
	Upsert(fingerprint, credentialID string)
	Evict(fingerprint string)
}

// StatsSink receives stat deltas for durable persistence. Implemented by the
// encrypted store; nil disables persistence.
type StatsSink interface {
	UpdateStats(id string, delta StatsDelta) error
}

// PoolOptions tune health transitions and cooldown backoff.
type PoolOptions struct {
	UnhealthyThreshold int
	ProbeDelay         time.Duration
	CooldownBase       time.Duration
	CooldownCap        time.Duration
	// StickyMode is one of disabled, pin_on_first_use, pin_on_success.
	StickyMode string
}

// Pool owns all credentials for all providers, keyed by id.
type Pool struct {
	mu       sync.RWMutex
	creds    map[string]*Credential
	strategy Strategy
	opts     PoolOptions
	sticky   StickyStore
	sink     StatsSink
	now      func() time.Time

	// completed loan accounting, by outcome
	completedSuccess   int64
	completedFailure   int64
	completedCancelled int64
}

// NewPool creates a pool with the given strategy. sticky and sink may be nil.
func NewPool(strategy Strategy, opts PoolOptions, sticky StickyStore, sink StatsSink) *Pool {
	if opts.UnhealthyThreshold <= 0 {
		opts.UnhealthyThreshold = 3
	}
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = 30 * time.Second
	}
	if opts.CooldownCap <= 0 {
		opts.CooldownCap = 15 * time.Minute
	}
	if opts.ProbeDelay <= 0 {
		opts.ProbeDelay = time.Minute
	}
	return &Pool{
		creds:    make(map[string]*Credential),
		strategy: strategy,
		opts:     opts,
		sticky:   sticky,
		sink:     sink,
		now:      time.Now,
	}
}

// SetClock overrides the pool clock. Tests only.
func (p *Pool) SetClock(now func() time.Time) { p.now = now }

// Add registers a credential. The id must be unique within the process.
func (p *Pool) Add(c *Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.creds[c.ID]; exists {
		return fmt.Errorf("credential %q already registered", c.ID)
	}
	if c.Health.Status == "" {
		c.Health.Status = Healthy
	}
	if c.Stats.FirstSeen.IsZero() {
		c.Stats.FirstSeen = p.now()
	}
	p.creds[c.ID] = c
	return nil
}

// Loan asserts one in-flight use of a credential. Release or Cancel exactly
// once; Close converts an unreleased loan into a cancelled release.
type Loan struct {
	CredentialID string
	Provider     string
	Secret       string
	Refresh      string
	BaseURL      string
	ProxyURL     string
	Sticky       bool

	pool        *Pool
	fingerprint string
	once        sync.Once
}

// AcquireOptions narrow the candidate set for one acquire.
type AcquireOptions struct {
	SessionFingerprint string
	// Exclude lists credential ids already tried for this logical request.
	Exclude map[string]bool
}

// Acquire selects a credential for the provider/model and returns a loan.
func (p *Pool) Acquire(provider, model string, opts AcquireOptions) (*Loan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	candidates := make([]*Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if c.Provider != provider || opts.Exclude[c.ID] {
			continue
		}
		if !c.eligible(model, now) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, ErrNoAvailableCredentials
	}
	// Healthy candidates shadow degraded ones; degraded is a fallback tier.
	healthy := candidates[:0:0]
	for _, c := range candidates {
		if c.Health.Status == Healthy {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) > 0 {
		candidates = healthy
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	var pick *Credential
	stickyHit := false
	if opts.SessionFingerprint != "" && p.sticky != nil && p.opts.StickyMode != "disabled" {
		if id, ok := p.sticky.Lookup(opts.SessionFingerprint); ok {
			for _, c := range candidates {
				if c.ID == id {
					pick = c
					stickyHit = true
					break
				}
			}
		}
	}
	if pick == nil {
		pick = p.strategy.Select(candidates, model)
	}

	// A cooldown or unhealthy credential picked past its deadline is probing:
	// mark degraded until the attempt resolves.
	if pick.Health.Status == Cooldown || pick.Health.Status == Unhealthy {
		pick.Health.Status = Degraded
		pick.Health.CooldownUntil = time.Time{}
	}

	pick.inFlight++
	pick.Stats.Requests++
	pick.Stats.LastUsed = now

	if opts.SessionFingerprint != "" && p.sticky != nil && p.opts.StickyMode == "pin_on_first_use" && !stickyHit {
		p.sticky.Upsert(opts.SessionFingerprint, pick.ID)
	}

	log.Debug().
		Str("credential_id", pick.ID).
		Str("provider", provider).
		Str("model", model).
		Bool("sticky", stickyHit).
		Msg("credential acquired")

	return &Loan{
		CredentialID: pick.ID,
		Provider:     pick.Provider,
		Secret:       pick.Secret,
		Refresh:      pick.Refresh,
		BaseURL:      pick.BaseURL,
		ProxyURL:     pick.ProxyURL,
		Sticky:       stickyHit,
		pool:         p,
		fingerprint:  opts.SessionFingerprint,
	}, nil
}

// Release returns the loan with a terminal outcome. Safe to call once; later
// calls (including Close) are no-ops.
func (l *Loan) Release(outcome Outcome) {
	l.once.Do(func() { l.pool.release(l, outcome) })
}

// Close treats an unreleased loan as cancelled. Intended for defer.
func (l *Loan) Close() {
	l.Release(Outcome{Kind: OutcomeCancelled})
}

func (p *Pool) release(l *Loan, outcome Outcome) {
	p.mu.Lock()
	c, ok := p.creds[l.CredentialID]
	if !ok {
		p.mu.Unlock()
		log.Warn().Str("credential_id", l.CredentialID).Msg("release for unknown credential")
		return
	}
	now := p.now()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.Health.LastCheck = now

	delta := StatsDelta{}
	switch outcome.Kind {
	case OutcomeSuccess:
		p.completedSuccess++
		c.Stats.Successes++
		c.Stats.InputTokens += outcome.InputTokens
		c.Stats.OutputTokens += outcome.OutputTokens
		delta.Successes = 1
		delta.InputTokens = outcome.InputTokens
		delta.OutputTokens = outcome.OutputTokens
		// Any success fully recovers the credential.
		c.Health.ConsecutiveFailures = 0
		c.Health.RateLimitObservations = 0
		c.Health.Status = Healthy
		c.Health.CooldownUntil = time.Time{}
		c.Health.ProbeAt = time.Time{}
		if l.fingerprint != "" && p.sticky != nil && p.opts.StickyMode == "pin_on_success" {
			p.sticky.Upsert(l.fingerprint, c.ID)
		}
	case OutcomeFailure, OutcomeTimeout:
		p.completedFailure++
		c.Stats.Failures++
		delta.Failures = 1
		c.Health.ConsecutiveFailures++
		if c.Health.ConsecutiveFailures >= p.opts.UnhealthyThreshold {
			c.Health.Status = Unhealthy
			c.Health.ProbeAt = now.Add(p.opts.ProbeDelay)
		} else if c.Health.Status == Healthy {
			c.Health.Status = Degraded
		}
	case OutcomeCancelled:
		p.completedCancelled++
	}
	delta.Requests = 1
	status := c.Health.Status
	p.mu.Unlock()

	if p.sink != nil {
		if err := p.sink.UpdateStats(l.CredentialID, delta); err != nil {
			log.Error().Err(err).Str("credential_id", l.CredentialID).Msg("persist stats failed")
		}
	}
	log.Debug().
		Str("credential_id", l.CredentialID).
		Str("outcome", outcome.Kind.String()).
		Str("health", string(status)).
		Msg("credential released")
}

// ReportRateLimit places the loan's credential in cooldown. The window is the
// larger of the upstream Retry-After and the doubling backoff.
func (l *Loan) ReportRateLimit(retryAfter time.Duration) {
	l.pool.reportRateLimit(l.CredentialID, retryAfter)
}

// ReportRateLimit is the by-id form used by the risk controller.
func (p *Pool) ReportRateLimit(id string, retryAfter time.Duration) {
	p.reportRateLimit(id, retryAfter)
}

func (p *Pool) reportRateLimit(id string, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.creds[id]
	if !ok {
		return
	}
	now := p.now()
	c.Health.RateLimitObservations++
	backoff := p.opts.CooldownBase << (c.Health.RateLimitObservations - 1)
	if backoff > p.opts.CooldownCap || backoff <= 0 {
		backoff = p.opts.CooldownCap
	}
	until := now.Add(backoff)
	if ra := now.Add(retryAfter); retryAfter > 0 && ra.After(until) {
		until = ra
	}
	c.Health.Status = Cooldown
	c.Health.CooldownUntil = until
	log.Info().
		Str("credential_id", id).
		Time("cooldown_until", until).
		Int("observations", c.Health.RateLimitObservations).
		Msg("credential entered cooldown")
}

// SetDisabled enables or disables a credential.
func (p *Pool) SetDisabled(id string, disabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.creds[id]
	if !ok {
		return fmt.Errorf("credential %q not found", id)
	}
	c.Disabled = disabled
	return nil
}

// PromoteExpired returns cooled-down credentials to Healthy once their window
// has passed. Called by the risk controller's maintenance tick.
func (p *Pool) PromoteExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	promoted := 0
	for _, c := range p.creds {
		if c.Health.Status == Cooldown && !c.Health.CooldownUntil.After(now) {
			c.Health.Status = Healthy
			c.Health.CooldownUntil = time.Time{}
			promoted++
		}
	}
	return promoted
}

// MarkUnhealthy force-demotes a credential. Used by the risk controller when
// sustained rate limiting indicates the credential should stop probing.
func (p *Pool) MarkUnhealthy(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.creds[id]; ok {
		c.Health.Status = Unhealthy
		c.Health.ProbeAt = p.now().Add(p.opts.ProbeDelay)
	}
}

// Snapshot returns read-only copies of every credential, sorted by id.
func (p *Pool) Snapshot() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Snapshot, 0, len(p.creds))
	for _, c := range p.creds {
		out = append(out, Snapshot{
			ID:       c.ID,
			Provider: c.Provider,
			Disabled: c.Disabled,
			Priority: c.Priority,
			InFlight: c.inFlight,
			Stats:    c.Stats,
			Health:   c.Health,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a snapshot of one credential.
func (p *Pool) Get(id string) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.creds[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		ID: c.ID, Provider: c.Provider, Disabled: c.Disabled,
		Priority: c.Priority, InFlight: c.inFlight, Stats: c.Stats, Health: c.Health,
	}, true
}

// CompletedLoans returns totals by outcome: successes, failures (incl.
// timeouts), cancellations.
func (p *Pool) CompletedLoans() (success, failure, cancelled int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.completedSuccess, p.completedFailure, p.completedCancelled
}

// NonHealthyProviders counts provider types with at least one non-healthy
// credential. Telemetry approximates open circuits with this.
func (p *Pool) NonHealthyProviders() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := map[string]bool{}
	for _, c := range p.creds {
		if c.Health.Status != Healthy && !seen[c.Provider] {
			seen[c.Provider] = true
		}
	}
	return len(seen)
}
