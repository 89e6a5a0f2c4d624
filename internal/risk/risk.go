// Package risk watches upstream responses for rate-limit pressure and drives
// credential cooldown and recovery.
package risk

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ratelimitPhrases are body substrings that mark a throttled response even
// when the status is not 429.
var ratelimitPhrases = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many",
	"retry after",
	"quota exceeded",
	"throttl",
}

// Signal is a detected rate-limit indication.
type Signal struct {
	Reason     string
	RetryAfter time.Duration
	HasRetry   bool
}

// Detect inspects an upstream response for throttle signals.
func Detect(status int, header http.Header, body []byte) (Signal, bool) {
	var sig Signal
	if ra := header.Get("Retry-After"); ra != "" {
		if d, ok := ParseRetryAfter(ra, time.Now()); ok {
			sig.RetryAfter = d
			sig.HasRetry = true
		}
	}
	if status == http.StatusTooManyRequests {
		sig.Reason = "http 429"
		return sig, true
	}
	lower := strings.ToLower(string(body))
	for _, phrase := range ratelimitPhrases {
		if strings.Contains(lower, phrase) {
			sig.Reason = "body: " + phrase
			return sig, true
		}
	}
	return Signal{}, false
}

// ParseRetryAfter accepts the forms upstreams actually send: bare seconds,
// Go-style durations ("30s"), ISO-8601 durations ("PT30S"), and absolute
// HTTP-date or RFC 3339 timestamps.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if d, err := time.ParseDuration(strings.ToLower(value)); err == nil && d >= 0 {
		return d, true
	}
	if d, ok := parseISODuration(value); ok {
		return d, true
	}
	for _, layout := range []string{http.TimeFormat, time.RFC3339, time.RFC1123} {
		if at, err := time.Parse(layout, value); err == nil {
			if d := at.Sub(now); d > 0 {
				return d, true
			}
			return 0, true
		}
	}
	return 0, false
}

// parseISODuration handles the PT#H#M#S subset.
func parseISODuration(value string) (time.Duration, bool) {
	upper := strings.ToUpper(value)
	if !strings.HasPrefix(upper, "PT") || len(upper) < 4 {
		return 0, false
	}
	var total time.Duration
	num := ""
	for _, r := range upper[2:] {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num += string(r)
		case r == 'H' || r == 'M' || r == 'S':
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, false
			}
			switch r {
			case 'H':
				total += time.Duration(f * float64(time.Hour))
			case 'M':
				total += time.Duration(f * float64(time.Minute))
			case 'S':
				total += time.Duration(f * float64(time.Second))
			}
			num = ""
		default:
			return 0, false
		}
	}
	if num != "" {
		return 0, false
	}
	return total, true
}

// Event records one observed rate limit for a credential.
type Event struct {
	CredentialID string
	Reason       string
	RetryAfter   time.Duration
	At           time.Time
}

// pool is the slice of credential.Pool the controller needs.
type pool interface {
	ReportRateLimit(id string, retryAfter time.Duration)
	MarkUnhealthy(id string)
	PromoteExpired() int
}

// Controller tracks rate-limit events per credential over a rolling window
// and escalates persistently throttled credentials to Unhealthy.
type Controller struct {
	mu     sync.Mutex
	events map[string][]time.Time
	recent []Event

	pool      pool
	window    time.Duration
	threshold int
	capacity  int
	now       func() time.Time
}

// NewController wires the controller to a pool. threshold is the number of
// events inside the window that marks a credential Unhealthy.
func NewController(p pool, window time.Duration, threshold int) *Controller {
	return &Controller{
		events:    make(map[string][]time.Time),
		pool:      p,
		window:    window,
		threshold: threshold,
		capacity:  256,
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Observe records a rate-limit signal and places the credential in cooldown.
func (c *Controller) Observe(credentialID string, sig Signal) {
	now := c.now()

	c.mu.Lock()
	times := append(c.prune(credentialID, now), now)
	c.events[credentialID] = times
	c.recent = append(c.recent, Event{
		CredentialID: credentialID,
		Reason:       sig.Reason,
		RetryAfter:   sig.RetryAfter,
		At:           now,
	})
	if len(c.recent) > c.capacity {
		c.recent = c.recent[len(c.recent)-c.capacity:]
	}
	escalate := len(times) >= c.threshold
	c.mu.Unlock()

	c.pool.ReportRateLimit(credentialID, sig.RetryAfter)
	if escalate {
		log.Warn().
			Str("credential", credentialID).
			Int("events_in_window", len(times)).
			Msg("persistent rate limiting, marking credential unhealthy")
		c.pool.MarkUnhealthy(credentialID)
	}
}

// Level reports the rolling-window event count for a credential.
func (c *Controller) Level(credentialID string) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	times := c.prune(credentialID, now)
	c.events[credentialID] = times
	return len(times)
}

// Events returns recent rate-limit records, newest last.
func (c *Controller) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.recent))
	copy(out, c.recent)
	return out
}

// prune is called with the lock held.
func (c *Controller) prune(credentialID string, now time.Time) []time.Time {
	cutoff := now.Add(-c.window)
	times := c.events[credentialID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Tick runs periodic maintenance: expired cooldowns become selectable again.
func (c *Controller) Tick() {
	if n := c.pool.PromoteExpired(); n > 0 {
		log.Debug().Int("promoted", n).Msg("credentials recovered from cooldown")
	}
}

// Run ticks until ctx is done.
func (c *Controller) Run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}
