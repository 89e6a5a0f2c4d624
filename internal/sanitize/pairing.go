package sanitize

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/relaycore/ai-gateway/internal/gwerr"
)

// LockoutError reports how long pairing stays locked.
type LockoutError struct {
	Remaining time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("pairing locked for another %s", e.Remaining.Round(time.Second))
}

// LockoutRemaining extracts the remaining lockout from an error chain.
func LockoutRemaining(err error) (time.Duration, bool) {
	var le *LockoutError
	if errors.As(err, &le) {
		return le.Remaining, true
	}
	return 0, false
}

// PairingGuard exchanges a one-shot 6-digit code for a bearer token. Only
// token digests are kept; the raw token is returned exactly once. Repeated
// failures trip a lockout that also rejects the correct code.
type PairingGuard struct {
	mu sync.Mutex

	code         string
	tokenDigests map[string]struct{}

	maxFailures   int
	failureWindow time.Duration
	lockout       time.Duration
	failures      []time.Time
	lockedUntil   time.Time

	now func() time.Time
}

func NewPairingGuard(maxFailures int, failureWindow, lockout time.Duration) (*PairingGuard, error) {
	g := &PairingGuard{
		tokenDigests:  make(map[string]struct{}),
		maxFailures:   maxFailures,
		failureWindow: failureWindow,
		lockout:       lockout,
		now:           time.Now,
	}
	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	g.code = code
	return g, nil
}

// SetClock overrides the time source for tests.
func (g *PairingGuard) SetClock(now func() time.Time) { g.now = now }

// Code returns the active pairing code for display on the console.
func (g *PairingGuard) Code() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.code
}

// Pair validates the submitted code and mints a bearer token. The comparison
// is constant time; the code is consumed on success.
func (g *PairingGuard) Pair(code string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	if now.Before(g.lockedUntil) {
		return "", &LockoutError{Remaining: g.lockedUntil.Sub(now)}
	}

	if g.code == "" || subtle.ConstantTimeCompare([]byte(code), []byte(g.code)) != 1 {
		g.recordFailure(now)
		return "", gwerr.New(gwerr.KindAuthenticationError, "invalid pairing code")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", gwerr.Wrap(gwerr.KindInternal, "token generation failed", err)
	}
	token := hex.EncodeToString(raw)
	digest := sha256.Sum256([]byte(token))
	g.tokenDigests[hex.EncodeToString(digest[:])] = struct{}{}

	g.code = ""
	g.failures = nil
	return token, nil
}

// Authorize checks a presented bearer token against the stored digests.
func (g *PairingGuard) Authorize(token string) bool {
	digest := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(digest[:])
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.tokenDigests[key]
	return ok
}

// recordFailure is called with the lock held.
func (g *PairingGuard) recordFailure(now time.Time) {
	cutoff := now.Add(-g.failureWindow)
	kept := g.failures[:0]
	for _, t := range g.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.failures = append(kept, now)
	if len(g.failures) >= g.maxFailures {
		g.lockedUntil = now.Add(g.lockout)
		g.failures = nil
	}
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
