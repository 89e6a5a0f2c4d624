package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSticky struct {
	m map[string]string
}

func newFakeSticky() *fakeSticky { return &fakeSticky{m: map[string]string{}} }

func (f *fakeSticky) Lookup(fp string) (string, bool) {
	id, ok := f.m[fp]
	return id, ok
}
func (f *fakeSticky) Upsert(fp, id string) { f.m[fp] = id }
func (f *fakeSticky) Evict(fp string)      { delete(f.m, fp) }

func testPool(t *testing.T, strategy string, sticky StickyStore) *Pool {
	t.Helper()
	return NewPool(NewStrategy(strategy), PoolOptions{
		UnhealthyThreshold: 2,
		ProbeDelay:         time.Minute,
		CooldownBase:       30 * time.Second,
		CooldownCap:        2 * time.Minute,
		StickyMode:         "pin_on_first_use",
	}, sticky, nil)
}

func addCred(t *testing.T, p *Pool, id, provider string, models ...string) {
	t.Helper()
	require.NoError(t, p.Add(&Credential{ID: id, Provider: provider, Secret: "sk-" + id, Models: models}))
}

func TestAcquireEmptyPool(t *testing.T) {
	p := testPool(t, "round_robin", nil)
	_, err := p.Acquire("anthropic", "claude-sonnet-x", AcquireOptions{})
	assert.ErrorIs(t, err, ErrNoAvailableCredentials)
}

func TestAcquireFiltersProviderAndModel(t *testing.T) {
	p := testPool(t, "round_robin", nil)
	addCred(t, p, "a", "anthropic", "claude-sonnet-x")
	addCred(t, p, "b", "openai", "gpt-4")

	loan, err := p.Acquire("anthropic", "claude-sonnet-x", AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a", loan.CredentialID)
	loan.Release(Outcome{Kind: OutcomeSuccess})

	_, err = p.Acquire("anthropic", "gpt-4", AcquireOptions{})
	assert.ErrorIs(t, err, ErrNoAvailableCredentials)
}

func TestAcquireExcludesTriedCredentials(t *testing.T) {
	p := testPool(t, "round_robin", nil)
	addCred(t, p, "a", "anthropic")
	addCred(t, p, "b", "anthropic")

	loan, err := p.Acquire("anthropic", "m", AcquireOptions{Exclude: map[string]bool{"a": true}})
	require.NoError(t, err)
	assert.Equal(t, "b", loan.CredentialID)
	loan.Close()

	_, err = p.Acquire("anthropic", "m", AcquireOptions{Exclude: map[string]bool{"a": true, "b": true}})
	assert.ErrorIs(t, err, ErrNoAvailableCredentials)
}

func TestCooldownBlocksUntilExpiry(t *testing.T) {
	now := time.Now()
	p := testPool(t, "round_robin", nil)
	p.SetClock(func() time.Time { return now })
	addCred(t, p, "a", "anthropic")

	loan, err := p.Acquire("anthropic", "m", AcquireOptions{})
	require.NoError(t, err)
	loan.ReportRateLimit(30 * time.Second)
	loan.Release(Outcome{Kind: OutcomeFailure})

	snap, _ := p.Get("a")
	assert.Equal(t, Cooldown, snap.Health.Status)
	assert.WithinDuration(t, now.Add(30*time.Second), snap.Health.CooldownUntil, time.Second)

	_, err = p.Acquire("anthropic", "m", AcquireOptions{})
	assert.ErrorIs(t, err, ErrNoAvailableCredentials)

	// Recovery exactly at the deadline.
	now = now.Add(30 * time.Second)
	loan2, err := p.Acquire("anthropic", "m", AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a", loan2.CredentialID)
	loan2.Release(Outcome{Kind: OutcomeSuccess})

	snap, _ = p.Get("a")
	assert.Equal(t, Healthy, snap.Health.Status)
	assert.Zero(t, snap.Health.RateLimitObservations)
}

func TestCooldownBackoffDoublesAndClamps(t *testing.T) {
	now := time.Now()
	p := testPool(t, "round_robin", nil)
	p.SetClock(func() time.Time { return now })
	addCred(t, p, "a", "anthropic")

	// No Retry-After: cooldown follows the doubling base.
	p.reportRateLimit("a", 0)
	snap, _ := p.Get("a")
	assert.Equal(t, now.Add(30*time.Second), snap.Health.CooldownUntil)

	p.reportRateLimit("a", 0)
	snap, _ = p.Get("a")
	assert.Equal(t, now.Add(time.Minute), snap.Health.CooldownUntil)

	// Third observation would be 2m (the cap); a fourth stays clamped.
	p.reportRateLimit("a", 0)
	p.reportRateLimit("a", 0)
	snap, _ = p.Get("a")
	assert.Equal(t, now.Add(2*time.Minute), snap.Health.CooldownUntil)
}

func TestRetryAfterWinsOverBackoff(t *testing.T) {
	now := time.Now()
	p := testPool(t, "round_robin", nil)
	p.SetClock(func() time.Time { return now })
	addCred(t, p, "a", "anthropic")

	p.reportRateLimit("a", 5*time.Minute)
	snap, _ := p.Get("a")
	assert.Equal(t, now.Add(5*time.Minute), snap.Health.CooldownUntil)
}

func TestConsecutiveFailuresMarkUnhealthy(t *testing.T) {
	p := testPool(t, "round_robin", nil)
	addCred(t, p, "a", "anthropic")

	for i := 0; i < 2; i++ {
		loan, err := p.Acquire("anthropic", "m", AcquireOptions{})
		require.NoError(t, err)
		loan.Release(Outcome{Kind: OutcomeFailure})
	}
	snap, _ := p.Get("a")
	assert.Equal(t, Unhealthy, snap.Health.Status)
	assert.False(t, snap.Health.ProbeAt.IsZero())

	// Not selectable before the probe deadline.
	_, err := p.Acquire("anthropic", "m", AcquireOptions{})
	assert.ErrorIs(t, err, ErrNoAvailableCredentials)
}

func TestHalfOpenProbeThenRecovery(t *testing.T) {
	now := time.Now()
	p := testPool(t, "round_robin", nil)
	p.SetClock(func() time.Time { return now })
	addCred(t, p, "a", "anthropic")

	for i := 0; i < 2; i++ {
		loan, _ := p.Acquire("anthropic", "m", AcquireOptions{})
		loan.Release(Outcome{Kind: OutcomeFailure})
	}

	now = now.Add(time.Minute)
	loan, err := p.Acquire("anthropic", "m", AcquireOptions{})
	require.NoError(t, err)
	loan.Release(Outcome{Kind: OutcomeSuccess})

	snap, _ := p.Get("a")
	assert.Equal(t, Healthy, snap.Health.Status)
	assert.Zero(t, snap.Health.ConsecutiveFailures)
}

func TestStickyPinAndReuse(t *testing.T) {
	sticky := newFakeSticky()
	p := testPool(t, "round_robin", sticky)
	addCred(t, p, "a", "anthropic")
	addCred(t, p, "b", "anthropic")

	loan, err := p.Acquire("anthropic", "m", AcquireOptions{SessionFingerprint: "fp1"})
	require.NoError(t, err)
	pinned := loan.CredentialID
	loan.Release(Outcome{Kind: OutcomeSuccess})

	// Every subsequent acquire on the same fingerprint returns the pin, even
	// though round-robin would otherwise rotate.
	for i := 0; i < 3; i++ {
		l, err := p.Acquire("anthropic", "m", AcquireOptions{SessionFingerprint: "fp1"})
		require.NoError(t, err)
		assert.Equal(t, pinned, l.CredentialID)
		l.Release(Outcome{Kind: OutcomeSuccess})
	}
}

func TestStickySkippedWhenTargetIneligible(t *testing.T) {
	sticky := newFakeSticky()
	sticky.Upsert("fp1", "a")
	p := testPool(t, "round_robin", sticky)
	addCred(t, p, "a", "anthropic")
	addCred(t, p, "b", "anthropic")
	require.NoError(t, p.SetDisabled("a", true))

	loan, err := p.Acquire("anthropic", "m", AcquireOptions{SessionFingerprint: "fp1"})
	require.NoError(t, err)
	assert.Equal(t, "b", loan.CredentialID)
	loan.Close()
}

func TestDroppedLoanCountsAsCancelled(t *testing.T) {
	p := testPool(t, "round_robin", nil)
	addCred(t, p, "a", "anthropic")

	loan, err := p.Acquire("anthropic", "m", AcquireOptions{})
	require.NoError(t, err)
	loan.Close()
	loan.Release(Outcome{Kind: OutcomeSuccess}) // no-op after Close

	success, failure, cancelled := p.CompletedLoans()
	assert.Equal(t, int64(0), success)
	assert.Equal(t, int64(0), failure)
	assert.Equal(t, int64(1), cancelled)

	snap, _ := p.Get("a")
	assert.Equal(t, 0, snap.InFlight)
}

func TestLoanAccountingInvariant(t *testing.T) {
	p := testPool(t, "least_loaded", nil)
	addCred(t, p, "a", "anthropic")

	outcomes := []OutcomeKind{OutcomeSuccess, OutcomeFailure, OutcomeCancelled, OutcomeSuccess, OutcomeTimeout}
	for _, k := range outcomes {
		loan, err := p.Acquire("anthropic", "m", AcquireOptions{})
		require.NoError(t, err)
		loan.Release(Outcome{Kind: k})
	}
	success, failure, cancelled := p.CompletedLoans()
	assert.Equal(t, int64(len(outcomes)), success+failure+cancelled)
}

func TestDegradedUsedOnlyWhenNoHealthy(t *testing.T) {
	p := testPool(t, "round_robin", nil)
	addCred(t, p, "a", "anthropic")
	addCred(t, p, "b", "anthropic")

	// One failure leaves "a" degraded but below the unhealthy threshold.
	loan, _ := p.Acquire("anthropic", "m", AcquireOptions{Exclude: map[string]bool{"b": true}})
	loan.Release(Outcome{Kind: OutcomeFailure})

	for i := 0; i < 4; i++ {
		l, err := p.Acquire("anthropic", "m", AcquireOptions{})
		require.NoError(t, err)
		assert.Equal(t, "b", l.CredentialID)
		l.Release(Outcome{Kind: OutcomeSuccess})
	}

	// With "b" excluded the degraded credential is still usable.
	l, err := p.Acquire("anthropic", "m", AcquireOptions{Exclude: map[string]bool{"b": true}})
	require.NoError(t, err)
	assert.Equal(t, "a", l.CredentialID)
	l.Close()
}

func TestDuplicateIDRejected(t *testing.T) {
	p := testPool(t, "round_robin", nil)
	addCred(t, p, "a", "anthropic")
	err := p.Add(&Credential{ID: "a", Provider: "anthropic"})
	assert.Error(t, err)
}
