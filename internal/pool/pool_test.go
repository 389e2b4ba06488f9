package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/huazz233/kiro-proxy/internal/apierr"
	"github.com/huazz233/kiro-proxy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, n int) *Pool {
	t.Helper()
	p := New(ModePriority, nil, nil)
	for i := 1; i <= n; i++ {
		require.NoError(t, p.LoadRecords([]config.CredentialRecord{{
			ID:           i,
			RefreshToken: "refresh-token-that-is-long-enough",
			AuthMethod:   "social",
		}}))
	}
	return p
}

func TestAcquire_DeterministicByPriorityThenInFlight(t *testing.T) {
	p := newTestPool(t, 3)
	require.NoError(t, p.SetPriority(1, 5))
	require.NoError(t, p.SetPriority(2, 1))
	require.NoError(t, p.SetPriority(3, 1))

	// #2 and #3 are tied on priority; whichever the first acquire picks keeps
	// its in-flight lease, so the second acquire must pick the other one on
	// the "fewer in-flight" tier.
	lease, err := p.Acquire("")
	require.NoError(t, err)
	require.Contains(t, []int{2, 3}, lease.Snapshot.ID)

	next, err := p.Acquire("")
	require.NoError(t, err)
	assert.NotEqual(t, lease.Snapshot.ID, next.Snapshot.ID, "the second acquire should avoid the credential already holding an in-flight lease")
	assert.Contains(t, []int{2, 3}, next.Snapshot.ID)
}

func TestAcquire_FairnessUnderFullTies(t *testing.T) {
	const credentials = 4
	const rounds = 20
	p := newTestPool(t, credentials)

	counts := make(map[int]int)
	for i := 0; i < credentials*rounds; i++ {
		lease, err := p.Acquire("")
		require.NoError(t, err)
		counts[lease.Snapshot.ID]++
		lease.ReportSuccess(0, "model")
	}

	for id := 1; id <= credentials; id++ {
		assert.Equal(t, rounds, counts[id], "credential %d should be selected exactly %d times under full ties", id, rounds)
	}
}

func TestAcquire_AffinityStickiness(t *testing.T) {
	p := newTestPool(t, 3)

	lease, err := p.Acquire("user-a")
	require.NoError(t, err)
	bound := lease.Snapshot.ID
	lease.ReportSuccess(0, "model")

	for i := 0; i < 5; i++ {
		next, err := p.Acquire("user-a")
		require.NoError(t, err)
		assert.Equal(t, bound, next.Snapshot.ID, "repeated acquires for the same user id should stick to the bound credential")
		next.ReportSuccess(0, "model")
	}
}

func TestAcquire_AffinityRebindsAfterDisable(t *testing.T) {
	p := newTestPool(t, 2)

	lease, err := p.Acquire("user-a")
	require.NoError(t, err)
	bound := lease.Snapshot.ID
	lease.ReportSuccess(0, "model")

	require.NoError(t, p.SetDisabled(bound, true, ReasonManual))

	next, err := p.Acquire("user-a")
	require.NoError(t, err)
	assert.NotEqual(t, bound, next.Snapshot.ID, "a disabled bound credential must not be returned")
}

func TestRetryEngine_BudgetBounds(t *testing.T) {
	p := newTestPool(t, 2)
	e := NewEngine(p, nil)

	var attempts int
	_, err := Do(context.Background(), e, "", nil, func(ctx context.Context, snap Snapshot) (struct{}, int, string, *apierr.Error) {
		attempts++
		return struct{}{}, 0, "", apierr.UpstreamTransient("boom", nil)
	})

	require.Error(t, err)
	assert.Equal(t, PerRequestMaxAttempts, attempts, "total attempts must not exceed the per-request budget")
}

func TestRetryEngine_PerCredentialBudget(t *testing.T) {
	p := newTestPool(t, 1)
	e := NewEngine(p, nil)

	var attempts int
	var seenCred int
	_, err := Do(context.Background(), e, "", nil, func(ctx context.Context, snap Snapshot) (struct{}, int, string, *apierr.Error) {
		attempts++
		seenCred = snap.ID
		return struct{}{}, 0, "", apierr.CredentialAuth("unauthorized")
	})

	require.Error(t, err)
	assert.Equal(t, 1, seenCred, "the pool only has one credential, so every attempt must target it")
	assert.Equal(t, PerRequestMaxAttempts, attempts, "the request budget still bounds total attempts even when every attempt rotates back to the same sole credential")
}

func TestRetryEngine_InFlightReleasedWhenBudgetExpiresMidLease(t *testing.T) {
	p := newTestPool(t, 1)
	e := NewEngine(p, nil)

	// Every attempt is a credential-auth error, so the final attempt ends on
	// the retry-same-credential path with the lease still held when the
	// request budget runs out. The in-flight slot must still be released.
	_, err := Do(context.Background(), e, "", nil, func(ctx context.Context, snap Snapshot) (struct{}, int, string, *apierr.Error) {
		return struct{}{}, 0, "", apierr.CredentialAuth("unauthorized")
	})
	require.Error(t, err)

	for _, snap := range p.GetAllSnapshots() {
		assert.Zero(t, snap.InFlight, "credential %d leaked an in-flight slot", snap.ID)
	}
}

func TestRetryEngine_SucceedsAfterTransientFailure(t *testing.T) {
	p := newTestPool(t, 2)
	e := NewEngine(p, nil)

	var attempts int
	result, err := Do(context.Background(), e, "", nil, func(ctx context.Context, snap Snapshot) (string, int, string, *apierr.Error) {
		attempts++
		if attempts < 2 {
			return "", 0, "", apierr.UpstreamTransient("boom", nil)
		}
		return "ok", 10, "claude-sonnet-4-5", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestCircuit_TripsAndGates(t *testing.T) {
	p := newTestPool(t, 2)

	for i := 0; i < 2; i++ {
		lease, err := p.Acquire("")
		require.NoError(t, err)
		lease.ReportFailure(FailureModelUnavailable)
	}

	_, err := p.Acquire("")
	require.Error(t, err)
	classified, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindNoCredential, classified.Kind)
}

func TestReportFailure_DisablesAfterFailureCap(t *testing.T) {
	p := newTestPool(t, 1)

	for i := 0; i < FailureCap; i++ {
		lease, err := p.Acquire("")
		require.NoError(t, err)
		lease.ReportFailure(FailureGeneric)
	}

	_, err := p.Acquire("")
	require.Error(t, err, "the only credential should now be disabled")
}

func TestReportFailure_InsufficientBalanceDisablesImmediately(t *testing.T) {
	p := newTestPool(t, 1)
	lease, err := p.Acquire("")
	require.NoError(t, err)
	lease.ReportFailure(FailureInsufficientBalance)

	_, err = p.Acquire("")
	require.Error(t, err)
}

func TestAutoHealSweep_ReEnablesAfterWindow(t *testing.T) {
	p := newTestPool(t, 1)
	for i := 0; i < FailureCap; i++ {
		lease, err := p.Acquire("")
		require.NoError(t, err)
		lease.ReportFailure(FailureGeneric)
	}

	p.mu.Lock()
	p.creds[1].AutoHealAt = p.creds[1].AutoHealAt.Add(-2 * RecoveryWindow)
	p.mu.Unlock()

	p.AutoHealSweep()

	lease, err := p.Acquire("")
	require.NoError(t, err, "a cooled-down credential should be re-enabled by the sweep")
	lease.ReportSuccess(0, "model")
}

func TestConcurrentAcquireReport_NoRaceAndBoundedInFlight(t *testing.T) {
	p := newTestPool(t, 4)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire("")
			if err != nil {
				return
			}
			lease.ReportSuccess(1, "model")
		}()
	}
	wg.Wait()

	for _, snap := range p.GetAllSnapshots() {
		assert.Equal(t, int32(0), snap.InFlight, "every lease should have been released")
	}
}

func TestSelectorRank_BalancedModeCollapsesGroups(t *testing.T) {
	p := newTestPool(t, 3)
	p.SetMode(ModeBalanced)
	require.NoError(t, p.SetPriority(1, 5))
	require.NoError(t, p.SetPriority(2, 1))
	require.NoError(t, p.SetPriority(3, 9))

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		lease, err := p.Acquire("")
		require.NoError(t, err)
		seen[lease.Snapshot.ID] = true
		lease.ReportSuccess(0, "model")
	}
	assert.Len(t, seen, 3, "balanced mode must ignore priority and rotate across every credential")
}

func TestUpdateBalance_SchedulesRefreshByTTLTier(t *testing.T) {
	p := newTestPool(t, 3)
	now := time.Now()

	// Healthy balance, low usage: 30 minute tier.
	p.UpdateBalance(1, 100)
	assert.False(t, p.balanceDue(1, now.Add(29*time.Minute)))
	assert.True(t, p.balanceDue(1, now.Add(31*time.Minute)))

	// Near-empty balance: 24 hour tier.
	p.UpdateBalance(2, 0.5)
	assert.False(t, p.balanceDue(2, now.Add(23*time.Hour)))
	assert.True(t, p.balanceDue(2, now.Add(25*time.Hour)))

	// High usage frequency: 10 minute tier.
	for i := 0; i < 20; i++ {
		p.UpdateBalance(3, 100)
	}
	assert.False(t, p.balanceDue(3, now.Add(9*time.Minute)))
	assert.True(t, p.balanceDue(3, now.Add(11*time.Minute)))

	// Never sampled at all: due immediately.
	assert.True(t, p.balanceDue(99, now))
}

func TestSetDefaultRPM_LimitsAcquisition(t *testing.T) {
	p := newTestPool(t, 1)
	p.SetDefaultRPM(1)

	lease, err := p.Acquire("")
	require.NoError(t, err)
	lease.ReportSuccess(0, "model")

	_, err = p.Acquire("")
	require.Error(t, err, "a credential whose rate limiter is exhausted should not be selected")
}

func TestSetDefaultRPM_ScanDoesNotDrainNonSelectedCredentials(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.SetPriority(1, 0))
	require.NoError(t, p.SetPriority(2, 1))
	p.SetDefaultRPM(1)

	// #1 wins on priority and spends its only token; #2 was scanned but not
	// routed a request, so its budget must be intact.
	lease, err := p.Acquire("")
	require.NoError(t, err)
	assert.Equal(t, 1, lease.Snapshot.ID)
	lease.ReportSuccess(0, "model")

	lease, err = p.Acquire("")
	require.NoError(t, err, "the non-selected credential's budget must survive being scanned")
	assert.Equal(t, 2, lease.Snapshot.ID)
	lease.ReportSuccess(0, "model")

	_, err = p.Acquire("")
	require.Error(t, err, "both budgets are now genuinely spent")
}
