package pool

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// AutoHealInterval is how often the background sweep checks for credentials
// whose cooldown has elapsed.
const AutoHealInterval = 30 * time.Second

// RunAutoHeal starts a background goroutine that periodically re-enables
// cooled-down credentials. Acquire itself does not re-check cooldowns, so
// this sweep is what brings them back.
func (p *Pool) RunAutoHeal(ctx context.Context) {
	ticker := time.NewTicker(AutoHealInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.AutoHealSweep()
			}
		}
	}()
}

// BalanceRefreshFunc queries the upstream balance endpoint for a single
// credential; supplied by the executor package to avoid a pool -> executor
// import cycle.
type BalanceRefreshFunc func(ctx context.Context, snap Snapshot) (float64, error)

// RunInitialBalanceSweep performs the startup balance query over every
// credential, sequentially with 500ms spacing to avoid upstream rate limits.
func (p *Pool) RunInitialBalanceSweep(ctx context.Context, query BalanceRefreshFunc) {
	p.balanceSweep(ctx, p.GetAllSnapshots(), query)
}

// RunDueBalanceSweep refreshes only the credentials whose cached balance
// has outlived its usage-frequency-derived TTL (or was never sampled), with
// the same spacing as the startup sweep. Hot credentials come due every 10
// minutes while near-empty ones back off to daily, so the caller's tick
// interval only bounds how promptly an expiry is noticed.
func (p *Pool) RunDueBalanceSweep(ctx context.Context, query BalanceRefreshFunc) {
	now := time.Now()
	snaps := p.GetAllSnapshots()
	due := snaps[:0:0]
	for _, snap := range snaps {
		if p.balanceDue(snap.ID, now) {
			due = append(due, snap)
		}
	}
	p.balanceSweep(ctx, due, query)
}

// balanceSweep queries each snapshot one at a time, 500ms apart. A semaphore
// of weight 1 makes the one-at-a-time pacing explicit.
func (p *Pool) balanceSweep(ctx context.Context, snaps []Snapshot, query BalanceRefreshFunc) {
	sem := semaphore.NewWeighted(1)
	for i, snap := range snaps {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		remaining, err := query(ctx, snap)
		sem.Release(1)
		if err != nil {
			p.log.WithError(err).WithField("credential", snap.ID).Warn("pool: balance query failed")
			continue
		}
		p.UpdateBalance(snap.ID, remaining)
	}
}
