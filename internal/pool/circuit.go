package pool

import (
	"sync/atomic"
	"time"
)

// Circuit is the process-wide global circuit breaker: when the upstream
// reports MODEL_TEMPORARILY_UNAVAILABLE twice, it trips and gates
// acquisition for RecoveryWindow. Implemented with plain atomics: a trip
// counter and an open-until instant.
type Circuit struct {
	counter       atomic.Int32
	openUntilNano atomic.Int64
	window        time.Duration
}

func NewCircuit(window time.Duration) *Circuit {
	if window <= 0 {
		window = RecoveryWindow
	}
	return &Circuit{window: window}
}

// IsOpen reports whether the circuit currently gates acquisition.
func (c *Circuit) IsOpen() bool {
	return time.Now().UnixNano() < c.openUntilNano.Load()
}

// ReportModelUnavailable increments the trip counter and, at threshold (2),
// opens the gate for the recovery window and resets the counter. Returns
// true if this call tripped the circuit open.
func (c *Circuit) ReportModelUnavailable() bool {
	n := c.counter.Add(1)
	if n >= 2 {
		c.openUntilNano.Store(time.Now().Add(c.window).UnixNano())
		c.counter.Store(0)
		return true
	}
	return false
}

// ReportSuccess resets the trip counter; it does not close an already-open
// gate early (the gate closes on its own after the recovery window).
func (c *Circuit) ReportSuccess() {
	c.counter.Store(0)
}

// OpenUntil returns the instant the gate closes, zero if not open.
func (c *Circuit) OpenUntil() time.Time {
	nano := c.openUntilNano.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}
