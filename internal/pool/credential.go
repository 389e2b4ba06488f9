// Package pool implements the credential pool, selection algorithm, retry
// engine, global circuit breaker, balance cache, and affinity map described
// by the data model and component design.
package pool

import (
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// AuthFlavor distinguishes the two Kiro OAuth refresh mechanics.
type AuthFlavor string

const (
	FlavorSocial AuthFlavor = "social"
	FlavorIDC    AuthFlavor = "idc"
)

// DisableReason records why a credential is currently disabled.
type DisableReason string

const (
	ReasonNone            DisableReason = ""
	ReasonFailureCap      DisableReason = "failure-cap"
	ReasonBalance         DisableReason = "balance"
	ReasonModelUnavailable DisableReason = "model-unavailable"
	ReasonManual          DisableReason = "manual"
)

// FailureCap is the default per-credential failure count before auto-disable.
const FailureCap = 2

// RecoveryWindow is how long a model-unavailable circuit trip disables
// credentials for, absent an override.
const RecoveryWindow = 5 * time.Minute

// Balance is the cached remaining-credit record for one credential.
type Balance struct {
	Remaining float64
	SampledAt time.Time
}

// NormalizedRemaining returns Remaining with NaN/Inf collapsed to 0, per the
// data model's balance cache invariant.
func (b Balance) NormalizedRemaining() float64 {
	if math.IsNaN(b.Remaining) || math.IsInf(b.Remaining, 0) {
		return 0
	}
	if b.Remaining < 0 {
		return 0
	}
	return b.Remaining
}

// Credential is one OAuth identity in the pool. Exported fields are safe to
// read under the pool's read lock; mutation always goes through Pool methods
// that hold the write lock (or an atomic op, for the hot in-flight counter).
type Credential struct {
	ID int

	// OAuth material.
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
	Flavor       AuthFlavor
	ClientID     string
	ClientSecret string
	ProfileArn   string

	// Routing knobs.
	Priority  int
	Region    string
	MachineID string

	// Mutable runtime state.
	Enabled       bool
	DisableReason DisableReason
	FailureCount  int
	SuccessCount  int
	LastUsed      time.Time
	LastError     string
	AutoHealAt    time.Time // zero means not scheduled for auto-heal

	// Persistent counters, bucketed by day ("2006-01-02") and by
	// "day:model".
	CallCounts  map[string]int
	TokenCounts map[string]int

	// Transient, in-flight use counter for the selection algorithm's
	// "fewer current uses" rule. Incremented on acquire, decremented on
	// report_success/report_failure, which the retry engine calls explicitly
	// on each of its exit paths.
	// atomic.Int32 so routine per-request increments never need the pool's
	// write lock.
	InFlight atomic.Int32

	// cachedBalance is read and written under the main pool lock (snapshot
	// and UpdateBalance); the pool's separate balance lock guards only the
	// usage windows and refresh schedule, not this field.
	cachedBalance Balance

	// limiter paces credentialRpm, nil if no pacing is configured.
	limiter *rate.Limiter
}

// SetRPM installs or updates the credential's active-pacing limiter.
// rpm <= 0 removes pacing (unlimited).
func (c *Credential) SetRPM(rpm int) {
	if rpm <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
}

// AllowNow reports whether the credential's rate limiter currently has a
// token available, consuming one if so. Call only when a request is about
// to be routed to this credential: a successful probe spends a slot of the
// rolling-minute budget. A credential with no limiter always allows.
func (c *Credential) AllowNow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// RequiresClientCredentials reports whether the credential's flavor (idc)
// requires a client-id and client-secret; it does not check that they are set.
func (c *Credential) RequiresClientCredentials() bool {
	return c.Flavor == FlavorIDC
}

// Snapshot is an immutable lease taken once per acquire() call, used both to
// build the upstream request and to rank candidates without holding the pool
// lock across an upstream call.
type Snapshot struct {
	ID           int
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
	Flavor       AuthFlavor
	ClientID     string
	ClientSecret string
	ProfileArn   string
	Priority     int
	Region       string
	MachineID    string
	Balance      Balance
	InFlight     int32
}

func (c *Credential) snapshot() Snapshot {
	return Snapshot{
		ID:           c.ID,
		RefreshToken: c.RefreshToken,
		AccessToken:  c.AccessToken,
		ExpiresAt:    c.ExpiresAt,
		Flavor:       c.Flavor,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		ProfileArn:   c.ProfileArn,
		Priority:     c.Priority,
		Region:       c.Region,
		MachineID:    c.MachineID,
		Balance:      c.cachedBalance,
		InFlight:     c.InFlight.Load(),
	}
}
