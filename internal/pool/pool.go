package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huazz233/kiro-proxy/internal/apierr"
	"github.com/huazz233/kiro-proxy/internal/config"
	"github.com/huazz233/kiro-proxy/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Pool is the single owner of all credential state behind one read-write
// lock: selection takes a point-in-time snapshot under the read lock,
// mutations take the write lock.
type Pool struct {
	mu    sync.RWMutex
	creds map[int]*Credential
	order []int // insertion order, for deterministic iteration and id allocation
	nextID int

	mode atomic.Value // Mode

	balanceMu   sync.Mutex
	windows     map[int]*balanceWindow
	nextRefresh map[int]time.Time

	rrMu    sync.Mutex
	rrNext  map[int]uint64

	affinity *Affinity
	circuit  *Circuit
	writer   *Writer
	log      *logrus.Logger
}

// New constructs an empty Pool.
func New(mode Mode, writer *Writer, log *logrus.Logger) *Pool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pool{
		creds:       make(map[int]*Credential),
		windows:     make(map[int]*balanceWindow),
		nextRefresh: make(map[int]time.Time),
		rrNext:      make(map[int]uint64),
		affinity: NewAffinity(),
		circuit:  NewCircuit(RecoveryWindow),
		writer:   writer,
		log:      log,
	}
	p.mode.Store(mode)
	return p
}

func (p *Pool) Mode() Mode { return p.mode.Load().(Mode) }

func (p *Pool) SetMode(mode Mode) { p.mode.Store(mode) }

// SetDefaultRPM installs rpm as the active-pacing limiter on every currently
// loaded credential. Call after LoadRecords.
func (p *Pool) SetDefaultRPM(rpm int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		p.creds[id].SetRPM(rpm)
	}
}

// LoadRecords populates the pool from a parsed credentials file, assigning
// sequential ids to any record missing one.
func (p *Pool) LoadRecords(records []config.CredentialRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range records {
		cred, err := p.fromRecordLocked(rec)
		if err != nil {
			return err
		}
		p.insertLocked(cred)
	}
	return nil
}

func (p *Pool) fromRecordLocked(rec config.CredentialRecord) (*Credential, error) {
	flavor := AuthFlavor(config.NormalizeAuthMethod(rec.AuthMethod))
	if flavor == FlavorIDC && (rec.ClientID == "" || rec.ClientSecret == "") {
		return nil, fmt.Errorf("pool: credential %d: idc auth requires clientId and clientSecret", rec.ID)
	}
	id := rec.ID
	if id == 0 {
		p.nextID++
		id = p.nextID
	} else if id > p.nextID {
		p.nextID = id
	}
	var expiry time.Time
	if rec.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, rec.ExpiresAt); err == nil {
			expiry = t
		}
		// A malformed expiresAt is deliberately left as the zero time,
		// which the token manager treats as already-expired, forcing a
		// refresh before first use.
	}
	cred := &Credential{
		ID:           id,
		RefreshToken: rec.RefreshToken,
		AccessToken:  rec.AccessToken,
		ExpiresAt:    expiry,
		Flavor:       flavor,
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		ProfileArn:   rec.ProfileArn,
		Priority:     rec.Priority,
		Region:       rec.Region,
		MachineID:    rec.MachineID,
		Enabled:      !rec.Disabled,
		CallCounts:   cloneCounts(rec.CallCounts),
		TokenCounts:  cloneCounts(rec.TokenCounts),
	}
	if rec.Disabled {
		cred.DisableReason = ReasonManual
	}
	return cred, nil
}

func cloneCounts(m map[string]int) map[string]int {
	if m == nil {
		return make(map[string]int)
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (p *Pool) insertLocked(cred *Credential) {
	if _, exists := p.creds[cred.ID]; !exists {
		p.order = append(p.order, cred.ID)
	}
	p.creds[cred.ID] = cred
}

// Context is the lease returned by Acquire: a selected credential snapshot
// plus the bookkeeping needed to report the outcome.
type Context struct {
	Snapshot Snapshot
	pool     *Pool
	reported bool
}

// Acquire selects a credential for one request: filter to enabled,
// non-circuit-broken credentials; honor an unexpired affinity binding;
// otherwise pick from the highest-priority group by fewest in-flight uses,
// then highest cached balance, then round-robin. The RPM limiter is checked
// only against the chosen candidate, never during the scan, so a
// credential's budget is consumed only when a request is actually routed to
// it; a pacing-exhausted choice is skipped and the next-ranked candidate is
// tried.
func (p *Pool) Acquire(userID string) (*Context, error) {
	if p.circuit.IsOpen() {
		return nil, apierr.NoCredential("no credential available: circuit open")
	}

	p.mu.RLock()
	candidates := make([]Snapshot, 0, len(p.order))
	byID := make(map[int]*Credential, len(p.order))
	for _, id := range p.order {
		c := p.creds[id]
		if c == nil || !c.Enabled {
			continue
		}
		candidates = append(candidates, c.snapshot())
		byID[id] = c
	}
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, apierr.NoCredential("no credential available")
	}

	mode := p.Mode()

	// Step 2: affinity.
	if userID != "" {
		if boundID, ok := p.affinity.Lookup(userID); ok {
			for _, c := range candidates {
				if c.ID == boundID {
					cred := byID[boundID]
					if !cred.AllowNow() {
						// Bound credential is pacing-exhausted; fall
						// through to normal selection and rebind below.
						break
					}
					cred.InFlight.Add(1)
					p.affinity.Bind(userID, boundID)
					return &Context{Snapshot: c, pool: p}, nil
				}
			}
			// Bound credential did not survive filtering; fall through to
			// normal selection and rebind below.
		}
	}

	rrCounter := func(gk int) uint64 {
		p.rrMu.Lock()
		defer p.rrMu.Unlock()
		v := p.rrNext[gk]
		p.rrNext[gk] = v + 1
		return v
	}

	remaining := candidates
	for len(remaining) > 0 {
		winner, ok := rank(mode, remaining, rrCounter)
		if !ok {
			break
		}

		cred := byID[winner.ID]
		if !cred.AllowNow() {
			// Pacing-exhausted: transiently unavailable, not disabled.
			// Drop it from this call's candidate set and re-rank.
			kept := remaining[:0:0]
			for _, c := range remaining {
				if c.ID != winner.ID {
					kept = append(kept, c)
				}
			}
			remaining = kept
			continue
		}

		cred.InFlight.Add(1)
		if userID != "" {
			p.affinity.Bind(userID, winner.ID)
		}
		return &Context{Snapshot: winner, pool: p}, nil
	}
	return nil, apierr.NoCredential("no credential available")
}

// ReportSuccess records a successful upstream call, decrements the in-flight
// counter, updates persistent counters, and resets the global circuit.
func (ctx *Context) ReportSuccess(usageTokens int, model string) {
	ctx.pool.reportSuccess(ctx.Snapshot.ID, usageTokens, model)
	ctx.reported = true
}

// FailureKind classifies a failed attempt for report_failure's policy.
type FailureKind string

const (
	FailureGeneric            FailureKind = "generic"
	FailureInsufficientBalance FailureKind = "insufficient_balance"
	FailureModelUnavailable   FailureKind = "model_unavailable"
	FailureRefreshAuth        FailureKind = "refresh_auth"
)

// ReportFailure records a failed attempt and applies the state-machine
// transition appropriate to kind.
func (ctx *Context) ReportFailure(kind FailureKind) {
	ctx.pool.reportFailure(ctx.Snapshot.ID, kind)
	ctx.reported = true
}

func (p *Pool) reportSuccess(id int, usageTokens int, model string) {
	p.mu.Lock()
	cred, ok := p.creds[id]
	if ok {
		cred.FailureCount = 0
		cred.SuccessCount++
		cred.LastUsed = time.Now()
		day := cred.LastUsed.Format("2006-01-02")
		if cred.CallCounts == nil {
			cred.CallCounts = map[string]int{}
		}
		cred.CallCounts[day]++
		if cred.TokenCounts == nil {
			cred.TokenCounts = map[string]int{}
		}
		cred.TokenCounts[day+":"+model] += usageTokens
	}
	p.mu.Unlock()

	if ok {
		cred.InFlight.Add(-1)
	}
	p.circuit.ReportSuccess()
	metrics.RecordUpstream("success")
	metrics.SetCircuitOpen(p.circuit.IsOpen())
	p.schedulePersist()
}

func (p *Pool) reportFailure(id int, kind FailureKind) {
	p.mu.Lock()
	cred, ok := p.creds[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	switch kind {
	case FailureInsufficientBalance:
		cred.Enabled = false
		cred.DisableReason = ReasonBalance
	case FailureRefreshAuth:
		cred.Enabled = false
		cred.DisableReason = ReasonManual
		cred.LastError = "refresh token invalid"
	case FailureModelUnavailable:
		// handled below, outside the credential's own failure-cap path
	default: // FailureGeneric
		cred.FailureCount++
		if cred.FailureCount >= FailureCap {
			cred.Enabled = false
			cred.DisableReason = ReasonFailureCap
			cred.AutoHealAt = time.Now().Add(RecoveryWindow)
		}
	}
	p.mu.Unlock()

	cred.InFlight.Add(-1)
	metrics.RecordUpstream(string(kind))

	if kind == FailureModelUnavailable {
		tripped := p.circuit.ReportModelUnavailable()
		if tripped {
			p.disableAllForCircuitTrip()
		}
		metrics.SetCircuitOpen(p.circuit.IsOpen())
	}
	p.schedulePersist()
}

// disableAllForCircuitTrip disables, for the recovery window, every
// credential that is not already disabled for insufficient balance or
// manually; those two keep their own reason.
func (p *Pool) disableAllForCircuitTrip() {
	until := time.Now().Add(RecoveryWindow)
	p.mu.Lock()
	for _, id := range p.order {
		c := p.creds[id]
		if c.DisableReason == ReasonBalance || c.DisableReason == ReasonManual {
			continue
		}
		c.Enabled = false
		c.DisableReason = ReasonModelUnavailable
		c.AutoHealAt = until
	}
	p.mu.Unlock()
}

// AutoHealSweep re-enables credentials whose cooldown has elapsed. Intended
// to run on a periodic background goroutine (see autoheal.go).
func (p *Pool) AutoHealSweep() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		c := p.creds[id]
		if c.Enabled || c.AutoHealAt.IsZero() {
			continue
		}
		if c.DisableReason != ReasonFailureCap && c.DisableReason != ReasonModelUnavailable {
			continue
		}
		if now.Before(c.AutoHealAt) {
			continue
		}
		c.Enabled = true
		c.DisableReason = ReasonNone
		c.FailureCount = 0
		c.AutoHealAt = time.Time{}
	}
}

// UpdateBalance records a freshly sampled balance for id, bumps its
// usage-frequency window, and schedules the sample's expiry: the next
// refresh instant is the sample time plus the usage-frequency-derived TTL,
// which RunDueBalanceSweep consults.
func (p *Pool) UpdateBalance(id int, remaining float64) {
	now := time.Now()
	p.balanceMu.Lock()
	w, ok := p.windows[id]
	if !ok {
		w = &balanceWindow{}
		p.windows[id] = w
	}
	calls := w.touch(now)
	p.nextRefresh[id] = now.Add(BalanceTTL(calls, remaining))
	p.balanceMu.Unlock()

	p.mu.Lock()
	if c, ok := p.creds[id]; ok {
		c.cachedBalance = Balance{Remaining: remaining, SampledAt: now}
	}
	p.mu.Unlock()
}

// balanceDue reports whether id's cached balance has outlived its TTL, or
// was never sampled at all.
func (p *Pool) balanceDue(id int, now time.Time) bool {
	p.balanceMu.Lock()
	defer p.balanceMu.Unlock()
	next, ok := p.nextRefresh[id]
	return !ok || !now.Before(next)
}

// -------- Admin operations --------

func (p *Pool) SetDisabled(id int, disabled bool, reason DisableReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.creds[id]
	if !ok {
		return fmt.Errorf("pool: unknown credential %d", id)
	}
	c.Enabled = !disabled
	if disabled {
		if reason == ReasonNone {
			reason = ReasonManual
		}
		c.DisableReason = reason
	} else {
		c.DisableReason = ReasonNone
		c.AutoHealAt = time.Time{}
	}
	p.schedulePersistLocked()
	return nil
}

func (p *Pool) SetPriority(id int, priority int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.creds[id]
	if !ok {
		return fmt.Errorf("pool: unknown credential %d", id)
	}
	c.Priority = priority
	p.schedulePersistLocked()
	return nil
}

func (p *Pool) ResetFailures(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.creds[id]
	if !ok {
		return fmt.Errorf("pool: unknown credential %d", id)
	}
	c.FailureCount = 0
	p.schedulePersistLocked()
	return nil
}

func (p *Pool) Add(rec config.CredentialRecord) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cred, err := p.fromRecordLocked(rec)
	if err != nil {
		return 0, err
	}
	p.insertLocked(cred)
	p.schedulePersistLocked()
	return cred.ID, nil
}

func (p *Pool) Delete(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.creds[id]; !ok {
		return fmt.Errorf("pool: unknown credential %d", id)
	}
	delete(p.creds, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.schedulePersistLocked()
	return nil
}

// ImportFromTokenJSON adds credentials from records, deduplicating against
// existing credentials by refresh-token prefix (first 16 chars).
func (p *Pool) ImportFromTokenJSON(records []config.CredentialRecord) (added int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := make(map[string]struct{}, len(p.creds))
	for _, c := range p.creds {
		existing[tokenPrefix(c.RefreshToken)] = struct{}{}
	}
	for _, rec := range records {
		key := tokenPrefix(rec.RefreshToken)
		if _, dup := existing[key]; dup {
			continue
		}
		cred, ferr := p.fromRecordLocked(rec)
		if ferr != nil {
			return added, ferr
		}
		p.insertLocked(cred)
		existing[key] = struct{}{}
		added++
	}
	if added > 0 {
		p.schedulePersistLocked()
	}
	return added, nil
}

func tokenPrefix(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16]
}

func (p *Pool) GetAllSnapshots() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Snapshot, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.creds[id].snapshot())
	}
	return out
}

func (p *Pool) GetCachedBalances() map[int]Balance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[int]Balance, len(p.creds))
	for id, c := range p.creds {
		out[id] = c.cachedBalance
	}
	return out
}

// -------- Persistence --------

func (p *Pool) schedulePersist() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.schedulePersistRLocked()
}

func (p *Pool) schedulePersistLocked() {
	p.schedulePersistRLocked()
}

func (p *Pool) schedulePersistRLocked() {
	enabled := 0
	var inFlight int32
	for _, id := range p.order {
		c := p.creds[id]
		if c.Enabled {
			enabled++
		}
		inFlight += c.InFlight.Load()
	}
	metrics.SetCredentialGauges(enabled, inFlight)

	if p.writer == nil {
		return
	}
	records := make([]config.CredentialRecord, 0, len(p.order))
	for _, id := range p.order {
		c := p.creds[id]
		records = append(records, toRecord(c))
	}
	p.writer.Submit(records)
}

func toRecord(c *Credential) config.CredentialRecord {
	rec := config.CredentialRecord{
		ID:           c.ID,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ProfileArn:   c.ProfileArn,
		AuthMethod:   string(c.Flavor),
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Priority:     c.Priority,
		Region:       c.Region,
		MachineID:    c.MachineID,
		Disabled:     !c.Enabled,
		CallCounts:   c.CallCounts,
		TokenCounts:  c.TokenCounts,
	}
	if !c.ExpiresAt.IsZero() {
		rec.ExpiresAt = c.ExpiresAt.Format(time.RFC3339)
	}
	return rec
}

// Flush writes the current on-disk projection synchronously, for callers
// that must not report success before the credentials file is durable
// (the admin mutation surface). Routine mutations go through the
// fire-and-forget schedulePersist path instead.
func (p *Pool) Flush(ctx context.Context) error {
	if p.writer == nil {
		return nil
	}
	p.mu.RLock()
	records := make([]config.CredentialRecord, 0, len(p.order))
	for _, id := range p.order {
		records = append(records, toRecord(p.creds[id]))
	}
	p.mu.RUnlock()
	return p.writer.SubmitAndWait(ctx, records)
}

// ApplyRefresh is invoked by the token manager after a successful refresh,
// updating the credential's access token fields and scheduling a write-back.
func (p *Pool) ApplyRefresh(id int, accessToken string, expiresAt time.Time, newRefreshToken, profileArn string) {
	p.mu.Lock()
	c, ok := p.creds[id]
	if ok {
		c.AccessToken = accessToken
		c.ExpiresAt = expiresAt
		if newRefreshToken != "" {
			c.RefreshToken = newRefreshToken
		}
		if profileArn != "" {
			c.ProfileArn = profileArn
		}
	}
	p.mu.Unlock()
	if ok {
		p.schedulePersist()
	}
}

// Get returns a point-in-time snapshot for id, used by the token manager and
// retry engine when they need fresh fields (e.g. after ApplyRefresh) without
// going through Acquire again.
func (p *Pool) Get(id int) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.creds[id]
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

// Describe renders a short, masked summary of the pool for debug logs.
func (p *Pool) Describe() string {
	snaps := p.GetAllSnapshots()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	parts := make([]string, 0, len(snaps))
	for _, s := range snaps {
		parts = append(parts, fmt.Sprintf("#%d(pri=%d,inflight=%d)", s.ID, s.Priority, s.InFlight))
	}
	return strings.Join(parts, " ")
}
