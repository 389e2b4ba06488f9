package pool

import (
	"sync"
	"time"
)

// AffinityTTL is how long an affinity binding survives without being refreshed.
const AffinityTTL = 30 * time.Minute

type affinityEntry struct {
	credentialID int
	boundAt      time.Time
}

// Affinity maps an opaque user id to the credential it was last routed to,
// for conversational stickiness. Lives behind its own lock so affinity
// lookups never contend with the main pool lock's writers.
type Affinity struct {
	mu      sync.Mutex
	entries map[string]affinityEntry
	now     func() time.Time
}

func NewAffinity() *Affinity {
	return &Affinity{entries: make(map[string]affinityEntry), now: time.Now}
}

// Lookup returns the bound credential id for userID if it exists and has
// not expired.
func (a *Affinity) Lookup(userID string) (int, bool) {
	if userID == "" {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[userID]
	if !ok {
		return 0, false
	}
	if a.now().Sub(e.boundAt) > AffinityTTL {
		delete(a.entries, userID)
		return 0, false
	}
	return e.credentialID, true
}

// Bind creates or refreshes a binding, resetting its TTL clock.
func (a *Affinity) Bind(userID string, credentialID int) {
	if userID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[userID] = affinityEntry{credentialID: credentialID, boundAt: a.now()}
}
