package pool

import "sort"

// Mode selects the load-balancing strategy.
type Mode string

const (
	ModePriority Mode = "priority"
	ModeBalanced Mode = "balanced"
)

// groupKey returns the priority-group key for cand under mode. Balanced mode
// collapses every credential into a single group regardless of priority.
func groupKey(mode Mode, priority int) int {
	if mode == ModeBalanced {
		return 0
	}
	return priority
}

// rank selects the winning candidate from a slice of Snapshots already
// filtered to enabled credentials while the circuit is closed; rate limits
// are not checked here (the caller checks the winner's limiter after rank).
// It applies three-level ranking: fewer in-flight uses,
// then higher cached balance, then round-robin. rrCounter returns the
// round-robin counter for the selected group and advances it; rank calls it
// only when a tie remains after the balance tier. It is supplied (not owned)
// so the caller can persist it across calls.
func rank(mode Mode, candidates []Snapshot, rrCounter func(groupKey int) uint64) (Snapshot, bool) {
	if len(candidates) == 0 {
		return Snapshot{}, false
	}

	// Step 3: select the lowest-numbered priority group among survivors.
	best := candidates[0].Priority
	if mode == ModeBalanced {
		best = 0
	} else {
		for _, c := range candidates[1:] {
			if c.Priority < best {
				best = c.Priority
			}
		}
	}
	group := make([]Snapshot, 0, len(candidates))
	for _, c := range candidates {
		if groupKey(mode, c.Priority) == groupKey(mode, best) {
			group = append(group, c)
		}
	}

	// Step 4.1: fewer in-flight uses wins.
	minInFlight := group[0].InFlight
	for _, c := range group[1:] {
		if c.InFlight < minInFlight {
			minInFlight = c.InFlight
		}
	}
	tier1 := group[:0:0]
	for _, c := range group {
		if c.InFlight == minInFlight {
			tier1 = append(tier1, c)
		}
	}
	if len(tier1) == 1 {
		return tier1[0], true
	}

	// Step 4.2: higher cached remaining balance wins (NaN/Inf normalized to
	// 0 here by Balance.NormalizedRemaining).
	maxBalance := tier1[0].Balance.NormalizedRemaining()
	for _, c := range tier1[1:] {
		if b := c.Balance.NormalizedRemaining(); b > maxBalance {
			maxBalance = b
		}
	}
	tier2 := tier1[:0:0]
	for _, c := range tier1 {
		if c.Balance.NormalizedRemaining() == maxBalance {
			tier2 = append(tier2, c)
		}
	}
	if len(tier2) == 1 {
		return tier2[0], true
	}

	// Step 4.3: round-robin over the remaining tie, ordered by id for
	// determinism.
	sort.Slice(tier2, func(i, j int) bool { return tier2[i].ID < tier2[j].ID })
	idx := rrCounter(groupKey(mode, best)) % uint64(len(tier2))
	return tier2[idx], true
}
