// Package rotation is the pure account-selection engine.
//
// Select makes no I/O and takes everything it needs as arguments, so rotation
// behavior is unit-testable without mocks; persistence and networking live in
// the acquisition layer that calls it. Every decision carries a Trace for
// production diagnosis of rotation misbehavior.
package rotation

import (
	"time"

	"github.com/Dicklesworthstone/caam/internal/account"
	"github.com/Dicklesworthstone/caam/internal/affinity"
)

// Strategy names a rotation strategy.
type Strategy string

const (
	// StrategyRoundRobin cycles through eligible accounts in list order.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategySticky favors session continuity: a session keeps its
	// assigned account while the account stays healthy.
	StrategySticky Strategy = "sticky"
	// StrategyHybrid spreads load by least-recent use, with sticky-style
	// session continuity when a session key is supplied.
	StrategyHybrid Strategy = "hybrid"
)

// ParseStrategy maps a stored strategy name to a Strategy, falling back when
// the name is empty or unknown.
func ParseStrategy(s string, fallback Strategy) Strategy {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategySticky, StrategyHybrid:
		return Strategy(s)
	default:
		return fallback
	}
}

// Options carries the optional session-affinity inputs for a selection.
type Options struct {
	// SessionKey is the opaque key of the requesting session; empty
	// disables session assignment.
	SessionKey string

	// Sessions is the affinity state for the mode being selected from.
	// Select records new assignments into it; the caller persists it.
	Sessions *affinity.ModeState

	// PIDSalt offsets new sticky assignments so concurrent processes
	// spread across accounts instead of piling onto the same one.
	PIDSalt int

	// Skip excludes accounts already attempted in the current acquisition
	// call, on top of the eligibility filter.
	Skip func(index int, rec *account.Record) bool
}

// Trace is the structured record of one selection decision.
type Trace struct {
	Strategy    Strategy `json:"strategy"`
	Total       int      `json:"total"`
	Disabled    int      `json:"disabled"`
	CoolingDown int      `json:"cooling_down"`
	Leased      int      `json:"leased"`
	Skipped     int      `json:"skipped"`
	Eligible    int      `json:"eligible"`
	PickedIndex int      `json:"picked_index"`
	PickedKey   string   `json:"picked_key,omitempty"`
	Reason      string   `json:"reason"`
}

// Selection reasons reported in traces.
const (
	ReasonNoneEligible   = "none_eligible"
	ReasonRoundRobinNext = "round_robin_next"
	ReasonActiveKept     = "active_kept"
	ReasonFirstEligible  = "first_eligible"
	ReasonStickyReuse    = "sticky_reuse"
	ReasonStickyAssign   = "sticky_assign"
	ReasonHybridReuse    = "hybrid_reuse"
	ReasonHybridAssign   = "hybrid_assign"
	ReasonHybridLRU      = "hybrid_lru"
)

// Select picks one account from the ordered list, or -1 when no account is
// currently usable. Callers must treat -1 as "nothing usable right now", not
// as an error. The account order is the domain's insertion order; round-robin
// positions are computed against the full unfiltered list.
func Select(accounts []account.Record, strategy Strategy, activeKey string, now time.Time, opts Options) (int, Trace) {
	trace := Trace{
		Strategy:    strategy,
		Total:       len(accounts),
		PickedIndex: -1,
		Reason:      ReasonNoneEligible,
	}

	eligible := make([]int, 0, len(accounts))
	for i := range accounts {
		rec := &accounts[i]
		switch {
		case !rec.Enabled:
			trace.Disabled++
		case rec.InCooldown(now):
			trace.CoolingDown++
		case rec.LeaseHeld(now):
			trace.Leased++
		case opts.Skip != nil && opts.Skip(i, rec):
			trace.Skipped++
		default:
			eligible = append(eligible, i)
		}
	}
	trace.Eligible = len(eligible)
	if len(eligible) == 0 {
		return -1, trace
	}

	var idx int
	switch strategy {
	case StrategySticky:
		idx, trace.Reason = selectSticky(accounts, eligible, activeKey, now, opts)
	case StrategyHybrid:
		idx, trace.Reason = selectHybrid(accounts, eligible, now, opts)
	default:
		idx, trace.Reason = selectRoundRobin(accounts, eligible, activeKey)
	}

	trace.PickedIndex = idx
	trace.PickedKey = accounts[idx].IdentityKey
	return idx, trace
}

// selectRoundRobin picks the first eligible account strictly after the
// active key's position in the full list, wrapping to the start. An absent or
// unmatched active key yields the first eligible account.
func selectRoundRobin(accounts []account.Record, eligible []int, activeKey string) (int, string) {
	pos := -1
	if activeKey != "" {
		for i := range accounts {
			if accounts[i].IdentityKey == activeKey {
				pos = i
				break
			}
		}
	}
	if pos < 0 {
		return eligible[0], ReasonFirstEligible
	}
	for _, idx := range eligible {
		if idx > pos {
			return idx, ReasonRoundRobinNext
		}
	}
	// Wrap around.
	return eligible[0], ReasonRoundRobinNext
}

func selectSticky(accounts []account.Record, eligible []int, activeKey string, now time.Time, opts Options) (int, string) {
	if opts.SessionKey != "" && opts.Sessions != nil {
		opts.Sessions.Touch(opts.SessionKey, now.UnixMilli())
		if idx, ok := assignedIndex(accounts, eligible, opts.Sessions.Sticky[opts.SessionKey]); ok {
			return idx, ReasonStickyReuse
		}
		idx := eligible[(assignmentOffset(opts.Sessions.Sticky, opts.PIDSalt))%len(eligible)]
		if key := accounts[idx].IdentityKey; key != "" {
			opts.Sessions.Sticky[opts.SessionKey] = key
		}
		return idx, ReasonStickyAssign
	}

	if idx, ok := assignedIndex(accounts, eligible, activeKey); ok {
		return idx, ReasonActiveKept
	}
	return eligible[0], ReasonFirstEligible
}

func selectHybrid(accounts []account.Record, eligible []int, now time.Time, opts Options) (int, string) {
	if opts.SessionKey != "" && opts.Sessions != nil {
		opts.Sessions.Touch(opts.SessionKey, now.UnixMilli())
		if idx, ok := assignedIndex(accounts, eligible, opts.Sessions.Hybrid[opts.SessionKey]); ok {
			return idx, ReasonHybridReuse
		}
		// Reassign by least-recent use so a displaced session lands on
		// the coldest account.
		idx := leastRecentlyUsed(accounts, eligible)
		if key := accounts[idx].IdentityKey; key != "" {
			opts.Sessions.Hybrid[opts.SessionKey] = key
		}
		return idx, ReasonHybridAssign
	}

	return leastRecentlyUsed(accounts, eligible), ReasonHybridLRU
}

// leastRecentlyUsed returns the eligible index with the smallest lastUsed;
// an unset lastUsed counts as oldest and ties break by list order.
func leastRecentlyUsed(accounts []account.Record, eligible []int) int {
	best := eligible[0]
	for _, idx := range eligible[1:] {
		if accounts[idx].LastUsed < accounts[best].LastUsed {
			best = idx
		}
	}
	return best
}

// assignedIndex resolves an identity key to an index, but only when that
// account is in the eligible set.
func assignedIndex(accounts []account.Record, eligible []int, key string) (int, bool) {
	if key == "" {
		return -1, false
	}
	for _, idx := range eligible {
		if accounts[idx].IdentityKey == key {
			return idx, true
		}
	}
	return -1, false
}

// assignmentOffset derives a starting position for a fresh session
// assignment from the number of existing assignments, salted by process id
// when configured.
func assignmentOffset(assignments map[string]string, pidSalt int) int {
	n := len(assignments) + pidSalt
	if n < 0 {
		n = -n
	}
	return n
}
