package rotation

import (
	"fmt"
	"testing"
	"time"

	"github.com/Dicklesworthstone/caam/internal/account"
	"github.com/Dicklesworthstone/caam/internal/affinity"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func acct(id string, enabled bool) account.Record {
	return account.Record{
		IdentityKey: fmt.Sprintf("%s|%s@x.com|plus", id, id),
		AccountID:   id,
		Email:       id + "@x.com",
		Plan:        "plus",
		Enabled:     enabled,
	}
}

func TestEligibilityFilters(t *testing.T) {
	future := testNow.Add(time.Minute).UnixMilli()

	disabled := acct("a", false)
	cooling := acct("b", true)
	cooling.CooldownUntil = future
	leased := acct("c", true)
	leased.RefreshLeaseUntil = future

	accounts := []account.Record{disabled, cooling, leased}
	for _, strategy := range []Strategy{StrategyRoundRobin, StrategySticky, StrategyHybrid} {
		t.Run(string(strategy), func(t *testing.T) {
			idx, trace := Select(accounts, strategy, "", testNow, Options{})
			if idx != -1 {
				t.Errorf("idx = %d, want -1", idx)
			}
			if trace.Disabled != 1 || trace.CoolingDown != 1 || trace.Leased != 1 || trace.Eligible != 0 {
				t.Errorf("trace counts wrong: %+v", trace)
			}
			if trace.Reason != ReasonNoneEligible {
				t.Errorf("reason = %q", trace.Reason)
			}
		})
	}
}

func TestRoundRobinIsTotalCyclicOrder(t *testing.T) {
	accounts := []account.Record{acct("a", true), acct("b", true), acct("c", true), acct("d", true)}

	active := ""
	var visited []string
	for i := 0; i < len(accounts); i++ {
		idx, _ := Select(accounts, StrategyRoundRobin, active, testNow, Options{})
		if idx < 0 {
			t.Fatalf("step %d: no pick", i)
		}
		visited = append(visited, accounts[idx].AccountID)
		active = accounts[idx].IdentityKey
	}

	seen := map[string]int{}
	for _, id := range visited {
		seen[id]++
	}
	if len(seen) != len(accounts) {
		t.Fatalf("cycle did not visit every account exactly once: %v", visited)
	}

	// One more step wraps back to the first pick.
	idx, trace := Select(accounts, StrategyRoundRobin, active, testNow, Options{})
	if accounts[idx].AccountID != visited[0] {
		t.Errorf("wrap pick = %s, want %s", accounts[idx].AccountID, visited[0])
	}
	if trace.Reason != ReasonRoundRobinNext {
		t.Errorf("reason = %q", trace.Reason)
	}
}

func TestRoundRobinSkipsIneligibleAfterActive(t *testing.T) {
	accounts := []account.Record{acct("a", true), acct("b", true), acct("c", true)}
	accounts[1].CooldownUntil = testNow.Add(time.Minute).UnixMilli()

	idx, _ := Select(accounts, StrategyRoundRobin, accounts[0].IdentityKey, testNow, Options{})
	if accounts[idx].AccountID != "c" {
		t.Errorf("pick = %s, want c (b cooling down)", accounts[idx].AccountID)
	}
}

func TestRoundRobinUnknownActiveTakesFirstEligible(t *testing.T) {
	accounts := []account.Record{acct("a", true), acct("b", true)}
	idx, trace := Select(accounts, StrategyRoundRobin, "gone|gone@x.com|plus", testNow, Options{})
	if idx != 0 {
		t.Errorf("idx = %d, want 0", idx)
	}
	if trace.Reason != ReasonFirstEligible {
		t.Errorf("reason = %q", trace.Reason)
	}
}

func TestStickyKeepsActiveWithoutSession(t *testing.T) {
	accounts := []account.Record{acct("a", true), acct("b", true)}

	idx, trace := Select(accounts, StrategySticky, accounts[1].IdentityKey, testNow, Options{})
	if idx != 1 || trace.Reason != ReasonActiveKept {
		t.Errorf("idx=%d reason=%q", idx, trace.Reason)
	}

	// Active ineligible: degrade to first eligible.
	accounts[1].Enabled = false
	idx, trace = Select(accounts, StrategySticky, accounts[1].IdentityKey, testNow, Options{})
	if idx != 0 || trace.Reason != ReasonFirstEligible {
		t.Errorf("idx=%d reason=%q", idx, trace.Reason)
	}
}

func TestStickySessionIsIdempotent(t *testing.T) {
	accounts := []account.Record{acct("a", true), acct("b", true), acct("c", true)}
	state := &affinity.ModeState{}

	first, trace := Select(accounts, StrategySticky, "", testNow, Options{SessionKey: "sess-1", Sessions: state})
	if trace.Reason != ReasonStickyAssign {
		t.Fatalf("reason = %q", trace.Reason)
	}
	for i := 0; i < 5; i++ {
		idx, trace := Select(accounts, StrategySticky, "", testNow, Options{SessionKey: "sess-1", Sessions: state})
		if idx != first {
			t.Fatalf("call %d: idx = %d, want %d", i, idx, first)
		}
		if trace.Reason != ReasonStickyReuse {
			t.Errorf("call %d: reason = %q", i, trace.Reason)
		}
	}
}

func TestStickySessionReassignsWhenAccountUnhealthy(t *testing.T) {
	accounts := []account.Record{acct("a", true), acct("b", true)}
	state := &affinity.ModeState{}
	state.Touch("sess-1", testNow.UnixMilli())
	state.Sticky["sess-1"] = accounts[0].IdentityKey

	accounts[0].CooldownUntil = testNow.Add(time.Minute).UnixMilli()
	idx, trace := Select(accounts, StrategySticky, "", testNow, Options{SessionKey: "sess-1", Sessions: state})
	if idx != 1 {
		t.Errorf("idx = %d, want reassignment to b", idx)
	}
	if trace.Reason != ReasonStickyAssign {
		t.Errorf("reason = %q", trace.Reason)
	}
	if state.Sticky["sess-1"] != accounts[1].IdentityKey {
		t.Errorf("assignment not recorded: %q", state.Sticky["sess-1"])
	}
}

func TestStickyAssignmentSpreadsByOffset(t *testing.T) {
	accounts := []account.Record{acct("a", true), acct("b", true), acct("c", true)}
	state := &affinity.ModeState{}

	picks := map[int]bool{}
	for i := 0; i < 3; i++ {
		idx, _ := Select(accounts, StrategySticky, "", testNow, Options{
			SessionKey: fmt.Sprintf("sess-%d", i),
			Sessions:   state,
		})
		picks[idx] = true
	}
	if len(picks) != 3 {
		t.Errorf("three fresh sessions should land on three accounts, got %v", picks)
	}
}

func TestHybridLRUWithoutSession(t *testing.T) {
	accounts := []account.Record{acct("a", true), acct("b", true), acct("c", true)}
	accounts[0].LastUsed = 300
	accounts[1].LastUsed = 100
	accounts[2].LastUsed = 200

	idx, trace := Select(accounts, StrategyHybrid, "", testNow, Options{})
	if idx != 1 {
		t.Errorf("idx = %d, want least recently used", idx)
	}
	if trace.Reason != ReasonHybridLRU {
		t.Errorf("reason = %q", trace.Reason)
	}

	// Unset lastUsed counts as oldest; ties break by list order.
	accounts[1].LastUsed = 0
	accounts[2].LastUsed = 0
	idx, _ = Select(accounts, StrategyHybrid, "", testNow, Options{})
	if idx != 1 {
		t.Errorf("idx = %d, want first zero-lastUsed in list order", idx)
	}
}

func TestHybridSessionBehavesLikeStickyOnHybridMap(t *testing.T) {
	accounts := []account.Record{acct("a", true), acct("b", true)}
	accounts[0].LastUsed = 999
	state := &affinity.ModeState{}

	idx, trace := Select(accounts, StrategyHybrid, "", testNow, Options{SessionKey: "s", Sessions: state})
	if trace.Reason != ReasonHybridAssign {
		t.Fatalf("reason = %q", trace.Reason)
	}
	if state.Hybrid["s"] != accounts[idx].IdentityKey {
		t.Error("assignment should be recorded in the hybrid map")
	}
	if len(state.Sticky) != 0 {
		t.Error("hybrid must not write the sticky map")
	}

	again, trace := Select(accounts, StrategyHybrid, "", testNow, Options{SessionKey: "s", Sessions: state})
	if again != idx || trace.Reason != ReasonHybridReuse {
		t.Errorf("idx=%d reason=%q, want reuse of %d", again, trace.Reason, idx)
	}
}

func TestSkipExcludesAttemptedAccounts(t *testing.T) {
	accounts := []account.Record{acct("a", true), acct("b", true)}
	idx, trace := Select(accounts, StrategyRoundRobin, "", testNow, Options{
		Skip: func(i int, _ *account.Record) bool { return i == 0 },
	})
	if idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}
	if trace.Skipped != 1 || trace.Eligible != 1 {
		t.Errorf("trace = %+v", trace)
	}
}

func TestParseStrategy(t *testing.T) {
	if got := ParseStrategy("round_robin", StrategySticky); got != StrategyRoundRobin {
		t.Errorf("got %q", got)
	}
	if got := ParseStrategy("", StrategySticky); got != StrategySticky {
		t.Errorf("fallback not applied, got %q", got)
	}
	if got := ParseStrategy("bogus", StrategyHybrid); got != StrategyHybrid {
		t.Errorf("unknown should fall back, got %q", got)
	}
}
