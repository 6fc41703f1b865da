package authpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dicklesworthstone/caam/internal/account"
	"github.com/Dicklesworthstone/caam/internal/affinity"
	"github.com/Dicklesworthstone/caam/internal/oauth"
	"github.com/Dicklesworthstone/caam/internal/rotation"
	"github.com/Dicklesworthstone/caam/internal/store"
)

// fakeRefresher counts calls and returns a scripted result per refresh token.
type fakeRefresher struct {
	mu    sync.Mutex
	calls atomic.Int64
	delay time.Duration
	// results maps refresh token to outcome; a nil entry means success
	// with a generated token.
	errs map[string]error
	seq  int
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string, refreshToken string) (*oauth.Token, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[refreshToken]; ok && err != nil {
		return nil, err
	}
	f.seq++
	return &oauth.Token{
		Access:    fmt.Sprintf("access-%d", f.seq),
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, refresher Refresher, opts Options) *Pool {
	t.Helper()
	dir := t.TempDir()
	opts.Accounts = store.New(filepath.Join(dir, "accounts.json"), func(d *account.Document) { d.Normalize() }, store.Options{Logger: discardLogger()})
	opts.Sessions = store.New(filepath.Join(dir, "sessions.json"), func(d *affinity.Document) { affinity.Sanitize(d) }, store.Options{Logger: discardLogger()})
	opts.Refresher = refresher
	opts.Logger = discardLogger()
	return New(opts)
}

func seedAccounts(t *testing.T, p *Pool, mode string, strategy string, activeKey string, recs ...account.Record) {
	t.Helper()
	_, err := p.accounts.Update(func(doc *account.Document) error {
		dom := account.EnsureDomain(doc, mode)
		dom.Strategy = strategy
		dom.ActiveIdentityKey = activeKey
		dom.Accounts = append(dom.Accounts, recs...)
		return nil
	})
	if err != nil {
		t.Fatalf("seed accounts: %v", err)
	}
}

func domainOf(t *testing.T, p *Pool, mode string) *account.Domain {
	t.Helper()
	doc := p.accounts.Load()
	dom := account.GetDomain(&doc, mode)
	if dom == nil {
		t.Fatalf("mode %q has no domain", mode)
	}
	return dom
}

func validAccount(id string) account.Record {
	rec := account.Record{
		AccountID: id,
		Email:     id + "@example.com",
		Plan:      "pro",
		Enabled:   true,
		Refresh:   "refresh-" + id,
	}
	rec.EnsureIdentityKey()
	return rec
}

func TestAcquireCachedTokenFastPath(t *testing.T) {
	ref := &fakeRefresher{}
	p := newTestPool(t, ref, Options{})

	rec := validAccount("alice")
	rec.Access = "cached-token"
	rec.ExpiresAt = time.Now().Add(30 * time.Minute).UnixMilli()
	seedAccounts(t, p, account.ModeNative, "", "", rec)

	cred, err := p.Acquire(context.Background(), account.ModeNative, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cred.Access != "cached-token" {
		t.Errorf("access = %q, want cached-token", cred.Access)
	}
	if cred.Refreshed {
		t.Error("cached hit reported Refreshed=true")
	}
	if got := ref.calls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}
	if cred.AccountID != "alice" {
		t.Errorf("account id = %q, want alice", cred.AccountID)
	}
	if cred.Trace.PickedIndex != 0 || cred.Trace.Reason == "" {
		t.Errorf("selection trace not populated: %+v", cred.Trace)
	}
	if dom := domainOf(t, p, account.ModeNative); dom.ActiveIdentityKey != rec.IdentityKey {
		t.Errorf("active key = %q, want %q", dom.ActiveIdentityKey, rec.IdentityKey)
	}
}

func TestAcquireRefreshesExpiredToken(t *testing.T) {
	ref := &fakeRefresher{}
	p := newTestPool(t, ref, Options{})

	rec := validAccount("alice")
	rec.Access = "stale"
	rec.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	seedAccounts(t, p, account.ModeNative, "", "", rec)

	cred, err := p.Acquire(context.Background(), account.ModeNative, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !cred.Refreshed {
		t.Error("expected a network refresh")
	}
	if cred.Access == "stale" || cred.Access == "" {
		t.Errorf("access = %q, want fresh token", cred.Access)
	}
	if got := ref.calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if cred.AccountID != "alice" {
		t.Errorf("account id = %q, want alice", cred.AccountID)
	}
	if cred.Trace.Strategy == "" {
		t.Errorf("selection trace not populated: %+v", cred.Trace)
	}

	dom := domainOf(t, p, account.ModeNative)
	stored := dom.Accounts[0]
	if stored.Access != cred.Access {
		t.Errorf("stored access = %q, want %q", stored.Access, cred.Access)
	}
	if stored.RefreshLeaseUntil != 0 {
		t.Error("lease not cleared after commit")
	}
	if stored.LastUsed == 0 {
		t.Error("last_used not stamped")
	}
}

// Two concurrent acquisitions of the same expired account must result in
// exactly one network refresh; the loser either serves the winner's token or
// backs off with a cooling-down error.
func TestAcquireLeaseAllowsOneRefresh(t *testing.T) {
	ref := &fakeRefresher{delay: 100 * time.Millisecond}
	p := newTestPool(t, ref, Options{})

	rec := validAccount("alice")
	rec.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	seedAccounts(t, p, account.ModeNative, "", "", rec)

	var wg sync.WaitGroup
	results := make([]error, 2)
	creds := make([]*Credential, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds[i], results[i] = p.Acquire(context.Background(), account.ModeNative, "")
		}(i)
	}
	wg.Wait()

	if got := ref.calls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", got)
	}
	gotCred := 0
	for i := range results {
		switch {
		case results[i] == nil:
			gotCred++
			if creds[i].Access == "" {
				t.Errorf("goroutine %d: empty access token", i)
			}
		case IsKind(results[i], KindAllAccountsCooling):
			// Loser backed off while the lease was held.
		default:
			t.Errorf("goroutine %d: unexpected error %v", i, results[i])
		}
	}
	if gotCred == 0 {
		t.Error("no goroutine obtained a credential")
	}
}

func TestAcquireInvalidGrantDisablesAccount(t *testing.T) {
	rec := validAccount("alice")
	rec.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()

	ref := &fakeRefresher{errs: map[string]error{
		rec.Refresh: errors.New("oauth2: \"invalid_grant\" \"account deactivated\""),
	}}
	p := newTestPool(t, ref, Options{})
	seedAccounts(t, p, account.ModeNative, "", "", rec)

	_, err := p.Acquire(context.Background(), account.ModeNative, "")
	if !IsKind(err, KindRefreshInvalidGrant) {
		t.Fatalf("error = %v, want kind %s", err, KindRefreshInvalidGrant)
	}

	dom := domainOf(t, p, account.ModeNative)
	stored := dom.Accounts[0]
	if stored.Enabled {
		t.Error("account still enabled after terminal refresh error")
	}
	if stored.CooldownUntil != 0 {
		t.Errorf("cooldown_until = %d, want 0 for a disabled account", stored.CooldownUntil)
	}
	if stored.RefreshLeaseUntil != 0 {
		t.Error("lease not cleared on disable")
	}
	if dom.ActiveIdentityKey == stored.IdentityKey {
		t.Error("active key still points at the disabled account")
	}

	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("error type = %T, want *AuthError", err)
	}
	if ae.Remediation() == "" {
		t.Error("empty remediation")
	}
}

func TestAcquireTransientFailureSetsCooldown(t *testing.T) {
	rec := validAccount("alice")
	rec.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()

	ref := &fakeRefresher{errs: map[string]error{
		rec.Refresh: errors.New("dial tcp: connection refused"),
	}}
	p := newTestPool(t, ref, Options{FailureCooldown: time.Minute})
	seedAccounts(t, p, account.ModeNative, "", "", rec)

	_, err := p.Acquire(context.Background(), account.ModeNative, "")
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Kind != KindAllAccountsCooling {
		t.Fatalf("error = %v, want kind %s (the parked account has a future cooldown)", err, KindAllAccountsCooling)
	}
	if ae.Wait <= 0 || ae.Wait > time.Minute {
		t.Errorf("wait = %s, want within the failure cooldown", ae.Wait)
	}

	stored := domainOf(t, p, account.ModeNative).Accounts[0]
	if !stored.Enabled {
		t.Error("transient failure should not disable the account")
	}
	if stored.CooldownUntil <= time.Now().UnixMilli() {
		t.Error("no future cooldown after transient failure")
	}
}

func TestAcquireAllAccountsCoolingReportsWait(t *testing.T) {
	now := time.Now()
	a := validAccount("alice")
	a.CooldownUntil = now.Add(10 * time.Second).UnixMilli()
	b := validAccount("bob")
	b.CooldownUntil = now.Add(45 * time.Second).UnixMilli()

	p := newTestPool(t, &fakeRefresher{}, Options{})
	seedAccounts(t, p, account.ModeNative, "", "", a, b)

	_, err := p.Acquire(context.Background(), account.ModeNative, "")
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Kind != KindAllAccountsCooling {
		t.Fatalf("error = %v, want kind %s", err, KindAllAccountsCooling)
	}
	if ae.Wait <= 0 || ae.Wait > 10*time.Second {
		t.Errorf("wait = %s, want the earliest cooldown (~10s)", ae.Wait)
	}
}

// An account with no refresh token and no resolvable identity is parked with
// a short cooldown and rotation falls through to the next account.
func TestAcquireSkipsAccountWithoutRefreshToken(t *testing.T) {
	a := account.Record{Label: "a", Enabled: true, Access: "stale", ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()}
	b := validAccount("bob")
	b.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()

	ref := &fakeRefresher{}
	p := newTestPool(t, ref, Options{})
	seedAccounts(t, p, account.ModeNative, string(rotation.StrategyRoundRobin), "a", a, b)

	cred, err := p.Acquire(context.Background(), account.ModeNative, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cred.IdentityKey != b.IdentityKey {
		t.Errorf("served %q, want %q", cred.IdentityKey, b.IdentityKey)
	}
	if got := ref.calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}

	dom := domainOf(t, p, account.ModeNative)
	if dom.Accounts[0].CooldownUntil <= time.Now().UnixMilli() {
		t.Error("refresh-less account not parked with a cooldown")
	}
	if dom.ActiveIdentityKey != b.IdentityKey {
		t.Errorf("active key = %q, want %q", dom.ActiveIdentityKey, b.IdentityKey)
	}
}

func TestAcquireMissingRefreshClassification(t *testing.T) {
	// Identity resolvable but no refresh token.
	a := validAccount("alice")
	a.Refresh = ""
	a.Access = ""

	p := newTestPool(t, &fakeRefresher{}, Options{MissingRefreshCooldown: time.Nanosecond})
	seedAccounts(t, p, account.ModeNative, "", "", a)

	_, err := p.Acquire(context.Background(), account.ModeNative, "")
	if !IsKind(err, KindMissingRefreshToken) && !IsKind(err, KindAllAccountsCooling) {
		t.Fatalf("error = %v, want missing_refresh_token or all_accounts_cooling_down", err)
	}
}

// An account whose identity cannot be resolved must never reach the network
// refresh path, even when it carries a refresh token.
func TestAcquireUnresolvableIdentitySkipsRefresh(t *testing.T) {
	anon := account.Record{
		Label:     "anon",
		Enabled:   true,
		Access:    "stale",
		Refresh:   "refresh-anon",
		ExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
	}

	ref := &fakeRefresher{}
	p := newTestPool(t, ref, Options{})
	seedAccounts(t, p, account.ModeNative, "", "", anon)

	_, err := p.Acquire(context.Background(), account.ModeNative, "")
	if !IsKind(err, KindMissingAccountIdentity) {
		t.Fatalf("error = %v, want kind %s", err, KindMissingAccountIdentity)
	}
	if got := ref.calls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0 for an identity-less account", got)
	}
}

// With a usable sibling in the pool, the identity-less account is skipped and
// rotation falls through.
func TestAcquireUnresolvableIdentityFallsThrough(t *testing.T) {
	anon := account.Record{
		Label:     "anon",
		Enabled:   true,
		Refresh:   "refresh-anon",
		ExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
	}
	b := validAccount("bob")
	b.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()

	ref := &fakeRefresher{}
	p := newTestPool(t, ref, Options{DefaultStrategy: rotation.StrategyRoundRobin})
	seedAccounts(t, p, account.ModeNative, "", "", anon, b)

	cred, err := p.Acquire(context.Background(), account.ModeNative, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cred.IdentityKey != b.IdentityKey {
		t.Errorf("served %q, want %q", cred.IdentityKey, b.IdentityKey)
	}
	if got := ref.calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1 (only the resolvable account)", got)
	}
}

// The session cap must hold on the persisted document, not just the working
// copy built per call.
func TestAcquirePersistedAffinityBounded(t *testing.T) {
	rec := validAccount("alice")
	rec.Access = "tok"
	rec.ExpiresAt = time.Now().Add(time.Hour).UnixMilli()

	p := newTestPool(t, &fakeRefresher{}, Options{DefaultStrategy: rotation.StrategySticky})
	seedAccounts(t, p, account.ModeNative, "", "", rec)

	total := affinity.MaxSessions + 50
	for i := 0; i < total; i++ {
		key := fmt.Sprintf("pid:%d", 1000+i)
		if _, err := p.Acquire(context.Background(), account.ModeNative, key); err != nil {
			t.Fatalf("Acquire %s: %v", key, err)
		}
	}

	persisted := p.sessions.Load()
	ms := persisted.Mode(account.ModeNative)
	if got := len(ms.Seen); got > affinity.MaxSessions {
		t.Errorf("persisted seen entries = %d, want at most %d", got, affinity.MaxSessions)
	}
	if got := len(ms.Sticky); got > affinity.MaxSessions {
		t.Errorf("persisted sticky entries = %d, want at most %d", got, affinity.MaxSessions)
	}
	// The most recent session must have survived eviction.
	latest := fmt.Sprintf("pid:%d", 1000+total-1)
	if _, ok := ms.Seen[latest]; !ok {
		t.Errorf("latest session %s evicted", latest)
	}
}

// A cached-token hit on an account with neither identity key nor metadata
// tuple still bumps last_used via the positional fallback.
func TestAcquireMarksKeylessAccountUsed(t *testing.T) {
	solo := account.Record{
		Label:     "solo",
		Enabled:   true,
		Access:    "tok",
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	}

	p := newTestPool(t, &fakeRefresher{}, Options{})
	seedAccounts(t, p, account.ModeNative, "", "", solo)

	cred, err := p.Acquire(context.Background(), account.ModeNative, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cred.Access != "tok" {
		t.Errorf("access = %q, want tok", cred.Access)
	}

	stored := domainOf(t, p, account.ModeNative).Accounts[0]
	if stored.LastUsed == 0 {
		t.Error("last_used not stamped for a keyless account")
	}
}

func TestAcquireNoAccountsConfigured(t *testing.T) {
	p := newTestPool(t, &fakeRefresher{}, Options{})

	_, err := p.Acquire(context.Background(), account.ModeNative, "")
	if !IsKind(err, KindNoAccountsConfigured) {
		t.Fatalf("error = %v, want kind %s", err, KindNoAccountsConfigured)
	}
}

func TestAcquireNoEnabledAccounts(t *testing.T) {
	a := validAccount("alice")
	a.Enabled = false

	p := newTestPool(t, &fakeRefresher{}, Options{})
	seedAccounts(t, p, account.ModeNative, "", "", a)

	_, err := p.Acquire(context.Background(), account.ModeNative, "")
	if !IsKind(err, KindNoEnabledAccounts) {
		t.Fatalf("error = %v, want kind %s", err, KindNoEnabledAccounts)
	}
}

func TestAcquireStickySessionPersistsAssignment(t *testing.T) {
	a := validAccount("alice")
	a.Access = "tok-a"
	a.ExpiresAt = time.Now().Add(time.Hour).UnixMilli()
	b := validAccount("bob")
	b.Access = "tok-b"
	b.ExpiresAt = time.Now().Add(time.Hour).UnixMilli()

	p := newTestPool(t, &fakeRefresher{}, Options{DefaultStrategy: rotation.StrategySticky})
	seedAccounts(t, p, account.ModeNative, "", "", a, b)

	first, err := p.Acquire(context.Background(), account.ModeNative, "sess-1")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	sessions := p.sessions.Load()
	assigned := sessions.Mode(account.ModeNative).Sticky["sess-1"]
	if assigned != first.IdentityKey {
		t.Errorf("persisted assignment = %q, want %q", assigned, first.IdentityKey)
	}

	second, err := p.Acquire(context.Background(), account.ModeNative, "sess-1")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if second.IdentityKey != first.IdentityKey {
		t.Errorf("session rebound from %q to %q", first.IdentityKey, second.IdentityKey)
	}
}

func TestRotateNext(t *testing.T) {
	a := validAccount("alice")
	b := validAccount("bob")
	c := validAccount("carol")

	p := newTestPool(t, &fakeRefresher{}, Options{})
	seedAccounts(t, p, account.ModeNative, "", a.IdentityKey, a, b, c)

	out, err := p.RotateNext(account.ModeNative)
	if err != nil {
		t.Fatalf("RotateNext: %v", err)
	}
	if out.Previous != a.DisplayLabel() {
		t.Errorf("previous = %q, want %q", out.Previous, a.DisplayLabel())
	}
	if out.New != b.DisplayLabel() {
		t.Errorf("new = %q, want %q", out.New, b.DisplayLabel())
	}
	if out.Remaining != 2 {
		t.Errorf("remaining = %d, want 2", out.Remaining)
	}
	if dom := domainOf(t, p, account.ModeNative); dom.ActiveIdentityKey != b.IdentityKey {
		t.Errorf("active key = %q, want %q", dom.ActiveIdentityKey, b.IdentityKey)
	}
}

func TestRotateNextNoOtherAccount(t *testing.T) {
	a := validAccount("alice")

	p := newTestPool(t, &fakeRefresher{}, Options{})
	seedAccounts(t, p, account.ModeNative, "", a.IdentityKey, a)

	_, err := p.RotateNext(account.ModeNative)
	if !IsKind(err, KindNoEnabledAccounts) {
		t.Fatalf("error = %v, want kind %s", err, KindNoEnabledAccounts)
	}
}

func TestSetCooldownAndInvalidateAffinity(t *testing.T) {
	a := validAccount("alice")
	p := newTestPool(t, &fakeRefresher{}, Options{})
	seedAccounts(t, p, account.ModeNative, "", "", a)

	until := time.Now().Add(5 * time.Minute)
	if err := p.SetCooldown(account.ModeNative, a.IdentityKey, until); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}
	stored := domainOf(t, p, account.ModeNative).Accounts[0]
	if stored.CooldownUntil != until.UnixMilli() {
		t.Errorf("cooldown_until = %d, want %d", stored.CooldownUntil, until.UnixMilli())
	}

	_, err := p.sessions.Update(func(doc *affinity.Document) error {
		ms := doc.Mode(account.ModeNative)
		ms.Sticky["sess-1"] = a.IdentityKey
		return nil
	})
	if err != nil {
		t.Fatalf("seed affinity: %v", err)
	}
	if err := p.InvalidateAffinity(account.ModeNative, "sess-1"); err != nil {
		t.Fatalf("InvalidateAffinity: %v", err)
	}
	sessions := p.sessions.Load()
	if _, ok := sessions.Mode(account.ModeNative).Sticky["sess-1"]; ok {
		t.Error("sticky assignment survived invalidation")
	}
}

func TestSelectForBackground(t *testing.T) {
	a := validAccount("alice")
	a.CooldownUntil = time.Now().Add(time.Hour).UnixMilli()
	b := validAccount("bob")

	p := newTestPool(t, &fakeRefresher{}, Options{DefaultStrategy: rotation.StrategyRoundRobin})
	seedAccounts(t, p, account.ModeNative, "", "", a, b)

	picked := p.SelectForBackground(account.ModeNative)
	if picked == nil {
		t.Fatal("no account picked")
	}
	if picked.IdentityKey != b.IdentityKey {
		t.Errorf("picked %q, want %q (cooling account skipped)", picked.IdentityKey, b.IdentityKey)
	}

	if got := p.SelectForBackground("codex"); got != nil {
		t.Errorf("empty mode returned %v, want nil", got)
	}
}
