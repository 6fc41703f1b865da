package authpool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Dicklesworthstone/caam/internal/account"
	"github.com/Dicklesworthstone/caam/internal/affinity"
	"github.com/Dicklesworthstone/caam/internal/history"
	"github.com/Dicklesworthstone/caam/internal/oauth"
	"github.com/Dicklesworthstone/caam/internal/rotation"
	"github.com/Dicklesworthstone/caam/internal/store"
)

// errLeaseBusy is an internal marker: another process holds the refresh lease
// for the account we tried to claim.
var errLeaseBusy = errors.New("authpool: refresh lease held elsewhere")

// errVanished is an internal marker: the account disappeared or changed
// identity between our snapshot and the locked re-read.
var errVanished = errors.New("authpool: account changed under us")

// failureTally accumulates per-account skip reasons across one Acquire loop
// so the exhaustion error can name the dominant cause.
type failureTally struct {
	invalidGrant    error
	missingRefresh  bool
	missingIdentity bool
	refreshFailed   error
	leaseBusy       bool
}

// Acquire returns a usable access token for the mode, refreshing and rotating
// as needed. sessionKey may be empty for sessionless callers. On failure the
// returned error is always an *AuthError.
func (p *Pool) Acquire(ctx context.Context, mode, sessionKey string) (*Credential, error) {
	now := p.now()
	doc := p.accounts.Load()
	dom := account.GetDomain(&doc, mode)
	if dom == nil || len(dom.Accounts) == 0 {
		return nil, &AuthError{Kind: KindNoAccountsConfigured, Mode: mode}
	}
	if dom.EnabledCount() == 0 {
		return nil, &AuthError{Kind: KindNoEnabledAccounts, Mode: mode}
	}

	strategy := rotation.ParseStrategy(dom.Strategy, p.defaultStrategy)
	sessionState := p.sessionState(mode)

	attempted := make(map[string]bool)
	var tally failureTally

	for {
		if err := ctx.Err(); err != nil {
			return nil, &AuthError{Kind: KindNoValidAccessToken, Mode: mode, Err: err}
		}
		now = p.now()

		skip := func(i int, rec *account.Record) bool {
			return attempted[attemptKey(i, rec)]
		}
		idx, trace := rotation.Select(dom.Accounts, strategy, dom.ActiveIdentityKey, now, rotation.Options{
			SessionKey: sessionKey,
			Sessions:   sessionState,
			PIDSalt:    p.pid,
			Skip:       skip,
		})
		if idx < 0 {
			return nil, p.exhausted(mode, dom, now, &tally)
		}

		rec := dom.Accounts[idx].Clone()
		attempted[attemptKey(idx, rec)] = true
		p.logger.Debug("[AuthPool] account_selected",
			"mode", mode,
			"strategy", trace.Strategy,
			"reason", trace.Reason,
			"label", rec.DisplayLabel(),
			"eligible", trace.Eligible,
		)

		if !rec.Expired(now) {
			p.markUsed(mode, rec, idx, now)
			p.persistAffinity(mode, sessionKey, sessionState)
			return &Credential{
				IdentityKey: rec.IdentityKey,
				AccountID:   rec.AccountID,
				Label:       rec.DisplayLabel(),
				Access:      rec.Access,
				ExpiresAt:   rec.ExpiresAt,
				Trace:       trace,
			}, nil
		}

		if rec.Refresh == "" {
			p.parkMissingRefresh(mode, rec, idx, now, &tally)
			doc = p.accounts.Load()
			dom = account.GetDomain(&doc, mode)
			if dom == nil {
				return nil, &AuthError{Kind: KindStorage, Mode: mode, Err: errVanished}
			}
			continue
		}

		if rec.IdentityKey == "" {
			if _, ok := rec.DeriveKey(); !ok {
				// Without a resolvable identity the account cannot be
				// tracked safely across refresh races, so it is never
				// handed to the lease path.
				tally.missingIdentity = true
				p.logger.Warn("[AuthPool] missing_account_identity",
					"mode", mode,
					"label", rec.DisplayLabel(),
				)
				continue
			}
		}

		cred, err := p.refreshAccount(ctx, mode, rec, idx, sessionKey, &tally)
		if cred != nil {
			cred.Trace = trace
			p.persistAffinity(mode, sessionKey, sessionState)
			return cred, nil
		}
		if err != nil {
			var ae *AuthError
			if errors.As(err, &ae) {
				return nil, ae
			}
		}

		doc = p.accounts.Load()
		dom = account.GetDomain(&doc, mode)
		if dom == nil {
			return nil, &AuthError{Kind: KindStorage, Mode: mode, Err: errVanished}
		}
	}
}

// refreshAccount runs the lease-claim / network-refresh / commit sequence for
// one account. A nil, nil return means "move on to the next account".
func (p *Pool) refreshAccount(ctx context.Context, mode string, rec *account.Record, idx int, sessionKey string, tally *failureTally) (*Credential, error) {
	leaseUntil, fresh, err := p.claimLease(mode, rec, idx)
	switch {
	case fresh != nil:
		// Another process refreshed this account between our snapshot and
		// the locked re-read; its token is good, use it.
		return fresh, nil
	case errors.Is(err, errLeaseBusy):
		tally.leaseBusy = true
		return nil, nil
	case errors.Is(err, errVanished):
		return nil, nil
	case err != nil:
		return nil, &AuthError{Kind: KindStorage, Mode: mode, Err: err}
	}

	tok, refreshErr := p.refresher.Refresh(ctx, mode, rec.Refresh)
	if refreshErr != nil {
		if errors.Is(refreshErr, oauth.ErrModeNotConfigured) {
			p.releaseLease(mode, rec, idx, leaseUntil)
			return nil, &AuthError{Kind: KindOAuthNotConfigured, Mode: mode, Err: refreshErr}
		}
		if oauth.IsTerminal(refreshErr) {
			p.disableAccount(mode, rec, idx, refreshErr)
			tally.invalidGrant = refreshErr
			return nil, nil
		}
		p.parkAfterFailure(mode, rec, idx, refreshErr)
		tally.refreshFailed = refreshErr
		return nil, nil
	}

	return p.commitRefresh(mode, rec, idx, leaseUntil, tok)
}

// claimLease takes the refresh lease for the account inside the store lock.
// The account is re-validated against the locked re-read; a concurrent
// process that got there first leaves its lease visible and we back off.
func (p *Pool) claimLease(mode string, rec *account.Record, idx int) (int64, *Credential, error) {
	var (
		leaseUntil int64
		fresh      *Credential
	)
	_, err := p.accounts.Update(func(doc *account.Document) error {
		now := p.now()
		dom := account.GetDomain(doc, mode)
		if dom == nil {
			return errVanished
		}
		i := locate(dom, rec, idx)
		if i < 0 {
			return errVanished
		}
		cur := &dom.Accounts[i]
		if !cur.Enabled {
			return errVanished
		}
		if !cur.Expired(now) {
			// Covers a concurrent refresh that rotated the refresh token
			// out from under our snapshot.
			fresh = &Credential{
				IdentityKey: cur.IdentityKey,
				AccountID:   cur.AccountID,
				Label:       cur.DisplayLabel(),
				Access:      cur.Access,
				ExpiresAt:   cur.ExpiresAt,
			}
			return store.ErrNoChange
		}
		if cur.Refresh != rec.Refresh {
			return errVanished
		}
		if cur.LeaseHeld(now) {
			return errLeaseBusy
		}
		cur.EnsureIdentityKey()
		rec.IdentityKey = cur.IdentityKey
		leaseUntil = now.Add(p.leaseTTL).UnixMilli()
		cur.RefreshLeaseUntil = leaseUntil
		return nil
	})
	return leaseUntil, fresh, err
}

// commitRefresh writes the refreshed token back under the lock. If our lease
// was superseded (TTL expired and another process claimed the account), the
// superseder's token wins: when it is valid we serve it, otherwise we step
// aside without clobbering their state.
func (p *Pool) commitRefresh(mode string, rec *account.Record, idx int, leaseUntil int64, tok *oauth.Token) (*Credential, error) {
	var (
		cred       *Credential
		previously string
		rotatedTo  string
	)
	_, err := p.accounts.Update(func(doc *account.Document) error {
		now := p.now()
		dom := account.GetDomain(doc, mode)
		if dom == nil {
			return errVanished
		}
		i := locate(dom, rec, idx)
		if i < 0 {
			return errVanished
		}
		cur := &dom.Accounts[i]

		if cur.RefreshLeaseUntil != leaseUntil || cur.Refresh != rec.Refresh {
			if !cur.Expired(now) {
				cred = &Credential{
					IdentityKey: cur.IdentityKey,
					AccountID:   cur.AccountID,
					Label:       cur.DisplayLabel(),
					Access:      cur.Access,
					ExpiresAt:   cur.ExpiresAt,
				}
				return store.ErrNoChange
			}
			return errVanished
		}

		cur.Access = tok.Access
		cur.ExpiresAt = tok.ExpiresAt
		if tok.Refresh != "" {
			cur.Refresh = tok.Refresh
		}
		cur.RefreshLeaseUntil = 0
		cur.CooldownUntil = 0
		cur.LastUsed = now.UnixMilli()
		cur.EnsureIdentityKey()
		if cur.IdentityKey != "" && dom.ActiveIdentityKey != cur.IdentityKey {
			previously = dom.ActiveIdentityKey
			rotatedTo = cur.IdentityKey
			dom.ActiveIdentityKey = cur.IdentityKey
		}
		cred = &Credential{
			IdentityKey: cur.IdentityKey,
			AccountID:   cur.AccountID,
			Label:       cur.DisplayLabel(),
			Access:      cur.Access,
			ExpiresAt:   cur.ExpiresAt,
			Refreshed:   true,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errVanished) {
			return nil, nil
		}
		return nil, &AuthError{Kind: KindStorage, Mode: mode, Err: err}
	}

	if cred != nil && cred.Refreshed {
		p.logger.Info("[AuthPool] refresh_success",
			"mode", mode,
			"label", cred.Label,
			"expires_at", cred.ExpiresAt,
			"access", oauth.MaskToken(cred.Access),
		)
		p.recordHistory(history.Event{
			Type:        history.EventRefreshSuccess,
			Mode:        mode,
			IdentityKey: cred.IdentityKey,
			Label:       cred.Label,
		})
		if rotatedTo != "" && previously != "" {
			p.recordHistory(history.Event{
				Type:        history.EventRotation,
				Mode:        mode,
				IdentityKey: rotatedTo,
				Label:       cred.Label,
				Detail:      "rotated from " + previously,
			})
		}
	}
	return cred, nil
}

// releaseLease drops our lease without any other state change. Used when the
// refresh could not even be attempted.
func (p *Pool) releaseLease(mode string, rec *account.Record, idx int, leaseUntil int64) {
	_, err := p.accounts.Update(func(doc *account.Document) error {
		dom := account.GetDomain(doc, mode)
		if dom == nil {
			return store.ErrNoChange
		}
		i := locate(dom, rec, idx)
		if i < 0 || dom.Accounts[i].RefreshLeaseUntil != leaseUntil {
			return store.ErrNoChange
		}
		dom.Accounts[i].RefreshLeaseUntil = 0
		return nil
	})
	if err != nil {
		p.logger.Warn("[AuthPool] lease_release_failed", "mode", mode, "error", err)
	}
}

// disableAccount handles a terminal refresh error: the grant is revoked, so
// the account is disabled outright rather than cooled down.
func (p *Pool) disableAccount(mode string, rec *account.Record, idx int, cause error) {
	_, err := p.accounts.Update(func(doc *account.Document) error {
		dom := account.GetDomain(doc, mode)
		if dom == nil {
			return store.ErrNoChange
		}
		i := locate(dom, rec, idx)
		if i < 0 {
			return store.ErrNoChange
		}
		cur := &dom.Accounts[i]
		cur.Enabled = false
		cur.RefreshLeaseUntil = 0
		cur.CooldownUntil = 0
		dom.ReconcileActiveKey()
		return nil
	})
	if err != nil {
		p.logger.Warn("[AuthPool] disable_failed", "mode", mode, "error", err)
	}
	p.logger.Warn("[AuthPool] account_disabled",
		"mode", mode,
		"label", rec.DisplayLabel(),
		"error", cause,
	)
	p.recordHistory(history.Event{
		Type:        history.EventAccountDisabled,
		Mode:        mode,
		IdentityKey: rec.IdentityKey,
		Label:       rec.DisplayLabel(),
		Detail:      cause.Error(),
	})
}

// parkAfterFailure cools the account down after a transient refresh failure
// and clears our lease.
func (p *Pool) parkAfterFailure(mode string, rec *account.Record, idx int, cause error) {
	until := p.now().Add(p.failureCooldown).UnixMilli()
	_, err := p.accounts.Update(func(doc *account.Document) error {
		dom := account.GetDomain(doc, mode)
		if dom == nil {
			return store.ErrNoChange
		}
		i := locate(dom, rec, idx)
		if i < 0 {
			return store.ErrNoChange
		}
		cur := &dom.Accounts[i]
		cur.RefreshLeaseUntil = 0
		cur.CooldownUntil = until
		return nil
	})
	if err != nil {
		p.logger.Warn("[AuthPool] cooldown_write_failed", "mode", mode, "error", err)
	}
	p.logger.Warn("[AuthPool] refresh_failed",
		"mode", mode,
		"label", rec.DisplayLabel(),
		"cooldown_until", until,
		"error", cause,
	)
	p.recordHistory(history.Event{
		Type:        history.EventRefreshFailed,
		Mode:        mode,
		IdentityKey: rec.IdentityKey,
		Label:       rec.DisplayLabel(),
		Detail:      cause.Error(),
	})
}

// parkMissingRefresh sets a short cooldown on an account that cannot refresh
// at all, and classifies the skip for the exhaustion error.
func (p *Pool) parkMissingRefresh(mode string, rec *account.Record, idx int, now time.Time, tally *failureTally) {
	tally.missingRefresh = true
	until := now.Add(p.missingRefreshCooldown).UnixMilli()
	_, err := p.accounts.Update(func(doc *account.Document) error {
		dom := account.GetDomain(doc, mode)
		if dom == nil {
			return store.ErrNoChange
		}
		i := locate(dom, rec, idx)
		if i < 0 {
			return store.ErrNoChange
		}
		dom.Accounts[i].CooldownUntil = until
		return nil
	})
	if err != nil {
		p.logger.Warn("[AuthPool] cooldown_write_failed", "mode", mode, "error", err)
	}
	p.logger.Warn("[AuthPool] missing_refresh_token",
		"mode", mode,
		"label", rec.DisplayLabel(),
		"cooldown_until", until,
	)
	p.recordHistory(history.Event{
		Type:        history.EventCooldownSet,
		Mode:        mode,
		IdentityKey: rec.IdentityKey,
		Label:       rec.DisplayLabel(),
		Detail:      "missing refresh token",
	})
}

// markUsed bumps last_used and the active pointer on a cached-token hit,
// throttled so hot paths do not rewrite the file every call.
func (p *Pool) markUsed(mode string, rec *account.Record, idx int, now time.Time) {
	nowMs := now.UnixMilli()
	if nowMs-rec.LastUsed < p.lastUsedThrottle.Milliseconds() {
		snap := p.accounts.Load()
		if dom := account.GetDomain(&snap, mode); dom != nil {
			if rec.IdentityKey == "" || dom.ActiveIdentityKey == rec.IdentityKey {
				return
			}
		}
	}
	_, err := p.accounts.Update(func(doc *account.Document) error {
		dom := account.GetDomain(doc, mode)
		if dom == nil {
			return store.ErrNoChange
		}
		i := locate(dom, rec, idx)
		if i < 0 {
			return store.ErrNoChange
		}
		cur := &dom.Accounts[i]
		changed := false
		if nowMs-cur.LastUsed >= p.lastUsedThrottle.Milliseconds() {
			cur.LastUsed = nowMs
			changed = true
		}
		if cur.IdentityKey != "" && dom.ActiveIdentityKey != cur.IdentityKey {
			dom.ActiveIdentityKey = cur.IdentityKey
			changed = true
		}
		if !changed {
			return store.ErrNoChange
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("[AuthPool] last_used_write_failed", "mode", mode, "error", err)
	}
}

// sessionState returns a working copy of the mode's affinity state. The copy
// is mutated by selection and merged back by persistAffinity.
func (p *Pool) sessionState(mode string) *affinity.ModeState {
	doc := p.sessions.Load()
	src := doc.Mode(mode)
	out := &affinity.ModeState{
		Seen:   make(map[string]int64, len(src.Seen)),
		Sticky: make(map[string]string, len(src.Sticky)),
		Hybrid: make(map[string]string, len(src.Hybrid)),
	}
	for k, v := range src.Seen {
		out.Seen[k] = v
	}
	for k, v := range src.Sticky {
		out.Sticky[k] = v
	}
	for k, v := range src.Hybrid {
		out.Hybrid[k] = v
	}
	return out
}

// persistAffinity merges this session's entries back into the persisted
// snapshot. Only our own session key is written so concurrent processes do
// not clobber each other's assignments.
func (p *Pool) persistAffinity(mode, sessionKey string, state *affinity.ModeState) {
	if sessionKey == "" || state == nil {
		return
	}
	_, err := p.sessions.Update(func(doc *affinity.Document) error {
		target := doc.Mode(mode)
		changed := false
		if seen, ok := state.Seen[sessionKey]; ok && target.Seen[sessionKey] != seen {
			// Touch enforces the per-mode session cap on the persisted
			// maps, not just the working copy.
			target.Touch(sessionKey, seen)
			changed = true
		}
		if key, ok := state.Sticky[sessionKey]; ok && target.Sticky[sessionKey] != key {
			target.Sticky[sessionKey] = key
			changed = true
		}
		if key, ok := state.Hybrid[sessionKey]; ok && target.Hybrid[sessionKey] != key {
			target.Hybrid[sessionKey] = key
			changed = true
		}
		if !changed {
			return store.ErrNoChange
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("[AuthPool] affinity_write_failed", "mode", mode, "error", err)
	}
}

// exhausted classifies why the selection loop ran out of accounts. A future
// cooldown or lease on any enabled account wins, with the earliest wait;
// otherwise the most specific reason observed during this call is reported.
func (p *Pool) exhausted(mode string, dom *account.Domain, now time.Time, tally *failureTally) *AuthError {
	if wait, ok := earliestUsable(dom, now); ok {
		return &AuthError{Kind: KindAllAccountsCooling, Mode: mode, Wait: wait}
	}
	switch {
	case tally.invalidGrant != nil:
		return &AuthError{Kind: KindRefreshInvalidGrant, Mode: mode, Err: tally.invalidGrant}
	case tally.missingRefresh:
		return &AuthError{Kind: KindMissingRefreshToken, Mode: mode}
	case tally.missingIdentity:
		return &AuthError{Kind: KindMissingAccountIdentity, Mode: mode}
	case tally.refreshFailed != nil:
		return &AuthError{Kind: KindRefreshFailed, Mode: mode, Err: tally.refreshFailed}
	case dom.EnabledCount() == 0:
		return &AuthError{Kind: KindNoEnabledAccounts, Mode: mode}
	default:
		return &AuthError{Kind: KindNoValidAccessToken, Mode: mode}
	}
}

// earliestUsable returns how long until the first enabled account sheds its
// cooldown or lease. ok is false when no enabled account has a future
// exclusion, meaning waiting would not help.
func earliestUsable(dom *account.Domain, now time.Time) (time.Duration, bool) {
	nowMs := now.UnixMilli()
	var earliest int64
	for i := range dom.Accounts {
		rec := &dom.Accounts[i]
		if !rec.Enabled {
			continue
		}
		until := rec.CooldownUntil
		if rec.RefreshLeaseUntil > until {
			until = rec.RefreshLeaseUntil
		}
		if until <= nowMs {
			continue
		}
		if earliest == 0 || until < earliest {
			earliest = until
		}
	}
	if earliest == 0 {
		return 0, false
	}
	return time.Duration(earliest-nowMs) * time.Millisecond, true
}

// attemptKey identifies an account across re-reads within one Acquire call:
// by identity key when present, else by metadata tuple, else by position.
func attemptKey(idx int, rec *account.Record) string {
	if rec.IdentityKey != "" {
		return "ik:" + rec.IdentityKey
	}
	if rec.AccountID != "" || rec.Email != "" || rec.Plan != "" {
		return fmt.Sprintf("tuple:%s|%s|%s", rec.AccountID, rec.Email, rec.Plan)
	}
	return "pos:" + strconv.Itoa(idx)
}

// locate finds the record in a freshly re-read domain: identity key first,
// then metadata tuple, then the original position if the refresh token still
// matches. Returns -1 when the record cannot be found safely.
func locate(dom *account.Domain, rec *account.Record, idx int) int {
	if rec.IdentityKey != "" {
		if i := dom.FindByIdentityKey(rec.IdentityKey); i >= 0 {
			return i
		}
	}
	if rec.AccountID != "" || rec.Email != "" || rec.Plan != "" {
		for i := range dom.Accounts {
			cur := &dom.Accounts[i]
			if cur.AccountID == rec.AccountID && cur.Email == rec.Email && cur.Plan == rec.Plan {
				return i
			}
		}
	}
	if idx >= 0 && idx < len(dom.Accounts) {
		cur := &dom.Accounts[idx]
		if cur.IdentityKey == rec.IdentityKey && cur.Refresh == rec.Refresh {
			return idx
		}
	}
	return -1
}
