// Package authpool is the account acquisition core: it composes the persisted
// account store, the rotation engine, session affinity, and the token
// refresher into a single Acquire call that yields a usable access token or a
// classified failure.
//
// Concurrency discipline: the store lock is held only for read-mutate-write
// transitions, never across a network refresh. At-most-one in-flight refresh
// per account across processes is enforced by a time-bounded lease recorded in
// the account record itself.
package authpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Dicklesworthstone/caam/internal/account"
	"github.com/Dicklesworthstone/caam/internal/affinity"
	"github.com/Dicklesworthstone/caam/internal/history"
	"github.com/Dicklesworthstone/caam/internal/oauth"
	"github.com/Dicklesworthstone/caam/internal/rotation"
	"github.com/Dicklesworthstone/caam/internal/store"
)

// Defaults for the pool's timing knobs.
const (
	// DefaultLeaseTTL bounds how long a refresh lease excludes an account.
	// A crashed process's lease expires on its own after this.
	DefaultLeaseTTL = 30 * time.Second

	// DefaultMissingRefreshCooldown parks an account that has no refresh
	// token, so repeated acquisitions do not re-inspect it immediately.
	DefaultMissingRefreshCooldown = 30 * time.Second

	// DefaultFailureCooldown parks an account after a transient refresh
	// failure.
	DefaultFailureCooldown = 2 * time.Minute

	// DefaultLastUsedThrottle bounds how often a cached-token hit rewrites
	// the store just to bump last_used.
	DefaultLastUsedThrottle = time.Minute
)

// Refresher exchanges a refresh token for a fresh access token.
// *oauth.Client satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, mode, refreshToken string) (*oauth.Token, error)
}

// Notifier receives account-switch notifications. Implementations may surface
// them to the user; a nil notifier is silent.
type Notifier interface {
	AccountSwitched(mode, from, to, reason string)
}

// Credential is a usable access token plus the identity it belongs to.
type Credential struct {
	IdentityKey string
	AccountID   string
	Label       string
	Access      string
	ExpiresAt   int64
	// Refreshed is true when this call performed a network refresh rather
	// than serving a cached token.
	Refreshed bool
	// Trace records how the account was selected.
	Trace rotation.Trace
}

// SwitchOutcome reports a forced rotation.
type SwitchOutcome struct {
	Previous  string
	New       string
	Remaining int
}

// Options configures a Pool. Zero values get defaults.
type Options struct {
	Accounts  *store.Store[account.Document]
	Sessions  *store.Store[affinity.Document]
	Refresher Refresher
	Notifier  Notifier
	History   *history.Logger
	Logger    *slog.Logger

	// DefaultStrategy applies when a domain has none configured.
	DefaultStrategy rotation.Strategy

	LeaseTTL               time.Duration
	MissingRefreshCooldown time.Duration
	FailureCooldown        time.Duration
	LastUsedThrottle       time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
	// PID salts fresh sticky assignments; defaults to the process id.
	PID int
}

// Pool coordinates account selection and token refresh over the persisted
// stores.
type Pool struct {
	accounts  *store.Store[account.Document]
	sessions  *store.Store[affinity.Document]
	refresher Refresher
	notifier  Notifier
	history   *history.Logger
	logger    *slog.Logger

	defaultStrategy        rotation.Strategy
	leaseTTL               time.Duration
	missingRefreshCooldown time.Duration
	failureCooldown        time.Duration
	lastUsedThrottle       time.Duration

	now func() time.Time
	pid int
}

// New builds a Pool. Accounts, Sessions, and Refresher are required.
func New(opts Options) *Pool {
	p := &Pool{
		accounts:               opts.Accounts,
		sessions:               opts.Sessions,
		refresher:              opts.Refresher,
		notifier:               opts.Notifier,
		history:                opts.History,
		logger:                 opts.Logger,
		defaultStrategy:        opts.DefaultStrategy,
		leaseTTL:               opts.LeaseTTL,
		missingRefreshCooldown: opts.MissingRefreshCooldown,
		failureCooldown:        opts.FailureCooldown,
		lastUsedThrottle:       opts.LastUsedThrottle,
		now:                    opts.Clock,
		pid:                    opts.PID,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.defaultStrategy == "" {
		p.defaultStrategy = rotation.StrategySticky
	}
	if p.leaseTTL <= 0 {
		p.leaseTTL = DefaultLeaseTTL
	}
	if p.missingRefreshCooldown <= 0 {
		p.missingRefreshCooldown = DefaultMissingRefreshCooldown
	}
	if p.failureCooldown <= 0 {
		p.failureCooldown = DefaultFailureCooldown
	}
	if p.lastUsedThrottle <= 0 {
		p.lastUsedThrottle = DefaultLastUsedThrottle
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.pid == 0 {
		p.pid = os.Getpid()
	}
	return p
}

// Snapshot returns the current account document without locking.
func (p *Pool) Snapshot() account.Document {
	return p.accounts.Load()
}

// Strategy returns the effective rotation strategy for a mode.
func (p *Pool) Strategy(mode string) rotation.Strategy {
	doc := p.accounts.Load()
	if dom := account.GetDomain(&doc, mode); dom != nil {
		return rotation.ParseStrategy(dom.Strategy, p.defaultStrategy)
	}
	return p.defaultStrategy
}

// RotateNext forces a round-robin advance past the active account,
// independently of the domain's configured strategy. It is the engine behind
// an explicit "switch to the next account" command.
func (p *Pool) RotateNext(mode string) (SwitchOutcome, error) {
	now := p.now()
	var out SwitchOutcome
	_, err := p.accounts.Update(func(doc *account.Document) error {
		dom := account.GetDomain(doc, mode)
		if dom == nil || len(dom.Accounts) == 0 {
			return &AuthError{Kind: KindNoAccountsConfigured, Mode: mode}
		}
		prevIdx := dom.FindByIdentityKey(dom.ActiveIdentityKey)
		if prevIdx >= 0 {
			out.Previous = dom.Accounts[prevIdx].DisplayLabel()
		}

		skip := func(_ int, rec *account.Record) bool {
			return rec.IdentityKey != "" && rec.IdentityKey == dom.ActiveIdentityKey
		}
		idx, trace := rotation.Select(dom.Accounts, rotation.StrategyRoundRobin, dom.ActiveIdentityKey, now, rotation.Options{Skip: skip})
		if idx < 0 {
			return &AuthError{Kind: KindNoEnabledAccounts, Mode: mode, Err: fmt.Errorf("no other account usable (%s)", trace.Reason)}
		}

		rec := &dom.Accounts[idx]
		rec.EnsureIdentityKey()
		dom.ActiveIdentityKey = rec.IdentityKey
		out.New = rec.DisplayLabel()
		out.Remaining = 0
		for i := range dom.Accounts {
			if i != idx && dom.Accounts[i].Eligible(now) {
				out.Remaining++
			}
		}
		return nil
	})
	if err != nil {
		return SwitchOutcome{}, err
	}

	p.logger.Info("[AuthPool] rotate_next", "mode", mode, "from", out.Previous, "to", out.New)
	p.recordHistory(history.Event{
		Type:   history.EventRotation,
		Mode:   mode,
		Label:  out.New,
		Detail: "manual switch from " + out.Previous,
	})
	if p.notifier != nil {
		p.notifier.AccountSwitched(mode, out.Previous, out.New, "manual")
	}
	return out, nil
}

// SetCooldown parks the identified account until the given time. The fetch
// layer calls this on upstream rate limiting.
func (p *Pool) SetCooldown(mode, identityKey string, until time.Time) error {
	_, err := p.accounts.Update(func(doc *account.Document) error {
		dom := account.GetDomain(doc, mode)
		if dom == nil {
			return store.ErrNoChange
		}
		idx := dom.FindByIdentityKey(identityKey)
		if idx < 0 {
			return store.ErrNoChange
		}
		dom.Accounts[idx].CooldownUntil = until.UnixMilli()
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info("[AuthPool] cooldown_set", "mode", mode, "identity_key", identityKey, "until", until)
	p.recordHistory(history.Event{
		Type:        history.EventCooldownSet,
		Mode:        mode,
		IdentityKey: identityKey,
		Detail:      "until " + until.UTC().Format(time.RFC3339),
	})
	return nil
}

// SelectForBackground picks an account for a sessionless background task with
// the domain's configured strategy, without mutating any state. Returns nil
// when nothing is usable.
func (p *Pool) SelectForBackground(mode string) *account.Record {
	doc := p.accounts.Load()
	dom := account.GetDomain(&doc, mode)
	if dom == nil || len(dom.Accounts) == 0 {
		return nil
	}
	strategy := rotation.ParseStrategy(dom.Strategy, p.defaultStrategy)
	idx, _ := rotation.Select(dom.Accounts, strategy, dom.ActiveIdentityKey, p.now(), rotation.Options{})
	if idx < 0 {
		return nil
	}
	return dom.Accounts[idx].Clone()
}

// InvalidateAffinity clears a session's account assignments so the next
// acquisition reselects.
func (p *Pool) InvalidateAffinity(mode, sessionKey string) error {
	if sessionKey == "" {
		return nil
	}
	_, err := p.sessions.Update(func(doc *affinity.Document) error {
		state := doc.Mode(mode)
		if _, sticky := state.Sticky[sessionKey]; !sticky {
			if _, hybrid := state.Hybrid[sessionKey]; !hybrid {
				return store.ErrNoChange
			}
		}
		state.Invalidate(sessionKey)
		return nil
	})
	return err
}

// PruneSessions drops affinity entries for sessions that no longer exist.
func (p *Pool) PruneSessions(checker affinity.Checker, grace time.Duration) error {
	_, err := p.sessions.Update(func(doc *affinity.Document) error {
		doc.Prune(checker, p.now(), grace)
		return nil
	})
	return err
}

func (p *Pool) recordHistory(ev history.Event) {
	if p.history == nil {
		return
	}
	if err := p.history.Record(ev); err != nil {
		p.logger.Warn("[AuthPool] history_write_failed", "error", err)
	}
}
