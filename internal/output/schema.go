// Package output defines the machine-readable CLI schemas and the human
// rendering helpers. The JSON shapes are a compatibility contract consumed by
// external tooling; field names and types must not change.
package output

import (
	"time"

	"github.com/Dicklesworthstone/caam/internal/account"
	"github.com/Dicklesworthstone/caam/internal/quota"
)

// Account is one account in `list --json` output.
type Account struct {
	ID            string     `json:"id"`
	Provider      string     `json:"provider"`
	Email         string     `json:"email,omitempty"`
	Label         string     `json:"label,omitempty"`
	Plan          string     `json:"plan,omitempty"`
	Active        bool       `json:"active"`
	Enabled       bool       `json:"enabled"`
	RateLimited   bool       `json:"rate_limited,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	UsagePct      *float64   `json:"usage_pct,omitempty"`
}

// SwitchResult is the `switch --next --json` output.
type SwitchResult struct {
	Success           bool   `json:"success"`
	Provider          string `json:"provider"`
	PreviousAccount   string `json:"previous_account,omitempty"`
	NewAccount        string `json:"new_account,omitempty"`
	AccountsRemaining int    `json:"accounts_remaining"`
	Error             string `json:"error,omitempty"`
}

// ErrorResponse is the standard JSON error format.
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// StatusReport is the `status --json` output: all modes at once.
type StatusReport struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Modes       map[string][]Account `json:"modes"`
}

// FromRecord converts a stored record into the contract shape. The contract's
// "id" is the identity key when resolved, falling back to the label.
func FromRecord(mode string, rec *account.Record, activeKey string, now time.Time, usage *quota.Snapshot) Account {
	acct := Account{
		ID:          rec.IdentityKey,
		Provider:    mode,
		Email:       rec.Email,
		Label:       rec.DisplayLabel(),
		Plan:        rec.Plan,
		Active:      rec.IdentityKey != "" && rec.IdentityKey == activeKey,
		Enabled:     rec.Enabled,
		RateLimited: rec.InCooldown(now),
	}
	if acct.ID == "" {
		acct.ID = rec.DisplayLabel()
	}
	if rec.CooldownUntil > now.UnixMilli() {
		t := time.UnixMilli(rec.CooldownUntil).UTC()
		acct.CooldownUntil = &t
	}
	if rec.LastUsed > 0 {
		t := time.UnixMilli(rec.LastUsed).UTC()
		acct.LastUsed = &t
	}
	if usage != nil {
		pct := usage.HighestUsage()
		acct.UsagePct = &pct
	}
	return acct
}

// AccountsFor converts a whole domain.
func AccountsFor(mode string, dom *account.Domain, now time.Time, usage map[string]*quota.Snapshot) []Account {
	if dom == nil {
		return []Account{}
	}
	out := make([]Account, 0, len(dom.Accounts))
	for i := range dom.Accounts {
		rec := &dom.Accounts[i]
		out = append(out, FromRecord(mode, rec, dom.ActiveIdentityKey, now, usage[rec.IdentityKey]))
	}
	return out
}
