// Package account defines the persisted account model: per-mode domains of
// OAuth accounts, the on-disk document schema, and the upsert/reconcile rules
// that keep identity pointers consistent.
package account

import (
	"encoding/json"
	"time"

	"github.com/Dicklesworthstone/caam/internal/identity"
)

// Record is one OAuth-authenticated account. All timestamps are epoch
// milliseconds; zero means unset.
type Record struct {
	// IdentityKey is the canonical "accountId|email|plan" key. Empty means
	// the identity is not yet resolvable and the record is matched by
	// tuple or positional fallback only.
	IdentityKey string `json:"identity_key,omitempty"`

	AccountID string `json:"account_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Plan      string `json:"plan,omitempty"`

	// Label is a human-friendly name shown in CLI output. Defaults to the
	// email when present.
	Label string `json:"label,omitempty"`

	// Enabled defaults to true; disabled accounts are never selected.
	Enabled bool `json:"enabled"`

	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`

	// ExpiresAt is the access-token expiry.
	ExpiresAt int64 `json:"expires_at,omitempty"`

	// RefreshLeaseUntil is set while a token refresh is in flight for this
	// account. It acts as a cross-process mutual-exclusion marker.
	RefreshLeaseUntil int64 `json:"refresh_lease_until,omitempty"`

	// CooldownUntil excludes the account from selection until it passes.
	CooldownUntil int64 `json:"cooldown_until,omitempty"`

	// LastUsed is the last time this account successfully served a request.
	LastUsed int64 `json:"last_used,omitempty"`
}

// UnmarshalJSON treats an absent "enabled" field as true so that documents
// written before the field existed keep their accounts selectable.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	aux := struct {
		Enabled *bool `json:"enabled"`
		*alias
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}

// Key returns the parsed identity key, or the zero key when the stored key is
// absent or malformed.
func (r *Record) Key() identity.Key {
	k, _ := identity.Parse(r.IdentityKey)
	return k
}

// DeriveKey builds the canonical key from the record's metadata fields.
func (r *Record) DeriveKey() (identity.Key, bool) {
	return identity.Build(r.AccountID, r.Email, r.Plan)
}

// EnsureIdentityKey assigns the derived canonical key only when the record
// has none. Returns true if the record was modified.
func (r *Record) EnsureIdentityKey() bool {
	if r.IdentityKey != "" {
		return false
	}
	k, ok := r.DeriveKey()
	if !ok {
		return false
	}
	r.IdentityKey = k.String()
	return true
}

// SynchronizeIdentityKey recomputes the canonical key and overwrites the
// stored one only when the stored key is itself canonical or a recognized
// legacy format. An arbitrary externally assigned identifier is never
// silently rewritten. Returns true if the record was modified.
func (r *Record) SynchronizeIdentityKey() bool {
	k, ok := r.DeriveKey()
	if !ok {
		return false
	}
	if !identity.Rewritable(r.IdentityKey) {
		return false
	}
	if r.IdentityKey == k.String() {
		return false
	}
	r.IdentityKey = k.String()
	return true
}

// Expired reports whether the access token is missing or past its expiry.
func (r *Record) Expired(now time.Time) bool {
	if r.Access == "" {
		return true
	}
	if r.ExpiresAt == 0 {
		return true
	}
	return now.UnixMilli() >= r.ExpiresAt
}

// InCooldown reports whether the account is excluded by an active cooldown.
func (r *Record) InCooldown(now time.Time) bool {
	return r.CooldownUntil > now.UnixMilli()
}

// LeaseHeld reports whether another caller currently holds an unexpired
// refresh lease on this account.
func (r *Record) LeaseHeld(now time.Time) bool {
	return r.RefreshLeaseUntil > now.UnixMilli()
}

// Eligible reports whether the account may be selected for use right now.
func (r *Record) Eligible(now time.Time) bool {
	return r.Enabled && !r.InCooldown(now) && !r.LeaseHeld(now)
}

// DisplayLabel returns the label, falling back to email, then identity key,
// then account ID.
func (r *Record) DisplayLabel() string {
	switch {
	case r.Label != "":
		return r.Label
	case r.Email != "":
		return r.Email
	case r.IdentityKey != "":
		return r.IdentityKey
	default:
		return r.AccountID
	}
}

// Clone returns a copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}
