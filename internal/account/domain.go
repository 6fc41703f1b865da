package account

import "strings"

// SchemaVersion is the current on-disk document version.
const SchemaVersion = 1

// Known auth modes. A mode names an upstream identity presentation scheme;
// domains for other modes are created lazily and work the same way.
const (
	ModeNative = "native"
	ModeCodex  = "codex"
)

// Domain is the set of accounts usable under one auth mode. Account order is
// insertion order and is significant: round-robin and positional fallback
// matching both depend on it.
type Domain struct {
	Accounts []Record `json:"accounts,omitempty"`

	// ActiveIdentityKey points at the last account that successfully served
	// a request.
	ActiveIdentityKey string `json:"active_identity_key,omitempty"`

	// Strategy is the configured rotation strategy name. Empty means the
	// caller applies its default.
	Strategy string `json:"strategy,omitempty"`
}

// Document is the whole persisted account state, keyed by auth mode.
type Document struct {
	SchemaVersion int                `json:"schema_version"`
	Modes         map[string]*Domain `json:"modes,omitempty"`
}

// Normalize repairs a freshly decoded document: missing maps are allocated,
// the schema version is stamped, and malformed fields are dropped rather than
// trusted.
func (d *Document) Normalize() {
	if d.SchemaVersion == 0 {
		d.SchemaVersion = SchemaVersion
	}
	if d.Modes == nil {
		d.Modes = make(map[string]*Domain)
	}
	for mode, dom := range d.Modes {
		if dom == nil {
			d.Modes[mode] = &Domain{}
			continue
		}
		for i := range dom.Accounts {
			rec := &dom.Accounts[i]
			// Negative timestamps are garbage; zero them instead of
			// letting them poison eligibility checks.
			if rec.ExpiresAt < 0 {
				rec.ExpiresAt = 0
			}
			if rec.RefreshLeaseUntil < 0 {
				rec.RefreshLeaseUntil = 0
			}
			if rec.CooldownUntil < 0 {
				rec.CooldownUntil = 0
			}
			if rec.LastUsed < 0 {
				rec.LastUsed = 0
			}
			rec.IdentityKey = strings.TrimSpace(rec.IdentityKey)
		}
	}
}

// GetDomain returns the domain for a mode without mutating the document.
// Returns nil when the mode has never been used.
func GetDomain(doc *Document, mode string) *Domain {
	if doc == nil || doc.Modes == nil {
		return nil
	}
	return doc.Modes[mode]
}

// EnsureDomain returns the domain for a mode, creating an empty one for
// write paths.
func EnsureDomain(doc *Document, mode string) *Domain {
	if doc.Modes == nil {
		doc.Modes = make(map[string]*Domain)
	}
	dom, ok := doc.Modes[mode]
	if !ok || dom == nil {
		dom = &Domain{}
		doc.Modes[mode] = dom
	}
	return dom
}

// FindByIdentityKey returns the index of the record whose identity key
// matches, or -1.
func (d *Domain) FindByIdentityKey(key string) int {
	if key == "" {
		return -1
	}
	for i := range d.Accounts {
		if d.Accounts[i].IdentityKey == key {
			return i
		}
	}
	return -1
}

// EnabledCount returns the number of enabled accounts.
func (d *Domain) EnabledCount() int {
	n := 0
	for i := range d.Accounts {
		if d.Accounts[i].Enabled {
			n++
		}
	}
	return n
}

// ReconcileActiveKey repairs the active-identity pointer after deletions or
// disablement. If the pointer no longer references an enabled account with a
// matching identity, it is reassigned to any enabled account that has an
// identity key, else cleared. Stale pointers must never persist.
func (d *Domain) ReconcileActiveKey() {
	if idx := d.FindByIdentityKey(d.ActiveIdentityKey); idx >= 0 && d.Accounts[idx].Enabled {
		return
	}
	for i := range d.Accounts {
		if d.Accounts[i].Enabled && d.Accounts[i].IdentityKey != "" {
			d.ActiveIdentityKey = d.Accounts[i].IdentityKey
			return
		}
	}
	d.ActiveIdentityKey = ""
}
