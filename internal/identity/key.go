// Package identity derives stable composite identity keys for accounts.
//
// A key is built from the provider-reported account ID, email, and plan and is
// used as the primary key for an account everywhere in caam. Email and plan
// are case-folded and whitespace-trimmed before any comparison so that the key
// is insensitive to cosmetic differences in provider responses.
package identity

import "strings"

// Separator joins the key parts in canonical string form.
const Separator = "|"

// Key is the composite identity of a real-world account. The zero Key means
// the identity is not resolvable (one or more parts missing).
type Key struct {
	AccountID string
	Email     string
	Plan      string
}

// Build constructs a Key from raw provider metadata. Email and plan are
// normalized (trim + lowercase); account ID is trimmed but case-preserved.
// Returns the zero Key and false unless all three parts are non-empty.
func Build(accountID, email, plan string) (Key, bool) {
	k := Key{
		AccountID: strings.TrimSpace(accountID),
		Email:     normalize(email),
		Plan:      normalize(plan),
	}
	if k.AccountID == "" || k.Email == "" || k.Plan == "" {
		return Key{}, false
	}
	return k, true
}

// Parse decodes a canonical key string. Returns false for anything that is
// not exactly three non-empty pipe-separated parts.
func Parse(s string) (Key, bool) {
	parts := strings.Split(s, Separator)
	if len(parts) != 3 {
		return Key{}, false
	}
	return Build(parts[0], parts[1], parts[2])
}

// String renders the canonical "accountId|email|plan" form. The zero Key
// renders as the empty string.
func (k Key) String() string {
	if k.IsZero() {
		return ""
	}
	return k.AccountID + Separator + k.Email + Separator + k.Plan
}

// IsZero reports whether the key carries no identity.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Equal compares two keys after normalization.
func (k Key) Equal(other Key) bool {
	return k == other
}

// IsCanonical reports whether s round-trips through Parse, i.e. it is already
// in the normalized three-part form.
func IsCanonical(s string) bool {
	k, ok := Parse(s)
	if !ok {
		return false
	}
	return k.String() == s
}

// IsLegacy reports whether s is a recognized legacy key format. Before
// account IDs were recorded, keys were written as "email|plan".
func IsLegacy(s string) bool {
	parts := strings.Split(s, Separator)
	if len(parts) != 2 {
		return false
	}
	return strings.TrimSpace(parts[0]) != "" && strings.TrimSpace(parts[1]) != ""
}

// Rewritable reports whether a stored key may be overwritten by a freshly
// derived canonical key. Only canonical and legacy formats self-heal;
// anything else is treated as an externally meaningful identifier and left
// alone.
func Rewritable(s string) bool {
	return s == "" || IsCanonical(s) || IsLegacy(s)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
