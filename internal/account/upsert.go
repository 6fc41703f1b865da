package account

// Upsert merges an incoming account (from login or a transfer import) into a
// domain and returns the index of the resulting record.
//
// Match policy: strict identity first; refresh-token equality is consulted
// only when the incoming record carries no resolvable identity, so an
// unidentified import can still update the account it belongs to without ever
// stealing a record that positively identifies as someone else. No match
// appends, preserving insertion order.
func Upsert(d *Domain, incoming Record) int {
	incoming.EnsureIdentityKey()
	if incoming.Label == "" {
		incoming.Label = incoming.Email
	}

	if incoming.IdentityKey != "" {
		if idx := d.FindByIdentityKey(incoming.IdentityKey); idx >= 0 {
			merge(&d.Accounts[idx], incoming)
			return idx
		}
	} else if incoming.Refresh != "" {
		for i := range d.Accounts {
			if d.Accounts[i].Refresh == incoming.Refresh {
				merge(&d.Accounts[i], incoming)
				return i
			}
		}
	}

	d.Accounts = append(d.Accounts, incoming)
	return len(d.Accounts) - 1
}

// merge overlays incoming credentials and metadata onto an existing record.
// Health bookkeeping (cooldown, lease, lastUsed) is kept from the existing
// record; fresh credentials do not erase an active cooldown. An account that
// re-authenticates is re-enabled, since the user has just proven the grant
// works again.
func merge(existing *Record, incoming Record) {
	if incoming.AccountID != "" {
		existing.AccountID = incoming.AccountID
	}
	if incoming.Email != "" {
		existing.Email = incoming.Email
	}
	if incoming.Plan != "" {
		existing.Plan = incoming.Plan
	}
	if incoming.Label != "" {
		existing.Label = incoming.Label
	}
	if incoming.Access != "" {
		existing.Access = incoming.Access
		existing.ExpiresAt = incoming.ExpiresAt
	}
	if incoming.Refresh != "" {
		existing.Refresh = incoming.Refresh
		existing.Enabled = true
		existing.RefreshLeaseUntil = 0
	}
	existing.SynchronizeIdentityKey()
	existing.EnsureIdentityKey()
}
