package authpool

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the machine-readable classification of an acquisition failure.
type Kind string

const (
	KindOAuthNotConfigured     Kind = "oauth_not_configured"
	KindNoAccountsConfigured   Kind = "no_accounts_configured"
	KindNoEnabledAccounts      Kind = "no_enabled_accounts"
	KindMissingRefreshToken    Kind = "missing_refresh_token"
	KindMissingAccountIdentity Kind = "missing_account_identity"
	// KindRefreshInvalidGrant is terminal: the grant is revoked and the
	// account has been disabled.
	KindRefreshInvalidGrant Kind = "refresh_invalid_grant"
	KindRefreshFailed       Kind = "refresh_failed"
	KindAllAccountsCooling  Kind = "all_accounts_cooling_down"
	KindStorage             Kind = "auth_storage_error"
	// KindNoValidAccessToken is the fallback when the loop
	// exits without a more specific classification.
	KindNoValidAccessToken Kind = "no_valid_access_token"
)

// remediations maps each failure kind to an instruction the user can act on.
// This is a credential system: the user is usually the only one who can fix
// the underlying problem, so every failure carries one.
var remediations = map[Kind]string{
	KindOAuthNotConfigured:     "configure a token endpoint for this mode in config.toml",
	KindNoAccountsConfigured:   "no accounts configured for this mode; log in with the provider CLI and run 'caam accounts import'",
	KindNoEnabledAccounts:      "every account for this mode is disabled; re-run the login flow or 'caam accounts enable'",
	KindMissingRefreshToken:    "account has no refresh token; re-run the login flow to obtain one",
	KindMissingAccountIdentity: "account metadata is incomplete; re-import the account so its identity can be resolved",
	KindRefreshInvalidGrant:    "the provider revoked this account's grant; re-run the login flow for it",
	KindRefreshFailed:          "token refresh failed; check network connectivity and retry",
	KindAllAccountsCooling:     "every account is cooling down; wait for the reported interval or add another account",
	KindStorage:                "could not read or write the account store; check permissions on the data directory",
	KindNoValidAccessToken:     "no usable access token could be produced; re-run the login flow",
}

// AuthError is a classified acquisition failure.
type AuthError struct {
	Kind Kind
	Mode string
	// Wait is how long until the earliest account becomes usable again;
	// only set for KindAllAccountsCooling.
	Wait time.Duration
	Err  error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("auth %s: %s", e.Mode, e.Kind)
	if e.Wait > 0 {
		msg += fmt.Sprintf(" (retry in %s)", e.Wait.Round(time.Second))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// Remediation returns the human-readable instruction for this failure.
func (e *AuthError) Remediation() string {
	if r, ok := remediations[e.Kind]; ok {
		return r
	}
	return remediations[KindNoValidAccessToken]
}

// IsKind reports whether err is an AuthError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == kind
}
