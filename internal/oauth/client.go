// Package oauth wraps the upstream token endpoint: refreshing access tokens
// with bounded timeouts and classifying failures as terminal (revoked grant)
// or transient. It implements only the slice of the protocol the rotation
// core needs; interactive login lives outside this binary.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds a single token-endpoint round trip. A timed-out
// refresh is transient, never terminal.
const DefaultTimeout = 30 * time.Second

// Token is the result of a successful refresh.
type Token struct {
	Access string
	// Refresh is the rotated refresh token when the endpoint issued one,
	// otherwise empty and the caller keeps the old one.
	Refresh string
	// ExpiresAt is the access-token expiry in epoch milliseconds.
	ExpiresAt int64
	// IDToken carries the raw id_token when present.
	IDToken string
}

// Endpoint describes one auth mode's token endpoint.
type Endpoint struct {
	TokenURL string
	ClientID string
	Scopes   []string
}

// Client refreshes tokens against one or more mode endpoints.
type Client struct {
	endpoints map[string]Endpoint
	hc        *http.Client
	logger    *slog.Logger
}

// NewClient builds a client from per-mode endpoints. A nil httpClient gets a
// default with the bounded timeout.
func NewClient(endpoints map[string]Endpoint, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{endpoints: endpoints, hc: httpClient, logger: logger}
}

// ErrModeNotConfigured is returned when no token endpoint is configured for
// the requested auth mode.
var ErrModeNotConfigured = errors.New("oauth: no endpoint configured for mode")

// Refresh exchanges a refresh token for a fresh access token. The network
// call is bounded by the client timeout; callers must never hold the store
// lock across it.
func (c *Client) Refresh(ctx context.Context, mode, refreshToken string) (*Token, error) {
	ep, ok := c.endpoints[mode]
	if !ok || ep.TokenURL == "" {
		return nil, ErrModeNotConfigured
	}

	cfg := &oauth2.Config{
		ClientID: ep.ClientID,
		Scopes:   ep.Scopes,
		Endpoint: oauth2.Endpoint{TokenURL: ep.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.hc)

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		c.logger.Warn("[OAuth] refresh_failed",
			"mode", mode,
			"terminal", IsTerminal(err),
			"error", err,
		)
		return nil, err
	}

	out := &Token{
		Access:    tok.AccessToken,
		ExpiresAt: tok.Expiry.UnixMilli(),
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		// Rotated refresh token (RFC 6749 §6): persist it or lose the grant.
		out.Refresh = tok.RefreshToken
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	return out, nil
}

// terminalCodes are provider error codes that mean the grant itself is dead.
// Retrying these can never succeed; the account must be re-authenticated.
var terminalCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
}

// terminalMarkers is a message fallback for endpoints that do not return a
// structured error body.
var terminalMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"token has been expired or revoked",
	"revoked",
}

// IsTerminal reports whether a refresh failure is a permanent credential
// error. Everything else (network trouble, 5xx, timeouts) is transient.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if terminalCodes[rerr.ErrorCode] {
			return true
		}
		// A plain 400/401 without a recognized code still means the
		// endpoint rejected the grant itself.
		if rerr.ErrorCode == "" && rerr.Response != nil &&
			(rerr.Response.StatusCode == http.StatusBadRequest || rerr.Response.StatusCode == http.StatusUnauthorized) {
			return containsMarker(string(rerr.Body))
		}
		return false
	}

	return containsMarker(err.Error())
}

func containsMarker(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range terminalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// MaskToken shortens a token for log output. Tokens are never logged whole.
func MaskToken(t string) string {
	if len(t) < 12 {
		return "..."
	}
	return "..." + t[len(t)-6:]
}
