// Package quota tracks per-account usage reported by the provider's usage
// endpoint, with short-lived caching so status displays do not hammer the
// upstream. Usage is advisory: selection never blocks on it, but displays and
// the hybrid strategy benefit from knowing which accounts run hot.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Snapshot is one account's usage state at fetch time. Percentages are 0-100.
type Snapshot struct {
	Mode        string    `json:"mode"`
	IdentityKey string    `json:"identity_key,omitempty"`
	SessionPct  float64   `json:"session_pct,omitempty"`
	WeeklyPct   float64   `json:"weekly_pct,omitempty"`
	ResetAt     time.Time `json:"reset_at,omitempty"`
	IsLimited   bool      `json:"is_limited"`
	FetchedAt   time.Time `json:"fetched_at"`
	Error       string    `json:"error,omitempty"`
}

// IsStale reports whether the snapshot is older than maxAge.
func (s *Snapshot) IsStale(maxAge time.Duration) bool {
	if s == nil {
		return true
	}
	return time.Since(s.FetchedAt) > maxAge
}

// IsHealthy reports whether usage is within safe limits. Over 90% on any
// window counts as unhealthy.
func (s *Snapshot) IsHealthy() bool {
	if s == nil {
		return false
	}
	if s.IsLimited {
		return false
	}
	return s.SessionPct < 90 && s.WeeklyPct < 90
}

// HighestUsage returns the worst percentage across windows. A nil snapshot
// assumes the worst.
func (s *Snapshot) HighestUsage() float64 {
	if s == nil {
		return 100
	}
	if s.WeeklyPct > s.SessionPct {
		return s.WeeklyPct
	}
	return s.SessionPct
}

// Fetcher fetches a usage snapshot for one account. A nil snapshot with nil
// error means the upstream has no usage data for the account.
type Fetcher interface {
	FetchUsage(ctx context.Context, mode, identityKey, accessToken string) (*Snapshot, error)
}

// HTTPFetcher queries a per-mode usage endpoint with the account's bearer
// token.
type HTTPFetcher struct {
	// Endpoints maps auth mode to the usage URL.
	Endpoints map[string]string
	Client    *http.Client
}

// usagePayload is the upstream response shape.
type usagePayload struct {
	Session struct {
		UsedPct float64 `json:"used_pct"`
		ResetAt string  `json:"reset_at"`
	} `json:"session"`
	Weekly struct {
		UsedPct float64 `json:"used_pct"`
	} `json:"weekly"`
	RateLimited bool `json:"rate_limited"`
}

func (f *HTTPFetcher) FetchUsage(ctx context.Context, mode, identityKey, accessToken string) (*Snapshot, error) {
	url, ok := f.Endpoints[mode]
	if !ok || url == "" {
		return nil, nil
	}
	hc := f.Client
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Mode has no usage endpoint upstream; not an error.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("usage endpoint %s: status %d: %s", mode, resp.StatusCode, body)
	}

	var payload usagePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("usage endpoint %s: decode: %w", mode, err)
	}

	snap := &Snapshot{
		Mode:        mode,
		IdentityKey: identityKey,
		SessionPct:  payload.Session.UsedPct,
		WeeklyPct:   payload.Weekly.UsedPct,
		IsLimited:   payload.RateLimited,
		FetchedAt:   time.Now(),
	}
	if payload.Session.ResetAt != "" {
		if t, err := time.Parse(time.RFC3339, payload.Session.ResetAt); err == nil {
			snap.ResetAt = t
		}
	}
	return snap, nil
}

type cachedSnapshot struct {
	snap      *Snapshot
	expiresAt time.Time
}

// Tracker caches usage snapshots keyed by identity key.
type Tracker struct {
	mu       sync.RWMutex
	cache    map[string]*cachedSnapshot
	cacheTTL time.Duration
	fetcher  Fetcher
}

// TrackerOption configures the Tracker.
type TrackerOption func(*Tracker)

// WithCacheTTL sets the cache TTL.
func WithCacheTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		if ttl > 0 {
			t.cacheTTL = ttl
		}
	}
}

// WithFetcher sets a custom fetcher.
func WithFetcher(f Fetcher) TrackerOption {
	return func(t *Tracker) { t.fetcher = f }
}

// NewTracker creates a tracker. Without WithFetcher it fetches nothing and
// only serves what Query has cached.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cache:    make(map[string]*cachedSnapshot),
		cacheTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get returns the cached snapshot for an identity key, or nil when absent or
// expired.
func (t *Tracker) Get(identityKey string) *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cached, ok := t.cache[identityKey]
	if !ok || time.Now().After(cached.expiresAt) {
		return nil
	}
	return cached.snap
}

// Query fetches a fresh snapshot, bypassing and then updating the cache. A
// nil snapshot (no usage data) is not cached.
func (t *Tracker) Query(ctx context.Context, mode, identityKey, accessToken string) (*Snapshot, error) {
	if t.fetcher == nil {
		return nil, nil
	}
	snap, err := t.fetcher.FetchUsage(ctx, mode, identityKey, accessToken)
	if err != nil || snap == nil {
		return snap, err
	}

	t.mu.Lock()
	t.cache[identityKey] = &cachedSnapshot{snap: snap, expiresAt: time.Now().Add(t.cacheTTL)}
	t.mu.Unlock()
	return snap, nil
}

// All returns every unexpired cached snapshot.
func (t *Tracker) All() map[string]*Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]*Snapshot)
	now := time.Now()
	for key, cached := range t.cache {
		if !now.After(cached.expiresAt) {
			out[key] = cached.snap
		}
	}
	return out
}

// Invalidate drops the cached snapshot for an identity key.
func (t *Tracker) Invalidate(identityKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cache, identityKey)
}
