// Package fetch is the resilient request orchestrator: it acquires a
// credential from the pool, runs the caller's upstream call, and reacts to
// auth rejection and rate limiting by rotating accounts and retrying, up to a
// bounded attempt count.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Dicklesworthstone/caam/internal/authpool"
)

const (
	// DefaultMaxAttempts bounds the acquire-call-react loop.
	DefaultMaxAttempts = 3

	// DefaultRateLimitCooldown parks a rate-limited account when the
	// upstream gave no Retry-After hint.
	DefaultRateLimitCooldown = 5 * time.Minute
)

// UpstreamError reports an upstream HTTP rejection to the orchestrator.
// Callers return it (or build it with CheckResponse) so the orchestrator can
// distinguish auth rejection and rate limiting from ordinary failures.
type UpstreamError struct {
	StatusCode int
	// RetryAfter is the upstream's wait hint; zero means none was given.
	RetryAfter time.Duration
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// CheckResponse converts a non-2xx response into an *UpstreamError, reading
// at most a short body prefix for diagnostics. A 2xx response returns nil.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	ue := &UpstreamError{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests {
		ue.RetryAfter = ParseRetryAfter(resp)
	}
	if resp.Body != nil {
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		ue.Body = strings.TrimSpace(string(prefix))
	}
	return ue
}

// ParseRetryAfter extracts the upstream's wait hint from a response: the
// Retry-After header as seconds or an HTTP date. Returns 0 when absent or
// unparseable.
func ParseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(ra); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Pool is the slice of the acquisition layer the orchestrator needs.
// *authpool.Pool satisfies it.
type Pool interface {
	Acquire(ctx context.Context, mode, sessionKey string) (*authpool.Credential, error)
	SetCooldown(mode, identityKey string, until time.Time) error
	InvalidateAffinity(mode, sessionKey string) error
}

// Options configures an Orchestrator.
type Options struct {
	Pool     Pool
	Notifier authpool.Notifier
	Logger   *slog.Logger

	MaxAttempts       int
	RateLimitCooldown time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Orchestrator runs upstream calls with account rotation on failure.
type Orchestrator struct {
	pool              Pool
	notifier          authpool.Notifier
	logger            *slog.Logger
	maxAttempts       int
	rateLimitCooldown time.Duration
	now               func() time.Time
}

// New builds an Orchestrator. Pool is required.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		pool:              opts.Pool,
		notifier:          opts.Notifier,
		logger:            opts.Logger,
		maxAttempts:       opts.MaxAttempts,
		rateLimitCooldown: opts.RateLimitCooldown,
		now:               opts.Clock,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}
	if o.rateLimitCooldown <= 0 {
		o.rateLimitCooldown = DefaultRateLimitCooldown
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Call runs one upstream request with the given credential.
type Call func(ctx context.Context, cred *authpool.Credential) error

// Do acquires a credential and runs the call, rotating accounts on 401 and
// 429 and retrying up to the attempt bound. Auth acquisition failures and
// non-rotatable upstream errors are returned as-is; an exhausted retry budget
// returns the last upstream error wrapped.
func (o *Orchestrator) Do(ctx context.Context, mode, sessionKey string, call Call) error {
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		cred, err := o.pool.Acquire(ctx, mode, sessionKey)
		if err != nil {
			return err
		}

		err = call(ctx, cred)
		if err == nil {
			return nil
		}

		var ue *UpstreamError
		if !errors.As(err, &ue) {
			return err
		}

		switch ue.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			// The upstream rejected this account's token; drop the
			// session binding so the next attempt reselects.
			o.logger.Warn("[Fetch] auth_rejected",
				"mode", mode,
				"attempt", attempt,
				"status", ue.StatusCode,
				"label", cred.Label,
			)
			if ierr := o.pool.InvalidateAffinity(mode, sessionKey); ierr != nil {
				o.logger.Warn("[Fetch] affinity_invalidate_failed", "mode", mode, "error", ierr)
			}
		case http.StatusTooManyRequests:
			cooldown := ue.RetryAfter
			if cooldown <= 0 {
				cooldown = o.rateLimitCooldown
			}
			until := o.now().Add(cooldown)
			o.logger.Warn("[Fetch] rate_limited",
				"mode", mode,
				"attempt", attempt,
				"label", cred.Label,
				"cooldown", cooldown,
			)
			if cred.IdentityKey != "" {
				if cerr := o.pool.SetCooldown(mode, cred.IdentityKey, until); cerr != nil {
					o.logger.Warn("[Fetch] cooldown_failed", "mode", mode, "error", cerr)
				}
			}
			if ierr := o.pool.InvalidateAffinity(mode, sessionKey); ierr != nil {
				o.logger.Warn("[Fetch] affinity_invalidate_failed", "mode", mode, "error", ierr)
			}
			if o.notifier != nil {
				o.notifier.AccountSwitched(mode, cred.Label, "", "rate_limited")
			}
		default:
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("fetch: retries exhausted after %d attempts: %w", o.maxAttempts, lastErr)
}
