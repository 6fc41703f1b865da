// Package session answers "does this session still exist" for affinity
// pruning. Session keys are scheme-prefixed: "tmux:<name>" checks a tmux
// session, "pid:<n>" checks a live process, anything else is assumed alive so
// pruning never guesses.
package session

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/Dicklesworthstone/caam/internal/affinity"
)

// KeyFor builds a session key for a tmux session name.
func KeyFor(scheme, id string) string {
	return scheme + ":" + id
}

// SplitKey separates a session key into scheme and identifier. Keys without a
// scheme return an empty scheme.
func SplitKey(key string) (scheme, id string) {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// TmuxChecker checks session existence against a tmux server.
type TmuxChecker struct {
	// Binary overrides the tmux executable, for tests.
	Binary string
}

// Exists runs `tmux has-session -t <name>`; a non-zero exit means the
// session is gone. A missing tmux binary also reports false: with no server
// there are no sessions.
func (c *TmuxChecker) Exists(name string) bool {
	bin := c.Binary
	if bin == "" {
		bin = "tmux"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return false
	}
	cmd := exec.Command(bin, "has-session", "-t", name)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	return cmd.Run() == nil
}

// ProcessChecker checks session existence by process id.
type ProcessChecker struct{}

func (ProcessChecker) Exists(id string) bool {
	pid, err := strconv.ParseInt(id, 10, 32)
	if err != nil || pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// Router dispatches existence checks by key scheme. Keys with an unknown or
// missing scheme are reported alive; only a positive "this is gone" from a
// registered checker lets affinity state be pruned.
type Router struct {
	checkers map[string]affinity.Checker
}

// NewRouter builds a router with the default tmux and pid schemes.
func NewRouter() *Router {
	return &Router{checkers: map[string]affinity.Checker{
		"tmux": &TmuxChecker{},
		"pid":  ProcessChecker{},
	}}
}

// Register adds or replaces the checker for a scheme.
func (r *Router) Register(scheme string, c affinity.Checker) {
	if r.checkers == nil {
		r.checkers = make(map[string]affinity.Checker)
	}
	r.checkers[scheme] = c
}

// Exists implements affinity.Checker over the full scheme-prefixed key.
func (r *Router) Exists(key string) bool {
	scheme, id := SplitKey(key)
	c, ok := r.checkers[scheme]
	if !ok {
		return true
	}
	return c.Exists(id)
}

var _ affinity.Checker = (*Router)(nil)

// Describe returns a human-readable form of a session key for CLI output.
func Describe(key string) string {
	scheme, id := SplitKey(key)
	switch scheme {
	case "tmux":
		return fmt.Sprintf("tmux session %q", id)
	case "pid":
		return "process " + id
	default:
		return key
	}
}
