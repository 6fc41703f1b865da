// Package affinity tracks per-session sticky and hybrid account assignments.
//
// The snapshot is persisted through the same locked store discipline as the
// account document. Entries are bounded per mode and pruned against external
// session existence, with a grace period so a momentarily missing session is
// not evicted prematurely.
package affinity

import (
	"sort"
	"time"
)

// SchemaVersion is the current on-disk document version.
const SchemaVersion = 1

// MaxSessions bounds each per-mode map; the oldest seen entries are evicted
// beyond it.
const MaxSessions = 200

// DefaultGrace is how long a session may be missing externally before its
// entries are pruned.
const DefaultGrace = 10 * time.Minute

// Checker reports whether the session behind a key still exists externally.
// Implementations live in internal/session.
type Checker interface {
	Exists(sessionKey string) bool
}

// ModeState holds the three session maps for one auth mode, all keyed by an
// opaque session key.
type ModeState struct {
	Seen   map[string]int64  `json:"seen_session_keys,omitempty"`
	Sticky map[string]string `json:"sticky_by_session_key,omitempty"`
	Hybrid map[string]string `json:"hybrid_by_session_key,omitempty"`
}

// Document is the persisted session-affinity snapshot.
type Document struct {
	SchemaVersion int                   `json:"schema_version"`
	Modes         map[string]*ModeState `json:"modes,omitempty"`
}

// Sanitize repairs a freshly decoded document.
func Sanitize(d *Document) {
	if d.SchemaVersion == 0 {
		d.SchemaVersion = SchemaVersion
	}
	if d.Modes == nil {
		d.Modes = make(map[string]*ModeState)
	}
	for mode, ms := range d.Modes {
		if ms == nil {
			ms = &ModeState{}
			d.Modes[mode] = ms
		}
		ms.ensureMaps()
	}
}

// Mode returns the state for an auth mode, creating it if absent.
func (d *Document) Mode(mode string) *ModeState {
	if d.Modes == nil {
		d.Modes = make(map[string]*ModeState)
	}
	ms, ok := d.Modes[mode]
	if !ok || ms == nil {
		ms = &ModeState{}
		d.Modes[mode] = ms
	}
	ms.ensureMaps()
	return ms
}

func (m *ModeState) ensureMaps() {
	if m.Seen == nil {
		m.Seen = make(map[string]int64)
	}
	if m.Sticky == nil {
		m.Sticky = make(map[string]string)
	}
	if m.Hybrid == nil {
		m.Hybrid = make(map[string]string)
	}
}

// Touch records that a session was observed, evicting the oldest entries
// once the cap is exceeded.
func (m *ModeState) Touch(sessionKey string, nowMs int64) {
	if sessionKey == "" {
		return
	}
	m.ensureMaps()
	m.Seen[sessionKey] = nowMs
	m.evict()
}

// evict drops the oldest seen sessions (and their assignments) beyond
// MaxSessions.
func (m *ModeState) evict() {
	if len(m.Seen) <= MaxSessions {
		return
	}
	type entry struct {
		key string
		ms  int64
	}
	entries := make([]entry, 0, len(m.Seen))
	for k, ms := range m.Seen {
		entries = append(entries, entry{k, ms})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ms < entries[j].ms })
	for _, e := range entries[:len(entries)-MaxSessions] {
		m.remove(e.key)
	}
}

// Invalidate clears both assignment maps for a session. The fetch
// orchestrator calls this when an account tied to the session is rejected.
func (m *ModeState) Invalidate(sessionKey string) {
	if m == nil {
		return
	}
	delete(m.Sticky, sessionKey)
	delete(m.Hybrid, sessionKey)
}

func (m *ModeState) remove(sessionKey string) {
	delete(m.Seen, sessionKey)
	delete(m.Sticky, sessionKey)
	delete(m.Hybrid, sessionKey)
}

// Prune drops entries whose session no longer exists externally and whose
// last observation is older than the grace period. Assignments orphaned from
// the seen map are dropped unconditionally.
func (d *Document) Prune(checker Checker, now time.Time, grace time.Duration) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	cutoff := now.Add(-grace).UnixMilli()

	for _, ms := range d.Modes {
		if ms == nil {
			continue
		}
		ms.ensureMaps()
		for key, lastSeen := range ms.Seen {
			if lastSeen > cutoff {
				continue
			}
			if checker != nil && checker.Exists(key) {
				continue
			}
			ms.remove(key)
		}
		for key := range ms.Sticky {
			if _, ok := ms.Seen[key]; !ok {
				delete(ms.Sticky, key)
			}
		}
		for key := range ms.Hybrid {
			if _, ok := ms.Seen[key]; !ok {
				delete(ms.Hybrid, key)
			}
		}
	}
}
