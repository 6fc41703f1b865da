// Package history keeps an append-only jsonl log of account lifecycle
// events: rotations, refreshes, cooldowns, disablements. The log is for the
// operator ("why did my session switch accounts at 3am"), not for
// correctness; writes are best-effort and retention-capped.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	historyFileName   = "history.jsonl"
	defaultMaxEntries = 10000
)

// ErrNoHistory is returned when the history file does not exist yet.
var ErrNoHistory = errors.New("history: no history file found")

// EventType classifies a history event.
type EventType string

const (
	EventRotation        EventType = "rotation"
	EventRefreshSuccess  EventType = "refresh_success"
	EventRefreshFailed   EventType = "refresh_failed"
	EventCooldownSet     EventType = "cooldown_set"
	EventAccountDisabled EventType = "account_disabled"
	EventAccountImported EventType = "account_imported"
)

// Event is one history record.
type Event struct {
	Time        time.Time `json:"time"`
	Type        EventType `json:"type"`
	Mode        string    `json:"mode,omitempty"`
	IdentityKey string    `json:"identity_key,omitempty"`
	Label       string    `json:"label,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// DefaultPath returns the history file location. Uses XDG_DATA_HOME if set,
// otherwise ~/.local/share/caam/history.jsonl.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return historyFileName
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "caam", historyFileName)
}

// Options configures a Logger.
type Options struct {
	Path string
	// MaxEntries caps the file; once exceeded the oldest entries are
	// dropped. Default 10000.
	MaxEntries int
	// Enabled false turns every operation into a no-op.
	Enabled bool
}

// Logger appends events to a jsonl file.
type Logger struct {
	mu         sync.Mutex
	path       string
	maxEntries int
	enabled    bool
	count      int // -1 until first counted
}

// NewLogger creates a history logger. A disabled logger is valid and
// performs no I/O.
func NewLogger(opts Options) *Logger {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	path := opts.Path
	if path == "" {
		path = DefaultPath()
	}
	return &Logger{path: path, maxEntries: opts.MaxEntries, enabled: opts.Enabled, count: -1}
}

// Record appends one event.
func (l *Logger) Record(ev Event) error {
	if l == nil || !l.enabled {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return err
	}

	if l.count < 0 {
		entries, err := l.readLocked()
		if err != nil && !errors.Is(err, ErrNoHistory) {
			return err
		}
		l.count = len(entries)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	l.count++

	if l.count > l.maxEntries {
		return l.trimLocked()
	}
	return nil
}

// ReadAll returns every retained event, oldest first.
func (l *Logger) ReadAll() ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked()
}

// Tail returns the newest n events, oldest first.
func (l *Logger) Tail(n int) ([]Event, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func (l *Logger) readLocked() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoHistory
		}
		return nil, err
	}
	defer f.Close()

	var entries []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Skip unreadable lines instead of losing the whole log.
			continue
		}
		entries = append(entries, ev)
	}
	return entries, scanner.Err()
}

// trimLocked rewrites the file keeping only the newest maxEntries.
func (l *Logger) trimLocked() error {
	entries, err := l.readLocked()
	if err != nil {
		return err
	}
	if len(entries) > l.maxEntries {
		entries = entries[len(entries)-l.maxEntries:]
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".history-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, ev := range entries {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return err
	}
	l.count = len(entries)
	return nil
}
