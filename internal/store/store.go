// Package store is a concurrency-safe persisted JSON document store.
//
// Writers take an exclusive cross-process lock on a sibling lock file, re-read
// the document inside the lock, apply a mutation, and replace the file
// atomically (temp file + rename). Readers may take a lock-free best-effort
// snapshot; any path that will write back must go through Update so that its
// decision is based on state re-read under the lock.
//
// A document that fails to parse is never an error: the file is moved into a
// retention-bounded quarantine directory and the store proceeds from an empty
// document. The documents hold bearer tokens, so files are created 0600 and
// the mode is re-enforced after every write.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// LockSuffix is appended to the data path to form the lock file path. The
// lock file never contains document data.
const LockSuffix = ".lock"

// ErrLockTimeout is returned when the cross-process lock could not be
// acquired before the configured deadline. A lock held too long is reported
// rather than waited on forever.
var ErrLockTimeout = errors.New("store: timed out waiting for file lock")

// ErrNoChange may be returned by an Update mutation to indicate that the
// re-read state made the write unnecessary. Update then succeeds without
// touching the file.
var ErrNoChange = errors.New("store: no change")

// Options configures a Store.
type Options struct {
	// LockTimeout bounds lock acquisition. Default 10s.
	LockTimeout time.Duration

	// QuarantineKeep is how many quarantined files to retain. Default 5.
	QuarantineKeep int

	// Logger receives quarantine and lock diagnostics. Default slog.Default.
	Logger *slog.Logger
}

// Store persists one JSON document of type T at a fixed path.
type Store[T any] struct {
	path           string
	lockTimeout    time.Duration
	quarantineKeep int
	logger         *slog.Logger

	// sanitize repairs a freshly decoded document (allocate maps, stamp
	// versions, drop malformed fields). Also applied to the empty document.
	sanitize func(*T)
}

// New creates a store for the document at path. sanitize may be nil.
func New[T any](path string, sanitize func(*T), opts Options) *Store[T] {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	if opts.QuarantineKeep <= 0 {
		opts.QuarantineKeep = DefaultQuarantineKeep
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store[T]{
		path:           path,
		lockTimeout:    opts.LockTimeout,
		quarantineKeep: opts.QuarantineKeep,
		logger:         opts.Logger,
		sanitize:       sanitize,
	}
}

// Path returns the data file path.
func (s *Store[T]) Path() string { return s.path }

// Load returns a lock-free best-effort snapshot of the document. It is total:
// a missing file yields an empty document and a corrupt file is quarantined.
func (s *Store[T]) Load() T {
	return s.read()
}

// LoadLocked returns a snapshot read under the cross-process lock, for
// readers that need strict consistency without writing.
func (s *Store[T]) LoadLocked() (T, error) {
	var doc T
	unlock, err := acquireLock(s.path+LockSuffix, s.lockTimeout)
	if err != nil {
		return doc, err
	}
	defer unlock()
	return s.read(), nil
}

// Update runs mutate against the current on-disk document under the
// exclusive lock and atomically writes the result. The returned document is
// the post-mutation state. If mutate returns an error nothing is written.
func (s *Store[T]) Update(mutate func(*T) error) (T, error) {
	var zero T
	unlock, err := acquireLock(s.path+LockSuffix, s.lockTimeout)
	if err != nil {
		return zero, err
	}
	defer unlock()

	doc := s.read()
	if err := mutate(&doc); err != nil {
		if errors.Is(err, ErrNoChange) {
			return doc, nil
		}
		return zero, err
	}
	if err := s.write(doc); err != nil {
		return zero, err
	}
	return doc, nil
}

// read loads and sanitizes the document, quarantining it on parse failure.
func (s *Store[T]) read() T {
	var doc T
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		s.logger.Warn("[Store] read_failed", "path", s.path, "error", err)
	case len(data) > 0:
		if uerr := json.Unmarshal(data, &doc); uerr != nil {
			s.logger.Error("[Store] document_corrupt",
				"path", s.path,
				"error", uerr,
			)
			s.quarantine()
			doc = zeroOf[T]()
		}
	}
	if s.sanitize != nil {
		s.sanitize(&doc)
	}
	return doc
}

// write replaces the data file atomically: temp file in the same directory,
// 0600, then rename. Rename on the same filesystem is atomic, so a concurrent
// reader never observes a partial write.
func (s *Store[T]) write(doc T) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("store: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("store: replace document: %w", err)
	}

	// Best-effort: the rename target inherits the temp file mode, but
	// re-assert in case the file pre-existed with looser permissions.
	if err := os.Chmod(s.path, 0o600); err != nil {
		s.logger.Warn("[Store] chmod_failed", "path", s.path, "error", err)
	}
	return nil
}

func zeroOf[T any]() T {
	var v T
	return v
}
