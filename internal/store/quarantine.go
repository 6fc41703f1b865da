package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultQuarantineKeep is the number of quarantined files retained.
const DefaultQuarantineKeep = 5

const quarantineExt = ".quarantine.json"

// quarantine moves the unreadable data file aside so the store can degrade to
// an empty document instead of failing every subsequent load. The quarantined
// copy is named {original}.{timestampMs}.quarantine.json and retention is
// bounded, oldest pruned first by the embedded timestamp.
func (s *Store[T]) quarantine() {
	dir := filepath.Join(filepath.Dir(s.path), "quarantine")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Error("[Store] quarantine_dir_failed", "dir", dir, "error", err)
		return
	}

	base := filepath.Base(s.path)
	dest := filepath.Join(dir, fmt.Sprintf("%s.%d%s", base, time.Now().UnixMilli(), quarantineExt))
	if err := os.Rename(s.path, dest); err != nil {
		s.logger.Error("[Store] quarantine_failed", "path", s.path, "error", err)
		return
	}
	s.logger.Warn("[Store] document_quarantined", "path", s.path, "dest", dest)

	s.pruneQuarantine(dir, base)
}

// pruneQuarantine drops the oldest quarantined copies of this file beyond the
// retention count.
func (s *Store[T]) pruneQuarantine(dir, base string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	type stamped struct {
		name string
		ms   int64
	}
	var files []stamped
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, base+".") || !strings.HasSuffix(name, quarantineExt) {
			continue
		}
		middle := strings.TrimSuffix(strings.TrimPrefix(name, base+"."), quarantineExt)
		ms, err := strconv.ParseInt(middle, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, stamped{name: name, ms: ms})
	}
	if len(files) <= s.quarantineKeep {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ms < files[j].ms })
	for _, f := range files[:len(files)-s.quarantineKeep] {
		if err := os.Remove(filepath.Join(dir, f.name)); err != nil {
			s.logger.Warn("[Store] quarantine_prune_failed", "file", f.name, "error", err)
		}
	}
}
