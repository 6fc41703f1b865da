package store

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

type testDoc struct {
	SchemaVersion int            `json:"schema_version"`
	Counter       int            `json:"counter"`
	Values        map[string]int `json:"values,omitempty"`
}

func sanitizeTestDoc(d *testDoc) {
	if d.SchemaVersion == 0 {
		d.SchemaVersion = 1
	}
	if d.Values == nil {
		d.Values = make(map[string]int)
	}
}

func newTestStore(t *testing.T) *Store[testDoc] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	return New(path, sanitizeTestDoc, Options{})
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	doc := s.Load()
	if doc.SchemaVersion != 1 {
		t.Errorf("sanitize should stamp schema version, got %d", doc.SchemaVersion)
	}
	if doc.Values == nil {
		t.Error("sanitize should allocate maps")
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.Update(func(d *testDoc) error {
		d.Counter = 7
		d.Values["a"] = 1
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if doc.Counter != 7 {
		t.Errorf("returned doc counter = %d", doc.Counter)
	}

	got := s.Load()
	if got.Counter != 7 || got.Values["a"] != 1 {
		t.Errorf("persisted doc = %+v", got)
	}
}

func TestUpdateErrorWritesNothing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Update(func(d *testDoc) error { d.Counter = 1; return nil }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := s.Update(func(d *testDoc) error { d.Counter = 99; return os.ErrInvalid }); err == nil {
		t.Fatal("Update should propagate mutate error")
	}
	if got := s.Load(); got.Counter != 1 {
		t.Errorf("failed mutate must not be persisted, counter = %d", got.Counter)
	}
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	s := newTestStore(t)

	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := s.Update(func(d *testDoc) error {
					d.Counter++
					return nil
				}); err != nil {
					t.Errorf("Update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := s.Load(); got.Counter != workers*perWorker {
		t.Errorf("counter = %d, want %d (lost update)", got.Counter, workers*perWorker)
	}
}

func TestCorruptFileIsQuarantined(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	doc := s.Load()
	if doc.Counter != 0 {
		t.Errorf("corrupt load should yield empty doc, got %+v", doc)
	}

	qdir := filepath.Join(filepath.Dir(s.Path()), "quarantine")
	entries, err := os.ReadDir(qdir)
	if err != nil {
		t.Fatalf("quarantine dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("quarantine entries = %d, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "accounts.json.") || !strings.HasSuffix(name, ".quarantine.json") {
		t.Errorf("unexpected quarantine name %q", name)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("corrupt file should have been moved aside")
	}

	// Store stays usable after quarantine.
	if _, err := s.Update(func(d *testDoc) error { d.Counter = 3; return nil }); err != nil {
		t.Fatalf("Update after quarantine: %v", err)
	}
}

func TestQuarantineRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	s := New(path, sanitizeTestDoc, Options{QuarantineKeep: 2})

	for i := 0; i < 4; i++ {
		if err := os.WriteFile(path, []byte("broken"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		s.Load()
		time.Sleep(2 * time.Millisecond) // distinct embedded timestamps
	}

	entries, err := os.ReadDir(filepath.Join(filepath.Dir(path), "quarantine"))
	if err != nil {
		t.Fatalf("quarantine dir: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("retained = %d, want 2 (oldest pruned)", len(entries))
	}
}

func TestLockTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock semantics are unix-only")
	}
	path := filepath.Join(t.TempDir(), "accounts.json")
	s := New(path, sanitizeTestDoc, Options{LockTimeout: 50 * time.Millisecond})

	unlock, err := acquireLock(path+LockSuffix, time.Second)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	defer unlock()

	_, err = s.Update(func(d *testDoc) error { return nil })
	if err != ErrLockTimeout {
		t.Errorf("err = %v, want ErrLockTimeout", err)
	}
}

func TestDataFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are unix-only")
	}
	s := newTestStore(t)
	if _, err := s.Update(func(d *testDoc) error { return nil }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("data file mode = %o, want 0600", perm)
	}
	linfo, err := os.Stat(s.Path() + LockSuffix)
	if err != nil {
		t.Fatalf("stat lock: %v", err)
	}
	if perm := linfo.Mode().Perm(); perm != 0o600 {
		t.Errorf("lock file mode = %o, want 0600", perm)
	}
}
