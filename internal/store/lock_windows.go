//go:build windows

package store

import (
	"errors"
	"os"
	"time"
)

// acquireLock emulates an exclusive lock with an O_EXCL marker file, polling
// with backoff until the deadline. Stale markers older than the timeout are
// broken, since a crashed holder cannot remove its own marker.
func acquireLock(lockPath string, timeout time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)
	backoff := 5 * time.Millisecond
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if info, serr := os.Stat(lockPath); serr == nil && time.Since(info.ModTime()) > timeout {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}
