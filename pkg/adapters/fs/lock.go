package fs

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const (
	lockPollInterval = 10 * time.Millisecond
	// staleLockAge bounds how long a crashed writer can block a record.
	staleLockAge = 10 * time.Second
)

// lockRecord takes the cross-process write lock of one record. It blocks
// until the lock is acquired or ctx is done.
func (s *Store) lockRecord(ctx context.Context, recordID string) (func(), error) {
	dir := filepath.Join(s.Path, s.config.SystemDir, "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, url.PathEscape(recordID)+".lock")

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			held, _ := f.Stat()
			f.Close()
			return func() { removeIfHeld(path, held) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil && staleLock(info) {
			if breakStaleLock(path, info) {
				s.config.Logger.Warn("breaking stale record lock", "record", recordID, "path", path)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock: %w", ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

func staleLock(info os.FileInfo) bool {
	return time.Since(info.ModTime()) > staleLockAge
}

// breakStaleLock removes the lock file at path only if it is still the
// stale file described by seen. Breakers serialize on a sibling guard file,
// so a lock created after the stale one was broken survives. It reports
// whether path is now free.
func breakStaleLock(path string, seen os.FileInfo) bool {
	guard := path + ".break"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		// A breaker that crashed mid-break leaves its guard behind.
		if info, statErr := os.Stat(guard); statErr == nil && staleLock(info) {
			os.Remove(guard)
		}
		return false
	}
	g.Close()
	defer os.Remove(guard)

	cur, err := os.Stat(path)
	if err != nil {
		return os.IsNotExist(err)
	}
	if !os.SameFile(cur, seen) || !staleLock(cur) {
		return false
	}
	return os.Remove(path) == nil
}

// removeIfHeld releases the lock at path unless it was broken and retaken
// by another writer in the meantime.
func removeIfHeld(path string, held os.FileInfo) {
	if held != nil {
		cur, err := os.Stat(path)
		if err != nil || !os.SameFile(cur, held) {
			return
		}
	}
	os.Remove(path)
}
