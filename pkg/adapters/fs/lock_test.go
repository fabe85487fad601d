package fs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{Path: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestLockRecord_ExcludesAndReleases(t *testing.T) {
	s := newTestStore(t)

	unlock, err := s.lockRecord(context.Background(), "class/2026")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.Path, ".coedit", "locks", "class%2F2026.lock"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.lockRecord(ctx, "class/2026")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := s.lockRecord(context.Background(), "class/2026")
	require.NoError(t, err)
	unlock2()
}

func TestLockRecord_BreaksStaleLock(t *testing.T) {
	s := newTestStore(t)

	dir := filepath.Join(s.Path, ".coedit", "locks")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "class.lock")
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err := s.lockRecord(ctx, "class")
	require.NoError(t, err)
	unlock()
}

func TestBreakStaleLock_SparesReplacedLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "class.lock")
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))
	seen, err := os.Stat(path)
	require.NoError(t, err)

	// Another waiter broke the stale lock and took a fresh one.
	fresh := filepath.Join(dir, "fresh")
	require.NoError(t, os.WriteFile(fresh, []byte("1\n"), 0o644))
	require.NoError(t, os.Rename(fresh, path))

	assert.False(t, breakStaleLock(path, seen))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(data), "fresh lock left in place")
	_, err = os.Stat(path + ".break")
	assert.True(t, os.IsNotExist(err), "guard released")
}

func TestBreakStaleLock_WaitsForBusyGuard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "class.lock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))
	seen, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path+".break", nil, 0o644))
	assert.False(t, breakStaleLock(path, seen))
	_, err = os.Stat(path)
	assert.NoError(t, err, "only the guard holder may break")

	require.NoError(t, os.Chtimes(path+".break", old, old))
	assert.False(t, breakStaleLock(path, seen), "an abandoned guard is cleared first")
	assert.True(t, breakStaleLock(path, seen))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLockRecord_ReleaseKeepsRetakenLock(t *testing.T) {
	s := newTestStore(t)

	unlock, err := s.lockRecord(context.Background(), "class")
	require.NoError(t, err)

	path := filepath.Join(s.Path, ".coedit", "locks", "class.lock")
	fresh := path + ".next"
	require.NoError(t, os.WriteFile(fresh, []byte("2\n"), 0o644))
	require.NoError(t, os.Rename(fresh, path))

	unlock()
	_, err = os.Stat(path)
	assert.NoError(t, err, "the new holder keeps its lock")
}

func TestLockRecord_StaleLockHasOneHolder(t *testing.T) {
	s := newTestStore(t)

	dir := filepath.Join(s.Path, ".coedit", "locks")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "class.lock")
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var holders, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := s.lockRecord(ctx, "class")
			if !assert.NoError(t, err) {
				return
			}
			n := holders.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}
