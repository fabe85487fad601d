package platform_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradkit/coedit/internal/platform"
	"github.com/gradkit/coedit/pkg/conflict"
	"github.com/gradkit/coedit/pkg/core"
	"github.com/gradkit/coedit/pkg/session"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func openFS(t *testing.T, dir string, opts ...platform.Option) core.Store {
	t.Helper()
	base := []platform.Option{
		platform.WithAutoInit(true),
		platform.WithLogger(quiet()),
		platform.WithDebounce(10 * time.Millisecond),
	}
	store, err := platform.Open(context.Background(), dir, append(base, opts...)...)
	require.NoError(t, err)
	if c, ok := store.(io.Closer); ok {
		t.Cleanup(func() { _ = c.Close() })
	}
	return store
}

func TestOpen_Adapters(t *testing.T) {
	ctx := context.Background()

	mem, err := platform.Open(ctx, "", platform.WithAdapter("memory"))
	require.NoError(t, err)
	_, err = mem.UpdateFields(ctx, "r", core.Fields{"a": "b"})
	require.NoError(t, err)

	_, err = platform.Open(ctx, t.TempDir(), platform.WithAdapter("s3"))
	assert.ErrorContains(t, err, "unknown adapter")

	_, err = platform.Open(ctx, filepath.Join(t.TempDir(), "missing"), platform.WithMustExist(true))
	assert.Error(t, err)

	injected, err := platform.Open(ctx, "", platform.WithStore(mem))
	require.NoError(t, err)
	assert.Same(t, mem, injected)
}

func TestOpen_FormatAndSystemDir(t *testing.T) {
	dir := t.TempDir()
	store := openFS(t, dir, platform.WithFormat(".json"), platform.WithSystemDir(".meta"))

	_, err := store.UpdateFields(context.Background(), "class", core.Fields{"motto": "Onward"})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "class.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ".meta"))
	assert.NoError(t, err)
}

// Two stores on one directory stand in for two editor processes.
func TestSessions_AcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	storeA := openFS(t, dir)
	storeB := openFS(t, dir)
	ctx := context.Background()

	var mu sync.Mutex
	var peersB []core.Peer
	locksB := map[string]string{}
	var decisions int

	a, err := session.New(storeA, session.Config{RecordID: "class-of-2026", Label: "Ms. Ada", PeerID: "peer-a"},
		session.WithLogger(quiet()))
	require.NoError(t, err)
	b, err := session.New(storeB, session.Config{
		RecordID: "class-of-2026",
		Label:    "Mr. Bo",
		PeerID:   "peer-b",
		Handlers: session.Handlers{
			OnPeersChanged: func(p []core.Peer) {
				mu.Lock()
				defer mu.Unlock()
				peersB = p
			},
			OnLockStateChanged: func(key string, h *core.Holder) {
				mu.Lock()
				defer mu.Unlock()
				if h == nil {
					delete(locksB, key)
					return
				}
				locksB[key] = h.Label
			},
			OnConflict: func(context.Context, core.Record) (conflict.Resolution, error) {
				mu.Lock()
				defer mu.Unlock()
				decisions++
				return conflict.Reload, nil
			},
		},
	}, session.WithLogger(quiet()))
	require.NoError(t, err)

	require.NoError(t, a.Open(ctx))
	require.NoError(t, b.Open(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(peersB) == 1 && peersB[0].Label == "Ms. Ada"
	}, 3*time.Second, 10*time.Millisecond, "b sees a through the directory")

	ok, err := a.Focus(ctx, "quotes.first")
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return locksB["quotes.first"] == "Ms. Ada"
	}, 3*time.Second, 10*time.Millisecond)

	ok, err = b.Focus(ctx, "quotes.first")
	require.NoError(t, err)
	assert.False(t, ok, "held by another process")

	outcome, err := a.Save(ctx, core.Fields{"motto": "Onward"})
	require.NoError(t, err)
	assert.Equal(t, conflict.Applied, outcome)

	outcome, err = b.Save(ctx, core.Fields{"motto": "Upward"})
	require.NoError(t, err)
	assert.Equal(t, conflict.Reloaded, outcome)
	mu.Lock()
	assert.Equal(t, 1, decisions)
	mu.Unlock()

	require.NoError(t, a.Close(ctx))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(peersB) == 0 && locksB["quotes.first"] == ""
	}, 3*time.Second, 10*time.Millisecond, "a's teardown reaches b")

	rec, err := storeB.ReadOnce(ctx, "class-of-2026")
	require.NoError(t, err)
	assert.Equal(t, "Onward", rec.Fields["motto"])
	require.NoError(t, b.Close(ctx))
}
