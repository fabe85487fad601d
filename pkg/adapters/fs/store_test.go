package fs_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradkit/coedit/pkg/adapters/fs"
	"github.com/gradkit/coedit/pkg/core"
	"github.com/gradkit/coedit/pkg/core/coretest"
	"github.com/gradkit/coedit/pkg/git"
)

// setupStore creates an initialized store rooted in a temp dir.
func setupStore(t *testing.T, opts ...func(*fs.Config)) (*fs.Store, string) {
	t.Helper()

	cfg := fs.Config{
		Path:     filepath.Join(t.TempDir(), "records"),
		AutoInit: true,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Debounce: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return openStore(t, cfg), cfg.Path
}

func openStore(t *testing.T, cfg fs.Config) *fs.Store {
	t.Helper()
	store, err := fs.NewStore(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Config(t *testing.T) {
	_, err := fs.NewStore(fs.Config{})
	assert.Error(t, err)

	_, err = fs.NewStore(fs.Config{Path: t.TempDir(), Format: "csv"})
	assert.Error(t, err)

	missing, err := fs.NewStore(fs.Config{Path: filepath.Join(t.TempDir(), "nope"), MustExist: true})
	require.NoError(t, err)
	assert.Error(t, missing.Initialize(context.Background()))
}

func TestStore_UpdateAndRead(t *testing.T) {
	for _, format := range []string{".yaml", ".json"} {
		t.Run(format, func(t *testing.T) {
			clock := coretest.NewClock(coretest.Epoch)
			store, path := setupStore(t, func(c *fs.Config) {
				c.Format = format
				c.Clock = clock
			})
			ctx := context.Background()

			res, err := store.UpdateFields(ctx, "class-of-2026", core.Fields{
				core.EditorPath("peer-a"): core.Editor{DisplayLabel: "Ada"},
				core.LockPath("speech"):   core.FieldLock{HolderID: "peer-a", HolderLabel: "Ada"},
				"motto":                   "Onward",
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Revision)
			assert.Equal(t, coretest.Epoch, res.LastModifiedAt)

			_, err = os.Stat(filepath.Join(path, "class-of-2026"+format))
			require.NoError(t, err, "one file per record")

			clock.Advance(time.Minute)
			res, err = store.UpdateFields(ctx, "class-of-2026", core.Fields{
				core.EditorPath("peer-a"): core.Editor{DisplayLabel: "Ada"},
			})
			require.NoError(t, err)
			assert.Equal(t, int64(2), res.Revision)
			assert.Equal(t, coretest.Epoch, res.LastModifiedAt, "heartbeats do not touch lastModifiedAt")

			rec, err := store.ReadOnce(ctx, "class-of-2026")
			require.NoError(t, err)
			assert.Equal(t, "class-of-2026", rec.ID)
			assert.Equal(t, int64(2), rec.Revision)
			assert.True(t, coretest.Epoch.Equal(rec.LastModifiedAt))
			assert.True(t, coretest.Epoch.Add(time.Minute).Equal(rec.ActiveEditors["peer-a"].LastSeenAt))
			assert.Equal(t, "peer-a", rec.LockedFields["speech"].HolderID)
			assert.Equal(t, "Onward", rec.Fields["motto"])
		})
	}
}

func TestStore_Errors(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, err := store.ReadOnce(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	for _, id := range []string{"../escape", ".coedit/locks", "a//b", ""} {
		_, err = store.UpdateFields(ctx, id, core.Fields{"a": "b"})
		assert.ErrorIs(t, err, core.ErrInvalidField, id)
	}

	_, err = store.UpdateFields(ctx, "r", core.Fields{"lastModifiedAt": "now"})
	assert.ErrorIs(t, err, core.ErrInvalidField)
}

func TestStore_ReadOnly(t *testing.T) {
	writable, path := setupStore(t)
	_, err := writable.UpdateFields(context.Background(), "r", core.Fields{"a": "b"})
	require.NoError(t, err)

	ro := openStore(t, fs.Config{Path: path, ReadOnly: true})
	_, err = ro.UpdateFields(context.Background(), "r", core.Fields{"a": "c"})
	require.Error(t, err)
	assert.True(t, core.IsPermission(err))

	rec, err := ro.ReadOnce(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, "b", rec.Fields["a"])
}

func TestStore_NestedIDsAndList(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"yearbook/2026/seniors", "yearbook/2026/juniors", "staff"} {
		_, err := store.UpdateFields(ctx, id, core.Fields{"title": id})
		require.NoError(t, err)
	}

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"staff", "yearbook/2026/juniors", "yearbook/2026/seniors"}, ids)
}

func TestStore_SubscribeLocalWrites(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []int64
	sub, err := store.Subscribe(ctx, "r", func(rec core.Record) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, rec.Revision)
	})
	require.NoError(t, err)

	_, err = store.UpdateFields(ctx, "r", core.Fields{"a": "b"})
	require.NoError(t, err)

	mu.Lock()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, int64(0), got[0], "initial empty record")
	assert.Contains(t, got, int64(1), "own write pushed before UpdateFields returns")
	mu.Unlock()

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Eventually(t, func() bool {
		return !store.State().(fs.StoreState).WatcherActive
	}, 2*time.Second, 10*time.Millisecond, "last unsubscribe stops the watcher")
}

// Two stores on one directory stand in for two processes.
func TestStore_CrossProcessPush(t *testing.T) {
	writer, path := setupStore(t)
	reader := openStore(t, fs.Config{Path: path, Debounce: 10 * time.Millisecond})
	ctx := context.Background()

	var mu sync.Mutex
	var latest core.Record
	_, err := reader.Subscribe(ctx, "class", func(rec core.Record) {
		mu.Lock()
		defer mu.Unlock()
		if rec.Revision >= latest.Revision {
			latest = rec
		}
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return reader.State().(fs.StoreState).WatcherActive
	}, 2*time.Second, 10*time.Millisecond)

	_, err = writer.UpdateFields(ctx, "class", core.Fields{core.EditorPath("peer-a"): core.Editor{DisplayLabel: "Ada"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := latest.ActiveEditors["peer-a"]
		return ok && latest.Revision == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStore_Watch(t *testing.T) {
	store, _ := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The directory must exist before watching starts.
	_, err := store.UpdateFields(ctx, "classes/seed", core.Fields{"a": "b"})
	require.NoError(t, err)

	events, err := store.Watch(ctx, "classes/*")
	require.NoError(t, err)

	_, err = store.UpdateFields(ctx, "staff", core.Fields{"a": "b"})
	require.NoError(t, err)
	_, err = store.UpdateFields(ctx, "classes/2026", core.Fields{"a": "b"})
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, "classes/2026", e.ID)
		assert.Equal(t, core.EventCreate, e.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for watch event")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond, "channel closes with ctx")

	_, err = store.Watch(context.Background(), "[")
	assert.Error(t, err)
}

func TestStore_ConcurrentWritersMerge(t *testing.T) {
	a, path := setupStore(t)
	b := openStore(t, fs.Config{Path: path})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for j, store := range []*fs.Store{a, b} {
			wg.Add(1)
			go func(peer string, store *fs.Store) {
				defer wg.Done()
				_, err := store.UpdateFields(ctx, "class", core.Fields{
					core.EditorPath(peer): core.Editor{DisplayLabel: peer},
				})
				assert.NoError(t, err)
			}(fmt.Sprintf("peer-%d-%d", j, i), store)
		}
	}
	wg.Wait()

	rec, err := a.ReadOnce(ctx, "class")
	require.NoError(t, err)
	assert.Len(t, rec.ActiveEditors, 20, "no write was lost")
	assert.Equal(t, int64(20), rec.Revision)
}

func TestStore_VersioningCommitsContentSaves(t *testing.T) {
	if !git.IsInstalled() {
		t.Skip("git not installed")
	}
	store, path := setupStore(t, func(c *fs.Config) { c.Versioning = true })
	ctx := context.Background()

	ignore, err := os.ReadFile(filepath.Join(path, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(ignore), ".coedit/")

	_, err = store.UpdateFields(ctx, "class", core.Fields{"motto": "Onward"})
	require.NoError(t, err)
	_, err = store.UpdateFields(ctx, "class", core.Fields{core.LockPath("motto"): core.FieldLock{HolderID: "p"}})
	require.NoError(t, err)
	_, err = store.UpdateFields(ctx, "class", core.Fields{"motto": "Upward"})
	require.NoError(t, err)

	history, err := store.History(ctx, "class", 10)
	require.NoError(t, err)
	require.Len(t, history, 2, "bookkeeping writes are not committed")
	assert.Contains(t, history[0], "save class (revision 3)")
}
