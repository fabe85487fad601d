package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradkit/coedit/pkg/adapters/memory"
	"github.com/gradkit/coedit/pkg/conflict"
	"github.com/gradkit/coedit/pkg/core"
	"github.com/gradkit/coedit/pkg/core/coretest"
	"github.com/gradkit/coedit/pkg/fieldlock"
	"github.com/gradkit/coedit/pkg/presence"
	"github.com/gradkit/coedit/pkg/session"
)

const record = "class-of-2026"

type ui struct {
	mu    sync.Mutex
	peers []core.Peer
	locks map[string]string
	dirty []bool
}

func newUI() *ui { return &ui{locks: map[string]string{}} }

func (u *ui) handlers(onConflict conflict.ConflictFunc) session.Handlers {
	return session.Handlers{
		OnPeersChanged: func(p []core.Peer) {
			u.mu.Lock()
			defer u.mu.Unlock()
			u.peers = p
		},
		OnLockStateChanged: func(key string, h *core.Holder) {
			u.mu.Lock()
			defer u.mu.Unlock()
			if h == nil {
				delete(u.locks, key)
				return
			}
			u.locks[key] = h.Label
		},
		OnConflict: onConflict,
		OnDirtyStateChanged: func(d bool) {
			u.mu.Lock()
			defer u.mu.Unlock()
			u.dirty = append(u.dirty, d)
		},
	}
}

func open(t *testing.T, store core.Store, clock core.Clock, id, label string, h session.Handlers) *session.Session {
	t.Helper()
	s, err := session.New(store, session.Config{RecordID: record, Label: label, PeerID: id, Handlers: h},
		session.WithClock(clock),
		session.WithPresenceOptions(presence.WithHeartbeatInterval(24*time.Hour)),
		session.WithLockOptions(fieldlock.WithReapInterval(24*time.Hour)),
	)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSession_TwoEditors(t *testing.T) {
	clock := coretest.NewClock(coretest.Epoch)
	store := memory.New(memory.WithClock(clock))
	ctx := context.Background()

	uiA, uiB := newUI(), newUI()
	a := open(t, store, clock, "peer-a", "Ms. Ada", uiA.handlers(nil))
	b := open(t, store, clock, "peer-b", "Mr. Bo", uiB.handlers(nil))

	require.Len(t, uiA.peers, 1)
	assert.Equal(t, "Mr. Bo", uiA.peers[0].Label)
	assert.Equal(t, []core.Peer{{ID: "peer-a", Label: "Ms. Ada", LastSeenAt: coretest.Epoch}}, b.Peers())

	ok, err := a.Focus(ctx, "speech")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ms. Ada", uiB.locks["speech"])

	ok, err = b.Focus(ctx, "speech")
	require.NoError(t, err)
	assert.False(t, ok, "speech renders read-only for B")

	ok, err = a.Blur(ctx, "speech")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, uiB.locks)

	ok, err = b.Focus(ctx, "speech")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.Close(ctx))
	assert.Empty(t, a.Peers())
	assert.Empty(t, a.Locks(), "closing releases held locks")
}

func TestSession_SaveConflictRebasesOnReload(t *testing.T) {
	clock := coretest.NewClock(coretest.Epoch)
	store := memory.New(memory.WithClock(clock))
	ctx := context.Background()

	asked := 0
	uiA := newUI()
	a := open(t, store, clock, "peer-a", "Ada", uiA.handlers(
		func(context.Context, core.Record) (conflict.Resolution, error) {
			asked++
			return conflict.Reload, nil
		}))
	b := open(t, store, clock, "peer-b", "Bo", newUI().handlers(nil))

	a.MarkDirty()
	assert.True(t, a.ShouldWarnOnLeave())

	clock.Advance(time.Minute)
	outcome, err := b.Save(ctx, core.Fields{"speech": "B's draft"})
	require.NoError(t, err)
	assert.Equal(t, conflict.Applied, outcome)

	clock.Advance(time.Minute)
	outcome, err = a.Save(ctx, core.Fields{"speech": "A's draft"})
	require.NoError(t, err)
	assert.Equal(t, conflict.Reloaded, outcome)
	assert.Equal(t, 1, asked)
	assert.False(t, a.ShouldWarnOnLeave(), "reload discards local edits")

	outcome, err = a.Save(ctx, core.Fields{"speech": "A's second try"})
	require.NoError(t, err)
	assert.Equal(t, conflict.Applied, outcome, "baseline moved to B's save")
	assert.Equal(t, 1, asked)

	rec, err := store.ReadOnce(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, "A's second try", rec.Fields["speech"])
	assert.Equal(t, []bool{true, false}, uiA.dirty)
}

func TestSession_ForceReleaseNeedsConfirmation(t *testing.T) {
	clock := coretest.NewClock(coretest.Epoch)
	store := memory.New(memory.WithClock(clock))
	ctx := context.Background()

	a := open(t, store, clock, "peer-a", "Ada", newUI().handlers(nil))
	b := open(t, store, clock, "peer-b", "Bo", newUI().handlers(nil))

	_, err := a.Focus(ctx, "speech")
	require.NoError(t, err)

	assert.ErrorIs(t, b.ForceRelease(ctx, "speech", nil), session.ErrNotConfirmed)
	assert.ErrorIs(t, b.ForceRelease(ctx, "speech", func(core.Holder) bool { return false }), session.ErrNotConfirmed)
	assert.True(t, b.Locks()["speech"].ID == "peer-a")

	var seen core.Holder
	require.NoError(t, b.ForceRelease(ctx, "speech", func(h core.Holder) bool {
		seen = h
		return true
	}))
	assert.Equal(t, "Ada", seen.Label)

	ok, err := b.Focus(ctx, "speech")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSession_Lifecycle(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := session.New(store, session.Config{})
	require.Error(t, err)

	s, err := session.New(store, session.Config{RecordID: record, Label: "Ada"})
	require.NoError(t, err)
	_, err = uuid.Parse(s.Self().ID)
	require.NoError(t, err, "peer id defaults to a uuid")

	_, err = s.Focus(ctx, "speech")
	assert.ErrorIs(t, err, session.ErrNotOpen)

	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Open(ctx), "open is idempotent")
	_, err = s.Focus(ctx, "speech")
	require.NoError(t, err)

	state := s.State().(session.SessionState)
	assert.True(t, state.Open)
	assert.Equal(t, []string{"speech"}, state.Locks.(fieldlock.ManagerState).LiveLocks)

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	_, err = s.Focus(ctx, "speech")
	assert.ErrorIs(t, err, session.ErrClosed)
	assert.ErrorIs(t, s.Open(ctx), session.ErrClosed)

	rec, err := store.ReadOnce(ctx, record)
	require.NoError(t, err)
	assert.Empty(t, rec.ActiveEditors)
	assert.Empty(t, rec.LockedFields)
	assert.Equal(t, 0, store.Subscribers(record))
}

func TestSession_TwoTabsAreDistinctPeers(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	tab1, err := session.New(store, session.Config{RecordID: record, Label: "Ada"})
	require.NoError(t, err)
	tab2, err := session.New(store, session.Config{RecordID: record, Label: "Ada"})
	require.NoError(t, err)
	require.NotEqual(t, tab1.Self().ID, tab2.Self().ID)

	require.NoError(t, tab1.Open(ctx))
	require.NoError(t, tab2.Open(ctx))
	defer tab1.Close(ctx)
	defer tab2.Close(ctx)

	ok, err := tab1.Focus(ctx, "speech")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tab2.Focus(ctx, "speech")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, tab2.Peers(), 1)
}

func TestSession_HandlersMayReadStateDuringOpenAndClose(t *testing.T) {
	clock := coretest.NewClock(coretest.Epoch)
	store := memory.New(memory.WithClock(clock))
	ctx := context.Background()

	open(t, store, clock, "peer-b", "Mr. Bo", newUI().handlers(nil))

	var (
		a    *session.Session
		mu   sync.Mutex
		seen []bool
	)
	note := func() {
		state := a.State().(session.SessionState)
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, state.Open)
	}
	a, err := session.New(store, session.Config{RecordID: record, Label: "Ms. Ada", PeerID: "peer-a", Handlers: session.Handlers{
		OnPeersChanged:     func([]core.Peer) { note() },
		OnLockStateChanged: func(string, *core.Holder) { note() },
	}},
		session.WithClock(clock),
		session.WithPresenceOptions(presence.WithHeartbeatInterval(24*time.Hour)),
		session.WithLockOptions(fieldlock.WithReapInterval(24*time.Hour)),
	)
	require.NoError(t, err)

	within := func(name string, fn func() error) {
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			require.NoError(t, err, name)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s blocked on a handler reading session state", name)
		}
	}

	within("open", func() error { return a.Open(ctx) })
	within("focus", func() error {
		_, err := a.Focus(ctx, "speech")
		return err
	})
	within("close", func() error { return a.Close(ctx) })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true, false}, seen,
		"B announced while A opens, A's lock during focus, its release while A closes")

	_, err = a.Save(ctx, core.Fields{"motto": "carpe diem"})
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestSession_CloseDuringOpen(t *testing.T) {
	clock := coretest.NewClock(coretest.Epoch)
	store := memory.New(memory.WithClock(clock))
	ctx := context.Background()

	open(t, store, clock, "peer-b", "Mr. Bo", newUI().handlers(nil))

	var a *session.Session
	a, err := session.New(store, session.Config{RecordID: record, Label: "Ms. Ada", PeerID: "peer-a", Handlers: session.Handlers{
		OnPeersChanged: func([]core.Peer) { _ = a.Close(ctx) },
	}},
		session.WithClock(clock),
		session.WithPresenceOptions(presence.WithHeartbeatInterval(24*time.Hour)),
		session.WithLockOptions(fieldlock.WithReapInterval(24*time.Hour)),
	)
	require.NoError(t, err)

	assert.ErrorIs(t, a.Open(ctx), session.ErrClosed)
	assert.False(t, a.State().(session.SessionState).Open)

	rec, err := store.ReadOnce(ctx, record)
	require.NoError(t, err)
	assert.NotContains(t, rec.ActiveEditors, "peer-a", "components started by Open are torn down")
	assert.Equal(t, 2, store.Subscribers(record), "only B's tracker and lock manager remain")
}
