package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradkit/coedit/pkg/adapters/memory"
	"github.com/gradkit/coedit/pkg/core"
	"github.com/gradkit/coedit/pkg/core/coretest"
)

func TestTracker_DiscardsReorderedSnapshots(t *testing.T) {
	clock := coretest.NewClock(coretest.Epoch)
	store := memory.New(memory.WithClock(clock))
	tr := New(store, WithClock(clock), WithHeartbeatInterval(24*time.Hour))

	var calls int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx, "r", core.Peer{ID: "self"}, func([]core.Peer) { calls++ }))

	newer := core.NewRecord("r")
	newer.Revision = 10
	newer.ActiveEditors["peer-b"] = core.Editor{LastSeenAt: clock.Now(), DisplayLabel: "Bo"}
	tr.onSnapshot(newer)
	require.Equal(t, 1, calls)

	older := core.NewRecord("r")
	older.Revision = 9
	tr.onSnapshot(older)

	assert.Equal(t, 1, calls, "older revision must not hide peer-b")
	assert.Len(t, tr.Peers(), 1)

	tr.onSnapshot(newer)
	assert.Equal(t, 1, calls, "duplicate delivery is idempotent")
}

func TestTracker_MissingRecordResetsRevision(t *testing.T) {
	clock := coretest.NewClock(coretest.Epoch)
	store := memory.New(memory.WithClock(clock))
	tr := New(store, WithClock(clock), WithHeartbeatInterval(24*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx, "r", core.Peer{ID: "self"}, nil))

	old := core.NewRecord("r")
	old.Revision = 10
	old.ActiveEditors["peer-b"] = core.Editor{LastSeenAt: clock.Now(), DisplayLabel: "Bo"}
	tr.onSnapshot(old)
	require.Len(t, tr.Peers(), 1)

	tr.onSnapshot(core.NewRecord("r"))
	assert.Empty(t, tr.Peers(), "a missing record has no editors")

	recreated := core.NewRecord("r")
	recreated.Revision = 1
	recreated.ActiveEditors["peer-c"] = core.Editor{LastSeenAt: clock.Now(), DisplayLabel: "Cy"}
	tr.onSnapshot(recreated)

	peers := tr.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "peer-c", peers[0].ID)
}
