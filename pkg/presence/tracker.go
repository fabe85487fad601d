// Package presence advertises a session's liveness on a record and computes
// the set of other live editors from pushed snapshots.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/introspection"
	"github.com/aretw0/lifecycle"

	"github.com/gradkit/coedit/pkg/core"
)

// ErrNotStarted is returned when a tracker is used before Start.
var ErrNotStarted = errors.New("presence tracker not started")

// Tracker maintains one session's presence entry and its view of peers.
// It is safe for concurrent use.
type Tracker struct {
	store    core.Store
	clock    core.Clock
	logger   *slog.Logger
	ttl      time.Duration
	interval time.Duration

	notifyMu sync.Mutex // serializes onChange invocations

	mu       sync.Mutex
	recordID string
	self     core.Peer
	cached   *core.Record
	peers    []core.Peer
	onChange func([]core.Peer)
	sub      core.Subscription
	cancel   context.CancelFunc
	running  bool
	beats    int
	failures int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock used for staleness and the heartbeat timer.
func WithClock(c core.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithTTL overrides the presence staleness threshold.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) { t.ttl = d }
}

// WithHeartbeatInterval overrides the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

// New creates a tracker bound to store.
func New(store core.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		clock:    core.SystemClock(),
		logger:   slog.Default(),
		ttl:      core.PresenceTTL,
		interval: core.HeartbeatInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start writes the session's own entry, subscribes to the record and starts
// the heartbeat timer. ctx bounds the lifetime of the heartbeat loop.
//
// A failed initial write is logged and retried by the next heartbeat; only a
// failed subscription is returned.
func (t *Tracker) Start(ctx context.Context, recordID string, self core.Peer, onPeersChanged func([]core.Peer)) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errors.New("presence tracker already started")
	}
	t.recordID = recordID
	t.self = self
	t.onChange = onPeersChanged
	t.cached = nil
	t.peers = nil
	t.running = true
	t.mu.Unlock()

	logger := t.logger.With("record", recordID, "peer", self.ID)

	if _, err := t.store.UpdateFields(ctx, recordID, core.Fields{
		core.EditorPath(self.ID): core.Editor{DisplayLabel: self.Label},
	}); err != nil {
		logger.Warn("initial presence write failed", "error", err)
	}

	sub, err := t.store.Subscribe(ctx, recordID, t.onSnapshot)
	if err != nil {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.sub = sub
	t.cancel = cancel
	t.mu.Unlock()

	ticker := t.clock.NewTicker(t.interval)
	lifecycle.Go(runCtx, func(ctx context.Context) error {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				_ = t.Heartbeat(ctx)
			}
		}
	}, lifecycle.WithErrorHandler(func(err error) {
		logger.Error("heartbeat loop panic", "error", err)
	}))

	logger.Debug("presence session started")
	return nil
}

// Heartbeat refreshes the session's own entry with a fresh server timestamp.
// Editor entries a fresh read shows as stale are removed in the same merge;
// the pushed view may lag, so it is never used to decide deletions. If the
// read fails only the own entry is written. Failures are logged and left for
// the next tick.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrNotStarted
	}
	recordID, self := t.recordID, t.self
	t.mu.Unlock()

	fields := core.Fields{
		core.EditorPath(self.ID): core.Editor{DisplayLabel: self.Label},
	}
	if rec, err := t.store.ReadOnce(ctx, recordID); err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			t.logger.Debug("skipping presence reap", "record", recordID, "error", err)
		}
	} else {
		for path, v := range StaleEditors(rec, t.clock.Now(), t.ttl, self.ID) {
			fields[path] = v
		}
	}

	_, err := t.store.UpdateFields(ctx, recordID, fields)

	t.mu.Lock()
	t.beats++
	if err != nil {
		t.failures++
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("heartbeat failed", "record", recordID, "peer", self.ID, "error", err)
	} else if reaped := len(fields) - 1; reaped > 0 {
		t.logger.Debug("reaped stale editors", "record", recordID, "count", reaped)
	}

	// Peers may have gone stale without any push.
	t.publish()
	return err
}

// StaleEditors returns a patch deleting every editor entry of rec that is
// stale at now, except keepID.
func StaleEditors(rec core.Record, now time.Time, ttl time.Duration, keepID string) core.Fields {
	fields := core.Fields{}
	for id, e := range rec.ActiveEditors {
		if id != keepID && e.Stale(now, ttl) {
			fields[core.EditorPath(id)] = core.Delete
		}
	}
	return fields
}

// End removes the session's entry (best effort), unsubscribes and stops the
// heartbeat. It is safe to call more than once.
func (t *Tracker) End(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	recordID, self := t.recordID, t.self
	sub, cancel := t.sub, t.cancel
	t.sub, t.cancel = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}

	_, err := t.store.UpdateFields(ctx, recordID, core.Fields{
		core.EditorPath(self.ID): core.Delete,
	})
	if err != nil {
		t.logger.Warn("presence removal failed", "record", recordID, "peer", self.ID, "error", err)
		return err
	}
	t.logger.Debug("presence session ended", "record", recordID, "peer", self.ID)
	return nil
}

// Peers returns the other live editors as of now.
func (t *Tracker) Peers() []core.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cached == nil {
		return nil
	}
	return t.cached.LivePeers(t.clock.Now(), t.ttl, t.self.ID)
}

// onSnapshot adopts rec unless it is older than the cached view. Revision 0
// means the record is gone and resets the view, so a recreated record is
// followed from its first revision.
func (t *Tracker) onSnapshot(rec core.Record) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	if t.cached != nil && rec.Revision < t.cached.Revision && rec.Revision != 0 {
		t.mu.Unlock()
		t.logger.Debug("discarding reordered snapshot", "record", rec.ID, "revision", rec.Revision)
		return
	}
	t.cached = &rec
	t.mu.Unlock()

	t.publish()
}

// publish recomputes the peer set and announces it if it changed.
func (t *Tracker) publish() {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if t.cached == nil {
		t.mu.Unlock()
		return
	}
	peers := t.cached.LivePeers(t.clock.Now(), t.ttl, t.self.ID)
	changed := !samePeers(t.peers, peers)
	if changed {
		t.peers = peers
	}
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		fn(append([]core.Peer(nil), peers...))
	}
}

// samePeers compares membership and labels; heartbeat timestamps are ignored.
func samePeers(a, b []core.Peer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Label != b[i].Label {
			return false
		}
	}
	return true
}

// TrackerState exposes internal state for observability.
type TrackerState struct {
	RecordID   string `json:"record_id"`
	PeerID     string `json:"peer_id"`
	Running    bool   `json:"running"`
	LivePeers  int    `json:"live_peers"`
	Heartbeats int    `json:"heartbeats"`
	Failures   int    `json:"failures"`
	Revision   int64  `json:"revision"`
}

// State implements introspection.Introspectable.
func (t *Tracker) State() any {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := TrackerState{
		RecordID:   t.recordID,
		PeerID:     t.self.ID,
		Running:    t.running,
		LivePeers:  len(t.peers),
		Heartbeats: t.beats,
		Failures:   t.failures,
	}
	if t.cached != nil {
		st.Revision = t.cached.Revision
	}
	return st
}

// ComponentType implements introspection.Component.
func (t *Tracker) ComponentType() string {
	return "presence-tracker"
}

var _ introspection.Introspectable = (*Tracker)(nil)
var _ introspection.Component = (*Tracker)(nil)
