package fieldlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/introspection"
	"github.com/aretw0/lifecycle"

	"github.com/gradkit/coedit/pkg/core"
)

// ErrNotStarted is returned when a manager is used before Start.
var ErrNotStarted = errors.New("field lock manager not started")

// StateFunc is invoked when the effective holder of a field changes.
// A nil holder means the field became unlocked.
type StateFunc func(fieldKey string, holder *core.Holder)

// Manager coordinates advisory field locks for one session on one record.
// It is safe for concurrent use.
type Manager struct {
	store        core.Store
	clock        core.Clock
	logger       *slog.Logger
	ttl          time.Duration
	reapInterval time.Duration

	notifyMu sync.Mutex // serializes onChange invocations

	mu       sync.Mutex
	recordID string
	self     core.Peer
	cached   *core.Record
	view     map[string]core.Holder
	onChange StateFunc
	sub      core.Subscription
	cancel   context.CancelFunc
	running  bool
	reaped   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for lease expiry and the reaper timer.
func WithClock(c core.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTTL overrides the lock lease.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// WithReapInterval overrides the reaper period.
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) { m.reapInterval = d }
}

// New creates a manager bound to store.
func New(store core.Store, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		clock:        core.SystemClock(),
		logger:       slog.Default(),
		ttl:          core.LockTTL,
		reapInterval: core.ReapInterval,
		view:         make(map[string]core.Holder),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to the record and starts the reaper. ctx bounds the
// lifetime of the reaper loop.
//
// onLockStateChanged runs on the goroutine that delivered the change and
// must not call Acquire, Release or ForceRelease synchronously.
func (m *Manager) Start(ctx context.Context, recordID string, self core.Peer, onLockStateChanged StateFunc) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("field lock manager already started")
	}
	m.recordID = recordID
	m.self = self
	m.onChange = onLockStateChanged
	m.cached = nil
	m.view = make(map[string]core.Holder)
	m.running = true
	m.mu.Unlock()

	sub, err := m.store.Subscribe(ctx, recordID, m.onSnapshot)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.sub = sub
	m.cancel = cancel
	m.mu.Unlock()

	logger := m.logger.With("record", recordID, "peer", self.ID)
	ticker := m.clock.NewTicker(m.reapInterval)
	lifecycle.Go(runCtx, func(ctx context.Context) error {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				if _, err := m.Reap(ctx); err != nil {
					logger.Warn("lock reap failed", "error", err)
				}
			}
		}
	}, lifecycle.WithErrorHandler(func(err error) {
		logger.Error("reaper loop panic", "error", err)
	}))
	return nil
}

// Acquire claims fieldKey for this session. It succeeds when the field is
// unlocked, its lease has expired, or this session already holds it, in
// which case the lease is extended. A live lock held by another session
// yields false without writing.
//
// The check is not atomic with the write: two sessions can both succeed.
func (m *Manager) Acquire(ctx context.Context, fieldKey string) (bool, error) {
	recordID, self, err := m.identity()
	if err != nil {
		return false, err
	}

	rec, err := m.snapshot(ctx)
	if err != nil {
		return false, err
	}
	if !m.available(rec, fieldKey) {
		return false, nil
	}

	// Confirm against the authoritative copy before writing.
	fresh, err := m.store.ReadOnce(ctx, recordID)
	switch {
	case errors.Is(err, core.ErrNotFound):
	case err != nil:
		m.logger.Warn("lock confirm read failed", "record", recordID, "field", fieldKey, "error", err)
		return false, err
	default:
		m.adopt(fresh)
		if !m.available(&fresh, fieldKey) {
			m.logger.Debug("lock taken since last push",
				"record", recordID, "field", fieldKey, "error", core.ErrStaleState)
			m.publish()
			return false, nil
		}
	}

	res, err := m.store.UpdateFields(ctx, recordID, core.Fields{
		core.LockPath(fieldKey): core.FieldLock{HolderID: self.ID, HolderLabel: self.Label},
	})
	if err != nil {
		m.logger.Warn("lock acquire write failed", "record", recordID, "field", fieldKey, "error", err)
		return false, err
	}

	m.applyLocal(res, func(rec *core.Record) {
		rec.LockedFields[fieldKey] = core.FieldLock{
			HolderID:    self.ID,
			HolderLabel: self.Label,
			AcquiredAt:  res.UpdateTime,
		}
	})
	m.publish()
	return true, nil
}

// Release gives up fieldKey if, according to an authoritative read, this
// session still holds it. Otherwise it returns false without writing, so a
// lock another session re-acquired in the meantime is never dropped.
func (m *Manager) Release(ctx context.Context, fieldKey string) (bool, error) {
	recordID, self, err := m.identity()
	if err != nil {
		return false, err
	}

	fresh, err := m.store.ReadOnce(ctx, recordID)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		m.logger.Warn("lock release read failed", "record", recordID, "field", fieldKey, "error", err)
		return false, err
	}

	wasSelf := m.IsLockedBySelf(fieldKey)
	m.adopt(fresh)

	lock, ok := fresh.LockedFields[fieldKey]
	if !ok || lock.HolderID != self.ID {
		if wasSelf {
			m.logger.Debug("lock lost before release",
				"record", recordID, "field", fieldKey, "error", core.ErrStaleState)
		}
		m.publish()
		return false, nil
	}

	res, err := m.store.UpdateFields(ctx, recordID, core.Fields{core.LockPath(fieldKey): core.Delete})
	if err != nil {
		m.logger.Warn("lock release write failed", "record", recordID, "field", fieldKey, "error", err)
		return false, err
	}
	m.applyLocal(res, func(rec *core.Record) { delete(rec.LockedFields, fieldKey) })
	m.publish()
	return true, nil
}

// ForceRelease removes the lock on fieldKey whoever holds it.
// It is an administrative override; callers must confirm with the user first.
func (m *Manager) ForceRelease(ctx context.Context, fieldKey string) error {
	recordID, self, err := m.identity()
	if err != nil {
		return err
	}

	previous, _ := m.Holder(fieldKey)
	res, err := m.store.UpdateFields(ctx, recordID, core.Fields{core.LockPath(fieldKey): core.Delete})
	if err != nil {
		return fmt.Errorf("force release %s: %w", fieldKey, err)
	}
	m.logger.Warn("lock force-released",
		"record", recordID, "field", fieldKey, "by", self.ID, "holder", previous.ID)

	m.applyLocal(res, func(rec *core.Record) { delete(rec.LockedFields, fieldKey) })
	m.publish()
	return nil
}

// Reap removes every lock entry whose lease has expired, in one write, and
// returns how many were removed.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	recordID, _, err := m.identity()
	if err != nil {
		return 0, err
	}

	fresh, err := m.store.ReadOnce(ctx, recordID)
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	m.adopt(fresh)

	fields := ExpiredLocks(fresh, m.clock.Now(), m.ttl)
	if len(fields) == 0 {
		// Leases may have lapsed locally without any push.
		m.publish()
		return 0, nil
	}

	res, err := m.store.UpdateFields(ctx, recordID, fields)
	if err != nil {
		return 0, err
	}
	m.applyLocal(res, func(rec *core.Record) {
		for path := range fields {
			_, key := core.SplitPath(path)
			delete(rec.LockedFields, key)
		}
	})

	m.mu.Lock()
	m.reaped += len(fields)
	m.mu.Unlock()

	m.logger.Debug("reaped expired locks", "record", recordID, "count", len(fields))
	m.publish()
	return len(fields), nil
}

// ExpiredLocks returns a merge removing every lock in rec that is stale at now.
func ExpiredLocks(rec core.Record, now time.Time, ttl time.Duration) core.Fields {
	fields := core.Fields{}
	for key, l := range rec.LockedFields {
		if l.Stale(now, ttl) {
			fields[core.LockPath(key)] = core.Delete
		}
	}
	return fields
}

// Teardown releases every lock this session holds, unsubscribes and stops
// the reaper. It is safe to call more than once.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	recordID, self := m.recordID, m.self
	m.mu.Unlock()

	rec, err := m.store.ReadOnce(ctx, recordID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		m.logger.Warn("teardown read failed, using cached view", "record", recordID, "error", err)
		if cached, cerr := m.snapshot(ctx); cerr == nil {
			rec = *cached
		}
	}

	fields := core.Fields{}
	for key, l := range rec.LockedFields {
		if l.HolderID == self.ID {
			fields[core.LockPath(key)] = core.Delete
		}
	}

	var releaseErr error
	if len(fields) > 0 {
		if _, releaseErr = m.store.UpdateFields(ctx, recordID, fields); releaseErr != nil {
			m.logger.Warn("teardown release failed", "record", recordID, "error", releaseErr)
		}
	}

	m.mu.Lock()
	m.running = false
	sub, cancel := m.sub, m.cancel
	m.sub, m.cancel = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	return releaseErr
}

// IsLocked reports whether fieldKey has a live holder in the cached view.
func (m *Manager) IsLocked(fieldKey string) bool {
	_, ok := m.Holder(fieldKey)
	return ok
}

// IsLockedBySelf reports whether this session holds a live lock on fieldKey.
func (m *Manager) IsLockedBySelf(fieldKey string) bool {
	h, ok := m.Holder(fieldKey)
	return ok && h.ID == m.selfID()
}

// Holder returns the live holder of fieldKey from the cached view.
func (m *Manager) Holder(fieldKey string) (core.Holder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return core.Holder{}, false
	}
	l, ok := m.cached.LockedFields[fieldKey]
	if !ok || l.Stale(m.clock.Now(), m.ttl) {
		return core.Holder{}, false
	}
	return l.Holder(), true
}

// Locks returns every live lock in the cached view.
func (m *Manager) Locks() map[string]core.Holder {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return map[string]core.Holder{}
	}
	return m.cached.LiveLocks(m.clock.Now(), m.ttl)
}

func (m *Manager) identity() (string, core.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return "", core.Peer{}, ErrNotStarted
	}
	return m.recordID, m.self, nil
}

func (m *Manager) selfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self.ID
}

// snapshot returns the cached record, fetching it when nothing was pushed yet.
func (m *Manager) snapshot(ctx context.Context) (*core.Record, error) {
	m.mu.Lock()
	cached, recordID := m.cached, m.recordID
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	rec, err := m.store.ReadOnce(ctx, recordID)
	if errors.Is(err, core.ErrNotFound) {
		rec = core.NewRecord(recordID)
	} else if err != nil {
		return nil, err
	}
	m.adopt(rec)
	return &rec, nil
}

// available reports whether this session may take fieldKey given rec.
func (m *Manager) available(rec *core.Record, fieldKey string) bool {
	l, ok := rec.LockedFields[fieldKey]
	if !ok {
		return true
	}
	return l.HolderID == m.selfID() || l.Stale(m.clock.Now(), m.ttl)
}

// adopt replaces the cached record unless rec is older than it. A revision 0
// snapshot reports a missing record and always resets the cache.
func (m *Manager) adopt(rec core.Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil && rec.Revision < m.cached.Revision && rec.Revision != 0 {
		return false
	}
	m.cached = &rec
	return true
}

// applyLocal folds our own accepted write into the cache when its push has
// not arrived yet.
func (m *Manager) applyLocal(res core.WriteResult, mutate func(*core.Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil || m.cached.Revision >= res.Revision {
		return
	}
	next := m.cached.Clone()
	mutate(&next)
	next.Revision = res.Revision
	m.cached = &next
}

func (m *Manager) onSnapshot(rec core.Record) {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return
	}
	if !m.adopt(rec) {
		m.logger.Debug("discarding reordered snapshot", "record", rec.ID, "revision", rec.Revision)
		return
	}
	m.publish()
}

// publish diffs the live lock view against the last announced one and
// reports every field whose holder changed, in key order.
func (m *Manager) publish() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.cached == nil {
		m.mu.Unlock()
		return
	}
	next := m.cached.LiveLocks(m.clock.Now(), m.ttl)

	var changed []string
	for key, h := range next {
		if prev, ok := m.view[key]; !ok || prev.ID != h.ID {
			changed = append(changed, key)
		}
	}
	for key := range m.view {
		if _, ok := next[key]; !ok {
			changed = append(changed, key)
		}
	}
	m.view = next
	fn := m.onChange
	m.mu.Unlock()

	if fn == nil {
		return
	}
	sort.Strings(changed)
	for _, key := range changed {
		if h, ok := next[key]; ok {
			fn(key, &h)
		} else {
			fn(key, nil)
		}
	}
}

// ManagerState exposes internal state for observability.
type ManagerState struct {
	RecordID  string   `json:"record_id"`
	PeerID    string   `json:"peer_id"`
	Running   bool     `json:"running"`
	LiveLocks []string `json:"live_locks"`
	Reaped    int      `json:"reaped"`
	Revision  int64    `json:"revision"`
}

// State implements introspection.Introspectable.
func (m *Manager) State() any {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.view))
	for k := range m.view {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	st := ManagerState{
		RecordID:  m.recordID,
		PeerID:    m.self.ID,
		Running:   m.running,
		LiveLocks: keys,
		Reaped:    m.reaped,
	}
	if m.cached != nil {
		st.Revision = m.cached.Revision
	}
	return st
}

// ComponentType implements introspection.Component.
func (m *Manager) ComponentType() string {
	return "field-lock-manager"
}

var _ introspection.Introspectable = (*Manager)(nil)
var _ introspection.Component = (*Manager)(nil)
