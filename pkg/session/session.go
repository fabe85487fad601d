// Package session binds presence, field locks and conflict detection into
// one editing session on one record.
//
// A Session is owned by its caller and lives as long as the edit screen it
// backs. Several sessions, even for the same user and record, are independent
// peers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/introspection"
	"github.com/google/uuid"

	"github.com/gradkit/coedit/pkg/conflict"
	"github.com/gradkit/coedit/pkg/core"
	"github.com/gradkit/coedit/pkg/fieldlock"
	"github.com/gradkit/coedit/pkg/presence"
)

var (
	// ErrNotConfirmed is returned by ForceRelease when the caller did not confirm.
	ErrNotConfirmed = errors.New("force release not confirmed")
	// ErrClosed is returned when a closed session is used.
	ErrClosed = errors.New("session closed")
	// ErrNotOpen is returned when a session is used before Open returns.
	ErrNotOpen = errors.New("session not open")
	// ErrOpening is returned by Open while another Open is in progress.
	ErrOpening = errors.New("session is opening")
)

// Handlers are the presentation-layer callbacks. Any of them may be nil.
//
// Callbacks run on the goroutine that delivered the change, which may be
// inside Open, Close or another session call. They may read session state.
// They must not call Focus, Blur, Save or ForceRelease synchronously: those
// write to the record, and the push of that write waits for the running
// callback to return. Hand such calls to another goroutine.
type Handlers struct {
	OnPeersChanged      func(peers []core.Peer)
	OnLockStateChanged  func(fieldKey string, holder *core.Holder)
	OnConflict          conflict.ConflictFunc
	OnDirtyStateChanged func(dirty bool)
}

// Config identifies the session.
type Config struct {
	RecordID string
	Label    string
	// PeerID defaults to a random UUID.
	PeerID   string
	Handlers Handlers
}

// Session is one editor's view of a record.
type Session struct {
	store    core.Store
	cfg      Config
	self     core.Peer
	logger   *slog.Logger
	tracker  *presence.Tracker
	locks    *fieldlock.Manager
	guard    *conflict.Guard
	cancel   context.CancelFunc
	closeErr error

	mu      sync.Mutex
	opening bool
	opened  bool
	closed  bool
}

type options struct {
	clock           core.Clock
	logger          *slog.Logger
	presenceOptions []presence.Option
	lockOptions     []fieldlock.Option
}

// Option configures a Session.
type Option func(*options)

// WithClock injects the clock used by presence and locks.
func WithClock(c core.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger for the session and its components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPresenceOptions passes extra options to the presence tracker.
func WithPresenceOptions(opts ...presence.Option) Option {
	return func(o *options) { o.presenceOptions = append(o.presenceOptions, opts...) }
}

// WithLockOptions passes extra options to the field lock manager.
func WithLockOptions(opts ...fieldlock.Option) Option {
	return func(o *options) { o.lockOptions = append(o.lockOptions, opts...) }
}

// New creates a session. Nothing touches the store until Open.
func New(store core.Store, cfg Config, opts ...Option) (*Session, error) {
	if cfg.RecordID == "" {
		return nil, errors.New("session: record id is required")
	}
	o := &options{
		clock:  core.SystemClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}

	logger := o.logger.With("record", cfg.RecordID, "peer", cfg.PeerID)
	s := &Session{
		store:  store,
		cfg:    cfg,
		self:   core.Peer{ID: cfg.PeerID, Label: cfg.Label},
		logger: logger,
	}

	s.tracker = presence.New(store, append([]presence.Option{
		presence.WithClock(o.clock),
		presence.WithLogger(logger),
	}, o.presenceOptions...)...)
	s.locks = fieldlock.New(store, append([]fieldlock.Option{
		fieldlock.WithClock(o.clock),
		fieldlock.WithLogger(logger),
	}, o.lockOptions...)...)
	s.guard = conflict.New(store,
		conflict.WithLogger(logger),
		conflict.WithDirtyHandler(cfg.Handlers.OnDirtyStateChanged),
	)
	return s, nil
}

// Self returns this session's peer identity.
func (s *Session) Self() core.Peer { return s.self }

// RecordID returns the record the session edits.
func (s *Session) RecordID() string { return s.cfg.RecordID }

// Open captures the save baseline, announces presence and starts tracking locks.
// ctx bounds the background timers; Close stops them earlier. The session
// mutex is not held while the components start, so Handlers may run.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.opened:
		s.mu.Unlock()
		return nil
	case s.opening:
		s.mu.Unlock()
		return ErrOpening
	}
	s.opening = true
	s.mu.Unlock()

	cancel, err := s.start(ctx)

	s.mu.Lock()
	s.opening = false
	closed := s.closed
	if err == nil && !closed {
		s.cancel = cancel
		s.opened = true
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if closed {
		// Close ran while the components were starting.
		_ = s.teardown(ctx, cancel)
		return ErrClosed
	}
	s.logger.Info("editing session opened", "label", s.self.Label)
	return nil
}

func (s *Session) start(ctx context.Context) (context.CancelFunc, error) {
	if err := s.guard.Begin(ctx, s.cfg.RecordID); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.tracker.Start(runCtx, s.cfg.RecordID, s.self, s.cfg.Handlers.OnPeersChanged); err != nil {
		cancel()
		return nil, fmt.Errorf("start presence: %w", err)
	}
	if err := s.locks.Start(runCtx, s.cfg.RecordID, s.self, s.cfg.Handlers.OnLockStateChanged); err != nil {
		_ = s.tracker.End(ctx)
		cancel()
		return nil, fmt.Errorf("start field locks: %w", err)
	}
	return cancel, nil
}

// Focus tries to lock fieldKey for editing. False means the field should
// render read-only.
func (s *Session) Focus(ctx context.Context, fieldKey string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	return s.locks.Acquire(ctx, fieldKey)
}

// Blur releases fieldKey if this session still holds it.
func (s *Session) Blur(ctx context.Context, fieldKey string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	return s.locks.Release(ctx, fieldKey)
}

// Save writes patch through the conflict guard using the OnConflict handler.
// When the user chooses to reload, the baseline is moved to the server copy
// so the next save compares against what was re-rendered.
func (s *Session) Save(ctx context.Context, patch core.Fields) (conflict.Outcome, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	var server core.Record
	onConflict := func(ctx context.Context, rec core.Record) (conflict.Resolution, error) {
		server = rec
		if s.cfg.Handlers.OnConflict == nil {
			return conflict.Reload, nil
		}
		return s.cfg.Handlers.OnConflict(ctx, rec)
	}

	outcome, err := s.guard.SafeUpdate(ctx, patch, nil, onConflict)
	if err != nil {
		return outcome, err
	}
	if outcome == conflict.Reloaded {
		s.guard.Rebase(server)
		s.guard.ClearDirty()
	}
	return outcome, nil
}

// MarkDirty records unsaved local edits.
func (s *Session) MarkDirty() { s.guard.MarkDirty() }

// ClearDirty records that local edits were saved or discarded.
func (s *Session) ClearDirty() { s.guard.ClearDirty() }

// IsDirty reports whether unsaved local edits exist.
func (s *Session) IsDirty() bool { return s.guard.IsDirty() }

// ShouldWarnOnLeave reports whether navigating away would lose edits.
func (s *Session) ShouldWarnOnLeave() bool { return s.guard.IsDirty() }

// ForceRelease removes another editor's lock on fieldKey once confirm
// approves it. confirm receives the current holder; a nil confirm never approves.
func (s *Session) ForceRelease(ctx context.Context, fieldKey string, confirm func(core.Holder) bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	holder, _ := s.locks.Holder(fieldKey)
	if confirm == nil || !confirm(holder) {
		return ErrNotConfirmed
	}
	return s.locks.ForceRelease(ctx, fieldKey)
}

// Peers returns the other live editors.
func (s *Session) Peers() []core.Peer { return s.tracker.Peers() }

// Locks returns the live lock view.
func (s *Session) Locks() map[string]core.Holder { return s.locks.Locks() }

// Holder returns the live holder of fieldKey.
func (s *Session) Holder(fieldKey string) (core.Holder, bool) { return s.locks.Holder(fieldKey) }

// Close releases this session's locks, removes its presence entry and stops
// the timers. Cleanup is best effort; errors from each step are joined. A
// Close that overlaps a running one returns without waiting for it.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	s.closed = true
	opened, cancel := s.opened, s.cancel
	s.mu.Unlock()
	if !opened {
		// An Open in progress sees closed and tears down itself.
		return nil
	}

	err := s.teardown(ctx, cancel)
	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("editing session closed with errors", "error", err)
	} else {
		s.logger.Info("editing session closed")
	}
	return err
}

func (s *Session) teardown(ctx context.Context, cancel context.CancelFunc) error {
	lockErr := s.locks.Teardown(ctx)
	presenceErr := s.tracker.End(ctx)
	if cancel != nil {
		cancel()
	}
	return errors.Join(lockErr, presenceErr)
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case !s.opened:
		return ErrNotOpen
	}
	return nil
}

// SessionState aggregates component state for observability.
type SessionState struct {
	RecordID string `json:"record_id"`
	PeerID   string `json:"peer_id"`
	Label    string `json:"label"`
	Open     bool   `json:"open"`
	Presence any    `json:"presence"`
	Locks    any    `json:"locks"`
	Guard    any    `json:"guard"`
}

// State implements introspection.Introspectable.
func (s *Session) State() any {
	s.mu.Lock()
	open := s.opened && !s.closed
	s.mu.Unlock()
	return SessionState{
		RecordID: s.cfg.RecordID,
		PeerID:   s.self.ID,
		Label:    s.self.Label,
		Open:     open,
		Presence: s.tracker.State(),
		Locks:    s.locks.State(),
		Guard:    s.guard.State(),
	}
}

// ComponentType implements introspection.Component.
func (s *Session) ComponentType() string {
	return "editing-session"
}

var _ introspection.Introspectable = (*Session)(nil)
var _ introspection.Component = (*Session)(nil)
