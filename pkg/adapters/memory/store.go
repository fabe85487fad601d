// Package memory implements core.Store in process memory.
//
// It mirrors a hosted document database closely enough to exercise the
// coordination components: a server clock stamps writes, every change is
// pushed as a full snapshot to all subscribers, and faults can be injected
// on writes and reads.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aretw0/introspection"

	"github.com/gradkit/coedit/pkg/core"
)

// WriteHook runs before a write is applied. A non-nil error rejects the write.
type WriteHook func(recordID string, fields core.Fields) error

// ReadHook runs before a read is served. A non-nil error rejects the read.
type ReadHook func(recordID string) error

// Store is an in-memory core.Store.
type Store struct {
	clock     core.Clock
	logger    *slog.Logger
	writeHook WriteHook
	readHook  ReadHook
	duplicate bool

	mu      sync.Mutex
	records map[string]*core.Record
	subs    map[string]map[int]func(core.Record)
	nextSub int
	writes  int
	reads   int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the server clock used to stamp writes.
func WithClock(c core.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithWriteHook installs a hook consulted before every write.
func WithWriteHook(h WriteHook) Option {
	return func(s *Store) { s.writeHook = h }
}

// WithReadHook installs a hook consulted before every ReadOnce.
func WithReadHook(h ReadHook) Option {
	return func(s *Store) { s.readHook = h }
}

// WithDuplicateDelivery pushes every snapshot twice, exercising at-least-once delivery.
func WithDuplicateDelivery(enabled bool) Option {
	return func(s *Store) { s.duplicate = enabled }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:   core.SystemClock(),
		logger:  slog.Default(),
		records: make(map[string]*core.Record),
		subs:    make(map[string]map[int]func(core.Record)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put replaces a record wholesale, bypassing merge semantics, and pushes it.
// Intended for seeding fixtures.
func (s *Store) Put(rec core.Record) {
	s.mu.Lock()
	cp := rec.Clone()
	s.records[rec.ID] = &cp
	snap, fns := s.snapshotLocked(rec.ID)
	s.mu.Unlock()

	s.deliver(snap, fns)
}

// ReadOnce implements core.Store.
func (s *Store) ReadOnce(ctx context.Context, recordID string) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return core.Record{}, err
	}
	if s.readHook != nil {
		if err := s.readHook(recordID); err != nil {
			return core.Record{}, &core.StoreError{Op: "read", RecordID: recordID, Err: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++

	rec, ok := s.records[recordID]
	if !ok {
		return core.Record{}, &core.StoreError{Op: "read", RecordID: recordID, Err: core.ErrNotFound}
	}
	return rec.Clone(), nil
}

// UpdateFields implements core.Store.
func (s *Store) UpdateFields(ctx context.Context, recordID string, fields core.Fields) (core.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return core.WriteResult{}, err
	}
	if s.writeHook != nil {
		if err := s.writeHook(recordID, fields); err != nil {
			return core.WriteResult{}, &core.StoreError{Op: "update", RecordID: recordID, Err: err}
		}
	}

	s.mu.Lock()
	rec, ok := s.records[recordID]
	if !ok {
		fresh := core.NewRecord(recordID)
		rec = &fresh
	}
	next := rec.Clone()
	res, err := core.Merge(&next, fields, s.clock.Now())
	if err != nil {
		s.mu.Unlock()
		return core.WriteResult{}, &core.StoreError{Op: "update", RecordID: recordID, Err: err}
	}
	s.records[recordID] = &next
	s.writes++
	snap, fns := s.snapshotLocked(recordID)
	s.mu.Unlock()

	s.logger.Debug("record updated", "record", recordID, "revision", res.Revision, "fields", len(fields))
	s.deliver(snap, fns)
	return res, nil
}

// Subscribe implements core.Store. The current state is pushed before
// Subscribe returns; a missing record is pushed as an empty revision-0 record.
func (s *Store) Subscribe(ctx context.Context, recordID string, fn func(core.Record)) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("subscribe %s: nil callback", recordID)
	}

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[recordID] == nil {
		s.subs[recordID] = make(map[int]func(core.Record))
	}
	s.subs[recordID][id] = fn
	initial := core.NewRecord(recordID)
	if rec, ok := s.records[recordID]; ok {
		initial = rec.Clone()
	}
	s.mu.Unlock()

	fn(initial)

	var once sync.Once
	return core.SubscriptionFunc(func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[recordID], id)
			if len(s.subs[recordID]) == 0 {
				delete(s.subs, recordID)
			}
		})
	}), nil
}

// Writes returns the number of accepted writes.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Reads returns the number of served ReadOnce calls.
func (s *Store) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Subscribers returns the number of live subscriptions on recordID.
func (s *Store) Subscribers(recordID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[recordID])
}

func (s *Store) snapshotLocked(recordID string) (core.Record, []func(core.Record)) {
	snap := s.records[recordID].Clone()
	ids := make([]int, 0, len(s.subs[recordID]))
	for id := range s.subs[recordID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(core.Record), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[recordID][id])
	}
	return snap, fns
}

// deliver runs outside the store mutex so callbacks may call back into the store.
func (s *Store) deliver(snap core.Record, fns []func(core.Record)) {
	for _, fn := range fns {
		fn(snap.Clone())
		if s.duplicate {
			fn(snap.Clone())
		}
	}
}

// StoreState exposes internal state for observability.
type StoreState struct {
	Records       int `json:"records"`
	Subscriptions int `json:"subscriptions"`
	Writes        int `json:"writes"`
	Reads         int `json:"reads"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := 0
	for _, m := range s.subs {
		subs += len(m)
	}
	return StoreState{
		Records:       len(s.records),
		Subscriptions: subs,
		Writes:        s.writes,
		Reads:         s.reads,
	}
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "memory-store"
}

var _ core.Store = (*Store)(nil)
var _ introspection.Introspectable = (*Store)(nil)
var _ introspection.Component = (*Store)(nil)
