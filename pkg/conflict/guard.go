// Package conflict detects stale saves by comparing the record's
// LastModifiedAt against the baseline captured when editing began.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/introspection"

	"github.com/gradkit/coedit/pkg/core"
)

// ErrNotBegun is returned by SafeUpdate before Begin.
var ErrNotBegun = errors.New("edit session not begun")

// Resolution is the caller's answer to a detected conflict.
type Resolution int

const (
	// Reload abandons the local write so the caller can re-render from the server copy.
	Reload Resolution = iota
	// Overwrite writes the local patch over the newer server copy.
	Overwrite
)

func (r Resolution) String() string {
	switch r {
	case Reload:
		return "reload"
	case Overwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// Outcome reports what SafeUpdate did.
type Outcome int

const (
	// Applied means no conflict was found and the patch was written.
	Applied Outcome = iota + 1
	// Overwritten means a conflict was found and the caller chose to write anyway.
	Overwritten
	// Reloaded means a conflict was found and the write was abandoned.
	Reloaded
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Overwritten:
		return "overwritten"
	case Reloaded:
		return "reloaded"
	default:
		return "none"
	}
}

// ApplyFunc performs the actual write of patch.
type ApplyFunc func(ctx context.Context, patch core.Fields) (core.WriteResult, error)

// ConflictFunc is consulted, and awaited, when the server copy moved on
// since the baseline. It receives the current server snapshot.
type ConflictFunc func(ctx context.Context, server core.Record) (Resolution, error)

// Guard wraps content saves of one edit session with optimistic conflict
// detection and tracks unsaved local edits.
type Guard struct {
	store   core.Store
	logger  *slog.Logger
	onDirty func(bool)

	saveMu sync.Mutex // one save at a time

	mu        sync.Mutex
	recordID  string
	baseline  time.Time
	begun     bool
	dirty     bool
	saves     int
	conflicts int
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithDirtyHandler registers a callback for dirty-state transitions.
func WithDirtyHandler(fn func(dirty bool)) Option {
	return func(g *Guard) { g.onDirty = fn }
}

// New creates a guard bound to store.
func New(store core.Store, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Begin captures the record's current LastModifiedAt as the baseline.
// A record that does not exist yet has a zero baseline.
func (g *Guard) Begin(ctx context.Context, recordID string) error {
	rec, err := g.store.ReadOnce(ctx, recordID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("begin edit session: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.recordID = recordID
	g.baseline = rec.LastModifiedAt
	g.begun = true
	return nil
}

// Rebase adopts rec's LastModifiedAt as the new baseline, typically after
// the caller reloaded from it.
func (g *Guard) Rebase(rec core.Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.baseline = rec.LastModifiedAt
}

// Baseline returns the LastModifiedAt the next save is compared against.
func (g *Guard) Baseline() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.baseline
}

// MarkDirty records that unsaved local edits exist.
func (g *Guard) MarkDirty() { g.setDirty(true) }

// ClearDirty records that local edits were saved or discarded.
func (g *Guard) ClearDirty() { g.setDirty(false) }

// IsDirty reports whether unsaved local edits exist.
func (g *Guard) IsDirty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty
}

func (g *Guard) setDirty(dirty bool) {
	g.mu.Lock()
	changed := g.dirty != dirty
	g.dirty = dirty
	fn := g.onDirty
	g.mu.Unlock()

	if changed && fn != nil {
		fn(dirty)
	}
}

// SafeUpdate writes patch unless the server copy changed since the
// baseline, in which case onConflict decides before anything is written.
//
// A nil apply writes through the store's UpdateFields. A nil onConflict
// always reloads. If apply fails the baseline stays put and the error is
// returned unretried.
func (g *Guard) SafeUpdate(ctx context.Context, patch core.Fields, apply ApplyFunc, onConflict ConflictFunc) (Outcome, error) {
	g.saveMu.Lock()
	defer g.saveMu.Unlock()

	g.mu.Lock()
	begun, recordID, baseline := g.begun, g.recordID, g.baseline
	g.mu.Unlock()
	if !begun {
		return 0, ErrNotBegun
	}
	if apply == nil {
		apply = func(ctx context.Context, patch core.Fields) (core.WriteResult, error) {
			return g.store.UpdateFields(ctx, recordID, patch)
		}
	}

	current, err := g.store.ReadOnce(ctx, recordID)
	if errors.Is(err, core.ErrNotFound) {
		current = core.NewRecord(recordID)
	} else if err != nil {
		return 0, fmt.Errorf("safe update read: %w", err)
	}

	outcome := Applied
	if !current.LastModifiedAt.Equal(baseline) {
		g.mu.Lock()
		g.conflicts++
		g.mu.Unlock()

		g.logger.Info("save conflict detected",
			"record", recordID, "baseline", baseline, "server", current.LastModifiedAt)

		resolution := Reload
		if onConflict != nil {
			if resolution, err = onConflict(ctx, current); err != nil {
				return 0, fmt.Errorf("conflict decision: %w", err)
			}
		}
		switch resolution {
		case Reload:
			return Reloaded, nil
		case Overwrite:
			outcome = Overwritten
		default:
			return 0, fmt.Errorf("conflict decision: unknown %s", resolution)
		}
	}

	res, err := apply(ctx, patch)
	if err != nil {
		g.logger.Warn("save failed", "record", recordID, "error", err)
		return 0, err
	}

	next := res.LastModifiedAt
	if next.IsZero() {
		// The apply function did not report the server time; ask for it.
		rec, rerr := g.store.ReadOnce(ctx, recordID)
		if rerr != nil {
			g.logger.Warn("baseline refresh failed", "record", recordID, "error", rerr)
		}
		next = rec.LastModifiedAt
	}

	g.mu.Lock()
	if !next.IsZero() {
		g.baseline = next
	}
	g.saves++
	g.mu.Unlock()

	g.ClearDirty()
	g.logger.Debug("record saved", "record", recordID, "outcome", outcome.String(), "revision", res.Revision)
	return outcome, nil
}

// GuardState exposes internal state for observability.
type GuardState struct {
	RecordID  string    `json:"record_id"`
	Baseline  time.Time `json:"baseline"`
	Dirty     bool      `json:"dirty"`
	Saves     int       `json:"saves"`
	Conflicts int       `json:"conflicts"`
}

// State implements introspection.Introspectable.
func (g *Guard) State() any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GuardState{
		RecordID:  g.recordID,
		Baseline:  g.baseline,
		Dirty:     g.dirty,
		Saves:     g.saves,
		Conflicts: g.conflicts,
	}
}

// ComponentType implements introspection.Component.
func (g *Guard) ComponentType() string {
	return "conflict-guard"
}

var _ introspection.Introspectable = (*Guard)(nil)
var _ introspection.Component = (*Guard)(nil)
