// Package lifecycle bridges store activity to github.com/aretw0/lifecycle sources.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/lifecycle"

	"github.com/gradkit/coedit/pkg/core"
)

type eventSource struct {
	events <-chan core.Event
	out    chan lifecycle.Event
}

// NewSource creates a lifecycle.Source that emits store change events.
// It bridges a core.Watchable channel to the generic lifecycle Event interface.
func NewSource(events <-chan core.Event) lifecycle.Source {
	return &eventSource{
		events: events,
		out:    make(chan lifecycle.Event),
	}
}

func (s *eventSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *eventSource) Start(ctx context.Context) error {
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-s.events:
				if !ok {
					return nil
				}
				select {
				case s.out <- e:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}

// RecordEvent carries one pushed snapshot.
type RecordEvent struct {
	Record core.Record
}

// String implements lifecycle.Event.
func (e RecordEvent) String() string {
	return fmt.Sprintf("%s revision %d (%d editors, %d locks)",
		e.Record.ID, e.Record.Revision, len(e.Record.ActiveEditors), len(e.Record.LockedFields))
}

// recordSource subscribes to one record. Slow consumers see only the latest
// snapshot; intermediate ones are skipped, which is safe because every
// snapshot is complete.
type recordSource struct {
	store    core.Store
	recordID string
	out      chan lifecycle.Event

	mu      sync.Mutex
	pending *core.Record
	signal  chan struct{}
}

// NewRecordSource creates a lifecycle.Source emitting a RecordEvent for
// every snapshot of recordID.
func NewRecordSource(store core.Store, recordID string) lifecycle.Source {
	return &recordSource{
		store:    store,
		recordID: recordID,
		out:      make(chan lifecycle.Event),
		signal:   make(chan struct{}, 1),
	}
}

func (s *recordSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *recordSource) Start(ctx context.Context) error {
	sub, err := s.store.Subscribe(ctx, s.recordID, s.push)
	if err != nil {
		return err
	}

	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-s.signal:
			}

			s.mu.Lock()
			rec := s.pending
			s.pending = nil
			s.mu.Unlock()
			if rec == nil {
				continue
			}

			select {
			case s.out <- RecordEvent{Record: *rec}:
			case <-ctx.Done():
				return nil
			}
		}
	})
	return nil
}

func (s *recordSource) push(rec core.Record) {
	s.mu.Lock()
	if s.pending == nil || rec.Revision >= s.pending.Revision || rec.Revision == 0 {
		s.pending = &rec
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}
