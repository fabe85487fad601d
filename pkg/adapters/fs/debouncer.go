package fs

import (
	"sync"
	"time"

	"github.com/gradkit/coedit/pkg/core"
)

// debouncer coalesces bursts of events per record ID. An atomic write shows
// up as several filesystem events; subscribers only need one re-read.
type debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent
	stopped bool
	wg      sync.WaitGroup
}

type pendingEvent struct {
	timer *time.Timer
	event core.Event
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay:   delay,
		pending: make(map[string]*pendingEvent),
	}
}

// add schedules fn for e, replacing any event for the same ID still
// waiting. A pending CREATE is kept over a later MODIFY.
func (d *debouncer) add(e core.Event, fn func(core.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if p, ok := d.pending[e.ID]; ok {
		if !(p.event.Type == core.EventCreate && e.Type == core.EventModify) {
			p.event = e
		}
		return
	}

	p := &pendingEvent{event: e}
	d.pending[e.ID] = p
	d.wg.Add(1)
	p.timer = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()

		d.mu.Lock()
		cur, ok := d.pending[e.ID]
		if ok && cur == p {
			delete(d.pending, e.ID)
		}
		d.mu.Unlock()

		if ok && cur == p {
			fn(cur.event)
		}
	})
}

// stopAndWait drops pending events and waits up to timeout for callbacks
// already running.
func (d *debouncer) stopAndWait(timeout time.Duration) {
	d.mu.Lock()
	d.stopped = true
	for id, p := range d.pending {
		if p.timer.Stop() {
			d.wg.Done()
		}
		delete(d.pending, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
