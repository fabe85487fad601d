// Package coretest provides deterministic doubles for the core interfaces.
package coretest

import (
	"sync"
	"time"

	"github.com/gradkit/coedit/pkg/core"
)

// Epoch is a fixed starting instant for tests.
var Epoch = time.Date(2026, time.June, 12, 9, 0, 0, 0, time.UTC)

// Clock is a manually advanced core.Clock.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*ticker
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now implements core.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and fires every ticker that came due.
// Like time.Ticker, a slow receiver misses ticks rather than queueing them.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	active := append([]*ticker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range active {
		t.fire(now)
	}
}

// NewTicker implements core.Clock.
func (c *Clock) NewTicker(d time.Duration) core.Ticker {
	if d <= 0 {
		panic("coretest: non-positive ticker period")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &ticker{
		clock:  c,
		ch:     make(chan time.Time, 1),
		period: d,
		next:   c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Tickers returns the number of running tickers.
func (c *Clock) Tickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

func (c *Clock) remove(t *ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.tickers {
		if other == t {
			c.tickers = append(c.tickers[:i], c.tickers[i+1:]...)
			return
		}
	}
}

type ticker struct {
	clock  *Clock
	ch     chan time.Time
	period time.Duration

	mu   sync.Mutex
	next time.Time
}

func (t *ticker) C() <-chan time.Time { return t.ch }

func (t *ticker) Stop() { t.clock.remove(t) }

func (t *ticker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
		}
		t.next = t.next.Add(t.period)
	}
}
