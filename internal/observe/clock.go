package observe

import (
	"sync"
	"time"
)

// DefaultTickInterval is the scheduler cadence used when none is given.
// The cadence is a latency/throughput trade-off, not a correctness
// property; anything in the tens of milliseconds behaves the same.
const DefaultTickInterval = 25 * time.Millisecond

// Clock is the engine's only environment dependency: a recurring tick
// source and a soon-as-possible callback primitive.
//
// OnTick registers the scheduler pass and returns a stop function; the
// engine registers once when the first record is tracked and stops when
// the registry empties. Soon schedules fn to run after the current unit
// of work completes - the engine uses it to flush delivery queues
// outside the tick that filled them.
//
// Implemented by TickerClock (production) and ManualClock (tests).
type Clock interface {
	OnTick(fn func()) (stop func())
	Soon(fn func())
}

// TickerClock drives ticks from a time.Ticker and runs Soon callbacks
// on their own goroutines.
type TickerClock struct {
	interval time.Duration
}

// NewTickerClock creates a clock ticking at the given interval.
// A non-positive interval falls back to DefaultTickInterval.
func NewTickerClock(interval time.Duration) *TickerClock {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &TickerClock{interval: interval}
}

// OnTick starts a goroutine invoking fn at the clock's interval.
// The returned stop function is idempotent and does not wait for an
// in-flight tick to finish.
func (c *TickerClock) OnTick(fn func()) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// Soon runs fn on its own goroutine.
func (c *TickerClock) Soon(fn func()) {
	go fn()
}

// ManualClock is a deterministic clock for tests. Nothing happens until
// the test says so: Tick runs the registered tick callback synchronously
// and Settle drains every pending Soon callback, including ones enqueued
// while draining.
type ManualClock struct {
	mu      sync.Mutex
	tickFn  func()
	pending []func()
}

// NewManualClock creates a manual clock with no registered tick callback.
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

// OnTick registers fn as the tick callback, replacing any previous one.
func (c *ManualClock) OnTick(fn func()) (stop func()) {
	c.mu.Lock()
	c.tickFn = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.tickFn = nil
		c.mu.Unlock()
	}
}

// Soon queues fn for the next Settle.
func (c *ManualClock) Soon(fn func()) {
	c.mu.Lock()
	c.pending = append(c.pending, fn)
	c.mu.Unlock()
}

// Tick runs the registered tick callback once, synchronously.
// A stopped or never-started clock ticks into nothing.
func (c *ManualClock) Tick() {
	c.mu.Lock()
	fn := c.tickFn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Settle runs queued Soon callbacks until none remain. Callbacks queued
// by callbacks (a handler notifying during its own flush) run in the
// same Settle.
func (c *ManualClock) Settle() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		fn := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		fn()
	}
}

// Advance is Tick followed by Settle: one full scheduler cycle.
func (c *ManualClock) Advance() {
	c.Tick()
	c.Settle()
}

// Stopped reports whether the tick callback has been stopped (or never
// registered). Tests use it to assert the scheduler goes idle when the
// registry empties.
func (c *ManualClock) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickFn == nil
}

// PendingSoon returns the number of queued Soon callbacks.
func (c *ManualClock) PendingSoon() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
