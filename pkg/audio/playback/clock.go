package playback

import (
	"slices"
	"sync"
	"time"
)

// Clock is the output device's timeline. Times are offsets from an arbitrary
// device-specific origin.
type Clock interface {
	// Now returns the current position of the device clock.
	Now() time.Duration

	// Until returns a channel that is closed once Now() >= t, and a func that
	// abandons the wait. Callers that stop waiting early must call it.
	Until(t time.Duration) (<-chan struct{}, func())
}

func noop() {}

// SystemClock is a [Clock] backed by the process monotonic clock, with its
// origin at construction time.
type SystemClock struct {
	origin time.Time
}

// NewSystemClock returns a clock whose Now starts at zero.
func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

// Now implements [Clock].
func (c *SystemClock) Now() time.Duration { return time.Since(c.origin) }

// Until implements [Clock].
func (c *SystemClock) Until(t time.Duration) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	d := t - c.Now()
	if d <= 0 {
		close(ch)
		return ch, noop
	}
	timer := time.AfterFunc(d, func() { close(ch) })
	return ch, func() { timer.Stop() }
}

// ManualClock is a [Clock] that only moves when told to. Safe for concurrent use.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Duration
	waiters []waiter
	nextID  uint64
}

type waiter struct {
	id uint64
	at time.Duration
	ch chan struct{}
}

// NewManualClock returns a clock positioned at start.
func NewManualClock(start time.Duration) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements [Clock].
func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Until implements [Clock].
func (c *ManualClock) Until(t time.Duration) (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	if t <= c.now {
		close(ch)
		return ch, noop
	}
	c.nextID++
	id := c.nextID
	c.waiters = append(c.waiters, waiter{id: id, at: t, ch: ch})
	return ch, func() { c.forget(id) }
}

func (c *ManualClock) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters = slices.DeleteFunc(c.waiters, func(w waiter) bool { return w.id == id })
}

// Waiters returns how many waits are armed and not yet released.
func (c *ManualClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Advance moves the clock forward by d and releases every waiter whose
// deadline has been reached.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at <= c.now {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}
