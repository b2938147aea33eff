// Package clock provides a time abstraction for testable time-dependent code.
// Use RealClock for production and MockClock for testing.
package clock

import (
	"sync"
	"time"
)

// Clock is an interface for time operations, allowing time to be mocked in tests.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// Sleep pauses the current goroutine for at least the duration d
	Sleep(d time.Duration)

	// NewTicker returns a Ticker that delivers ticks every interval d
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	// C returns the channel on which ticks are delivered
	C() <-chan time.Time

	// Stop turns off the ticker. No more ticks will be delivered.
	Stop()
}

// RealClock implements Clock using the standard time package
type RealClock struct{}

// NewRealClock creates a new RealClock instance
func NewRealClock() *RealClock {
	return &RealClock{}
}

// Now returns the current time
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Sleep pauses the current goroutine for at least the duration d
func (c *RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// NewTicker returns a Ticker backed by time.Ticker
func (c *RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}

// MockClock is a Clock implementation for testing that allows manual time control.
// Sleep returns immediately and records the requested duration; tickers fire
// only when Advance moves the clock past their deadlines.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	sleeps  []time.Duration
	tickers []*mockTicker
}

type mockTicker struct {
	clock    *MockClock
	interval time.Duration
	deadline time.Time
	ch       chan time.Time
	stopped  bool
}

// NewMockClock creates a new MockClock starting at the given time
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

// Now returns the mock current time
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep records the requested duration and returns immediately.
// Use Sleeps() to assert on backoff behavior in tests.
func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
}

// Sleeps returns all durations passed to Sleep, in call order
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// NewTicker returns a mock ticker driven by Advance
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTicker{
		clock:    c,
		interval: d,
		deadline: c.current.Add(d),
		ch:       make(chan time.Time, 16),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the mock clock forward by duration d, delivering a tick for
// every ticker interval that elapses along the way
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		// Find the earliest pending ticker deadline within the window
		var next *mockTicker
		for _, t := range c.tickers {
			if t.stopped || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			break
		}

		c.current = next.deadline
		next.deadline = next.deadline.Add(next.interval)
		select {
		case next.ch <- c.current:
		default:
			// Receiver is not keeping up; drop the tick like time.Ticker does
		}
	}

	c.current = target
	c.mu.Unlock()
}

func (t *mockTicker) C() <-chan time.Time {
	return t.ch
}

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
