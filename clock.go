package displaycore

import (
	"sync"
	"time"
)

// ============================================================================
// Scheduling
// ============================================================================

// Timer is a cancellable scheduled task.
type Timer interface {
	// Stop cancels the task. It reports whether the call stopped the task
	// before it fired.
	Stop() bool
}

// Clock is the single scheduling abstraction used by every component for
// backoff, expiration, heartbeat and interval timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// SystemClock returns a Clock backed by the runtime timers.
func SystemClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// interval re-arms a single-shot timer after each run, so a slow callback
// never overlaps with itself.
type interval struct {
	clock   Clock
	period  time.Duration
	fn      func()
	mu      sync.Mutex
	timer   Timer
	stopped bool
}

func every(clock Clock, period time.Duration, fn func()) *interval {
	iv := &interval{clock: clock, period: period, fn: fn}
	iv.arm()
	return iv
}

func (iv *interval) arm() {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.stopped {
		return
	}
	iv.timer = iv.clock.AfterFunc(iv.period, iv.fire)
}

func (iv *interval) fire() {
	iv.mu.Lock()
	stopped := iv.stopped
	iv.mu.Unlock()
	if stopped {
		return
	}
	iv.fn()
	iv.arm()
}

// Stop cancels the interval. Safe to call more than once.
func (iv *interval) Stop() bool {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.stopped {
		return false
	}
	iv.stopped = true
	if iv.timer != nil {
		return iv.timer.Stop()
	}
	return false
}
