// Package clock abstracts wall time and one-shot timers so that probe
// intervals, settle delays and outage watchdogs can be driven by a fake clock
// in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the
	// callback already fired or the timer was already stopped.
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Every calls f every d until the returned stop function is called. The stop
// function is safe to call more than once.
func Every(c Clock, d time.Duration, f func()) (stop func()) {
	t := &ticker{clock: c, interval: d, fn: f}
	t.arm()
	return t.stop
}

type ticker struct {
	clock    Clock
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	current Timer
	stopped bool
}

func (t *ticker) arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.current = t.clock.AfterFunc(t.interval, t.fire)
}

func (t *ticker) fire() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	t.arm()
	t.fn()
}

func (t *ticker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.current != nil {
		t.current.Stop()
		t.current = nil
	}
}
