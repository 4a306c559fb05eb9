// Package alarm defines the host-provided alarm scheduler the coordinator
// uses for synchronization timeouts. The coordinator keeps a single alarm
// armed for the earliest expected deadline and rescans on fire.
package alarm

import (
	"context"
	"sync"
	"time"
)

// Scheduler schedules a wakeup call at the given time. Scheduling replaces
// any previously scheduled alarm.
type Scheduler interface {
	Schedule(ctx context.Context, at time.Time) error
}

// Timer is an in-process Scheduler backed by time.Timer. On fire it invokes
// the callback in its own goroutine. Used by the in-memory deployment and
// tests; durable hosts supply their own Scheduler.
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
	fire  func()
}

// NewTimer builds a Timer invoking fire when an alarm elapses.
func NewTimer(fire func()) *Timer {
	return &Timer{fire: fire}
}

// Schedule arms the timer for the given time, replacing any pending alarm.
// Times in the past fire immediately.
func (t *Timer) Schedule(_ context.Context, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	t.timer = time.AfterFunc(d, t.fire)
	return nil
}

// Stop cancels any pending alarm.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
