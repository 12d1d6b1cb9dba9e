package server

import (
	"sync"
	"time"
)

// InactivityTimer shuts the daemon down after a configurable idle window.
//
// A counter tracks outstanding activity (RPCs in flight plus registered
// streaming jobs). While the counter is non-zero the timer is suppressed;
// when it drops back to zero the countdown is re-armed. When the countdown
// elapses a single event is delivered on Timeout.
//
// A non-positive timeout disables idle shutdown entirely.
type InactivityTimer struct {
	timeout time.Duration
	c       chan struct{}

	mu    sync.Mutex
	jobs  int
	timer *time.Timer
}

// NewInactivityTimer creates a timer armed for the idle case (zero jobs).
func NewInactivityTimer(timeout time.Duration) *InactivityTimer {
	t := &InactivityTimer{
		timeout: timeout,
		c:       make(chan struct{}, 1),
	}
	if t.enabled() {
		t.timer = time.AfterFunc(timeout, t.fire)
	}
	return t
}

func (t *InactivityTimer) enabled() bool {
	return t != nil && t.timeout > 0
}

// JobStarted records new activity and suppresses the countdown.
func (t *InactivityTimer) JobStarted() {
	if !t.enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs++
	if t.jobs == 1 && t.timer != nil {
		t.timer.Stop()
	}
}

// JobEnded records the end of an activity; when the last one ends the
// countdown restarts from the full idle window.
func (t *InactivityTimer) JobEnded() {
	if !t.enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.jobs == 0 {
		// Unbalanced call; ignore rather than go negative.
		return
	}
	t.jobs--
	if t.jobs == 0 {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.timer = time.AfterFunc(t.timeout, t.fire)
	}
}

// Outstanding returns the current activity count.
func (t *InactivityTimer) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobs
}

// Timeout delivers one event when the idle window elapses with no activity.
func (t *InactivityTimer) Timeout() <-chan struct{} {
	return t.c
}

// Stop disarms the timer.
func (t *InactivityTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *InactivityTimer) fire() {
	t.mu.Lock()
	idle := t.jobs == 0
	t.mu.Unlock()
	if !idle {
		return
	}
	select {
	case t.c <- struct{}{}:
	default:
	}
}
