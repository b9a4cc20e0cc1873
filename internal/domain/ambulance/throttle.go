package ambulance

import (
	"sync"
	"time"
)

// Throttle runs at most one call per interval. The first trigger after a
// quiet interval runs at once; triggers inside the interval are coalesced
// and the most recent one runs when the interval elapses. Calls never
// overlap.
type Throttle struct {
	interval time.Duration

	mu       sync.Mutex
	last     time.Time
	timer    *time.Timer
	pending  func()
	inflight int
	stopped  bool

	run sync.Mutex
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Trigger schedules fn according to the throttle policy.
func (t *Throttle) Trigger(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	now := time.Now()
	elapsed := now.Sub(t.last)
	if t.timer == nil && elapsed >= t.interval {
		t.last = now
		t.inflight++
		go t.call(fn)
		return
	}
	t.pending = fn
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval-elapsed, t.fire)
	}
}

func (t *Throttle) fire() {
	t.mu.Lock()
	fn := t.pending
	t.pending = nil
	t.timer = nil
	if t.stopped || fn == nil {
		t.mu.Unlock()
		return
	}
	t.last = time.Now()
	t.inflight++
	t.mu.Unlock()
	t.call(fn)
}

func (t *Throttle) call(fn func()) {
	t.run.Lock()
	defer t.run.Unlock()
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if !stopped {
		fn()
	}
	t.mu.Lock()
	t.inflight--
	t.mu.Unlock()
}

// Idle reports whether nothing is scheduled or running and a full interval
// has passed since the last call, so the next trigger would run at once.
func (t *Throttle) Idle(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer == nil && t.inflight == 0 && now.Sub(t.last) >= t.interval
}

// Stop cancels the pending call and waits for a running one to return.
// Later triggers are ignored.
func (t *Throttle) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.run.Lock()
	t.run.Unlock()
}
