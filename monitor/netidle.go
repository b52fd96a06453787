package monitor

import (
	"sync"
	"time"
)

// networkIdleDelay is how long the in-flight request count must stay at zero
// before the network is considered idle.
const networkIdleDelay = 500 * time.Millisecond

// idleDetector tracks the number of in-flight network requests and runs
// onIdle exactly once per idle period: the debounce timer is armed when the
// count reaches zero and cancelled by any new request, so bursts of requests
// completing in quick succession trigger a single callback.
type idleDetector struct {
	delay  time.Duration
	onIdle func()

	mu       sync.Mutex
	inflight int
	timer    *time.Timer
}

func newIdleDetector(delay time.Duration, onIdle func()) *idleDetector {
	return &idleDetector{delay: delay, onIdle: onIdle}
}

// Increment records a request going out and cancels a pending idle timer.
func (d *idleDetector) Increment() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Decrement records a request finishing (or failing); reaching zero (re)arms
// the idle timer.
func (d *idleDetector) Decrement() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight > 0 {
		d.inflight--
	}
	if d.inflight != 0 {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *idleDetector) fire() {
	d.mu.Lock()
	if d.inflight != 0 {
		// A request slipped in between the timer firing and us taking the
		// lock; the period wasn't idle after all.
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.onIdle()
}

// Stop cancels any pending idle callback.
func (d *idleDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
