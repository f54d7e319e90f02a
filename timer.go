package gophxchannels

import (
	"sync"
	"time"
)

// scheduledTask is a single-shot timer that can be re-armed and cancelled.
// Cancel is safe to call whether the task already fired or was never armed.
type scheduledTask struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Schedule cancels any pending run and arms fn to run after delay.
func (t *scheduledTask) Schedule(delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(delay, func() {
		t.fire(gen, fn)
	})
}

// Cancel stops the pending run, if any.
func (t *scheduledTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// Pending reports whether a run is armed and has not fired yet.
func (t *scheduledTask) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *scheduledTask) fire(gen uint64, fn func()) {
	t.mu.Lock()
	if gen != t.gen {
		// cancelled or re-armed after the runtime timer already fired
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()

	fn()
}

// intervalTask runs a function on a fixed interval until stopped.
type intervalTask struct {
	mu   sync.Mutex
	stop chan struct{}
}

// Start stops any running interval and starts a new one.
func (t *intervalTask) Start(interval time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		close(t.stop)
	}
	stop := make(chan struct{})
	t.stop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case <-stop:
					return
				default:
				}
				fn()
			}
		}
	}()
}

// Stop halts the interval; safe to call when not running.
func (t *intervalTask) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

// Running reports whether the interval is active.
func (t *intervalTask) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
