// Package timer contains the timer resource. Expirations are delivered
// on the loop as Timer events.
package timer

import (
	"errors"
	"sync"
	"time"

	"github.com/ooni/unio/event"
	"github.com/ooni/unio/handle"
)

var (
	// ErrNoRepeat indicates Again on a timer without a repeat interval.
	ErrNoRepeat = errors.New("timer: no repeat interval")

	// ErrTimerClosed indicates an operation on a closed timer.
	ErrTimerClosed = errors.New("timer: closed")
)

// Timer is a one shot or repeating timer. Use New to construct.
type Timer struct {
	*handle.Handle
	due    time.Time
	gen    uint64
	mu     sync.Mutex
	repeat time.Duration
	timer  *time.Timer
}

// New creates a new timer and schedules its initialization.
func New(config handle.Config) *Timer {
	t := &Timer{}
	t.Handle = handle.New(config, t)
	t.Init(nil)
	return t
}

// Start arms the timer to expire after timeout and then, if repeat is
// positive, every repeat. Starting an active timer restarts it.
func (t *Timer) Start(timeout, repeat time.Duration) error {
	if t.IsClosing() {
		return ErrTimerClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.repeat = repeat
	t.scheduleLocked(timeout)
	return nil
}

// Stop disarms the timer. Expirations already posted to the loop are
// discarded.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Again restarts the timer using the repeat interval as timeout.
func (t *Timer) Again() error {
	if t.IsClosing() {
		return ErrTimerClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.repeat <= 0 {
		return ErrNoRepeat
	}
	t.stopLocked()
	t.scheduleLocked(t.repeat)
	return nil
}

// SetRepeat sets the repeat interval used from the next expiration.
func (t *Timer) SetRepeat(repeat time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.repeat = repeat
}

// Repeat returns the repeat interval.
func (t *Timer) Repeat() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.repeat
}

// DueIn returns the time until the next expiration, or zero when the
// timer is not armed.
func (t *Timer) DueIn() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.due.IsZero() {
		return 0
	}
	if d := time.Until(t.due); d > 0 {
		return d
	}
	return 0
}

func (t *Timer) stopLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.due = time.Time{}
}

func (t *Timer) scheduleLocked(timeout time.Duration) {
	t.gen++
	gen := t.gen
	t.due = time.Now().Add(timeout)
	t.timer = time.AfterFunc(timeout, func() {
		t.Loop().Post(func() {
			t.fire(gen)
		})
	})
}

// fire runs on the loop.
func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.IsClosing() {
		t.mu.Unlock()
		return
	}
	if t.repeat > 0 {
		t.scheduleLocked(t.repeat)
	} else {
		t.timer = nil
		t.due = time.Time{}
	}
	t.mu.Unlock()
	handle.Emit(t, &event.Timer{})
}

// Close disarms the timer and emits the Close event.
func (t *Timer) Close() {
	if !t.BeginClose() {
		return
	}
	t.Stop()
	t.Loop().Post(t.FinishClose)
}
