package callback

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Handle identifies an armed timer. The zero Handle is never issued.
type Handle uint64

// Scheduler is the one-shot timer contract records and links depend on.
type Scheduler interface {
	ScheduleOnce(delay time.Duration, fn Job) Handle
	Cancel(h Handle) bool
}

type timerEntry struct {
	deadline time.Time
	timer    *clock.Timer
}

// Timers arms one-shot timers on a clock and hands expired callbacks to a
// Submitter, so expiry work runs on the callback workers rather than the
// clock's goroutine.
type Timers struct {
	clk    clock.Clock
	submit Submitter

	mu    sync.Mutex
	seq   Handle
	armed map[Handle]*timerEntry
}

// NewTimers creates a timer service.
func NewTimers(clk clock.Clock, submit Submitter) *Timers {
	if clk == nil {
		clk = clock.New()
	}
	return &Timers{
		clk:    clk,
		submit: submit,
		armed:  make(map[Handle]*timerEntry),
	}
}

// Clock returns the clock timers are armed on.
func (t *Timers) Clock() clock.Clock {
	return t.clk
}

// ScheduleOnce arranges for fn to be submitted after delay. A non-positive
// delay submits immediately; the returned handle is then already spent.
func (t *Timers) ScheduleOnce(delay time.Duration, fn Job) Handle {
	t.mu.Lock()
	t.seq++
	h := t.seq
	if delay <= 0 {
		t.mu.Unlock()
		t.submit.Submit(fn)
		return h
	}

	entry := &timerEntry{deadline: t.clk.Now().Add(delay)}
	t.armed[h] = entry
	entry.timer = t.clk.AfterFunc(delay, func() {
		// Submit before the entry disappears so Due never under-reports.
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, live := t.armed[h]; live {
			t.submit.Submit(fn)
			delete(t.armed, h)
		}
	})
	t.mu.Unlock()
	return h
}

// Cancel disarms h. It reports whether the timer was still armed.
func (t *Timers) Cancel(h Handle) bool {
	t.mu.Lock()
	entry, ok := t.armed[h]
	delete(t.armed, h)
	t.mu.Unlock()

	if !ok {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return true
}

// Armed returns the number of timers not yet fired or cancelled.
func (t *Timers) Armed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.armed)
}

// Due returns the number of armed timers whose deadline has passed but
// whose callback has not yet been submitted. With a mock clock this drops
// to zero shortly after Add returns.
func (t *Timers) Due() int {
	now := t.clk.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.armed {
		if !e.deadline.After(now) {
			n++
		}
	}
	return n
}

// CancelAll disarms every timer.
func (t *Timers) CancelAll() int {
	t.mu.Lock()
	entries := t.armed
	t.armed = make(map[Handle]*timerEntry)
	t.mu.Unlock()

	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	return len(entries)
}

// Settle waits until no timer is due and the pool queue is drained, running
// queued jobs on the calling goroutine. It is meant for tests and the
// scenario harness driving a mock clock with a pool whose workers are not
// running. It gives up after timeout and reports whether it settled.
func Settle(t *Timers, p *Pool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		for t.Due() > 0 {
			if time.Now().After(deadline) {
				return false
			}
			time.Sleep(time.Millisecond)
		}
		if p.RunPending() == 0 && t.Due() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
	}
}
