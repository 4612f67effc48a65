package link

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/ioccore/internal/callback"
)

// DefaultCheckInterval is the re-check period while a remote link is down.
const DefaultCheckInterval = 500 * time.Millisecond

// Summary is the aggregate connectivity of a record's tracked links.
type Summary int

const (
	NoRemoteLinks Summary = iota
	AllConnected
	SomeDisconnected
)

func (s Summary) String() string {
	switch s {
	case NoRemoteLinks:
		return "no_remote_links"
	case AllConnected:
		return "all_connected"
	case SomeDisconnected:
		return "some_disconnected"
	}
	return "unknown"
}

// Transition reports a connection state change of one tracked link.
type Transition struct {
	Field  string // status field, e.g. "INAV"
	Link   *Link
	From   ConnState
	To     ConnState
	Status Status
}

type trackedLink struct {
	field  string
	link   *Link
	state  ConnState
	status Status
	cancel func()
}

// Tracker watches the remote links of one record.
//
// All methods except Notify must be called with the record lock held. Timer
// and notification callbacks take that lock themselves. At most one re-check
// timer is armed at any time.
type Tracker struct {
	lock     sync.Locker
	sched    callback.Scheduler
	onChange func(Transition)
	onCheck  func()
	interval time.Duration
	policy   backoff.BackOff

	entries   []*trackedLink
	summary   Summary
	scheduled bool
	handle    callback.Handle
	stopped   bool
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithInterval sets a constant re-check interval.
func WithInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
			t.policy = backoff.NewConstantBackOff(d)
		}
	}
}

// WithBackOff sets the re-check policy. backoff.Stop from the policy falls
// back to the constant interval: polling never gives up.
func WithBackOff(b backoff.BackOff) TrackerOption {
	return func(t *Tracker) {
		if b != nil {
			t.policy = b
		}
	}
}

// WithCheckHook registers a function called on every CheckAll.
func WithCheckHook(fn func()) TrackerOption {
	return func(t *Tracker) {
		t.onCheck = fn
	}
}

// NewTracker creates a tracker. onChange is called, with the record lock
// held, for every connection state transition.
func NewTracker(lock sync.Locker, sched callback.Scheduler, onChange func(Transition), opts ...TrackerOption) *Tracker {
	t := &Tracker{
		lock:     lock,
		sched:    sched,
		onChange: onChange,
		interval: DefaultCheckInterval,
		policy:   backoff.NewConstantBackOff(DefaultCheckInterval),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track starts tracking l under the given status field, replacing any link
// previously tracked there.
func (t *Tracker) Track(field string, l *Link) {
	t.Untrack(field)
	if l == nil {
		return
	}
	e := &trackedLink{field: field, link: l, status: l.Status()}
	if l.IsRemote() {
		e.state = NotYetSearched
		e.status = StatusExtNC
		e.cancel = l.Channel().OnConnectionChange(func(bool) { t.Notify() })
	} else {
		e.state = Connected
	}
	t.entries = append(t.entries, e)
	t.refreshSummary()
}

// Untrack stops tracking the link under field.
func (t *Tracker) Untrack(field string) {
	for i, e := range t.entries {
		if e.field == field {
			if e.cancel != nil {
				e.cancel()
			}
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	t.refreshSummary()
}

func (t *Tracker) find(field string) *trackedLink {
	for _, e := range t.entries {
		if e.field == field {
			return e
		}
	}
	return nil
}

// Status returns the status-field value for field.
func (t *Tracker) Status(field string) Status {
	if e := t.find(field); e != nil {
		return e.status
	}
	return StatusConstant
}

// State returns the connection state tracked for field.
func (t *Tracker) State(field string) ConnState {
	if e := t.find(field); e != nil {
		return e.state
	}
	return Connected
}

// Summary returns the result of the last check.
func (t *Tracker) Summary() Summary {
	return t.summary
}

// Scheduled reports whether a re-check timer is armed.
func (t *Tracker) Scheduled() bool {
	return t.scheduled
}

func (t *Tracker) refreshSummary() {
	t.summary = NoRemoteLinks
	for _, e := range t.entries {
		if !e.link.IsRemote() {
			continue
		}
		if e.state != Connected {
			t.summary = SomeDisconnected
			return
		}
		t.summary = AllConnected
	}
}

// CheckAll queries every remote link, reports transitions, and arms the
// re-check timer if any link is down.
func (t *Tracker) CheckAll() Summary {
	if t.onCheck != nil {
		t.onCheck()
	}
	for _, e := range t.entries {
		if !e.link.IsRemote() {
			continue
		}
		to := Disconnected
		if e.link.Connected() {
			to = Connected
		}
		if to == e.state {
			continue
		}
		from := e.state
		e.state = to
		if to == Connected {
			e.status = StatusExt
		} else {
			e.status = StatusExtNC
		}
		if t.onChange != nil {
			t.onChange(Transition{Field: e.field, Link: e.link, From: from, To: to, Status: e.status})
		}
	}

	t.refreshSummary()
	switch t.summary {
	case SomeDisconnected:
		t.schedule()
	case AllConnected:
		t.policy.Reset()
	}
	return t.summary
}

func (t *Tracker) schedule() {
	if t.scheduled || t.stopped {
		return
	}
	d := t.policy.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		d = t.interval
	}
	t.scheduled = true
	t.handle = t.sched.ScheduleOnce(d, t.fire)
}

func (t *Tracker) fire() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.scheduled = false
	if t.stopped {
		return
	}
	t.CheckAll()
}

// Notify requests a prompt re-check from any goroutine. Providers call it
// from connection callbacks.
func (t *Tracker) Notify() {
	t.sched.ScheduleOnce(0, func() {
		t.lock.Lock()
		defer t.lock.Unlock()
		if !t.stopped {
			t.CheckAll()
		}
	})
}

// Stop cancels the re-check timer and connection callbacks.
func (t *Tracker) Stop() {
	t.stopped = true
	if t.scheduled {
		t.sched.Cancel(t.handle)
		t.scheduled = false
	}
	for _, e := range t.entries {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
	}
}
