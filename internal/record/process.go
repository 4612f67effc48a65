package record

import (
	"math"
	"time"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
)

// Process runs a pass under the record lock.
func (r *Record) Process() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.ProcessLocked()
}

// ProcessLocked starts a pass if the record is idle. A trigger arriving
// while a pass is suspended or delayed is coalesced into RPRO and replayed
// once after that pass finishes. Calling it from inside a running phase is
// a scheduler bug and a logic error; links use TriggerLocked.
func (r *Record) ProcessLocked() {
	if r.inert {
		return
	}
	switch r.phase.Current() {
	case PhaseIdle:
		r.begin()
	case PhaseAwaitingAsync, PhaseOutputDelay:
		r.rpro = true
		r.env.Recorder.Coalesced(r.name)
	default:
		r.logicError("process", "re-entrant processing")
	}
}

// TriggerLocked processes the record on behalf of a link: a forward link,
// a PP or CP link, or a put to PROC or to a process-on-put field. A
// trigger that reaches the record while it is running one of its own
// phases comes from a processing loop and is dropped; the pass already in
// progress stands for it.
func (r *Record) TriggerLocked() {
	if r.inert {
		return
	}
	switch phase := r.phase.Current(); phase {
	case PhaseFirst, PhaseSecond:
		r.env.Recorder.Suppressed(r.name)
		r.env.Logger.Debug("trigger dropped, record mid-pass", "record", r.name, "phase", phase)
	default:
		r.ProcessLocked()
	}
}

func (r *Record) begin() {
	r.pact = true
	if !r.transition(eventBegin) {
		r.pact = false
		return
	}
	if r.tracker.Summary() != link.NoRemoteLinks {
		r.tracker.CheckAll()
	}
	r.Stamp()
	r.continueWith(r.typ.Process(r))
}

// continueWith drives the phase machine from the outcome of a phase.
func (r *Record) continueWith(out Outcome) {
	for {
		switch out.kind {
		case outcomeSuspend:
			if r.transition(eventSuspend) {
				r.env.Recorder.Processed(r.typ.Name(), OutcomeSuspended)
			}
			return

		case outcomeDelay:
			d := out.delay
			if d > r.env.DelayLimit {
				d = r.env.DelayLimit
			}
			if d > 0 {
				r.armDelay(d)
				return
			}
			if r.phase.Current() == PhaseFirst && !r.transition(eventAdvance) {
				return
			}
			out = r.typ.Resume(r, CauseDelay)

		default:
			if r.phase.Current() == PhaseFirst && !r.transition(eventAdvance) {
				return
			}
			r.finish()
			return
		}
	}
}

func (r *Record) armDelay(d time.Duration) {
	if !r.transition(eventDelay) {
		return
	}
	r.env.Recorder.Processed(r.typ.Name(), OutcomeDelayed)
	r.dlya = true
	r.post("DLYA", monitor.Value|monitor.Log, true)
	r.delayArmed = true
	r.delay = r.env.Timers.ScheduleOnce(d, func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.delayExpired()
	})
}

func (r *Record) delayExpired() {
	if !r.delayArmed {
		return
	}
	r.delayArmed = false
	if r.phase.Current() != PhaseOutputDelay {
		r.logicError("delay expiry", "no output delay armed")
		return
	}
	r.dlya = false
	r.post("DLYA", monitor.Value|monitor.Log, false)
	r.resume(CauseDelay)
}

// DelayActive reports DLYA.
func (r *Record) DelayActive() bool {
	return r.dlya
}

// ClampDelay converts an ODLY in seconds to a duration in [0, DelayLimit].
// NaN counts as zero.
func (r *Record) ClampDelay(secs float64) time.Duration {
	if math.IsNaN(secs) || secs <= 0 {
		return 0
	}
	limit := r.env.DelayLimit.Seconds()
	if secs > limit {
		return r.env.DelayLimit
	}
	return time.Duration(secs * float64(time.Second))
}

// Complete resumes a pass suspended on device support. It may be called
// from any goroutine; the resumption runs on a callback worker.
func (r *Record) Complete() {
	r.env.Jobs.Submit(func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.CompleteLocked()
	})
}

// CompleteLocked resumes a suspended pass on the calling goroutine.
func (r *Record) CompleteLocked() {
	if r.inert {
		return
	}
	if r.phase.Current() != PhaseAwaitingAsync {
		r.logicError("complete", "no asynchronous request outstanding")
		return
	}
	r.resume(CauseAsync)
}

func (r *Record) resume(c Cause) {
	if !r.transition(eventResume) {
		return
	}
	r.Stamp()
	r.continueWith(r.typ.Resume(r, c))
}

// finish commits alarms, posts monitors, runs the forward link and returns
// the record to idle.
func (r *Record) finish() {
	tr := alarm.Commit(&r.state, &r.pending)
	alarmed := tr.Changed()
	if tr.SeverityChanged {
		r.batch.Mark("SEVR", monitor.Value, r.state.Severity.String())
		r.env.Recorder.AlarmChanged(r.name, r.state.Severity)
	}
	if alarmed {
		r.batch.Mark("STAT", monitor.Value, r.state.Status.String())
	}
	if tr.MessageChanged {
		r.batch.Mark("AMSG", monitor.Value, r.state.Message)
	}

	var mask monitor.Mask
	if alarmed {
		mask |= monitor.Alarm
	}
	monitor.CheckDeadband(&r.mlst, r.val, r.mdel, &mask, monitor.Value)
	monitor.CheckDeadband(&r.alst, r.val, r.adel, &mask, monitor.Log)
	r.batch.Mark("VAL", mask, r.val)

	r.typ.Monitor(r, r.batch, alarmed)
	r.emit(r.batch.Take(r.state, r.stamp))

	r.forward()

	if !r.transition(eventFinish) {
		return
	}
	r.pact = false
	r.env.Recorder.Processed(r.typ.Name(), OutcomeDone)

	switch {
	case r.rpro:
		r.rpro = false
		r.env.Jobs.Submit(r.Process)
	case r.backlog() > 0:
		r.env.Jobs.Submit(r.ProcessBacklog)
	}
}

func (r *Record) backlog() int {
	if bl, ok := r.typ.(Backlogged); ok {
		return bl.Backlog()
	}
	return 0
}

// ProcessBacklog triggers the record if its type still has queued
// triggers. It takes the record lock.
func (r *Record) ProcessBacklog() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.backlog() > 0 {
		r.ProcessLocked()
	}
}

func (r *Record) emit(posts []monitor.Post) {
	if r.env.Observer == nil {
		return
	}
	for _, p := range posts {
		r.env.Recorder.Posted(p.Mask)
		r.env.Observer.OnFieldChanged(p)
	}
}

func (r *Record) forward() {
	l := r.flnkLink
	if !l.Defined() {
		return
	}
	if r.env.Forward != nil {
		r.env.Forward.OnForwardLink(r.name, l.Spec().Record)
	}
	if err := l.Put(1); err != nil {
		r.env.Logger.Warn("forward link failed", "record", r.name, "link", l.Text(), "err", err)
	}
}
