package record

import (
	"context"

	"github.com/looplab/fsm"
)

// Processing phases.
const (
	PhaseIdle          = "idle"
	PhaseFirst         = "first_phase"
	PhaseSecond        = "second_phase"
	PhaseAwaitingAsync = "awaiting_async"
	PhaseOutputDelay   = "output_delay"
)

const (
	eventBegin   = "begin"
	eventAdvance = "advance"
	eventSuspend = "suspend"
	eventDelay   = "delay"
	eventResume  = "resume"
	eventFinish  = "finish"
)

// phaseEvents is the complete set of legal phase changes. Anything else is
// a logic error.
var phaseEvents = fsm.Events{
	{Name: eventBegin, Src: []string{PhaseIdle}, Dst: PhaseFirst},
	{Name: eventAdvance, Src: []string{PhaseFirst}, Dst: PhaseSecond},
	{Name: eventSuspend, Src: []string{PhaseFirst, PhaseSecond}, Dst: PhaseAwaitingAsync},
	{Name: eventDelay, Src: []string{PhaseFirst, PhaseSecond}, Dst: PhaseOutputDelay},
	{Name: eventResume, Src: []string{PhaseAwaitingAsync, PhaseOutputDelay}, Dst: PhaseSecond},
	{Name: eventFinish, Src: []string{PhaseSecond}, Dst: PhaseIdle},
}

// newPhaseMachine builds a record's phase machine. onEnter must not call
// back into the machine.
func newPhaseMachine(onEnter func(from, to string)) *fsm.FSM {
	return fsm.NewFSM(
		PhaseIdle,
		phaseEvents,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(e.Src, e.Dst)
				}
			},
		},
	)
}

// Phase returns the current processing phase.
func (r *Record) Phase() string {
	return r.phase.Current()
}

// Active reports whether a pass is in progress (PACT).
func (r *Record) Active() bool {
	return r.pact
}

// transition fires ev and reports whether it was legal.
func (r *Record) transition(ev string) bool {
	if err := r.phase.Event(context.Background(), ev); err != nil {
		r.logicError("transition "+ev, err.Error())
		return false
	}
	return true
}
