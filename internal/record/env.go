package record

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/callback"
	"github.com/roach88/ioccore/internal/device"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
)

// DefaultDelayLimit caps ODLY.
const DefaultDelayLimit = 100000 * time.Second

// Env is the runtime shared by every record of a database.
type Env struct {
	Clock    clock.Clock
	Jobs     callback.Submitter
	Timers   callback.Scheduler
	Devices  *device.Registry
	Observer monitor.Observer
	Forward  ForwardObserver
	Recorder Recorder
	Logger   *slog.Logger

	// Lenient logs logic errors instead of panicking.
	Lenient bool
	// DelayLimit caps output delays. Zero means DefaultDelayLimit.
	DelayLimit time.Duration
	// CheckInterval is the tracker re-check period. Zero means the link
	// package default.
	CheckInterval time.Duration
}

func (e *Env) fill() {
	if e.Clock == nil {
		e.Clock = clock.New()
	}
	if e.Devices == nil {
		e.Devices = device.DefaultRegistry()
	}
	if e.Recorder == nil {
		e.Recorder = NopRecorder{}
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.DelayLimit <= 0 {
		e.DelayLimit = DefaultDelayLimit
	}
	if e.CheckInterval <= 0 {
		e.CheckInterval = link.DefaultCheckInterval
	}
}

// ForwardObserver is told about every forward link traversal.
type ForwardObserver interface {
	OnForwardLink(from, to string)
}

// Outcome labels for Recorder.Processed.
const (
	OutcomeDone      = "done"
	OutcomeSuspended = "suspended"
	OutcomeDelayed   = "delayed"
)

// Recorder receives runtime measurements. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	Processed(recType, outcome string)
	Coalesced(record string)
	// Suppressed counts triggers dropped because the record was already
	// running a phase, as in a processing loop.
	Suppressed(record string)
	AlarmChanged(record string, sevr alarm.Severity)
	Posted(mask monitor.Mask)
	LinkChecked(record string)
	LinkChanged(record, field string, status link.Status)
	PhaseChanged(from, to string)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) Processed(string, string)                {}
func (NopRecorder) Coalesced(string)                        {}
func (NopRecorder) Suppressed(string)                       {}
func (NopRecorder) AlarmChanged(string, alarm.Severity)     {}
func (NopRecorder) Posted(monitor.Mask)                     {}
func (NopRecorder) LinkChecked(string)                      {}
func (NopRecorder) LinkChanged(string, string, link.Status) {}
func (NopRecorder) PhaseChanged(string, string)             {}
