// Package positioner implements a stepper-motor positioner. A new target
// in VAL issues a move to device support and suspends the record; after
// each completion the readback is compared with the target and the move is
// retried while it is outside RDBD and retries remain.
//
// With MODE velocity, VAL is a velocity: each new value is sent to the axis
// at once and RBV reads back the measured velocity. The axis is initialised
// for its mode before the first command, and again after MODE changes.
package positioner

import (
	"errors"
	"math"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/device"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
	"github.com/roach88/ioccore/internal/record"
)

// Name is the record type name.
const Name = "positioner"

// OMSL choices.
const (
	Supervisory = iota
	ClosedLoop
)

// MODE choices.
const (
	Position = iota
	Velocity
)

var omslChoices = []string{"supervisory", "closed_loop"}

var modeChoices = []string{"position", "velocity"}

var errNoVelocity = errors.New("device support cannot run a velocity axis")

// Register adds the type to tr.
func Register(tr *record.TypeRegistry) {
	tr.Register(Name, func() record.Type { return New() })
}

// Positioner is the per-record state of a positioner record.
type Positioner struct {
	dol  string
	omsl int
	drvh float64
	drvl float64
	rbv  float64
	lval float64
	rdbd float64
	rtry int
	rcnt int
	miss float64
	dmov bool
	movn bool
	posm bool
	velo float64
	stop bool
	diff float64
	mode int
	cmod int
	accl float64
	mres float64
	rval float64

	// ready is false until the axis has been initialised for mode.
	ready bool

	watch record.Watch
}

// New creates an unconfigured positioner.
func New() *Positioner {
	return &Positioner{dmov: true}
}

func (p *Positioner) Name() string        { return Name }
func (p *Positioner) DefaultDTYP() string { return device.SimMotorDTYP }

func (p *Positioner) Fields(r *record.Record) []record.Field {
	return []record.Field{
		r.ValueField(record.ProcessOnPut),
		record.LinkField("DOL", &p.dol, record.Special),
		record.MenuField("OMSL", &p.omsl, omslChoices),
		record.FloatField("DRVH", &p.drvh),
		record.FloatField("DRVL", &p.drvl),
		record.FloatField("RBV", &p.rbv, record.ReadOnly),
		record.FloatField("LVAL", &p.lval, record.ReadOnly, record.Internal),
		record.FloatField("RDBD", &p.rdbd),
		record.IntField("RTRY", &p.rtry),
		record.IntField("RCNT", &p.rcnt, record.ReadOnly, record.Internal),
		record.FloatField("MISS", &p.miss, record.ReadOnly, record.Internal),
		record.BoolField("DMOV", &p.dmov, record.ReadOnly, record.Internal),
		record.BoolField("MOVN", &p.movn, record.ReadOnly, record.Internal),
		record.BoolField("POSM", &p.posm, record.ReadOnly, record.Internal),
		record.FloatField("VELO", &p.velo),
		record.BoolField("STOP", &p.stop, record.Special),
		record.FloatField("DIFF", &p.diff, record.ReadOnly, record.Internal),
		record.MenuField("MODE", &p.mode, modeChoices, record.Special),
		record.MenuField("CMOD", &p.cmod, modeChoices, record.ReadOnly, record.Internal),
		record.FloatField("ACCL", &p.accl),
		record.FloatField("MRES", &p.mres),
		record.FloatField("RVAL", &p.rval, record.ReadOnly, record.Internal),
		record.BoolField("INIT", &p.ready, record.ReadOnly, record.Internal),
	}
}

func (p *Positioner) Init(r *record.Record) error {
	if err := r.SetLink("DOL", "", p.dol); err != nil {
		return err
	}
	if l := r.Link("DOL"); l.Kind() == link.Constant && l.Spec().HasValue {
		r.SetVal(l.Spec().Value)
	}
	// Differs from VAL so the first pass commands the axis.
	p.lval = r.Val() + 1
	if err := p.setup(r); err != nil {
		r.Logger().Warn("axis initialisation deferred", "err", err)
	}
	for _, f := range []string{"RBV", "DMOV", "MOVN", "RCNT", "MISS", "POSM", "LVAL", "RVAL", "CMOD", "VELO"} {
		v, _ := r.GetLocked(f)
		p.watch.Seed(f, v)
	}
	return nil
}

// setup runs the axis initialisation sequence for MODE. Position mode
// reads the position back into RBV; velocity mode starts at rest.
func (p *Positioner) setup(r *record.Record) error {
	p.ready = false
	mode := device.PositionMode
	if p.mode == Velocity {
		mode = device.VelocityMode
	}
	ax, ok := r.Device().(device.Axis)
	switch {
	case ok:
		if err := ax.Configure(r, mode); err != nil {
			return err
		}
	case mode == device.VelocityMode:
		return errNoVelocity
	}
	if mode == device.VelocityMode {
		p.velo, p.rbv = 0, 0
	}
	p.cmod = p.mode
	p.ready = true
	p.lval = r.Val() + 1
	return nil
}

// Process fetches the target and commands the axis: a move to a changed
// target in position mode, a new velocity in velocity mode. An axis that
// failed initialisation is initialised again first.
func (p *Positioner) Process(r *record.Record) record.Outcome {
	if !p.ready {
		if err := p.setup(r); err != nil {
			r.DeviceError(alarm.StatusWrite, err)
			return record.Done()
		}
	}
	if p.omsl == ClosedLoop {
		if l := r.Link("DOL"); l.Defined() && l.Kind() != link.Constant {
			v, err := r.Fetch(l)
			if err != nil {
				return record.Done()
			}
			r.SetVal(v)
		}
	}
	if p.cmod == Velocity {
		return p.jog(r)
	}
	if p.drvh > p.drvl {
		r.SetVal(math.Max(p.drvl, math.Min(p.drvh, r.Val())))
	}

	if r.Val() == p.lval {
		p.evaluate(r)
		return record.Done()
	}
	p.rcnt = 0
	p.lval = r.Val()
	p.rval = steps(r.Val(), p.mres)
	p.posm = p.rbv < r.Val()
	p.flag(r, "DMOV", &p.dmov, false)
	return p.command(r)
}

// jog sends a changed velocity to the axis. The pass completes at once and
// RBV reads back the velocity reached so far.
func (p *Positioner) jog(r *record.Record) record.Outcome {
	v := r.Val()
	if v != p.velo {
		if err := r.Device().(device.Axis).Jog(r, v); err != nil {
			r.DeviceError(alarm.StatusWrite, err)
			return record.Done()
		}
		p.velo = v
		p.lval = v
		p.rval = steps(v, p.mres)
		p.posm = v > 0
		p.movn = v != 0
		p.dmov = v == 0
	}
	p.readback(r)
	p.evaluate(r)
	return record.Done()
}

// steps converts v to whole motor steps, or 0 without a resolution.
func steps(v, mres float64) float64 {
	if mres <= 0 {
		return 0
	}
	return math.Round(v * mres)
}

// flag changes a motion flag and posts it at once, outside the pass batch.
func (p *Positioner) flag(r *record.Record, field string, dst *bool, v bool) {
	if *dst == v {
		return
	}
	*dst = v
	r.Post(field, monitor.Value|monitor.Log, v)
	p.watch.Seed(field, v)
}

// command asks device support to move to VAL.
func (p *Positioner) command(r *record.Record) record.Outcome {
	res, err := r.Device().Process(r)
	if err != nil {
		r.DeviceError(alarm.StatusWrite, err)
		p.movn = false
		p.dmov = true
		return record.Done()
	}
	if res == device.Pending {
		p.flag(r, "MOVN", &p.movn, true)
		return record.Suspend()
	}
	return p.arrived(r)
}

func (p *Positioner) Resume(r *record.Record, cause record.Cause) record.Outcome {
	if cause != record.CauseAsync {
		return record.Done()
	}
	p.movn = false
	return p.arrived(r)
}

func (p *Positioner) readback(r *record.Record) {
	if rd, ok := r.Device().(device.Reader); ok {
		v, err := rd.Read(r)
		if err != nil {
			r.DeviceError(alarm.StatusRead, err)
		} else {
			p.rbv = v
		}
	}
}

// arrived reads back the position and either retries or finishes the move.
func (p *Positioner) arrived(r *record.Record) record.Outcome {
	p.readback(r)
	if math.Abs(r.Val()-p.rbv) > p.rdbd && p.rcnt < p.rtry {
		p.posm = p.rbv < r.Val()
		p.rcnt++
		return p.command(r)
	}
	p.miss = r.Val() - p.rbv
	p.dmov = true
	p.evaluate(r)
	return record.Done()
}

// evaluate runs the alarm limits against the deviation from target.
func (p *Positioner) evaluate(r *record.Record) {
	p.diff = r.Val() - p.rbv
	r.CheckAlarms(p.diff)
}

func (p *Positioner) Monitor(r *record.Record, b *monitor.Batch, alarmed bool) {
	p.watch.Check(b, "RBV", p.rbv, alarmed)
	p.watch.Check(b, "DIFF", p.diff, alarmed)
	p.watch.Check(b, "LVAL", p.lval, false)
	p.watch.Check(b, "RCNT", p.rcnt, false)
	p.watch.Check(b, "MISS", p.miss, false)
	p.watch.Check(b, "POSM", p.posm, false)
	p.watch.Check(b, "MOVN", p.movn, false)
	p.watch.Check(b, "DMOV", p.dmov, false)
	p.watch.Check(b, "RVAL", p.rval, false)
	p.watch.Check(b, "CMOD", modeChoices[p.cmod], false)
	p.watch.Check(b, "VELO", p.velo, false)
}

// Special handles STOP and MODE. Device support aborts the motion
// separately; here the retry budget is exhausted so the completion finishes
// the move. In velocity mode STOP also zeroes the commanded velocity. A new
// MODE takes effect when the next pass initialises the axis.
func (p *Positioner) Special(r *record.Record, field string) error {
	switch field {
	case "MODE":
		p.ready = p.ready && p.mode == p.cmod
	case "STOP":
		if !p.stop {
			return nil
		}
		p.stop = false
		p.rcnt = p.rtry + 1
		if p.cmod == Velocity {
			r.SetVal(0)
			p.velo, p.lval, p.rval = 0, 0, 0
			p.flag(r, "MOVN", &p.movn, false)
			p.flag(r, "DMOV", &p.dmov, true)
		}
	case "DOL":
		return r.SetLink("DOL", "", p.dol)
	}
	return nil
}

func (p *Positioner) Close(*record.Record) {}
