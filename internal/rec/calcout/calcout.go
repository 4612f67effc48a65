// Package calcout implements the calculation output record: it computes
// VAL from inputs A..L, checks analog alarms, and drives OUT according to
// its output policy, optionally after a delay and through a second output
// expression.
package calcout

import (
	"errors"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/calc"
	"github.com/roach88/ioccore/internal/device"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
	"github.com/roach88/ioccore/internal/record"
)

// Name is the record type name.
const Name = "calcout"

// DOPT choices.
const (
	UseCALC = iota
	UseOCAL
)

// IVOA choices.
const (
	ContinueNormally = iota
	DontDriveOutputs
	SetOutputToIVOV
)

var (
	doptChoices = []string{"Use CALC", "Use OCAL"}
	ivoaChoices = []string{"Continue normally", "Don't drive outputs", "Set output to IVOV"}
)

// Register adds the type to tr.
func Register(tr *record.TypeRegistry) {
	tr.Register(Name, func() record.Type { return New() })
}

// Calcout is the per-record state of a calcout record.
type Calcout struct {
	in record.Inputs

	calcExpr string
	ocalExpr string
	prog     *calc.Program
	ocal     *calc.Program
	clcv     int
	oclv     int

	out  string
	oopt int
	dopt int
	odly float64
	oval float64
	povl float64
	pval float64
	ivoa int
	ivov float64

	// baseline is VAL at the last executed output, for On Change.
	baseline float64
}

// New creates an unconfigured calcout.
func New() *Calcout {
	return &Calcout{}
}

func (c *Calcout) Name() string        { return Name }
func (c *Calcout) DefaultDTYP() string { return device.SoftChannel }

func (c *Calcout) Fields(r *record.Record) []record.Field {
	return append(c.in.Fields(r),
		record.StringField("CALC", &c.calcExpr, record.Special),
		record.StringField("OCAL", &c.ocalExpr, record.Special),
		record.IntField("CLCV", &c.clcv, record.ReadOnly, record.Internal),
		record.IntField("OCLV", &c.oclv, record.ReadOnly, record.Internal),
		record.LinkField("OUT", &c.out),
		record.LinkStatusField("OUTV", func() link.Status { return r.LinkStatus("OUTV") }),
		record.MenuField("OOPT", &c.oopt, record.OutputPolicyChoices),
		record.MenuField("DOPT", &c.dopt, doptChoices),
		record.FloatField("ODLY", &c.odly),
		record.ComputedField("DLYA", record.KindBool, func() any { return r.DelayActive() }),
		record.FloatField("OVAL", &c.oval),
		record.FloatField("POVL", &c.povl, record.ReadOnly, record.Internal),
		record.FloatField("PVAL", &c.pval, record.ReadOnly, record.Internal),
		record.MenuField("IVOA", &c.ivoa, ivoaChoices),
		record.FloatField("IVOV", &c.ivov),
	)
}

func (c *Calcout) Init(r *record.Record) error {
	var errs []error
	if err := c.in.Resolve(r); err != nil {
		errs = append(errs, err)
	}
	if err := r.SetLink("OUT", "OUTV", c.out); err != nil {
		errs = append(errs, err)
	}
	if err := c.compileCALC(); err != nil {
		errs = append(errs, record.NewConfigError(record.ErrCodeBadExpression, r.Name(), "CALC", "bad expression", err))
	}
	if err := c.compileOCAL(); err != nil && c.dopt == UseOCAL {
		errs = append(errs, record.NewConfigError(record.ErrCodeBadExpression, r.Name(), "OCAL", "bad expression", err))
	}
	c.pval = r.Val()
	c.baseline = r.Val()
	c.povl = c.oval
	return errors.Join(errs...)
}

func (c *Calcout) compileCALC() error {
	p, err := calc.Compile(c.calcExpr)
	if err != nil {
		c.prog, c.clcv = nil, 1
		return err
	}
	c.prog, c.clcv = p, 0
	return nil
}

func (c *Calcout) compileOCAL() error {
	if c.ocalExpr == "" {
		c.ocal, c.oclv = nil, 0
		if c.dopt == UseOCAL {
			c.oclv = 1
			return calc.ErrEmpty
		}
		return nil
	}
	p, err := calc.Compile(c.ocalExpr)
	if err != nil {
		c.ocal, c.oclv = nil, 1
		return err
	}
	c.ocal, c.oclv = p, 0
	return nil
}

// Process fetches inputs, computes VAL, checks alarms and decides whether
// to drive the output now, after ODLY, or not at all. A failed input fetch
// skips the calculation and leaves VAL as it was.
func (c *Calcout) Process(r *record.Record) record.Outcome {
	if err := c.in.Fetch(r, nil); err == nil {
		c.calculate(r)
	}
	r.CheckAlarms(r.Val())

	drive := record.ShouldOutput(record.OutputPolicy(c.oopt), r.Val(), c.pval, c.baseline, r.MonitorDeadband())
	c.pval = r.Val()
	if !drive {
		return record.Done()
	}
	if d := r.ClampDelay(c.odly); d > 0 {
		return record.DelayFor(d)
	}
	return c.execute(r)
}

func (c *Calcout) calculate(r *record.Record) {
	if c.prog == nil {
		r.Raise(alarm.StatusCalc, alarm.Invalid, "invalid CALC expression")
		return
	}
	v, err := c.prog.Eval(calc.Inputs(c.in.Values))
	if err != nil {
		r.Raise(alarm.StatusCalc, alarm.Invalid, err.Error())
		return
	}
	r.SetVal(v)
}

// Resume runs the delayed output, or finishes after the device completed.
func (c *Calcout) Resume(r *record.Record, cause record.Cause) record.Outcome {
	if cause == record.CauseDelay {
		return c.execute(r)
	}
	return record.Done()
}

func (c *Calcout) execute(r *record.Record) record.Outcome {
	c.baseline = r.Val()

	switch c.dopt {
	case UseOCAL:
		if c.ocal == nil {
			r.Raise(alarm.StatusCalc, alarm.Invalid, "invalid OCAL expression")
			break
		}
		v, err := c.ocal.Eval(calc.Inputs(c.in.Values))
		if err != nil {
			r.Raise(alarm.StatusCalc, alarm.Invalid, err.Error())
			break
		}
		c.oval = v
	default:
		c.oval = r.Val()
	}

	if r.Pending().Severity >= alarm.Invalid {
		switch c.ivoa {
		case DontDriveOutputs:
			return record.Done()
		case SetOutputToIVOV:
			c.oval = c.ivov
		}
	}

	res, err := r.Device().Process(r)
	if err != nil {
		r.DeviceError(alarm.StatusWrite, err)
		return record.Done()
	}
	if res == device.Pending {
		return record.Suspend()
	}
	return record.Done()
}

func (c *Calcout) Monitor(r *record.Record, b *monitor.Batch, alarmed bool) {
	c.in.Monitor(b, alarmed)
	if c.oval != c.povl || alarmed {
		b.Mark("OVAL", monitor.Value|monitor.Log, c.oval)
		c.povl = c.oval
	}
}

func (c *Calcout) Special(r *record.Record, field string) error {
	if ok, err := c.in.Special(r, field); ok {
		return err
	}
	switch field {
	case "OUT":
		return r.SetLink("OUT", "OUTV", c.out)
	case "CALC":
		err := c.compileCALC()
		r.Post("CLCV", monitor.Value, c.clcv)
		return err
	case "OCAL":
		err := c.compileOCAL()
		r.Post("OCLV", monitor.Value, c.oclv)
		return err
	}
	return nil
}

func (c *Calcout) Close(*record.Record) {}
