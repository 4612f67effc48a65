// Package wait implements the linked wait record: a calcout-like record
// whose inputs can push their values. With SCAN "I/O Intr", every input
// with its INxP flag set subscribes to its link; each value update is
// queued on the record and applied by exactly one pass.
package wait

import (
	"errors"
	"sync"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/calc"
	"github.com/roach88/ioccore/internal/device"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
	"github.com/roach88/ioccore/internal/record"
)

// Name is the record type name.
const Name = "wait"

// DOPT choices.
const (
	UseVAL = iota
	UseDOL
)

var doptChoices = []string{"Use VAL", "Use DOL"}

// Register adds the type to tr.
func Register(tr *record.TypeRegistry) {
	tr.Register(Name, func() record.Type { return New() })
}

type update struct {
	input  int
	sample link.Sample
}

// Wait is the per-record state of a wait record.
type Wait struct {
	in   record.Inputs
	push [record.InputCount]bool

	calcExpr string
	prog     *calc.Program
	clcv     int

	dol  string
	dold float64
	dopt int
	out  string
	oopt int
	odly float64
	oval float64
	povl float64
	pval float64

	simm bool
	siml string
	siol string
	sval float64
	sims alarm.Severity

	baseline float64
	watch    record.Watch

	mu    sync.Mutex
	queue []update
	subs  [record.InputCount]func()
}

// New creates an unconfigured wait record.
func New() *Wait {
	return &Wait{}
}

func (w *Wait) Name() string        { return Name }
func (w *Wait) DefaultDTYP() string { return device.SoftChannel }

func (w *Wait) Fields(r *record.Record) []record.Field {
	fields := w.in.Fields(r)
	for i, n := range record.InputNames {
		fields = append(fields, record.BoolField("IN"+n+"P", &w.push[i], record.Special))
	}
	return append(fields,
		record.StringField("CALC", &w.calcExpr, record.Special),
		record.IntField("CLCV", &w.clcv, record.ReadOnly, record.Internal),
		record.LinkField("DOL", &w.dol),
		record.LinkStatusField("DOLV", func() link.Status { return r.LinkStatus("DOLV") }),
		record.FloatField("DOLD", &w.dold),
		record.MenuField("DOPT", &w.dopt, doptChoices),
		record.LinkField("OUT", &w.out),
		record.LinkStatusField("OUTV", func() link.Status { return r.LinkStatus("OUTV") }),
		record.MenuField("OOPT", &w.oopt, record.OutputPolicyChoices),
		record.FloatField("ODLY", &w.odly),
		record.ComputedField("DLYA", record.KindBool, func() any { return r.DelayActive() }),
		record.FloatField("OVAL", &w.oval),
		record.FloatField("POVL", &w.povl, record.ReadOnly, record.Internal),
		record.FloatField("PVAL", &w.pval, record.ReadOnly, record.Internal),
		record.BoolField("SIMM", &w.simm),
		record.LinkField("SIML", &w.siml),
		record.LinkField("SIOL", &w.siol),
		record.FloatField("SVAL", &w.sval),
		record.SeverityField("SIMS", &w.sims),
	)
}

func (w *Wait) Init(r *record.Record) error {
	var errs []error
	if err := w.in.Resolve(r); err != nil {
		errs = append(errs, err)
	}
	for _, l := range []struct{ field, status, text string }{
		{"DOL", "DOLV", w.dol},
		{"OUT", "OUTV", w.out},
		{"SIML", "", w.siml},
		{"SIOL", "", w.siol},
	} {
		if err := r.SetLink(l.field, l.status, l.text); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.compile(); err != nil {
		errs = append(errs, record.NewConfigError(record.ErrCodeBadExpression, r.Name(), "CALC", "bad expression", err))
	}
	for i := range record.InputNames {
		w.subscribe(r, i)
	}
	w.pval = r.Val()
	w.baseline = r.Val()
	w.povl = w.oval
	w.watch.Seed("SVAL", w.sval)
	w.watch.Seed("SIMM", w.simm)
	return errors.Join(errs...)
}

func (w *Wait) compile() error {
	p, err := calc.Compile(w.calcExpr)
	if err != nil {
		w.prog, w.clcv = nil, 1
		return err
	}
	w.prog, w.clcv = p, 0
	return nil
}

// subscribe (re)arms the push subscription of input i.
func (w *Wait) subscribe(r *record.Record, i int) {
	if w.subs[i] != nil {
		w.subs[i]()
		w.subs[i] = nil
	}
	if !w.push[i] || r.Scan() != record.ScanIOIntr {
		return
	}
	l := r.Link(record.InputLinkField(i))
	if !l.IsRemote() {
		return
	}
	w.subs[i] = l.Channel().Subscribe(func(s link.Sample) {
		w.mu.Lock()
		w.queue = append(w.queue, update{input: i, sample: s})
		w.mu.Unlock()
		r.Submit(r.ProcessBacklog)
	})
}

func (w *Wait) pushed(r *record.Record, i int) bool {
	return w.subs[i] != nil && r.Link(record.InputLinkField(i)).Connected()
}

// Backlog returns the number of queued input updates.
func (w *Wait) Backlog() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Wait) next() (update, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return update{}, false
	}
	u := w.queue[0]
	w.queue = w.queue[1:]
	return u, true
}

func (w *Wait) Process(r *record.Record) record.Outcome {
	if w.simulated(r) {
		w.simulate(r)
	} else {
		if u, ok := w.next(); ok {
			w.in.Values[u.input] = u.sample.Value
			r.ApplyLinkSeverity(r.Link(record.InputLinkField(u.input)), u.sample)
		}
		if err := w.in.Fetch(r, func(i int) bool { return w.pushed(r, i) }); err == nil {
			w.calculate(r)
		}
	}
	r.CheckAlarms(r.Val())

	drive := record.ShouldOutput(record.OutputPolicy(w.oopt), r.Val(), w.pval, w.baseline, r.MonitorDeadband())
	w.pval = r.Val()
	if !drive {
		return record.Done()
	}
	if d := r.ClampDelay(w.odly); d > 0 {
		return record.DelayFor(d)
	}
	return w.execute(r)
}

// simulated reads SIML into SIMM when it is linked.
func (w *Wait) simulated(r *record.Record) bool {
	if l := r.Link("SIML"); l.Defined() && l.Kind() != link.Constant {
		if v, err := r.Fetch(l); err == nil {
			w.simm = v != 0
		}
	}
	return w.simm
}

func (w *Wait) simulate(r *record.Record) {
	if l := r.Link("SIOL"); l.Defined() {
		if v, err := r.Fetch(l); err == nil {
			w.sval = v
		}
	}
	r.SetVal(w.sval)
	r.Raise(alarm.StatusSimm, w.sims, "simulation mode")
}

func (w *Wait) calculate(r *record.Record) {
	if w.prog == nil {
		r.Raise(alarm.StatusCalc, alarm.Invalid, "invalid CALC expression")
		return
	}
	v, err := w.prog.Eval(calc.Inputs(w.in.Values))
	if err != nil {
		r.Raise(alarm.StatusCalc, alarm.Invalid, err.Error())
		return
	}
	r.SetVal(v)
}

func (w *Wait) Resume(r *record.Record, cause record.Cause) record.Outcome {
	if cause == record.CauseDelay {
		return w.execute(r)
	}
	return record.Done()
}

// execute computes OVAL and drives the output. Simulation mode computes
// OVAL but leaves the device alone.
func (w *Wait) execute(r *record.Record) record.Outcome {
	w.baseline = r.Val()
	w.oval = r.Val()
	if w.dopt == UseDOL {
		w.oval = w.dold
		if l := r.Link("DOL"); l.Defined() && l.Kind() != link.Constant {
			if v, err := r.Fetch(l); err == nil {
				w.oval = v
			}
		} else if l.Defined() {
			w.oval = l.Spec().Value
		}
	}
	if w.simm {
		return record.Done()
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

func (w *Wait) Monitor(r *record.Record, b *monitor.Batch, alarmed bool) {
	w.in.Monitor(b, alarmed)
	if w.oval != w.povl || alarmed {
		b.Mark("OVAL", monitor.Value|monitor.Log, w.oval)
		w.povl = w.oval
	}
	w.watch.Check(b, "SVAL", w.sval, alarmed)
	w.watch.Check(b, "SIMM", w.simm, false)
}

func (w *Wait) Special(r *record.Record, field string) error {
	if i, ok := w.in.Index(field); ok {
		_, err := w.in.Special(r, field)
		w.subscribe(r, i)
		return err
	}
	for i, n := range record.InputNames {
		if field == "IN"+n+"P" {
			w.subscribe(r, i)
			return nil
		}
	}
	switch field {
	case "CALC":
		err := w.compile()
		r.Post("CLCV", monitor.Value, w.clcv)
		return err
	case "DOL":
		return r.SetLink("DOL", "DOLV", w.dol)
	case "OUT":
		return r.SetLink("OUT", "OUTV", w.out)
	case "SIML":
		return r.SetLink("SIML", "", w.siml)
	case "SIOL":
		return r.SetLink("SIOL", "", w.siol)
	}
	return nil
}

// Close cancels the push subscriptions and drops queued updates.
func (w *Wait) Close(*record.Record) {
	for i, cancel := range w.subs {
		if cancel != nil {
			cancel()
			w.subs[i] = nil
		}
	}
	w.mu.Lock()
	w.queue = nil
	w.mu.Unlock()
}
