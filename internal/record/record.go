// Package record implements the record processing core: the per-record
// field table, the phase machine driving a processing pass, alarm commit
// and monitor posting at the end of a pass, forward links, and the output
// delay.
//
// Every exported method whose name ends in Locked, and every method called
// from a Type or a device support, expects the record's lock to be held.
// The remaining exported methods take the lock themselves.
package record

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/callback"
	"github.com/roach88/ioccore/internal/device"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
)

// Scan modes.
const (
	ScanPassive = "Passive"
	ScanIOIntr  = "I/O Intr"
)

// ParsePeriod parses a periodic scan such as "1 second" or "0.5 second".
func ParsePeriod(scan string) (time.Duration, bool) {
	fields := strings.Fields(scan)
	if len(fields) != 2 || !strings.HasPrefix(fields[1], "second") {
		return 0, false
	}
	secs, err := ToFloat(fields[0])
	if err != nil || secs <= 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// ValidScan reports whether scan names a supported scan mode.
func ValidScan(scan string) bool {
	if scan == ScanPassive || scan == ScanIOIntr {
		return true
	}
	_, ok := ParsePeriod(scan)
	return ok
}

// Def is a record definition as loaded from configuration.
type Def struct {
	Name   string
	Type   string
	Scan   string
	DTYP   string
	Desc   string
	PINI   bool
	Fields map[string]any
}

// Record is one processing unit of the database.
type Record struct {
	name string
	desc string
	scan string
	dtyp string
	pini bool

	typ   Type
	env   *Env
	lock  sync.Locker
	phase *fsm.FSM

	pact    bool
	rpro    bool
	inert   bool
	initErr error

	val     float64
	udf     bool
	udfs    alarm.Severity
	state   alarm.State
	pending alarm.Pending
	limits  alarm.Limits
	hyst    float64
	lalm    float64
	mdel    float64
	adel    float64
	mlst    float64
	alst    float64
	egu     string
	prec    int
	hopr    float64
	lopr    float64
	stamp   time.Time

	flnk     string
	flnkLink *link.Link

	fields     []Field
	index      map[string]int
	configured map[string]bool

	links    map[string]*link.Link
	subs     map[string]func()
	resolver link.Resolver
	tracker  *link.Tracker
	dev      device.Support
	batch    *monitor.Batch

	dlya       bool
	delayArmed bool
	delay      callback.Handle
}

// New creates a record of the given type. The record starts with VAL
// undefined and an INVALID/UDF alarm, like a freshly loaded IOC record.
func New(name string, typ Type, env *Env) *Record {
	if env == nil {
		env = &Env{}
	}
	env.fill()
	r := &Record{
		name:       name,
		scan:       ScanPassive,
		dtyp:       typ.DefaultDTYP(),
		typ:        typ,
		env:        env,
		lock:       &sync.Mutex{},
		udf:        true,
		udfs:       alarm.Invalid,
		state:      alarm.State{Status: alarm.StatusUDF, Severity: alarm.Invalid},
		configured: make(map[string]bool),
		links:      make(map[string]*link.Link),
		subs:       make(map[string]func()),
		batch:      monitor.NewBatch(name),
	}
	r.phase = newPhaseMachine(func(from, to string) {
		r.env.Recorder.PhaseChanged(from, to)
	})
	r.buildFields()
	return r
}

func (r *Record) buildFields() {
	r.fields = nil
	r.index = make(map[string]int)
	for _, f := range r.commonFields() {
		r.addField(f)
	}
	for _, f := range r.typ.Fields(r) {
		r.addField(f)
	}
}

func (r *Record) addField(f Field) {
	if i, ok := r.index[f.Name]; ok {
		r.fields[i] = f
		return
	}
	r.index[f.Name] = len(r.fields)
	r.fields = append(r.fields, f)
}

func (r *Record) commonFields() []Field {
	return []Field{
		ComputedField("NAME", KindString, func() any { return r.name }),
		StringField("DESC", &r.desc),
		StringField("SCAN", &r.scan, ReadOnly),
		BoolField("PINI", &r.pini, ReadOnly),
		StringField("DTYP", &r.dtyp, ReadOnly),
		LinkField("FLNK", &r.flnk),
		FloatField("VAL", &r.val),
		BoolField("UDF", &r.udf),
		SeverityField("UDFS", &r.udfs),
		StatusField("STAT", &r.state.Status),
		SeverityField("SEVR", &r.state.Severity, ReadOnly, Internal),
		ComputedField("AMSG", KindString, func() any { return r.state.Message }),
		StatusField("NSTA", &r.pending.Status),
		SeverityField("NSEV", &r.pending.Severity, ReadOnly, Internal),
		FloatField("HIHI", &r.limits.HiHi),
		FloatField("HIGH", &r.limits.High),
		FloatField("LOW", &r.limits.Low),
		FloatField("LOLO", &r.limits.LoLo),
		SeverityField("HHSV", &r.limits.HHSV),
		SeverityField("HSV", &r.limits.HSV),
		SeverityField("LSV", &r.limits.LSV),
		SeverityField("LLSV", &r.limits.LLSV),
		FloatField("HYST", &r.hyst),
		FloatField("LALM", &r.lalm, ReadOnly, Internal),
		FloatField("MDEL", &r.mdel),
		FloatField("ADEL", &r.adel),
		FloatField("MLST", &r.mlst, ReadOnly, Internal),
		FloatField("ALST", &r.alst, ReadOnly, Internal),
		ComputedField("PACT", KindBool, func() any { return r.pact }),
		ComputedField("RPRO", KindBool, func() any { return r.rpro }),
		ComputedField("EGU", KindString, func() any { return r.Units() }),
		ComputedField("PREC", KindInt, func() any { return r.Precision() }),
		ComputedField("HOPR", KindFloat, func() any { hi, _ := r.DisplayLimits(); return hi }),
		ComputedField("LOPR", KindFloat, func() any { _, lo := r.DisplayLimits(); return lo }),
		TriggerField("PROC"),
		ComputedField("TIME", KindString, func() any { return r.stamp.UTC().Format(time.RFC3339Nano) }),
	}
}

// Configure applies a definition. EGU, PREC, HOPR and LOPR are read-only
// views at runtime but configurable here. All field errors are reported
// together.
func (r *Record) Configure(d Def) error {
	if d.Scan != "" {
		if !ValidScan(d.Scan) {
			return NewConfigError(ErrCodeBadValue, r.name, "SCAN", fmt.Sprintf("unsupported scan %q", d.Scan), nil)
		}
		r.scan = d.Scan
	}
	if d.DTYP != "" {
		r.dtyp = d.DTYP
	}
	if d.Desc != "" {
		r.desc = d.Desc
	}
	r.pini = r.pini || d.PINI

	names := make([]string, 0, len(d.Fields))
	for n := range d.Fields {
		names = append(names, n)
	}
	sort.Strings(names)

	var errs []error
	for _, n := range names {
		if err := r.configureField(strings.ToUpper(n), d.Fields[n]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Record) configureField(name string, v any) error {
	switch name {
	case "EGU":
		r.egu = ToString(v)
		return nil
	case "PREC", "HOPR", "LOPR":
		f, err := ToFloat(v)
		if err != nil {
			return NewConfigError(ErrCodeBadValue, r.name, name, "bad value", err)
		}
		switch name {
		case "PREC":
			r.prec = int(f)
		case "HOPR":
			r.hopr = f
		default:
			r.lopr = f
		}
		return nil
	case "SCAN":
		s := ToString(v)
		if !ValidScan(s) {
			return NewConfigError(ErrCodeBadValue, r.name, name, fmt.Sprintf("unsupported scan %q", s), nil)
		}
		r.scan = s
		return nil
	}
	f, ok := r.FieldInfo(name)
	if !ok {
		return NewConfigError(ErrCodeUnknownField, r.name, name, "no such field for type "+r.typ.Name(), ErrUnknownField)
	}
	if f.Has(Internal) || f.set == nil {
		return NewConfigError(ErrCodeUnknownField, r.name, name, "field is not configurable", ErrReadOnly)
	}
	if err := f.Set(v); err != nil {
		return NewConfigError(ErrCodeBadValue, r.name, name, "bad value", err)
	}
	r.configured[name] = true
	return nil
}

// Configured reports whether configuration set field.
func (r *Record) Configured(field string) bool {
	return r.configured[field]
}

// SetLock replaces the record's lock before Init. Records connected by
// local links share one lock.
func (r *Record) SetLock(l sync.Locker) {
	r.lock = l
}

// Lock acquires the record's lock.
func (r *Record) Lock() { r.lock.Lock() }

// Unlock releases the record's lock.
func (r *Record) Unlock() { r.lock.Unlock() }

// Locker returns the record's lock.
func (r *Record) Locker() sync.Locker {
	return r.lock
}

// Init resolves links, binds device support and initialises the type. A
// failure leaves the record inert and is returned as a ConfigError.
func (r *Record) Init(res link.Resolver) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.resolver = res
	r.tracker = link.NewTracker(r.lock, r.env.Timers, r.onLinkTransition,
		link.WithInterval(r.env.CheckInterval),
		link.WithCheckHook(func() { r.env.Recorder.LinkChecked(r.name) }),
	)
	if err := r.init(); err != nil {
		r.inert = true
		r.initErr = err
		r.env.Logger.Error("record initialisation failed", "record", r.name, "err", err)
		return err
	}
	return nil
}

// Fail leaves a record that could not be configured inert without
// initialising it.
func (r *Record) Fail(err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.inert = true
	r.initErr = err
	r.env.Logger.Error("record configuration failed", "record", r.name, "err", err)
}

func (r *Record) init() error {
	if err := r.setForward(r.flnk); err != nil {
		return NewConfigError(ErrCodeBadLink, r.name, "FLNK", "bad forward link", err)
	}

	dev, err := r.env.Devices.New(r.typ.Name(), r.dtyp)
	if err != nil {
		return NewConfigError(ErrCodeMissingDevice, r.name, "DTYP", fmt.Sprintf("no device support %q", r.dtyp), err)
	}
	r.dev = dev

	if err := r.typ.Init(r); err != nil {
		if IsConfigError(err) {
			return err
		}
		return NewConfigError(ErrCodeBadValue, r.name, "", "type initialisation failed", err)
	}
	if err := dev.InitRecord(r); err != nil {
		return NewConfigError(ErrCodeDeviceInit, r.name, "DTYP", "device support rejected record", err)
	}

	if r.configured["VAL"] {
		r.udf = math.IsNaN(r.val)
	}
	r.mlst, r.alst, r.lalm = r.val, r.val, r.val
	if r.tracker.Summary() != link.NoRemoteLinks {
		r.tracker.CheckAll()
	}
	return nil
}

// Close cancels timers, subscriptions and channels. The record is inert
// afterwards.
func (r *Record) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.delayArmed {
		r.env.Timers.Cancel(r.delay)
		r.delayArmed = false
	}
	if r.tracker != nil {
		r.tracker.Stop()
	}
	r.typ.Close(r)
	for f, cancel := range r.subs {
		cancel()
		delete(r.subs, f)
	}
	for f, l := range r.links {
		l.Close()
		delete(r.links, f)
	}
	r.flnkLink.Close()
	r.inert = true
	if r.initErr == nil {
		r.initErr = ErrInert
	}
}

func (r *Record) setForward(text string) error {
	r.flnkLink.Close()
	r.flnkLink = nil
	if strings.TrimSpace(text) == "" {
		return nil
	}
	spec, err := link.Parse(text)
	if err != nil {
		return err
	}
	if spec.Constant {
		return fmt.Errorf("forward link %q must name a record", text)
	}
	if spec.Options.Subscribe {
		return fmt.Errorf("forward link %q: CP and CPP apply to input links only", text)
	}
	target := spec.Record + ".PROC"
	if spec.Options.ForceRemote {
		target += " CA"
	}
	l, err := r.resolver.Resolve(target)
	if err != nil {
		return err
	}
	r.flnkLink = l
	return nil
}

// Name returns the record name.
func (r *Record) Name() string { return r.name }

// TypeName returns the record type name.
func (r *Record) TypeName() string { return r.typ.Name() }

// Type returns the record's type implementation.
func (r *Record) Type() Type { return r.typ }

// Scan returns the scan mode.
func (r *Record) Scan() string { return r.scan }

// PINI reports whether the record is processed once at start-up.
func (r *Record) PINI() bool { return r.pini }

// DTYP returns the device type.
func (r *Record) DTYP() string { return r.dtyp }

// Inert reports whether initialisation failed or the record was closed.
func (r *Record) Inert() bool { return r.inert }

// InitErr returns the initialisation error of an inert record.
func (r *Record) InitErr() error { return r.initErr }

// Env returns the runtime environment.
func (r *Record) Env() *Env { return r.env }

// Device returns the bound device support.
func (r *Record) Device() device.Support { return r.dev }

// Tracker returns the record's link connection tracker.
func (r *Record) Tracker() *link.Tracker { return r.tracker }

// Logger returns a logger carrying the record name.
func (r *Record) Logger() *slog.Logger { return r.env.Logger.With("record", r.name) }

// Now returns the current time from the runtime clock.
func (r *Record) Now() time.Time { return r.env.Clock.Now() }

// Scheduler returns the timer service.
func (r *Record) Scheduler() callback.Scheduler { return r.env.Timers }

// Submit queues a job on the callback workers.
func (r *Record) Submit(j callback.Job) bool { return r.env.Jobs.Submit(j) }

// Time returns the timestamp of the last pass.
func (r *Record) Time() time.Time { return r.stamp }

// Stamp sets the record timestamp to now.
func (r *Record) Stamp() { r.stamp = r.Now() }

// Val returns VAL.
func (r *Record) Val() float64 { return r.val }

// SetVal sets VAL. UDF follows whether the value is a number.
func (r *Record) SetVal(v float64) {
	r.val = v
	r.udf = math.IsNaN(v)
}

// ValueField returns a VAL field with extra flags, for types whose VAL
// behaves differently on put.
func (r *Record) ValueField(flags ...Flag) Field {
	return FloatField("VAL", &r.val, flags...)
}

// MonitorDeadband returns MDEL.
func (r *Record) MonitorDeadband() float64 { return r.mdel }

// UDF reports whether VAL is undefined.
func (r *Record) UDF() bool { return r.udf }

// SetUDF sets UDF.
func (r *Record) SetUDF(udf bool) { r.udf = udf }

// Alarm returns the committed alarm state.
func (r *Record) Alarm() alarm.State { return r.state }

// Pending returns the alarm accumulated so far in the current pass.
func (r *Record) Pending() alarm.Pending { return r.pending }

// Raise adds a condition to the pending alarm.
func (r *Record) Raise(stat alarm.Status, sevr alarm.Severity, msg string) bool {
	return r.pending.Raise(stat, sevr, msg)
}

// CheckAlarms evaluates value against the record's analog limits and
// raises the result.
func (r *Record) CheckAlarms(value float64) alarm.Result {
	res := alarm.Evaluate(value, r.udf, r.udfs, r.limits, r.lalm, r.hyst)
	res.Apply(&r.pending, &r.lalm)
	return res
}

// Units returns EGU, overridden by device metadata.
func (r *Record) Units() string {
	if md, ok := r.dev.(device.Metadata); ok {
		return md.Units(r)
	}
	return r.egu
}

// Precision returns PREC, overridden by device metadata.
func (r *Record) Precision() int {
	if md, ok := r.dev.(device.Metadata); ok {
		return md.Precision(r)
	}
	return r.prec
}

// DisplayLimits returns HOPR and LOPR, overridden by device metadata.
func (r *Record) DisplayLimits() (hi, lo float64) {
	if md, ok := r.dev.(device.Metadata); ok {
		lo, hi = md.Limits(r)
		return hi, lo
	}
	return r.hopr, r.lopr
}

// FieldNames lists the record's fields in table order.
func (r *Record) FieldNames() []string {
	out := make([]string, len(r.fields))
	for i, f := range r.fields {
		out[i] = f.Name
	}
	return out
}

// FieldInfo returns the field descriptor for name.
func (r *Record) FieldInfo(name string) (Field, bool) {
	i, ok := r.index[name]
	if !ok {
		return Field{}, false
	}
	return r.fields[i], true
}

// GetLocked reads a field.
func (r *Record) GetLocked(name string) (any, error) {
	f, ok := r.FieldInfo(name)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", r.name, name, ErrUnknownField)
	}
	return f.Get(), nil
}

// Get reads a field under the record lock.
func (r *Record) Get(name string) (any, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.GetLocked(name)
}

// Value reads a numeric field.
func (r *Record) Value(field string) (float64, error) {
	f, ok := r.FieldInfo(field)
	if !ok {
		return 0, fmt.Errorf("%s.%s: %w", r.name, field, ErrUnknownField)
	}
	return f.Float()
}

// SetValue stores a numeric field without put side effects. Device
// supports use it for readbacks.
func (r *Record) SetValue(field string, v float64) error {
	f, ok := r.FieldInfo(field)
	if !ok {
		return fmt.Errorf("%s.%s: %w", r.name, field, ErrUnknownField)
	}
	return f.Set(v)
}

// Link returns the resolved link stored under field, or nil.
func (r *Record) Link(field string) *link.Link {
	if field == "FLNK" {
		return r.flnkLink
	}
	return r.links[field]
}

// SampleField implements link.LocalTarget.
func (r *Record) SampleField(field string) (link.Sample, error) {
	f, ok := r.FieldInfo(field)
	if !ok {
		return link.Sample{}, fmt.Errorf("%s.%s: %w", r.name, field, ErrUnknownField)
	}
	v, err := f.Float()
	if err != nil {
		return link.Sample{}, fmt.Errorf("%s.%s: %w", r.name, field, err)
	}
	return link.Sample{Value: v, Severity: r.state.Severity, Status: r.state.Status, Time: r.stamp}, nil
}

// ProcessPassive implements link.LocalTarget.
func (r *Record) ProcessPassive() {
	if r.scan == ScanPassive {
		r.TriggerLocked()
	}
}

// SetLink resolves text and stores it as the link for field, replacing and
// closing any previous link. A non-empty statusField tracks the link's
// connectivity under that name. An empty text stores an undefined constant.
func (r *Record) SetLink(field, statusField, text string) error {
	if cancel, ok := r.subs[field]; ok {
		cancel()
		delete(r.subs, field)
	}
	if old, ok := r.links[field]; ok {
		old.Close()
		delete(r.links, field)
	}
	if statusField != "" {
		r.tracker.Untrack(statusField)
	}

	l, err := r.resolver.Resolve(text)
	if err == nil && l.Options().Subscribe && outputLinks[field] {
		l.Close()
		err = errors.New("CP and CPP apply to input links only")
	}
	if err != nil {
		r.links[field] = link.NewConstant(link.Spec{Text: text, Constant: true})
		return NewConfigError(ErrCodeBadLink, r.name, field, fmt.Sprintf("bad link %q", text), err)
	}
	r.links[field] = l
	if statusField != "" {
		r.tracker.Track(statusField, l)
	}
	if l.IsRemote() && l.Options().Subscribe {
		r.subscribe(field, l)
	}
	return nil
}

// outputLinks are the link fields written rather than read.
var outputLinks = map[string]bool{"OUT": true, "FLNK": true}

// subscribe processes the record on every update of a CP input. A CPP
// input only processes a Passive record.
func (r *Record) subscribe(field string, l *link.Link) {
	passiveOnly := l.Options().ProcessPassiveOnly
	r.subs[field] = l.Channel().Subscribe(func(link.Sample) {
		r.Submit(func() {
			r.lock.Lock()
			defer r.lock.Unlock()
			if passiveOnly && r.scan != ScanPassive {
				return
			}
			r.TriggerLocked()
		})
	})
}

// LinkStatus returns the tracked status for statusField.
func (r *Record) LinkStatus(statusField string) link.Status {
	if r.tracker == nil {
		return link.StatusConstant
	}
	return r.tracker.Status(statusField)
}

func (r *Record) onLinkTransition(tr link.Transition) {
	r.env.Recorder.LinkChanged(r.name, tr.Field, tr.Status)
	r.env.Logger.Debug("link state changed", "record", r.name, "field", tr.Field,
		"from", tr.From.String(), "to", tr.To.String())
	if tr.From == link.NotYetSearched && tr.To == link.Disconnected {
		return
	}
	r.post(tr.Field, monitor.Value|monitor.Log, tr.Status.String())
}

// Fetch reads a link. A disconnected or failing link raises LINK/INVALID
// and returns the stale value with the error. The link's severity modifier
// is applied on success.
func (r *Record) Fetch(l *link.Link) (float64, error) {
	s, err := l.Get()
	if err != nil {
		if errors.Is(err, link.ErrNoValue) {
			return s.Value, err
		}
		r.Raise(alarm.StatusLink, alarm.Invalid, err.Error())
		return s.Value, err
	}
	l.ApplySeverity(s, &r.pending)
	return s.Value, nil
}

// ApplyLinkSeverity raises s into the pending alarm according to l's
// severity modifier. Types use it for values pushed by subscriptions.
func (r *Record) ApplyLinkSeverity(l *link.Link, s link.Sample) {
	l.ApplySeverity(s, &r.pending)
}

// Write puts v through l. A failure raises WRITE/INVALID.
func (r *Record) Write(l *link.Link, v float64) error {
	if !l.Defined() {
		return nil
	}
	if err := l.Put(v); err != nil {
		r.Raise(alarm.StatusWrite, alarm.Invalid, err.Error())
		return err
	}
	return nil
}

// DeviceError raises the alarm for a device support failure: WRITE for
// output records, READ otherwise.
func (r *Record) DeviceError(stat alarm.Status, err error) {
	r.Raise(stat, alarm.Invalid, err.Error())
	r.env.Logger.Warn("device support failed", "record", r.name, "dtyp", r.dtyp, "err", err)
}

// Post emits a single field change immediately, outside the pass batch.
func (r *Record) Post(field string, mask monitor.Mask, value any) {
	r.post(field, mask, value)
}

func (r *Record) post(field string, mask monitor.Mask, value any) {
	if r.env.Observer == nil {
		return
	}
	r.env.Recorder.Posted(mask)
	r.env.Observer.OnFieldChanged(monitor.Post{
		Record:   r.name,
		Field:    field,
		Mask:     mask,
		Value:    value,
		Severity: r.state.Severity,
		Status:   r.state.Status,
		Time:     r.stamp,
	})
}

func (r *Record) logicError(op, detail string) {
	err := &LogicError{Record: r.name, Op: op, Phase: r.phase.Current(), Detail: detail}
	if !r.env.Lenient {
		panic(err)
	}
	r.env.Logger.Error("logic error dropped", "record", r.name, "phase", err.Phase, "err", err)
}
