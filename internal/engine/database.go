package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
	"github.com/roach88/ioccore/internal/record"
)

// Database holds the loaded records and the wiring between them.
//
// Records connected by local links share a lock set. A link that names a
// record in another lock set, or that forces a channel with CA, is served
// by an in-process loopback channel that mirrors the target field's posts
// and applies puts as callback jobs. Names that are not records go to the
// external provider.
type Database struct {
	env    *record.Env
	remote link.Provider
	fanout *monitor.Fanout

	records map[string]*record.Record
	names   []string
	errs    []error

	local    *link.Loopback
	mu       sync.Mutex
	exported map[string]bool
	started  bool
}

// NewDatabase builds, links and initialises the records described by defs.
// Definition problems are collected and reported by Errors; the affected
// records are inert and the rest of the database runs. env is shared by
// every record; its Observer is wrapped in a fanout that Observe extends.
func NewDatabase(defs []record.Def, types *record.TypeRegistry, env *record.Env, remote link.Provider) *Database {
	if env == nil {
		env = &record.Env{}
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	d := &Database{
		env:      env,
		remote:   remote,
		fanout:   monitor.NewFanout(),
		records:  make(map[string]*record.Record),
		exported: make(map[string]bool),
	}
	if env.Observer != nil {
		d.fanout.Add(env.Observer)
	}
	d.fanout.Add(monitor.ObserverFunc(d.mirror))
	env.Observer = d.fanout
	d.local = link.NewLoopbackWithPut(d.put)

	d.build(defs, types)
	d.link()
	d.init()
	d.seed()
	return d
}

func (d *Database) build(defs []record.Def, types *record.TypeRegistry) {
	sorted := append([]record.Def(nil), defs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, def := range sorted {
		if _, dup := d.records[def.Name]; dup {
			d.errs = append(d.errs, &RuntimeError{
				Code:    ErrCodeDuplicateRecord,
				Message: "record defined twice, keeping the first definition",
				Record:  def.Name,
			})
			continue
		}
		typ, ok := types.New(def.Type)
		if !ok {
			err := record.NewConfigError(record.ErrCodeUnknownType, def.Name, "", fmt.Sprintf("unknown record type %q", def.Type), nil)
			d.env.Logger.Error("record configuration failed", "record", def.Name, "err", err)
			d.errs = append(d.errs, err)
			continue
		}
		r := record.New(def.Name, typ, d.env)
		if err := r.Configure(def); err != nil {
			r.Fail(err)
			d.errs = append(d.errs, err)
		}
		d.records[def.Name] = r
		d.names = append(d.names, def.Name)
	}
}

// link groups records into lock sets over their local link fields.
func (d *Database) link() {
	sets := newLockSets()
	for _, name := range d.names {
		r := d.records[name]
		if r.Inert() {
			continue
		}
		sets.add(name)
		for _, target := range d.localTargets(r) {
			sets.add(target)
			sets.union(name, target)
		}
	}
	for name, mu := range sets.mutexes() {
		d.records[name].SetLock(mu)
	}
}

// localTargets lists the records r reaches through non-CA links.
func (d *Database) localTargets(r *record.Record) []string {
	var out []string
	for _, field := range r.FieldNames() {
		f, ok := r.FieldInfo(field)
		if !ok || f.Kind != record.KindLink {
			continue
		}
		text, _ := f.Get().(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		spec, err := link.Parse(text)
		if err != nil || spec.Constant || spec.Options.ForceRemote {
			continue
		}
		if t, ok := d.records[spec.Record]; ok && !t.Inert() {
			out = append(out, spec.Record)
		}
	}
	return out
}

func (d *Database) init() {
	for _, name := range d.names {
		r := d.records[name]
		if r.Inert() {
			continue
		}
		if err := r.Init(d.resolver(r)); err != nil {
			d.errs = append(d.errs, err)
		}
	}
}

// resolver returns the link resolver for records of r's lock set.
func (d *Database) resolver(r *record.Record) link.Resolver {
	return link.Resolver{
		Local: link.LocatorFunc(func(name string) (link.LocalTarget, bool) {
			t, ok := d.records[name]
			if !ok || t.Locker() != r.Locker() {
				return nil, false
			}
			return t, true
		}),
		Remote: providerFunc(d.channel),
	}
}

type providerFunc func(name string) (link.Channel, error)

func (f providerFunc) Channel(name string) (link.Channel, error) { return f(name) }

// channel routes a channel name to the loopback when it names a local
// record and to the external provider otherwise.
func (d *Database) channel(name string) (link.Channel, error) {
	name = link.CanonicalName(name)
	rec, _ := splitChannel(name)
	if _, ok := d.records[rec]; !ok {
		if d.remote == nil {
			return nil, link.ErrNoProvider
		}
		return d.remote.Channel(name)
	}

	ch, err := d.local.Channel(name)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	fresh := !d.exported[name]
	d.exported[name] = true
	started := d.started
	d.mu.Unlock()
	// The requesting record's lock is held here, so a channel opened at
	// runtime is seeded from a job.
	if fresh && started && d.env.Jobs != nil {
		d.env.Jobs.Submit(func() { d.seedChannel(name) })
	}
	return ch, nil
}

func splitChannel(name string) (rec, field string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, "VAL"
	}
	return name[:i], name[i+1:]
}

func (d *Database) seed() {
	d.mu.Lock()
	names := make([]string, 0, len(d.exported))
	for name := range d.exported {
		names = append(names, name)
	}
	d.started = true
	d.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		d.seedChannel(name)
	}
}

// seedChannel loads a loopback channel from its target field and marks it
// connected. Inert targets and unknown fields stay disconnected.
func (d *Database) seedChannel(name string) {
	rec, field := splitChannel(name)
	r := d.records[rec]
	if r == nil {
		return
	}
	r.Lock()
	inert := r.Inert()
	s, err := r.SampleField(field)
	r.Unlock()
	if inert || err != nil {
		d.env.Logger.Debug("channel left disconnected", "channel", name, "err", err)
		return
	}
	d.local.Set(name, s)
	d.local.Connect(name, true)
}

// mirror copies posts of exported fields into their loopback channels.
func (d *Database) mirror(p monitor.Post) {
	name := p.Record + "." + p.Field
	d.mu.Lock()
	ok := d.exported[name]
	d.mu.Unlock()
	if !ok {
		return
	}
	v, err := record.ToFloat(p.Value)
	if err != nil {
		return
	}
	d.local.Set(name, link.Sample{Value: v, Severity: p.Severity, Status: p.Status, Time: p.Time})
}

// put applies a loopback put as a job so the putting record's lock is not
// held while the target's is taken.
func (d *Database) put(name string, v float64) error {
	rec, field := splitChannel(name)
	r := d.records[rec]
	if r == nil {
		return unknownRecord(rec)
	}
	if d.env.Jobs == nil {
		return r.Put(field, v)
	}
	d.env.Jobs.Submit(func() {
		if err := r.Put(field, v); err != nil {
			d.env.Logger.Warn("channel put failed", "channel", name, "err", err)
		}
	})
	return nil
}

// Record returns the named record.
func (d *Database) Record(name string) (*record.Record, bool) {
	r, ok := d.records[name]
	return r, ok
}

// Names returns the record names in sorted order.
func (d *Database) Names() []string {
	return append([]string(nil), d.names...)
}

// Errors returns the configuration and initialisation errors collected
// while loading.
func (d *Database) Errors() []error {
	return append([]error(nil), d.errs...)
}

// LockSets returns the record names grouped by shared lock.
func (d *Database) LockSets() [][]string {
	byLock := make(map[any][]string)
	var order []any
	for _, name := range d.names {
		l := any(d.records[name].Locker())
		if _, ok := byLock[l]; !ok {
			order = append(order, l)
		}
		byLock[l] = append(byLock[l], name)
	}
	out := make([][]string, 0, len(order))
	for _, l := range order {
		out = append(out, byLock[l])
	}
	return out
}

// PutField writes rec.field.
func (d *Database) PutField(rec, field string, v any) error {
	r, ok := d.records[rec]
	if !ok {
		return unknownRecord(rec)
	}
	return r.Put(field, v)
}

// GetField reads rec.field.
func (d *Database) GetField(rec, field string) (any, error) {
	r, ok := d.records[rec]
	if !ok {
		return nil, unknownRecord(rec)
	}
	return r.Get(field)
}

// Sample reads rec.field with the record's alarm state and timestamp.
func (d *Database) Sample(rec, field string) (link.Sample, error) {
	r, ok := d.records[rec]
	if !ok {
		return link.Sample{}, unknownRecord(rec)
	}
	r.Lock()
	defer r.Unlock()
	if r.Inert() {
		return link.Sample{}, record.ErrInert
	}
	return r.SampleField(field)
}

// Process processes the named record.
func (d *Database) Process(rec string) error {
	r, ok := d.records[rec]
	if !ok {
		return unknownRecord(rec)
	}
	r.Process()
	return nil
}

// Observe adds an observer of every post. It returns a function removing
// it.
func (d *Database) Observe(o monitor.Observer) (remove func()) {
	return d.fanout.Add(o)
}

// ProcessPINI processes, in name order, every live record with PINI set.
func (d *Database) ProcessPINI() int {
	n := 0
	for _, name := range d.names {
		r := d.records[name]
		if r.PINI() && !r.Inert() {
			r.Process()
			n++
		}
	}
	return n
}

// Periods returns the distinct periodic scan rates, fastest first.
func (d *Database) Periods() []time.Duration {
	seen := make(map[time.Duration]bool)
	var out []time.Duration
	for _, name := range d.names {
		if p, ok := record.ParsePeriod(d.records[name].Scan()); ok && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Scan processes, in name order, every live record scanned at period.
func (d *Database) Scan(period time.Duration) int {
	n := 0
	for _, name := range d.names {
		r := d.records[name]
		if p, ok := record.ParsePeriod(r.Scan()); ok && p == period && !r.Inert() {
			r.Process()
			n++
		}
	}
	return n
}

// Close tears down every record.
func (d *Database) Close() {
	for _, name := range d.names {
		d.records[name].Close()
	}
}
