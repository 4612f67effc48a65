package record

import (
	"fmt"
	"math"

	"github.com/roach88/ioccore/internal/device"
	"github.com/roach88/ioccore/internal/monitor"
)

// Put writes a field under the record lock.
func (r *Record) Put(name string, v any) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.PutLocked(name, v)
}

// PutLocked writes a field at runtime, as a client put does. A put to
// PROC processes the record whatever its scan. Special fields run the type
// and device hooks, and a put to a process-on-put field processes a
// Passive record. The new value is posted immediately.
func (r *Record) PutLocked(name string, v any) error {
	return r.put(name, v, true)
}

// PutFieldLocked implements link.LocalTarget. It stores the value like
// PutLocked but leaves processing to the link's PP modifier: only a put to
// PROC processes the record.
func (r *Record) PutFieldLocked(field string, v float64) error {
	return r.put(field, v, false)
}

func (r *Record) put(name string, v any, processOnPut bool) error {
	if r.inert {
		return fmt.Errorf("%s: %w", r.name, ErrInert)
	}
	f, ok := r.FieldInfo(name)
	if !ok {
		return fmt.Errorf("%s.%s: %w", r.name, name, ErrUnknownField)
	}
	if name == "PROC" {
		r.TriggerLocked()
		return nil
	}
	if f.Has(ReadOnly) {
		return fmt.Errorf("%s.%s: %w", r.name, name, ErrReadOnly)
	}
	if err := f.Set(v); err != nil {
		return fmt.Errorf("%s.%s: %w", r.name, name, err)
	}

	switch {
	case name == "VAL":
		r.udf = math.IsNaN(r.val)
	case name == "FLNK":
		if err := r.setForward(r.flnk); err != nil {
			r.env.Logger.Warn("forward link cleared", "record", r.name, "link", r.flnk, "err", err)
		}
	case f.Has(Special):
		if err := r.typ.Special(r, name); err != nil {
			r.env.Logger.Warn("special field handling failed", "record", r.name, "field", name, "err", err)
		}
		if sh, ok := r.dev.(device.SpecialHandler); ok {
			if err := sh.SpecialFieldChanged(r, name); err != nil {
				r.env.Logger.Warn("device special handling failed", "record", r.name, "field", name, "err", err)
			}
		}
	}

	r.post(name, monitor.Value|monitor.Log, f.Get())

	if processOnPut && f.Has(ProcessOnPut) && r.scan == ScanPassive {
		r.TriggerLocked()
	}
	return nil
}
