package record

import (
	"errors"
	"math"
	"strings"

	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
)

// InputCount is the number of calc inputs, A through L.
const InputCount = 12

// InputNames are the input value field names.
var InputNames = [InputCount]string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L"}

// InputLinkField returns INPA..INPL for index i.
func InputLinkField(i int) string { return "INP" + InputNames[i] }

// InputStatusField returns INAV..INLV for index i.
func InputStatusField(i int) string { return "IN" + InputNames[i] + "V" }

// Inputs is the A..L input block shared by the calc-based record types.
type Inputs struct {
	Links  [InputCount]string
	Values [InputCount]float64
	Prev   [InputCount]float64
}

// Fields returns INPx, x, Lx and INxV for every input.
func (in *Inputs) Fields(r *Record) []Field {
	out := make([]Field, 0, 4*InputCount)
	for i := range InputNames {
		status := InputStatusField(i)
		out = append(out,
			LinkField(InputLinkField(i), &in.Links[i]),
			FloatField(InputNames[i], &in.Values[i], ProcessOnPut),
			FloatField("L"+InputNames[i], &in.Prev[i], ReadOnly, Internal),
			LinkStatusField(status, func() link.Status { return r.LinkStatus(status) }),
		)
	}
	return out
}

// Resolve resolves every input link. Constant links load their value once.
func (in *Inputs) Resolve(r *Record) error {
	var errs []error
	for i := range InputNames {
		if err := in.resolve(r, i); err != nil {
			errs = append(errs, err)
		}
	}
	in.Prev = in.Values
	return errors.Join(errs...)
}

func (in *Inputs) resolve(r *Record, i int) error {
	if err := r.SetLink(InputLinkField(i), InputStatusField(i), in.Links[i]); err != nil {
		return err
	}
	l := r.Link(InputLinkField(i))
	if l.Kind() == link.Constant && l.Spec().HasValue {
		in.Values[i] = l.Spec().Value
	}
	return nil
}

// Index returns the input index for an INPx field name.
func (in *Inputs) Index(field string) (int, bool) {
	if len(field) != 4 || !strings.HasPrefix(field, "INP") {
		return 0, false
	}
	for i, n := range InputNames {
		if field[3:] == n {
			return i, true
		}
	}
	return 0, false
}

// Special re-resolves an input link after a put. It reports whether field
// was an input link.
func (in *Inputs) Special(r *Record, field string) (bool, error) {
	i, ok := in.Index(field)
	if !ok {
		return false, nil
	}
	return true, in.resolve(r, i)
}

// Fetch reads every input with a non-constant link, skipping those for
// which skip returns true. A failing input keeps its previous value; the
// first failure is returned after all inputs were read.
func (in *Inputs) Fetch(r *Record, skip func(i int) bool) error {
	var first error
	for i := range InputNames {
		l := r.Link(InputLinkField(i))
		if l == nil || l.Kind() == link.Constant {
			continue
		}
		if skip != nil && skip(i) {
			continue
		}
		v, err := r.Fetch(l)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		in.Values[i] = v
	}
	return first
}

// Monitor posts inputs that changed since the last pass, or all of them
// when alarmed, and moves LA..LL forward.
func (in *Inputs) Monitor(b *monitor.Batch, alarmed bool) {
	for i, n := range InputNames {
		v, prev := in.Values[i], in.Prev[i]
		changed := v != prev && !(math.IsNaN(v) && math.IsNaN(prev))
		if changed || alarmed {
			b.Mark(n, monitor.Value|monitor.Log, v)
		}
		in.Prev[i] = v
	}
}
