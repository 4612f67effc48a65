package record

import (
	"math"

	"github.com/roach88/ioccore/internal/monitor"
)

// Watch remembers the last posted value of a type's fields so the end of a
// pass can post the ones that changed.
type Watch struct {
	last map[string]any
}

// Seed sets the baseline for field without posting.
func (w *Watch) Seed(field string, v any) {
	if w.last == nil {
		w.last = make(map[string]any)
	}
	w.last[field] = v
}

// Check marks field in b when v differs from the baseline, when the field
// has never been seen, or when alarmed is set.
func (w *Watch) Check(b *monitor.Batch, field string, v any, alarmed bool) {
	old, seen := w.last[field]
	if seen && same(old, v) && !alarmed {
		return
	}
	b.Mark(field, monitor.Value|monitor.Log, v)
	w.Seed(field, v)
}

func same(a, b any) bool {
	fa, okA := a.(float64)
	fb, okB := b.(float64)
	if okA && okB {
		return fa == fb || (math.IsNaN(fa) && math.IsNaN(fb))
	}
	return a == b
}
