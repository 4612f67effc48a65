// Package monitor decides which field changes become notifications and
// delivers them to observers.
//
// Notifications made during a pass are marked on a Batch and emitted once
// when the pass finishes. Marks for the same field coalesce: their masks are
// OR-ed and the latest value wins.
package monitor

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/roach88/ioccore/internal/alarm"
)

// Mask selects which classes of subscriber a post is meant for.
type Mask uint8

const (
	// Value changes beyond the monitor deadband (MDEL).
	Value Mask = 1 << iota
	// Log changes beyond the archive deadband (ADEL).
	Log
	// Alarm state changes.
	Alarm
	// Property (metadata) changes.
	Property
)

func (m Mask) String() string {
	if m == 0 {
		return "NONE"
	}
	var parts []string
	for _, b := range []struct {
		bit  Mask
		name string
	}{{Value, "VALUE"}, {Log, "LOG"}, {Alarm, "ALARM"}, {Property, "PROPERTY"}} {
		if m&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}

// Post is one field notification.
type Post struct {
	Record   string
	Field    string
	Mask     Mask
	Value    any
	Severity alarm.Severity
	Status   alarm.Status
	Time     time.Time
}

// CheckDeadband marks bits in *mask when val moved more than deadband away
// from *last, and then moves the baseline to val. A transition into or out
// of NaN or infinity always counts as a change, as does +Inf to -Inf. Two
// NaNs are equal.
func CheckDeadband(last *float64, val, deadband float64, mask *Mask, bits Mask) bool {
	old := *last
	delta := 0.0
	switch {
	case isFinite(val) && isFinite(old):
		delta = math.Abs(old - val)
	case math.IsNaN(val) != math.IsNaN(old) || math.IsInf(val, 0) != math.IsInf(old, 0):
		delta = math.Inf(1)
	case math.IsInf(val, 0) && val != old:
		delta = math.Inf(1)
	}
	if delta > deadband {
		*mask |= bits
		*last = val
		return true
	}
	return false
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Batch collects the posts of one pass.
type Batch struct {
	record string
	posts  []Post
	index  map[string]int
}

// NewBatch creates an empty batch for a record.
func NewBatch(record string) *Batch {
	return &Batch{record: record, index: make(map[string]int)}
}

// Mark adds or coalesces a post for field. A zero mask is ignored.
func (b *Batch) Mark(field string, mask Mask, value any) {
	if mask == 0 {
		return
	}
	if i, ok := b.index[field]; ok {
		b.posts[i].Mask |= mask
		b.posts[i].Value = value
		return
	}
	b.index[field] = len(b.posts)
	b.posts = append(b.posts, Post{Record: b.record, Field: field, Mask: mask, Value: value})
}

// Len returns the number of distinct fields marked.
func (b *Batch) Len() int {
	return len(b.posts)
}

// Take returns the marked posts in marking order, stamped with the given
// alarm state and time, and resets the batch.
func (b *Batch) Take(state alarm.State, stamp time.Time) []Post {
	out := b.posts
	for i := range out {
		out[i].Severity = state.Severity
		out[i].Status = state.Status
		out[i].Time = stamp
	}
	b.posts = nil
	b.index = make(map[string]int)
	return out
}

// Observer receives notifications. Implementations run on the goroutine of
// the record pass and must not block or take record locks.
type Observer interface {
	OnFieldChanged(p Post)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Post)

func (f ObserverFunc) OnFieldChanged(p Post) { f(p) }

// Fanout delivers every post to a dynamic set of observers.
type Fanout struct {
	mu   sync.RWMutex
	next int
	obs  map[int]Observer
	ids  []int
}

// NewFanout creates an empty fanout.
func NewFanout() *Fanout {
	return &Fanout{obs: make(map[int]Observer)}
}

// Add registers o and returns a function removing it.
func (f *Fanout) Add(o Observer) (remove func()) {
	f.mu.Lock()
	id := f.next
	f.next++
	f.obs[id] = o
	f.ids = append(f.ids, id)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.obs, id)
		for i, v := range f.ids {
			if v == id {
				f.ids = append(f.ids[:i], f.ids[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers posts in order to each observer in registration order.
func (f *Fanout) Emit(posts []Post) {
	if len(posts) == 0 {
		return
	}
	f.mu.RLock()
	targets := make([]Observer, 0, len(f.ids))
	for _, id := range f.ids {
		targets = append(targets, f.obs[id])
	}
	f.mu.RUnlock()

	for _, p := range posts {
		for _, o := range targets {
			o.OnFieldChanged(p)
		}
	}
}

// OnFieldChanged lets a Fanout be used wherever a single Observer is expected.
func (f *Fanout) OnFieldChanged(p Post) {
	f.Emit([]Post{p})
}
