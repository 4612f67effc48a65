// Package device defines the boundary between records and the code that
// performs their I/O, and ships the built-in soft and simulated supports.
//
// Support is instantiated per record. Process either finishes the I/O
// (Complete) or accepts an asynchronous request (Pending); in the latter
// case the support must call Target.Complete exactly once when the request
// is done.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/ioccore/internal/callback"
	"github.com/roach88/ioccore/internal/link"
)

// Result is the outcome of Support.Process.
type Result int

const (
	Complete Result = iota
	Pending
)

func (r Result) String() string {
	if r == Pending {
		return "pending"
	}
	return "complete"
}

// Target is the record as device support sees it. Value, SetValue and Link
// may only be called from InitRecord, Process and SpecialFieldChanged,
// which run with the record lock held. Complete, Scheduler and Submit are
// safe from any goroutine.
type Target interface {
	Name() string
	TypeName() string
	Value(field string) (float64, error)
	SetValue(field string, v float64) error
	Link(field string) *link.Link
	Now() time.Time
	Scheduler() callback.Scheduler
	Submit(j callback.Job) bool
	// Complete resumes a record suspended on this support's request.
	Complete()
	Logger() *slog.Logger
}

// Support performs a record's I/O.
type Support interface {
	InitRecord(t Target) error
	Process(t Target) (Result, error)
}

// Initializer is implemented by supports needing one-time setup per
// registry entry, run before the first InitRecord.
type Initializer interface {
	Init() error
}

// SpecialHandler is notified of puts to fields the support cares about.
type SpecialHandler interface {
	SpecialFieldChanged(t Target, field string) error
}

// Reader returns a readback value after an asynchronous request completes.
type Reader interface {
	Read(t Target) (float64, error)
}

// Metadata supplies display metadata overriding the record's EGU, PREC,
// LOPR and HOPR.
type Metadata interface {
	Units(t Target) string
	Precision(t Target) int
	Limits(t Target) (lo, hi float64)
}

// Factory creates a Support instance for one record.
type Factory func() Support

// ErrNotFound is returned by Registry.New for an unregistered pair.
var ErrNotFound = errors.New("device support not found")

type key struct {
	recType string
	dtyp    string
}

// Registry maps (record type, DTYP) to support factories.
type Registry struct {
	mu      sync.Mutex
	entries map[key]Factory
	inited  map[key]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[key]Factory),
		inited:  make(map[key]bool),
	}
}

// Register adds or replaces a factory.
func (r *Registry) Register(recType, dtyp string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{recType, dtyp}
	r.entries[k] = f
	delete(r.inited, k)
}

// New creates the support for a record, running Init on the first instance
// of each entry.
func (r *Registry) New(recType, dtyp string) (Support, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{recType, dtyp}
	f, ok := r.entries[k]
	if !ok {
		return nil, fmt.Errorf("%s/%q: %w", recType, dtyp, ErrNotFound)
	}
	s := f()
	if !r.inited[k] {
		if in, ok := s.(Initializer); ok {
			if err := in.Init(); err != nil {
				return nil, fmt.Errorf("%s/%q: init: %w", recType, dtyp, err)
			}
		}
		r.inited[k] = true
	}
	return s, nil
}

// Types lists the DTYPs registered for recType, sorted.
func (r *Registry) Types(recType string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for k := range r.entries {
		if k.recType == recType {
			out = append(out, k.dtyp)
		}
	}
	sort.Strings(out)
	return out
}

// Built-in DTYP names.
const (
	SoftChannel      = "Soft Channel"
	AsyncSoftChannel = "Async Soft Channel"
	SimMotorDTYP     = "Sim Motor"
)

// DefaultRegistry registers the built-in supports for the named record
// types: soft channels for calcout and wait, the simulated axis for
// positioner.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range []string{"calcout", "wait"} {
		r.Register(t, SoftChannel, func() Support { return &Soft{} })
		r.Register(t, AsyncSoftChannel, func() Support { return &AsyncSoft{} })
	}
	r.Register("positioner", SimMotorDTYP, func() Support { return NewSimMotor() })
	return r
}
