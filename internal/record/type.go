package record

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/ioccore/internal/monitor"
)

// Type is the behaviour of one record type. A Type value belongs to a
// single record; create one per record through a TypeRegistry.
//
// Every method runs with the record lock held.
type Type interface {
	// Name is the record type name, e.g. "calcout".
	Name() string
	// DefaultDTYP is used when the record does not configure DTYP.
	DefaultDTYP() string
	// Fields returns the type's fields. A field named like a common field
	// replaces it.
	Fields(r *Record) []Field
	// Init resolves links and prepares state after configuration. The
	// device support has been looked up but not yet initialised.
	Init(r *Record) error
	// Process runs the first phase.
	Process(r *Record) Outcome
	// Resume continues a suspended or delayed pass.
	Resume(r *Record, cause Cause) Outcome
	// Monitor marks the type's changed fields at the end of a pass.
	Monitor(r *Record, b *monitor.Batch, alarmed bool)
	// Special reacts to a put on a Special field.
	Special(r *Record, field string) error
	// Close releases subscriptions and other resources.
	Close(r *Record)
}

// Backlogged is implemented by types that queue their own triggers. A
// non-empty backlog causes another pass after the current one finishes.
type Backlogged interface {
	Backlog() int
}

// Cause says why a pass resumed.
type Cause int

const (
	// CauseAsync is a device completion.
	CauseAsync Cause = iota
	// CauseDelay is an output delay expiry.
	CauseDelay
)

func (c Cause) String() string {
	if c == CauseDelay {
		return "delay"
	}
	return "async"
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeSuspend
	outcomeDelay
)

// Outcome tells the state machine how a phase ended.
type Outcome struct {
	kind  outcomeKind
	delay time.Duration
}

// Done finishes the pass.
func Done() Outcome { return Outcome{kind: outcomeDone} }

// Suspend waits for the device support to call Complete.
func Suspend() Outcome { return Outcome{kind: outcomeSuspend} }

// DelayFor arms the output delay. The pass resumes with CauseDelay after d;
// a non-positive d resumes immediately.
func DelayFor(d time.Duration) Outcome { return Outcome{kind: outcomeDelay, delay: d} }

// IsDone reports whether o finishes the pass.
func (o Outcome) IsDone() bool { return o.kind == outcomeDone }

func (o Outcome) String() string {
	switch o.kind {
	case outcomeSuspend:
		return "suspend"
	case outcomeDelay:
		return fmt.Sprintf("delay(%s)", o.delay)
	}
	return "done"
}

// TypeFactory creates the Type for one record.
type TypeFactory func() Type

// TypeRegistry maps type names to factories.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]TypeFactory
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]TypeFactory)}
}

// Register adds a factory under name.
func (tr *TypeRegistry) Register(name string, f TypeFactory) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.types[name] = f
}

// New creates a Type instance.
func (tr *TypeRegistry) New(name string) (Type, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	f, ok := tr.types[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Names returns the registered type names, sorted.
func (tr *TypeRegistry) Names() []string {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]string, 0, len(tr.types))
	for n := range tr.types {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
