// Package link models record links and tracks the connectivity of the
// remote ones.
//
// A Link is one of three variants:
//
//	Constant  resolved once at initialisation, never connected to anything
//	Local     a field of a record in the same lock set; always connected
//	Remote    a named channel served by a Provider; may be disconnected
//
// Reading a disconnected remote link returns the last value seen together
// with ErrDisconnected. The value is stale, not absent.
package link

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/ioccore/internal/alarm"
)

// Kind is the link variant.
type Kind int

const (
	Constant Kind = iota
	Local
	Remote
)

func (k Kind) String() string {
	switch k {
	case Constant:
		return "constant"
	case Local:
		return "local"
	case Remote:
		return "remote"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ConnState is the connection state of a remote link.
type ConnState int

const (
	NotYetSearched ConnState = iota
	Connected
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case NotYetSearched:
		return "not_yet_searched"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Status is the value of a record's per-link status field (INAV, OUTV...).
type Status int

const (
	StatusExtNC    Status = iota // remote, not connected
	StatusExt                    // remote, connected
	StatusLocal                  // local record
	StatusConstant               // constant or empty
)

var statusNames = [...]string{"Ext PV NC", "Ext PV OK", "Local PV", "Constant"}

func (s Status) String() string {
	if s < StatusExtNC || s > StatusConstant {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// StatusNames lists the status menu choices in index order.
func StatusNames() []string {
	return statusNames[:]
}

// ErrDisconnected is returned by Get and Put on a remote link that is not
// connected.
var ErrDisconnected = errors.New("link disconnected")

// ErrNoValue is returned by Get on an empty constant link.
var ErrNoValue = errors.New("link has no value")

// Sample is a value with its source alarm state.
type Sample struct {
	Value    float64
	Severity alarm.Severity
	Status   alarm.Status
	Time     time.Time
}

// Channel is a named remote value served by a Provider.
//
// Subscriber and connection callbacks may run on provider goroutines or
// synchronously inside Put; they must not block or take record locks.
type Channel interface {
	Name() string
	Connected() bool
	// Get returns the latest cached sample.
	Get() (Sample, error)
	Put(v float64) error
	Subscribe(fn func(Sample)) (cancel func())
	OnConnectionChange(fn func(connected bool)) (cancel func())
	Close() error
}

// Provider resolves channel names.
type Provider interface {
	Channel(name string) (Channel, error)
}

// LocalTarget is a record reachable through a Local link. Its methods are
// called with the shared lock-set lock already held.
type LocalTarget interface {
	SampleField(field string) (Sample, error)
	// PutFieldLocked stores v without processing the target, except for a
	// put to PROC.
	PutFieldLocked(field string, v float64) error
	// ProcessPassive processes the target if its scan is Passive.
	ProcessPassive()
}

// Link is a resolved link.
type Link struct {
	spec Spec
	kind Kind

	local LocalTarget
	ch    Channel

	mu   sync.Mutex
	last Sample
	seen bool
}

// NewConstant builds a constant link from spec.
func NewConstant(spec Spec) *Link {
	l := &Link{spec: spec, kind: Constant}
	if spec.HasValue {
		l.last = Sample{Value: spec.Value}
		l.seen = true
	}
	return l
}

// NewLocal builds a local link.
func NewLocal(spec Spec, target LocalTarget) *Link {
	return &Link{spec: spec, kind: Local, local: target}
}

// NewRemote builds a remote link over ch.
func NewRemote(spec Spec, ch Channel) *Link {
	return &Link{spec: spec, kind: Remote, ch: ch}
}

// Kind returns the variant.
func (l *Link) Kind() Kind { return l.kind }

// Spec returns the parsed link text.
func (l *Link) Spec() Spec { return l.spec }

// Text returns the original link text.
func (l *Link) Text() string { return l.spec.Text }

// Options returns the link modifiers.
func (l *Link) Options() Options { return l.spec.Options }

// Channel returns the remote channel, or nil for other variants.
func (l *Link) Channel() Channel { return l.ch }

// Defined reports whether the link points anywhere or carries a value.
func (l *Link) Defined() bool {
	return l != nil && (l.kind != Constant || l.spec.HasValue)
}

// IsRemote reports whether the link's connectivity needs tracking.
func (l *Link) IsRemote() bool {
	return l != nil && l.kind == Remote
}

// Connected is always true for constant and local links.
func (l *Link) Connected() bool {
	if l.kind != Remote {
		return true
	}
	return l.ch.Connected()
}

// Status returns the status-field value for the link's current state.
func (l *Link) Status() Status {
	switch l.kind {
	case Constant:
		return StatusConstant
	case Local:
		return StatusLocal
	}
	if l.ch.Connected() {
		return StatusExt
	}
	return StatusExtNC
}

// Get reads the link. A local PP link processes a passive source before
// reading it. A disconnected remote link returns the last sample and
// ErrDisconnected.
func (l *Link) Get() (Sample, error) {
	switch l.kind {
	case Constant:
		if !l.spec.HasValue {
			return Sample{}, ErrNoValue
		}
		return Sample{Value: l.spec.Value}, nil
	case Local:
		if l.spec.Options.Process == ProcessPassive {
			l.local.ProcessPassive()
		}
		return l.local.SampleField(l.spec.Field)
	}

	if !l.ch.Connected() {
		return l.Last(), fmt.Errorf("%s: %w", l.ch.Name(), ErrDisconnected)
	}
	s, err := l.ch.Get()
	if err != nil {
		return l.Last(), fmt.Errorf("%s: %w", l.ch.Name(), err)
	}
	l.mu.Lock()
	l.last, l.seen = s, true
	l.mu.Unlock()
	return s, nil
}

// Last returns the most recent sample read through the link.
func (l *Link) Last() Sample {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Put writes v through the link. A local PP link processes a passive target
// after the write.
func (l *Link) Put(v float64) error {
	switch l.kind {
	case Constant:
		return nil
	case Local:
		if err := l.local.PutFieldLocked(l.spec.Field, v); err != nil {
			return err
		}
		if l.spec.Options.Process == ProcessPassive && l.spec.Field != "PROC" {
			l.local.ProcessPassive()
		}
		return nil
	}
	if !l.ch.Connected() {
		return fmt.Errorf("%s: %w", l.ch.Name(), ErrDisconnected)
	}
	return l.ch.Put(v)
}

// Close releases the remote channel.
func (l *Link) Close() error {
	if l == nil || l.ch == nil {
		return nil
	}
	return l.ch.Close()
}

// ApplySeverity raises into p according to the link's severity modifier.
func (l *Link) ApplySeverity(s Sample, p *alarm.Pending) {
	switch l.spec.Options.Severity {
	case Maximize:
		p.Raise(alarm.StatusLink, s.Severity, l.spec.Text)
	case MaximizeStatus:
		p.Raise(s.Status, s.Severity, l.spec.Text)
	case MaximizeInvalid:
		if s.Severity == alarm.Invalid {
			p.Raise(alarm.StatusLink, alarm.Invalid, l.spec.Text)
		}
	}
}
