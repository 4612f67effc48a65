// Package alarm implements severity/status bookkeeping for record passes.
//
// A pass never writes the committed alarm state directly. Conditions are
// raised into a Pending accumulator (raise-only: a weaker condition never
// replaces a stronger one), and Commit moves the pending pair into the
// committed State at the end of the pass, reporting what changed so the
// monitor dispatcher can post it.
package alarm

import (
	"fmt"
	"strings"
)

// Severity orders alarm conditions. Higher values are more severe.
type Severity int

const (
	NoAlarm Severity = iota
	Minor
	Major
	Invalid
)

var severityNames = [...]string{"NO_ALARM", "MINOR", "MAJOR", "INVALID"}

func (s Severity) String() string {
	if s < NoAlarm || s > Invalid {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity accepts the canonical names (case-insensitive) and "NONE"
// as an alias for NO_ALARM.
func ParseSeverity(s string) (Severity, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	if up == "" || up == "NONE" {
		return NoAlarm, nil
	}
	for i, name := range severityNames {
		if name == up {
			return Severity(i), nil
		}
	}
	return NoAlarm, fmt.Errorf("unknown alarm severity %q", s)
}

// Status is the reason code attached to a severity.
type Status int

const (
	StatusNone Status = iota
	StatusRead
	StatusWrite
	StatusHiHi
	StatusHigh
	StatusLoLo
	StatusLow
	StatusState
	StatusComm
	StatusTimeout
	StatusHwLimit
	StatusCalc
	StatusLink
	StatusSoft
	StatusUDF
	StatusSimm
)

var statusNames = [...]string{
	"NO_ALARM", "READ", "WRITE", "HIHI", "HIGH", "LOLO", "LOW", "STATE",
	"COMM", "TIMEOUT", "HWLIMIT", "CALC", "LINK", "SOFT", "UDF", "SIMM",
}

func (s Status) String() string {
	if s < StatusNone || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range statusNames {
		if name == up {
			return Status(i), nil
		}
	}
	return StatusNone, fmt.Errorf("unknown alarm status %q", s)
}

// State is a committed (STAT, SEVR, AMSG) triple.
type State struct {
	Status   Status
	Severity Severity
	Message  string
}

// Pending accumulates the conditions raised during one pass (NSTA, NSEV).
type Pending struct {
	Status   Status
	Severity Severity
	Message  string
}

// Raise records a condition if it is strictly more severe than anything
// raised so far in this pass. It reports whether the raise took effect.
func (p *Pending) Raise(stat Status, sevr Severity, msg string) bool {
	if sevr <= p.Severity {
		return false
	}
	p.Status = stat
	p.Severity = sevr
	p.Message = msg
	return true
}

// Transition describes what Commit changed.
type Transition struct {
	Previous        State
	Current         State
	SeverityChanged bool
	StatusChanged   bool
	MessageChanged  bool
}

// Changed reports whether the value field should carry the alarm event bit.
func (t Transition) Changed() bool {
	return t.SeverityChanged || t.StatusChanged
}

// Commit moves the pending pair into cur and resets p.
func Commit(cur *State, p *Pending) Transition {
	tr := Transition{Previous: *cur}
	next := State{Status: p.Status, Severity: p.Severity, Message: p.Message}
	tr.SeverityChanged = next.Severity != cur.Severity
	tr.StatusChanged = next.Status != cur.Status
	tr.MessageChanged = next.Message != cur.Message
	*cur = next
	tr.Current = next
	*p = Pending{}
	return tr
}
