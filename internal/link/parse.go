package link

import (
	"fmt"
	"strconv"
	"strings"
)

// ProcessMode is the PP/NPP modifier.
type ProcessMode int

const (
	NoProcess      ProcessMode = iota // NPP (default)
	ProcessPassive                    // PP
)

// SeverityMode is the alarm-severity propagation modifier.
type SeverityMode int

const (
	NoMaximize       SeverityMode = iota // NMS (default)
	Maximize                             // MS: raise LINK with the source severity
	MaximizeStatus                       // MSS: raise the source status and severity
	MaximizeInvalid                      // MSI: raise only when the source is INVALID
)

// Options are the modifiers following a link target.
type Options struct {
	Process  ProcessMode
	Severity SeverityMode
	// Subscribe is CP: the owning record processes on every update of the
	// channel. Only input links accept it.
	Subscribe bool
	// ProcessPassiveOnly is CPP: like CP but only while the owner is
	// Passive.
	ProcessPassiveOnly bool
	// ForceRemote is CA (or implied by CP/CPP): go through a channel
	// provider even when the target is in the local database.
	ForceRemote bool
}

// Spec is parsed link text.
type Spec struct {
	Text string
	// Constant links carry their value here. An empty link is a constant
	// with no value.
	Constant bool
	Value    float64
	HasValue bool
	Record   string
	Field    string
	Options  Options
}

// Target returns the "record.FIELD" channel name.
func (s Spec) Target() string {
	return s.Record + "." + s.Field
}

// Parse splits link text into target and modifiers.
//
//	""               empty constant
//	"3.5"            numeric constant
//	"rec"            rec.VAL, NPP NMS
//	"rec.A PP MS"    field A with modifiers
//	"host:temp CP"   subscribed channel
func Parse(text string) (Spec, error) {
	trimmed := strings.TrimSpace(text)
	spec := Spec{Text: text}
	if trimmed == "" {
		spec.Constant = true
		return spec, nil
	}
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		spec.Constant = true
		spec.Value = v
		spec.HasValue = true
		return spec, nil
	}

	parts := strings.Fields(trimmed)
	name := parts[0]
	for _, mod := range parts[1:] {
		switch strings.ToUpper(mod) {
		case "PP":
			spec.Options.Process = ProcessPassive
		case "NPP":
			spec.Options.Process = NoProcess
		case "CA":
			spec.Options.ForceRemote = true
		case "CP":
			spec.Options.ForceRemote = true
			spec.Options.Subscribe = true
		case "CPP":
			spec.Options.ForceRemote = true
			spec.Options.Subscribe = true
			spec.Options.ProcessPassiveOnly = true
		case "MS":
			spec.Options.Severity = Maximize
		case "NMS":
			spec.Options.Severity = NoMaximize
		case "MSS":
			spec.Options.Severity = MaximizeStatus
		case "MSI":
			spec.Options.Severity = MaximizeInvalid
		default:
			return Spec{}, fmt.Errorf("link %q: unknown modifier %q", text, mod)
		}
	}

	spec.Record, spec.Field = name, "VAL"
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		field := name[i+1:]
		if isFieldName(field) {
			spec.Record, spec.Field = name[:i], field
		}
	}
	if spec.Record == "" {
		return Spec{}, fmt.Errorf("link %q: empty record name", text)
	}
	return spec, nil
}

// isFieldName accepts 1-4 upper-case letters or digits, starting with a
// letter: record names may themselves contain dots.
func isFieldName(s string) bool {
	if len(s) == 0 || len(s) > 4 {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
