package harness

import "github.com/roach88/ioccore/internal/store"

// TraceEvent is one entry of the engine's event log.
type TraceEvent struct {
	Seq      int64  `json:"seq"`
	Kind     string `json:"kind"` // "post" or "forward"
	Record   string `json:"record"`
	Field    string `json:"field"`
	Mask     string `json:"mask,omitempty"`
	Value    any    `json:"value,omitempty"`
	Severity string `json:"severity,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Sample is a field value captured by a sample step.
type Sample struct {
	Step   int    `json:"step"`
	Record string `json:"record"`
	Field  string `json:"field"`
	Value  any    `json:"value"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect step and assertion held.
	Pass bool `json:"pass"`

	// Trace is the event log of the run in seq order.
	Trace []TraceEvent `json:"trace"`

	// Samples are the values captured by sample steps, in step order.
	Samples []Sample `json:"samples"`

	// Puts are the values written to each external channel.
	Puts map[string][]float64 `json:"puts,omitempty"`

	// Errors explains every failure. Empty when Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Samples: []Sample{},
		Puts:    make(map[string][]float64),
		Errors:  []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func traceFromEvents(events []store.Event) []TraceEvent {
	out := make([]TraceEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, TraceEvent{
			Seq:      ev.Seq,
			Kind:     ev.Kind,
			Record:   ev.Record,
			Field:    ev.Field,
			Mask:     ev.Mask,
			Value:    ev.Value,
			Severity: ev.Severity,
			Status:   ev.Status,
		})
	}
	return out
}
