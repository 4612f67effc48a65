package harness

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/ioccore/internal/engine"
)

// AssertionError is a failed assertion with enough context to debug it.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s.%s %v\n", ev.Seq, ev.Kind, ev.Record, ev.Field, ev.Value)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, db *engine.Database) []string {
	var msgs []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertChannelPuts:
			err = assertChannelPuts(result.Puts, a)
		case AssertFinalState:
			err = assertFinalState(db, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return msgs
}

func isPost(ev TraceEvent, rec, field string) bool {
	return ev.Kind == "post" && ev.Record == rec && ev.Field == field
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if isPost(ev, a.Record, a.Field) && (a.Value == nil || valuesEqual(a.Value, ev.Value)) {
			return nil
		}
	}
	expected := fmt.Sprintf("post of %s.%s", a.Record, a.Field)
	if a.Value != nil {
		expected += fmt.Sprintf(" with value %v", a.Value)
	}
	return &AssertionError{Type: AssertTraceContains, Expected: expected, Actual: "not found in trace", Trace: trace}
}

// assertTraceOrder checks that the first post of each field comes in the
// listed order. Other posts may come between them.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	first := make(map[string]int)
	for i, ev := range trace {
		if ev.Kind != "post" {
			continue
		}
		name := ev.Record + "." + ev.Field
		if _, seen := first[name]; !seen {
			first[name] = i
		}
	}
	last, prev := -1, ""
	for _, name := range a.Fields {
		pos, ok := first[name]
		if !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("posts in order %v", a.Fields),
				Actual:   fmt.Sprintf("%s never posted", name),
				Trace:    trace,
			}
		}
		if pos < last {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("posts in order %v", a.Fields),
				Actual:   fmt.Sprintf("%s posted before %s", name, prev),
				Trace:    trace,
			}
		}
		last, prev = pos, name
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if isPost(ev, a.Record, a.Field) {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d post(s) of %s.%s", a.Count, a.Record, a.Field),
			Actual:   fmt.Sprintf("%d post(s)", n),
			Trace:    trace,
		}
	}
	return nil
}

func assertChannelPuts(puts map[string][]float64, a Assertion) error {
	got := puts[a.Channel]
	if !slices.Equal(got, a.Values) {
		return &AssertionError{
			Type:     AssertChannelPuts,
			Expected: fmt.Sprintf("puts %v on %s", a.Values, a.Channel),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

func assertFinalState(db *engine.Database, a Assertion) error {
	var mismatches []string
	for _, field := range sortedKeys(a.Expect) {
		want := a.Expect[field]
		got, err := db.GetField(a.Record, field)
		if err != nil {
			mismatches = append(mismatches, fmt.Sprintf("%s: %v", field, err))
			continue
		}
		if !valuesEqual(want, got) {
			mismatches = append(mismatches, fmt.Sprintf("%s: %v != %v", field, got, want))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s fields %v", a.Record, a.Expect),
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

// valuesEqual compares a scenario value with a field value. Numbers of
// any Go type compare as float64; everything else compares as text.
func valuesEqual(want, got any) bool {
	w, wok := number(want)
	g, gok := number(got)
	if wok && gok {
		if math.IsNaN(w) && math.IsNaN(g) {
			return true
		}
		return math.Abs(w-g) <= 1e-9*math.Max(1, math.Abs(w))
	}
	return fmt.Sprint(want) == fmt.Sprint(got)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
