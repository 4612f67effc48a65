package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/ioccore/internal/config"
	"github.com/roach88/ioccore/internal/engine"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/record"
	"github.com/roach88/ioccore/internal/store"
	"github.com/roach88/ioccore/internal/testutil"
)

// settleTimeout bounds the drain after each step.
const settleTimeout = 2 * time.Second

// Harness holds one scenario's engine and its deterministic surroundings.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	channels *link.Loopback
	logger   *slog.Logger
}

// Run executes a scenario in a fresh in-memory event log with a mock
// clock. An error means the scenario could not run; failed expectations
// are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with the engine logging to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	defs, err := loadDatabase(scenario)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	channels := link.NewLoopback()
	for _, name := range sortedKeys(scenario.Channels) {
		spec := scenario.Channels[name]
		channels.Set(name, link.Sample{Value: spec.Value})
		channels.Connect(name, spec.Connected)
	}

	opts := []engine.Option{
		engine.WithClock(testutil.NewMockClock()),
		engine.WithStore(st),
		engine.WithRunIDGenerator(testutil.NewFixedRunGenerator(scenario.RunID)),
		engine.WithSource(scenario.Name),
		engine.WithRemote(channels),
		engine.WithLogger(logger),
		engine.WithLenient(true),
	}
	if scenario.CheckInterval != "" {
		d, _ := time.ParseDuration(scenario.CheckInterval)
		opts = append(opts, engine.WithCheckInterval(d))
	}
	eng := engine.New(defs, opts...)
	defer eng.Close()

	h := &Harness{store: st, engine: eng, channels: channels, logger: logger}
	result := NewResult()
	for _, err := range eng.Database().Errors() {
		result.AddError(fmt.Sprintf("configuration: %v", err))
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	if err := h.settle(); err != nil {
		return nil, err
	}
	for i, step := range scenario.Steps {
		if err := h.executeStep(i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	if err := eng.Flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush event log: %w", err)
	}
	events, err := st.ReadEvents(ctx, store.Query{RunID: eng.RunID()})
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	result.Trace = traceFromEvents(events)
	for _, name := range sortedKeys(scenario.Channels) {
		if puts := channels.Puts(name); len(puts) > 0 {
			result.Puts[name] = puts
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, eng.Database()) {
		result.AddError(msg)
	}
	return result, nil
}

func loadDatabase(s *Scenario) ([]record.Def, error) {
	var (
		res  *config.LoadResult
		errs []error
	)
	if s.DatabaseDir != "" {
		res, errs = config.Load(s.DatabaseDir, config.LoadModeCollectAll)
	} else {
		res, errs = config.LoadSource(s.Name+".cue", s.Database, config.LoadModeCollectAll)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to load database: %w", errs[0])
	}
	return res.Defs, nil
}

func (h *Harness) settle() error {
	if !h.engine.Settle(settleTimeout) {
		return fmt.Errorf("engine did not settle within %s", settleTimeout)
	}
	return nil
}

// executeStep runs one step and settles. Field-level failures go to the
// result; an error aborts the scenario.
func (h *Harness) executeStep(i int, step Step, result *Result) error {
	db := h.engine.Database()
	switch {
	case step.Put != nil:
		if err := db.PutField(step.Put.Record, step.Put.Field, step.Put.Value); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: put %s.%s: %v", i, step.Put.Record, step.Put.Field, err))
		}
	case step.Process != "":
		if err := db.Process(step.Process); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: process %s: %v", i, step.Process, err))
		}
	case step.Scan != "":
		period, _ := record.ParsePeriod(step.Scan)
		db.Scan(period)
	case step.Advance != "":
		d, _ := time.ParseDuration(step.Advance)
		h.advance(d)
	case step.Connect != "":
		h.channels.Connect(step.Connect, true)
	case step.Disconnect != "":
		h.channels.Connect(step.Disconnect, false)
	case step.Set != nil:
		s := h.channels.Value(step.Set.Channel)
		s.Value = step.Set.Value
		s.Time = h.engine.Clock().Now()
		h.channels.Set(step.Set.Channel, s)
	case step.Expect != nil:
		got, err := db.GetField(step.Expect.Record, step.Expect.Field)
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: expect %s.%s: %v", i, step.Expect.Record, step.Expect.Field, err))
			break
		}
		if !valuesEqual(step.Expect.Value, got) {
			result.AddError(fmt.Sprintf("steps[%d]: expect %s.%s = %v, got %v",
				i, step.Expect.Record, step.Expect.Field, step.Expect.Value, got))
		}
	case step.Sample != nil:
		for _, field := range step.Sample.Fields {
			got, err := db.GetField(step.Sample.Record, field)
			if err != nil {
				result.AddError(fmt.Sprintf("steps[%d]: sample %s.%s: %v", i, step.Sample.Record, field, err))
				continue
			}
			result.Samples = append(result.Samples, Sample{Step: i, Record: step.Sample.Record, Field: field, Value: got})
		}
	}
	h.logger.Debug("step done", "step", i)
	return h.settle()
}

// advance moves the mock clock in tracker-sized slices so timers armed by
// a firing timer inside the window also fire.
func (h *Harness) advance(d time.Duration) {
	clk := h.engine.Clock()
	mock, ok := clk.(interface{ Add(time.Duration) })
	if !ok {
		return
	}
	const slice = 10 * time.Millisecond
	for d > 0 {
		step := min(slice, d)
		mock.Add(step)
		h.engine.Settle(settleTimeout)
		d -= step
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
