package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/ioccore/internal/store"
	"github.com/roach88/ioccore/internal/testutil"
)

// GoldenDir holds the golden files of the package's scenarios, next to
// the scenario files as GoldenPath expects.
const GoldenDir = "testdata/scenarios/golden"

// Snapshot is the golden-file form of a run: the sampled values and the
// channel puts, in canonical JSON. The raw trace is left out so incidental
// posts do not churn golden files.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	samples := make([]any, len(result.Samples))
	for i, s := range result.Samples {
		samples[i] = map[string]any{
			"step":   s.Step,
			"record": s.Record,
			"field":  s.Field,
			"value":  s.Value,
		}
	}
	puts := make(map[string]any, len(result.Puts))
	for name, values := range result.Puts {
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		puts[name] = list
	}
	runID := scenario.RunID
	if runID == "" {
		runID = testutil.DefaultRunID
	}
	return store.MarshalValue(map[string]any{
		"scenario": scenario.Name,
		"run_id":   runID,
		"samples":  samples,
		"puts":     puts,
	})
}

// RunWithGolden runs a scenario, fails t on any scenario error, and
// compares its snapshot with <GoldenDir>/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}
	return result, AssertGolden(t, scenario, result)
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()
	data, err := Snapshot(scenario, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
