package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_Scenarios(t *testing.T) {
	files, err := FindScenarios(filepath.Join("testdata", "scenarios"), "")
	require.NoError(t, err)
	require.Len(t, files, 3)

	for _, file := range files {
		s, err := LoadScenario(file)
		require.NoError(t, err)
		t.Run(s.Name, func(t *testing.T) {
			// Regenerate with:
			//   go test ./internal/harness -run TestRunWithGolden_Scenarios -update
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestSnapshot_Canonical(t *testing.T) {
	s := &Scenario{Name: "snap"}
	r := NewResult()
	r.Samples = append(r.Samples,
		Sample{Step: 0, Record: "calc1", Field: "VAL", Value: 1.5},
		Sample{Step: 2, Record: "calc1", Field: "SEVR", Value: "MINOR"},
	)
	r.Puts["dest"] = []float64{1, 2.25}

	data, err := Snapshot(s, r)
	require.NoError(t, err)
	assert.Equal(t,
		`{"puts":{"dest":[1,2.25]},"run_id":"test-run-default","samples":[{"field":"VAL","record":"calc1","step":0,"value":1.5},{"field":"SEVR","record":"calc1","step":2,"value":"MINOR"}],"scenario":"snap"}`,
		string(data))

	s.RunID = "custom"
	data, err = Snapshot(s, NewResult())
	require.NoError(t, err)
	assert.Equal(t, `{"puts":{},"run_id":"custom","samples":[],"scenario":"snap"}`, string(data))
}
