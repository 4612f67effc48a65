package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var harnessScenarios = filepath.Join("..", "harness", "testdata", "scenarios")

func runTestCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(testRootOptions(format))
	cmd.SetOut(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

const passingScenario = `name: doubled
database: |
  record: calc1: {
  	type: "calcout"
  	fields: CALC: "A * 2"
  }
steps:
  - put: {record: calc1, field: A, value: 3}
  - expect: {record: calc1, field: VAL, value: 6}
  - sample: {record: calc1, fields: [VAL]}
`

func TestTestCommand_HarnessScenarios(t *testing.T) {
	out, err := runTestCmd(t, "text", harnessScenarios)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ hysteresis")
	assert.Contains(t, out, "✓ onchange_deadband")
	assert.Contains(t, out, "✓ reconnect")
	assert.Contains(t, out, "Test Summary: 3 passed, 0 failed, 3 total")
}

func TestTestCommand_Filter(t *testing.T) {
	out, err := runTestCmd(t, "json", "--filter", "hyst*", harnessScenarios)
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "hysteresis", resp.Data.Scenarios[0].Name)
	assert.Equal(t, "match", resp.Data.Scenarios[0].Golden)
}

func TestTestCommand_UpdateThenMatch(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "doubled.yaml")
	require.NoError(t, os.WriteFile(file, []byte(passingScenario), 0o644))

	out, err := runTestCmd(t, "text", file)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ doubled")

	out, err = runTestCmd(t, "text", "--update", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "(golden updated)")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "doubled.golden"))
	require.NoError(t, err)
	assert.Equal(t,
		`{"puts":{},"run_id":"test-run-default","samples":[{"field":"VAL","record":"calc1","step":2,"value":6}],"scenario":"doubled"}`,
		string(golden))

	out, err = runTestCmd(t, "json", file)
	require.NoError(t, err)
	assert.Contains(t, out, `"golden": "match"`)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "doubled.golden"), []byte("{}"), 0o644))
	out, err = runTestCmd(t, "text", file)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "snapshot does not match")
}

func TestTestCommand_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	bad := []byte(`name: wrong
database: |
  record: calc1: {type: "calcout", fields: CALC: "A"}
steps:
  - put: {record: calc1, field: A, value: 1}
  - expect: {record: calc1, field: VAL, value: 2}
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), bad, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [\n"), 0o644))

	out, err := runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong")
	assert.Contains(t, out, "expect calc1.VAL = 2, got 1")
	assert.Contains(t, out, "failed to load scenario")
	assert.Contains(t, out, "0 passed, 2 failed, 2 total")
}

func TestTestCommand_Paths(t *testing.T) {
	_, err := runTestCmd(t, "text", filepath.Join(t.TempDir(), "none"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := runTestCmd(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}
