package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chainDB = `
package lab

record: src: {
	type: "calcout"
	fields: {
		CALC: "A * 2"
		FLNK: "dst"
	}
}
record: dst: {
	type: "calcout"
	fields: {
		CALC: "A + 1"
		INPA: "src"
	}
}
`

func TestRun_ForwardLinkChain(t *testing.T) {
	s := &Scenario{
		Name:     "chain",
		Database: chainDB,
		Steps: []Step{
			{Put: &PutStep{Record: "src", Field: "A", Value: 3}},
			{Expect: &ExpectStep{Record: "src", Field: "VAL", Value: 6}},
			{Expect: &ExpectStep{Record: "dst", Field: "VAL", Value: 7}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Record: "dst", Field: "VAL", Count: 1},
			{Type: AssertTraceOrder, Fields: []string{"src.VAL", "dst.VAL"}},
		},
	}
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	var forwards int
	for _, ev := range result.Trace {
		if ev.Kind == "forward" {
			forwards++
			assert.Equal(t, "src", ev.Record)
			assert.Equal(t, "dst", ev.Value)
		}
	}
	assert.Equal(t, 1, forwards)
	for i, ev := range result.Trace {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestRun_FailedExpectationsAreReported(t *testing.T) {
	s := &Scenario{
		Name:     "failing",
		Database: chainDB,
		Steps: []Step{
			{Put: &PutStep{Record: "src", Field: "A", Value: 1}},
			{Expect: &ExpectStep{Record: "src", Field: "VAL", Value: 99}},
			{Put: &PutStep{Record: "nope", Field: "A", Value: 1}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceContains, Record: "dst", Field: "HIHI"},
		},
	}
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "expect src.VAL = 99, got 2")
	assert.Contains(t, result.Errors[1], "put nope.A")
	assert.Contains(t, result.Errors[2], "trace_contains")
}

func TestRun_ConfigurationErrorsFailTheRun(t *testing.T) {
	s := &Scenario{
		Name: "bad_expr",
		Database: `
package lab

record: broken: {
	type: "calcout"
	fields: CALC: "A +"
}
`,
		Steps: []Step{{Process: "broken"}},
	}
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "configuration")
}

func TestRun_DatabaseLoadError(t *testing.T) {
	s := &Scenario{
		Name:     "unloadable",
		Database: "record: x: {type: \"ai\"}",
		Steps:    []Step{{Process: "x"}},
	}
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load database")
}

func TestRun_ExternalChannelSetPropagates(t *testing.T) {
	s := &Scenario{
		Name: "set",
		Database: `
package lab

record: watch: {
	type: "calcout"
	scan: "1 second"
	fields: {
		CALC: "A"
		INPA: "ext"
	}
}
`,
		Channels: map[string]ChannelSpec{"ext": {Value: 1, Connected: true}},
		Steps: []Step{
			{Scan: "1 second"},
			{Expect: &ExpectStep{Record: "watch", Field: "VAL", Value: 1}},
			{Set: &SetStep{Channel: "ext", Value: 5}},
			{Scan: "1 second"},
			{Sample: &SampleStep{Record: "watch", Fields: []string{"VAL"}}},
		},
	}
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Samples, 1)
	assert.Equal(t, Sample{Step: 4, Record: "watch", Field: "VAL", Value: 5.0}, result.Samples[0])
}

func TestLoadScenario_DatabaseDirIsRelative(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "db"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db", "x.cue"), []byte(chainDB), 0o644))
	path := filepath.Join(dir, "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: rel\ndatabase_dir: db\nsteps:\n  - process: src\n"), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "db"), s.DatabaseDir)
	require.NoError(t, CheckDatabase(s))

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestCheckDatabase_Missing(t *testing.T) {
	s := &Scenario{Name: "gone", DatabaseDir: filepath.Join(t.TempDir(), "missing")}
	err := CheckDatabase(s)
	var nf *DatabaseNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "gone", nf.Scenario)
}

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml", "c.txt", "golden/a.yaml"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}

	files, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yml")}, files)

	files, err = FindScenarios(dir, "b*")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.yml")}, files)

	files, err = FindScenarios(filepath.Join(dir, "c.txt"), "")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	_, err = FindScenarios(dir, "[")
	assert.Error(t, err)

	assert.Equal(t, filepath.Join(dir, "golden", "a.golden"), GoldenPath(filepath.Join(dir, "a.yaml")))
}
