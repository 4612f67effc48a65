package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ioccore/internal/record"
)

func writeDB(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	}
	return dir
}

func loadCodes(errs []error) []string {
	var codes []string
	for _, err := range errs {
		var le *LoadError
		if errors.As(err, &le) {
			codes = append(codes, le.Code)
		}
	}
	return codes
}

func TestLoad(t *testing.T) {
	dir := writeDB(t, map[string]string{
		"ramp.cue": `
package lab

record: ramp: {
	type: "calcout"
	scan: "1 second"
	desc: "counts up"
	fields: {CALC: "A + 1", INPA: "ramp", ODLY: 0.5, PREC: 3}
}
`,
		"motor.cue": `
package lab

record: m1: {
	type: "positioner"
	dtyp: "Sim Motor"
	pini: true
	fields: {VELO: 2, RDBD: 0.01, OMSL: "supervisory", STOP: false}
}
`,
	})

	res, errs := Load(dir, LoadModeCollectAll)
	require.Empty(t, errs)
	assert.Equal(t, 2, res.FileCount)
	require.Len(t, res.Defs, 2)

	assert.Equal(t, record.Def{
		Name: "m1", Type: "positioner", DTYP: "Sim Motor", PINI: true,
		Fields: map[string]any{"VELO": 2, "RDBD": 0.01, "OMSL": "supervisory", "STOP": false},
	}, res.Defs[0])
	assert.Equal(t, record.Def{
		Name: "ramp", Type: "calcout", Scan: "1 second", Desc: "counts up",
		Fields: map[string]any{"CALC": "A + 1", "INPA": "ramp", "ODLY": 0.5, "PREC": 3},
	}, res.Defs[1])
}

func TestLoad_DirectoryErrors(t *testing.T) {
	_, errs := Load(filepath.Join(t.TempDir(), "missing"), LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeNotFound}, loadCodes(errs))

	file := filepath.Join(t.TempDir(), "db.cue")
	require.NoError(t, os.WriteFile(file, []byte(`record: {}`), 0o644))
	_, errs = Load(file, LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeNotFound}, loadCodes(errs))

	_, errs = Load(t.TempDir(), LoadModeFailFast)
	assert.Equal(t, []string{ErrCodeNoFiles}, loadCodes(errs))
}

func TestLoad_NoRecords(t *testing.T) {
	dir := writeDB(t, map[string]string{"empty.cue": "package lab\n\nother: 1\n"})
	_, errs := Load(dir, LoadModeCollectAll)
	assert.Equal(t, []string{ErrCodeNoRecords}, loadCodes(errs))
}

func TestLoad_SyntaxError(t *testing.T) {
	dir := writeDB(t, map[string]string{"bad.cue": "package lab\n\nrecord: x: {type: \"calcout\"\n"})
	_, errs := Load(dir, LoadModeCollectAll)
	require.Len(t, errs, 1)
	assert.Equal(t, []string{ErrCodeLoadFailed}, loadCodes(errs))
}

const mixedDB = `
record: good: {type: "calcout", fields: CALC: "1"}
record: badtype: {type: "ai"}
record: badscan: {type: "wait", scan: "sometimes"}
record: extra: {type: "calcout", colour: "red"}
record: "a.b": {type: "calcout"}
`

func TestLoadSource_CollectAll(t *testing.T) {
	res, errs := LoadSource("mixed.cue", mixedDB, LoadModeCollectAll)
	require.NotNil(t, res)
	require.Len(t, res.Defs, 1)
	assert.Equal(t, "good", res.Defs[0].Name)

	require.Len(t, errs, 4)
	for _, code := range loadCodes(errs) {
		assert.Equal(t, ErrCodeBadRecord, code)
	}
	joined := errors.Join(errs...).Error()
	for _, name := range []string{"badtype", "badscan", "extra", "a.b"} {
		assert.Contains(t, joined, name)
	}
}

func TestLoadSource_FailFast(t *testing.T) {
	_, errs := LoadSource("mixed.cue", mixedDB, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoadSource_BadFieldName(t *testing.T) {
	_, errs := LoadSource("db.cue", `record: r: {type: "calcout", fields: calc: "1"}`, LoadModeCollectAll)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "r")
}

func TestLoadSource_ScanForms(t *testing.T) {
	for _, scan := range []string{"Passive", "I/O Intr", "1 second", "0.1 second", "10 second"} {
		t.Run(scan, func(t *testing.T) {
			res, errs := LoadSource("db.cue", `record: r: {type: "calcout", scan: "`+scan+`"}`, LoadModeFailFast)
			require.Empty(t, errs)
			assert.Equal(t, scan, res.Defs[0].Scan)
		})
	}
}

func TestLoadError_Format(t *testing.T) {
	err := &LoadError{Code: ErrCodeNoFiles, Message: "no CUE files found in x"}
	assert.Equal(t, "E003: no CUE files found in x", err.Error())

	ce := &CompileError{Record: "r", Field: "CALC", Message: "bad"}
	assert.Equal(t, "r.CALC: bad", ce.Error())
	assert.Equal(t, ErrCodeBadField, convertCompileError(ce).Code)
}
