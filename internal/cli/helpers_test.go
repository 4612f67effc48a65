package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ioccore/internal/config"
)

const validDB = `
package lab

record: src: {
	type: "calcout"
	pini: true
	fields: {
		CALC: "A * 2"
		A:    4
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
record: other: {
	type: "wait"
	scan: "1 second"
	fields: CALC: "1"
}
`

// writeDB writes files into a fresh database directory.
func writeDB(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "db")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, src := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
	}
	return dir
}

// testRootOptions skips environment loading.
func testRootOptions(format string) *RootOptions {
	return &RootOptions{
		Format: format,
		Settings: &config.Settings{
			Workers:       2,
			CheckInterval: time.Second,
			DelayLimit:    time.Minute,
			NATSPrefix:    "ioc",
		},
	}
}
