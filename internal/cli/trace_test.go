package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ioccore/internal/engine"
	"github.com/roach88/ioccore/internal/record"
	"github.com/roach88/ioccore/internal/store"
	"github.com/roach88/ioccore/internal/testutil"
)

// seedEventLog records one run of a two-record chain.
func seedEventLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	eng := engine.New([]record.Def{
		{Name: "a", Type: "calcout", Fields: map[string]any{"CALC": "A", "A": 2, "FLNK": "b"}},
		{Name: "b", Type: "calcout", Fields: map[string]any{"CALC": "A * 10", "INPA": "a"}},
	},
		engine.WithClock(testutil.NewMockClock()),
		engine.WithStore(st),
		engine.WithSource("chain"),
		engine.WithRunIDGenerator(engine.NewFixedGenerator("run-a")),
	)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Database().Process("a"))
	require.NoError(t, eng.Close())
	return path
}

func trace(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(testRootOptions(format))
	cmd.SetOut(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTrace_Text(t *testing.T) {
	path := seedEventLog(t)

	out, err := trace(t, "text", "--db", path, "--state")
	require.NoError(t, err)
	assert.Contains(t, out, "Trace for run: run-a")
	assert.Contains(t, out, "Source: chain (2 records)")
	assert.Contains(t, out, "FLNK a -> b")
	assert.Contains(t, out, "POST b.VAL = 20")
	assert.Contains(t, out, "=== State ===")
	assert.Contains(t, out, "  b.VAL = 20\n")
	assert.Contains(t, out, "Forwards: 1")
}

func TestTrace_JSONFilters(t *testing.T) {
	path := seedEventLog(t)

	out, err := trace(t, "json", "--db", path, "--run", "run-a", "--record", "b", "--field", "VAL", "--state")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-a", resp.Data.Run.ID)
	require.Len(t, resp.Data.Events, 1)
	assert.Equal(t, 20.0, resp.Data.Events[0].Value)
	for _, f := range resp.Data.State {
		assert.Equal(t, "b", f.Record)
	}
	assert.Equal(t, 1, resp.Data.Stats.Forwards)
	assert.Greater(t, resp.Data.Stats.Events, 1, "stats cover the whole run")
}

func TestTrace_LimitAndAfter(t *testing.T) {
	path := seedEventLog(t)

	out, err := trace(t, "json", "--db", path, "--after", "1", "--limit", "2")
	require.NoError(t, err)
	var resp struct {
		Data TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Events, 2)
	assert.Equal(t, int64(2), resp.Data.Events[0].Seq)
	assert.Equal(t, int64(3), resp.Data.Events[1].Seq)
}

func TestTrace_UnknownRun(t *testing.T) {
	path := seedEventLog(t)
	_, err := trace(t, "text", "--db", path, "--run", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `run "nope" not found`)
}

func TestTrace_EmptyLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	out, err := trace(t, "text", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")
}

func TestTrace_RequiresDB(t *testing.T) {
	_, err := trace(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
