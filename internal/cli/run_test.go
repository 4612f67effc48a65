package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ioccore/internal/engine"
	"github.com/roach88/ioccore/internal/store"
)

const badExprDB = `
package lab

record: expr: {
	type: "calcout"
	fields: CALC: "A +"
}
`

// runFor executes the run command until timeout.
func runFor(t *testing.T, timeout time.Duration, opts *RunOptions, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	buf := &bytes.Buffer{}
	cmd := newRunCommand(opts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	cmd.SetContext(ctx)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRun_WritesEventLog(t *testing.T) {
	dir := writeDB(t, map[string]string{"db.cue": validDB})
	dbPath := filepath.Join(t.TempDir(), "events.db")

	opts := &RunOptions{RootOptions: testRootOptions("text"), RunIDs: engine.NewFixedGenerator("run-cli")}
	out, err := runFor(t, 300*time.Millisecond, opts, "--db", dbPath, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "IOC running: 3 record(s), run run-cli")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	run, err := st.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-cli", run.ID)
	assert.Equal(t, dir, run.Source)
	assert.Equal(t, 3, run.Records)

	events, err := st.ReadEvents(ctx, store.Query{RunID: "run-cli", Record: "dst", Field: "VAL"})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, 9.0, events[len(events)-1].Value, "PINI src forwards to dst")
}

func TestRun_MissingDirectory(t *testing.T) {
	opts := &RunOptions{RootOptions: testRootOptions("text")}
	_, err := runFor(t, time.Second, opts, filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load database")
}

func TestRun_StrictRejectsConfigurationErrors(t *testing.T) {
	dir := writeDB(t, map[string]string{"db.cue": badExprDB})

	opts := &RunOptions{RootOptions: testRootOptions("text")}
	_, err := runFor(t, time.Second, opts, "--strict", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "strict mode")

	opts = &RunOptions{RootOptions: testRootOptions("text")}
	_, err = runFor(t, 100*time.Millisecond, opts, dir)
	assert.NoError(t, err, "lenient runs keep going")
}

func TestRun_InvalidWorkers(t *testing.T) {
	dir := writeDB(t, map[string]string{"db.cue": validDB})
	opts := &RunOptions{RootOptions: testRootOptions("text")}
	_, err := runFor(t, time.Second, opts, "--workers", "0", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "IOC_WORKERS")
}

func TestRun_FlagsOverrideSettings(t *testing.T) {
	root := testRootOptions("text")
	root.Settings.EventDB = "from-env.db"
	root.Settings.NATSPrefix = "env"

	opts := &RunOptions{RootOptions: root}
	cmd := newRunCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--nats-prefix", "flag", "--workers", "8"}))

	s := opts.effective(cmd, root.Settings)
	assert.Equal(t, "from-env.db", s.EventDB)
	assert.Equal(t, "flag", s.NATSPrefix)
	assert.Equal(t, 8, s.Workers)
	assert.Equal(t, "env", root.Settings.NATSPrefix, "settings are not modified")
}

func TestRun_OverNATS(t *testing.T) {
	ns, err := server.NewServer(&server.Options{Port: -1})
	require.NoError(t, err)
	ns.Start()
	require.True(t, ns.ReadyForConnections(2*time.Second))
	t.Cleanup(ns.Shutdown)

	dir := writeDB(t, map[string]string{"db.cue": validDB})
	opts := &RunOptions{RootOptions: testRootOptions("text")}
	out, err := runFor(t, 300*time.Millisecond, opts, "--nats-url", ns.ClientURL(), "--nats-prefix", "clitest", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "IOC running")
}

func TestRun_NATSUnreachable(t *testing.T) {
	dir := writeDB(t, map[string]string{"db.cue": validDB})
	opts := &RunOptions{RootOptions: testRootOptions("text")}
	_, err := runFor(t, 2*time.Second, opts, "--nats-url", "nats://127.0.0.1:1", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}
