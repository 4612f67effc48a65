package calcout

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/callback"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
	"github.com/roach88/ioccore/internal/record"
)

type rig struct {
	t      *testing.T
	clk    *clock.Mock
	pool   *callback.Pool
	timers *callback.Timers
	lb     *link.Loopback
	env    *record.Env

	mu    sync.Mutex
	posts []monitor.Post
}

func newRig(t *testing.T) *rig {
	t.Helper()
	g := &rig{t: t, clk: clock.NewMock(), lb: link.NewLoopback()}
	g.pool = callback.NewPool()
	g.timers = callback.NewTimers(g.clk, g.pool)
	g.env = &record.Env{
		Clock:  g.clk,
		Jobs:   g.pool,
		Timers: g.timers,
		Observer: monitor.ObserverFunc(func(p monitor.Post) {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.posts = append(g.posts, p)
		}),
	}
	g.lb.Connect("dest", true)
	return g
}

func (g *rig) record(fields map[string]any) *record.Record {
	g.t.Helper()
	return g.recordDTYP("", fields)
}

func (g *rig) recordDTYP(dtyp string, fields map[string]any) *record.Record {
	g.t.Helper()
	r := record.New("calc1", New(), g.env)
	require.NoError(g.t, r.Configure(record.Def{DTYP: dtyp, Fields: fields}))
	require.NoError(g.t, r.Init(link.Resolver{Remote: g.lb}))
	return r
}

func (g *rig) settle() {
	g.t.Helper()
	require.True(g.t, callback.Settle(g.timers, g.pool, 2*time.Second))
}

func (g *rig) fieldPosts(field string) []monitor.Post {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []monitor.Post
	for _, p := range g.posts {
		if p.Field == field {
			out = append(out, p)
		}
	}
	return out
}

func get(t *testing.T, r *record.Record, field string) any {
	t.Helper()
	v, err := r.Get(field)
	require.NoError(t, err)
	return v
}

func TestCalcout_OnChangeUsesLastOutputBaseline(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"CALC": "A", "OOPT": "On Change", "MDEL": 0.5, "OUT": "dest"})

	for _, v := range []float64{0, 0.3, 0.6} {
		require.NoError(t, r.Put("A", v))
	}
	assert.Equal(t, []float64{0.6}, g.lb.Puts("dest"))
	assert.Equal(t, 0.6, get(t, r, "OVAL"))
}

func TestCalcout_HysteresisSequence(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"CALC": "A", "HIHI": 10, "HHSV": "MAJOR", "HYST": 1})

	var sevs []alarm.Severity
	for _, v := range []float64{9, 10.5, 9.5, 8.9} {
		require.NoError(t, r.Put("A", v))
		sevs = append(sevs, r.Alarm().Severity)
	}
	assert.Equal(t, []alarm.Severity{alarm.NoAlarm, alarm.Major, alarm.Major, alarm.NoAlarm}, sevs)
}

func TestCalcout_OutputPolicies(t *testing.T) {
	tests := []struct {
		oopt  string
		input []float64
		want  []float64
	}{
		{"Every Time", []float64{1, 1, 2}, []float64{1, 1, 2}},
		{"Transition To Zero", []float64{1, 0, 0, 2, 0}, []float64{0, 0}},
		{"Transition To Non-zero", []float64{0, 3, 4, 0, 5}, []float64{3, 5}},
		{"When Zero", []float64{0, 1, 0}, []float64{0, 0}},
		{"When Non-zero", []float64{0, 1, 2}, []float64{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.oopt, func(t *testing.T) {
			g := newRig(t)
			r := g.record(map[string]any{"CALC": "A", "OOPT": tt.oopt, "OUT": "dest"})
			for _, v := range tt.input {
				require.NoError(t, r.Put("A", v))
			}
			assert.Equal(t, tt.want, g.lb.Puts("dest"))
		})
	}
}

func TestCalcout_OCAL(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"CALC": "A", "DOPT": "Use OCAL", "OCAL": "A * 10", "OUT": "dest"})

	require.NoError(t, r.Put("A", 2))
	assert.Equal(t, 2.0, r.Val())
	assert.Equal(t, []float64{20}, g.lb.Puts("dest"))
}

func TestCalcout_InvalidOutputAction(t *testing.T) {
	tests := []struct {
		ivoa string
		want []float64
	}{
		{"Continue normally", []float64{0}},
		{"Don't drive outputs", nil},
		{"Set output to IVOV", []float64{-1}},
	}
	for _, tt := range tests {
		t.Run(tt.ivoa, func(t *testing.T) {
			g := newRig(t)
			r := g.record(map[string]any{"CALC": "A / B", "IVOA": tt.ivoa, "IVOV": -1, "OUT": "dest"})

			require.NoError(t, r.Put("A", 1))
			assert.Equal(t, alarm.Invalid, r.Alarm().Severity)
			assert.Equal(t, alarm.StatusCalc, r.Alarm().Status)
			assert.Equal(t, tt.want, g.lb.Puts("dest"))
		})
	}
}

func TestCalcout_OutputDelay(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"CALC": "A", "ODLY": 1.5, "OUT": "dest"})

	require.NoError(t, r.Put("A", 3))
	assert.Equal(t, record.PhaseOutputDelay, r.Phase())
	assert.Equal(t, true, get(t, r, "DLYA"))
	assert.Empty(t, g.lb.Puts("dest"))

	// Arrives during the delay: coalesced, replayed once.
	require.NoError(t, r.Put("A", 4))
	require.NoError(t, r.Put("A", 5))

	g.clk.Add(1500 * time.Millisecond)
	g.settle()
	assert.Equal(t, []float64{3}, g.lb.Puts("dest"))
	assert.Equal(t, record.PhaseOutputDelay, r.Phase(), "replayed pass is delayed too")

	g.clk.Add(1500 * time.Millisecond)
	g.settle()
	assert.Equal(t, []float64{3, 5}, g.lb.Puts("dest"))
	assert.Equal(t, record.PhaseIdle, r.Phase())
	assert.Equal(t, false, get(t, r, "DLYA"))
}

func TestCalcout_AsyncDevice(t *testing.T) {
	g := newRig(t)
	r := g.recordDTYP("Async Soft Channel", map[string]any{"CALC": "A", "OUT": "dest"})

	require.NoError(t, r.Put("A", 5))
	assert.Equal(t, record.PhaseAwaitingAsync, r.Phase())
	assert.True(t, r.Active())
	assert.Empty(t, g.fieldPosts("VAL"), "monitors wait for the end of the pass")

	g.settle()
	assert.Equal(t, record.PhaseIdle, r.Phase())
	assert.Equal(t, []float64{5}, g.lb.Puts("dest"))
	require.Len(t, g.fieldPosts("VAL"), 1)
}

func TestCalcout_WriteFailureRaisesInvalid(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"CALC": "A", "OUT": "nowhere"})

	require.NoError(t, r.Put("A", 1))
	assert.Equal(t, alarm.Invalid, r.Alarm().Severity)
	assert.Equal(t, alarm.StatusWrite, r.Alarm().Status)
	assert.Equal(t, record.PhaseIdle, r.Phase())
	assert.Equal(t, 1.0, r.Val())
}

func TestCalcout_RemoteInputReconnects(t *testing.T) {
	g := newRig(t)
	g.lb.Set("src", link.Sample{Value: 41})
	r := g.record(map[string]any{"CALC": "A + 1", "INPA": "src"})

	assert.Equal(t, "Ext PV NC", get(t, r, "INAV"))
	assert.True(t, r.Tracker().Scheduled())

	r.Process()
	assert.Equal(t, alarm.Invalid, r.Alarm().Severity)
	assert.Equal(t, alarm.StatusLink, r.Alarm().Status)
	assert.Equal(t, 0.0, r.Val(), "calculation skipped while the input is stale")

	g.lb.Connect("src", true)
	g.clk.Add(link.DefaultCheckInterval)
	g.settle()
	assert.Equal(t, "Ext PV OK", get(t, r, "INAV"))
	assert.False(t, r.Tracker().Scheduled())
	require.NotEmpty(t, g.fieldPosts("INAV"))

	r.Process()
	assert.Equal(t, 42.0, r.Val())
	assert.Equal(t, alarm.NoAlarm, r.Alarm().Severity)
}

func TestCalcout_BadExpressionIsConfigError(t *testing.T) {
	g := newRig(t)
	r := record.New("broken", New(), g.env)
	require.NoError(t, r.Configure(record.Def{Fields: map[string]any{"CALC": "A +"}}))

	err := r.Init(link.Resolver{Remote: g.lb})
	require.Error(t, err)
	var ce *record.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, record.ErrCodeBadExpression, ce.Code)
	assert.True(t, r.Inert())
}

func TestCalcout_RuntimeCALCChange(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"CALC": "A"})

	require.NoError(t, r.Put("CALC", "A * 2"))
	require.NoError(t, r.Put("A", 4))
	assert.Equal(t, 8.0, r.Val())
	assert.Equal(t, 0, get(t, r, "CLCV"))

	require.NoError(t, r.Put("CALC", "A +"))
	assert.Equal(t, 1, get(t, r, "CLCV"))
	require.NoError(t, r.Put("A", 1))
	assert.Equal(t, alarm.StatusCalc, r.Alarm().Status)
}

func TestCalcout_InputMonitors(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"CALC": "A + B"})

	require.NoError(t, r.Put("A", 1))
	require.NoError(t, r.Put("A", 1))

	// One post from each put, one from the first pass only.
	assert.Len(t, g.fieldPosts("A"), 3)
	// The first pass clears UDF, and an alarm change posts every input.
	assert.Len(t, g.fieldPosts("B"), 1)
	assert.Equal(t, 1.0, get(t, r, "LA"))
}
