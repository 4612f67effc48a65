package positioner

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/callback"
	"github.com/roach88/ioccore/internal/device"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/record"
)

type rig struct {
	t      *testing.T
	clk    *clock.Mock
	pool   *callback.Pool
	timers *callback.Timers
	lb     *link.Loopback
	env    *record.Env
}

func newRig(t *testing.T, opts ...device.SimMotorOption) *rig {
	t.Helper()
	g := &rig{t: t, clk: clock.NewMock(), lb: link.NewLoopback()}
	g.pool = callback.NewPool()
	g.timers = callback.NewTimers(g.clk, g.pool)
	devices := device.NewRegistry()
	devices.Register(Name, device.SimMotorDTYP, device.SimMotorFactory(opts...))
	g.env = &record.Env{Clock: g.clk, Jobs: g.pool, Timers: g.timers, Devices: devices}
	return g
}

func (g *rig) record(fields map[string]any) *record.Record {
	g.t.Helper()
	r := record.New("m1", New(), g.env)
	require.NoError(g.t, r.Configure(record.Def{Fields: fields}))
	require.NoError(g.t, r.Init(link.Resolver{Remote: g.lb}))
	return r
}

// run advances the clock in steps until the record is idle.
func (g *rig) run(r *record.Record, step time.Duration) {
	g.t.Helper()
	for i := 0; i < 20 && r.Phase() != record.PhaseIdle; i++ {
		g.clk.Add(step)
		require.True(g.t, callback.Settle(g.timers, g.pool, 2*time.Second))
	}
	require.Equal(g.t, record.PhaseIdle, r.Phase())
}

func get(t *testing.T, r *record.Record, field string) any {
	t.Helper()
	v, err := r.Get(field)
	require.NoError(t, err)
	return v
}

func TestPositioner_MoveCompletes(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"VELO": 2, "RDBD": 0.01})

	require.NoError(t, r.Put("VAL", 4))
	assert.Equal(t, record.PhaseAwaitingAsync, r.Phase())
	assert.Equal(t, false, get(t, r, "DMOV"))
	assert.Equal(t, true, get(t, r, "MOVN"))
	assert.Equal(t, true, get(t, r, "POSM"))

	g.clk.Add(1999 * time.Millisecond)
	require.True(t, callback.Settle(g.timers, g.pool, 2*time.Second))
	assert.Equal(t, record.PhaseAwaitingAsync, r.Phase(), "a 4 mm move at 2 mm/s takes 2 s")

	g.run(r, time.Millisecond)
	assert.Equal(t, 4.0, get(t, r, "RBV"))
	assert.Equal(t, true, get(t, r, "DMOV"))
	assert.Equal(t, false, get(t, r, "MOVN"))
	assert.Equal(t, 0, get(t, r, "RCNT"))
	assert.Equal(t, 0.0, get(t, r, "DIFF"))
}

func TestPositioner_RetriesUntilBudgetSpent(t *testing.T) {
	g := newRig(t, device.WithStepLoss(0.5))
	r := g.record(map[string]any{
		"VELO": 10, "RDBD": 0.1, "RTRY": 3,
		"HIGH": 0.5, "HSV": "MINOR",
	})

	require.NoError(t, r.Put("VAL", 10))
	g.run(r, time.Second)

	// Each attempt covers half the remaining distance.
	assert.Equal(t, 9.375, get(t, r, "RBV"))
	assert.Equal(t, 3, get(t, r, "RCNT"))
	assert.InDelta(t, 0.625, get(t, r, "MISS"), 1e-9)
	assert.InDelta(t, 0.625, get(t, r, "DIFF"), 1e-9)
	assert.Equal(t, true, get(t, r, "DMOV"))
	assert.Equal(t, alarm.Minor, r.Alarm().Severity)
	assert.Equal(t, alarm.StatusHigh, r.Alarm().Status)
}

func TestPositioner_WithinDeadbandDoesNotRetry(t *testing.T) {
	g := newRig(t, device.WithStepLoss(0.01))
	r := g.record(map[string]any{"VELO": 10, "RDBD": 0.5, "RTRY": 3})

	require.NoError(t, r.Put("VAL", 10))
	g.run(r, time.Second)
	assert.Equal(t, 0, get(t, r, "RCNT"))
	assert.InDelta(t, 9.9, get(t, r, "RBV"), 1e-9)
}

func TestPositioner_StopAbortsAndSuppressesRetries(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"VELO": 1, "RDBD": 0.1, "RTRY": 5})

	require.NoError(t, r.Put("VAL", 10))
	g.clk.Add(4 * time.Second)
	require.True(t, callback.Settle(g.timers, g.pool, 2*time.Second))
	require.Equal(t, record.PhaseAwaitingAsync, r.Phase())

	require.NoError(t, r.Put("STOP", true))
	g.run(r, time.Millisecond)

	assert.InDelta(t, 4.0, get(t, r, "RBV"), 1e-9)
	assert.InDelta(t, 6.0, get(t, r, "MISS"), 1e-9)
	assert.Equal(t, true, get(t, r, "DMOV"))
	assert.Equal(t, 0, g.timers.Armed(), "no retry was scheduled")
}

func TestPositioner_DisabledAxis(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"VELO": 1})
	r.Device().(*device.SimMotor).SetEnabled(false)

	require.NoError(t, r.Put("VAL", 5))
	assert.Equal(t, record.PhaseIdle, r.Phase())
	assert.Equal(t, alarm.Invalid, r.Alarm().Severity)
	assert.Equal(t, alarm.StatusWrite, r.Alarm().Status)
	assert.Equal(t, true, get(t, r, "DMOV"))
}

func TestPositioner_DriveLimits(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"VELO": 10, "DRVL": -1, "DRVH": 2})

	require.NoError(t, r.Put("VAL", 5))
	g.run(r, time.Second)
	assert.Equal(t, 2.0, r.Val())
	assert.Equal(t, 2.0, get(t, r, "RBV"))

	hi, lo := r.DisplayLimits()
	assert.Equal(t, -1.0, lo)
	assert.Equal(t, 2.0, hi)
	assert.Equal(t, "mm", r.Units())
}

func TestPositioner_ClosedLoop(t *testing.T) {
	g := newRig(t)
	g.lb.Connect("setpoint", true)
	g.lb.Set("setpoint", link.Sample{Value: 3})
	r := g.record(map[string]any{"VELO": 10, "OMSL": "closed_loop", "DOL": "setpoint"})

	r.Process()
	g.run(r, time.Second)
	assert.Equal(t, 3.0, r.Val())
	assert.Equal(t, 3.0, get(t, r, "RBV"))
}

func TestPositioner_NewTargetDuringMoveIsReplayed(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"VELO": 1})

	require.NoError(t, r.Put("VAL", 1))
	require.NoError(t, r.Put("VAL", 3))
	g.run(r, time.Second)
	require.True(t, callback.Settle(g.timers, g.pool, 2*time.Second))
	g.run(r, time.Second)

	assert.Equal(t, 3.0, get(t, r, "RBV"))
	assert.Equal(t, 3.0, get(t, r, "LVAL"))
}

func TestPositioner_VelocityMode(t *testing.T) {
	g := newRig(t)
	r := g.record(map[string]any{"MODE": "velocity", "ACCL": 1, "VELO": 5})
	m := r.Device().(*device.SimMotor)
	assert.Equal(t, device.VelocityMode, m.Mode())
	assert.Equal(t, "velocity", get(t, r, "CMOD"))
	assert.Equal(t, true, get(t, r, "INIT"))
	assert.Equal(t, 0.0, get(t, r, "VELO"), "a velocity axis starts at rest")

	require.NoError(t, r.Put("VAL", 2))
	assert.Equal(t, record.PhaseIdle, r.Phase(), "velocity commands complete at once")
	assert.Equal(t, 2.0, get(t, r, "VELO"))
	assert.Equal(t, true, get(t, r, "MOVN"))
	assert.Equal(t, false, get(t, r, "DMOV"))
	assert.Equal(t, 0.0, get(t, r, "RBV"), "the ramp has only started")

	g.clk.Add(2 * time.Second)
	r.Process()
	assert.Equal(t, 2.0, get(t, r, "RBV"))
	assert.Equal(t, 0.0, get(t, r, "DIFF"))
	assert.InDelta(t, 3.0, m.PositionAt(g.clk.Now()), 1e-9)

	require.NoError(t, r.Put("STOP", true))
	assert.Equal(t, 0.0, r.Val())
	assert.Equal(t, false, get(t, r, "MOVN"))
	assert.Equal(t, true, get(t, r, "DMOV"))

	g.clk.Add(time.Second)
	r.Process()
	assert.Equal(t, 0.0, get(t, r, "RBV"))
	assert.InDelta(t, 4.0, m.PositionAt(g.clk.Now()), 1e-9)
}

func TestPositioner_AxisInitialisationRetried(t *testing.T) {
	g := newRig(t, device.WithDisabled())
	r := g.record(map[string]any{"MODE": "velocity"})
	assert.Equal(t, false, get(t, r, "INIT"))

	require.NoError(t, r.Put("VAL", 1))
	assert.Equal(t, alarm.Invalid, r.Alarm().Severity)
	assert.Equal(t, alarm.StatusWrite, r.Alarm().Status)
	assert.Equal(t, false, get(t, r, "INIT"))
	assert.Equal(t, 0.0, get(t, r, "VELO"))

	r.Device().(*device.SimMotor).SetEnabled(true)
	r.Process()
	assert.Equal(t, true, get(t, r, "INIT"))
	assert.Equal(t, 1.0, get(t, r, "VELO"))
	assert.Equal(t, 1.0, get(t, r, "RBV"))
	assert.Equal(t, alarm.NoAlarm, r.Alarm().Severity)
}

func TestPositioner_ModeChangeReinitialisesAxis(t *testing.T) {
	g := newRig(t, device.WithPosition(2))
	r := g.record(map[string]any{"VELO": 10, "MRES": 100})
	assert.Equal(t, 2.0, get(t, r, "RBV"))

	require.NoError(t, r.Put("VAL", 3.004))
	g.run(r, time.Second)
	assert.Equal(t, 300.0, get(t, r, "RVAL"))
	assert.Equal(t, 3.0, get(t, r, "RBV"), "the axis moves in whole steps")
	assert.Equal(t, true, get(t, r, "DMOV"))

	require.NoError(t, r.Put("MODE", "velocity"))
	assert.Equal(t, "position", get(t, r, "CMOD"), "the new mode waits for the next pass")

	require.NoError(t, r.Put("VAL", 0.5))
	assert.Equal(t, record.PhaseIdle, r.Phase())
	assert.Equal(t, "velocity", get(t, r, "CMOD"))
	assert.Equal(t, device.VelocityMode, r.Device().(*device.SimMotor).Mode())
	assert.Equal(t, 0.5, get(t, r, "VELO"))
	assert.Equal(t, 50.0, get(t, r, "RVAL"))
	assert.Equal(t, 0.5, get(t, r, "RBV"))
}
