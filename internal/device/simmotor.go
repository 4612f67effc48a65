package device

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/roach88/ioccore/internal/callback"
)

var (
	// ErrAxisDisabled is returned when a disabled axis is commanded.
	ErrAxisDisabled = errors.New("axis disabled")
	// ErrAxisMode is returned when a command does not match the axis mode.
	ErrAxisMode = errors.New("command does not match axis mode")
)

// AxisMode selects how an axis is commanded.
type AxisMode int

const (
	// PositionMode moves to the record's VAL.
	PositionMode AxisMode = iota
	// VelocityMode runs continuously at a commanded velocity.
	VelocityMode
)

// Axis is implemented by motor supports the positioner record drives
// directly. Configure runs the axis initialisation sequence for a mode and
// Jog sets the velocity in VelocityMode.
type Axis interface {
	Configure(t Target, mode AxisMode) error
	Jog(t Target, velocity float64) error
}

// DefaultVelocity is used when the record's VELO is not positive.
const DefaultVelocity = 1.0

// SimMotor simulates one axis. A move to the record's VAL takes
// |distance|/VELO seconds plus ACCL seconds of ramp on the timer service,
// and targets are rounded to whole steps of MRES steps per unit. A fraction
// of each move can be lost to exercise retries. STOP aborts at the
// interpolated position.
//
// In VelocityMode the axis ramps linearly to each jog velocity over ACCL
// seconds and Read returns the current velocity.
type SimMotor struct {
	loss float64

	mu       sync.Mutex
	mode     AxisMode
	pos      float64
	disabled bool
	moving   bool
	from     float64
	to       float64
	started  time.Time
	duration time.Duration
	handle   callback.Handle

	// Velocity ramp, anchored at pos.
	jogFrom float64
	jogTo   float64
	jogAt   time.Time
	ramp    time.Duration
}

var _ Axis = (*SimMotor)(nil)

// SimMotorOption configures a SimMotor.
type SimMotorOption func(*SimMotor)

// WithStepLoss makes every move fall short by frac of its distance.
func WithStepLoss(frac float64) SimMotorOption {
	return func(m *SimMotor) {
		m.loss = frac
	}
}

// WithPosition sets the starting position.
func WithPosition(pos float64) SimMotorOption {
	return func(m *SimMotor) {
		m.pos = pos
	}
}

// WithDisabled starts the axis disabled.
func WithDisabled() SimMotorOption {
	return func(m *SimMotor) {
		m.disabled = true
	}
}

// NewSimMotor creates a simulated axis.
func NewSimMotor(opts ...SimMotorOption) *SimMotor {
	m := &SimMotor{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SimMotorFactory returns a Factory producing configured axes.
func SimMotorFactory(opts ...SimMotorOption) Factory {
	return func() Support { return NewSimMotor(opts...) }
}

// SetEnabled enables or disables the axis.
func (m *SimMotor) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = !enabled
}

// Position returns the position reached by the last move. In VelocityMode
// it is the position at the last velocity change; see PositionAt.
func (m *SimMotor) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// PositionAt returns the position at now, following the velocity ramp.
func (m *SimMotor) PositionAt(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionAt(now)
}

// Mode returns the mode set by the last Configure.
func (m *SimMotor) Mode() AxisMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *SimMotor) velocityAt(now time.Time) float64 {
	e := now.Sub(m.jogAt)
	if m.ramp <= 0 || e >= m.ramp {
		return m.jogTo
	}
	return m.jogFrom + (m.jogTo-m.jogFrom)*float64(e)/float64(m.ramp)
}

func (m *SimMotor) positionAt(now time.Time) float64 {
	if m.mode != VelocityMode {
		return m.pos
	}
	e := now.Sub(m.jogAt).Seconds()
	if e <= 0 {
		return m.pos
	}
	r := m.ramp.Seconds()
	if e < r {
		return m.pos + m.jogFrom*e + (m.jogTo-m.jogFrom)*e*e/(2*r)
	}
	return m.pos + (m.jogFrom+m.jogTo)/2*r + m.jogTo*(e-r)
}

// jogLocked starts a ramp from the current velocity to v.
func (m *SimMotor) jogLocked(now time.Time, v float64, ramp time.Duration) {
	m.pos = m.positionAt(now)
	m.jogFrom = m.velocityAt(now)
	m.jogTo = v
	m.jogAt = now
	m.ramp = ramp
	m.moving = v != 0
}

// quantize rounds v to whole steps of res steps per unit.
func quantize(v, res float64) float64 {
	if res <= 0 {
		return v
	}
	return math.Round(v*res) / res
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Max(s, 0) * float64(time.Second))
}

// Configure stops the axis, switches it to mode and reads back its state
// into RBV: the position in PositionMode, zero velocity in VelocityMode.
func (m *SimMotor) Configure(t Target, mode AxisMode) error {
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return ErrAxisDisabled
	}
	if m.mode == PositionMode && m.moving {
		t.Scheduler().Cancel(m.handle)
	}
	now := t.Now()
	m.pos = m.positionAt(now)
	m.mode = mode
	m.moving = false
	m.jogFrom, m.jogTo, m.jogAt, m.ramp = 0, 0, now, 0
	rbv := m.pos
	if mode == VelocityMode {
		rbv = 0
	}
	m.mu.Unlock()
	return t.SetValue("RBV", rbv)
}

// Jog ramps to velocity, rounded to whole steps per second, over ACCL
// seconds.
func (m *SimMotor) Jog(t Target, velocity float64) error {
	accl, _ := t.Value("ACCL")
	mres, _ := t.Value("MRES")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled {
		return ErrAxisDisabled
	}
	if m.mode != VelocityMode {
		return ErrAxisMode
	}
	m.jogLocked(t.Now(), quantize(velocity, mres), seconds(accl))
	return nil
}

// Moving reports whether a move is in progress.
func (m *SimMotor) Moving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moving
}

func (m *SimMotor) InitRecord(t Target) error {
	v, _ := m.Read(t)
	return t.SetValue("RBV", v)
}

// Process starts a move towards VAL.
func (m *SimMotor) Process(t Target) (Result, error) {
	target, err := t.Value("VAL")
	if err != nil {
		return Complete, err
	}
	velo, _ := t.Value("VELO")
	if velo <= 0 {
		velo = DefaultVelocity
	}
	accl, _ := t.Value("ACCL")
	mres, _ := t.Value("MRES")
	target = quantize(target, mres)

	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return Complete, ErrAxisDisabled
	}
	if m.mode != PositionMode {
		m.mu.Unlock()
		return Complete, ErrAxisMode
	}
	dist := target - m.pos
	if dist == 0 {
		m.mu.Unlock()
		return Complete, nil
	}
	m.moving = true
	m.from = m.pos
	m.to = target - dist*m.loss
	m.started = t.Now()
	m.duration = seconds(math.Abs(dist)/velo + accl)
	m.handle = t.Scheduler().ScheduleOnce(m.duration, func() {
		m.mu.Lock()
		m.pos = m.to
		m.moving = false
		m.mu.Unlock()
		t.Complete()
	})
	m.mu.Unlock()
	return Pending, nil
}

// Read returns the position reached, or the current velocity in
// VelocityMode.
func (m *SimMotor) Read(t Target) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == VelocityMode {
		return m.velocityAt(t.Now()), nil
	}
	return m.pos, nil
}

// SpecialFieldChanged handles STOP. In VelocityMode the axis ramps down to
// rest.
func (m *SimMotor) SpecialFieldChanged(t Target, field string) error {
	if field != "STOP" {
		return nil
	}
	m.mu.Lock()
	if m.mode == VelocityMode {
		accl, _ := t.Value("ACCL")
		m.jogLocked(t.Now(), 0, seconds(accl))
		m.mu.Unlock()
		return nil
	}
	if !m.moving || !t.Scheduler().Cancel(m.handle) {
		m.mu.Unlock()
		return nil
	}
	elapsed := t.Now().Sub(m.started)
	frac := 1.0
	if m.duration > 0 && elapsed < m.duration {
		frac = float64(elapsed) / float64(m.duration)
	}
	m.pos = m.from + (m.to-m.from)*frac
	m.moving = false
	m.mu.Unlock()
	t.Complete()
	return nil
}

func (m *SimMotor) Units(Target) string  { return "mm" }
func (m *SimMotor) Precision(Target) int { return 3 }

func (m *SimMotor) Limits(t Target) (lo, hi float64) {
	lo, _ = t.Value("DRVL")
	hi, _ = t.Value("DRVH")
	return lo, hi
}
