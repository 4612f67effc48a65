package monitor

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ioccore/internal/alarm"
)

func TestCheckDeadband_CumulativeBaseline(t *testing.T) {
	last := 0.0
	var posted []float64
	for _, v := range []float64{0.3, 0.4, 0.6, 0.7, 1.2} {
		var m Mask
		if CheckDeadband(&last, v, 0.5, &m, Value) {
			posted = append(posted, v)
			assert.Equal(t, Value, m)
		}
	}
	// 0.6 is the first value more than 0.5 from the baseline 0; 1.2 the
	// first more than 0.5 from the new baseline 0.6.
	assert.Equal(t, []float64{0.6, 1.2}, posted)
	assert.Equal(t, 1.2, last)
}

func TestCheckDeadband_NeverPostsWithinDeadband(t *testing.T) {
	last := 5.0
	for _, v := range []float64{5.1, 4.9, 5.5, 4.5} {
		var m Mask
		assert.False(t, CheckDeadband(&last, v, 0.5, &m, Value), "value %v", v)
		assert.Zero(t, m)
	}
	assert.Equal(t, 5.0, last)
}

func TestCheckDeadband_NonFinite(t *testing.T) {
	tests := []struct {
		name     string
		old, val float64
		want     bool
	}{
		{"finite to NaN", 1, math.NaN(), true},
		{"NaN to finite", math.NaN(), 1, true},
		{"NaN to NaN", math.NaN(), math.NaN(), false},
		{"finite to Inf", 1, math.Inf(1), true},
		{"Inf to -Inf", math.Inf(1), math.Inf(-1), true},
		{"Inf to Inf", math.Inf(1), math.Inf(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := tt.old
			var m Mask
			assert.Equal(t, tt.want, CheckDeadband(&last, tt.val, 1e9, &m, Log))
		})
	}
}

func TestBatch_Coalesces(t *testing.T) {
	b := NewBatch("r1")
	b.Mark("VAL", Value, 1.0)
	b.Mark("A", Value|Log, 2.0)
	b.Mark("VAL", Alarm, 3.0)
	b.Mark("B", 0, 4.0)

	require.Equal(t, 2, b.Len())
	stamp := time.Unix(100, 0)
	posts := b.Take(alarm.State{Severity: alarm.Major, Status: alarm.StatusHiHi}, stamp)

	require.Len(t, posts, 2)
	assert.Equal(t, "VAL", posts[0].Field)
	assert.Equal(t, Value|Alarm, posts[0].Mask)
	assert.Equal(t, 3.0, posts[0].Value)
	assert.Equal(t, alarm.Major, posts[0].Severity)
	assert.Equal(t, stamp, posts[0].Time)
	assert.Equal(t, "A", posts[1].Field)
	assert.Zero(t, b.Len())
}

func TestFanout(t *testing.T) {
	f := NewFanout()
	var a, b []string
	removeA := f.Add(ObserverFunc(func(p Post) { a = append(a, p.Field) }))
	f.Add(ObserverFunc(func(p Post) { b = append(b, p.Field) }))

	f.Emit([]Post{{Field: "VAL"}, {Field: "SEVR"}})
	removeA()
	f.Emit([]Post{{Field: "STAT"}})

	assert.Equal(t, []string{"VAL", "SEVR"}, a)
	assert.Equal(t, []string{"VAL", "SEVR", "STAT"}, b)
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "NONE", Mask(0).String())
	assert.Equal(t, "VALUE|ALARM", (Value | Alarm).String())
}
