package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
	"github.com/roach88/ioccore/internal/record"
)

func TestRecorder_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Processed("calcout", record.OutcomeDone)
	r.Processed("calcout", record.OutcomeDone)
	r.Processed("positioner", record.OutcomeSuspended)
	r.Coalesced("m1")
	r.Suppressed("loop")
	r.AlarmChanged("m1", alarm.Major)
	r.Posted(monitor.Value | monitor.Log)
	r.LinkChecked("c1")
	r.LinkChecked("c1")
	r.LinkChanged("c1", "INAV", link.StatusExt)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.passes.WithLabelValues("calcout", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.passes.WithLabelValues("positioner", "suspended")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.coalesced.WithLabelValues("m1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.suppressed.WithLabelValues("loop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.alarms.WithLabelValues("MAJOR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.posts.WithLabelValues("VALUE|LOG")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.linkChecks))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.linkChanges.WithLabelValues("INAV", "Ext PV OK")))
}

func TestRecorder_ActiveGauge(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.PhaseChanged(record.PhaseIdle, record.PhaseFirst)
	r.PhaseChanged(record.PhaseIdle, record.PhaseFirst)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.active))

	r.PhaseChanged(record.PhaseFirst, record.PhaseAwaitingAsync)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.active))

	r.PhaseChanged(record.PhaseSecond, record.PhaseIdle)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.active))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.phases.WithLabelValues(record.PhaseIdle, record.PhaseFirst)))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.Processed("wait", record.OutcomeDelayed)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `ioc_record_passes_total{outcome="delayed",type="wait"} 1`))
}

func TestNewRecorder_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRecorder(reg)
	assert.Panics(t, func() { NewRecorder(reg) })
}
