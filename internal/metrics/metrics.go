// Package metrics exports record processing measurements to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
	"github.com/roach88/ioccore/internal/record"
)

const namespace = "ioc"

// Recorder implements record.Recorder on a caller-supplied registry.
type Recorder struct {
	passes      *prometheus.CounterVec
	coalesced   *prometheus.CounterVec
	suppressed  *prometheus.CounterVec
	alarms      *prometheus.CounterVec
	posts       *prometheus.CounterVec
	linkChecks  prometheus.Counter
	linkChanges *prometheus.CounterVec
	phases      *prometheus.CounterVec
	active      prometheus.Gauge
}

var _ record.Recorder = (*Recorder)(nil)

// NewRecorder registers the IOC collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		passes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "record",
				Name:      "passes_total",
				Help:      "Processing passes by record type and outcome (done, suspended, delayed)",
			},
			[]string{"type", "outcome"},
		),
		coalesced: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "record",
				Name:      "coalesced_total",
				Help:      "Process requests folded into a pending reprocess",
			},
			[]string{"record"},
		),
		suppressed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "record",
				Name:      "suppressed_total",
				Help:      "Link triggers dropped because the record was mid-pass",
			},
			[]string{"record"},
		),
		alarms: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alarm",
				Name:      "transitions_total",
				Help:      "Committed alarm changes by new severity",
			},
			[]string{"severity"},
		),
		posts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "posts_total",
				Help:      "Monitor posts by event mask",
			},
			[]string{"mask"},
		),
		linkChecks: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "checks_total",
				Help:      "Link tracker connection checks",
			},
		),
		linkChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "transitions_total",
				Help:      "Link status field changes by field and new status",
			},
			[]string{"field", "status"},
		),
		phases: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "record",
				Name:      "phase_transitions_total",
				Help:      "Processing phase changes",
			},
			[]string{"from", "to"},
		),
		active: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "record",
				Name:      "active",
				Help:      "Records currently between the start and the end of a pass",
			},
		),
	}
}

func (r *Recorder) Processed(recType, outcome string) {
	r.passes.WithLabelValues(recType, outcome).Inc()
}

func (r *Recorder) Coalesced(rec string) {
	r.coalesced.WithLabelValues(rec).Inc()
}

func (r *Recorder) Suppressed(rec string) {
	r.suppressed.WithLabelValues(rec).Inc()
}

func (r *Recorder) AlarmChanged(_ string, sevr alarm.Severity) {
	r.alarms.WithLabelValues(sevr.String()).Inc()
}

func (r *Recorder) Posted(mask monitor.Mask) {
	r.posts.WithLabelValues(mask.String()).Inc()
}

func (r *Recorder) LinkChecked(string) {
	r.linkChecks.Inc()
}

func (r *Recorder) LinkChanged(_, field string, status link.Status) {
	r.linkChanges.WithLabelValues(field, status.String()).Inc()
}

func (r *Recorder) PhaseChanged(from, to string) {
	r.phases.WithLabelValues(from, to).Inc()
	switch {
	case from == record.PhaseIdle && to != record.PhaseIdle:
		r.active.Inc()
	case from != record.PhaseIdle && to == record.PhaseIdle:
		r.active.Dec()
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("metrics listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
