// Package metrics exports scheduler activity as Prometheus metrics. It only
// consumes event bus traffic and never calls into the components it observes.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smsbackup/internal/eventbus"
	"smsbackup/internal/netstate"
	"smsbackup/internal/observer"
	"smsbackup/internal/task/engine"
	"smsbackup/internal/task/scheduler"
)

const (
	namespace   = "smsbackup"
	DefaultPath = "/metrics"
)

type Metrics struct {
	reg *prometheus.Registry

	submitted     *prometheus.CounterVec
	cancellations prometheus.Counter
	triggers      *prometheus.CounterVec
	runs          *prometheus.CounterVec
	retries       *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	changes       *prometheus.CounterVec
	connected     prometheus.Gauge
	metered       prometheus.Gauge
}

// New registers the collectors on a fresh registry. scheduled, when non-nil,
// backs the scheduled-jobs gauge.
func New(scheduled func() int) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Job submissions accepted by the scheduler.",
		}, []string{"kind"}),
		cancellations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancel_all_total",
			Help:      "CancelAll requests handled by the scheduler.",
		}),
		triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_triggers_total",
			Help:      "Jobs handed to the task engine.",
		}, []string{"kind"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished job executions by result.",
		}, []string{"kind", "result"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_retries_total",
			Help:      "Retried job attempts.",
		}, []string{"kind"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of job executions including retries.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
		}, []string{"kind"}),
		changes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_changes_total",
			Help:      "Observed (coalesced) source change notifications.",
		}, []string{"source"}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_connected",
			Help:      "1 when a network link is up.",
		}),
		metered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_metered",
			Help:      "1 when the active link is metered.",
		}),
	}
	if scheduled != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_scheduled",
			Help:      "Jobs currently registered with the scheduler.",
		}, func() float64 { return float64(scheduled()) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe applies one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.JobSubmitted:
		if ev, ok := e.Data.(scheduler.JobEvent); ok {
			m.submitted.WithLabelValues(ev.Kind.String()).Inc()
		}
	case eventbus.JobsCanceled:
		m.cancellations.Inc()
	case eventbus.JobEnqueued:
		if ev, ok := e.Data.(scheduler.JobEvent); ok {
			m.triggers.WithLabelValues(ev.Kind.String()).Inc()
		}
	case eventbus.TaskRetry:
		if ev, ok := e.Data.(engine.TaskEvent); ok {
			m.retries.WithLabelValues(ev.Name).Inc()
		}
	case eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskCanceled, eventbus.TaskSkipped, eventbus.TaskDropped:
		ev, ok := e.Data.(engine.TaskEvent)
		if !ok {
			return
		}
		m.runs.WithLabelValues(ev.Name, resultOf(e.Type)).Inc()
		if e.Type == eventbus.TaskFinished || e.Type == eventbus.TaskFailed {
			m.runDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
		}
	case eventbus.SourceChanged:
		if c, ok := e.Data.(observer.Change); ok {
			m.changes.WithLabelValues(string(c.Source)).Inc()
		}
	case eventbus.NetworkChanged:
		if st, ok := e.Data.(netstate.State); ok {
			m.connected.Set(boolGauge(st.Connected))
			m.metered.Set(boolGauge(st.Metered))
		}
	}
}

// Consume observes bus events until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

func resultOf(typ string) string {
	switch typ {
	case eventbus.TaskFinished:
		return "success"
	case eventbus.TaskFailed:
		return "failure"
	case eventbus.TaskCanceled:
		return "canceled"
	case eventbus.TaskSkipped:
		return "skipped"
	default:
		return "dropped"
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
