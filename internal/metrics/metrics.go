// Package metrics exports engine counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "r2clone"

// Metrics holds every collector the server exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Executions
	ActiveExecutions    prometheus.Gauge
	RunsStarted         *prometheus.CounterVec
	RunsFinished        *prometheus.CounterVec
	RunDuration         *prometheus.HistogramVec
	PreflightRejections prometheus.Counter

	// Transfer volume
	BytesTransferred prometheus.Counter
	FilesTransferred prometheus.Counter
	FilesSkipped     prometheus.Counter
	RetentionPurged  prometheus.Counter

	// Observers
	ObserversConnected prometheus.Gauge
	EventsBroadcast    *prometheus.CounterVec

	// Scheduler
	ScheduledFires *prometheus.CounterVec
}

// New creates the collectors on a registry of their own, so several
// instances can live in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveExecutions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Transfers currently running",
		}),
		RunsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started by trigger",
		}, []string{"trigger"}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs finished by terminal status",
		}, []string{"status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run wall time in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200, 21600},
		}, []string{"status"}),
		PreflightRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preflight_rejections_total",
			Help:      "Starts refused before a run was created",
		}),
		BytesTransferred: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Bytes written by completed runs",
		}),
		FilesTransferred: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_transferred_total",
			Help:      "Files copied",
		}),
		FilesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_skipped_total",
			Help:      "Files skipped as unchanged",
		}),
		RetentionPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purged_runs_total",
			Help:      "Completed runs removed by retention",
		}),
		ObserversConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_connected",
			Help:      "Connected websocket observers",
		}),
		EventsBroadcast: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_broadcast_total",
			Help:      "Events fanned out to observers by type",
		}, []string{"type"}),
		ScheduledFires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_fires_total",
			Help:      "Scheduler fires by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetActive records how many executions are in flight.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Set(float64(n))
}

// RunStarted counts an admitted run.
func (m *Metrics) RunStarted(trigger string) {
	if m == nil {
		return
	}
	m.RunsStarted.WithLabelValues(trigger).Inc()
}

// RunFinished records the terminal outcome of a run.
func (m *Metrics) RunFinished(status string, d time.Duration, bytes, files, skipped int64) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
	m.FilesTransferred.Add(float64(files))
	m.FilesSkipped.Add(float64(skipped))
	if status == "completed" && bytes > 0 {
		m.BytesTransferred.Add(float64(bytes))
	}
}

// PreflightRejected counts a start refused before spawning.
func (m *Metrics) PreflightRejected() {
	if m == nil {
		return
	}
	m.PreflightRejections.Inc()
}

// Purged counts runs removed by retention.
func (m *Metrics) Purged(n int) {
	if m == nil {
		return
	}
	m.RetentionPurged.Add(float64(n))
}

// ObserverConnected and ObserverDisconnected track the websocket gauge.
func (m *Metrics) ObserverConnected() {
	if m == nil {
		return
	}
	m.ObserversConnected.Inc()
}

func (m *Metrics) ObserverDisconnected() {
	if m == nil {
		return
	}
	m.ObserversConnected.Dec()
}

// EventBroadcast counts one fanned-out event.
func (m *Metrics) EventBroadcast(eventType string) {
	if m == nil {
		return
	}
	m.EventsBroadcast.WithLabelValues(eventType).Inc()
}

// ScheduleFired counts one scheduler fire; result is started or rejected.
func (m *Metrics) ScheduleFired(result string) {
	if m == nil {
		return
	}
	m.ScheduledFires.WithLabelValues(result).Inc()
}
