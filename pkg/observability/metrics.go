package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the plugin host.
type Metrics struct {
	// Plugin lifecycle metrics
	PluginsByState          *prometheus.GaugeVec
	PluginTransitionsTotal  *prometheus.CounterVec
	PluginActivationFailures prometheus.Counter

	// Extension registry metrics
	ExtensionsRegistered *prometheus.GaugeVec

	// Scheduler metrics
	JobsScheduled        prometheus.Gauge
	JobExecutionsTotal   *prometheus.CounterVec
	JobExecutionDuration *prometheus.HistogramVec
	JobMisfiresTotal     *prometheus.CounterVec
	JobVetoesTotal       *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PluginsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hearth_plugins_by_state",
				Help: "Number of installed plugins by lifecycle state",
			},
			[]string{"state"},
		),
		PluginTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_plugin_transitions_total",
				Help: "Total number of committed plugin lifecycle transitions",
			},
			[]string{"to_state"},
		),
		PluginActivationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hearth_plugin_activation_failures_total",
				Help: "Total number of plugin activations that failed and rolled back",
			},
		),
		ExtensionsRegistered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hearth_extensions_registered",
				Help: "Number of live extension registrations by extension point type",
			},
			[]string{"type"},
		),
		JobsScheduled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hearth_jobs_scheduled",
				Help: "Number of jobs currently known to the scheduler",
			},
		),
		JobExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_job_executions_total",
				Help: "Total number of job executions by terminal status",
			},
			[]string{"job_group", "job_name", "status"},
		),
		JobExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hearth_job_execution_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job_group", "job_name"},
		),
		JobMisfiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_job_misfires_total",
				Help: "Total number of trigger misfires by applied instruction",
			},
			[]string{"instruction"},
		),
		JobVetoesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_job_vetoes_total",
				Help: "Total number of fire events vetoed by the overlap policy",
			},
			[]string{"job_group", "job_name"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hearth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		m.PluginsByState,
		m.PluginTransitionsTotal,
		m.PluginActivationFailures,
		m.ExtensionsRegistered,
		m.JobsScheduled,
		m.JobExecutionsTotal,
		m.JobExecutionDuration,
		m.JobMisfiresTotal,
		m.JobVetoesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// ObserveExecution records one finished job execution.
func (m *Metrics) ObserveExecution(jobGroup, jobName, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobExecutionsTotal.WithLabelValues(jobGroup, jobName, status).Inc()
	m.JobExecutionDuration.WithLabelValues(jobGroup, jobName).Observe(duration.Seconds())
}

// Handler returns the promhttp handler for the given registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
