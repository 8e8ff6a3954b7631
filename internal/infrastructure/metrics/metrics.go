// Package metrics exposes Prometheus metrics for calls, SMS delivery,
// scheduled jobs and HTTP traffic.
//
// A single Metrics value implements the observer ports of the orchestrator,
// the notification dispatcher and the scheduler.
//
// Metrics:
//   - ivr_events_total{event,state} - telephony events handled
//   - ivr_event_duration_seconds{event} - time to answer an event
//   - ivr_sessions_active - calls currently held in memory
//   - ivr_sessions_closed_total{outcome} - finished calls
//   - ivr_diagnostics_total{code} - operator diagnostics raised by sessions
//   - ivr_progress_writes_total{result} - progress writer outcomes
//   - ivr_sms_intents_total{kind} - intents accepted by the dispatcher
//   - ivr_sms_queue_depth - intents waiting for a worker
//   - ivr_sms_dropped_total{kind,reason} - intents sent to the dead letter queue
//   - ivr_sms_sent_total{kind}, ivr_sms_failed_total{kind}
//   - ivr_sms_send_duration_seconds{kind}
//   - ivr_job_runs_total{job,result}, ivr_job_duration_seconds{job}, ivr_job_skipped_total{job}
//   - ivr_http_requests_total{route,method,code}, ivr_http_request_duration_seconds{route}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ivr"

// Metrics holds every collector of the service on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec
	eventDuration  *prometheus.HistogramVec
	sessionsActive prometheus.Gauge
	sessionsClosed *prometheus.CounterVec
	diagnostics    *prometheus.CounterVec
	progressWrites *prometheus.CounterVec
	smsIntents     *prometheus.CounterVec
	smsQueueDepth  prometheus.Gauge
	smsDropped     *prometheus.CounterVec
	smsSent        *prometheus.CounterVec
	smsFailed      *prometheus.CounterVec
	smsDuration    *prometheus.HistogramVec
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobSkipped     *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates the metrics on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Telephony events handled, by event type and resulting state.",
		}, []string{"event", "state"}),
		eventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Time to produce the response for a telephony event.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		}, []string{"event"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Calls currently held in memory.",
		}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Finished calls by outcome.",
		}, []string{"outcome"}),
		diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Operator diagnostics raised during calls.",
		}, []string{"code"}),
		progressWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_writes_total",
			Help:      "Progress writer outcomes.",
		}, []string{"result"}),

		smsIntents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_intents_total",
			Help:      "Notification intents accepted by the dispatcher.",
		}, []string{"kind"}),
		smsQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sms_queue_depth",
			Help:      "Intents waiting for a dispatcher worker.",
		}),
		smsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_dropped_total",
			Help:      "Intents that were not delivered, by reason.",
		}, []string{"kind", "reason"}),
		smsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_sent_total",
			Help:      "SMS accepted by the gateway.",
		}, []string{"kind"}),
		smsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_failed_total",
			Help:      "SMS that failed after all attempts.",
		}, []string{"kind"}),
		smsDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sms_send_duration_seconds",
			Help:      "Time from dequeue to gateway acceptance, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"kind"}),

		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by result.",
		}, []string{"job", "result"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduled job run time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		jobSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_skipped_total",
			Help:      "Ticks skipped because the previous run was still going.",
		}, []string{"job"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry returns the registry, for extra collectors and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ─────────────────────────────────────────────────────────────────────────────
// Orchestrator
// ─────────────────────────────────────────────────────────────────────────────

func (m *Metrics) EventHandled(event, state string, latency time.Duration) {
	m.events.WithLabelValues(event, state).Inc()
	m.eventDuration.WithLabelValues(event).Observe(latency.Seconds())
}

func (m *Metrics) SessionOpened() { m.sessionsActive.Inc() }

func (m *Metrics) SessionClosed(outcome string) {
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Diagnostic(code string) { m.diagnostics.WithLabelValues(code).Inc() }

func (m *Metrics) ProgressWrite(result string) { m.progressWrites.WithLabelValues(result).Inc() }

// ─────────────────────────────────────────────────────────────────────────────
// Dispatcher
// ─────────────────────────────────────────────────────────────────────────────

func (m *Metrics) IntentQueued(kind string, depth int) {
	m.smsIntents.WithLabelValues(kind).Inc()
	m.smsQueueDepth.Set(float64(depth))
}

func (m *Metrics) IntentDropped(kind, reason string) {
	m.smsDropped.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) SMSSent(kind string, latency time.Duration) {
	m.smsSent.WithLabelValues(kind).Inc()
	m.smsDuration.WithLabelValues(kind).Observe(latency.Seconds())
}

func (m *Metrics) SMSFailed(kind string) { m.smsFailed.WithLabelValues(kind).Inc() }

// ─────────────────────────────────────────────────────────────────────────────
// Scheduler
// ─────────────────────────────────────────────────────────────────────────────

func (m *Metrics) JobRun(job string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *Metrics) JobSkipped(job string) { m.jobSkipped.WithLabelValues(job).Inc() }

// ─────────────────────────────────────────────────────────────────────────────
// HTTP
// ─────────────────────────────────────────────────────────────────────────────

// ObserveHTTP records one served request. route is the mux pattern, never
// the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
