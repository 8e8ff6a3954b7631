package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the counter or gauge value of the series name{labels}.
func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if matches(metric, labels) {
				switch {
				case metric.Counter != nil:
					return metric.GetCounter().GetValue()
				case metric.Gauge != nil:
					return metric.GetGauge().GetValue()
				case metric.Histogram != nil:
					return float64(metric.GetHistogram().GetSampleCount())
				}
			}
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestOrchestratorObserver(t *testing.T) {
	m := New()

	m.SessionOpened()
	m.SessionOpened()
	m.EventHandled("digit", "quiz_await_answer", 12*time.Millisecond)
	m.SessionClosed("completed")
	m.Diagnostic("content_missing")
	m.ProgressWrite("ok")

	assert.Equal(t, 1.0, value(t, m, "ivr_sessions_active", nil))
	assert.Equal(t, 1.0, value(t, m, "ivr_sessions_closed_total", map[string]string{"outcome": "completed"}))
	assert.Equal(t, 1.0, value(t, m, "ivr_events_total", map[string]string{"event": "digit", "state": "quiz_await_answer"}))
	assert.Equal(t, 1.0, value(t, m, "ivr_event_duration_seconds", map[string]string{"event": "digit"}))
	assert.Equal(t, 1.0, value(t, m, "ivr_diagnostics_total", map[string]string{"code": "content_missing"}))
	assert.Equal(t, 1.0, value(t, m, "ivr_progress_writes_total", map[string]string{"result": "ok"}))
}

func TestDispatcherAndSchedulerObservers(t *testing.T) {
	m := New()

	m.IntentQueued("reminder", 3)
	m.IntentDropped("reminder", "queue_full")
	m.SMSSent("reminder", time.Second)
	m.SMSFailed("session_summary")
	m.JobRun("send_reminders", time.Second, nil)
	m.JobRun("send_reminders", time.Second, errors.New("db down"))
	m.JobSkipped("expire_sessions")

	assert.Equal(t, 3.0, value(t, m, "ivr_sms_queue_depth", nil))
	assert.Equal(t, 1.0, value(t, m, "ivr_sms_intents_total", map[string]string{"kind": "reminder"}))
	assert.Equal(t, 1.0, value(t, m, "ivr_sms_dropped_total", map[string]string{"kind": "reminder", "reason": "queue_full"}))
	assert.Equal(t, 1.0, value(t, m, "ivr_sms_sent_total", map[string]string{"kind": "reminder"}))
	assert.Equal(t, 1.0, value(t, m, "ivr_sms_failed_total", map[string]string{"kind": "session_summary"}))
	assert.Equal(t, 1.0, value(t, m, "ivr_job_runs_total", map[string]string{"job": "send_reminders", "result": "error"}))
	assert.Equal(t, 2.0, value(t, m, "ivr_job_duration_seconds", map[string]string{"job": "send_reminders"}))
	assert.Equal(t, 1.0, value(t, m, "ivr_job_skipped_total", map[string]string{"job": "expire_sessions"}))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveHTTP("POST /api/voice/events", "POST", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `ivr_http_requests_total{code="200",method="POST",route="POST /api/voice/events"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
