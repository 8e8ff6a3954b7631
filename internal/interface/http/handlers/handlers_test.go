package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func reject(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusUnauthorized)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) MiddlewareFunc {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(ok, mw("a"), mw("b"), mw("c"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRequireSecret(t *testing.T) {
	h := RequireSecret(WebhookSecretHeader, "s3cret", reject)(ok)

	tests := []struct {
		name   string
		header string
		target string
		want   int
	}{
		{"header", "s3cret", "/", http.StatusNoContent},
		{"query fallback", "", "/?secret=s3cret", http.StatusNoContent},
		{"wrong", "nope", "/", http.StatusUnauthorized},
		{"missing", "", "/", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.target, nil)
			if tt.header != "" {
				req.Header.Set(WebhookSecretHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	t.Run("empty secret disables", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequireSecret(WebhookSecretHeader, "", reject)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 2)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "buckets are per IP")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"), "one token refilled")

	now = now.Add(11 * time.Minute)
	l.Allow("10.0.0.3")
	assert.Equal(t, 1, l.Cleanup())
}

func TestIPRateLimiter_Middleware(t *testing.T) {
	l := NewIPRateLimiter(0.001, 1)
	h := l.Middleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})(ok)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, send().Code)
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4321"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}

func TestLimitBody(t *testing.T) {
	h := LimitBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]any
		if err := DecodeJSON(r, &v); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"0123456789"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDecodeVoiceEvent(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(
			`{"call_id":"CA1","student_phone":"+254712345678","event_type":"dtmf","digit":"2"}`))
		req.Header.Set("Content-Type", "application/json")

		ev, err := DecodeVoiceEvent(req)
		require.NoError(t, err)
		assert.Equal(t, VoiceEvent{CallID: "CA1", StudentPhone: "+254712345678", EventType: "dtmf", Digit: "2"}, ev)
	})

	t.Run("form", func(t *testing.T) {
		form := url.Values{"call_id": {"CA2"}, "student_phone": {"0712345678"}, "event_type": {"call_started"}}
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		ev, err := DecodeVoiceEvent(req)
		require.NoError(t, err)
		assert.Equal(t, "CA2", ev.CallID)
		assert.Equal(t, "call_started", ev.EventType)
		assert.Empty(t, ev.Digit)
	})

	t.Run("missing fields", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"digit":"1"}`))
		_, err := DecodeVoiceEvent(req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "call_id, student_phone, event_type")
	})

	t.Run("unknown field", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"call_id":"CA1","bogus":1}`))
		_, err := DecodeVoiceEvent(req)
		assert.Error(t, err)
	})
}

func TestDecodeDeliveryReport(t *testing.T) {
	form := url.Values{"id": {"ATXid_1"}, "status": {"Failed"}, "failureReason": {"UserInBlacklist"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	d, err := DecodeDeliveryReport(req)
	require.NoError(t, err)
	assert.Equal(t, "ATXid_1", d.ID)
	assert.Equal(t, "UserInBlacklist", d.FailureReason)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":"ATXid_1"}`))
	_, err = DecodeDeliveryReport(req)
	assert.EqualError(t, err, "missing fields: status")
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthChecker(t *testing.T) {
	c := NewHealthChecker("1.2.3")
	c.AddCheck("sqlite", PingCheck(pinger{}))

	status := c.Check(context.Background())
	assert.True(t, status.Ready)
	assert.Equal(t, "1.2.3", status.Version)
	assert.True(t, status.Checks["sqlite"].Healthy)

	c.AddCheck("redis", PingCheck(pinger{err: errors.New("connection refused")}))
	c.AddCheck("postgres", func(context.Context) error { return errors.New("down") })

	status = c.Check(context.Background())
	assert.False(t, status.Ready)
	assert.Equal(t, "failed checks: postgres, redis", status.Message)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)
}

func TestHealthChecker_Timeout(t *testing.T) {
	c := NewHealthChecker("")
	c.SetTimeout(10 * time.Millisecond)
	c.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status := c.Check(context.Background())
	assert.False(t, status.Ready)
	assert.False(t, status.Checks["slow"].Healthy)
}
