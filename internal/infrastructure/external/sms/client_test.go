package sms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/pkg/circuitbreaker"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
	"github.com/ivr-tutor/ivr-tutor/pkg/retry"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig(srv.URL)
	cfg.APIKey = "key"
	cfg.SenderID = "TUTOR"
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 100
	cfg.Logger = logger.Discard()
	return NewClient(cfg)
}

func TestClient_Send(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/version1/messaging", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("apiKey"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "sandbox", r.PostForm.Get("username"))
		assert.Equal(t, "+254712345678", r.PostForm.Get("to"))
		assert.Equal(t, "TUTOR", r.PostForm.Get("from"))
		assert.Equal(t, "Great work today", r.PostForm.Get("message"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"SMSMessageData":{"Message":"Sent to 1/1 Total Cost: KES 0.8000",
			"Recipients":[{"statusCode":101,"number":"+254712345678","status":"Success","cost":"KES 0.8000","messageId":"ATXid_1"}]}}`))
	})

	res, err := c.Send(context.Background(), notification.SendRequest{To: "+254712345678", Message: "Great work today"})
	require.NoError(t, err)
	assert.Equal(t, "ATXid_1", res.ProviderID)
	assert.Equal(t, "KES 0.8000", res.Cost)
	assert.Equal(t, "Success", res.Status)
}

func TestClient_RecipientRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"SMSMessageData":{"Message":"Sent to 0/1",
			"Recipients":[{"statusCode":403,"number":"+254712345678","status":"InvalidPhoneNumber","cost":"0","messageId":"None"}]}}`))
	})

	_, err := c.Send(context.Background(), notification.SendRequest{To: "+254712345678", Message: "hi"})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.ErrorIs(t, err, shared.ErrGatewayRejected)
	assert.Equal(t, circuitbreaker.StateClosed, c.Breaker().State())
}

func TestClient_RecipientRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"SMSMessageData":{"Message":"Sent to 0/1",
			"Recipients":[{"statusCode":407,"number":"+254712345678","status":"CouldNotRoute","cost":"0","messageId":"None"}]}}`))
	})

	_, err := c.Send(context.Background(), notification.SendRequest{To: "+254712345678", Message: "hi"})
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}

func TestClient_HTTPErrors(t *testing.T) {
	var status atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	})

	status.Store(http.StatusUnauthorized)
	_, err := c.Send(context.Background(), notification.SendRequest{To: "+254712345678", Message: "hi"})
	assert.True(t, retry.IsPermanent(err))

	status.Store(http.StatusBadGateway)
	_, err = c.Send(context.Background(), notification.SendRequest{To: "+254712345678", Message: "hi"})
	assert.False(t, retry.IsPermanent(err))
	assert.ErrorIs(t, err, shared.ErrGatewayUnavailable)
}

func TestClient_BreakerOpensOnOutage(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 5; i++ {
		_, err := c.Send(context.Background(), notification.SendRequest{To: "+254712345678", Message: "hi"})
		assert.ErrorIs(t, err, shared.ErrGatewayUnavailable)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, circuitbreaker.StateOpen, c.Breaker().State())
}

func TestClient_TooManyRequestsPauses(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Send(context.Background(), notification.SendRequest{To: "+254712345678", Message: "hi"})
	assert.ErrorIs(t, err, shared.ErrRateLimited)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Send(ctx, notification.SendRequest{To: "+254712345678", Message: "hi"})
	assert.ErrorIs(t, err, shared.ErrRateLimited)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryAfter("5"))
	assert.Equal(t, 30*time.Second, retryAfter(""))
	assert.Equal(t, 30*time.Second, retryAfter("soon"))
}

func TestLogGateway(t *testing.T) {
	g := NewLogGateway(logger.Discard())
	a, err := g.Send(context.Background(), notification.SendRequest{To: "+254712345678", Message: "hi"})
	require.NoError(t, err)
	b, err := g.Send(context.Background(), notification.SendRequest{To: "+254712345678", Message: "hi"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ProviderID, b.ProviderID)
}
