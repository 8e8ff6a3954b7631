package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/persistence/memory"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
	"github.com/ivr-tutor/ivr-tutor/pkg/retry"
)

type fakeGateway struct {
	mu       sync.Mutex
	sent     []notification.SendRequest
	failures int
	err      error
	block    chan struct{}
}

func (g *fakeGateway) Send(ctx context.Context, req notification.SendRequest) (notification.SendResult, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return notification.SendResult{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures != 0 {
		if g.failures > 0 {
			g.failures--
		}
		return notification.SendResult{}, g.err
	}
	g.sent = append(g.sent, req)
	return notification.SendResult{ProviderID: "ATX" + req.To, Status: "Success", Cost: "KES 0.8"}, nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type denyFlags map[string]bool

func (f denyFlags) IsEnabled(name, _ string) bool { return !f[name] }

func testConfig() DispatcherConfig {
	cfg := DefaultDispatcherConfig()
	cfg.Workers = 2
	cfg.QueueSize = 8
	cfg.SendTimeout = time.Second
	cfg.RetryConfig = RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
	cfg.Logger = logger.Discard()
	return cfg
}

func summaryIntent(phone string) notification.Intent {
	return notification.NewIntent(notification.KindSessionSummary, "s1", shared.PhoneNumber(phone), "en", map[string]string{
		"units_completed": "1",
		"subject":         "math",
		"score_delta":     "10",
		"total_score":     "10",
	})
}

func stop(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestDispatcher_SendsAndLogs(t *testing.T) {
	gw := &fakeGateway{}
	logs := memory.NewSMSLogRepository()
	d := NewDispatcher(testConfig(), gw, logs, notification.DefaultTemplates())
	d.Start()

	d.EnqueueIntent(summaryIntent("+254712345678"))
	stop(t, d)

	require.Equal(t, 1, gw.count())
	assert.Contains(t, gw.sent[0].Message, "completed 1 lesson(s) in math")

	entries, err := logs.ListByStudent(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, notification.SMSSent, entries[0].Status)
	assert.Equal(t, "ATX+254712345678", entries[0].ProviderID)
	assert.Equal(t, 1, entries[0].Attempts)

	snap := d.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.Queued)
	assert.Equal(t, int64(1), snap.Sent)
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	gw := &fakeGateway{failures: 2, err: shared.ErrGatewayUnavailable}
	logs := memory.NewSMSLogRepository()
	d := NewDispatcher(testConfig(), gw, logs, notification.DefaultTemplates())
	d.Start()

	d.EnqueueIntent(summaryIntent("+254712345678"))
	stop(t, d)

	assert.Equal(t, 1, gw.count())
	assert.Zero(t, d.DeadLetterQueue().Size())
	assert.Equal(t, int64(2), d.Metrics().Snapshot().Retries)

	entries, err := logs.ListByStudent(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Attempts)
}

func TestDispatcher_PermanentFailureIsNotRetried(t *testing.T) {
	gw := &fakeGateway{failures: -1, err: retry.Permanent(shared.ErrGatewayRejected)}
	logs := memory.NewSMSLogRepository()
	d := NewDispatcher(testConfig(), gw, logs, notification.DefaultTemplates())
	d.Start()

	d.EnqueueIntent(summaryIntent("+254712345678"))
	stop(t, d)

	entry, ok := d.DeadLetterQueue().Pop()
	require.True(t, ok)
	assert.Equal(t, ReasonSend, entry.Reason)
	assert.Equal(t, 1, entry.Attempts)

	entries, err := logs.ListByStudent(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, notification.SMSFailed, entries[0].Status)
}

func TestDispatcher_QueueFullNeverBlocks(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, gw, nil, notification.DefaultTemplates())
	d.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.EnqueueIntent(summaryIntent("+254712345678"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("EnqueueIntent blocked")
	}

	close(gw.block)
	stop(t, d)

	full := 0
	for _, e := range d.DeadLetterQueue().Entries() {
		if e.Reason == ReasonQueueFull {
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 8)
	assert.Equal(t, 10, gw.count()+full)
}

func TestDispatcher_RejectsInvalidAndUnrenderable(t *testing.T) {
	gw := &fakeGateway{}
	d := NewDispatcher(testConfig(), gw, nil, notification.DefaultTemplates())
	d.Start()

	d.EnqueueIntent(summaryIntent("not-a-phone"))

	missing := summaryIntent("+254712345678")
	missing.Params = map[string]string{"subject": "math"}
	d.EnqueueIntent(missing)
	stop(t, d)

	assert.Zero(t, gw.count())
	reasons := map[string]bool{}
	for _, e := range d.DeadLetterQueue().Entries() {
		reasons[e.Reason] = true
	}
	assert.True(t, reasons[ReasonInvalid])
	assert.True(t, reasons[ReasonRender])
}

func TestDispatcher_FeatureFlagDisablesKind(t *testing.T) {
	gw := &fakeGateway{}
	flags := denyFlags{notification.KindSessionSummary.FeatureFlag(): true}
	d := NewDispatcher(testConfig(), gw, nil, notification.DefaultTemplates(), WithFlags(flags))
	d.Start()

	d.EnqueueIntent(summaryIntent("+254712345678"))
	stop(t, d)

	assert.Zero(t, gw.count())
	assert.Zero(t, d.DeadLetterQueue().Size())
	assert.Equal(t, int64(1), d.Metrics().Snapshot().Skipped)
}

func TestDispatcher_EnqueueAfterStop(t *testing.T) {
	d := NewDispatcher(testConfig(), &fakeGateway{}, nil, notification.DefaultTemplates())
	d.Start()
	stop(t, d)

	d.EnqueueIntent(summaryIntent("+254712345678"))
	entry, ok := d.DeadLetterQueue().Pop()
	require.True(t, ok)
	assert.Equal(t, ReasonStopped, entry.Reason)
}

func TestDispatcher_StopCancelsInFlight(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	cfg := testConfig()
	cfg.RetryConfig.MaxAttempts = 1
	d := NewDispatcher(cfg, gw, nil, notification.DefaultTemplates())
	d.Start()
	d.EnqueueIntent(summaryIntent("+254712345678"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Stop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, d.DeadLetterQueue().Size())
}

func TestDeadLetterQueue_DropsOldest(t *testing.T) {
	q := NewDeadLetterQueue(2)
	for _, id := range []string{"a", "b", "c"} {
		q.Add(DeadLetterEntry{Intent: notification.Intent{ID: id}})
	}
	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Intent.ID)
}
