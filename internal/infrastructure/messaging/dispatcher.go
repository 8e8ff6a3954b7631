// Package messaging delivers notification intents: a bounded queue drained
// by a worker pool that renders, sends and logs each SMS.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
	"github.com/ivr-tutor/ivr-tutor/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Dispatcher turns notification intents into SMS with support for:
// - a bounded queue that never blocks the caller
// - a fixed worker pool
// - retry with exponential backoff
// - a dead letter queue for intents that could not be delivered
type Dispatcher struct {
	gateway   notification.Gateway
	logs      notification.LogRepository
	templates *notification.Templates
	flags     Flags
	observer  Observer

	config      DispatcherConfig
	retrier     *retry.Retrier
	queue       chan notification.Intent
	deadLetterQ *DeadLetterQueue
	metrics     *DispatcherMetrics
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Flags gates notification kinds per student.
type Flags interface {
	IsEnabled(name, studentID string) bool
}

// Observer receives delivery measurements. See infrastructure/metrics.
type Observer interface {
	IntentQueued(kind string, depth int)
	IntentDropped(kind, reason string)
	SMSSent(kind string, latency time.Duration)
	SMSFailed(kind string)
}

type nopObserver struct{}

func (nopObserver) IntentQueued(string, int)      {}
func (nopObserver) IntentDropped(string, string)  {}
func (nopObserver) SMSSent(string, time.Duration) {}
func (nopObserver) SMSFailed(string)              {}

// Reasons for dead-lettering an intent.
const (
	ReasonQueueFull = "queue_full"
	ReasonStopped   = "dispatcher_stopped"
	ReasonInvalid   = "invalid_intent"
	ReasonRender    = "render_failed"
	ReasonSend      = "send_failed"
	ReasonDisabled  = "disabled"
)

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds the intents waiting for a worker.
	QueueSize int

	// Workers is the number of concurrent senders.
	Workers int

	// RetryConfig configures retry behavior
	RetryConfig RetryConfig

	// SendTimeout bounds a single gateway call.
	SendTimeout time.Duration

	// DeadLetterQueueSize is the max size of the DLQ
	DeadLetterQueueSize int

	// Logger for structured logging
	Logger *slog.Logger
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	// MaxAttempts counts the first send.
	MaxAttempts int

	// InitialBackoff is the initial wait between retries
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait between retries
	MaxBackoff time.Duration

	// BackoffMultiplier is the factor for exponential backoff
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the SMS gateway defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:           1024,
		Workers:             4,
		RetryConfig:         DefaultRetryConfig(),
		SendTimeout:         10 * time.Second,
		DeadLetterQueueSize: 1000,
	}
}

// Option configures optional collaborators.
type Option func(*Dispatcher)

// WithFlags gates each kind by its feature flag.
func WithFlags(f Flags) Option { return func(d *Dispatcher) { d.flags = f } }

// WithObserver reports delivery measurements.
func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.observer = o } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// NewDispatcher creates a dispatcher. Call Start to run the workers.
func NewDispatcher(config DispatcherConfig, gateway notification.Gateway, logs notification.LogRepository, templates *notification.Templates, opts ...Option) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	if config.RetryConfig.BackoffMultiplier <= 0 {
		config.RetryConfig.BackoffMultiplier = 2.0
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		gateway:     gateway,
		logs:        logs,
		templates:   templates,
		observer:    nopObserver{},
		config:      config,
		queue:       make(chan notification.Intent, config.QueueSize),
		deadLetterQ: NewDeadLetterQueue(config.DeadLetterQueueSize),
		metrics:     NewDispatcherMetrics(),
		logger:      config.Logger.With(logger.Component("notification_dispatcher")),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.retrier = retry.New(
		retry.WithMaxAttempts(config.RetryConfig.MaxAttempts),
		retry.WithInitialDelay(config.RetryConfig.InitialBackoff),
		retry.WithMaxDelay(config.RetryConfig.MaxBackoff),
		retry.WithMultiplier(config.RetryConfig.BackoffMultiplier),
		retry.WithJitter(0.2),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			d.metrics.RecordRetry()
			d.logger.Debug("retrying sms send",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				logger.Err(err),
			)
		}),
	)
	return d
}

// ══════════════════════════════════════════════════════════════════════════════
// ENQUEUE
// ══════════════════════════════════════════════════════════════════════════════

// EnqueueIntent implements notification.Enqueuer. It never blocks: a full
// queue sends the intent straight to the dead letter queue.
func (d *Dispatcher) EnqueueIntent(intent notification.Intent) {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = d.now()
	}
	kind := intent.Kind.String()

	if d.flags != nil && !d.flags.IsEnabled(intent.Kind.FeatureFlag(), intent.StudentID.String()) {
		d.metrics.RecordSkipped(intent.Kind)
		d.observer.IntentDropped(kind, ReasonDisabled)
		d.logger.Debug("notification kind disabled", logger.IntentKind(kind), logger.StudentID(intent.StudentID.String()))
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.deadLetter(intent, ReasonStopped, errors.New("dispatcher is stopped"), 0)
		return
	}

	select {
	case d.queue <- intent:
		d.metrics.RecordQueued(intent.Kind)
		d.observer.IntentQueued(kind, len(d.queue))
	default:
		d.deadLetter(intent, ReasonQueueFull, fmt.Errorf("queue full at %d intents", cap(d.queue)), 0)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// WORKERS
// ══════════════════════════════════════════════════════════════════════════════

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("dispatcher started",
		slog.Int("workers", d.config.Workers),
		slog.Int("queue_size", d.config.QueueSize),
	)
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for intent := range d.queue {
		d.safeProcess(id, intent)
	}
}

func (d *Dispatcher) safeProcess(worker int, intent notification.Intent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification worker panic recovered",
				slog.Int("worker", worker),
				logger.IntentKind(intent.Kind.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			d.deadLetter(intent, ReasonSend, fmt.Errorf("panic: %v", r), 0)
		}
	}()
	d.process(intent)
}

// process renders, sends and logs one intent. Failures stay here: nothing
// flows back to the call that produced the intent.
func (d *Dispatcher) process(intent notification.Intent) {
	start := d.now()
	kind := intent.Kind.String()
	log := d.logger.With(
		logger.IntentKind(kind),
		slog.String("intent_id", intent.ID),
		logger.StudentID(intent.StudentID.String()),
		logger.Phone(intent.Phone.String()),
	)

	if err := intent.Validate(); err != nil {
		log.Error("dropping invalid notification intent", logger.Err(err))
		d.deadLetter(intent, ReasonInvalid, err, 0)
		return
	}

	msg, err := d.templates.RenderIntent(intent)
	if err != nil {
		log.Error("failed to render notification", slog.String("template", intent.TemplateKey), logger.Err(err))
		d.deadLetter(intent, ReasonRender, err, 0)
		return
	}

	smsLog := notification.NewSMSLog(uuid.NewString(), intent, msg, start)
	d.saveLog(smsLog, log)

	err = d.retrier.Do(d.ctx, func(ctx context.Context) error {
		smsLog.RecordAttempt()
		ctx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
		defer cancel()

		res, err := d.gateway.Send(ctx, notification.SendRequest{To: intent.Phone.String(), Message: msg})
		if err != nil {
			return err
		}
		// delivery is confirmed later by the operator report
		smsLog.MarkSent(res.ProviderID, res.Cost, d.now())
		return nil
	})

	if err != nil {
		smsLog.MarkFailed(err.Error())
		d.saveLog(smsLog, log)
		log.Error("notification not delivered",
			slog.Int("attempts", smsLog.Attempts),
			logger.Err(err),
		)
		d.deadLetter(intent, ReasonSend, err, smsLog.Attempts)
		return
	}

	d.saveLog(smsLog, log)
	latency := d.now().Sub(start)
	d.metrics.RecordSent(intent.Kind, latency, smsLog.Attempts)
	d.observer.SMSSent(kind, latency)
	log.Info("notification sent",
		slog.String("provider_id", smsLog.ProviderID),
		slog.Int("attempts", smsLog.Attempts),
		logger.Latency(latency),
	)
}

func (d *Dispatcher) saveLog(l *notification.SMSLog, log *slog.Logger) {
	if d.logs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.config.SendTimeout)
	defer cancel()
	if err := d.logs.Save(ctx, l); err != nil {
		log.Warn("failed to save sms log", slog.String("sms_log_id", l.ID), logger.Err(err))
	}
}

func (d *Dispatcher) deadLetter(intent notification.Intent, reason string, err error, attempts int) {
	d.deadLetterQ.Add(DeadLetterEntry{
		Intent:   intent,
		Reason:   reason,
		Error:    err,
		Attempts: attempts,
		FailedAt: d.now(),
	})
	d.metrics.RecordFailure(intent.Kind)
	d.observer.IntentDropped(intent.Kind.String(), reason)
	if reason == ReasonSend {
		d.observer.SMSFailed(intent.Kind.String())
	}
	if reason == ReasonQueueFull || reason == ReasonStopped {
		d.logger.Warn("notification dead-lettered",
			logger.IntentKind(intent.Kind.String()),
			slog.String("reason", reason),
			logger.Err(err),
		)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Stop stops accepting intents and waits for the queue to drain. When ctx
// ends first, in-flight sends are cancelled and dead-lettered.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		for intent := range d.queue {
			d.deadLetter(intent, ReasonStopped, errors.New("dispatcher was never started"), 0)
		}
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
		err = ctx.Err()
	}
	d.cancel()
	d.logger.Info("dispatcher stopped", slog.Int("dead_letters", d.deadLetterQ.Size()))
	return err
}

// QueueDepth returns the number of intents waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Metrics returns dispatcher metrics.
func (d *Dispatcher) Metrics() *DispatcherMetrics {
	return d.metrics
}

// DeadLetterQueue returns the dead letter queue.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.deadLetterQ
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry represents an intent that was not delivered.
type DeadLetterEntry struct {
	Intent   notification.Intent
	Reason   string
	Error    error
	Attempts int
	FailedAt time.Time
}

// DeadLetterQueue stores intents that failed processing.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a new dead letter queue.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{
		entries: make([]DeadLetterEntry, 0),
		maxSize: maxSize,
	}
}

// Add adds an entry to the queue.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Remove oldest if at capacity
	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}

	q.entries = append(q.entries, entry)
}

// Entries returns all entries.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]DeadLetterEntry, len(q.entries))
	copy(result, q.entries)
	return result
}

// Size returns the current queue size.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Pop removes and returns the oldest entry.
func (q *DeadLetterQueue) Pop() (DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return DeadLetterEntry{}, false
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER METRICS
// ══════════════════════════════════════════════════════════════════════════════

// DispatcherMetrics tracks dispatcher performance for the health endpoint.
type DispatcherMetrics struct {
	mu sync.RWMutex

	QueuedByKind map[notification.Kind]int64
	SentByKind   map[notification.Kind]int64

	QueuedTotal  int64
	SentTotal    int64
	FailedTotal  int64
	SkippedTotal int64
	RetriesTotal int64

	TotalLatency time.Duration
	LastReset    time.Time
}

// NewDispatcherMetrics creates new dispatcher metrics.
func NewDispatcherMetrics() *DispatcherMetrics {
	return &DispatcherMetrics{
		QueuedByKind: make(map[notification.Kind]int64),
		SentByKind:   make(map[notification.Kind]int64),
		LastReset:    time.Now(),
	}
}

// RecordQueued records an accepted intent.
func (m *DispatcherMetrics) RecordQueued(kind notification.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueuedTotal++
	m.QueuedByKind[kind]++
}

// RecordSent records a delivered intent.
func (m *DispatcherMetrics) RecordSent(kind notification.Kind, latency time.Duration, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentTotal++
	m.SentByKind[kind]++
	m.TotalLatency += latency
}

// RecordRetry records a retried send.
func (m *DispatcherMetrics) RecordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RetriesTotal++
}

// RecordSkipped records an intent dropped by its feature flag.
func (m *DispatcherMetrics) RecordSkipped(kind notification.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SkippedTotal++
}

// RecordFailure records a dead-lettered intent.
func (m *DispatcherMetrics) RecordFailure(kind notification.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedTotal++
}

// Snapshot returns a point-in-time snapshot.
func (m *DispatcherMetrics) Snapshot() DispatcherMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avg := time.Duration(0)
	if m.SentTotal > 0 {
		avg = m.TotalLatency / time.Duration(m.SentTotal)
	}
	successRate := 1.0
	if done := m.SentTotal + m.FailedTotal; done > 0 {
		successRate = float64(m.SentTotal) / float64(done)
	}

	return DispatcherMetricsSnapshot{
		Queued:         m.QueuedTotal,
		Sent:           m.SentTotal,
		Failed:         m.FailedTotal,
		Skipped:        m.SkippedTotal,
		Retries:        m.RetriesTotal,
		SuccessRate:    successRate,
		AverageLatency: avg,
		LastReset:      m.LastReset,
	}
}

// DispatcherMetricsSnapshot is a point-in-time snapshot.
type DispatcherMetricsSnapshot struct {
	Queued         int64         `json:"queued"`
	Sent           int64         `json:"sent"`
	Failed         int64         `json:"failed"`
	Skipped        int64         `json:"skipped"`
	Retries        int64         `json:"retries"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	LastReset      time.Time     `json:"last_reset"`
}
