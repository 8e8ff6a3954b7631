package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
	"github.com/ivr-tutor/ivr-tutor/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS WRITER
// Applies progress updates off the call path. Updates for one
// (student, subject) are written strictly in submission order by a single
// goroutine; different keys proceed in parallel.
// ══════════════════════════════════════════════════════════════════════════════

// WriterConfig tunes the progress writer.
type WriterConfig struct {
	// MaxAttempts counts the first write. Store failures back off between attempts.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// WriteTimeout bounds a single get+upsert round trip.
	WriteTimeout time.Duration

	// ConflictRetries - immediate re-reads after a version conflict, per attempt.
	ConflictRetries int

	Apply progress.ApplyOptions
}

// DefaultWriterConfig returns the defaults matching config.ProgressConfig.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		MaxAttempts:     5,
		InitialBackoff:  200 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		WriteTimeout:    3 * time.Second,
		ConflictRetries: 3,
		Apply:           progress.ApplyOptions{RecentWindow: 5, Location: time.UTC},
	}
}

// FailedUpdate is an update that could not be persisted after every attempt.
// It is kept for manual reconciliation.
type FailedUpdate struct {
	Update   progress.Update
	Err      string
	FailedAt time.Time
}

type keyQueue struct {
	pending []progress.Update
}

// ProgressWriter serializes progress writes per record key.
type ProgressWriter struct {
	store    progress.Store
	cfg      WriterConfig
	retrier  *retry.Retrier
	logger   *slog.Logger
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queues   map[string]*keyQueue
	inflight int
	idle     chan struct{}
	closed   bool
	failed   []FailedUpdate
}

// NewProgressWriter creates a writer. observer may be nil.
func NewProgressWriter(store progress.Store, cfg WriterConfig, log *slog.Logger, observer Observer) *ProgressWriter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	if observer == nil {
		observer = NopObserver{}
	}

	w := &ProgressWriter{
		store:    store,
		cfg:      cfg,
		logger:   log.With(logger.Component("progress_writer")),
		observer: observer,
		queues:   make(map[string]*keyQueue),
		idle:     make(chan struct{}),
	}
	close(w.idle)
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.retrier = retry.New(
		retry.WithMaxAttempts(cfg.MaxAttempts),
		retry.WithInitialDelay(cfg.InitialBackoff),
		retry.WithMaxDelay(cfg.MaxBackoff),
		retry.WithRetryIf(func(err error) bool { return !shared.IsValidation(err) }),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			w.logger.Warn("progress write failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				logger.Err(err),
			)
		}),
	)
	return w
}

// Submit queues an update and returns immediately.
func (w *ProgressWriter) Submit(u progress.Update) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		w.fail(u, errors.New("progress writer is closed"))
		return
	}

	if w.inflight == 0 {
		w.idle = make(chan struct{})
	}
	w.inflight++

	key := u.RecordKey()
	if q, ok := w.queues[key]; ok {
		q.pending = append(q.pending, u)
		return
	}
	w.queues[key] = &keyQueue{pending: []progress.Update{u}}
	go w.drain(key)
}

func (w *ProgressWriter) drain(key string) {
	for {
		w.mu.Lock()
		q := w.queues[key]
		if len(q.pending) == 0 {
			delete(w.queues, key)
			w.mu.Unlock()
			return
		}
		u := q.pending[0]
		q.pending = q.pending[1:]
		w.mu.Unlock()

		w.write(u)

		w.mu.Lock()
		w.inflight--
		if w.inflight == 0 {
			close(w.idle)
		}
		w.mu.Unlock()
	}
}

func (w *ProgressWriter) write(u progress.Update) {
	log := w.logger.With(
		logger.StudentID(u.StudentID.String()),
		logger.Subject(u.Subject),
		logger.CallID(u.CallID),
		slog.String("update_key", u.Key),
	)

	var changed bool
	err := w.retrier.Do(w.ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()

		var err error
		changed, err = w.apply(ctx, u)
		if err != nil && shared.IsValidation(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		log.Error("progress update not persisted, needs reconciliation",
			slog.String("kind", string(u.Kind)),
			logger.UnitID(u.UnitID),
			slog.Int("delta", u.Delta),
			logger.Err(err),
		)
		w.mu.Lock()
		w.fail(u, err)
		w.mu.Unlock()
		return
	}

	if !changed {
		w.observer.ProgressWrite(WriteSkipped)
	} else {
		w.observer.ProgressWrite(WriteOK)
	}

	if u.Kind == progress.UpdateQuizScored {
		ctx, cancel := context.WithTimeout(w.ctx, w.cfg.WriteTimeout)
		defer cancel()
		if err := w.store.AppendAttempt(ctx, u.Attempt(AttemptID(u.Key))); err != nil {
			log.Warn("failed to append quiz attempt", logger.Err(err))
		}
	}
}

// apply reads the stored record, merges u and upserts. Version conflicts
// are re-read immediately up to ConflictRetries times.
func (w *ProgressWriter) apply(ctx context.Context, u progress.Update) (bool, error) {
	for i := 0; ; i++ {
		stored, err := w.store.GetProgress(ctx, u.StudentID, u.Subject)
		if err != nil {
			if !shared.IsNotFound(err) {
				return false, err
			}
			stored = nil
		}

		next, changed := progress.Apply(stored, u, w.cfg.Apply)
		if !changed {
			return false, nil
		}

		err = w.store.UpsertProgress(ctx, next)
		if err == nil {
			return true, nil
		}
		if shared.IsConflict(err) && i < w.cfg.ConflictRetries {
			continue
		}
		return false, err
	}
}

// fail records u for reconciliation. Caller holds w.mu.
func (w *ProgressWriter) fail(u progress.Update, err error) {
	w.failed = append(w.failed, FailedUpdate{Update: u, Err: err.Error(), FailedAt: time.Now()})
	w.observer.ProgressWrite(WriteFailed)
}

// Failed returns updates that exhausted their attempts.
func (w *ProgressWriter) Failed() []FailedUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]FailedUpdate, len(w.failed))
	copy(out, w.failed)
	return out
}

// Pending returns the number of queued or running writes.
func (w *ProgressWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}

// Flush waits until every submitted update has been written or failed.
func (w *ProgressWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting updates and waits for queued ones. When ctx expires
// first, in-flight retries are cancelled and end up in Failed.
func (w *ProgressWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	err := w.Flush(ctx)
	w.cancel()
	if err != nil {
		// wait for cancelled writes to land in the failed list
		_ = w.Flush(context.Background())
	}
	return err
}

// AttemptID derives a stable attempt id from an update key, so replays of
// the same update append nothing new.
func AttemptID(updateKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("ivr-tutor:attempt:"+updateKey)).String()
}
