package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/recommendation"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/session"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ══════════════════════════════════════════════════════════════════════════════

// Config holds the call-flow tunables.
type Config struct {
	Limits  session.Limits
	Scoring progress.ScoringRules
	Policy  recommendation.Policy

	// Location is the local zone used for daily streaks.
	Location *time.Location

	// DefaultCountryCode is prepended to national caller ids.
	DefaultCountryCode string

	// IdleTimeout closes calls that received no event for this long.
	IdleTimeout time.Duration

	// EventTimeout bounds the store calls made while handling one event.
	EventTimeout time.Duration

	// CheckpointTTL is how long a saved session outlives its last event.
	CheckpointTTL time.Duration

	Writer WriterConfig
}

// DefaultConfig returns the defaults matching the environment config.
func DefaultConfig() Config {
	return Config{
		Limits:             session.DefaultLimits(),
		Scoring:            progress.DefaultScoringRules(),
		Policy:             recommendation.DefaultPolicy(),
		Location:           time.UTC,
		DefaultCountryCode: "254",
		IdleTimeout:        2 * time.Minute,
		EventTimeout:       3 * time.Second,
		CheckpointTTL:      10 * time.Minute,
		Writer:             DefaultWriterConfig(),
	}
}

// Deps are the collaborators of the orchestrator. Cache, Checkpoints, Flags,
// Observer, Logger and Clock are optional.
type Deps struct {
	Catalog     catalog.Catalog
	Students    student.Repository
	Cache       student.Cache
	Progress    progress.Store
	Checkpoints CheckpointStore
	Notifier    notification.Enqueuer
	Flags       Flags
	Observer    Observer
	Logger      *slog.Logger
	Clock       func() time.Time
}

// InboundEvent is one telephony callback.
type InboundEvent struct {
	CallID string
	Phone  string
	Type   string
	Digit  string
}

// RecoveryResult summarizes RecoverCheckpoints.
type RecoveryResult struct {
	Resumed int
	Closed  int
	Dropped int
}

// ══════════════════════════════════════════════════════════════════════════════
// ORCHESTRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Orchestrator owns the live calls of this process.
type Orchestrator struct {
	cfg Config

	catalog     catalog.Catalog
	students    student.Repository
	cache       student.Cache
	progress    progress.Store
	checkpoints CheckpointStore
	notifier    notification.Enqueuer
	flags       Flags
	observer    Observer
	logger      *slog.Logger
	clock       func() time.Time

	registry *registry
	writer   *ProgressWriter
}

// New creates an orchestrator and starts its progress writer.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 3 * time.Second
	}
	if cfg.CheckpointTTL <= 0 {
		cfg.CheckpointTTL = 5 * cfg.IdleTimeout
	}
	cfg.Writer.Apply = progress.ApplyOptions{RecentWindow: cfg.Policy.RecentWindow, Location: cfg.Location}

	o := &Orchestrator{
		cfg:         cfg,
		catalog:     deps.Catalog,
		students:    deps.Students,
		cache:       deps.Cache,
		progress:    deps.Progress,
		checkpoints: deps.Checkpoints,
		notifier:    deps.Notifier,
		flags:       deps.Flags,
		observer:    deps.Observer,
		logger:      deps.Logger,
		clock:       deps.Clock,
		registry:    newRegistry(),
	}
	if o.flags == nil {
		o.flags = allFlags{}
	}
	if o.observer == nil {
		o.observer = NopObserver{}
	}
	if o.logger == nil {
		o.logger = logger.Discard()
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	o.logger = o.logger.With(logger.Component("orchestrator"))
	o.writer = NewProgressWriter(deps.Progress, cfg.Writer, o.logger, o.observer)
	return o
}

// Writer exposes the progress writer for reconciliation reports.
func (o *Orchestrator) Writer() *ProgressWriter { return o.writer }

// ActiveCalls returns the number of live calls.
func (o *Orchestrator) ActiveCalls() int { return o.registry.size() }

// Close waits for pending progress writes.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.writer.Close(ctx)
}

// ─────────────────────────────────────────────────────────────────────────────
// HandleEvent
// ─────────────────────────────────────────────────────────────────────────────

// HandleEvent processes one telephony event and returns what to play next.
// Only malformed requests (no call id, unknown event type, bad phone) are
// errors; every other failure still yields a response the caller can play.
func (o *Orchestrator) HandleEvent(ctx context.Context, in InboundEvent) (session.Response, error) {
	start := o.clock()

	callID := shared.CallID(strings.TrimSpace(in.CallID))
	if callID.IsEmpty() {
		return session.Response{}, shared.ErrInvalidEvent.With(errors.New("call_id is required"))
	}
	evType, err := session.ParseEventType(strings.TrimSpace(in.Type))
	if err != nil {
		return session.Response{}, err
	}
	phone, err := shared.NormalizePhone(in.Phone, o.cfg.DefaultCountryCode)
	if err != nil {
		return session.Response{}, err
	}

	log := logger.FromContext(ctx).With(
		logger.Component("orchestrator"),
		logger.CallID(callID.String()),
		logger.Phone(phone.String()),
	)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.EventTimeout)
	defer cancel()

	e, ok := o.registry.acquire(callID)
	if !ok {
		log.Debug("event for closed call", slog.String("event", string(evType)))
		return session.Response{Action: session.ActionHangup}, nil
	}
	defer e.mu.Unlock()

	if !e.ready {
		if err := o.open(ctx, e, callID, phone, start, log); err != nil {
			log.Error("failed to open call session", logger.Err(err))
			// not remembered as closed: a redelivered event may open it again
			o.registry.release(callID, e, time.Time{})
			return o.apology(), nil
		}
	}

	res := o.step(ctx, e, session.Event{Type: evType, Digit: strings.TrimSpace(in.Digit)}, start, log)

	o.observer.EventHandled(string(evType), string(res.Session.State), o.clock().Sub(start))
	return res.Response, nil
}

// open initializes a fresh entry: from a checkpoint when one exists,
// otherwise as a new call for the student behind phone.
func (o *Orchestrator) open(ctx context.Context, e *entry, callID shared.CallID, phone shared.PhoneNumber, now time.Time, log *slog.Logger) error {
	if o.checkpoints != nil {
		sess, err := o.checkpoints.Load(ctx, callID)
		switch {
		case err == nil:
			if verr := sess.Validate(); verr != nil || sess.IsClosed() {
				log.Warn("discarding unusable checkpoint", logger.Err(verr))
				break
			}
			e.sess = sess
			o.loadContext(ctx, e, log)
			e.ready = true
			o.observer.SessionOpened()
			log.Info("call resumed from checkpoint", logger.State(string(sess.State)))
			return nil
		case !shared.IsNotFound(err):
			log.Warn("failed to load checkpoint", logger.Err(err))
		}
	}

	st, err := o.resolveStudent(ctx, phone, now, log)
	if err != nil {
		return fmt.Errorf("resolve student: %w", err)
	}
	recs, err := o.progress.ListProgress(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}

	e.sess = session.New(session.NewParams{
		CallID:    callID,
		StudentID: st.ID,
		Phone:     phone,
		Language:  o.catalog.ResolveLanguage(st.Language),
		Now:       now,
	})
	e.enrollments = st.MenuSubjects()
	e.progress = indexRecords(recs)
	e.ready = true
	o.observer.SessionOpened()

	log.Info("call started", logger.StudentID(st.ID.String()), slog.String("language", e.sess.Language.String()))
	return nil
}

// resolveStudent finds the caller or registers them on first contact.
func (o *Orchestrator) resolveStudent(ctx context.Context, phone shared.PhoneNumber, now time.Time, log *slog.Logger) (*student.Student, error) {
	if o.cache != nil {
		if st, err := o.cache.Get(ctx, phone); err == nil && st != nil {
			o.touch(ctx, st, now, log)
			return st, nil
		}
	}

	st, err := o.students.GetByPhone(ctx, phone)
	switch {
	case err == nil:
	case shared.IsNotFound(err):
		st, err = student.NewStudent(student.NewStudentParams{
			ID:       shared.StudentID(uuid.NewString()),
			Phone:    phone,
			Language: o.catalog.DefaultLanguage(),
			Now:      now,
		})
		if err != nil {
			return nil, err
		}
		if err := o.students.Create(ctx, st); err != nil {
			if !shared.IsAlreadyExists(err) {
				return nil, err
			}
			// a concurrent call registered the same number first
			if st, err = o.students.GetByPhone(ctx, phone); err != nil {
				return nil, err
			}
		} else {
			log.Info("student registered", logger.StudentID(st.ID.String()))
		}
	default:
		return nil, err
	}

	o.touch(ctx, st, now, log)
	if o.cache != nil {
		if err := o.cache.Set(ctx, st); err != nil {
			log.Warn("failed to cache student", logger.Err(err))
		}
	}
	return st, nil
}

// touch records the call on the student. Only last_call_at is written, so a
// cached copy never overwrites reminder or enrollment changes. Failures only
// cost reminder accuracy.
func (o *Orchestrator) touch(ctx context.Context, st *student.Student, now time.Time, log *slog.Logger) {
	st.RecordCall(now)
	if err := o.students.RecordCall(ctx, st.ID, now); err != nil {
		log.Warn("failed to record call on student", logger.StudentID(st.ID.String()), logger.Err(err))
	}
}

// loadContext reloads enrollments and progress for a resumed call.
func (o *Orchestrator) loadContext(ctx context.Context, e *entry, log *slog.Logger) {
	if st, err := o.students.GetByID(ctx, e.sess.StudentID); err == nil {
		e.enrollments = st.MenuSubjects()
	} else {
		log.Warn("failed to load student for resumed call", logger.Err(err))
	}
	if recs, err := o.progress.ListProgress(ctx, e.sess.StudentID); err == nil {
		e.progress = indexRecords(recs)
	} else {
		log.Warn("failed to load progress for resumed call", logger.Err(err))
	}
}

// step runs one transition on a locked, ready entry and executes its intents.
func (o *Orchestrator) step(ctx context.Context, e *entry, ev session.Event, now time.Time, log *slog.Logger) session.Result {
	from := e.sess.State
	res := session.Transition(e.sess, ev, o.env(e, now))
	e.sess = res.Session

	log.Debug("event handled",
		slog.String("event", string(ev.Type)),
		slog.String("from", string(from)),
		logger.State(string(res.Session.State)),
	)

	o.execute(ctx, e, res, now, log)
	return res
}

func (o *Orchestrator) env(e *entry, now time.Time) session.Env {
	policy := o.cfg.Policy
	policy.RemedialEnabled = policy.RemedialEnabled && o.flags.IsEnabled(FlagRemedial, e.sess.StudentID.String())

	return session.Env{
		Catalog:     o.catalog,
		Policy:      policy,
		Enrollments: e.enrollments,
		Progress:    e.progress,
		Limits:      o.cfg.Limits,
		Scoring:     o.cfg.Scoring,
		Apply:       o.cfg.Writer.Apply,
		Now:         now,
	}
}

// execute carries out the intents of one transition.
func (o *Orchestrator) execute(ctx context.Context, e *entry, res session.Result, now time.Time, log *slog.Logger) {
	for _, u := range res.Intents.Updates {
		o.writer.Submit(u)
	}

	for _, n := range res.Intents.Notifications {
		n.ID = uuid.NewString()
		o.notifier.EnqueueIntent(n)
	}

	for _, d := range res.Intents.Diagnostics {
		log.Error("content diagnostic",
			slog.String("code", d.Code),
			logger.UnitID(d.UnitID),
			slog.String("detail", d.Message),
			logger.Subject(e.sess.Subject),
		)
		o.observer.Diagnostic(d.Code)
	}

	sess := res.Session
	if res.Intents.Release {
		o.registry.release(sess.CallID, e, now)
		if o.checkpoints != nil {
			if err := o.checkpoints.Delete(ctx, sess.CallID); err != nil {
				log.Warn("failed to delete checkpoint", logger.Err(err))
			}
		}
		o.observer.SessionClosed(string(sess.Outcome))
		log.Info("call closed",
			slog.String("outcome", string(sess.Outcome)),
			slog.String("status", string(sess.Status)),
			slog.Int("units_completed", sess.UnitsCompleted),
			slog.Int("score_delta", sess.ScoreDelta),
			logger.Latency(now.Sub(sess.StartedAt)),
		)
		return
	}

	if o.checkpoints != nil && o.flags.IsEnabled(FlagCheckpoint, sess.StudentID.String()) {
		if err := o.checkpoints.Save(ctx, sess, o.cfg.CheckpointTTL); err != nil {
			log.Warn("failed to save checkpoint", logger.Err(err))
		}
	}
}

// apology is played when a call cannot even be set up.
func (o *Orchestrator) apology() session.Response {
	lang := o.catalog.DefaultLanguage()
	resp := session.Response{Action: session.ActionHangup}
	if ref, err := o.catalog.Prompt(lang, catalog.PromptApology); err == nil {
		resp.Prelude = []string{ref}
	}
	if ref, err := o.catalog.Prompt(lang, catalog.PromptGoodbye); err == nil {
		resp.ContentRef = ref
	}
	return resp
}

// ─────────────────────────────────────────────────────────────────────────────
// Expiry & recovery
// ─────────────────────────────────────────────────────────────────────────────

// ExpireIdle closes calls idle for longer than the idle timeout as hangups
// and returns how many were closed. Calls busy with an event are skipped.
func (o *Orchestrator) ExpireIdle(ctx context.Context, now time.Time) int {
	log := logger.FromContext(ctx).With(logger.Component("orchestrator"), logger.Operation("expire_idle"))

	expired := 0
	for _, e := range o.registry.snapshot() {
		if !e.mu.TryLock() {
			continue
		}
		if e.ready && !e.released && e.sess.IdleFor(now) >= o.cfg.IdleTimeout {
			callLog := log.With(logger.CallID(e.sess.CallID.String()))
			callLog.Info("closing idle call", logger.State(string(e.sess.State)))
			o.step(ctx, e, session.Event{Type: session.EventHangup}, now, callLog)
			expired++
		}
		e.mu.Unlock()
	}

	o.registry.forget(now.Add(-o.cfg.IdleTimeout))
	return expired
}

// RecoverCheckpoints runs at startup. Stale checkpoints are closed as
// hangups so partial progress and the call summary are not lost; fresh
// ones are registered to continue with the next telephony event.
func (o *Orchestrator) RecoverCheckpoints(ctx context.Context) (RecoveryResult, error) {
	var result RecoveryResult
	if o.checkpoints == nil {
		return result, nil
	}

	log := logger.FromContext(ctx).With(logger.Component("orchestrator"), logger.Operation("recover"))

	saved, err := o.checkpoints.List(ctx)
	if err != nil {
		return result, fmt.Errorf("list checkpoints: %w", err)
	}

	now := o.clock()
	for _, sess := range saved {
		callLog := log.With(logger.CallID(sess.CallID.String()))

		if err := sess.Validate(); err != nil || sess.IsClosed() {
			if !sess.CallID.IsEmpty() {
				_ = o.checkpoints.Delete(ctx, sess.CallID)
			}
			callLog.Warn("dropping unusable checkpoint", logger.Err(err))
			result.Dropped++
			continue
		}

		e := &entry{sess: sess, ready: true}
		o.loadContext(ctx, e, callLog)
		e.mu.Lock()
		if !o.registry.put(sess.CallID, e) {
			e.mu.Unlock()
			continue
		}
		o.observer.SessionOpened()

		if sess.IdleFor(now) >= o.cfg.IdleTimeout {
			o.step(ctx, e, session.Event{Type: session.EventHangup}, now, callLog)
			result.Closed++
		} else {
			result.Resumed++
		}
		e.mu.Unlock()
	}

	log.Info("checkpoint recovery finished",
		slog.Int("resumed", result.Resumed),
		slog.Int("closed", result.Closed),
		slog.Int("dropped", result.Dropped),
	)
	return result, nil
}

func indexRecords(recs []*progress.Record) map[string]*progress.Record {
	out := make(map[string]*progress.Record, len(recs))
	for _, r := range recs {
		out[r.Subject] = r
	}
	return out
}
