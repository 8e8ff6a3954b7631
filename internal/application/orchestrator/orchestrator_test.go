package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/application/orchestrator"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog/catalogtest"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/session"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/persistence/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const phone = "+254712345678"

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type enqueuer struct {
	mu      sync.Mutex
	intents []notification.Intent
}

func (e *enqueuer) EnqueueIntent(i notification.Intent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intents = append(e.intents, i)
}

func (e *enqueuer) byKind(k notification.Kind) []notification.Intent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []notification.Intent
	for _, i := range e.intents {
		if i.Kind == k {
			out = append(out, i)
		}
	}
	return out
}

type flakyStore struct {
	*memory.ProgressStore
	mu       sync.Mutex
	failures int
	upserts  int
}

func (f *flakyStore) UpsertProgress(ctx context.Context, rec *progress.Record) error {
	f.mu.Lock()
	f.upserts++
	if f.failures != 0 {
		f.failures--
		f.mu.Unlock()
		return shared.ErrServiceUnavailable
	}
	f.mu.Unlock()
	return f.ProgressStore.UpsertProgress(ctx, rec)
}

type downStudents struct {
	student.Repository
}

func (downStudents) GetByPhone(context.Context, shared.PhoneNumber) (*student.Student, error) {
	return nil, shared.ErrServiceUnavailable
}

type flakyStudents struct {
	student.Repository
	failures int
}

func (f *flakyStudents) GetByPhone(ctx context.Context, p shared.PhoneNumber) (*student.Student, error) {
	if f.failures > 0 {
		f.failures--
		return nil, shared.ErrServiceUnavailable
	}
	return f.Repository.GetByPhone(ctx, p)
}

type flags map[string]bool

func (f flags) IsEnabled(name, _ string) bool {
	on, ok := f[name]
	return !ok || on
}

// ─────────────────────────────────────────────────────────────────────────────
// Harness
// ─────────────────────────────────────────────────────────────────────────────

type harness struct {
	t           *testing.T
	now         time.Time
	students    student.Repository
	cache       student.Cache
	progress    *memory.ProgressStore
	checkpoints *memory.CheckpointStore
	notes       *enqueuer
	flags       orchestrator.Flags
	orch        *orchestrator.Orchestrator
}

func newHarness(t *testing.T) *harness {
	repo := memory.NewStudentRepository()
	st, err := student.NewStudent(student.NewStudentParams{ID: "s1", Phone: phone, Language: "en", Now: t0.Add(-48 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, st.Enroll("math", 1, t0))
	require.NoError(t, repo.Create(context.Background(), st))

	h := &harness{
		t:           t,
		now:         t0,
		students:    repo,
		progress:    memory.NewProgressStore(),
		checkpoints: memory.NewCheckpointStore(),
		notes:       &enqueuer{},
	}
	h.orch = h.build()
	return h
}

func (h *harness) build() *orchestrator.Orchestrator {
	cfg := orchestrator.DefaultConfig()
	cfg.Writer.InitialBackoff = time.Millisecond
	cfg.Writer.MaxBackoff = time.Millisecond
	o := orchestrator.New(cfg, orchestrator.Deps{
		Catalog:     catalogtest.Snapshot(),
		Students:    h.students,
		Cache:       h.cache,
		Progress:    h.progress,
		Checkpoints: h.checkpoints,
		Notifier:    h.notes,
		Flags:       h.flags,
		Clock:       func() time.Time { return h.now },
	})
	h.t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o
}

func (h *harness) send(callID string, typ session.EventType, digit string) session.Response {
	h.now = h.now.Add(time.Second)
	resp, err := h.orch.HandleEvent(context.Background(), orchestrator.InboundEvent{
		CallID: callID, Phone: phone, Type: string(typ), Digit: digit,
	})
	require.NoError(h.t, err)
	return resp
}

func (h *harness) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.orch.Writer().Flush(ctx))
}

// ─────────────────────────────────────────────────────────────────────────────
// HandleEvent
// ─────────────────────────────────────────────────────────────────────────────

func TestHandleEvent_LessonFlowPersistsProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.send("call-1", session.EventStart, "")
	assert.Equal(t, session.ActionPlayAndCollect, resp.Action)
	assert.Equal(t, "prompts/en/menu.mp3", resp.ContentRef)

	resp = h.send("call-1", session.EventDigit, "1")
	assert.Equal(t, session.ActionPlayAudio, resp.Action)
	assert.Equal(t, "audio/unit_1.mp3", resp.ContentRef)

	resp = h.send("call-1", session.EventPlaybackComplete, "")
	assert.Equal(t, "audio/q1.mp3", resp.ContentRef)

	resp = h.send("call-1", session.EventDigit, "2")
	assert.Equal(t, "audio/unit_2.mp3", resp.ContentRef)
	assert.Equal(t, 1, h.orch.ActiveCalls())

	resp = h.send("call-1", session.EventHangup, "")
	assert.Equal(t, session.ActionHangup, resp.Action)
	assert.Zero(t, h.orch.ActiveCalls())

	h.flush()
	rec, err := h.progress.GetProgress(ctx, "s1", "math")
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Score)
	assert.Equal(t, "unit_1", rec.LastCompletedUnitID)
	assert.Equal(t, "unit_2", rec.InProgressUnitID)
	assert.Equal(t, "call-1:3", rec.LastUpdateKey)

	attempts, err := h.progress.RecentAttempts(ctx, "s1", "math", 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, orchestrator.AttemptID("call-1:1"), attempts[0].ID)
	assert.True(t, attempts[0].Correct)

	summaries := h.notes.byKind(notification.KindSessionSummary)
	require.Len(t, summaries, 1)
	assert.NotEmpty(t, summaries[0].ID)
	assert.Equal(t, "1", summaries[0].Params["units_completed"])

	st, err := h.students.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), st.LastCallAt)

	_, err = h.checkpoints.Load(ctx, "call-1")
	assert.ErrorIs(t, err, shared.ErrCheckpointMissing)
	assert.Empty(t, h.orch.Writer().Failed())
}

func TestHandleEvent_RegistersUnknownCaller(t *testing.T) {
	h := newHarness(t)
	h.now = h.now.Add(time.Second)

	resp, err := h.orch.HandleEvent(context.Background(), orchestrator.InboundEvent{
		CallID: "call-9", Phone: "0733 111 222", Type: "start",
	})
	require.NoError(t, err)
	assert.Equal(t, session.ActionPlayAndCollect, resp.Action)
	// no enrollments: every subject of the catalog, alphabetically
	assert.Contains(t, resp.Prelude, "menu/en/english.mp3")
	assert.Contains(t, resp.Prelude, "menu/en/math.mp3")

	st, err := h.students.GetByPhone(context.Background(), "+254733111222")
	require.NoError(t, err)
	assert.Equal(t, shared.Language("en"), st.Language)
	assert.False(t, st.LastCallAt.IsZero())
}

func TestHandleEvent_CachedStudentDoesNotOverwriteRepository(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cache = memory.NewStudentCache(time.Hour)
	h.orch = h.build()

	stale, err := h.students.GetByID(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, h.cache.Set(ctx, stale))

	// the reminder job wrote after the copy was cached
	fresh, err := h.students.GetByID(ctx, "s1")
	require.NoError(t, err)
	fresh.RecordReminder(t0.Add(-time.Hour))
	require.NoError(t, fresh.Enroll("english", 2, t0))
	require.NoError(t, h.students.Update(ctx, fresh))

	h.send("call-1", session.EventStart, "")

	got, err := h.students.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.LastCallAt.Equal(h.now))
	assert.True(t, got.LastReminderAt.Equal(t0.Add(-time.Hour)))
	assert.ElementsMatch(t, []string{"math", "english"}, got.MenuSubjects())
}

func TestHandleEvent_RejectsMalformedRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   orchestrator.InboundEvent
	}{
		{"missing call id", orchestrator.InboundEvent{Phone: phone, Type: "start"}},
		{"unknown event", orchestrator.InboundEvent{CallID: "c", Phone: phone, Type: "ring"}},
		{"bad phone", orchestrator.InboundEvent{CallID: "c", Phone: "abc", Type: "start"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.HandleEvent(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, shared.IsValidation(err))
		})
	}
	assert.Zero(t, h.orch.ActiveCalls())
}

func TestHandleEvent_LateEventsAfterCloseHangUp(t *testing.T) {
	h := newHarness(t)

	h.send("call-1", session.EventStart, "")
	h.send("call-1", session.EventHangup, "")

	resp := h.send("call-1", session.EventDigit, "1")
	assert.Equal(t, session.Response{Action: session.ActionHangup}, resp)
	assert.Len(t, h.notes.byKind(notification.KindSessionSummary), 1)
	assert.Zero(t, h.orch.ActiveCalls())
}

func TestHandleEvent_StoreOutageStillAnswersCaller(t *testing.T) {
	h := newHarness(t)
	h.students = downStudents{}
	h.orch = h.build()

	resp := h.send("call-1", session.EventStart, "")
	assert.Equal(t, session.ActionHangup, resp.Action)
	assert.Equal(t, []string{"prompts/en/apology.mp3"}, resp.Prelude)
	assert.Equal(t, "prompts/en/goodbye.mp3", resp.ContentRef)
	assert.Zero(t, h.orch.ActiveCalls())
}

func TestHandleEvent_FailedOpenCanBeRetried(t *testing.T) {
	h := newHarness(t)
	h.students = &flakyStudents{Repository: h.students, failures: 1}
	h.orch = h.build()

	resp := h.send("call-1", session.EventStart, "")
	assert.Equal(t, session.ActionHangup, resp.Action)
	assert.Equal(t, []string{"prompts/en/apology.mp3"}, resp.Prelude)
	assert.Zero(t, h.orch.ActiveCalls())

	resp = h.send("call-1", session.EventStart, "")
	assert.NotEqual(t, session.ActionHangup, resp.Action)
	assert.NotContains(t, resp.Prelude, "prompts/en/apology.mp3")
	assert.Equal(t, 1, h.orch.ActiveCalls())
}

func TestHandleEvent_ResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)

	h.send("call-1", session.EventStart, "")
	h.send("call-1", session.EventDigit, "1")

	saved, err := h.checkpoints.Load(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateLessonPlayback, saved.State)
	assert.Equal(t, "unit_1", saved.UnitID)

	// a new process picks the call up where the old one left it
	h.orch = h.build()
	resp := h.send("call-1", session.EventPlaybackComplete, "")
	assert.Equal(t, "audio/q1.mp3", resp.ContentRef)
}

func TestHandleEvent_CheckpointFlagOff(t *testing.T) {
	h := newHarness(t)
	h.flags = flags{orchestrator.FlagCheckpoint: false}
	h.orch = h.build()

	h.send("call-1", session.EventStart, "")
	list, err := h.checkpoints.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHandleEvent_ConcurrentCallsAreIndependent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(callID string) {
			defer wg.Done()
			for _, ev := range []orchestrator.InboundEvent{
				{CallID: callID, Phone: phone, Type: "start"},
				{CallID: callID, Phone: phone, Type: "digit", Digit: "1"},
				{CallID: callID, Phone: phone, Type: "hangup"},
			} {
				_, err := h.orch.HandleEvent(ctx, ev)
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	assert.Zero(t, h.orch.ActiveCalls())
	assert.Len(t, h.notes.byKind(notification.KindSessionSummary), 4)

	h.flush()
	rec, err := h.progress.GetProgress(ctx, "s1", "math")
	require.NoError(t, err)
	assert.Equal(t, "unit_1", rec.InProgressUnitID)
}

// ─────────────────────────────────────────────────────────────────────────────
// Expiry & recovery
// ─────────────────────────────────────────────────────────────────────────────

func TestExpireIdle_ClosesAsHangup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.send("call-1", session.EventStart, "")
	h.send("call-1", session.EventDigit, "1")
	h.send("call-2", session.EventStart, "")

	assert.Zero(t, h.orch.ExpireIdle(ctx, h.now.Add(time.Minute)))

	h.now = h.now.Add(3 * time.Minute)
	assert.Equal(t, 2, h.orch.ExpireIdle(ctx, h.now))
	assert.Zero(t, h.orch.ActiveCalls())
	assert.Len(t, h.notes.byKind(notification.KindSessionSummary), 2)

	h.flush()
	rec, err := h.progress.GetProgress(ctx, "s1", "math")
	require.NoError(t, err)
	assert.Equal(t, "unit_1", rec.InProgressUnitID)

	_, err = h.checkpoints.Load(ctx, "call-1")
	assert.ErrorIs(t, err, shared.ErrCheckpointMissing)
}

func TestRecoverCheckpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	underway := func(callID string, updatedAt time.Time) session.CallSession {
		s := session.New(session.NewParams{CallID: shared.CallID(callID), StudentID: "s1", Phone: phone, Language: "en", Now: updatedAt})
		s.State = session.StateLessonPlayback
		s.Menu = []string{"math"}
		s.Subject = "math"
		s.UnitID = "unit_1"
		s.Record = progress.NewRecord("s1", "math")
		return s
	}
	require.NoError(t, h.checkpoints.Save(ctx, underway("stale", t0.Add(-10*time.Minute)), 0))
	require.NoError(t, h.checkpoints.Save(ctx, underway("fresh", t0.Add(-10*time.Second)), 0))
	require.NoError(t, h.checkpoints.Save(ctx, session.CallSession{CallID: "broken"}, 0))

	res, err := h.orch.RecoverCheckpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RecoveryResult{Resumed: 1, Closed: 1, Dropped: 1}, res)
	assert.Equal(t, 1, h.orch.ActiveCalls())
	assert.Len(t, h.notes.byKind(notification.KindSessionSummary), 1)

	h.flush()
	rec, err := h.progress.GetProgress(ctx, "s1", "math")
	require.NoError(t, err)
	assert.Equal(t, "unit_1", rec.InProgressUnitID)

	// the fresh call keeps going with its next event
	resp := h.send("fresh", session.EventPlaybackComplete, "")
	assert.Equal(t, "audio/q1.mp3", resp.ContentRef)
}

// ─────────────────────────────────────────────────────────────────────────────
// Progress writer
// ─────────────────────────────────────────────────────────────────────────────

func quizUpdate(key string, delta int) progress.Update {
	return progress.Update{
		Key: key, CallID: "c1", StudentID: "s1", Subject: "math",
		Kind: progress.UpdateQuizScored, UnitID: "unit_1", Ordinal: 1, QuizItemID: "q-" + key,
		Delta: delta, ScorePercent: delta * 10, Attempts: 1, Correct: true, At: t0,
	}
}

func writerConfig() orchestrator.WriterConfig {
	cfg := orchestrator.DefaultWriterConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return cfg
}

func TestProgressWriter_AppliesInOrderPerKey(t *testing.T) {
	store := memory.NewProgressStore()
	w := orchestrator.NewProgressWriter(store, writerConfig(), nil, nil)

	for i := 1; i <= 10; i++ {
		w.Submit(quizUpdate("c1:"+string(rune('a'+i)), 10))
	}
	other := quizUpdate("c2:1", 5)
	other.Subject = "english"
	w.Submit(other)

	ctx := context.Background()
	require.NoError(t, w.Close(ctx))

	rec, err := store.GetProgress(ctx, "s1", "math")
	require.NoError(t, err)
	assert.Equal(t, 100, rec.Score)
	assert.Equal(t, "c1:k", rec.LastUpdateKey)
	assert.Len(t, rec.RecentScores, 5)

	eng, err := store.GetProgress(ctx, "s1", "english")
	require.NoError(t, err)
	assert.Equal(t, 5, eng.Score)
	assert.Zero(t, w.Pending())
}

func TestProgressWriter_RetriesTransientFailures(t *testing.T) {
	store := &flakyStore{ProgressStore: memory.NewProgressStore(), failures: 2}
	w := orchestrator.NewProgressWriter(store, writerConfig(), nil, nil)

	w.Submit(quizUpdate("c1:1", 10))
	require.NoError(t, w.Close(context.Background()))

	rec, err := store.GetProgress(context.Background(), "s1", "math")
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Score)
	assert.Equal(t, 3, store.upserts)
	assert.Empty(t, w.Failed())
}

func TestProgressWriter_KeepsExhaustedUpdatesForReconciliation(t *testing.T) {
	store := &flakyStore{ProgressStore: memory.NewProgressStore(), failures: -1}
	cfg := writerConfig()
	cfg.MaxAttempts = 3
	w := orchestrator.NewProgressWriter(store, cfg, nil, nil)

	w.Submit(quizUpdate("c1:1", 10))
	require.NoError(t, w.Flush(context.Background()))

	failed := w.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "c1:1", failed[0].Update.Key)
	assert.Equal(t, 3, store.upserts)

	_, err := store.GetProgress(context.Background(), "s1", "math")
	assert.ErrorIs(t, err, shared.ErrProgressNotFound)

	require.NoError(t, w.Close(context.Background()))
	w.Submit(quizUpdate("c1:2", 10))
	assert.Len(t, w.Failed(), 2)
}

func TestProgressWriter_ReplayedUpdateIsSkipped(t *testing.T) {
	store := memory.NewProgressStore()
	w := orchestrator.NewProgressWriter(store, writerConfig(), nil, nil)

	u := quizUpdate("c1:1", 10)
	w.Submit(u)
	w.Submit(u)
	require.NoError(t, w.Close(context.Background()))

	rec, err := store.GetProgress(context.Background(), "s1", "math")
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Score)

	attempts, err := store.RecentAttempts(context.Background(), "s1", "math", 10)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}
