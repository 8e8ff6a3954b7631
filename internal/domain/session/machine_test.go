package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog/catalogtest"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/recommendation"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/session"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testEnv(cat catalog.Catalog) session.Env {
	limits := session.DefaultLimits()
	limits.MaxUnitsPerSession = 20
	return session.Env{
		Catalog:     cat,
		Policy:      recommendation.DefaultPolicy(),
		Enrollments: []string{"math", "english"},
		Progress:    map[string]*progress.Record{},
		Limits:      limits,
		Scoring:     progress.DefaultScoringRules(),
		Apply:       progress.ApplyOptions{RecentWindow: 5, Location: time.UTC},
		Now:         t0,
	}
}

type driver struct {
	t       *testing.T
	env     session.Env
	sess    session.CallSession
	results []session.Result
}

func newDriver(t *testing.T, env session.Env) *driver {
	return &driver{
		t:   t,
		env: env,
		sess: session.New(session.NewParams{
			CallID: "call-1", StudentID: "s1", Phone: "+254712345678", Language: "en", Now: t0,
		}),
	}
}

func (d *driver) send(typ session.EventType, digit string) session.Result {
	d.env.Now = d.env.Now.Add(time.Second)
	r := session.Transition(d.sess, session.Event{Type: typ, Digit: digit}, d.env)
	d.sess = r.Session
	d.results = append(d.results, r)
	return r
}

func (d *driver) digit(s string) session.Result { return d.send(session.EventDigit, s) }

func (d *driver) updates() []progress.Update {
	var out []progress.Update
	for _, r := range d.results {
		out = append(out, r.Intents.Updates...)
	}
	return out
}

func (d *driver) notifications(kind notification.Kind) []notification.Intent {
	var out []notification.Intent
	for _, r := range d.results {
		for _, n := range r.Intents.Notifications {
			if n.Kind == kind {
				out = append(out, n)
			}
		}
	}
	return out
}

// toLesson drives a fresh call into the first math lesson.
func (d *driver) toLesson() {
	d.send(session.EventStart, "")
	r := d.digit("1")
	require.Equal(d.t, session.StateLessonPlayback, r.Session.State)
}

func TestGreeting_PresentsEnrolledSubjects(t *testing.T) {
	d := newDriver(t, testEnv(catalogtest.Snapshot()))

	r := d.send(session.EventStart, "")
	assert.Equal(t, session.StateMenuSelect, r.Session.State)
	assert.Equal(t, []string{"math", "english"}, r.Session.Menu)
	assert.Equal(t, session.ActionPlayAndCollect, r.Response.Action)
	assert.Equal(t, "prompts/en/menu.mp3", r.Response.ContentRef)
	assert.Equal(t, []string{
		"prompts/en/greeting.mp3",
		"menu/en/math.mp3", "prompts/en/digit_1.mp3",
		"menu/en/english.mp3", "prompts/en/digit_2.mp3",
	}, r.Response.Prelude)
	assert.Equal(t, 1, r.Response.MaxDigits)
	assert.Equal(t, 8000, r.Response.TimeoutMs)
	assert.True(t, r.Intents.IsEmpty())
}

func TestGreeting_MenuSources(t *testing.T) {
	t.Run("no enrollments lists catalog subjects alphabetically", func(t *testing.T) {
		env := testEnv(catalogtest.Snapshot())
		env.Enrollments = nil
		r := newDriver(t, env).send(session.EventStart, "")
		assert.Equal(t, []string{"english", "math"}, r.Session.Menu)
	})

	t.Run("unknown enrolled subjects are skipped", func(t *testing.T) {
		env := testEnv(catalogtest.Snapshot())
		env.Enrollments = []string{"history", "english"}
		r := newDriver(t, env).send(session.EventStart, "")
		assert.Equal(t, []string{"english"}, r.Session.Menu)
	})

	t.Run("nothing to offer closes the call", func(t *testing.T) {
		p := catalogtest.Params()
		p.Units = nil
		p.Subjects = nil
		cat, err := catalog.NewSnapshot(p)
		require.NoError(t, err)

		r := newDriver(t, testEnv(cat)).send(session.EventStart, "")
		assert.Equal(t, session.StateClosing, r.Session.State)
		assert.Equal(t, session.OutcomeNoContent, r.Session.Outcome)
		assert.Equal(t, session.ActionHangup, r.Response.Action)
		assert.Equal(t, []string{"prompts/en/no_content.mp3"}, r.Response.Prelude)
		assert.Len(t, r.Intents.Notifications, 1)
		assert.True(t, r.Intents.Release)
	})
}

func TestMenu_MaxRetriesClosesWithoutProgress(t *testing.T) {
	d := newDriver(t, testEnv(catalogtest.Snapshot()))
	d.send(session.EventStart, "")

	for _, in := range []session.Event{
		{Type: session.EventDigit, Digit: "0"},
		{Type: session.EventDigit, Digit: "7"},
		{Type: session.EventTimeout},
	} {
		r := d.send(in.Type, in.Digit)
		require.Equal(t, session.StateMenuSelect, r.Session.State)
		assert.Equal(t, "prompts/en/invalid_input.mp3", r.Response.Prelude[0])
	}

	r := d.digit("*")
	assert.Equal(t, session.StateClosing, r.Session.State)
	assert.Equal(t, session.OutcomeMaxRetries, r.Session.Outcome)
	assert.Equal(t, session.StatusCompleted, r.Session.Status)
	assert.Equal(t, "prompts/en/goodbye.mp3", r.Response.ContentRef)
	assert.Equal(t, []string{"prompts/en/max_retries.mp3"}, r.Response.Prelude)

	assert.Empty(t, d.updates())
	summaries := d.notifications(notification.KindSessionSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, notification.TemplateSessionSummaryNoLesson, summaries[0].TemplateKey)
}

func TestMenu_DuplicateEventsDoNotCountAsRetries(t *testing.T) {
	d := newDriver(t, testEnv(catalogtest.Snapshot()))
	first := d.send(session.EventStart, "")

	again := d.send(session.EventStart, "")
	assert.Equal(t, first.Response, again.Response)

	wait := d.send(session.EventPlaybackComplete, "")
	assert.Equal(t, session.ActionPlayAndCollect, wait.Response.Action)
	assert.Empty(t, wait.Response.ContentRef)
	assert.Equal(t, 0, wait.Session.MenuRetries)
}

func TestLesson_PlaysSelectedSubject(t *testing.T) {
	d := newDriver(t, testEnv(catalogtest.Snapshot()))
	d.send(session.EventStart, "")

	r := d.digit("1")
	assert.Equal(t, session.StateLessonPlayback, r.Session.State)
	assert.Equal(t, session.Response{Action: session.ActionPlayAudio, ContentRef: "audio/unit_1.mp3"}, r.Response)
	assert.Equal(t, "unit_1", r.Session.UnitID)
	assert.Equal(t, []string{"math"}, r.Session.MenuPath)
	assert.Equal(t, []string{"unit_1"}, r.Session.LessonsAccessed)

	r = d.send(session.EventPlaybackComplete, "")
	assert.Equal(t, session.StateQuizPrompt, r.Session.State)
	assert.Equal(t, "audio/q1.mp3", r.Response.ContentRef)
	assert.Equal(t, 10000, r.Response.TimeoutMs)

	r = d.send(session.EventPlaybackComplete, "")
	assert.Equal(t, session.StateQuizAwaitAnswer, r.Session.State)
	assert.Empty(t, r.Response.ContentRef)
}

func TestLesson_HashSkipsToQuiz(t *testing.T) {
	d := newDriver(t, testEnv(catalogtest.Snapshot()))
	d.toLesson()

	r := d.digit("5")
	assert.Equal(t, session.StateLessonPlayback, r.Session.State)
	assert.Equal(t, "audio/unit_1.mp3", r.Response.ContentRef)

	r = d.digit("#")
	assert.Equal(t, session.StateQuizPrompt, r.Session.State)
}

func TestLesson_ResumesInProgressUnit(t *testing.T) {
	env := testEnv(catalogtest.Snapshot())
	env.Progress["math"] = &progress.Record{
		StudentID: "s1", Subject: "math", LastCompletedUnitID: "unit_2", LastCompletedOrdinal: 2,
		InProgressUnitID: "unit_3", Version: 3,
	}
	d := newDriver(t, env)
	d.send(session.EventStart, "")

	r := d.digit("1")
	assert.Equal(t, "unit_3", r.Session.UnitID)
	// the env record is not touched by the session copy
	assert.Equal(t, "unit_3", env.Progress["math"].InProgressUnitID)
}

func TestHangup_ResumedUnitSkipsScoredQuestions(t *testing.T) {
	rec := &progress.Record{
		StudentID: "s1", Subject: "math", LastCompletedUnitID: "unit_2", LastCompletedOrdinal: 2,
		CompletedUnits: []string{"unit_1", "unit_2"}, Score: 20,
	}
	call := func(id shared.CallID, play func(d *driver)) {
		env := testEnv(catalogtest.Snapshot())
		env.Progress["math"] = rec
		d := newDriver(t, env)
		d.sess = session.New(session.NewParams{
			CallID: id, StudentID: "s1", Phone: "+254712345678", Language: "en", Now: t0,
		})
		d.toLesson()
		require.Equal(t, "unit_3", d.sess.UnitID)
		play(d)
		for _, u := range d.updates() {
			rec, _ = progress.Apply(rec, u, env.Apply)
		}
	}

	call("call-1", func(d *driver) {
		d.send(session.EventPlaybackComplete, "")
		r := d.digit("2")
		assert.Equal(t, "audio/q3b.mp3", r.Response.ContentRef)
		d.send(session.EventHangup, "")
	})
	assert.Equal(t, 30, rec.Score)
	assert.Equal(t, "unit_3", rec.InProgressUnitID)

	// calling back resumes at q3b, so q3a cannot be scored twice
	for _, id := range []shared.CallID{"call-2", "call-3"} {
		call(id, func(d *driver) {
			r := d.send(session.EventPlaybackComplete, "")
			assert.Equal(t, "audio/q3b.mp3", r.Response.ContentRef)
			assert.Equal(t, 1, r.Session.QuizIndex)
			d.send(session.EventHangup, "")
		})
		assert.Equal(t, 30, rec.Score)
	}

	call("call-4", func(d *driver) {
		d.send(session.EventPlaybackComplete, "")
		r := d.digit("2")
		assert.Equal(t, "unit_4", r.Session.UnitID)
		d.send(session.EventHangup, "")
	})
	assert.Equal(t, 40, rec.Score, "unit_3 contributes exactly its two questions")
	assert.True(t, rec.HasCompleted("unit_3"))
	assert.Empty(t, rec.ScoredItems)
}

func TestQuiz_FirstAttemptCorrectGetsFullCredit(t *testing.T) {
	d := newDriver(t, testEnv(catalogtest.Snapshot()))
	d.toLesson()
	d.send(session.EventPlaybackComplete, "")

	r := d.digit("2")
	assert.Equal(t, []session.State{
		session.StateQuizAwaitAnswer, session.StateQuizFeedback, session.StateLessonAdvance, session.StateLessonPlayback,
	}, r.Path)
	require.Len(t, r.Intents.Updates, 2)

	scored := r.Intents.Updates[0]
	assert.Equal(t, progress.UpdateQuizScored, scored.Kind)
	assert.Equal(t, 10, scored.Delta)
	assert.Equal(t, 100, scored.ScorePercent)
	assert.Equal(t, "call-1:1", scored.Key)

	done := r.Intents.Updates[1]
	assert.Equal(t, progress.UpdateUnitCompleted, done.Kind)
	assert.Equal(t, "unit_1", done.UnitID)
	assert.Equal(t, "call-1:2", done.Key)

	assert.Equal(t, "unit_2", r.Session.UnitID)
	assert.Equal(t, []string{"prompts/en/correct.mp3"}, r.Response.Prelude)
	assert.Equal(t, "audio/unit_2.mp3", r.Response.ContentRef)
}

func TestQuiz_SecondAttemptCorrectGetsPartialCredit(t *testing.T) {
	d := newDriver(t, testEnv(catalogtest.Snapshot()))
	d.toLesson()
	d.send(session.EventPlaybackComplete, "")

	r := d.digit("1")
	assert.Equal(t, session.StateQuizPrompt, r.Session.State)
	assert.Equal(t, 1, r.Session.Attempts)
	assert.Equal(t, []string{"prompts/en/incorrect.mp3", "prompts/en/try_again.mp3"}, r.Response.Prelude)
	assert.Equal(t, "audio/q1.mp3", r.Response.ContentRef)
	assert.Empty(t, r.Intents.Updates)

	r = d.digit("2")
	require.NotEmpty(t, r.Intents.Updates)
	assert.Equal(t, 5, r.Intents.Updates[0].Delta)
	assert.Equal(t, 2, r.Intents.Updates[0].Attempts)
	assert.True(t, r.Intents.Updates[0].Correct)
}

func TestQuiz_TimeoutOnFinalAttemptExhausts(t *testing.T) {
	d := newDriver(t, testEnv(catalogtest.Snapshot()))
	d.toLesson()
	d.send(session.EventPlaybackComplete, "")

	r := d.send(session.EventTimeout, "")
	assert.Equal(t, session.StateQuizPrompt, r.Session.State)
	assert.Equal(t, []string{"prompts/en/try_again.mp3"}, r.Response.Prelude)

	r = d.send(session.EventTimeout, "")
	assert.Equal(t, []session.State{
		session.StateQuizAwaitAnswer, session.StateQuizFeedback, session.StateLessonAdvance, session.StateLessonPlayback,
	}, r.Path)
	require.NotNil(t, r.Session.LastResult)
	assert.False(t, r.Session.LastResult.Correct)
	assert.True(t, r.Session.LastResult.Exhausted)
	assert.Equal(t, 2, r.Session.LastResult.Attempts)
	assert.Equal(t, 0, r.Intents.Updates[0].Delta)
	assert.NotEqual(t, "audio/q1.mp3", r.Response.ContentRef)

	// 0% recent average sends the student to remedial content for the topic
	assert.Equal(t, "audio/remedial_fractions_1.mp3", r.Response.ContentRef)
}

func TestQuiz_InvalidDigitConsumesAttempt(t *testing.T) {
	d := newDriver(t, testEnv(catalogtest.Snapshot()))
	d.toLesson()
	d.send(session.EventPlaybackComplete, "")

	r := d.digit("9")
	assert.Equal(t, 1, r.Session.Attempts)
	assert.Equal(t, []string{"prompts/en/invalid_input.mp3"}, r.Response.Prelude)

	r = d.digit("*")
	require.NotNil(t, r.Session.LastResult)
	assert.True(t, r.Session.LastResult.Exhausted)
}

func TestQuiz_ItemRetryPolicyOverridesDefault(t *testing.T) {
	p := catalogtest.Params()
	p.Units[0].Quiz[0].Retry.MaxAttempts = 1
	cat, err := catalog.NewSnapshot(p)
	require.NoError(t, err)

	d := newDriver(t, testEnv(cat))
	d.toLesson()
	d.send(session.EventPlaybackComplete, "")

	r := d.digit("3")
	require.NotNil(t, r.Session.LastResult)
	assert.True(t, r.Session.LastResult.Exhausted)
	assert.Equal(t, 1, r.Session.LastResult.Attempts)
}

func TestQuiz_MultipleItemsInOneUnit(t *testing.T) {
	env := testEnv(catalogtest.Snapshot())
	env.Progress["math"] = &progress.Record{StudentID: "s1", Subject: "math", LastCompletedUnitID: "unit_2", LastCompletedOrdinal: 2}
	d := newDriver(t, env)
	d.toLesson()
	require.Equal(t, "unit_3", d.sess.UnitID)
	d.send(session.EventPlaybackComplete, "")

	r := d.digit("2")
	assert.Equal(t, session.StateQuizPrompt, r.Session.State)
	assert.Equal(t, "audio/q3b.mp3", r.Response.ContentRef)
	require.Len(t, r.Intents.Updates, 1)
	assert.Equal(t, "q3a", r.Intents.Updates[0].QuizItemID)

	r = d.digit("2")
	require.Len(t, r.Intents.Updates, 2)
	assert.Equal(t, progress.UpdateUnitCompleted, r.Intents.Updates[1].Kind)
	assert.Equal(t, "unit_4", r.Session.UnitID)
}

func TestFullSubject_ScoreEqualsSumOfDeltas(t *testing.T) {
	d := newDriver(t, testEnv(catalogtest.Snapshot()))
	d.toLesson()

	for i := 0; i < 50 && !d.sess.IsClosed(); i++ {
		switch d.sess.State {
		case session.StateLessonPlayback:
			d.send(session.EventPlaybackComplete, "")
		case session.StateQuizPrompt, session.StateQuizAwaitAnswer:
			d.digit("2")
		default:
			t.Fatalf("unexpected resting state %s", d.sess.State)
		}
	}
	require.True(t, d.sess.IsClosed())

	assert.Equal(t, session.OutcomeSubjectComplete, d.sess.Outcome)
	assert.Equal(t, "unit_5", d.sess.Record.LastCompletedUnitID)

	sum := 0
	for _, u := range d.updates() {
		sum += u.Delta
	}
	assert.Equal(t, 50, sum)
	assert.Equal(t, sum, d.sess.Record.Score)
	assert.Equal(t, sum, d.sess.ScoreDelta)
	assert.Equal(t, 5, d.sess.UnitsCompleted)

	assert.Len(t, d.notifications(notification.KindProgressUpdate), 1)
	summaries := d.notifications(notification.KindSessionSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Mathematics", summaries[0].Params["subject"])
	assert.Equal(t, "50", summaries[0].Params["total_score"])
	assert.Equal(t, "5", summaries[0].Params["units_completed"])
}

func TestAdvance_UnitCapClosesCall(t *testing.T) {
	env := testEnv(catalogtest.Snapshot())
	env.Limits.MaxUnitsPerSession = 1
	d := newDriver(t, env)
	d.toLesson()
	d.send(session.EventPlaybackComplete, "")

	r := d.digit("2")
	assert.Equal(t, session.StateClosing, r.Session.State)
	assert.Equal(t, session.OutcomeUnitCap, r.Session.Outcome)
	assert.Equal(t, []string{"prompts/en/correct.mp3"}, r.Response.Prelude)
	assert.Equal(t, "prompts/en/goodbye.mp3", r.Response.ContentRef)
	assert.Empty(t, d.notifications(notification.KindProgressUpdate))
	assert.Len(t, d.notifications(notification.KindSessionSummary), 1)
}

func TestSelect_CompletedSubjectCloses(t *testing.T) {
	env := testEnv(catalogtest.Snapshot())
	env.Progress["math"] = &progress.Record{StudentID: "s1", Subject: "math", LastCompletedUnitID: "unit_5", LastCompletedOrdinal: 5}
	d := newDriver(t, env)
	d.send(session.EventStart, "")

	r := d.digit("1")
	assert.Equal(t, session.OutcomeSubjectComplete, r.Session.Outcome)
	assert.Equal(t, []string{"prompts/en/subject_complete.mp3"}, r.Response.Prelude)
	assert.Empty(t, d.notifications(notification.KindProgressUpdate))
}

func TestHangup_FromEveryState(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(d *driver)
		wantUpdate bool
	}{
		{"greeting", func(d *driver) {}, false},
		{"menu", func(d *driver) { d.send(session.EventStart, "") }, false},
		{"lesson", func(d *driver) { d.toLesson() }, true},
		{"quiz prompt", func(d *driver) {
			d.toLesson()
			d.send(session.EventPlaybackComplete, "")
		}, true},
		{"quiz await", func(d *driver) {
			d.toLesson()
			d.send(session.EventPlaybackComplete, "")
			d.send(session.EventPlaybackComplete, "")
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDriver(t, testEnv(catalogtest.Snapshot()))
			tt.setup(d)
			before := len(d.notifications(notification.KindSessionSummary))
			require.Zero(t, before)

			r := d.send(session.EventHangup, "")
			assert.Equal(t, []session.State{session.StateClosing}, r.Path)
			assert.Equal(t, session.StatusAbandoned, r.Session.Status)
			assert.Equal(t, session.OutcomeHangup, r.Session.Outcome)
			assert.Equal(t, session.Response{Action: session.ActionHangup}, r.Response)
			assert.True(t, r.Intents.Release)
			assert.Len(t, d.notifications(notification.KindSessionSummary), 1)

			if tt.wantUpdate {
				require.Len(t, r.Intents.Updates, 1)
				assert.Equal(t, progress.UpdateUnitInProgress, r.Intents.Updates[0].Kind)
				assert.Equal(t, "unit_1", r.Intents.Updates[0].UnitID)
				assert.Equal(t, "unit_1", r.Session.Record.InProgressUnitID)
			} else {
				assert.Empty(t, r.Intents.Updates)
			}

			// a closed session ignores everything that follows
			after := d.send(session.EventDigit, "1")
			assert.True(t, after.Intents.IsEmpty())
			assert.Equal(t, session.ActionHangup, after.Response.Action)
		})
	}
}

func TestInternalError_MissingUnitClosesGracefully(t *testing.T) {
	env := testEnv(catalogtest.Snapshot())
	sess := session.New(session.NewParams{CallID: "call-9", StudentID: "s1", Phone: "+254712345678", Language: "en", Now: t0})
	sess.State = session.StateLessonPlayback
	sess.Subject = "math"
	sess.UnitID = "ghost_unit"

	r := session.Transition(sess, session.Event{Type: session.EventPlaybackComplete}, env)
	assert.Equal(t, session.StateClosing, r.Session.State)
	assert.Equal(t, session.OutcomeInternalError, r.Session.Outcome)
	assert.Equal(t, session.ActionHangup, r.Response.Action)
	assert.Equal(t, []string{"prompts/en/apology.mp3"}, r.Response.Prelude)
	assert.Equal(t, "prompts/en/goodbye.mp3", r.Response.ContentRef)
	require.Len(t, r.Intents.Diagnostics, 1)
	assert.Equal(t, "unit_missing", r.Intents.Diagnostics[0].Code)
	assert.Equal(t, "ghost_unit", r.Intents.Diagnostics[0].UnitID)
	assert.Len(t, r.Intents.Notifications, 1)
	assert.True(t, r.Intents.Release)
}

func TestDeprecatedUnitKeepsRunning(t *testing.T) {
	p := catalogtest.Params()
	p.Units[0].Deprecated = true
	cat, err := catalog.NewSnapshot(p)
	require.NoError(t, err)

	sess := session.New(session.NewParams{CallID: "call-2", StudentID: "s1", Phone: "+254712345678", Language: "en", Now: t0})
	sess.State = session.StateLessonPlayback
	sess.Subject = "math"
	sess.UnitID = "unit_1"
	sess.Record = progress.NewRecord("s1", "math")

	r := session.Transition(sess, session.Event{Type: session.EventPlaybackComplete}, testEnv(cat))
	assert.Equal(t, session.StateQuizPrompt, r.Session.State)
	assert.Equal(t, "audio/q1.mp3", r.Response.ContentRef)
}

func TestTransition_DoesNotMutateInput(t *testing.T) {
	d := newDriver(t, testEnv(catalogtest.Snapshot()))
	d.toLesson()
	before := d.sess.Clone()

	_ = session.Transition(d.sess, session.Event{Type: session.EventHangup}, d.env)
	assert.Equal(t, before, d.sess)
}

func TestLanguageVariant(t *testing.T) {
	env := testEnv(catalogtest.Snapshot())
	env.Enrollments = []string{"math"}
	d := newDriver(t, env)
	d.sess.Language = "sw"

	r := d.send(session.EventStart, "")
	assert.Contains(t, r.Response.Prelude, "menu/sw/math.mp3")
	assert.Equal(t, "prompts/sw/menu.mp3", r.Response.ContentRef)

	r = d.digit("1")
	assert.Equal(t, "sw_unit_1", r.Session.UnitID)
}
