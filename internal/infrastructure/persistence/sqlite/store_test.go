package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ivr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newStudent(t *testing.T, id, phone string) *student.Student {
	t.Helper()
	st, err := student.NewStudent(student.NewStudentParams{
		ID: shared.StudentID(id), Phone: shared.PhoneNumber(phone), Name: "Amina", Language: "sw", Now: t0,
	})
	require.NoError(t, err)
	return st
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(" ")
	assert.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ivr.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.sqlDB.QueryRow(`SELECT COUNT(*) FROM `+migrationTable).Scan(&n))
	assert.Equal(t, 4, n)
}

func TestUpSection(t *testing.T) {
	got := upSection("-- +migrate Up\nCREATE TABLE a (x);\n-- +migrate Down\nDROP TABLE a;\n")
	assert.Equal(t, "\nCREATE TABLE a (x);\n", got)
	assert.Equal(t, "SELECT 1", upSection("SELECT 1"))
}

func TestStudentRepository(t *testing.T) {
	ctx := context.Background()
	repo := openTest(t).Students()

	st := newStudent(t, "s1", "+254712345678")
	require.NoError(t, st.Enroll("math", 2, t0))
	require.NoError(t, st.Enroll("english", 1, t0))
	require.NoError(t, repo.Create(ctx, st))

	assert.ErrorIs(t, repo.Create(ctx, newStudent(t, "s2", "+254712345678")), shared.ErrStudentAlreadyExists)

	got, err := repo.GetByPhone(ctx, "+254712345678")
	require.NoError(t, err)
	assert.Equal(t, shared.StudentID("s1"), got.ID)
	assert.Equal(t, "Amina", got.Name)
	assert.Equal(t, shared.Language("sw"), got.Language)
	assert.True(t, got.LastCallAt.IsZero())
	assert.Equal(t, []string{"english", "math"}, got.MenuSubjects())
	assert.True(t, got.CreatedAt.Equal(t0))

	got.RecordCall(t0.Add(time.Hour))
	assert.True(t, got.Unenroll("english", t0.Add(time.Hour)))
	require.NoError(t, repo.Update(ctx, got))

	again, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, again.LastCallAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, []string{"math"}, again.MenuSubjects())

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, shared.IsNotFound(err))
	assert.True(t, shared.IsNotFound(repo.Update(ctx, newStudent(t, "ghost", "+254700000001"))))
}

func TestStudentRepository_RecordCallKeepsOtherColumns(t *testing.T) {
	ctx := context.Background()
	repo := openTest(t).Students()

	st := newStudent(t, "s1", "+254712345678")
	require.NoError(t, st.Enroll("math", 1, t0))
	st.RecordReminder(t0.Add(time.Hour))
	require.NoError(t, repo.Create(ctx, st))

	require.NoError(t, repo.RecordCall(ctx, "s1", t0.Add(2*time.Hour)))

	got, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.LastCallAt.Equal(t0.Add(2*time.Hour)))
	assert.True(t, got.LastReminderAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, []string{"math"}, got.MenuSubjects())

	assert.True(t, shared.IsNotFound(repo.RecordCall(ctx, "missing", t0)))
}

func TestStudentRepository_FindInactive(t *testing.T) {
	ctx := context.Background()
	repo := openTest(t).Students()

	old := newStudent(t, "old", "+254700000001")
	require.NoError(t, repo.Create(ctx, old))

	recent := newStudent(t, "recent", "+254700000002")
	recent.RecordCall(t0.Add(48 * time.Hour))
	require.NoError(t, repo.Create(ctx, recent))

	gone := newStudent(t, "gone", "+254700000003")
	gone.Anonymize("tok", t0)
	require.NoError(t, repo.Create(ctx, gone))

	out, err := repo.FindInactive(ctx, t0.Add(24*time.Hour), t0, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, shared.StudentID("old"), out[0].ID)

	old.RecordReminder(t0.Add(time.Hour))
	require.NoError(t, repo.Update(ctx, old))

	out, err = repo.FindInactive(ctx, t0.Add(24*time.Hour), t0, 10)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = repo.FindInactive(ctx, t0.Add(24*time.Hour), t0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestProgressStore_UpsertVersions(t *testing.T) {
	ctx := context.Background()
	s := openTest(t).Progress()

	rec := progress.NewRecord("s1", "math")
	rec.Score = 10
	rec.CompletedUnits = []string{"unit_1"}
	rec.ScoredItems = []string{"unit_2/q2"}
	rec.RecentScores = []int{100}
	rec.LastActivityAt = t0
	require.NoError(t, s.UpsertProgress(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	replay := rec.Clone()
	replay.Version = 0
	require.NoError(t, s.UpsertProgress(ctx, replay))
	assert.Equal(t, int64(1), replay.Version)

	rec.Score = 20
	require.NoError(t, s.UpsertProgress(ctx, rec))
	assert.Equal(t, int64(2), rec.Version)

	stale := rec.Clone()
	stale.Version = 1
	stale.Score = 30
	assert.True(t, shared.IsConflict(s.UpsertProgress(ctx, stale)))

	lower := rec.Clone()
	lower.Score = 5
	assert.ErrorIs(t, s.UpsertProgress(ctx, lower), shared.ErrScoreRegression)

	got, err := s.GetProgress(ctx, "s1", "math")
	require.NoError(t, err)
	assert.Equal(t, 20, got.Score)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, []string{"unit_1"}, got.CompletedUnits)
	assert.Equal(t, []string{"unit_2/q2"}, got.ScoredItems)
	assert.True(t, got.HasScored("unit_2", "q2"))
	assert.Equal(t, []int{100}, got.RecentScores)
	assert.True(t, got.LastActivityAt.Equal(t0))
}

func TestProgressStore_ResetAndList(t *testing.T) {
	ctx := context.Background()
	s := openTest(t).Progress()

	assert.ErrorIs(t, s.ResetProgress(ctx, "s1", "math", t0), shared.ErrProgressNotFound)

	for _, subject := range []string{"math", "english"} {
		rec := progress.NewRecord("s1", subject)
		rec.Score = 40
		require.NoError(t, s.UpsertProgress(ctx, rec))
	}
	require.NoError(t, s.ResetProgress(ctx, "s1", "math", t0))

	got, err := s.GetProgress(ctx, "s1", "math")
	require.NoError(t, err)
	assert.Zero(t, got.Score)
	assert.Equal(t, int64(2), got.Version)
	assert.Nil(t, got.CompletedUnits)

	list, err := s.ListProgress(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "english", list[0].Subject)

	_, err = s.GetProgress(ctx, "s1", "physics")
	assert.ErrorIs(t, err, shared.ErrProgressNotFound)
}

func TestProgressStore_Attempts(t *testing.T) {
	ctx := context.Background()
	s := openTest(t).Progress()

	for i, id := range []string{"a1", "a2", "a1", "a3"} {
		subject := "math"
		if id == "a3" {
			subject = "english"
		}
		require.NoError(t, s.AppendAttempt(ctx, progress.Attempt{
			ID: id, CallID: "call-1", StudentID: "s1", Subject: subject, UnitID: "unit_1",
			Attempts: 1, Correct: true, Delta: 10, At: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	math, err := s.RecentAttempts(ctx, "s1", "math", 10)
	require.NoError(t, err)
	require.Len(t, math, 2)
	assert.Equal(t, "a2", math[0].ID)
	assert.True(t, math[0].Correct)

	all, err := s.RecentAttempts(ctx, "s1", "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a3", all[0].ID)
}

func TestSMSLogRepository(t *testing.T) {
	ctx := context.Background()
	repo := openTest(t).SMSLogs()

	intent := notification.NewIntent(notification.KindReminder, "s1", "+254712345678", "en", nil)
	l := notification.NewSMSLog("log-1", intent, "Call us", t0)
	require.NoError(t, repo.Save(ctx, l))

	l.RecordAttempt()
	l.MarkSent("ATX1", "KES 0.8", t0.Add(time.Second))
	require.NoError(t, repo.Save(ctx, l))

	got, err := repo.GetByProviderID(ctx, "ATX1")
	require.NoError(t, err)
	assert.Equal(t, "log-1", got.ID)
	assert.Equal(t, notification.SMSSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(t0.Add(time.Second)))
	assert.Nil(t, got.DeliveredAt)

	_, err = repo.GetByProviderID(ctx, "")
	assert.ErrorIs(t, err, shared.ErrSMSLogNotFound)
	_, err = repo.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, shared.ErrSMSLogNotFound)

	list, err := repo.ListByStudent(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
