package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog/catalogtest"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/persistence/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*memory.StudentRepository, *memory.ProgressStore) {
	t.Helper()
	ctx := context.Background()
	repo := memory.NewStudentRepository()
	store := memory.NewProgressStore()

	st, err := student.NewStudent(student.NewStudentParams{ID: "s1", Phone: "+254712345678", Language: "en", Now: t0})
	require.NoError(t, err)
	require.NoError(t, st.Enroll("math", 1, t0))
	require.NoError(t, st.Enroll("english", 2, t0))
	st.RecordCall(t0)
	require.NoError(t, repo.Create(ctx, st))

	rec := progress.NewRecord("s1", "math")
	rec.Score = 30
	rec.Streak = 2
	rec.CompletedUnits = []string{"unit_1", "unit_2", "remedial_fractions_1"}
	rec.LastCompletedUnitID = "unit_2"
	rec.LastCompletedOrdinal = 2
	rec.InProgressUnitID = "unit_3"
	rec.RecentScores = []int{100, 50}
	rec.LastActivityAt = t0
	require.NoError(t, store.UpsertProgress(ctx, rec))

	require.NoError(t, store.AppendAttempt(ctx, progress.Attempt{
		ID: "a1", CallID: "call-1", StudentID: "s1", Subject: "math", UnitID: "unit_2", Correct: true, Delta: 10, At: t0,
	}))
	return repo, store
}

func TestGetStudentProgress(t *testing.T) {
	repo, store := setup(t)
	h := NewGetStudentProgressHandler(repo, store, catalogtest.Snapshot(), 5, "254")

	dto, err := h.Handle(context.Background(), GetStudentProgressQuery{Phone: "0712345678", AttemptsLimit: 5})
	require.NoError(t, err)

	assert.Equal(t, "s1", dto.StudentID)
	assert.Equal(t, 30, dto.TotalScore)
	require.NotNil(t, dto.LastCallAt)
	require.Len(t, dto.Subjects, 2)

	math := dto.Subjects[0]
	assert.Equal(t, "math", math.Subject)
	assert.Equal(t, "Mathematics", math.Name)
	assert.True(t, math.Enrolled)
	assert.Equal(t, 2, math.CompletedUnits)
	assert.Equal(t, 5, math.TotalUnits)
	assert.Equal(t, 40, math.CompletionPercent)
	assert.Equal(t, "unit_3", math.InProgressUnitID)
	require.NotNil(t, math.RecentAverage)
	assert.InDelta(t, 75.0, *math.RecentAverage, 0.001)
	require.Len(t, math.RecentAttempts, 1)
	assert.Equal(t, "call-1", math.RecentAttempts[0].CallID)

	english := dto.Subjects[1]
	assert.Equal(t, "english", english.Subject)
	assert.Zero(t, english.Score)
	assert.Equal(t, 2, english.TotalUnits)
	assert.Zero(t, english.CompletionPercent)
	assert.Nil(t, english.RecentAverage)
}

func TestGetStudentProgress_DeprecatedUnits(t *testing.T) {
	repo, store := setup(t)

	params := catalogtest.Params()
	for i := range params.Units {
		switch params.Units[i].ID {
		case "unit_2", "unit_4":
			params.Units[i].Deprecated = true
		}
	}
	cat, err := catalog.NewSnapshot(params)
	require.NoError(t, err)

	h := NewGetStudentProgressHandler(repo, store, cat, 5, "254")
	dto, err := h.Handle(context.Background(), GetStudentProgressQuery{StudentID: "s1"})
	require.NoError(t, err)

	// unit_2 is deprecated but completed, unit_4 is deprecated and skipped.
	math := dto.Subjects[0]
	assert.Equal(t, 4, math.TotalUnits)
	assert.Equal(t, 2, math.CompletedUnits)
	assert.Equal(t, 50, math.CompletionPercent)
	assert.Empty(t, math.RecentAttempts)
}

func TestGetStudentProgress_Errors(t *testing.T) {
	repo, store := setup(t)
	h := NewGetStudentProgressHandler(repo, store, catalogtest.Snapshot(), 5, "254")

	_, err := h.Handle(context.Background(), GetStudentProgressQuery{})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(context.Background(), GetStudentProgressQuery{Phone: "+254700000000"})
	assert.True(t, shared.IsNotFound(err))

	_, err = h.Handle(context.Background(), GetStudentProgressQuery{Phone: "abc"})
	assert.ErrorIs(t, err, shared.ErrInvalidPhone)
}
