package student

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestStudent(t *testing.T) *Student {
	t.Helper()
	s, err := NewStudent(NewStudentParams{
		ID:       "s-1",
		Phone:    "+254712345678",
		Language: "en",
		Now:      t0,
	})
	require.NoError(t, err)
	return s
}

func TestNewStudent_Validation(t *testing.T) {
	_, err := NewStudent(NewStudentParams{Phone: "+254712345678", Language: "en"})
	assert.ErrorIs(t, err, shared.ErrInvalidID)

	_, err = NewStudent(NewStudentParams{ID: "s", Phone: "0712", Language: "en"})
	assert.ErrorIs(t, err, shared.ErrInvalidPhone)

	_, err = NewStudent(NewStudentParams{ID: "s", Phone: "+254712345678"})
	assert.ErrorIs(t, err, shared.ErrInvalidLanguage)
}

func TestMenuSubjects_PriorityThenAlphabetical(t *testing.T) {
	s := newTestStudent(t)
	require.NoError(t, s.Enroll("science", 2, t0))
	require.NoError(t, s.Enroll("math", 1, t0))
	require.NoError(t, s.Enroll("english", 2, t0))
	require.NoError(t, s.Enroll("biology", 2, t0))

	assert.Equal(t, []string{"math", "biology", "english", "science"}, s.MenuSubjects())

	// re-enrolling updates priority instead of duplicating
	require.NoError(t, s.Enroll("science", 0, t0))
	assert.Equal(t, []string{"science", "math", "biology", "english"}, s.MenuSubjects())
	assert.Len(t, s.Enrollments, 4)

	assert.True(t, s.Unenroll("math", t0))
	assert.False(t, s.Unenroll("math", t0))
}

func TestNeedsReminder(t *testing.T) {
	s := newTestStudent(t)
	s.RecordCall(t0)

	assert.False(t, s.NeedsReminder(t0.Add(24*time.Hour), 72*time.Hour, 72*time.Hour))
	assert.True(t, s.NeedsReminder(t0.Add(80*time.Hour), 72*time.Hour, 72*time.Hour))

	s.RecordReminder(t0.Add(80 * time.Hour))
	assert.False(t, s.NeedsReminder(t0.Add(100*time.Hour), 72*time.Hour, 72*time.Hour))
	assert.True(t, s.NeedsReminder(t0.Add(160*time.Hour), 72*time.Hour, 72*time.Hour))
}

func TestAnonymize(t *testing.T) {
	s := newTestStudent(t)
	s.Name = "Amina"
	s.Anonymize("abc123", t0)

	assert.True(t, s.IsAnonymized())
	assert.Equal(t, shared.PhoneNumber("anon:abc123"), s.Phone)
	assert.Empty(t, s.Name)
	assert.False(t, s.NeedsReminder(t0.Add(1000*time.Hour), time.Hour, time.Hour))
	assert.ErrorIs(t, s.SetLanguage("sw", t0), shared.ErrStudentAnonymized)
	assert.ErrorIs(t, s.Enroll("math", 1, t0), shared.ErrStudentAnonymized)
}
