package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/session"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestKeys(t *testing.T) {
	assert.Equal(t, "ivr:student:phone:+254712345678", StudentPhoneKey("+254712345678"))
	assert.Equal(t, "ivr:checkpoint:CA123", CheckpointKey("CA123"))
	assert.Equal(t, "localhost:6379", DefaultConfig().Addr())
}

func TestStudentDoc_RoundTrip(t *testing.T) {
	st, err := student.NewStudent(student.NewStudentParams{ID: "s1", Phone: "+254712345678", Name: "Baraka", Language: "sw", Now: t0})
	require.NoError(t, err)
	require.NoError(t, st.Enroll("math", 1, t0))
	st.RecordCall(t0.Add(time.Minute))

	data, err := json.Marshal(newStudentDoc(st))
	require.NoError(t, err)

	var doc studentDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	got := doc.toDomain()

	assert.Equal(t, st.ID, got.ID)
	assert.Equal(t, st.Phone, got.Phone)
	assert.Equal(t, st.Status, got.Status)
	assert.Equal(t, []string{"math"}, got.MenuSubjects())
	assert.True(t, got.LastCallAt.Equal(st.LastCallAt))
	assert.True(t, got.LastReminderAt.IsZero())
}

func TestDecodeCheckpoints(t *testing.T) {
	sess := session.New(session.NewParams{CallID: "CA1", StudentID: "s1", Phone: "+254712345678", Language: "en", Now: t0})
	sess.State = session.StateQuizAwaitAnswer
	sess.Subject = "math"
	sess.Record = progress.NewRecord("s1", "math")
	sess.Record.Score = 20
	raw, err := json.Marshal(sess)
	require.NoError(t, err)

	out, stale := decodeCheckpoints(
		[]string{"CA1", "CA2", "CA3"},
		[]any{string(raw), nil, "{not json"},
	)

	require.Len(t, out, 1)
	assert.Equal(t, session.StateQuizAwaitAnswer, out[0].State)
	require.NotNil(t, out[0].Record)
	assert.Equal(t, 20, out[0].Record.Score)
	assert.Equal(t, []string{"CA2"}, stale)
}
