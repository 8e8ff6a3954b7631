package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog/catalogtest"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/persistence/memory"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	repo     *memory.StudentRepository
	cache    *memory.StudentCache
	store    *memory.ProgressStore
	students Students
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:  memory.NewStudentRepository(),
		cache: memory.NewStudentCache(0),
		store: memory.NewProgressStore(),
	}
	h.students = Students{
		Repo:               h.repo,
		Cache:              h.cache,
		DefaultCountryCode: "254",
		Logger:             logger.Discard(),
		Clock:              func() time.Time { return t0 },
	}

	st, err := student.NewStudent(student.NewStudentParams{ID: "s1", Phone: "+254712345678", Language: "en", Now: t0})
	require.NoError(t, err)
	require.NoError(t, st.Enroll("math", 1, t0))
	require.NoError(t, h.repo.Create(context.Background(), st))
	require.NoError(t, h.cache.Set(context.Background(), st))
	return h
}

func TestResetProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	rec := progress.NewRecord("s1", "math")
	rec.Score = 40
	rec.CompletedUnits = []string{"unit_1"}
	require.NoError(t, h.store.UpsertProgress(ctx, rec))

	handler := NewResetProgressHandler(h.students, h.store, catalogtest.Snapshot())
	res, err := handler.Handle(ctx, ResetProgressCommand{Phone: "0712 345 678", Subject: "math", Reason: "operator request"})
	require.NoError(t, err)
	assert.Equal(t, shared.StudentID("s1"), res.StudentID)
	assert.Equal(t, int64(2), res.Version)

	got, err := h.store.GetProgress(ctx, "s1", "math")
	require.NoError(t, err)
	assert.Zero(t, got.Score)
	assert.Empty(t, got.CompletedUnits)
}

func TestResetProgress_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	handler := NewResetProgressHandler(h.students, h.store, catalogtest.Snapshot())

	tests := []struct {
		name  string
		cmd   ResetProgressCommand
		check func(error) bool
	}{
		{"missing subject", ResetProgressCommand{Phone: "+254712345678"}, shared.IsValidation},
		{"unknown student", ResetProgressCommand{Phone: "+254700000000", Subject: "math"}, shared.IsNotFound},
		{"unknown subject", ResetProgressCommand{Phone: "+254712345678", Subject: "physics"}, shared.IsNotFound},
		{"nothing to reset", ResetProgressCommand{Phone: "+254712345678", Subject: "math"}, shared.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := handler.Handle(ctx, tt.cmd)
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
		})
	}
}

func TestSetLanguage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	handler := NewSetLanguageHandler(h.students, catalogtest.Snapshot())

	res, err := handler.Handle(ctx, SetLanguageCommand{Phone: "+254712345678", Language: "sw-KE"})
	require.NoError(t, err)
	assert.Equal(t, shared.Language("sw-KE"), res.Language)
	assert.Equal(t, shared.Language("sw"), res.Effective)

	st, err := h.repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, shared.Language("sw-KE"), st.Language)

	_, err = h.cache.Get(ctx, "+254712345678")
	assert.True(t, shared.IsNotFound(err), "cache entry should be invalidated")

	_, err = handler.Handle(ctx, SetLanguageCommand{Phone: "+254712345678", Language: "not a tag!"})
	assert.ErrorIs(t, err, shared.ErrInvalidLanguage)
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ids := 0
	handler := NewEnrollHandler(h.students, catalogtest.Snapshot(), func() string {
		ids++
		return "new-" + string(rune('0'+ids))
	})

	res, err := handler.Handle(ctx, EnrollCommand{Phone: "+254712345678", Subject: "english", Priority: 0})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, []string{"english", "math"}, res.MenuSubjects)

	res, err = handler.Handle(ctx, EnrollCommand{Phone: "0733111222", Subject: "math", Name: "Amina", Language: "sw"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, shared.StudentID("new-1"), res.StudentID)

	st, err := h.repo.GetByPhone(ctx, "+254733111222")
	require.NoError(t, err)
	assert.Equal(t, "Amina", st.Name)
	assert.Equal(t, shared.Language("sw"), st.Language)

	_, err = handler.Handle(ctx, EnrollCommand{Phone: "+254712345678", Subject: "physics"})
	assert.ErrorIs(t, err, shared.ErrSubjectNotFound)
}

func TestAnonymizeStudent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	handler := NewAnonymizeStudentHandler(h.students, []byte("pepper"))

	res, err := handler.Handle(ctx, AnonymizeStudentCommand{Phone: "+254712345678"})
	require.NoError(t, err)
	assert.Len(t, res.Token, 32)

	want, err := PhoneToken([]byte("pepper"), "+254712345678")
	require.NoError(t, err)
	assert.Equal(t, want, res.Token)

	st, err := h.repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, st.IsAnonymized())
	assert.Equal(t, shared.PhoneNumber("anon:"+res.Token), st.Phone)

	_, err = h.repo.GetByPhone(ctx, "+254712345678")
	assert.True(t, shared.IsNotFound(err))
	_, err = h.cache.Get(ctx, "+254712345678")
	assert.True(t, shared.IsNotFound(err))
}

func TestPhoneToken_KeyMatters(t *testing.T) {
	a, err := PhoneToken([]byte("k1"), "+254712345678")
	require.NoError(t, err)
	b, err := PhoneToken([]byte("k2"), "+254712345678")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = PhoneToken(make([]byte, 65), "+254712345678")
	assert.Error(t, err)
}

func TestRecordDeliveryReport(t *testing.T) {
	ctx := context.Background()
	logs := memory.NewSMSLogRepository()

	intent := notification.NewIntent(notification.KindSessionSummary, "s1", "+254712345678", "en", nil)
	l := notification.NewSMSLog("log-1", intent, "hello", t0)
	l.MarkSent("ATXid_1", "KES 0.8", t0)
	require.NoError(t, logs.Save(ctx, l))

	handler := NewRecordDeliveryReportHandler(logs, logger.Discard())

	res, err := handler.Handle(ctx, RecordDeliveryReportCommand{ProviderID: "ATXid_1", Status: "Buffered"})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, notification.SMSSent, res.Status)

	res, err = handler.Handle(ctx, RecordDeliveryReportCommand{ProviderID: "ATXid_1", Status: "Success", At: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, notification.SMSDelivered, res.Status)

	res, err = handler.Handle(ctx, RecordDeliveryReportCommand{ProviderID: "ATXid_1", Status: "Failed"})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	stored, err := logs.GetByID(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, notification.SMSDelivered, stored.Status)
	require.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, t0.Add(time.Minute), *stored.DeliveredAt)

	_, err = handler.Handle(ctx, RecordDeliveryReportCommand{ProviderID: "unknown", Status: "Success"})
	assert.ErrorIs(t, err, shared.ErrSMSLogNotFound)

	_, err = handler.Handle(ctx, RecordDeliveryReportCommand{Status: "Success"})
	assert.True(t, shared.IsValidation(err))
}
