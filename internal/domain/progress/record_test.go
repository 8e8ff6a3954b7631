package progress_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

func stored() *progress.Record {
	return &progress.Record{
		StudentID: "s1", Subject: "math", Score: 20,
		CompletedUnits: []string{"unit_1"}, LastCompletedUnitID: "unit_1",
		LastUpdateKey: "c1:3", Version: 4,
	}
}

func TestCheckUpsert(t *testing.T) {
	t.Run("insert new", func(t *testing.T) {
		rec := stored()
		rec.Version = 0
		d, err := progress.CheckUpsert(nil, rec)
		require.NoError(t, err)
		assert.Equal(t, progress.DecisionInsert, d)
	})

	t.Run("missing record with version", func(t *testing.T) {
		_, err := progress.CheckUpsert(nil, stored())
		assert.ErrorIs(t, err, shared.ErrProgressConflict)
	})

	t.Run("matching version updates", func(t *testing.T) {
		in := stored()
		in.Score = 30
		in.LastUpdateKey = "c1:4"
		d, err := progress.CheckUpsert(stored(), in)
		require.NoError(t, err)
		assert.Equal(t, progress.DecisionUpdate, d)
	})

	t.Run("stale identical is noop", func(t *testing.T) {
		in := stored()
		in.Version = 3
		d, err := progress.CheckUpsert(stored(), in)
		require.NoError(t, err)
		assert.Equal(t, progress.DecisionNoop, d)
	})

	t.Run("stale different conflicts", func(t *testing.T) {
		in := stored()
		in.Version = 3
		in.Score = 40
		_, err := progress.CheckUpsert(stored(), in)
		assert.ErrorIs(t, err, shared.ErrProgressConflict)
		assert.True(t, shared.IsConflict(err))
	})

	t.Run("score regression", func(t *testing.T) {
		in := stored()
		in.Score = 10
		_, err := progress.CheckUpsert(stored(), in)
		assert.ErrorIs(t, err, shared.ErrScoreRegression)
	})

	t.Run("invalid record", func(t *testing.T) {
		in := stored()
		in.RecentScores = []int{120}
		_, err := progress.CheckUpsert(stored(), in)
		assert.ErrorIs(t, err, shared.ErrInvalidProgress)
	})
}

func TestClone_IsDeep(t *testing.T) {
	a := stored()
	b := a.Clone()
	b.CompletedUnits[0] = "changed"
	assert.Equal(t, "unit_1", a.CompletedUnits[0])
	assert.Nil(t, (*progress.Record)(nil).Clone())
}
