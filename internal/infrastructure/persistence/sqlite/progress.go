package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ProgressStore implements progress.Store. The single connection makes
// each upsert transaction exclusive.
type ProgressStore struct {
	db  *sql.DB
	now func() time.Time
}

const progressColumns = `student_id, subject, last_completed_unit_id, last_completed_ordinal,
	in_progress_unit_id, completed_units, score, recent_scores, streak,
	last_activity_at, last_update_key, version, updated_at, scored_items`

// GetProgress returns shared.ErrProgressNotFound when no record exists.
func (s *ProgressStore) GetProgress(ctx context.Context, studentID shared.StudentID, subject string) (*progress.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM progress WHERE student_id = ? AND subject = ?`,
		studentID.String(), subject))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.ErrProgressNotFound
		}
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return rec, nil
}

// UpsertProgress writes rec according to progress.CheckUpsert.
func (s *ProgressStore) UpsertProgress(ctx context.Context, rec *progress.Record) error {
	rec.LastActivityAt = rec.LastActivityAt.Truncate(time.Millisecond)

	var version int64
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		stored, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+progressColumns+` FROM progress WHERE student_id = ? AND subject = ?`,
			rec.StudentID.String(), rec.Subject))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			stored = nil
		case err != nil:
			return fmt.Errorf("read progress: %w", err)
		}

		decision, err := progress.CheckUpsert(stored, rec)
		if err != nil {
			return err
		}

		updatedAt := s.now().UTC().Truncate(time.Millisecond)
		switch decision {
		case progress.DecisionNoop:
			version = stored.Version
			return nil
		case progress.DecisionInsert:
			version = 1
		case progress.DecisionUpdate:
			version = stored.Version + 1
		}

		args, err := recordArgs(rec, version, updatedAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO progress (`+progressColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (student_id, subject) DO UPDATE SET
	last_completed_unit_id = excluded.last_completed_unit_id,
	last_completed_ordinal = excluded.last_completed_ordinal,
	in_progress_unit_id = excluded.in_progress_unit_id,
	completed_units = excluded.completed_units,
	score = excluded.score,
	recent_scores = excluded.recent_scores,
	streak = excluded.streak,
	last_activity_at = excluded.last_activity_at,
	last_update_key = excluded.last_update_key,
	version = excluded.version,
	updated_at = excluded.updated_at,
	scored_items = excluded.scored_items`, args...)
		if err != nil {
			return fmt.Errorf("write progress: %w", err)
		}
		rec.UpdatedAt = updatedAt
		return nil
	})
	if err != nil {
		return err
	}
	rec.Version = version
	return nil
}

// ResetProgress replaces the record with a fresh one at the next version.
func (s *ProgressStore) ResetProgress(ctx context.Context, studentID shared.StudentID, subject string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE progress SET
	last_completed_unit_id = '', last_completed_ordinal = 0,
	in_progress_unit_id = '', completed_units = '[]', scored_items = '[]', score = 0,
	recent_scores = '[]', streak = 0, last_activity_at = NULL,
	last_update_key = '', version = version + 1, updated_at = ?
WHERE student_id = ? AND subject = ?`,
		toMillis(at), studentID.String(), subject)
	if err != nil {
		return fmt.Errorf("reset progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return shared.ErrProgressNotFound
	}
	return nil
}

// ListProgress returns the student's records ordered by subject.
func (s *ProgressStore) ListProgress(ctx context.Context, studentID shared.StudentID) ([]*progress.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+progressColumns+` FROM progress WHERE student_id = ? ORDER BY subject`,
		studentID.String())
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []*progress.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendAttempt stores a; a repeated ID is ignored.
func (s *ProgressStore) AppendAttempt(ctx context.Context, a progress.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO quiz_attempts (id, call_id, student_id, subject, unit_id, quiz_item_id,
	attempts, correct, exhausted, delta, at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		a.ID, a.CallID, a.StudentID.String(), a.Subject, a.UnitID, a.QuizItemID,
		a.Attempts, a.Correct, a.Exhausted, a.Delta, toMillis(a.At))
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

// RecentAttempts returns the newest attempts first. An empty subject
// matches all subjects.
func (s *ProgressStore) RecentAttempts(ctx context.Context, studentID shared.StudentID, subject string, limit int) ([]progress.Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, call_id, student_id, subject, unit_id, quiz_item_id,
	attempts, correct, exhausted, delta, at
FROM quiz_attempts
WHERE student_id = ? AND (? = '' OR subject = ?)
ORDER BY at DESC, seq DESC
LIMIT ?`, studentID.String(), subject, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []progress.Attempt
	for rows.Next() {
		var (
			a    progress.Attempt
			id   string
			atMs int64
		)
		if err := rows.Scan(&a.ID, &a.CallID, &id, &a.Subject, &a.UnitID, &a.QuizItemID,
			&a.Attempts, &a.Correct, &a.Exhausted, &a.Delta, &atMs); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StudentID = shared.StudentID(id)
		a.At = fromMillis(atMs)
		out = append(out, a)
	}
	return out, rows.Err()
}

func recordArgs(rec *progress.Record, version int64, updatedAt time.Time) ([]any, error) {
	completed := rec.CompletedUnits
	if completed == nil {
		completed = []string{}
	}
	completedJSON, err := json.Marshal(completed)
	if err != nil {
		return nil, fmt.Errorf("encode completed units: %w", err)
	}
	scored := rec.ScoredItems
	if scored == nil {
		scored = []string{}
	}
	scoredJSON, err := json.Marshal(scored)
	if err != nil {
		return nil, fmt.Errorf("encode scored items: %w", err)
	}
	recent := rec.RecentScores
	if recent == nil {
		recent = []int{}
	}
	recentJSON, err := json.Marshal(recent)
	if err != nil {
		return nil, fmt.Errorf("encode recent scores: %w", err)
	}
	return []any{
		rec.StudentID.String(),
		rec.Subject,
		rec.LastCompletedUnitID,
		rec.LastCompletedOrdinal,
		rec.InProgressUnitID,
		string(completedJSON),
		rec.Score,
		string(recentJSON),
		rec.Streak,
		nullMillis(rec.LastActivityAt),
		rec.LastUpdateKey,
		version,
		toMillis(updatedAt),
		string(scoredJSON),
	}, nil
}

func scanRecord(row rowScanner) (*progress.Record, error) {
	var (
		rec               progress.Record
		id                string
		completed, recent string
		scored            string
		lastActivity      sql.NullInt64
		updated           int64
	)
	err := row.Scan(
		&id,
		&rec.Subject,
		&rec.LastCompletedUnitID,
		&rec.LastCompletedOrdinal,
		&rec.InProgressUnitID,
		&completed,
		&rec.Score,
		&recent,
		&rec.Streak,
		&lastActivity,
		&rec.LastUpdateKey,
		&rec.Version,
		&updated,
		&scored,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(completed), &rec.CompletedUnits); err != nil {
		return nil, fmt.Errorf("decode completed units: %w", err)
	}
	if err := json.Unmarshal([]byte(recent), &rec.RecentScores); err != nil {
		return nil, fmt.Errorf("decode recent scores: %w", err)
	}
	if err := json.Unmarshal([]byte(scored), &rec.ScoredItems); err != nil {
		return nil, fmt.Errorf("decode scored items: %w", err)
	}
	if len(rec.CompletedUnits) == 0 {
		rec.CompletedUnits = nil
	}
	if len(rec.ScoredItems) == 0 {
		rec.ScoredItems = nil
	}
	if len(rec.RecentScores) == 0 {
		rec.RecentScores = nil
	}
	rec.StudentID = shared.StudentID(id)
	rec.LastActivityAt = fromNullMillis(lastActivity)
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}
