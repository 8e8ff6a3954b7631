package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ProgressStore implements progress.Store for PostgreSQL. Upserts lock the
// stored row (SELECT ... FOR UPDATE) so the version check and the write are
// one atomic step across instances.
type ProgressStore struct {
	conn *Connection
	now  func() time.Time
}

// NewProgressStore creates a new ProgressStore.
func NewProgressStore(conn *Connection) *ProgressStore {
	return &ProgressStore{conn: conn, now: time.Now}
}

const progressColumns = `student_id, subject, last_completed_unit_id, last_completed_ordinal,
	in_progress_unit_id, completed_units, score, recent_scores, streak,
	last_activity_at, last_update_key, version, updated_at, scored_items`

// GetProgress returns shared.ErrProgressNotFound when no record exists.
func (s *ProgressStore) GetProgress(ctx context.Context, studentID shared.StudentID, subject string) (*progress.Record, error) {
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	rec, err := scanRecord(s.conn.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM progress WHERE student_id = $1 AND subject = $2`,
		studentID.String(), subject))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrProgressNotFound
		}
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	return rec, nil
}

// UpsertProgress writes rec according to progress.CheckUpsert and sets
// rec.Version to the stored version.
func (s *ProgressStore) UpsertProgress(ctx context.Context, rec *progress.Record) error {
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	// Postgres keeps microseconds; a replay must compare equal to what was stored.
	rec.LastActivityAt = rec.LastActivityAt.Truncate(time.Microsecond)

	var version int64
	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		stored, err := scanRecord(tx.QueryRow(ctx,
			`SELECT `+progressColumns+` FROM progress WHERE student_id = $1 AND subject = $2 FOR UPDATE`,
			rec.StudentID.String(), rec.Subject))
		if err != nil && !IsNoRows(err) {
			return fmt.Errorf("failed to lock progress: %w", err)
		}
		if IsNoRows(err) {
			stored = nil
		}

		decision, err := progress.CheckUpsert(stored, rec)
		if err != nil {
			return err
		}

		updatedAt := s.now().UTC()
		switch decision {
		case progress.DecisionNoop:
			version = stored.Version
			return nil

		case progress.DecisionInsert:
			version = 1
			_, err = tx.Exec(ctx, `
				INSERT INTO progress (`+progressColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				recordArgs(rec, version, updatedAt)...)

		case progress.DecisionUpdate:
			version = stored.Version + 1
			_, err = tx.Exec(ctx, `
				UPDATE progress SET
					last_completed_unit_id = $3, last_completed_ordinal = $4,
					in_progress_unit_id = $5, completed_units = $6, score = $7,
					recent_scores = $8, streak = $9, last_activity_at = $10,
					last_update_key = $11, version = $12, updated_at = $13,
					scored_items = $14
				WHERE student_id = $1 AND subject = $2`,
				recordArgs(rec, version, updatedAt)...)
		}
		if err != nil {
			if IsUniqueViolation(err) {
				return shared.ErrProgressConflict
			}
			return fmt.Errorf("failed to write progress: %w", err)
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
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	tag, err := s.conn.Exec(ctx, `
		UPDATE progress SET
			last_completed_unit_id = '', last_completed_ordinal = 0,
			in_progress_unit_id = '', completed_units = '{}', scored_items = '{}', score = 0,
			recent_scores = '{}', streak = 0, last_activity_at = NULL,
			last_update_key = '', version = version + 1, updated_at = $3
		WHERE student_id = $1 AND subject = $2`,
		studentID.String(), subject, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to reset progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrProgressNotFound
	}
	return nil
}

// ListProgress returns the student's records ordered by subject.
func (s *ProgressStore) ListProgress(ctx context.Context, studentID shared.StudentID) ([]*progress.Record, error) {
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	rows, err := s.conn.Query(ctx,
		`SELECT `+progressColumns+` FROM progress WHERE student_id = $1 ORDER BY subject`,
		studentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	var out []*progress.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Attempts
// ─────────────────────────────────────────────────────────────────────────────

// AppendAttempt stores a; a repeated ID is ignored.
func (s *ProgressStore) AppendAttempt(ctx context.Context, a progress.Attempt) error {
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO quiz_attempts (id, call_id, student_id, subject, unit_id, quiz_item_id,
			attempts, correct, exhausted, delta, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.CallID, a.StudentID.String(), a.Subject, a.UnitID, a.QuizItemID,
		a.Attempts, a.Correct, a.Exhausted, a.Delta, a.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

// RecentAttempts returns the newest attempts first. An empty subject
// matches all subjects.
func (s *ProgressStore) RecentAttempts(ctx context.Context, studentID shared.StudentID, subject string, limit int) ([]progress.Attempt, error) {
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, call_id, student_id, subject, unit_id, quiz_item_id,
			attempts, correct, exhausted, delta, at
		FROM quiz_attempts
		WHERE student_id = $1 AND ($2::text = '' OR subject = $2)
		ORDER BY at DESC
		LIMIT $3`, studentID.String(), subject, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []progress.Attempt
	for rows.Next() {
		var (
			a  progress.Attempt
			id string
		)
		if err := rows.Scan(&a.ID, &a.CallID, &id, &a.Subject, &a.UnitID, &a.QuizItemID,
			&a.Attempts, &a.Correct, &a.Exhausted, &a.Delta, &a.At); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.StudentID = shared.StudentID(id)
		a.At = a.At.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func recordArgs(rec *progress.Record, version int64, updatedAt time.Time) []any {
	completed := rec.CompletedUnits
	if completed == nil {
		completed = []string{}
	}
	scored := rec.ScoredItems
	if scored == nil {
		scored = []string{}
	}
	recent := make([]int32, len(rec.RecentScores))
	for i, v := range rec.RecentScores {
		recent[i] = int32(v)
	}
	return []any{
		rec.StudentID.String(),
		rec.Subject,
		rec.LastCompletedUnitID,
		rec.LastCompletedOrdinal,
		rec.InProgressUnitID,
		completed,
		rec.Score,
		recent,
		rec.Streak,
		nullTime(rec.LastActivityAt),
		rec.LastUpdateKey,
		version,
		updatedAt,
		scored,
	}
}

func scanRecord(row pgx.Row) (*progress.Record, error) {
	var (
		rec          progress.Record
		id           string
		recent       []int32
		lastActivity *time.Time
	)
	err := row.Scan(
		&id,
		&rec.Subject,
		&rec.LastCompletedUnitID,
		&rec.LastCompletedOrdinal,
		&rec.InProgressUnitID,
		&rec.CompletedUnits,
		&rec.Score,
		&recent,
		&rec.Streak,
		&lastActivity,
		&rec.LastUpdateKey,
		&rec.Version,
		&rec.UpdatedAt,
		&rec.ScoredItems,
	)
	if err != nil {
		return nil, err
	}
	rec.StudentID = shared.StudentID(id)
	if len(recent) > 0 {
		rec.RecentScores = make([]int, len(recent))
		for i, v := range recent {
			rec.RecentScores[i] = int(v)
		}
	}
	if len(rec.CompletedUnits) == 0 {
		rec.CompletedUnits = nil
	}
	if len(rec.ScoredItems) == 0 {
		rec.ScoredItems = nil
	}
	rec.LastActivityAt = fromNullTime(lastActivity)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
