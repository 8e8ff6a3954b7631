package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// StudentRepository implements student.Repository for PostgreSQL.
type StudentRepository struct {
	conn *Connection
}

// NewStudentRepository creates a new StudentRepository.
func NewStudentRepository(conn *Connection) *StudentRepository {
	return &StudentRepository{conn: conn}
}

const studentColumns = `id, phone, name, language, status, created_at, updated_at, last_call_at, last_reminder_at`

// ─────────────────────────────────────────────────────────────────────────────
// CRUD Operations
// ─────────────────────────────────────────────────────────────────────────────

// Create inserts the student and its enrollments in one transaction.
func (r *StudentRepository) Create(ctx context.Context, s *student.Student) error {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO students (`+studentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			s.ID.String(),
			s.Phone.String(),
			s.Name,
			s.Language.String(),
			string(s.Status),
			s.CreatedAt.UTC(),
			s.UpdatedAt.UTC(),
			nullTime(s.LastCallAt),
			nullTime(s.LastReminderAt),
		)
		if err != nil {
			return err
		}
		return insertEnrollments(ctx, tx, s)
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrStudentAlreadyExists
		}
		return fmt.Errorf("failed to create student: %w", err)
	}
	return nil
}

// GetByID returns a student by internal ID.
func (r *StudentRepository) GetByID(ctx context.Context, id shared.StudentID) (*student.Student, error) {
	return r.getBy(ctx, "id", id.String())
}

// GetByPhone returns a student by normalized phone number.
func (r *StudentRepository) GetByPhone(ctx context.Context, phone shared.PhoneNumber) (*student.Student, error) {
	return r.getBy(ctx, "phone", phone.String())
}

func (r *StudentRepository) getBy(ctx context.Context, column, value string) (*student.Student, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	row := r.conn.QueryRow(ctx, `SELECT `+studentColumns+` FROM students WHERE `+column+` = $1`, value)
	s, err := scanStudent(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrStudentNotFound
		}
		return nil, fmt.Errorf("failed to get student by %s: %w", column, err)
	}

	enrollments, err := loadEnrollments(ctx, r.conn, []string{s.ID.String()})
	if err != nil {
		return nil, err
	}
	s.Enrollments = enrollments[s.ID]
	return s, nil
}

// Update rewrites the student row and replaces its enrollments.
func (r *StudentRepository) Update(ctx context.Context, s *student.Student) error {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE students SET
				phone = $2, name = $3, language = $4, status = $5,
				updated_at = $6, last_call_at = $7, last_reminder_at = $8
			WHERE id = $1`,
			s.ID.String(),
			s.Phone.String(),
			s.Name,
			s.Language.String(),
			string(s.Status),
			s.UpdatedAt.UTC(),
			nullTime(s.LastCallAt),
			nullTime(s.LastReminderAt),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrStudentNotFound
		}

		if _, err := tx.Exec(ctx, `DELETE FROM enrollments WHERE student_id = $1`, s.ID.String()); err != nil {
			return err
		}
		return insertEnrollments(ctx, tx, s)
	})
	if err != nil {
		if shared.IsNotFound(err) {
			return err
		}
		if IsUniqueViolation(err) {
			return shared.ErrStudentAlreadyExists
		}
		return fmt.Errorf("failed to update student: %w", err)
	}
	return nil
}

// RecordCall sets last_call_at without touching the rest of the row.
func (r *StudentRepository) RecordCall(ctx context.Context, id shared.StudentID, at time.Time) error {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	tag, err := r.conn.Exec(ctx,
		`UPDATE students SET last_call_at = $2, updated_at = $2 WHERE id = $1`,
		id.String(), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrStudentNotFound
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────────────────────────────────────

// FindInactive returns active students whose last call (or registration)
// is before since and who were not reminded after remindedBefore, oldest first.
func (r *StudentRepository) FindInactive(ctx context.Context, since, remindedBefore time.Time, limit int) ([]*student.Student, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.conn.Query(ctx, `
		SELECT `+studentColumns+`
		FROM students
		WHERE status = 'active'
		  AND COALESCE(last_call_at, created_at) < $1
		  AND (last_reminder_at IS NULL OR last_reminder_at <= $2)
		ORDER BY COALESCE(last_call_at, created_at) ASC
		LIMIT $3`, since.UTC(), remindedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find inactive students: %w", err)
	}
	defer rows.Close()

	var (
		out []*student.Student
		ids []string
	)
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		out = append(out, s)
		ids = append(ids, s.ID.String())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	enrollments, err := loadEnrollments(ctx, r.conn, ids)
	if err != nil {
		return nil, err
	}
	for _, s := range out {
		s.Enrollments = enrollments[s.ID]
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func scanStudent(row pgx.Row) (*student.Student, error) {
	var (
		s                       student.Student
		id, phone, lang, status string
		lastCall, lastReminder  *time.Time
	)
	err := row.Scan(&id, &phone, &s.Name, &lang, &status, &s.CreatedAt, &s.UpdatedAt, &lastCall, &lastReminder)
	if err != nil {
		return nil, err
	}
	s.ID = shared.StudentID(id)
	s.Phone = shared.PhoneNumber(phone)
	s.Language = shared.Language(lang)
	s.Status = student.Status(status)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	s.LastCallAt = fromNullTime(lastCall)
	s.LastReminderAt = fromNullTime(lastReminder)
	return &s, nil
}

func insertEnrollments(ctx context.Context, q Querier, s *student.Student) error {
	for _, e := range s.Enrollments {
		_, err := q.Exec(ctx, `
			INSERT INTO enrollments (student_id, subject, priority, enrolled_at)
			VALUES ($1, $2, $3, $4)`,
			s.ID.String(), e.Subject, e.Priority, e.EnrolledAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert enrollment %s: %w", e.Subject, err)
		}
	}
	return nil
}

func loadEnrollments(ctx context.Context, q Querier, ids []string) (map[shared.StudentID][]student.Enrollment, error) {
	rows, err := q.Query(ctx, `
		SELECT student_id, subject, priority, enrolled_at
		FROM enrollments
		WHERE student_id = ANY($1)
		ORDER BY priority, subject`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollments: %w", err)
	}
	defer rows.Close()

	out := make(map[shared.StudentID][]student.Enrollment, len(ids))
	for rows.Next() {
		var (
			id string
			e  student.Enrollment
		)
		if err := rows.Scan(&id, &e.Subject, &e.Priority, &e.EnrolledAt); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		e.EnrolledAt = e.EnrolledAt.UTC()
		out[shared.StudentID(id)] = append(out[shared.StudentID(id)], e)
	}
	return out, rows.Err()
}
