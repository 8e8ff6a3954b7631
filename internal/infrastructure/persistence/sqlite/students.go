package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
)

// StudentRepository implements student.Repository.
type StudentRepository struct {
	db *sql.DB
}

const studentColumns = `id, phone, name, language, status, created_at, updated_at, last_call_at, last_reminder_at`

// Create inserts the student and its enrollments.
func (r *StudentRepository) Create(ctx context.Context, s *student.Student) error {
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO students (`+studentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID.String(), s.Phone.String(), s.Name, s.Language.String(), string(s.Status),
			toMillis(s.CreatedAt), toMillis(s.UpdatedAt), nullMillis(s.LastCallAt), nullMillis(s.LastReminderAt),
		)
		if err != nil {
			return err
		}
		return insertEnrollments(ctx, tx, s)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return shared.ErrStudentAlreadyExists
		}
		return fmt.Errorf("create student: %w", err)
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
	s, err := scanStudent(r.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE `+column+` = ?`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.ErrStudentNotFound
		}
		return nil, fmt.Errorf("get student by %s: %w", column, err)
	}
	enrollments, err := loadEnrollments(ctx, r.db, []string{s.ID.String()})
	if err != nil {
		return nil, err
	}
	s.Enrollments = enrollments[s.ID]
	return s, nil
}

// Update rewrites the student row and replaces its enrollments.
func (r *StudentRepository) Update(ctx context.Context, s *student.Student) error {
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE students SET phone = ?, name = ?, language = ?, status = ?,
	updated_at = ?, last_call_at = ?, last_reminder_at = ?
WHERE id = ?`,
			s.Phone.String(), s.Name, s.Language.String(), string(s.Status),
			toMillis(s.UpdatedAt), nullMillis(s.LastCallAt), nullMillis(s.LastReminderAt), s.ID.String(),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return shared.ErrStudentNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM enrollments WHERE student_id = ?`, s.ID.String()); err != nil {
			return err
		}
		return insertEnrollments(ctx, tx, s)
	})
	switch {
	case err == nil:
		return nil
	case shared.IsNotFound(err):
		return err
	case isUniqueViolation(err):
		return shared.ErrStudentAlreadyExists
	default:
		return fmt.Errorf("update student: %w", err)
	}
}

// RecordCall sets last_call_at without touching the rest of the row.
func (r *StudentRepository) RecordCall(ctx context.Context, id shared.StudentID, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE students SET last_call_at = ?, updated_at = ? WHERE id = ?`,
		toMillis(at), toMillis(at), id.String(),
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return shared.ErrStudentNotFound
	}
	return nil
}

// FindInactive returns active students whose last call (or registration)
// is before since and who were not reminded after remindedBefore, oldest first.
func (r *StudentRepository) FindInactive(ctx context.Context, since, remindedBefore time.Time, limit int) ([]*student.Student, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+studentColumns+`
FROM students
WHERE status = 'active'
  AND COALESCE(last_call_at, created_at) < ?
  AND (last_reminder_at IS NULL OR last_reminder_at <= ?)
ORDER BY COALESCE(last_call_at, created_at) ASC
LIMIT ?`, toMillis(since), toMillis(remindedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("find inactive students: %w", err)
	}

	var (
		out []*student.Student
		ids []string
	)
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan student: %w", err)
		}
		out = append(out, s)
		ids = append(ids, s.ID.String())
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	enrollments, err := loadEnrollments(ctx, r.db, ids)
	if err != nil {
		return nil, err
	}
	for _, s := range out {
		s.Enrollments = enrollments[s.ID]
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanStudent(row rowScanner) (*student.Student, error) {
	var (
		s                       student.Student
		id, phone, lang, status string
		created, updated        int64
		lastCall, lastReminder  sql.NullInt64
	)
	if err := row.Scan(&id, &phone, &s.Name, &lang, &status, &created, &updated, &lastCall, &lastReminder); err != nil {
		return nil, err
	}
	s.ID = shared.StudentID(id)
	s.Phone = shared.PhoneNumber(phone)
	s.Language = shared.Language(lang)
	s.Status = student.Status(status)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	s.LastCallAt = fromNullMillis(lastCall)
	s.LastReminderAt = fromNullMillis(lastReminder)
	return &s, nil
}

func insertEnrollments(ctx context.Context, ex execer, s *student.Student) error {
	for _, e := range s.Enrollments {
		_, err := ex.ExecContext(ctx,
			`INSERT INTO enrollments (student_id, subject, priority, enrolled_at) VALUES (?, ?, ?, ?)`,
			s.ID.String(), e.Subject, e.Priority, toMillis(e.EnrolledAt))
		if err != nil {
			return fmt.Errorf("insert enrollment %s: %w", e.Subject, err)
		}
	}
	return nil
}

func loadEnrollments(ctx context.Context, q querier, ids []string) (map[shared.StudentID][]student.Enrollment, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `
SELECT student_id, subject, priority, enrolled_at
FROM enrollments
WHERE student_id IN (`+placeholders+`)
ORDER BY priority, subject`, args...)
	if err != nil {
		return nil, fmt.Errorf("load enrollments: %w", err)
	}
	defer rows.Close()

	out := make(map[shared.StudentID][]student.Enrollment, len(ids))
	for rows.Next() {
		var (
			id       string
			e        student.Enrollment
			enrolled int64
		)
		if err := rows.Scan(&id, &e.Subject, &e.Priority, &enrolled); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		e.EnrolledAt = fromMillis(enrolled)
		out[shared.StudentID(id)] = append(out[shared.StudentID(id)], e)
	}
	return out, rows.Err()
}
