package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SMS LOG REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// SMSLogRepository implements notification.LogRepository for PostgreSQL.
type SMSLogRepository struct {
	conn *Connection
}

// NewSMSLogRepository creates a new SMSLogRepository.
func NewSMSLogRepository(conn *Connection) *SMSLogRepository {
	return &SMSLogRepository{conn: conn}
}

const smsLogColumns = `id, intent_id, student_id, phone, kind, message, status, provider_id,
	cost, failed_reason, attempts, created_at, sent_at, delivered_at`

// Save creates or replaces the log entry.
func (r *SMSLogRepository) Save(ctx context.Context, l *notification.SMSLog) error {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	_, err := r.conn.Exec(ctx, `
		INSERT INTO sms_logs (`+smsLogColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			provider_id = EXCLUDED.provider_id,
			cost = EXCLUDED.cost,
			failed_reason = EXCLUDED.failed_reason,
			attempts = EXCLUDED.attempts,
			sent_at = EXCLUDED.sent_at,
			delivered_at = EXCLUDED.delivered_at`,
		l.ID,
		l.IntentID,
		l.StudentID.String(),
		l.Phone.String(),
		string(l.Kind),
		l.Message,
		string(l.Status),
		l.ProviderID,
		l.Cost,
		l.FailedReason,
		l.Attempts,
		l.CreatedAt.UTC(),
		l.SentAt,
		l.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save sms log: %w", err)
	}
	return nil
}

// GetByID returns shared.ErrSMSLogNotFound for unknown ids.
func (r *SMSLogRepository) GetByID(ctx context.Context, id string) (*notification.SMSLog, error) {
	return r.getBy(ctx, "id", id)
}

// GetByProviderID looks the entry up by the gateway message id.
func (r *SMSLogRepository) GetByProviderID(ctx context.Context, providerID string) (*notification.SMSLog, error) {
	if providerID == "" {
		return nil, shared.ErrSMSLogNotFound
	}
	return r.getBy(ctx, "provider_id", providerID)
}

func (r *SMSLogRepository) getBy(ctx context.Context, column, value string) (*notification.SMSLog, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	l, err := scanSMSLog(r.conn.QueryRow(ctx,
		`SELECT `+smsLogColumns+` FROM sms_logs WHERE `+column+` = $1 LIMIT 1`, value))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrSMSLogNotFound
		}
		return nil, fmt.Errorf("failed to get sms log by %s: %w", column, err)
	}
	return l, nil
}

// ListByStudent returns the newest entries first.
func (r *SMSLogRepository) ListByStudent(ctx context.Context, studentID string, limit int) ([]*notification.SMSLog, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.conn.Query(ctx, `
		SELECT `+smsLogColumns+` FROM sms_logs
		WHERE student_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sms logs: %w", err)
	}
	defer rows.Close()

	var out []*notification.SMSLog
	for rows.Next() {
		l, err := scanSMSLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sms log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanSMSLog(row pgx.Row) (*notification.SMSLog, error) {
	var (
		l                          notification.SMSLog
		studentID, phone, kind, st string
	)
	err := row.Scan(
		&l.ID, &l.IntentID, &studentID, &phone, &kind, &l.Message, &st, &l.ProviderID,
		&l.Cost, &l.FailedReason, &l.Attempts, &l.CreatedAt, &l.SentAt, &l.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	l.StudentID = shared.StudentID(studentID)
	l.Phone = shared.PhoneNumber(phone)
	l.Kind = notification.Kind(kind)
	l.Status = notification.SMSStatus(st)
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}
