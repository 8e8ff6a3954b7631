package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// SMSLogRepository implements notification.LogRepository.
type SMSLogRepository struct {
	db *sql.DB
}

const smsLogColumns = `id, intent_id, student_id, phone, kind, message, status, provider_id,
	cost, failed_reason, attempts, created_at, sent_at, delivered_at`

// Save creates or replaces the log entry.
func (r *SMSLogRepository) Save(ctx context.Context, l *notification.SMSLog) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sms_logs (`+smsLogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	provider_id = excluded.provider_id,
	cost = excluded.cost,
	failed_reason = excluded.failed_reason,
	attempts = excluded.attempts,
	sent_at = excluded.sent_at,
	delivered_at = excluded.delivered_at`,
		l.ID, l.IntentID, l.StudentID.String(), l.Phone.String(), string(l.Kind), l.Message,
		string(l.Status), l.ProviderID, l.Cost, l.FailedReason, l.Attempts,
		toMillis(l.CreatedAt), nullMillisPtr(l.SentAt), nullMillisPtr(l.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("save sms log: %w", err)
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
	l, err := scanSMSLog(r.db.QueryRowContext(ctx,
		`SELECT `+smsLogColumns+` FROM sms_logs WHERE `+column+` = ? LIMIT 1`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.ErrSMSLogNotFound
		}
		return nil, fmt.Errorf("get sms log by %s: %w", column, err)
	}
	return l, nil
}

// ListByStudent returns the newest entries first.
func (r *SMSLogRepository) ListByStudent(ctx context.Context, studentID string, limit int) ([]*notification.SMSLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+smsLogColumns+` FROM sms_logs
WHERE student_id = ?
ORDER BY created_at DESC
LIMIT ?`, studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sms logs: %w", err)
	}
	defer rows.Close()

	var out []*notification.SMSLog
	for rows.Next() {
		l, err := scanSMSLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sms log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanSMSLog(row rowScanner) (*notification.SMSLog, error) {
	var (
		l                          notification.SMSLog
		studentID, phone, kind, st string
		created                    int64
		sent, delivered            sql.NullInt64
	)
	err := row.Scan(
		&l.ID, &l.IntentID, &studentID, &phone, &kind, &l.Message, &st, &l.ProviderID,
		&l.Cost, &l.FailedReason, &l.Attempts, &created, &sent, &delivered,
	)
	if err != nil {
		return nil, err
	}
	l.StudentID = shared.StudentID(studentID)
	l.Phone = shared.PhoneNumber(phone)
	l.Kind = notification.Kind(kind)
	l.Status = notification.SMSStatus(st)
	l.CreatedAt = fromMillis(created)
	l.SentAt = fromNullMillisPtr(sent)
	l.DeliveredAt = fromNullMillisPtr(delivered)
	return &l, nil
}
