package notification

import (
	"context"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// GATEWAY
// Реализация: infrastructure/external/sms.
// ══════════════════════════════════════════════════════════════════════════════

// SendRequest - одно SMS.
type SendRequest struct {
	To      string
	Message string
}

// SendResult - ответ шлюза на принятое сообщение.
type SendResult struct {
	ProviderID string
	Status     string
	Cost       string
}

// Gateway - внешний SMS-шлюз.
// Ошибки, обёрнутые retry.Permanent, повторять бессмысленно (неверный номер, отказ в доступе).
type Gateway interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// DELIVERY REPORT
// ══════════════════════════════════════════════════════════════════════════════

// DeliveryReport - уведомление оператора о судьбе сообщения.
type DeliveryReport struct {
	ProviderID    string
	Status        SMSStatus
	FailureReason string
	At            time.Time
}

// ParseProviderStatus переводит статус оператора в SMSStatus.
// Промежуточные статусы ("Sent", "Buffered", "Submitted") дают SMSSent.
func ParseProviderStatus(s string) SMSStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "delivered":
		return SMSDelivered
	case "failed", "rejected", "expired":
		return SMSFailed
	default:
		return SMSSent
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SMS LOG REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// LogRepository определяет интерфейс для хранения журнала SMS.
type LogRepository interface {
	// Save создаёт или обновляет запись.
	Save(ctx context.Context, log *SMSLog) error

	// GetByID возвращает запись по ID.
	GetByID(ctx context.Context, id string) (*SMSLog, error)

	// GetByProviderID возвращает запись по ID сообщения у оператора.
	GetByProviderID(ctx context.Context, providerID string) (*SMSLog, error)

	// ListByStudent возвращает последние записи студента, новые первыми.
	ListByStudent(ctx context.Context, studentID string, limit int) ([]*SMSLog, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// ENQUEUER
// ══════════════════════════════════════════════════════════════════════════════

// Enqueuer принимает намерения. EnqueueIntent никогда не блокирует
// и не возвращает результат доставки.
type Enqueuer interface {
	EnqueueIntent(intent Intent)
}
