// Package notification содержит доменную модель SMS-уведомлений IVR Tutor.
// Уведомления - best-effort: их отправка никогда не влияет на звонок и прогресс.
package notification

import (
	"fmt"
	"maps"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// KIND
// ══════════════════════════════════════════════════════════════════════════════

// Kind определяет тип уведомления.
type Kind string

const (
	// KindProgressUpdate - студент прошёл предмет целиком.
	// "Hongera! Umekamilisha Hisabati. Alama: 120"
	KindProgressUpdate Kind = "progress_update"

	// KindSessionSummary - итог звонка.
	// "Today: 2 lessons, +15 points. Total 85."
	KindSessionSummary Kind = "session_summary"

	// KindReminder - напоминание неактивному студенту.
	// "We miss you! Call 0800 123 456 to continue Mathematics."
	KindReminder Kind = "reminder"
)

// IsValid проверяет корректность типа.
func (k Kind) IsValid() bool {
	switch k {
	case KindProgressUpdate, KindSessionSummary, KindReminder:
		return true
	default:
		return false
	}
}

// FeatureFlag - имя флага, которым выключается этот тип.
func (k Kind) FeatureFlag() string {
	return "notify." + string(k)
}

// TemplateKey - ключ шаблона по умолчанию.
func (k Kind) TemplateKey() string {
	return string(k)
}

func (k Kind) String() string {
	return string(k)
}

// ══════════════════════════════════════════════════════════════════════════════
// INTENT
// ══════════════════════════════════════════════════════════════════════════════

// Intent - намерение отправить SMS. Сессия звонка только создаёт его,
// результат отправки обратно не возвращается.
type Intent struct {
	ID          string
	Kind        Kind
	StudentID   shared.StudentID
	Phone       shared.PhoneNumber
	Language    shared.Language
	TemplateKey string
	Params      map[string]string
	CreatedAt   time.Time
}

// NewIntent создаёт намерение с шаблоном по умолчанию для типа.
func NewIntent(kind Kind, studentID shared.StudentID, phone shared.PhoneNumber, lang shared.Language, params map[string]string) Intent {
	return Intent{
		Kind:        kind,
		StudentID:   studentID,
		Phone:       phone,
		Language:    lang,
		TemplateKey: kind.TemplateKey(),
		Params:      params,
	}
}

// Validate проверяет, что намерение можно отправить.
func (i Intent) Validate() error {
	switch {
	case !i.Kind.IsValid():
		return fmt.Errorf("%w: unknown kind %q", shared.ErrInvalidInput, i.Kind)
	case !i.Phone.IsValid():
		return shared.ErrInvalidPhone
	case i.TemplateKey == "":
		return fmt.Errorf("%w: template key is empty", shared.ErrInvalidInput)
	}
	return nil
}

// Clone возвращает копию с собственной картой параметров.
func (i Intent) Clone() Intent {
	i.Params = maps.Clone(i.Params)
	return i
}

// ══════════════════════════════════════════════════════════════════════════════
// SMS STATUS
// ══════════════════════════════════════════════════════════════════════════════

// SMSStatus определяет статус доставки SMS.
type SMSStatus string

const (
	// SMSPending - сообщение сформировано, отправка ещё не удалась.
	SMSPending SMSStatus = "pending"

	// SMSSent - шлюз принял сообщение.
	SMSSent SMSStatus = "sent"

	// SMSDelivered - оператор подтвердил доставку.
	SMSDelivered SMSStatus = "delivered"

	// SMSFailed - доставка не удалась окончательно.
	SMSFailed SMSStatus = "failed"
)

// IsValid проверяет корректность статуса.
func (s SMSStatus) IsValid() bool {
	switch s {
	case SMSPending, SMSSent, SMSDelivered, SMSFailed:
		return true
	default:
		return false
	}
}

// IsFinal возвращает true, если это конечный статус.
func (s SMSStatus) IsFinal() bool {
	return s == SMSDelivered || s == SMSFailed
}

// ══════════════════════════════════════════════════════════════════════════════
// SMS LOG
// ══════════════════════════════════════════════════════════════════════════════

// SMSLog - журнал отправки одного уведомления.
type SMSLog struct {
	ID           string
	IntentID     string
	StudentID    shared.StudentID
	Phone        shared.PhoneNumber
	Kind         Kind
	Message      string
	Status       SMSStatus
	ProviderID   string
	Cost         string
	FailedReason string
	Attempts     int
	CreatedAt    time.Time
	SentAt       *time.Time
	DeliveredAt  *time.Time
}

// NewSMSLog создаёт запись в статусе pending.
func NewSMSLog(id string, intent Intent, message string, now time.Time) *SMSLog {
	return &SMSLog{
		ID:        id,
		IntentID:  intent.ID,
		StudentID: intent.StudentID,
		Phone:     intent.Phone,
		Kind:      intent.Kind,
		Message:   message,
		Status:    SMSPending,
		CreatedAt: now,
	}
}

// RecordAttempt учитывает очередную попытку отправки.
func (l *SMSLog) RecordAttempt() {
	l.Attempts++
}

// MarkSent фиксирует приём сообщения шлюзом.
func (l *SMSLog) MarkSent(providerID, cost string, at time.Time) {
	l.Status = SMSSent
	l.ProviderID = providerID
	l.Cost = cost
	l.FailedReason = ""
	l.SentAt = &at
}

// MarkFailed фиксирует окончательную неудачу.
func (l *SMSLog) MarkFailed(reason string) {
	l.Status = SMSFailed
	l.FailedReason = reason
}

// ApplyReport применяет отчёт о доставке от оператора.
// Повторный отчёт после конечного статуса игнорируется.
func (l *SMSLog) ApplyReport(r DeliveryReport) bool {
	if l.Status.IsFinal() {
		return false
	}
	switch r.Status {
	case SMSDelivered:
		at := r.At
		l.Status = SMSDelivered
		l.DeliveredAt = &at
	case SMSFailed:
		l.MarkFailed(r.FailureReason)
	default:
		return false
	}
	return true
}
