package student

import (
	"context"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// Repository определяет операции хранения студентов.
type Repository interface {
	// Create создаёт нового студента вместе с записями на предметы.
	// Возвращает ErrStudentAlreadyExists, если номер уже занят.
	Create(ctx context.Context, s *Student) error

	// GetByID возвращает студента по внутреннему ID.
	// Возвращает ErrStudentNotFound, если студент не найден.
	GetByID(ctx context.Context, id shared.StudentID) (*Student, error)

	// GetByPhone возвращает студента по нормализованному номеру.
	GetByPhone(ctx context.Context, phone shared.PhoneNumber) (*Student, error)

	// Update сохраняет изменения, включая записи на предметы.
	Update(ctx context.Context, s *Student) error

	// RecordCall обновляет только время последнего звонка.
	// Возвращает ErrStudentNotFound, если студент не найден.
	RecordCall(ctx context.Context, id shared.StudentID, at time.Time) error

	// FindInactive возвращает активных студентов, не звонивших с момента since
	// и не получавших напоминаний с момента remindedBefore. Сначала самые давние.
	FindInactive(ctx context.Context, since, remindedBefore time.Time, limit int) ([]*Student, error)
}

// Cache - кеш студентов по номеру телефона, чтобы не ходить в БД на каждом событии звонка.
type Cache interface {
	Get(ctx context.Context, phone shared.PhoneNumber) (*Student, error)
	Set(ctx context.Context, s *Student) error
	Invalidate(ctx context.Context, phone shared.PhoneNumber) error
}
