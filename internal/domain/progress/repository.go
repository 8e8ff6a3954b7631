package progress

import (
	"context"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// Реализации: persistence/postgres, persistence/sqlite, persistence/memory.
// ══════════════════════════════════════════════════════════════════════════════

// Store - долговременное хранилище прогресса. Меняется только оркестратором.
type Store interface {
	// GetProgress возвращает запись или ErrProgressNotFound.
	GetProgress(ctx context.Context, studentID shared.StudentID, subject string) (*Record, error)

	// UpsertProgress атомарно записывает rec по правилам CheckUpsert.
	// При успехе rec.Version становится версией в хранилище.
	UpsertProgress(ctx context.Context, rec *Record) error

	// ResetProgress - явный сброс: единственный способ уменьшить счёт.
	ResetProgress(ctx context.Context, studentID shared.StudentID, subject string, at time.Time) error

	// ListProgress возвращает все записи студента, по предмету.
	ListProgress(ctx context.Context, studentID shared.StudentID) ([]*Record, error)

	// AppendAttempt добавляет строку истории; повтор с тем же ID игнорируется.
	AppendAttempt(ctx context.Context, a Attempt) error

	// RecentAttempts возвращает последние limit попыток, новые первыми.
	RecentAttempts(ctx context.Context, studentID shared.StudentID, subject string, limit int) ([]Attempt, error)
}
