// Package command contains write operations (CQRS - Commands) issued by
// operators through the REST API and the CLI. Call traffic never goes
// through here: progress written during a call belongs to the orchestrator.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

// Students bundles what every student-facing command needs.
type Students struct {
	Repo               student.Repository
	Cache              student.Cache // optional
	DefaultCountryCode string
	Logger             *slog.Logger
	Clock              func() time.Time
}

func (s Students) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func (s Students) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// find normalizes the raw phone and loads the student.
func (s Students) find(ctx context.Context, op, rawPhone string) (*student.Student, error) {
	phone, err := shared.NormalizePhone(rawPhone, s.DefaultCountryCode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	st, err := s.Repo.GetByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return st, nil
}

// save persists st and drops the cached copy under oldPhone.
func (s Students) save(ctx context.Context, op string, st *student.Student, oldPhone shared.PhoneNumber) error {
	if err := s.Repo.Update(ctx, st); err != nil {
		return fmt.Errorf("%s: update student: %w", op, err)
	}
	if s.Cache != nil {
		if err := s.Cache.Invalidate(ctx, oldPhone); err != nil {
			s.log().Warn("failed to invalidate student cache",
				logger.Operation(op),
				logger.StudentID(st.ID.String()),
				logger.Err(err),
			)
		}
	}
	return nil
}
