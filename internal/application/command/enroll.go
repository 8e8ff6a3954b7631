package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENROLL COMMAND
// Registers the student if needed, then adds a subject to the voice menu.
// ══════════════════════════════════════════════════════════════════════════════

// EnrollCommand enrolls a student in a subject.
type EnrollCommand struct {
	Phone   string
	Subject string

	// Priority orders the voice menu, lower first.
	Priority int

	// Name and Language are used when the student does not exist yet.
	Name     string
	Language string
}

// EnrollResult contains the student's menu after enrolling.
type EnrollResult struct {
	StudentID    shared.StudentID
	Created      bool
	MenuSubjects []string
}

// EnrollHandler handles EnrollCommand.
type EnrollHandler struct {
	students Students
	catalog  catalog.Catalog
	newID    func() string
}

// NewEnrollHandler creates a new EnrollHandler. newID generates student IDs.
func NewEnrollHandler(students Students, cat catalog.Catalog, newID func() string) *EnrollHandler {
	return &EnrollHandler{students: students, catalog: cat, newID: newID}
}

// Handle executes the command.
func (h *EnrollHandler) Handle(ctx context.Context, cmd EnrollCommand) (*EnrollResult, error) {
	subject := strings.TrimSpace(cmd.Subject)
	if subject == "" {
		return nil, shared.NewDomainError("student", "Enroll", shared.ErrEmptyValue, "subject is required")
	}

	phone, err := shared.NormalizePhone(cmd.Phone, h.students.DefaultCountryCode)
	if err != nil {
		return nil, fmt.Errorf("enroll: %w", err)
	}

	created := false
	st, err := h.students.Repo.GetByPhone(ctx, phone)
	switch {
	case shared.IsNotFound(err):
		lang := h.catalog.DefaultLanguage()
		if cmd.Language != "" {
			if lang, err = shared.ParseLanguage(cmd.Language); err != nil {
				return nil, fmt.Errorf("enroll: %w", err)
			}
		}
		st, err = student.NewStudent(student.NewStudentParams{
			ID:       shared.StudentID(h.newID()),
			Phone:    phone,
			Name:     cmd.Name,
			Language: lang,
			Now:      h.students.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("enroll: %w", err)
		}
		created = true
	case err != nil:
		return nil, fmt.Errorf("enroll: %w", err)
	}

	if _, ok := h.catalog.Subject(subject, h.catalog.ResolveLanguage(st.Language)); !ok {
		return nil, fmt.Errorf("enroll: %w", shared.ErrSubjectNotFound.With(fmt.Errorf("subject %q", subject)))
	}
	if err := st.Enroll(subject, cmd.Priority, h.students.now()); err != nil {
		return nil, fmt.Errorf("enroll: %w", err)
	}

	if created {
		if err := h.students.Repo.Create(ctx, st); err != nil {
			return nil, fmt.Errorf("enroll: create student: %w", err)
		}
	} else if err := h.students.save(ctx, "enroll", st, st.Phone); err != nil {
		return nil, err
	}

	h.students.log().Info("student enrolled",
		logger.StudentID(st.ID.String()),
		logger.Subject(subject),
		"created", created,
	)
	return &EnrollResult{StudentID: st.ID, Created: created, MenuSubjects: st.MenuSubjects()}, nil
}
