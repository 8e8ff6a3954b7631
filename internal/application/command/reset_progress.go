package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESET PROGRESS COMMAND
// The only way a score ever goes down.
// ══════════════════════════════════════════════════════════════════════════════

// ResetProgressCommand resets one subject for one student.
type ResetProgressCommand struct {
	// Phone is the student's phone number as typed by the operator.
	Phone string

	// Subject to reset.
	Subject string

	// Reason is logged for audit.
	Reason string
}

// Validate validates the command.
func (c ResetProgressCommand) Validate() error {
	if strings.TrimSpace(c.Phone) == "" {
		return errors.New("reset_progress: phone is required")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("reset_progress: subject is required")
	}
	return nil
}

// ResetProgressResult contains the record after the reset.
type ResetProgressResult struct {
	StudentID shared.StudentID
	Subject   string
	Version   int64
}

// ResetProgressHandler handles ResetProgressCommand.
type ResetProgressHandler struct {
	students Students
	store    progress.Store
	catalog  catalog.Catalog
}

// NewResetProgressHandler creates a new ResetProgressHandler.
func NewResetProgressHandler(students Students, store progress.Store, cat catalog.Catalog) *ResetProgressHandler {
	return &ResetProgressHandler{students: students, store: store, catalog: cat}
}

// Handle executes the reset.
func (h *ResetProgressHandler) Handle(ctx context.Context, cmd ResetProgressCommand) (*ResetProgressResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, shared.WrapError("progress", "Reset", shared.ErrValidation, err.Error(), err)
	}
	subject := strings.TrimSpace(cmd.Subject)

	st, err := h.students.find(ctx, "reset_progress", cmd.Phone)
	if err != nil {
		return nil, err
	}
	if _, ok := h.catalog.Subject(subject, h.catalog.ResolveLanguage(st.Language)); !ok {
		return nil, fmt.Errorf("reset_progress: %w", shared.ErrSubjectNotFound.With(fmt.Errorf("subject %q", subject)))
	}

	if err := h.store.ResetProgress(ctx, st.ID, subject, h.students.now()); err != nil {
		return nil, fmt.Errorf("reset_progress: %w", err)
	}
	rec, err := h.store.GetProgress(ctx, st.ID, subject)
	if err != nil {
		return nil, fmt.Errorf("reset_progress: reload: %w", err)
	}

	h.students.log().Info("progress reset",
		logger.StudentID(st.ID.String()),
		logger.Subject(subject),
		logger.Operation("reset_progress"),
		"reason", cmd.Reason,
	)

	return &ResetProgressResult{StudentID: st.ID, Subject: subject, Version: rec.Version}, nil
}
