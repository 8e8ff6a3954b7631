package command

import (
	"context"
	"fmt"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SET LANGUAGE COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// SetLanguageCommand changes the language a student hears content in.
type SetLanguageCommand struct {
	Phone    string
	Language string
}

// SetLanguageResult reports the requested and the effective language.
type SetLanguageResult struct {
	StudentID shared.StudentID
	Language  shared.Language

	// Effective is what calls will actually play; it differs from Language
	// when the catalog has no content in that language.
	Effective shared.Language
}

// SetLanguageHandler handles SetLanguageCommand.
type SetLanguageHandler struct {
	students Students
	catalog  catalog.Catalog
}

// NewSetLanguageHandler creates a new SetLanguageHandler.
func NewSetLanguageHandler(students Students, cat catalog.Catalog) *SetLanguageHandler {
	return &SetLanguageHandler{students: students, catalog: cat}
}

// Handle executes the command. The change applies from the next call.
func (h *SetLanguageHandler) Handle(ctx context.Context, cmd SetLanguageCommand) (*SetLanguageResult, error) {
	lang, err := shared.ParseLanguage(cmd.Language)
	if err != nil {
		return nil, fmt.Errorf("set_language: %w", err)
	}

	st, err := h.students.find(ctx, "set_language", cmd.Phone)
	if err != nil {
		return nil, err
	}
	if err := st.SetLanguage(lang, h.students.now()); err != nil {
		return nil, fmt.Errorf("set_language: %w", err)
	}
	if err := h.students.save(ctx, "set_language", st, st.Phone); err != nil {
		return nil, err
	}

	effective := h.catalog.ResolveLanguage(lang)
	h.students.log().Info("student language changed",
		logger.StudentID(st.ID.String()),
		"language", lang.String(),
		"effective", effective.String(),
	)
	return &SetLanguageResult{StudentID: st.ID, Language: lang, Effective: effective}, nil
}
