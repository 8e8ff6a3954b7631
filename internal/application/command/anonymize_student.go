package command

import (
	"context"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ANONYMIZE STUDENT COMMAND
// Replaces the phone with a keyed hash and erases the name. Progress stays
// attached to the student ID so aggregate reports keep working.
// ══════════════════════════════════════════════════════════════════════════════

// AnonymizeStudentCommand anonymizes one student.
type AnonymizeStudentCommand struct {
	Phone string
}

// AnonymizeStudentResult contains the token that replaced the phone.
type AnonymizeStudentResult struct {
	StudentID shared.StudentID
	Token     string
}

// AnonymizeStudentHandler handles AnonymizeStudentCommand.
type AnonymizeStudentHandler struct {
	students Students
	key      []byte
}

// NewAnonymizeStudentHandler creates a handler. key salts the hash and must
// be at most 64 bytes; an empty key gives an unkeyed hash.
func NewAnonymizeStudentHandler(students Students, key []byte) *AnonymizeStudentHandler {
	return &AnonymizeStudentHandler{students: students, key: key}
}

// Handle executes the command. Anonymizing twice is an error.
func (h *AnonymizeStudentHandler) Handle(ctx context.Context, cmd AnonymizeStudentCommand) (*AnonymizeStudentResult, error) {
	st, err := h.students.find(ctx, "anonymize_student", cmd.Phone)
	if err != nil {
		return nil, err
	}
	if st.IsAnonymized() {
		return nil, fmt.Errorf("anonymize_student: %w", shared.ErrStudentAnonymized)
	}

	token, err := PhoneToken(h.key, st.Phone)
	if err != nil {
		return nil, fmt.Errorf("anonymize_student: %w", err)
	}

	oldPhone := st.Phone
	st.Anonymize(token, h.students.now())
	if err := h.students.save(ctx, "anonymize_student", st, oldPhone); err != nil {
		return nil, err
	}

	h.students.log().Info("student anonymized", logger.StudentID(st.ID.String()))
	return &AnonymizeStudentResult{StudentID: st.ID, Token: token}, nil
}

// PhoneToken is the 128-bit keyed BLAKE2b hash of phone, hex encoded.
func PhoneToken(key []byte, phone shared.PhoneNumber) (string, error) {
	h, err := blake2b.New(16, key)
	if err != nil {
		return "", err
	}
	h.Write([]byte(phone))
	return hex.EncodeToString(h.Sum(nil)), nil
}
