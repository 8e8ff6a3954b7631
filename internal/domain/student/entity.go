package student

import (
	"sort"
	"strings"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status - состояние учётной записи студента.
type Status string

const (
	// StatusActive - обычный студент, звонит и получает SMS.
	StatusActive Status = "active"

	// StatusAnonymized - персональные данные удалены, история сохранена для аналитики.
	StatusAnonymized Status = "anonymized"
)

// IsValid проверяет допустимость статуса.
func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusAnonymized
}

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT
// ══════════════════════════════════════════════════════════════════════════════

// Enrollment - запись студента на предмет.
// Priority определяет порядок предметов в голосовом меню (меньше = раньше).
type Enrollment struct {
	Subject    string
	Priority   int
	EnrolledAt time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT
// ══════════════════════════════════════════════════════════════════════════════

// Student - студент, который учится по телефону.
// Создаётся при первом звонке и никогда не удаляется, только анонимизируется.
type Student struct {
	ID          shared.StudentID
	Phone       shared.PhoneNumber
	Name        string
	Language    shared.Language
	Enrollments []Enrollment
	Status      Status

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastCallAt     time.Time
	LastReminderAt time.Time
}

// NewStudentParams - параметры для создания студента.
type NewStudentParams struct {
	ID       shared.StudentID
	Phone    shared.PhoneNumber
	Name     string
	Language shared.Language
	Now      time.Time
}

// NewStudent создаёт студента с валидацией.
func NewStudent(p NewStudentParams) (*Student, error) {
	if p.ID.IsEmpty() {
		return nil, shared.NewDomainError("student", "New", shared.ErrInvalidID, "student id is empty")
	}
	if !p.Phone.IsValid() {
		return nil, shared.ErrInvalidPhone
	}
	if p.Language == "" {
		return nil, shared.ErrInvalidLanguage
	}
	return &Student{
		ID:        p.ID,
		Phone:     p.Phone,
		Name:      strings.TrimSpace(p.Name),
		Language:  p.Language,
		Status:    StatusActive,
		CreatedAt: p.Now,
		UpdatedAt: p.Now,
	}, nil
}

// IsAnonymized возвращает true, если персональные данные удалены.
func (s *Student) IsAnonymized() bool {
	return s.Status == StatusAnonymized
}

// SetLanguage меняет язык, на котором студенту проигрывается контент.
func (s *Student) SetLanguage(lang shared.Language, now time.Time) error {
	if s.IsAnonymized() {
		return shared.ErrStudentAnonymized
	}
	if lang == "" {
		return shared.ErrInvalidLanguage
	}
	s.Language = lang
	s.UpdatedAt = now
	return nil
}

// Enroll записывает студента на предмет или меняет приоритет существующей записи.
func (s *Student) Enroll(subject string, priority int, now time.Time) error {
	if s.IsAnonymized() {
		return shared.ErrStudentAnonymized
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return shared.NewDomainError("student", "Enroll", shared.ErrEmptyValue, "subject is empty")
	}
	for i := range s.Enrollments {
		if s.Enrollments[i].Subject == subject {
			s.Enrollments[i].Priority = priority
			s.UpdatedAt = now
			return nil
		}
	}
	s.Enrollments = append(s.Enrollments, Enrollment{Subject: subject, Priority: priority, EnrolledAt: now})
	s.UpdatedAt = now
	return nil
}

// Unenroll удаляет запись на предмет. Прогресс по предмету сохраняется.
func (s *Student) Unenroll(subject string, now time.Time) bool {
	for i := range s.Enrollments {
		if s.Enrollments[i].Subject == subject {
			s.Enrollments = append(s.Enrollments[:i], s.Enrollments[i+1:]...)
			s.UpdatedAt = now
			return true
		}
	}
	return false
}

// MenuSubjects возвращает предметы в порядке голосового меню:
// сначала по приоритету, при равенстве - по алфавиту.
func (s *Student) MenuSubjects() []string {
	enr := make([]Enrollment, len(s.Enrollments))
	copy(enr, s.Enrollments)
	sort.SliceStable(enr, func(i, j int) bool {
		if enr[i].Priority != enr[j].Priority {
			return enr[i].Priority < enr[j].Priority
		}
		return enr[i].Subject < enr[j].Subject
	})
	out := make([]string, len(enr))
	for i, e := range enr {
		out[i] = e.Subject
	}
	return out
}

// RecordCall отмечает начало звонка.
func (s *Student) RecordCall(now time.Time) {
	s.LastCallAt = now
	s.UpdatedAt = now
}

// RecordReminder отмечает отправку напоминания.
func (s *Student) RecordReminder(now time.Time) {
	s.LastReminderAt = now
	s.UpdatedAt = now
}

// NeedsReminder - студент давно не звонил и давно не получал напоминаний.
func (s *Student) NeedsReminder(now time.Time, inactiveAfter, cooldown time.Duration) bool {
	if s.IsAnonymized() {
		return false
	}
	lastSeen := s.LastCallAt
	if lastSeen.IsZero() {
		lastSeen = s.CreatedAt
	}
	if now.Sub(lastSeen) < inactiveAfter {
		return false
	}
	return s.LastReminderAt.IsZero() || now.Sub(s.LastReminderAt) >= cooldown
}

// Anonymize заменяет номер на необратимый токен и стирает имя.
// Токен вычисляется снаружи (см. command.AnonymizeStudent).
func (s *Student) Anonymize(token string, now time.Time) {
	s.Phone = shared.PhoneNumber("anon:" + token)
	s.Name = ""
	s.Status = StatusAnonymized
	s.UpdatedAt = now
}
