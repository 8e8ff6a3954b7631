// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STUDENT PROGRESS QUERY
// Прогресс студента по всем предметам: счёт, серия, где остановился
// и какая доля основной последовательности пройдена.
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentProgressQuery содержит параметры запроса.
type GetStudentProgressQuery struct {
	// Phone - номер студента в любом виде, который понимает NormalizePhone.
	Phone string

	// StudentID - альтернативная идентификация.
	StudentID string

	// AttemptsLimit - сколько последних попыток вернуть по каждому предмету (0 = не возвращать).
	AttemptsLimit int
}

// Validate проверяет корректность параметров.
func (q *GetStudentProgressQuery) Validate() error {
	if q.Phone == "" && q.StudentID == "" {
		return errors.New("either phone or student_id must be provided")
	}
	if q.AttemptsLimit < 0 {
		q.AttemptsLimit = 0
	}
	if q.AttemptsLimit > 50 {
		q.AttemptsLimit = 50
	}
	return nil
}

// StudentProgressDTO - ответ запроса.
type StudentProgressDTO struct {
	StudentID  string               `json:"student_id"`
	Phone      string               `json:"phone"`
	Language   string               `json:"language"`
	LastCallAt *time.Time           `json:"last_call_at,omitempty"`
	TotalScore int                  `json:"total_score"`
	Subjects   []SubjectProgressDTO `json:"subjects"`
}

// SubjectProgressDTO - прогресс по одному предмету.
type SubjectProgressDTO struct {
	Subject             string       `json:"subject"`
	Name                string       `json:"name"`
	Enrolled            bool         `json:"enrolled"`
	Score               int          `json:"score"`
	Streak              int          `json:"streak"`
	LastCompletedUnitID string       `json:"last_completed_unit_id,omitempty"`
	InProgressUnitID    string       `json:"in_progress_unit_id,omitempty"`
	CompletedUnits      int          `json:"completed_units"`
	TotalUnits          int          `json:"total_units"`
	CompletionPercent   int          `json:"completion_percent"`
	RecentAverage       *float64     `json:"recent_average,omitempty"`
	LastActivityAt      *time.Time   `json:"last_activity_at,omitempty"`
	RecentAttempts      []AttemptDTO `json:"recent_attempts,omitempty"`
}

// AttemptDTO - одна попытка из истории.
type AttemptDTO struct {
	UnitID    string    `json:"unit_id"`
	CallID    string    `json:"call_id"`
	Correct   bool      `json:"correct"`
	Delta     int       `json:"delta"`
	Timestamp time.Time `json:"timestamp"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentProgressHandler обрабатывает запрос.
type GetStudentProgressHandler struct {
	students           student.Repository
	store              progress.Store
	catalog            catalog.Catalog
	recentWindow       int
	defaultCountryCode string
}

// NewGetStudentProgressHandler создаёт обработчик. recentWindow - окно
// среднего процента, то же, что у политики рекомендаций.
func NewGetStudentProgressHandler(
	students student.Repository,
	store progress.Store,
	cat catalog.Catalog,
	recentWindow int,
	defaultCountryCode string,
) *GetStudentProgressHandler {
	return &GetStudentProgressHandler{
		students:           students,
		store:              store,
		catalog:            cat,
		recentWindow:       recentWindow,
		defaultCountryCode: defaultCountryCode,
	}
}

// Handle выполняет запрос.
func (h *GetStudentProgressHandler) Handle(ctx context.Context, q GetStudentProgressQuery) (*StudentProgressDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, shared.WrapError("progress", "Query", shared.ErrValidation, err.Error(), err)
	}

	st, err := h.findStudent(ctx, q)
	if err != nil {
		return nil, err
	}

	records, err := h.store.ListProgress(ctx, st.ID)
	if err != nil {
		return nil, fmt.Errorf("get_student_progress: list progress: %w", err)
	}
	bySubject := make(map[string]*progress.Record, len(records))
	for _, r := range records {
		bySubject[r.Subject] = r
	}

	// Сначала предметы из меню в порядке меню, затем остальные с прогрессом.
	subjects := st.MenuSubjects()
	enrolled := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		enrolled[s] = true
	}
	var extra []string
	for s := range bySubject {
		if !enrolled[s] {
			extra = append(extra, s)
		}
	}
	sort.Strings(extra)
	subjects = append(subjects, extra...)

	lang := h.catalog.ResolveLanguage(st.Language)
	dto := &StudentProgressDTO{
		StudentID: st.ID.String(),
		Phone:     st.Phone.String(),
		Language:  st.Language.String(),
		Subjects:  make([]SubjectProgressDTO, 0, len(subjects)),
	}
	if !st.LastCallAt.IsZero() {
		t := st.LastCallAt
		dto.LastCallAt = &t
	}

	for _, subject := range subjects {
		sp := h.subjectProgress(subject, lang, bySubject[subject])
		sp.Enrolled = enrolled[subject]
		if q.AttemptsLimit > 0 && bySubject[subject] != nil {
			attempts, err := h.store.RecentAttempts(ctx, st.ID, subject, q.AttemptsLimit)
			if err != nil {
				return nil, fmt.Errorf("get_student_progress: attempts: %w", err)
			}
			for _, a := range attempts {
				sp.RecentAttempts = append(sp.RecentAttempts, AttemptDTO{
					UnitID:    a.UnitID,
					CallID:    a.CallID,
					Correct:   a.Correct,
					Delta:     a.Delta,
					Timestamp: a.At,
				})
			}
		}
		dto.TotalScore += sp.Score
		dto.Subjects = append(dto.Subjects, sp)
	}
	return dto, nil
}

func (h *GetStudentProgressHandler) findStudent(ctx context.Context, q GetStudentProgressQuery) (*student.Student, error) {
	if q.StudentID != "" {
		st, err := h.students.GetByID(ctx, shared.StudentID(q.StudentID))
		if err != nil {
			return nil, fmt.Errorf("get_student_progress: %w", err)
		}
		return st, nil
	}
	phone, err := shared.NormalizePhone(q.Phone, h.defaultCountryCode)
	if err != nil {
		return nil, fmt.Errorf("get_student_progress: %w", err)
	}
	st, err := h.students.GetByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("get_student_progress: %w", err)
	}
	return st, nil
}

// subjectProgress считает долю пройденной основной последовательности.
// Deprecated-юниты учитываются, только если студент их уже прошёл;
// remedial-юниты в долю не входят.
func (h *GetStudentProgressHandler) subjectProgress(subject string, lang shared.Language, rec *progress.Record) SubjectProgressDTO {
	sp := SubjectProgressDTO{Subject: subject, Name: subject}
	if s, ok := h.catalog.Subject(subject, lang); ok && s.Name != "" {
		sp.Name = s.Name
	}

	units, _ := h.catalog.GetUnits(subject, lang)
	for _, u := range units {
		done := rec != nil && rec.HasCompleted(u.ID)
		if u.Deprecated && !done {
			continue
		}
		sp.TotalUnits++
		if done {
			sp.CompletedUnits++
		}
	}
	if sp.TotalUnits > 0 {
		sp.CompletionPercent = int(math.Round(float64(sp.CompletedUnits) * 100 / float64(sp.TotalUnits)))
	}

	if rec == nil {
		return sp
	}
	sp.Score = rec.Score
	sp.Streak = rec.Streak
	sp.LastCompletedUnitID = rec.LastCompletedUnitID
	sp.InProgressUnitID = rec.InProgressUnitID
	if avg, ok := rec.RecentAverage(h.recentWindow); ok {
		sp.RecentAverage = &avg
	}
	if !rec.LastActivityAt.IsZero() {
		t := rec.LastActivityAt
		sp.LastActivityAt = &t
	}
	return sp
}
