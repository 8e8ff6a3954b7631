package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATE
// ══════════════════════════════════════════════════════════════════════════════

// State - состояние звонка.
type State string

const (
	StateGreeting        State = "greeting"
	StateMenuSelect      State = "menu_select"
	StateLessonPlayback  State = "lesson_playback"
	StateQuizPrompt      State = "quiz_prompt"
	StateQuizAwaitAnswer State = "quiz_await_answer"
	StateQuizFeedback    State = "quiz_feedback"
	StateLessonAdvance   State = "lesson_advance"
	StateClosing         State = "closing"
)

// IsValid проверяет корректность состояния.
func (s State) IsValid() bool {
	switch s {
	case StateGreeting, StateMenuSelect, StateLessonPlayback, StateQuizPrompt,
		StateQuizAwaitAnswer, StateQuizFeedback, StateLessonAdvance, StateClosing:
		return true
	default:
		return false
	}
}

// IsTerminal - после Closing события больше не обрабатываются.
func (s State) IsTerminal() bool {
	return s == StateClosing
}

// UnitUnderway - в этих состояниях юнит начат, но не пройден.
func (s State) UnitUnderway() bool {
	switch s {
	case StateLessonPlayback, StateQuizPrompt, StateQuizAwaitAnswer, StateQuizFeedback, StateLessonAdvance:
		return true
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT
// ══════════════════════════════════════════════════════════════════════════════

// EventType - тип входящего события от телефонии.
type EventType string

const (
	EventStart            EventType = "start"
	EventDigit            EventType = "digit"
	EventTimeout          EventType = "timeout"
	EventHangup           EventType = "hangup"
	EventPlaybackComplete EventType = "playback_complete"
)

// ParseEventType проверяет тип события.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventStart, EventDigit, EventTimeout, EventHangup, EventPlaybackComplete:
		return t, nil
	default:
		return "", shared.ErrInvalidEvent.With(fmt.Errorf("event type %q", s))
	}
}

// Event - одно событие звонка. Digit заполнен только для EventDigit
// и может содержать что угодно: проверка - дело автомата.
type Event struct {
	Type  EventType
	Digit string
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS & OUTCOME
// ══════════════════════════════════════════════════════════════════════════════

// Status - статус звонка для отчётов.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Outcome - причина завершения звонка.
type Outcome string

const (
	OutcomeNone            Outcome = ""
	OutcomeSubjectComplete Outcome = "subject_complete"
	OutcomeUnitCap         Outcome = "unit_cap"
	OutcomeMaxRetries      Outcome = "max_retries"
	OutcomeHangup          Outcome = "hangup"
	OutcomeInternalError   Outcome = "internal_error"
	OutcomeNoContent       Outcome = "no_content"
)

// ══════════════════════════════════════════════════════════════════════════════
// CALL SESSION
// ══════════════════════════════════════════════════════════════════════════════

// QuizResult - итог последнего вопроса.
type QuizResult struct {
	QuizItemID string `json:"quiz_item_id"`
	Correct    bool   `json:"correct"`
	Exhausted  bool   `json:"exhausted"`
	Attempts   int    `json:"attempts"`
	Delta      int    `json:"delta"`
}

// CallSession - состояние одного звонка. Ключ - CallID, а не студент:
// у студента могут быть параллельные звонки.
//
// Значение сериализуется целиком как чекпоинт для восстановления после рестарта.
type CallSession struct {
	CallID    shared.CallID      `json:"call_id"`
	StudentID shared.StudentID   `json:"student_id"`
	Phone     shared.PhoneNumber `json:"phone"`
	Language  shared.Language    `json:"language"`

	State   State   `json:"state"`
	Status  Status  `json:"status"`
	Outcome Outcome `json:"outcome,omitempty"`

	// Menu - предметы в порядке клавиш: Menu[0] выбирается цифрой 1.
	Menu        []string `json:"menu,omitempty"`
	MenuRetries int      `json:"menu_retries"`

	Subject   string `json:"subject,omitempty"`
	UnitID    string `json:"unit_id,omitempty"`
	QuizIndex int    `json:"quiz_index"`

	// Attempts - попытки на текущий вопрос; не превышает лимит вопроса.
	Attempts   int         `json:"attempts"`
	LastResult *QuizResult `json:"last_result,omitempty"`

	// Record - рабочая копия прогресса по Subject с уже применёнными
	// обновлениями этого звонка. Источник истины - Store.
	Record *progress.Record `json:"record,omitempty"`

	UnitsCompleted  int      `json:"units_completed"`
	ScoreDelta      int      `json:"score_delta"`
	MenuPath        []string `json:"menu_path,omitempty"`
	LessonsAccessed []string `json:"lessons_accessed,omitempty"`

	// Seq - счётчик ключей Update внутри звонка.
	Seq int `json:"seq"`

	// Prompt - последний ответ, повторяется на дубликаты событий.
	Prompt Response `json:"prompt"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewParams - параметры нового звонка.
type NewParams struct {
	CallID    shared.CallID
	StudentID shared.StudentID
	Phone     shared.PhoneNumber
	Language  shared.Language
	Now       time.Time
}

// New создаёт звонок в состоянии Greeting.
func New(p NewParams) CallSession {
	return CallSession{
		CallID:    p.CallID,
		StudentID: p.StudentID,
		Phone:     p.Phone,
		Language:  p.Language,
		State:     StateGreeting,
		Status:    StatusActive,
		StartedAt: p.Now,
		UpdatedAt: p.Now,
	}
}

// Clone возвращает глубокую копию.
func (s CallSession) Clone() CallSession {
	s.Menu = slices.Clone(s.Menu)
	s.MenuPath = slices.Clone(s.MenuPath)
	s.LessonsAccessed = slices.Clone(s.LessonsAccessed)
	s.Record = s.Record.Clone()
	s.Prompt.Prelude = slices.Clone(s.Prompt.Prelude)
	if s.LastResult != nil {
		r := *s.LastResult
		s.LastResult = &r
	}
	return s
}

// IsClosed - звонок завершён.
func (s CallSession) IsClosed() bool {
	return s.State.IsTerminal()
}

// IdleFor - сколько прошло с последнего события.
func (s CallSession) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.UpdatedAt)
}

// Validate проверяет чекпоинт перед восстановлением.
func (s CallSession) Validate() error {
	switch {
	case s.CallID.IsEmpty():
		return shared.ErrInvalidEvent.With(fmt.Errorf("checkpoint without call id"))
	case s.StudentID.IsEmpty():
		return shared.ErrInvalidEvent.With(fmt.Errorf("checkpoint %s without student id", s.CallID))
	case !s.State.IsValid():
		return shared.ErrInvalidEvent.With(fmt.Errorf("checkpoint %s has unknown state %q", s.CallID, s.State))
	}
	return nil
}
