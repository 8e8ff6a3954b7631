package catalog

import (
	"strconv"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL
// ══════════════════════════════════════════════════════════════════════════════

// Level - уровень сложности урока.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// IsValid проверяет допустимость уровня. Пустой уровень допустим.
func (l Level) IsValid() bool {
	switch l {
	case "", LevelBeginner, LevelIntermediate, LevelAdvanced:
		return true
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// QUIZ
// ══════════════════════════════════════════════════════════════════════════════

// MaxChoices - варианты ответа отображаются на клавиши 1-9.
const MaxChoices = 9

// RetryPolicy - сколько попыток даётся на вопрос до автоперехода.
// MaxAttempts == 0 означает "использовать системное значение".
type RetryPolicy struct {
	MaxAttempts int
}

// Limit возвращает фактический лимит попыток.
func (r RetryPolicy) Limit(systemDefault int) int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	if systemDefault < 1 {
		return 1
	}
	return systemDefault
}

// QuizItem - вопрос с выбором ответа на клавиатуре телефона.
type QuizItem struct {
	ID          string
	PromptAudio string
	Choices     []string
	Correct     int // индекс правильного варианта, с нуля
	Retry       RetryPolicy
}

// ChoiceForDigit переводит нажатую клавишу в индекс варианта.
// Возвращает false для любой клавиши вне диапазона 1..len(Choices), включая '*', '#' и '0'.
func (q QuizItem) ChoiceForDigit(digit string) (int, bool) {
	if len(digit) != 1 || digit[0] < '1' || digit[0] > '9' {
		return 0, false
	}
	idx := int(digit[0]-'0') - 1
	if idx >= len(q.Choices) {
		return 0, false
	}
	return idx, true
}

// IsCorrect проверяет ответ.
func (q QuizItem) IsCorrect(choice int) bool {
	return choice == q.Correct
}

// CorrectDigit возвращает клавишу правильного ответа.
func (q QuizItem) CorrectDigit() string {
	return strconv.Itoa(q.Correct + 1)
}

func (q QuizItem) validate(unitID string) error {
	if q.ID == "" || q.PromptAudio == "" {
		return shared.ErrInvalidCatalog.With(errf("unit %s: quiz item needs id and prompt_audio", unitID))
	}
	if len(q.Choices) == 0 || len(q.Choices) > MaxChoices {
		return shared.ErrInvalidCatalog.With(errf("quiz %s: %d choices, want 1-%d", q.ID, len(q.Choices), MaxChoices))
	}
	if q.Correct < 0 || q.Correct >= len(q.Choices) {
		return shared.ErrInvalidCatalog.With(errf("quiz %s: correct index %d out of range", q.ID, q.Correct))
	}
	if q.Retry.MaxAttempts < 0 {
		return shared.ErrInvalidCatalog.With(errf("quiz %s: negative max_attempts", q.ID))
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTENT UNIT
// ══════════════════════════════════════════════════════════════════════════════

// ContentUnit - одна адресуемая единица контента: аудио урока и опциональные вопросы.
// После публикации не меняется; новая версия получает новый ID.
type ContentUnit struct {
	ID       string
	Subject  string
	Lesson   string
	Topic    string
	Level    Level
	Ordinal  int
	Language shared.Language
	AudioRef string
	Quiz     []QuizItem
	Version  int

	// Remedial-юниты не входят в основную последовательность,
	// их выбирает политика рекомендаций при слабых результатах по Topic.
	Remedial bool

	// Deprecated-юниты больше не выбираются, но остаются доступны по ID
	// для уже идущих звонков.
	Deprecated bool
}

// HasQuiz возвращает true, если после урока есть вопросы.
func (u ContentUnit) HasQuiz() bool {
	return len(u.Quiz) > 0
}

// QuizItemAt возвращает вопрос по индексу.
func (u ContentUnit) QuizItemAt(i int) (QuizItem, bool) {
	if i < 0 || i >= len(u.Quiz) {
		return QuizItem{}, false
	}
	return u.Quiz[i], true
}

// Selectable - юнит может быть выбран для нового показа.
func (u ContentUnit) Selectable() bool {
	return !u.Deprecated
}

func (u ContentUnit) validate() error {
	if u.ID == "" || u.Subject == "" || u.AudioRef == "" {
		return shared.ErrInvalidCatalog.With(errf("unit %q: id, subject and audio are required", u.ID))
	}
	if u.Language == "" {
		return shared.ErrInvalidCatalog.With(errf("unit %s: language is required", u.ID))
	}
	if !u.Level.IsValid() {
		return shared.ErrInvalidCatalog.With(errf("unit %s: unknown level %q", u.ID, u.Level))
	}
	if u.Remedial && u.Topic == "" {
		return shared.ErrInvalidCatalog.With(errf("unit %s: remedial units need a topic", u.ID))
	}
	seen := make(map[string]bool, len(u.Quiz))
	for _, q := range u.Quiz {
		if err := q.validate(u.ID); err != nil {
			return err
		}
		if seen[q.ID] {
			return shared.ErrInvalidCatalog.With(errf("unit %s: duplicate quiz id %s", u.ID, q.ID))
		}
		seen[q.ID] = true
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBJECT & PROMPTS
// ══════════════════════════════════════════════════════════════════════════════

// Subject - предмет в голосовом меню.
type Subject struct {
	ID        string
	Language  shared.Language
	Name      string
	MenuAudio string // "нажмите N для <предмет>" без номера, номер добавляет меню
}

// PromptKey - ключ системной фразы.
type PromptKey string

const (
	PromptGreeting        PromptKey = "greeting"
	PromptMenu            PromptKey = "menu"
	PromptGoodbye         PromptKey = "goodbye"
	PromptApology         PromptKey = "apology"
	PromptCorrect         PromptKey = "correct"
	PromptIncorrect       PromptKey = "incorrect"
	PromptTryAgain        PromptKey = "try_again"
	PromptInvalidInput    PromptKey = "invalid_input"
	PromptMaxRetries      PromptKey = "max_retries"
	PromptSubjectComplete PromptKey = "subject_complete"
	PromptNoContent       PromptKey = "no_content"
)

// RequiredPrompts - фразы, без которых каталог не публикуется.
var RequiredPrompts = []PromptKey{
	PromptGreeting, PromptMenu, PromptGoodbye, PromptApology,
	PromptCorrect, PromptIncorrect, PromptTryAgain, PromptInvalidInput,
	PromptMaxRetries, PromptSubjectComplete, PromptNoContent,
}

// DigitPromptKey - аудио с номером клавиши ("один", "два", ...) для меню.
func DigitPromptKey(n int) PromptKey {
	return PromptKey("digit_" + strconv.Itoa(n))
}
