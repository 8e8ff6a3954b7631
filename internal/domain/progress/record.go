package progress

import (
	"slices"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD
// ══════════════════════════════════════════════════════════════════════════════

// Record - прогресс студента по одному предмету. Ровно одна запись на пару
// (студент, предмет). Score не убывает, кроме явного сброса.
type Record struct {
	StudentID shared.StudentID
	Subject   string

	// LastCompletedUnitID - последний пройденный юнит основной последовательности.
	// Remedial-юниты его не сдвигают.
	LastCompletedUnitID  string
	LastCompletedOrdinal int

	// InProgressUnitID - юнит, прерванный звонком; с него продолжим.
	InProgressUnitID string

	// CompletedUnits - все пройденные юниты, включая remedial.
	CompletedUnits []string

	// ScoredItems - вопросы ещё не пройденных юнитов, за которые уже начислены
	// очки, в виде "<unit>/<quiz>". Повторный ответ после перезвона очков не
	// добавляет. Записи юнита снимаются при его завершении.
	ScoredItems []string

	Score int

	// RecentScores - проценты последних ответов, самый свежий последним.
	RecentScores []int

	Streak         int
	LastActivityAt time.Time

	// LastUpdateKey - ключ последнего применённого Update, защищает от
	// повторного применения при ретраях.
	LastUpdateKey string

	// Version - оптимистичная блокировка; 0 у записи, которой ещё нет в хранилище.
	Version   int64
	UpdatedAt time.Time
}

// NewRecord создаёт пустую запись.
func NewRecord(studentID shared.StudentID, subject string) *Record {
	return &Record{StudentID: studentID, Subject: subject}
}

// Clone возвращает глубокую копию.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.CompletedUnits = slices.Clone(r.CompletedUnits)
	c.ScoredItems = slices.Clone(r.ScoredItems)
	c.RecentScores = slices.Clone(r.RecentScores)
	return &c
}

// HasCompleted проверяет, пройден ли юнит.
func (r *Record) HasCompleted(unitID string) bool {
	return slices.Contains(r.CompletedUnits, unitID)
}

// HasScored проверяет, начислены ли уже очки за вопрос незавершённого юнита.
func (r *Record) HasScored(unitID, quizItemID string) bool {
	return slices.Contains(r.ScoredItems, scoredItemKey(unitID, quizItemID))
}

func scoredItemKey(unitID, quizItemID string) string {
	return unitID + "/" + quizItemID
}

// RecentAverage - средний процент последних n ответов.
// ok == false, если ответов ещё не было.
func (r *Record) RecentAverage(n int) (avg float64, ok bool) {
	scores := r.RecentScores
	if n > 0 && len(scores) > n {
		scores = scores[len(scores)-n:]
	}
	if len(scores) == 0 {
		return 0, false
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	return float64(sum) / float64(len(scores)), true
}

// SameContent сравнивает содержимое, игнорируя Version и UpdatedAt.
// Используется для идемпотентного повтора upsert.
func (r *Record) SameContent(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.StudentID == o.StudentID &&
		r.Subject == o.Subject &&
		r.LastCompletedUnitID == o.LastCompletedUnitID &&
		r.LastCompletedOrdinal == o.LastCompletedOrdinal &&
		r.InProgressUnitID == o.InProgressUnitID &&
		slices.Equal(r.CompletedUnits, o.CompletedUnits) &&
		slices.Equal(r.ScoredItems, o.ScoredItems) &&
		r.Score == o.Score &&
		slices.Equal(r.RecentScores, o.RecentScores) &&
		r.Streak == o.Streak &&
		r.LastActivityAt.Equal(o.LastActivityAt) &&
		r.LastUpdateKey == o.LastUpdateKey
}

// Validate проверяет инварианты записи.
func (r *Record) Validate() error {
	switch {
	case r.StudentID.IsEmpty():
		return shared.ErrInvalidProgress.With(errf("student id is empty"))
	case r.Subject == "":
		return shared.ErrInvalidProgress.With(errf("subject is empty"))
	case r.Score < 0:
		return shared.ErrInvalidProgress.With(errf("negative score %d", r.Score))
	case r.Streak < 0:
		return shared.ErrInvalidProgress.With(errf("negative streak %d", r.Streak))
	}
	for _, s := range r.RecentScores {
		if s < 0 || s > 100 {
			return shared.ErrInvalidProgress.With(errf("recent score %d out of range", s))
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// UPSERT RULES
// ══════════════════════════════════════════════════════════════════════════════

// UpsertDecision - что хранилище должно сделать с входящей записью.
type UpsertDecision int

const (
	DecisionInsert UpsertDecision = iota
	DecisionUpdate
	DecisionNoop
)

// CheckUpsert применяет правила атомарного upsert к текущей записи в
// хранилище (stored == nil, если записи нет). Вызывается под блокировкой ключа.
//
//   - версия совпала: запись заменяется, если счёт не уменьшился;
//   - версия устарела, но содержимое то же: повтор, ничего не меняем;
//   - версия устарела и содержимое другое: ErrProgressConflict.
func CheckUpsert(stored, incoming *Record) (UpsertDecision, error) {
	if err := incoming.Validate(); err != nil {
		return DecisionNoop, err
	}

	if stored == nil {
		if incoming.Version != 0 {
			return DecisionNoop, shared.ErrProgressConflict.With(errf("record vanished at version %d", incoming.Version))
		}
		return DecisionInsert, nil
	}

	if incoming.Version != stored.Version {
		if stored.SameContent(incoming) {
			return DecisionNoop, nil
		}
		return DecisionNoop, shared.ErrProgressConflict.With(errf("stored version %d, got %d", stored.Version, incoming.Version))
	}

	if stored.SameContent(incoming) {
		return DecisionNoop, nil
	}
	if incoming.Score < stored.Score {
		return DecisionNoop, shared.ErrScoreRegression.With(errf("%d -> %d", stored.Score, incoming.Score))
	}
	return DecisionUpdate, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ATTEMPT
// ══════════════════════════════════════════════════════════════════════════════

// Attempt - история ответа на вопрос (для аналитики и панели учителя).
type Attempt struct {
	ID         string
	CallID     string
	StudentID  shared.StudentID
	Subject    string
	UnitID     string
	QuizItemID string
	Attempts   int
	Correct    bool
	Exhausted  bool
	Delta      int
	At         time.Time
}
