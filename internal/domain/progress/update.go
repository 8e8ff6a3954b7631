package progress

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/pkg/timeutil"
)

// UpdateKind - тип изменения прогресса.
type UpdateKind string

const (
	// UpdateQuizScored - ответ на вопрос оценён, Delta добавляется к счёту,
	// если за этот вопрос незавершённого юнита очки ещё не начислялись.
	UpdateQuizScored UpdateKind = "quiz_scored"

	// UpdateUnitCompleted - юнит пройден целиком.
	UpdateUnitCompleted UpdateKind = "unit_completed"

	// UpdateUnitInProgress - звонок прервался посреди юнита.
	UpdateUnitInProgress UpdateKind = "unit_in_progress"
)

// Update - изменение прогресса, которое сессия звонка отдаёт на запись.
// Хранилище применяет его к актуальной записи через Apply, поэтому
// параллельные звонки одного студента не теряют изменения друг друга.
type Update struct {
	// Key уникален в пределах звонка: "<call_id>:<seq>".
	Key    string
	CallID string

	StudentID shared.StudentID
	Subject   string
	Kind      UpdateKind

	UnitID   string
	Ordinal  int
	Remedial bool

	// Поля для UpdateQuizScored.
	QuizItemID   string
	Delta        int
	ScorePercent int
	Attempts     int
	Correct      bool
	Exhausted    bool

	At time.Time
}

// RecordKey - ключ сериализации записи.
func (u Update) RecordKey() string {
	return string(u.StudentID) + "/" + u.Subject
}

// Attempt строит строку истории для UpdateQuizScored.
func (u Update) Attempt(id string) Attempt {
	return Attempt{
		ID:         id,
		CallID:     u.CallID,
		StudentID:  u.StudentID,
		Subject:    u.Subject,
		UnitID:     u.UnitID,
		QuizItemID: u.QuizItemID,
		Attempts:   u.Attempts,
		Correct:    u.Correct,
		Exhausted:  u.Exhausted,
		Delta:      u.Delta,
		At:         u.At,
	}
}

// ApplyOptions - параметры применения.
type ApplyOptions struct {
	// RecentWindow - сколько последних процентов хранить.
	RecentWindow int

	// Location - часовой пояс для подсчёта серии дней.
	Location *time.Location
}

// Apply возвращает запись после применения u. Функция чистая: rec не меняется.
// Второе значение false, если u уже было применено (совпадает LastUpdateKey).
func Apply(rec *Record, u Update, opts ApplyOptions) (*Record, bool) {
	if rec == nil {
		rec = NewRecord(u.StudentID, u.Subject)
	}
	if u.Key != "" && rec.LastUpdateKey == u.Key {
		return rec.Clone(), false
	}

	out := rec.Clone()
	switch u.Kind {
	case UpdateQuizScored:
		scored := u.QuizItemID != "" && out.HasScored(u.UnitID, u.QuizItemID)
		if u.Delta > 0 && !scored {
			out.Score += u.Delta
		}
		if u.QuizItemID != "" && !scored && !out.HasCompleted(u.UnitID) {
			out.ScoredItems = append(out.ScoredItems, scoredItemKey(u.UnitID, u.QuizItemID))
		}
		out.RecentScores = append(out.RecentScores, clampPercent(u.ScorePercent))
		if w := opts.RecentWindow; w > 0 && len(out.RecentScores) > w {
			out.RecentScores = slices.Clone(out.RecentScores[len(out.RecentScores)-w:])
		}

	case UpdateUnitCompleted:
		if !out.HasCompleted(u.UnitID) {
			out.CompletedUnits = append(out.CompletedUnits, u.UnitID)
		}
		if !u.Remedial && (out.LastCompletedUnitID == "" || u.Ordinal >= out.LastCompletedOrdinal) {
			out.LastCompletedUnitID = u.UnitID
			out.LastCompletedOrdinal = u.Ordinal
		}
		if out.InProgressUnitID == u.UnitID {
			out.InProgressUnitID = ""
		}
		prefix := u.UnitID + "/"
		out.ScoredItems = slices.DeleteFunc(out.ScoredItems, func(k string) bool {
			return strings.HasPrefix(k, prefix)
		})
		if len(out.ScoredItems) == 0 {
			out.ScoredItems = nil
		}

	case UpdateUnitInProgress:
		out.InProgressUnitID = u.UnitID
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	if !u.At.IsZero() && !u.At.Before(out.LastActivityAt) {
		out.Streak = timeutil.NextStreak(out.Streak, out.LastActivityAt, u.At, loc)
		out.LastActivityAt = u.At
	}
	out.LastUpdateKey = u.Key
	return out, true
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
