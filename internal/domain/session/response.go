package session

import (
	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE
// ══════════════════════════════════════════════════════════════════════════════

// Action - что должна сделать телефония.
type Action string

const (
	// ActionPlayAudio - проиграть Prelude и ContentRef, затем прислать playback_complete.
	ActionPlayAudio Action = "play_audio"

	// ActionPlayAndCollect - проиграть и ждать не больше TimeoutMs до MaxDigits цифр.
	ActionPlayAndCollect Action = "play_and_collect_digits"

	// ActionHangup - проиграть прощание (если есть) и положить трубку.
	ActionHangup Action = "hangup"
)

// Response - дескриптор ответа для телефонии. Prelude проигрывается перед ContentRef.
// Пустой ContentRef у ActionPlayAndCollect значит "продолжать ждать ввод".
type Response struct {
	Action     Action   `json:"action"`
	ContentRef string   `json:"content_ref,omitempty"`
	Prelude    []string `json:"prelude,omitempty"`
	MaxDigits  int      `json:"max_digits,omitempty"`
	TimeoutMs  int      `json:"timeout_ms,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// INTENTS
// ══════════════════════════════════════════════════════════════════════════════

// Diagnostic - сообщение операторам о неконсистентности контента.
type Diagnostic struct {
	Code    string
	Message string
	UnitID  string
}

// Intents - побочные эффекты перехода. Автомат их только описывает,
// исполняет оркестратор.
type Intents struct {
	Updates       []progress.Update
	Notifications []notification.Intent
	Diagnostics   []Diagnostic

	// Release - звонок завершён, сессию можно удалить.
	Release bool
}

// IsEmpty - переход без побочных эффектов.
func (i Intents) IsEmpty() bool {
	return len(i.Updates) == 0 && len(i.Notifications) == 0 && len(i.Diagnostics) == 0 && !i.Release
}

// Result - результат Transition.
type Result struct {
	Session  CallSession
	Response Response
	Intents  Intents

	// Path - состояния, пройденные за переход, включая транзитные
	// QuizFeedback и LessonAdvance.
	Path []State
}
