package session

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/recommendation"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENV
// ══════════════════════════════════════════════════════════════════════════════

// Limits - ограничения звонка из конфига.
type Limits struct {
	MaxMenuRetries     int
	QuizMaxAttempts    int
	MaxUnitsPerSession int
	MenuTimeout        time.Duration
	AnswerTimeout      time.Duration
}

// DefaultLimits - значения по умолчанию, совпадают с конфигом.
func DefaultLimits() Limits {
	return Limits{
		MaxMenuRetries:     3,
		QuizMaxAttempts:    2,
		MaxUnitsPerSession: 5,
		MenuTimeout:        8 * time.Second,
		AnswerTimeout:      10 * time.Second,
	}
}

// Env - всё, что нужно переходу помимо сессии и события.
// Переход не обращается к хранилищам: прогресс загружен заранее.
type Env struct {
	Catalog catalog.Catalog
	Policy  recommendation.Policy

	// Enrollments - предметы студента в порядке меню.
	Enrollments []string

	// Progress - записи студента по предметам на момент начала звонка.
	Progress map[string]*progress.Record

	Limits  Limits
	Scoring progress.ScoringRules
	Apply   progress.ApplyOptions
	Now     time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSITION
// ══════════════════════════════════════════════════════════════════════════════

// Transition обрабатывает одно событие. Функция чистая: входная сессия
// не меняется, все эффекты описаны в Result.Intents.
//
// Ошибочный ввод (неверная цифра, таймаут) обрабатывается повтором и
// никогда не приводит к ошибке. Отсутствующий в каталоге юнит завершает
// звонок с извинением и диагностикой для операторов.
func Transition(s CallSession, ev Event, env Env) Result {
	m := &machine{env: env, s: s.Clone()}
	if m.s.State.IsTerminal() {
		return Result{Session: m.s, Response: Response{Action: ActionHangup}}
	}

	m.s.UpdatedAt = env.Now
	m.step(ev)
	if m.resp.ContentRef != "" || m.resp.Action == ActionHangup {
		m.s.Prompt = m.resp
	}
	return Result{Session: m.s, Response: m.resp, Intents: m.intents, Path: m.path}
}

type machine struct {
	env     Env
	s       CallSession
	resp    Response
	prelude []string
	intents Intents
	path    []State
}

func (m *machine) step(ev Event) {
	if ev.Type == EventHangup {
		m.hangup()
		return
	}

	switch m.s.State {
	case StateGreeting:
		m.presentMenu(true)
	case StateMenuSelect:
		m.onMenu(ev)
	case StateLessonPlayback:
		m.onLesson(ev)
	case StateQuizPrompt:
		m.onQuizPrompt(ev)
	case StateQuizAwaitAnswer:
		m.onAnswer(ev)
	default:
		// QuizFeedback и LessonAdvance проходятся внутри одного перехода
		// и могут встретиться только в чужом чекпоинте.
		m.advance()
	}
}

func (m *machine) enter(st State) {
	m.s.State = st
	m.path = append(m.path, st)
}

// ─────────────────────────────────────────────────────────────────────────────
// Menu
// ─────────────────────────────────────────────────────────────────────────────

func (m *machine) onMenu(ev Event) {
	switch ev.Type {
	case EventDigit:
		if subject, ok := m.menuChoice(ev.Digit); ok {
			m.selectSubject(subject)
			return
		}
		m.menuRetry()
	case EventTimeout:
		m.menuRetry()
	case EventPlaybackComplete:
		m.wait(m.env.Limits.MenuTimeout)
	default:
		m.repeat()
	}
}

func (m *machine) menuChoice(digit string) (string, bool) {
	if len(digit) != 1 || digit[0] < '1' || digit[0] > '9' {
		return "", false
	}
	idx := int(digit[0] - '1')
	if idx >= len(m.s.Menu) {
		return "", false
	}
	return m.s.Menu[idx], true
}

func (m *machine) menuRetry() {
	m.s.MenuRetries++
	if m.s.MenuRetries > m.env.Limits.MaxMenuRetries {
		m.close(OutcomeMaxRetries, catalog.PromptMaxRetries)
		return
	}
	m.say(catalog.PromptInvalidInput)
	m.presentMenu(false)
}

func (m *machine) presentMenu(greeting bool) {
	subjects := m.menuSubjects()
	if len(subjects) == 0 {
		m.close(OutcomeNoContent, catalog.PromptNoContent)
		return
	}

	m.s.Menu = subjects
	m.enter(StateMenuSelect)
	if greeting {
		m.say(catalog.PromptGreeting)
	}
	for i, id := range subjects {
		if subj, ok := m.env.Catalog.Subject(id, m.s.Language); ok && subj.MenuAudio != "" {
			m.prelude = append(m.prelude, subj.MenuAudio)
		}
		m.say(catalog.DigitPromptKey(i + 1))
	}
	m.collect(m.prompt(catalog.PromptMenu), m.env.Limits.MenuTimeout)
}

// menuSubjects - записанные предметы в порядке приоритета; без записей -
// все предметы каталога на языке студента. Предметы без контента пропускаются.
func (m *machine) menuSubjects() []string {
	var out []string
	add := func(id string) {
		if len(out) >= catalog.MaxChoices || slices.Contains(out, id) {
			return
		}
		if _, err := m.env.Catalog.GetUnits(id, m.s.Language); err != nil {
			return
		}
		out = append(out, id)
	}
	for _, id := range m.env.Enrollments {
		add(id)
	}
	if len(out) == 0 {
		for _, subj := range m.env.Catalog.Subjects(m.s.Language) {
			add(subj.ID)
		}
	}
	return out
}

func (m *machine) selectSubject(subject string) {
	m.s.Subject = subject
	m.s.MenuPath = append(m.s.MenuPath, subject)
	if rec := m.env.Progress[subject]; rec != nil {
		m.s.Record = rec.Clone()
	} else {
		m.s.Record = progress.NewRecord(m.s.StudentID, subject)
	}
	m.next(false)
}

// ─────────────────────────────────────────────────────────────────────────────
// Lesson
// ─────────────────────────────────────────────────────────────────────────────

// next спрашивает политику, что играть дальше.
func (m *machine) next(afterUnit bool) {
	d, err := m.env.Policy.Next(m.s.Record, m.env.Catalog, m.s.Subject, m.s.Language)
	if err != nil {
		m.internalError("subject_missing", err.Error(), "")
		return
	}
	if !d.HasUnit() {
		if afterUnit {
			m.notify(notification.KindProgressUpdate)
		}
		m.close(OutcomeSubjectComplete, catalog.PromptSubjectComplete)
		return
	}
	if afterUnit && m.s.UnitsCompleted >= m.env.Limits.MaxUnitsPerSession {
		m.close(OutcomeUnitCap)
		return
	}
	m.startUnit(d.Unit)
}

func (m *machine) startUnit(u catalog.ContentUnit) {
	m.s.UnitID = u.ID
	m.s.QuizIndex = m.firstUnscored(u)
	m.s.Attempts = 0
	m.s.LastResult = nil
	if !slices.Contains(m.s.LessonsAccessed, u.ID) {
		m.s.LessonsAccessed = append(m.s.LessonsAccessed, u.ID)
	}
	m.enter(StateLessonPlayback)
	m.resp = Response{Action: ActionPlayAudio, ContentRef: u.AudioRef, Prelude: m.takePrelude()}
}

// firstUnscored - индекс первого вопроса, за который ещё не начислены очки.
// Прерванный юнит продолжается с него, а не с начала.
func (m *machine) firstUnscored(u catalog.ContentUnit) int {
	if m.s.Record == nil {
		return 0
	}
	for i, q := range u.Quiz {
		if !m.s.Record.HasScored(u.ID, q.ID) {
			return i
		}
	}
	return len(u.Quiz)
}

func (m *machine) onLesson(ev Event) {
	switch {
	case ev.Type == EventPlaybackComplete, ev.Type == EventTimeout:
		m.afterLesson()
	case ev.Type == EventDigit && ev.Digit == "#":
		m.afterLesson()
	default:
		m.repeat()
	}
}

func (m *machine) afterLesson() {
	u, ok := m.unit()
	if !ok {
		return
	}
	if !u.HasQuiz() || m.s.QuizIndex >= len(u.Quiz) {
		m.advance()
		return
	}
	m.presentQuiz(u)
}

// ─────────────────────────────────────────────────────────────────────────────
// Quiz
// ─────────────────────────────────────────────────────────────────────────────

func (m *machine) presentQuiz(u catalog.ContentUnit) {
	q, ok := u.QuizItemAt(m.s.QuizIndex)
	if !ok {
		m.internalError("quiz_missing", fmt.Sprintf("unit %s has no quiz item %d", u.ID, m.s.QuizIndex), u.ID)
		return
	}
	m.enter(StateQuizPrompt)
	m.collect(q.PromptAudio, m.env.Limits.AnswerTimeout)
}

func (m *machine) onQuizPrompt(ev Event) {
	switch ev.Type {
	case EventPlaybackComplete:
		m.enter(StateQuizAwaitAnswer)
		m.wait(m.env.Limits.AnswerTimeout)
	case EventDigit, EventTimeout:
		// play-and-collect: ответ пришёл без отдельного playback_complete
		m.enter(StateQuizAwaitAnswer)
		m.answer(ev)
	default:
		m.repeat()
	}
}

func (m *machine) onAnswer(ev Event) {
	switch ev.Type {
	case EventDigit, EventTimeout:
		m.answer(ev)
	case EventPlaybackComplete:
		m.wait(m.env.Limits.AnswerTimeout)
	default:
		m.repeat()
	}
}

// answer: верный ответ - QuizFeedback. Неверный вариант, неверная клавиша
// и таймаут тратят попытку; на последней попытке - QuizFeedback с exhausted.
func (m *machine) answer(ev Event) {
	u, ok := m.unit()
	if !ok {
		return
	}
	q, ok := u.QuizItemAt(m.s.QuizIndex)
	if !ok {
		m.internalError("quiz_missing", fmt.Sprintf("unit %s has no quiz item %d", u.ID, m.s.QuizIndex), u.ID)
		return
	}

	var valid, correct bool
	if ev.Type == EventDigit {
		var choice int
		choice, valid = q.ChoiceForDigit(ev.Digit)
		correct = valid && q.IsCorrect(choice)
	}

	m.s.Attempts++
	switch {
	case correct:
		m.feedback(u, q, true, false)
		return
	case m.s.Attempts >= q.Retry.Limit(m.env.Limits.QuizMaxAttempts):
		m.feedback(u, q, false, true)
		return
	case valid:
		m.say(catalog.PromptIncorrect)
		m.say(catalog.PromptTryAgain)
	case ev.Type == EventDigit:
		m.say(catalog.PromptInvalidInput)
	default:
		m.say(catalog.PromptTryAgain)
	}
	m.presentQuiz(u)
}

func (m *machine) feedback(u catalog.ContentUnit, q catalog.QuizItem, correct, exhausted bool) {
	m.enter(StateQuizFeedback)

	delta := m.env.Scoring.Delta(correct, m.s.Attempts, exhausted)
	m.s.LastResult = &QuizResult{
		QuizItemID: q.ID,
		Correct:    correct,
		Exhausted:  exhausted,
		Attempts:   m.s.Attempts,
		Delta:      delta,
	}
	m.s.ScoreDelta += delta
	if correct {
		m.say(catalog.PromptCorrect)
	} else {
		m.say(catalog.PromptIncorrect)
	}

	m.update(progress.Update{
		Kind:         progress.UpdateQuizScored,
		UnitID:       u.ID,
		Ordinal:      u.Ordinal,
		Remedial:     u.Remedial,
		QuizItemID:   q.ID,
		Delta:        delta,
		ScorePercent: m.env.Scoring.Percent(delta),
		Attempts:     m.s.Attempts,
		Correct:      correct,
		Exhausted:    exhausted,
	})
	m.advance()
}

// ─────────────────────────────────────────────────────────────────────────────
// Advance
// ─────────────────────────────────────────────────────────────────────────────

func (m *machine) advance() {
	m.enter(StateLessonAdvance)
	u, ok := m.unit()
	if !ok {
		return
	}
	if m.s.QuizIndex+1 < len(u.Quiz) {
		m.s.QuizIndex++
		m.s.Attempts = 0
		m.presentQuiz(u)
		return
	}

	m.update(progress.Update{
		Kind:     progress.UpdateUnitCompleted,
		UnitID:   u.ID,
		Ordinal:  u.Ordinal,
		Remedial: u.Remedial,
	})
	m.s.UnitsCompleted++
	m.s.UnitID = ""
	m.s.QuizIndex = 0
	m.s.Attempts = 0
	m.next(true)
}

// ─────────────────────────────────────────────────────────────────────────────
// Closing
// ─────────────────────────────────────────────────────────────────────────────

func (m *machine) hangup() {
	if m.s.State.UnitUnderway() && m.s.UnitID != "" {
		upd := progress.Update{Kind: progress.UpdateUnitInProgress, UnitID: m.s.UnitID}
		if u, err := m.env.Catalog.GetUnit(m.s.UnitID); err == nil {
			upd.Ordinal = u.Ordinal
			upd.Remedial = u.Remedial
		}
		m.update(upd)
	}
	m.close(OutcomeHangup)
}

func (m *machine) internalError(code, msg, unitID string) {
	m.intents.Diagnostics = append(m.intents.Diagnostics, Diagnostic{Code: code, Message: msg, UnitID: unitID})
	m.close(OutcomeInternalError, catalog.PromptApology)
}

// close завершает звонок: ровно одно session_summary и release.
func (m *machine) close(outcome Outcome, prompts ...catalog.PromptKey) {
	m.enter(StateClosing)
	m.s.Outcome = outcome
	switch outcome {
	case OutcomeHangup, OutcomeInternalError:
		m.s.Status = StatusAbandoned
	default:
		m.s.Status = StatusCompleted
	}

	m.notify(notification.KindSessionSummary)
	m.intents.Release = true

	if outcome == OutcomeHangup {
		m.prelude = nil
		m.resp = Response{Action: ActionHangup}
		return
	}
	for _, key := range prompts {
		m.say(key)
	}
	m.resp = Response{Action: ActionHangup, ContentRef: m.prompt(catalog.PromptGoodbye), Prelude: m.takePrelude()}
}

func (m *machine) notify(kind notification.Kind) {
	subject := m.s.Subject
	if subj, ok := m.env.Catalog.Subject(m.s.Subject, m.s.Language); ok && subj.Name != "" {
		subject = subj.Name
	}
	total := 0
	if m.s.Record != nil {
		total = m.s.Record.Score
	}
	params := map[string]string{
		"subject":         subject,
		"units_completed": strconv.Itoa(m.s.UnitsCompleted),
		"score_delta":     strconv.Itoa(m.s.ScoreDelta),
		"total_score":     strconv.Itoa(total),
		"outcome":         string(m.s.Outcome),
	}

	intent := notification.NewIntent(kind, m.s.StudentID, m.s.Phone, m.s.Language, params)
	if kind == notification.KindSessionSummary && m.s.UnitsCompleted == 0 && m.s.ScoreDelta == 0 {
		intent.TemplateKey = notification.TemplateSessionSummaryNoLesson
	}
	intent.CreatedAt = m.env.Now
	m.intents.Notifications = append(m.intents.Notifications, intent)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func (m *machine) unit() (catalog.ContentUnit, bool) {
	u, err := m.env.Catalog.GetUnit(m.s.UnitID)
	if err != nil {
		m.internalError("unit_missing", err.Error(), m.s.UnitID)
		return catalog.ContentUnit{}, false
	}
	return u, true
}

func (m *machine) update(u progress.Update) {
	m.s.Seq++
	u.Key = string(m.s.CallID) + ":" + strconv.Itoa(m.s.Seq)
	u.CallID = string(m.s.CallID)
	u.StudentID = m.s.StudentID
	u.Subject = m.s.Subject
	u.At = m.env.Now

	m.s.Record, _ = progress.Apply(m.s.Record, u, m.env.Apply)
	m.intents.Updates = append(m.intents.Updates, u)
}

func (m *machine) prompt(key catalog.PromptKey) string {
	ref, err := m.env.Catalog.Prompt(m.s.Language, key)
	if err != nil {
		return ""
	}
	return ref
}

func (m *machine) say(key catalog.PromptKey) {
	if ref := m.prompt(key); ref != "" {
		m.prelude = append(m.prelude, ref)
	}
}

func (m *machine) takePrelude() []string {
	p := m.prelude
	m.prelude = nil
	return p
}

func (m *machine) collect(ref string, timeout time.Duration) {
	m.resp = Response{
		Action:     ActionPlayAndCollect,
		ContentRef: ref,
		Prelude:    m.takePrelude(),
		MaxDigits:  1,
		TimeoutMs:  int(timeout.Milliseconds()),
	}
}

// wait - продолжать ждать ввод без нового аудио.
func (m *machine) wait(timeout time.Duration) {
	m.resp = Response{Action: ActionPlayAndCollect, MaxDigits: 1, TimeoutMs: int(timeout.Milliseconds())}
}

// repeat повторяет последний ответ: дубликаты событий и посторонние клавиши
// не меняют состояние.
func (m *machine) repeat() {
	if m.s.Prompt.Action == "" {
		m.wait(m.env.Limits.AnswerTimeout)
		return
	}
	m.resp = m.s.Prompt
	m.resp.Prelude = slices.Clone(m.s.Prompt.Prelude)
}
