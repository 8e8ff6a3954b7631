package notification

import (
	"fmt"
	"maps"
	"strings"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// TEMPLATES
// ══════════════════════════════════════════════════════════════════════════════

// Ключи шаблонов помимо Kind.TemplateKey().
const (
	// TemplateSessionSummaryNoLesson - итог звонка, в котором урок так и не начался.
	TemplateSessionSummaryNoLesson = "session_summary_no_lesson"
)

// Templates - тексты SMS по языкам. Плейсхолдеры вида {name}.
type Templates struct {
	defaultLang shared.Language
	byLang      map[shared.Language]map[string]string
}

// NewTemplates создаёт набор шаблонов. Язык по умолчанию используется,
// если для языка студента шаблона нет.
func NewTemplates(defaultLang shared.Language, set map[shared.Language]map[string]string) *Templates {
	t := &Templates{defaultLang: defaultLang, byLang: make(map[shared.Language]map[string]string, len(set))}
	for lang, m := range set {
		t.byLang[lang] = maps.Clone(m)
	}
	return t
}

// DefaultTemplates - встроенные шаблоны на английском и суахили.
func DefaultTemplates() *Templates {
	return NewTemplates("en", map[shared.Language]map[string]string{
		"en": {
			KindSessionSummary.TemplateKey(): "IVR Tutor: today you completed {units_completed} lesson(s) in {subject} and earned {score_delta} points. Total score: {total_score}.",
			TemplateSessionSummaryNoLesson:   "IVR Tutor: thank you for calling. Call again any time to continue learning.",
			KindProgressUpdate.TemplateKey(): "Congratulations! You have completed {subject} with {total_score} points. Call again to start a new subject.",
			KindReminder.TemplateKey():       "IVR Tutor: we miss you! Call {hotline} to continue your {subject} lessons.",
		},
		"sw": {
			KindSessionSummary.TemplateKey(): "IVR Tutor: leo umekamilisha masomo {units_completed} ya {subject} na kupata alama {score_delta}. Jumla ya alama: {total_score}.",
			TemplateSessionSummaryNoLesson:   "IVR Tutor: asante kwa kupiga simu. Piga tena wakati wowote kuendelea kujifunza.",
			KindProgressUpdate.TemplateKey(): "Hongera! Umekamilisha {subject} kwa alama {total_score}. Piga simu tena kuanza somo jipya.",
			KindReminder.TemplateKey():       "IVR Tutor: tunakukumbuka! Piga {hotline} kuendelea na masomo ya {subject}.",
		},
	})
}

// Lookup возвращает текст шаблона: точный язык, базовый язык, язык по умолчанию.
func (t *Templates) Lookup(lang shared.Language, key string) (string, bool) {
	for _, l := range []shared.Language{lang, lang.Base(), t.defaultLang} {
		if text, ok := t.byLang[l][key]; ok {
			return text, true
		}
	}
	return "", false
}

// Render подставляет параметры в шаблон. Отсутствующий параметр - ошибка,
// лишние параметры игнорируются. Незакрытая скобка выводится как есть.
func (t *Templates) Render(lang shared.Language, key string, params map[string]string) (string, error) {
	text, ok := t.Lookup(lang, key)
	if !ok {
		return "", shared.ErrTemplateNotFound.With(fmt.Errorf("template %q", key))
	}

	var b strings.Builder
	b.Grow(len(text))
	for {
		open := strings.IndexByte(text, '{')
		if open < 0 {
			b.WriteString(text)
			break
		}
		end := strings.IndexByte(text[open:], '}')
		if end < 0 {
			b.WriteString(text)
			break
		}
		name := text[open+1 : open+end]
		v, ok := params[name]
		if !ok {
			return "", shared.ErrTemplateParams.With(fmt.Errorf("template %q needs {%s}", key, name))
		}
		b.WriteString(text[:open])
		b.WriteString(v)
		text = text[open+end+1:]
	}
	return b.String(), nil
}

// RenderIntent рендерит текст намерения.
func (t *Templates) RenderIntent(i Intent) (string, error) {
	return t.Render(i.Language, i.TemplateKey, i.Params)
}
