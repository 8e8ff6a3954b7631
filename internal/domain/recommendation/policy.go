// Package recommendation выбирает следующий юнит для студента.
//
// Политика чистая и детерминированная: одинаковые запись прогресса и каталог
// всегда дают одно и то же решение. Сессия звонка вызывает её при входе в
// урок и после каждого пройденного юнита.
package recommendation

import (
	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// DECISION
// ══════════════════════════════════════════════════════════════════════════════

// Kind - тип решения.
type Kind string

const (
	KindResume          Kind = "resume"
	KindAdvance         Kind = "advance"
	KindRemedial        Kind = "remedial"
	KindSubjectComplete Kind = "subject_complete"
)

// Decision - результат политики. Unit заполнен для всех видов, кроме KindSubjectComplete.
type Decision struct {
	Kind Kind
	Unit catalog.ContentUnit
}

// HasUnit - есть ли что проигрывать.
func (d Decision) HasUnit() bool {
	return d.Kind != KindSubjectComplete
}

// ══════════════════════════════════════════════════════════════════════════════
// POLICY
// ══════════════════════════════════════════════════════════════════════════════

// Policy - правила выбора следующего юнита. Порядок проверок:
//
//  1. продолжить прерванный юнит, если он ещё выбираем;
//  2. средний процент последних RecentWindow ответов ниже порога: первый
//     непройденный remedial-юнит по теме последнего пройденного юнита;
//  3. первый не устаревший юнит с порядком больше последнего пройденного;
//  4. предмет пройден.
type Policy struct {
	RecentWindow         int
	ProficiencyThreshold float64
	RemedialEnabled      bool
}

// DefaultPolicy - значения по умолчанию, совпадают с конфигом.
func DefaultPolicy() Policy {
	return Policy{RecentWindow: 5, ProficiencyThreshold: 60, RemedialEnabled: true}
}

// Next возвращает следующее решение. rec может быть nil для нового студента.
// Ошибка возвращается, только если предмета нет в каталоге.
func (p Policy) Next(rec *progress.Record, cat catalog.Catalog, subject string, lang shared.Language) (Decision, error) {
	units, err := cat.GetUnits(subject, lang)
	if err != nil {
		return Decision{}, err
	}
	if rec == nil {
		rec = &progress.Record{Subject: subject}
	}
	seqLang := cat.ResolveLanguage(lang)
	if len(units) > 0 {
		seqLang = units[0].Language
	}

	if u, ok := p.resume(rec, cat, subject, seqLang); ok {
		return Decision{Kind: KindResume, Unit: u}, nil
	}
	if u, ok := p.remedial(rec, cat, subject, seqLang); ok {
		return Decision{Kind: KindRemedial, Unit: u}, nil
	}
	if u, ok := advance(rec, cat, units); ok {
		return Decision{Kind: KindAdvance, Unit: u}, nil
	}
	return Decision{Kind: KindSubjectComplete}, nil
}

func (p Policy) resume(rec *progress.Record, cat catalog.Catalog, subject string, lang shared.Language) (catalog.ContentUnit, bool) {
	if rec.InProgressUnitID == "" {
		return catalog.ContentUnit{}, false
	}
	u, err := cat.GetUnit(rec.InProgressUnitID)
	if err != nil || !u.Selectable() || u.Subject != subject || u.Language != lang {
		return catalog.ContentUnit{}, false
	}
	return u, true
}

func (p Policy) remedial(rec *progress.Record, cat catalog.Catalog, subject string, lang shared.Language) (catalog.ContentUnit, bool) {
	if !p.RemedialEnabled || rec.LastCompletedUnitID == "" {
		return catalog.ContentUnit{}, false
	}
	avg, ok := rec.RecentAverage(p.RecentWindow)
	if !ok || avg >= p.ProficiencyThreshold {
		return catalog.ContentUnit{}, false
	}
	last, err := cat.GetUnit(rec.LastCompletedUnitID)
	if err != nil || last.Topic == "" {
		return catalog.ContentUnit{}, false
	}
	for _, u := range cat.RemedialUnits(subject, lang, last.Topic) {
		if u.Selectable() && !rec.HasCompleted(u.ID) {
			return u, true
		}
	}
	return catalog.ContentUnit{}, false
}

func advance(rec *progress.Record, cat catalog.Catalog, units []catalog.ContentUnit) (catalog.ContentUnit, bool) {
	hasLast := rec.LastCompletedUnitID != ""
	lastOrdinal := rec.LastCompletedOrdinal
	if hasLast {
		// the catalog is authoritative when the unit is still known
		if u, err := cat.GetUnit(rec.LastCompletedUnitID); err == nil {
			lastOrdinal = u.Ordinal
		}
	}
	for _, u := range units {
		if !u.Selectable() {
			continue
		}
		if !hasLast || u.Ordinal > lastOrdinal {
			return u, true
		}
	}
	return catalog.ContentUnit{}, false
}
