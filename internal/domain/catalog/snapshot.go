package catalog

import (
	"fmt"
	"sort"

	"golang.org/x/text/language"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG PORT
// ══════════════════════════════════════════════════════════════════════════════

// Catalog - неизменяемый каталог контента, доступный оркестратору только на чтение.
type Catalog interface {
	// Version - версия опубликованного каталога.
	Version() string

	// DefaultLanguage - язык, на который падает выбор при отсутствии перевода.
	DefaultLanguage() shared.Language

	// ResolveLanguage подбирает ближайший доступный язык (sw-KE -> sw -> default).
	ResolveLanguage(lang shared.Language) shared.Language

	// GetUnits возвращает основную последовательность юнитов предмета по порядку.
	// Deprecated-юниты включены, remedial - нет.
	GetUnits(subject string, lang shared.Language) ([]ContentUnit, error)

	// GetUnit возвращает юнит по ID, в том числе deprecated.
	GetUnit(id string) (ContentUnit, error)

	// RemedialUnits возвращает remedial-юниты темы по порядку.
	RemedialUnits(subject string, lang shared.Language, topic string) []ContentUnit

	// Subjects возвращает предметы, доступные на языке, по алфавиту.
	Subjects(lang shared.Language) []Subject

	// Subject возвращает предмет по ID на языке.
	Subject(id string, lang shared.Language) (Subject, bool)

	// Prompt возвращает ссылку на аудио системной фразы.
	Prompt(lang shared.Language, key PromptKey) (string, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

type seqKey struct {
	subject string
	lang    shared.Language
}

// Snapshot - реализация Catalog в памяти. Строится один раз и только читается,
// поэтому безопасна для конкурентного использования без блокировок.
type Snapshot struct {
	version     string
	defaultLang shared.Language

	units     map[string]ContentUnit
	sequences map[seqKey][]ContentUnit
	remedial  map[seqKey][]ContentUnit
	subjects  map[shared.Language][]Subject
	prompts   map[shared.Language]map[PromptKey]string

	languages []shared.Language
	matcher   language.Matcher
}

// SnapshotParams - исходные данные каталога.
type SnapshotParams struct {
	Version         string
	DefaultLanguage shared.Language
	Units           []ContentUnit
	Subjects        []Subject
	Prompts         map[shared.Language]map[PromptKey]string
}

// NewSnapshot валидирует данные и строит индексы.
func NewSnapshot(p SnapshotParams) (*Snapshot, error) {
	if p.DefaultLanguage == "" {
		return nil, shared.ErrInvalidCatalog.With(errf("default language is required"))
	}

	s := &Snapshot{
		version:     p.Version,
		defaultLang: p.DefaultLanguage,
		units:       make(map[string]ContentUnit, len(p.Units)),
		sequences:   make(map[seqKey][]ContentUnit),
		remedial:    make(map[seqKey][]ContentUnit),
		subjects:    make(map[shared.Language][]Subject),
		prompts:     make(map[shared.Language]map[PromptKey]string, len(p.Prompts)),
	}

	ordinals := make(map[seqKey]map[int]string)
	for _, u := range p.Units {
		if err := u.validate(); err != nil {
			return nil, err
		}
		if _, dup := s.units[u.ID]; dup {
			return nil, shared.ErrInvalidCatalog.With(errf("duplicate unit id %s", u.ID))
		}
		s.units[u.ID] = u

		key := seqKey{u.Subject, u.Language}
		if u.Remedial {
			s.remedial[key] = append(s.remedial[key], u)
			continue
		}
		if ordinals[key] == nil {
			ordinals[key] = make(map[int]string)
		}
		if other, dup := ordinals[key][u.Ordinal]; dup {
			return nil, shared.ErrInvalidCatalog.With(errf("units %s and %s share ordinal %d in %s/%s", other, u.ID, u.Ordinal, u.Subject, u.Language))
		}
		ordinals[key][u.Ordinal] = u.ID
		s.sequences[key] = append(s.sequences[key], u)
	}
	for k := range s.sequences {
		sortByOrdinal(s.sequences[k])
	}
	for k := range s.remedial {
		sortByOrdinal(s.remedial[k])
	}

	for _, subj := range p.Subjects {
		if subj.ID == "" || subj.Language == "" {
			return nil, shared.ErrInvalidCatalog.With(errf("subject needs id and language"))
		}
		s.subjects[subj.Language] = append(s.subjects[subj.Language], subj)
	}
	for lang := range s.subjects {
		list := s.subjects[lang]
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}

	for lang, prompts := range p.Prompts {
		cp := make(map[PromptKey]string, len(prompts))
		for k, v := range prompts {
			cp[k] = v
		}
		s.prompts[lang] = cp
	}
	for _, key := range RequiredPrompts {
		if s.prompts[p.DefaultLanguage][key] == "" {
			return nil, shared.ErrInvalidCatalog.With(errf("default language %s is missing prompt %q", p.DefaultLanguage, key))
		}
	}

	s.buildMatcher()
	return s, nil
}

func (s *Snapshot) buildMatcher() {
	seen := map[shared.Language]bool{s.defaultLang: true}
	langs := []shared.Language{s.defaultLang}
	add := func(l shared.Language) {
		if !seen[l] {
			seen[l] = true
			langs = append(langs, l)
		}
	}
	for k := range s.sequences {
		add(k.lang)
	}
	for l := range s.prompts {
		add(l)
	}
	// default first: the matcher falls back to the first supported tag
	sort.Slice(langs[1:], func(i, j int) bool { return langs[1+i] < langs[1+j] })

	tags := make([]language.Tag, len(langs))
	for i, l := range langs {
		tags[i] = l.Tag()
	}
	s.languages = langs
	s.matcher = language.NewMatcher(tags)
}

func sortByOrdinal(units []ContentUnit) {
	sort.SliceStable(units, func(i, j int) bool { return units[i].Ordinal < units[j].Ordinal })
}

func (s *Snapshot) Version() string                  { return s.version }
func (s *Snapshot) DefaultLanguage() shared.Language { return s.defaultLang }

// Languages возвращает все языки каталога, язык по умолчанию первым.
func (s *Snapshot) Languages() []shared.Language {
	out := make([]shared.Language, len(s.languages))
	copy(out, s.languages)
	return out
}

func (s *Snapshot) ResolveLanguage(lang shared.Language) shared.Language {
	if lang == "" {
		return s.defaultLang
	}
	_, idx, conf := s.matcher.Match(lang.Tag())
	if conf == language.No {
		return s.defaultLang
	}
	return s.languages[idx]
}

func (s *Snapshot) GetUnits(subject string, lang shared.Language) ([]ContentUnit, error) {
	seq, ok := s.sequences[seqKey{subject, s.ResolveLanguage(lang)}]
	if !ok {
		seq, ok = s.sequences[seqKey{subject, s.defaultLang}]
	}
	if !ok {
		return nil, shared.ErrSubjectNotFound.With(errf("subject %q", subject))
	}
	out := make([]ContentUnit, len(seq))
	copy(out, seq)
	return out, nil
}

func (s *Snapshot) GetUnit(id string) (ContentUnit, error) {
	u, ok := s.units[id]
	if !ok {
		return ContentUnit{}, shared.ErrUnitNotFound.With(errf("unit %q", id))
	}
	return u, nil
}

func (s *Snapshot) RemedialUnits(subject string, lang shared.Language, topic string) []ContentUnit {
	var out []ContentUnit
	for _, u := range s.remedial[seqKey{subject, s.ResolveLanguage(lang)}] {
		if u.Topic == topic {
			out = append(out, u)
		}
	}
	return out
}

func (s *Snapshot) Subjects(lang shared.Language) []Subject {
	list := s.subjects[s.ResolveLanguage(lang)]
	if len(list) == 0 {
		list = s.subjects[s.defaultLang]
	}
	out := make([]Subject, len(list))
	copy(out, list)
	return out
}

func (s *Snapshot) Subject(id string, lang shared.Language) (Subject, bool) {
	for _, subj := range s.Subjects(lang) {
		if subj.ID == id {
			return subj, true
		}
	}
	return Subject{}, false
}

func (s *Snapshot) Prompt(lang shared.Language, key PromptKey) (string, error) {
	if ref := s.prompts[s.ResolveLanguage(lang)][key]; ref != "" {
		return ref, nil
	}
	if ref := s.prompts[s.defaultLang][key]; ref != "" {
		return ref, nil
	}
	return "", shared.ErrPromptNotFound.With(errf("prompt %q", key))
}

// Stats - сводка для CLI.
type Stats struct {
	Units      int
	Remedial   int
	Deprecated int
	Quizzes    int
	Subjects   int
	Languages  int
}

// Stats считает юниты и вопросы.
func (s *Snapshot) Stats() Stats {
	st := Stats{Units: len(s.units), Languages: len(s.languages)}
	subjects := make(map[string]bool)
	for _, u := range s.units {
		subjects[u.Subject] = true
		st.Quizzes += len(u.Quiz)
		if u.Remedial {
			st.Remedial++
		}
		if u.Deprecated {
			st.Deprecated++
		}
	}
	st.Subjects = len(subjects)
	return st
}

// AllUnits возвращает все юниты, отсортированные по предмету, языку и порядку.
func (s *Snapshot) AllUnits() []ContentUnit {
	out := make([]ContentUnit, 0, len(s.units))
	for _, u := range s.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Language != b.Language {
			return a.Language < b.Language
		}
		if a.Remedial != b.Remedial {
			return !a.Remedial
		}
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		return a.ID < b.ID
	})
	return out
}

func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
