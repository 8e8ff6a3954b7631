// Package content loads the published content catalog from a YAML file.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// File is the on-disk catalog layout.
type File struct {
	Version         string                       `yaml:"version"`
	DefaultLanguage string                       `yaml:"default_language"`
	Subjects        []SubjectSpec                `yaml:"subjects"`
	Prompts         map[string]map[string]string `yaml:"prompts"`
	Units           []UnitSpec                   `yaml:"units"`
}

// SubjectSpec is one voice-menu entry for one language.
type SubjectSpec struct {
	ID        string `yaml:"id"`
	Language  string `yaml:"language"`
	Name      string `yaml:"name"`
	MenuAudio string `yaml:"menu_audio"`
}

// UnitSpec is one content unit.
type UnitSpec struct {
	ID         string     `yaml:"id"`
	Subject    string     `yaml:"subject"`
	Lesson     string     `yaml:"lesson"`
	Topic      string     `yaml:"topic"`
	Level      string     `yaml:"level"`
	Ordinal    int        `yaml:"ordinal"`
	Language   string     `yaml:"language"`
	Audio      string     `yaml:"audio"`
	Version    int        `yaml:"version"`
	Remedial   bool       `yaml:"remedial"`
	Deprecated bool       `yaml:"deprecated"`
	Quiz       []QuizSpec `yaml:"quiz"`
}

// QuizSpec is one keypad question. Correct is the digit the caller
// presses (1-9), not the index.
type QuizSpec struct {
	ID          string   `yaml:"id"`
	PromptAudio string   `yaml:"prompt_audio"`
	Choices     []string `yaml:"choices"`
	Correct     int      `yaml:"correct"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Option adjusts how a file is read.
type Option func(*File)

// WithDefaultLanguage is used when the file has no default_language.
func WithDefaultLanguage(lang string) Option {
	return func(f *File) {
		if f.DefaultLanguage == "" {
			f.DefaultLanguage = lang
		}
	}
}

// LoadFile reads and validates a catalog file.
func LoadFile(path string, opts ...Option) (*catalog.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	snap, err := Parse(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return snap, nil
}

// Parse decodes YAML into a validated snapshot. Unknown keys are errors so
// that typos in hand-edited files do not silently drop content.
func Parse(data []byte, opts ...Option) (*catalog.Snapshot, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, shared.ErrInvalidCatalog.With(errors.New("empty catalog"))
		}
		return nil, shared.ErrInvalidCatalog.With(err)
	}
	for _, opt := range opts {
		opt(&f)
	}
	params, err := f.Params()
	if err != nil {
		return nil, err
	}
	return catalog.NewSnapshot(params)
}

// Params converts the file into snapshot parameters, canonicalizing
// language tags.
func (f File) Params() (catalog.SnapshotParams, error) {
	defaultLang, err := parseLang(f.DefaultLanguage, "default_language")
	if err != nil {
		return catalog.SnapshotParams{}, err
	}

	p := catalog.SnapshotParams{
		Version:         f.Version,
		DefaultLanguage: defaultLang,
		Prompts:         make(map[shared.Language]map[catalog.PromptKey]string, len(f.Prompts)),
	}

	for _, s := range f.Subjects {
		lang, err := parseLang(s.Language, "subject "+s.ID)
		if err != nil {
			return p, err
		}
		p.Subjects = append(p.Subjects, catalog.Subject{ID: s.ID, Language: lang, Name: s.Name, MenuAudio: s.MenuAudio})
	}

	for rawLang, prompts := range f.Prompts {
		lang, err := parseLang(rawLang, "prompts")
		if err != nil {
			return p, err
		}
		m := make(map[catalog.PromptKey]string, len(prompts))
		for k, v := range prompts {
			m[catalog.PromptKey(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		p.Prompts[lang] = m
	}

	for _, u := range f.Units {
		unit, err := u.unit()
		if err != nil {
			return p, err
		}
		p.Units = append(p.Units, unit)
	}
	return p, nil
}

func (u UnitSpec) unit() (catalog.ContentUnit, error) {
	lang, err := parseLang(u.Language, "unit "+u.ID)
	if err != nil {
		return catalog.ContentUnit{}, err
	}
	version := u.Version
	if version == 0 {
		version = 1
	}

	out := catalog.ContentUnit{
		ID:         u.ID,
		Subject:    u.Subject,
		Lesson:     u.Lesson,
		Topic:      u.Topic,
		Level:      catalog.Level(strings.ToLower(u.Level)),
		Ordinal:    u.Ordinal,
		Language:   lang,
		AudioRef:   u.Audio,
		Version:    version,
		Remedial:   u.Remedial,
		Deprecated: u.Deprecated,
	}
	for _, q := range u.Quiz {
		if q.Correct < 1 || q.Correct > len(q.Choices) {
			return out, shared.ErrInvalidCatalog.With(fmt.Errorf("quiz %s: correct digit %d out of range 1-%d", q.ID, q.Correct, len(q.Choices)))
		}
		out.Quiz = append(out.Quiz, catalog.QuizItem{
			ID:          q.ID,
			PromptAudio: q.PromptAudio,
			Choices:     q.Choices,
			Correct:     q.Correct - 1,
			Retry:       catalog.RetryPolicy{MaxAttempts: q.MaxAttempts},
		})
	}
	return out, nil
}

func parseLang(raw, where string) (shared.Language, error) {
	lang, err := shared.ParseLanguage(raw)
	if err != nil {
		return "", shared.ErrInvalidCatalog.With(fmt.Errorf("%s: language %q: %w", where, raw, err))
	}
	return lang, nil
}
