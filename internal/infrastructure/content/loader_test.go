package content

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

func TestLoadFile(t *testing.T) {
	snap, err := LoadFile("testdata/catalog.yaml")
	require.NoError(t, err)

	assert.Equal(t, "2026.03-test", snap.Version())
	assert.Equal(t, shared.Language("en"), snap.DefaultLanguage())

	units, err := snap.GetUnits("math", "en")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "math_fractions_1", units[0].ID)
	assert.Equal(t, catalog.LevelBeginner, units[0].Level)
	assert.Equal(t, 1, units[0].Version)

	q := units[0].Quiz[0]
	assert.Equal(t, 1, q.Correct)
	assert.Equal(t, "2", q.CorrectDigit())
	assert.Equal(t, 3, units[1].Quiz[0].Retry.Limit(2))

	remedial := snap.RemedialUnits("math", "en", "fractions")
	require.Len(t, remedial, 1)
	assert.True(t, remedial[0].Remedial)

	assert.Equal(t, shared.Language("sw"), snap.ResolveLanguage("sw"))
	ref, err := snap.Prompt("sw-KE", catalog.PromptGreeting)
	require.NoError(t, err)
	assert.Equal(t, "prompts/sw/greeting.mp3", ref)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile("testdata/nope.yaml")
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	prompts := `
prompts:
  en:
    greeting: g
    menu: m
    goodbye: b
    apology: a
    correct: c
    incorrect: i
    try_again: t
    invalid_input: v
    max_retries: x
    subject_complete: s
    no_content: n
`
	unit := func(body string) string {
		return "default_language: en\n" + prompts + "units:\n" + body
	}

	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"unknown field", "default_language: en\ncolour: blue\n"},
		{"bad language", "default_language: \"??\"\n" + prompts},
		{"missing prompt", "default_language: en\nprompts:\n  en:\n    greeting: g\n"},
		{"correct digit out of range", unit(`  - {id: u1, subject: math, ordinal: 1, language: en, audio: a.mp3,
      quiz: [{id: q1, prompt_audio: q.mp3, choices: [a, b], correct: 3}]}
`)},
		{"too many choices", unit(`  - {id: u1, subject: math, ordinal: 1, language: en, audio: a.mp3,
      quiz: [{id: q1, prompt_audio: q.mp3, choices: [a, b, c, d, e, f, g, h, i, j], correct: 1}]}
`)},
		{"duplicate ordinal", unit(`  - {id: u1, subject: math, ordinal: 1, language: en, audio: a.mp3}
  - {id: u2, subject: math, ordinal: 1, language: en, audio: b.mp3}
`)},
		{"duplicate id", unit(`  - {id: u1, subject: math, ordinal: 1, language: en, audio: a.mp3}
  - {id: u1, subject: math, ordinal: 2, language: en, audio: b.mp3}
`)},
		{"remedial without topic", unit(`  - {id: r1, subject: math, ordinal: 1, language: en, audio: a.mp3, remedial: true}
`)},
		{"unknown level", unit(`  - {id: u1, subject: math, ordinal: 1, language: en, audio: a.mp3, level: expert}
`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, shared.ErrInvalidCatalog)
		})
	}
}

func TestParse_DefaultLanguageOption(t *testing.T) {
	data := strings.TrimPrefix(minimal, "default_language: en\n")

	_, err := Parse([]byte(data))
	require.Error(t, err)

	snap, err := Parse([]byte(data), WithDefaultLanguage("en"))
	require.NoError(t, err)
	assert.Equal(t, shared.Language("en"), snap.DefaultLanguage())
}

const minimal = `default_language: en
prompts:
  en: {greeting: g, menu: m, goodbye: b, apology: a, correct: c, incorrect: i, try_again: t,
       invalid_input: v, max_retries: x, subject_complete: s, no_content: n}
`

func TestLoadFile_ShippedCatalog(t *testing.T) {
	snap, err := LoadFile("../../../catalog.yaml")
	require.NoError(t, err)

	stats := snap.Stats()
	assert.Equal(t, 2, stats.Subjects)
	assert.Equal(t, 1, stats.Remedial)
	assert.Len(t, snap.Subjects("en"), 2)
	assert.Len(t, snap.Subjects("sw"), 1)
}
