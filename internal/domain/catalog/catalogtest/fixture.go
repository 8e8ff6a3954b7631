// Package catalogtest provides a small published catalog for tests.
package catalogtest

import (
	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// Quiz returns a three-choice question whose correct answer is digit "2".
func Quiz(id string) catalog.QuizItem {
	return catalog.QuizItem{
		ID:          id,
		PromptAudio: "audio/" + id + ".mp3",
		Choices:     []string{"a", "b", "c"},
		Correct:     1,
	}
}

// Prompts returns every required prompt for lang.
func Prompts(lang string) map[catalog.PromptKey]string {
	out := make(map[catalog.PromptKey]string)
	for _, k := range catalog.RequiredPrompts {
		out[k] = "prompts/" + lang + "/" + string(k) + ".mp3"
	}
	for i := 1; i <= 3; i++ {
		k := catalog.DigitPromptKey(i)
		out[k] = "prompts/" + lang + "/" + string(k) + ".mp3"
	}
	return out
}

// Units returns the fixture units:
//
//	math/en: unit_1..unit_5 (unit_3 has two questions, unit_5 has none),
//	         remedial_fractions_1 and remedial_fractions_2 for topic "fractions"
//	english/en: english_1 (no quiz), english_2
//	math/sw: sw_unit_1
func Units() []catalog.ContentUnit {
	u := func(id string, ord int, topic string, quiz ...catalog.QuizItem) catalog.ContentUnit {
		return catalog.ContentUnit{
			ID: id, Subject: "math", Lesson: "lesson_" + topic, Topic: topic,
			Level: catalog.LevelBeginner, Ordinal: ord, Language: "en",
			AudioRef: "audio/" + id + ".mp3", Quiz: quiz, Version: 1,
		}
	}
	units := []catalog.ContentUnit{
		u("unit_1", 1, "fractions", Quiz("q1")),
		u("unit_2", 2, "fractions", Quiz("q2")),
		u("unit_3", 3, "fractions", Quiz("q3a"), Quiz("q3b")),
		u("unit_4", 4, "decimals", Quiz("q4")),
		u("unit_5", 5, "decimals"),
	}

	r1 := u("remedial_fractions_1", 1, "fractions", Quiz("qr1"))
	r1.Remedial = true
	r2 := u("remedial_fractions_2", 2, "fractions", Quiz("qr2"))
	r2.Remedial = true
	units = append(units, r1, r2)

	units = append(units,
		catalog.ContentUnit{ID: "english_1", Subject: "english", Topic: "greetings", Ordinal: 1, Language: "en", AudioRef: "audio/english_1.mp3"},
		catalog.ContentUnit{ID: "english_2", Subject: "english", Topic: "greetings", Ordinal: 2, Language: "en", AudioRef: "audio/english_2.mp3", Quiz: []catalog.QuizItem{Quiz("qe2")}},
		catalog.ContentUnit{ID: "sw_unit_1", Subject: "math", Topic: "fractions", Ordinal: 1, Language: "sw", AudioRef: "audio/sw_unit_1.mp3", Quiz: []catalog.QuizItem{Quiz("qsw1")}},
	)
	return units
}

// Params returns the fixture as SnapshotParams so tests can tweak it.
func Params() catalog.SnapshotParams {
	return catalog.SnapshotParams{
		Version:         "test-1",
		DefaultLanguage: "en",
		Units:           Units(),
		Subjects: []catalog.Subject{
			{ID: "math", Language: "en", Name: "Mathematics", MenuAudio: "menu/en/math.mp3"},
			{ID: "english", Language: "en", Name: "English", MenuAudio: "menu/en/english.mp3"},
			{ID: "math", Language: "sw", Name: "Hisabati", MenuAudio: "menu/sw/math.mp3"},
		},
		Prompts: map[shared.Language]map[catalog.PromptKey]string{
			"en": Prompts("en"),
			"sw": Prompts("sw"),
		},
	}
}

// Snapshot builds the fixture catalog and panics on invalid data.
func Snapshot() *catalog.Snapshot {
	s, err := catalog.NewSnapshot(Params())
	if err != nil {
		panic(err)
	}
	return s
}
