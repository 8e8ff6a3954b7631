package shared

import (
	"strings"

	"golang.org/x/text/language"
)

// ══════════════════════════════════════════════════════════════════════════════
// PHONE NUMBER
// ══════════════════════════════════════════════════════════════════════════════

// PhoneNumber is an E.164 number: '+' followed by 8 to 15 digits.
type PhoneNumber string

// IsValid checks the E.164 shape.
func (p PhoneNumber) IsValid() bool {
	s := string(p)
	if len(s) < 9 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s[1] != '0'
}

func (p PhoneNumber) String() string { return string(p) }

// NormalizePhone turns what the telephony provider or an operator typed into
// E.164. Separators are dropped, "00" becomes "+", and a national number with
// a leading 0 gets defaultCountryCode (e.g. "254").
func NormalizePhone(raw, defaultCountryCode string) (PhoneNumber, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidPhone
		}
	}

	s := b.String()
	switch {
	case strings.HasPrefix(s, "+"):
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case strings.HasPrefix(s, "0") && defaultCountryCode != "":
		s = "+" + defaultCountryCode + s[1:]
	default:
		s = "+" + s
	}

	p := PhoneNumber(s)
	if !p.IsValid() {
		return "", ErrInvalidPhone
	}
	return p, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LANGUAGE
// ══════════════════════════════════════════════════════════════════════════════

// Language is a BCP 47 tag in canonical form, e.g. "en", "sw", "sw-KE".
type Language string

func (l Language) String() string { return string(l) }

// Tag parses the language; an invalid value yields language.Und.
func (l Language) Tag() language.Tag {
	t, err := language.Parse(string(l))
	if err != nil {
		return language.Und
	}
	return t
}

// Base returns the primary language subtag ("sw" for "sw-KE").
func (l Language) Base() Language {
	b, _ := l.Tag().Base()
	return Language(b.String())
}

// ParseLanguage validates and canonicalizes a tag.
func ParseLanguage(raw string) (Language, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidLanguage
	}
	t, err := language.Parse(raw)
	if err != nil || t == language.Und {
		return "", ErrInvalidLanguage.With(err)
	}
	return Language(t.String()), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// IDENTIFIERS
// ══════════════════════════════════════════════════════════════════════════════

// StudentID identifies a student. It is assigned once and never reused.
type StudentID string

func (s StudentID) String() string { return string(s) }
func (s StudentID) IsEmpty() bool  { return s == "" }

// CallID is the telephony provider's identifier for one call.
type CallID string

func (c CallID) String() string { return string(c) }
func (c CallID) IsEmpty() bool  { return c == "" }
