package progress

// ScoringRules - сколько очков даёт ответ на вопрос.
//
//   - правильно с первой попытки: Full
//   - правильно с последующей попытки: Partial
//   - попытки исчерпаны: Exhausted (обычно 0)
type ScoringRules struct {
	Full      int
	Partial   int
	Exhausted int
}

// DefaultScoringRules - значения по умолчанию, совпадают с конфигом.
func DefaultScoringRules() ScoringRules {
	return ScoringRules{Full: 10, Partial: 5, Exhausted: 0}
}

// Delta считает прирост счёта за вопрос.
func (r ScoringRules) Delta(correct bool, attempts int, exhausted bool) int {
	switch {
	case exhausted || !correct:
		return r.Exhausted
	case attempts <= 1:
		return r.Full
	default:
		return r.Partial
	}
}

// Percent переводит прирост в процент от максимума для RecentScores.
func (r ScoringRules) Percent(delta int) int {
	if r.Full <= 0 {
		return 0
	}
	return clampPercent(delta * 100 / r.Full)
}
