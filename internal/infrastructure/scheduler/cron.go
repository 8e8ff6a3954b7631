package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpression is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
//
// Each field accepts "*", "n", "n-m", a "/step" suffix on any of those and
// comma-separated lists of terms. Examples:
//   - "*/15 * * * *"  every 15 minutes
//   - "0 9-19 * * *"  on the hour from 09:00 to 19:00
//   - "30 8 * * 1-5"  weekdays at 08:30
//
// When both day-of-month and day-of-week are restricted a time matches if
// either does, as in classic cron.
type CronExpression struct {
	raw      string
	minutes  bitset
	hours    bitset
	days     bitset
	months   bitset
	weekdays bitset
	anyDay   bool
	anyWDay  bool
}

type bitset uint64

func (b bitset) has(v int) bool { return b&(1<<uint(v)) != 0 }

// ParseCronExpression parses expr. Fields outside their range are rejected.
func ParseCronExpression(expr string) (*CronExpression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	specs := []struct {
		name     string
		min, max int
		dst      *bitset
	}{
		{"minute", 0, 59, nil},
		{"hour", 0, 23, nil},
		{"day", 1, 31, nil},
		{"month", 1, 12, nil},
		{"weekday", 0, 6, nil},
	}
	ce := &CronExpression{raw: expr}
	specs[0].dst = &ce.minutes
	specs[1].dst = &ce.hours
	specs[2].dst = &ce.days
	specs[3].dst = &ce.months
	specs[4].dst = &ce.weekdays

	for i, s := range specs {
		set, err := parseField(fields[i], s.min, s.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", s.name, err)
		}
		*s.dst = set
	}
	ce.anyDay = fields[2] == "*"
	ce.anyWDay = fields[4] == "*"
	return ce, nil
}

// MustParseCronExpression panics if expr does not parse. For constants.
func MustParseCronExpression(expr string) *CronExpression {
	ce, err := ParseCronExpression(expr)
	if err != nil {
		panic(err)
	}
	return ce
}

func parseField(field string, min, max int) (bitset, error) {
	var set bitset
	for _, term := range strings.Split(field, ",") {
		if term == "" {
			return 0, fmt.Errorf("empty term in %q", field)
		}

		step := 1
		if base, s, ok := strings.Cut(term, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", s)
			}
			step = n
			term = base
		}

		var lo, hi int
		switch {
		case term == "*":
			lo, hi = min, max
		case strings.Contains(term, "-"):
			a, b, _ := strings.Cut(term, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("invalid range start %q", a)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return 0, fmt.Errorf("invalid range end %q", b)
			}
		default:
			v, err := strconv.Atoi(term)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", term)
			}
			lo, hi = v, v
			if step > 1 {
				hi = max
			}
		}

		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("%q out of range [%d-%d]", term, min, max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

// String returns the original expression.
func (ce *CronExpression) String() string {
	return ce.raw
}

// Next returns the first matching minute strictly after t, in t's location.
// It returns the zero time if nothing matches within five years.
func (ce *CronExpression) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if !ce.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !ce.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !ce.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !ce.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func (ce *CronExpression) dayMatches(t time.Time) bool {
	dom := ce.days.has(t.Day())
	dow := ce.weekdays.has(int(t.Weekday()))
	switch {
	case ce.anyDay && ce.anyWDay:
		return true
	case ce.anyDay:
		return dow
	case ce.anyWDay:
		return dom
	default:
		return dom || dow
	}
}
