// Package timeutil holds the calendar math used for learning streaks and for
// keeping SMS reminders out of the night. All day boundaries are computed in
// the deployment's local zone, not UTC.
package timeutil

import (
	"fmt"
	"time"
)

// EAT is East Africa Time (UTC+3, no DST). Used when the configured zone
// cannot be loaded from the system tz database.
var EAT = time.FixedZone("EAT", 3*60*60)

// LoadZone resolves an IANA zone name, falling back to EAT.
func LoadZone(name string) *time.Location {
	if name == "" {
		return EAT
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return EAT
	}
	return loc
}

// StartOfDay returns local midnight for t.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// IsSameDay reports whether a and b fall on the same local calendar day.
func IsSameDay(a, b time.Time, loc *time.Location) bool {
	return StartOfDay(a, loc).Equal(StartOfDay(b, loc))
}

// IsConsecutiveDay reports whether next falls on the local day after prev.
func IsConsecutiveDay(prev, next time.Time, loc *time.Location) bool {
	return StartOfDay(prev, loc).AddDate(0, 0, 1).Equal(StartOfDay(next, loc))
}

// DaysBetween counts whole local calendar days between a and b.
func DaysBetween(a, b time.Time, loc *time.Location) int {
	da, db := StartOfDay(a, loc), StartOfDay(b, loc)
	if db.Before(da) {
		da, db = db, da
	}
	days := 0
	for d := da; d.Before(db); d = d.AddDate(0, 0, 1) {
		days++
	}
	return days
}

// NextStreak returns the streak after activity at `at`, given the previous
// activity time and streak. Same-day activity keeps the streak, the next
// day extends it and any gap restarts it at 1.
func NextStreak(prevStreak int, lastActivity, at time.Time, loc *time.Location) int {
	switch {
	case lastActivity.IsZero():
		return 1
	case IsSameDay(lastActivity, at, loc):
		if prevStreak < 1 {
			return 1
		}
		return prevStreak
	case IsConsecutiveDay(lastActivity, at, loc):
		return prevStreak + 1
	default:
		return 1
	}
}

// QuietHours is the local window in which reminders are allowed, [From, To).
type QuietHours struct {
	From int
	To   int
	Loc  *time.Location
}

// DefaultQuietHours allows reminders from 08:00 to 20:00 local time.
func DefaultQuietHours(loc *time.Location) QuietHours {
	return QuietHours{From: 8, To: 20, Loc: loc}
}

// Validate checks the hour bounds.
func (q QuietHours) Validate() error {
	if q.From < 0 || q.From > 23 || q.To < 1 || q.To > 24 || q.From >= q.To {
		return fmt.Errorf("invalid reminder window %02d:00-%02d:00", q.From, q.To)
	}
	return nil
}

// Allows reports whether t is inside the window.
func (q QuietHours) Allows(t time.Time) bool {
	h := t.In(q.Loc).Hour()
	return h >= q.From && h < q.To
}

// NextAllowed returns t if it is inside the window, otherwise the next
// window opening.
func (q QuietHours) NextAllowed(t time.Time) time.Time {
	if q.Allows(t) {
		return t
	}
	day := StartOfDay(t, q.Loc)
	if t.In(q.Loc).Hour() >= q.To {
		day = day.AddDate(0, 0, 1)
	}
	return day.Add(time.Duration(q.From) * time.Hour)
}
