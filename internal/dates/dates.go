// Package dates provides a timezone-anchored calendar day.
//
// Bonus claims and expiry runs must agree on what "today" means even near
// midnight, so the day is always derived from an explicit location and passed
// around as a value rather than read from the ambient wall clock.
package dates

import (
	"fmt"
	"time"
)

// Layout is the canonical wire/storage format for a Day.
const Layout = "2006-01-02"

// Day is a calendar date (no time component) in the ledger's home timezone.
type Day string

// Of returns the Day containing t in the given location.
func Of(t time.Time, loc *time.Location) Day {
	return Day(t.In(loc).Format(Layout))
}

// Today returns the current Day in the given location.
func Today(loc *time.Location) Day {
	return Of(time.Now(), loc)
}

// Parse validates s as a Day.
func Parse(s string) (Day, error) {
	if _, err := time.Parse(Layout, s); err != nil {
		return "", fmt.Errorf("parse day %q: %w", s, err)
	}
	return Day(s), nil
}

// Prev returns the calendar day before d.
func (d Day) Prev() Day {
	t, err := time.Parse(Layout, string(d))
	if err != nil {
		return d
	}
	return Day(t.AddDate(0, 0, -1).Format(Layout))
}

// IsZero reports whether d is unset.
func (d Day) IsZero() bool { return d == "" }

func (d Day) String() string { return string(d) }

// NextMidnight returns the first instant of the next calendar day in loc.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	n := now.In(loc)
	y, m, day := n.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, loc).AddDate(0, 0, 1)
}
