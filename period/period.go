// Package period computes billing period boundaries.
//
// Every subscription period, both at creation and at each renewal, is
// derived from EndAnchored with the day the subscription first started, so
// boundaries never drift after a short month.
package period

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Cadence is a billing cadence.
type Cadence string

// Supported cadences.
const (
	Weekly    Cadence = "weekly"
	Monthly   Cadence = "monthly"
	Quarterly Cadence = "quarterly"
	Yearly    Cadence = "yearly"
)

// weeksPerMonth is the conversion factor for weekly prices.
var weeksPerMonth = decimal.RequireFromString("4.33")

// Valid reports whether c is a supported cadence.
func (c Cadence) Valid() bool {
	switch c {
	case Weekly, Monthly, Quarterly, Yearly:
		return true
	}
	return false
}

// ParseCadence parses a cadence name.
func ParseCadence(s string) (Cadence, error) {
	c := Cadence(s)
	if !c.Valid() {
		return "", fmt.Errorf("period: unknown cadence %q", s)
	}
	return c, nil
}

// End returns the end of the period that starts at start, anchored on
// start's day of month.
func End(start time.Time, c Cadence) time.Time {
	return EndAnchored(start, c, start.Day())
}

// EndAnchored returns the end of the period that starts at start, for a
// chain of periods whose first one began on anchorDay. Month arithmetic
// clamps to the last day of the target month but returns to anchorDay
// whenever the month has it, so a chain anchored on Jan 31 runs
// Feb 28 (or 29), Mar 31, Apr 30. An anchorDay outside 1..31 falls back
// to start's day.
func EndAnchored(start time.Time, c Cadence, anchorDay int) time.Time {
	if anchorDay < 1 || anchorDay > 31 {
		anchorDay = start.Day()
	}
	switch c {
	case Weekly:
		return start.AddDate(0, 0, 7)
	case Quarterly:
		return addMonths(start, 3, anchorDay)
	case Yearly:
		return addMonths(start, 12, anchorDay)
	default:
		return addMonths(start, 1, anchorDay)
	}
}

// MonthlyEquivalent converts a per-period price to its monthly equivalent:
// weekly ×4.33, quarterly ÷3, yearly ÷12.
func MonthlyEquivalent(price decimal.Decimal, c Cadence) decimal.Decimal {
	switch c {
	case Weekly:
		return price.Mul(weeksPerMonth)
	case Quarterly:
		return price.Div(decimal.NewFromInt(3))
	case Yearly:
		return price.Div(decimal.NewFromInt(12))
	default:
		return price
	}
}

// Days returns the whole number of days between start and end.
func Days(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}
	return int(end.Sub(start).Hours() / 24)
}

// RemainingDays returns the whole days left between now and end, or 0 once
// end has passed.
func RemainingDays(now, end time.Time) int {
	return Days(now, end)
}

// Contains reports whether t falls in [start, end).
func Contains(start, end, t time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

func addMonths(t time.Time, months, day int) time.Time {
	y, m, _ := t.Date()
	target := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(target.Year(), target.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
