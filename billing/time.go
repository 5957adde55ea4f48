package billing

import "time"

// =============================================================================
// CALENDAR DAYS - Daily counter resets compare days, not instants
// =============================================================================

const DayLayout = "2006-01-02"

// DayOf returns the calendar day of t in loc as YYYY-MM-DD.
// A nil loc means UTC.
func DayOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}

// ParseDay parses a YYYY-MM-DD day in UTC.
func ParseDay(day string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, day, time.UTC)
}

// DayAfter reports whether day a is strictly after day b. Days are
// YYYY-MM-DD so lexical order is calendar order; an empty b is before
// every day.
func DayAfter(a, b string) bool {
	if b == "" {
		return a != ""
	}
	return a > b
}
