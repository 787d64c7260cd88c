package billing

import "time"

const day = 24 * time.Hour

// DateOf truncates t to midnight UTC. All billing day arithmetic is done on
// UTC calendar dates.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of calendar days from from to to
func DaysBetween(from, to time.Time) int {
	return int(DateOf(to).Sub(DateOf(from)) / day)
}

// AddDays returns the date n calendar days after t
func AddDays(t time.Time, n int) time.Time {
	return DateOf(t).AddDate(0, 0, n)
}

// SameDay reports whether a and b fall on the same UTC date
func SameDay(a, b time.Time) bool {
	return DateOf(a).Equal(DateOf(b))
}

// StartOfMonth returns the first day of t's month
func StartOfMonth(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// StartOfNextMonth returns the first day of the month after t's
func StartOfNextMonth(t time.Time) time.Time {
	return StartOfMonth(t).AddDate(0, 1, 0)
}

// DaysInMonth returns the length of t's month in days
func DaysInMonth(t time.Time) int {
	return DaysBetween(StartOfMonth(t), StartOfNextMonth(t))
}
