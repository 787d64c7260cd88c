package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDaysBetween(t *testing.T) {
	tests := []struct {
		from, to string
		want     int
	}{
		{"2024-03-01", "2024-03-01", 0},
		{"2024-03-01", "2024-03-08", 7},
		{"2024-02-28", "2024-03-01", 2}, // leap year
		{"2023-12-31", "2024-01-01", 1},
		{"2024-03-08", "2024-03-01", -7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DaysBetween(mustDate(tt.from), mustDate(tt.to)), "%s -> %s", tt.from, tt.to)
	}
}

func TestDaysBetween_IgnoresTimeOfDay(t *testing.T) {
	from := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	to := time.Date(2024, 3, 2, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, 1, DaysBetween(from, to))

	pst := time.FixedZone("PST", -8*3600)
	local := time.Date(2024, 3, 1, 20, 0, 0, 0, pst) // 2024-03-02 04:00 UTC
	assert.Equal(t, mustDate("2024-03-02"), DateOf(local))
}

func TestMonthHelpers(t *testing.T) {
	assert.Equal(t, mustDate("2024-02-01"), StartOfMonth(mustDate("2024-02-17")))
	assert.Equal(t, mustDate("2024-03-01"), StartOfNextMonth(mustDate("2024-02-17")))
	assert.Equal(t, mustDate("2025-01-01"), StartOfNextMonth(mustDate("2024-12-31")))
	assert.Equal(t, 29, DaysInMonth(mustDate("2024-02-10")))
	assert.Equal(t, 28, DaysInMonth(mustDate("2023-02-10")))
	assert.Equal(t, 31, DaysInMonth(mustDate("2024-03-31")))
	assert.Equal(t, mustDate("2024-03-08"), AddDays(mustDate("2024-03-01"), 7))
	assert.True(t, SameDay(mustDate("2024-03-01"), mustDate("2024-03-01").Add(23*time.Hour)))
}
