package period_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/period"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 30, 0, 0, time.UTC)
}

func TestEnd(t *testing.T) {
	tests := []struct {
		name    string
		start   time.Time
		cadence period.Cadence
		want    time.Time
	}{
		{"weekly", date(2026, time.March, 1), period.Weekly, date(2026, time.March, 8)},
		{"monthly", date(2026, time.March, 15), period.Monthly, date(2026, time.April, 15)},
		{"monthly clamps to february", date(2026, time.January, 31), period.Monthly, date(2026, time.February, 28)},
		{"monthly clamps to leap february", date(2028, time.January, 30), period.Monthly, date(2028, time.February, 29)},
		{"monthly across year", date(2026, time.December, 31), period.Monthly, date(2027, time.January, 31)},
		{"quarterly", date(2026, time.November, 30), period.Quarterly, date(2027, time.February, 28)},
		{"yearly from leap day", date(2028, time.February, 29), period.Yearly, date(2029, time.February, 28)},
		{"unknown cadence falls back to monthly", date(2026, time.May, 1), period.Cadence("daily"), date(2026, time.June, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, period.End(tt.start, tt.cadence))
		})
	}
}

func TestEndIsAlwaysAfterStart(t *testing.T) {
	start := date(2026, time.January, 1)
	for day := 0; day < 366; day++ {
		s := start.AddDate(0, 0, day)
		for _, c := range []period.Cadence{period.Weekly, period.Monthly, period.Quarterly, period.Yearly} {
			require.True(t, period.End(s, c).After(s), "cadence %s start %s", c, s)
		}
	}
}

func TestRenewalChainDoesNotDrift(t *testing.T) {
	start := date(2026, time.January, 15)
	end := start
	for i := 0; i < 12; i++ {
		end = period.End(end, period.Monthly)
	}
	assert.Equal(t, date(2027, time.January, 15), end)
}

func TestAnchoredChainReturnsToMonthEnd(t *testing.T) {
	start := date(2025, time.January, 31)
	want := []time.Time{
		date(2025, time.February, 28),
		date(2025, time.March, 31),
		date(2025, time.April, 30),
		date(2025, time.May, 31),
	}
	end := start
	for _, w := range want {
		end = period.EndAnchored(end, period.Monthly, start.Day())
		assert.Equal(t, w, end)
	}

	// Without the anchor the clamp sticks on the 28th.
	assert.Equal(t, date(2025, time.March, 28), period.End(period.End(start, period.Monthly), period.Monthly))
}

func TestEndAnchoredLeapYearAndQuarters(t *testing.T) {
	assert.Equal(t, date(2024, time.February, 29), period.EndAnchored(date(2024, time.January, 30), period.Monthly, 30))
	assert.Equal(t, date(2024, time.March, 30), period.EndAnchored(date(2024, time.February, 29), period.Monthly, 30))
	assert.Equal(t, date(2025, time.August, 31), period.EndAnchored(date(2025, time.May, 31), period.Quarterly, 31))
	assert.Equal(t, date(2025, time.February, 28), period.EndAnchored(date(2024, time.February, 29), period.Yearly, 29))
	assert.Equal(t, date(2025, time.January, 22), period.EndAnchored(date(2025, time.January, 15), period.Weekly, 31))
	assert.Equal(t, date(2025, time.February, 15), period.EndAnchored(date(2025, time.January, 15), period.Monthly, 0))
}

func TestMonthlyEquivalent(t *testing.T) {
	price := decimal.RequireFromString("120")
	tests := []struct {
		cadence period.Cadence
		want    string
	}{
		{period.Weekly, "519.6"},
		{period.Monthly, "120"},
		{period.Quarterly, "40"},
		{period.Yearly, "10"},
	}
	for _, tt := range tests {
		t.Run(string(tt.cadence), func(t *testing.T) {
			got := period.MonthlyEquivalent(price, tt.cadence)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestParseCadence(t *testing.T) {
	c, err := period.ParseCadence("quarterly")
	require.NoError(t, err)
	assert.Equal(t, period.Quarterly, c)

	_, err = period.ParseCadence("fortnightly")
	assert.Error(t, err)
}

func TestDays(t *testing.T) {
	start := date(2026, time.April, 1)
	assert.Equal(t, 30, period.Days(start, date(2026, time.May, 1)))
	assert.Equal(t, 0, period.Days(start, start.Add(-time.Hour)))
	assert.Equal(t, 0, period.RemainingDays(date(2026, time.June, 1), date(2026, time.May, 1)))
	assert.True(t, period.Contains(start, date(2026, time.May, 1), start))
	assert.False(t, period.Contains(start, date(2026, time.May, 1), date(2026, time.May, 1)))
}
