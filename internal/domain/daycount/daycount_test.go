package daycount

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"lending-engine/internal/pkg/money"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseConvention(t *testing.T) {
	t.Run("should accept every defined convention", func(t *testing.T) {
		for _, s := range []string{"ACTUAL_ACTUAL", "ACTUAL_365", "ACTUAL_360", "THIRTY_365", "THIRTY_360"} {
			c, err := ParseConvention(s)
			assert.NoError(t, err)
			assert.Equal(t, Convention(s), c)
		}
	})

	t.Run("should default to actual/actual when empty", func(t *testing.T) {
		c, err := ParseConvention("")
		assert.NoError(t, err)
		assert.Equal(t, ActualActual, c)
	})

	t.Run("should reject unknown conventions", func(t *testing.T) {
		_, err := ParseConvention("ACT/ACT")
		assert.Error(t, err)
	})
}

func TestDaysInYear(t *testing.T) {
	assert.Equal(t, 366, DaysInYear(2024))
	assert.Equal(t, 365, DaysInYear(2025))
	assert.Equal(t, 365, DaysInYear(1900))
	assert.Equal(t, 366, DaysInYear(2000))
}

func TestDaysBetween(t *testing.T) {
	assert.Equal(t, 30, DaysBetween(date(2024, 1, 1), date(2024, 1, 31)))
	assert.Equal(t, 29, DaysBetween(date(2024, 2, 1), date(2024, 3, 1)))
	assert.Equal(t, 0, DaysBetween(date(2024, 1, 1), date(2024, 1, 1)))
	assert.Equal(t, -1, DaysBetween(date(2024, 1, 2), date(2024, 1, 1)))

	t.Run("should ignore clock time", func(t *testing.T) {
		from := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
		to := time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC)
		assert.Equal(t, 1, DaysBetween(from, to))
	})
}

func TestInterestForDays(t *testing.T) {
	principal := decimal.NewFromInt(1_000_000)
	rate := decimal.RequireFromString("13.5")

	t.Run("actual/actual uses the posting year's length", func(t *testing.T) {
		got := money.Round(ActualActual.InterestForDays(principal, rate, 30, date(2024, 6, 30)))
		assert.Equal(t, "11065.57", got.StringFixed(2))

		got = money.Round(ActualActual.InterestForDays(principal, rate, 30, date(2025, 6, 30)))
		assert.Equal(t, "11095.89", got.StringFixed(2))
	})

	t.Run("fixed divisors ignore the calendar", func(t *testing.T) {
		got365 := money.Round(Actual365.InterestForDays(principal, rate, 30, date(2024, 6, 30)))
		assert.Equal(t, "11095.89", got365.StringFixed(2))

		got360 := money.Round(Actual360.InterestForDays(principal, rate, 30, date(2024, 6, 30)))
		assert.Equal(t, "11250.00", got360.StringFixed(2))
	})

	t.Run("thirty conventions pin the period at 30 days", func(t *testing.T) {
		for _, days := range []int{28, 30, 31} {
			got := money.Round(Thirty360.InterestForDays(principal, rate, days, date(2024, 6, 30)))
			assert.Equal(t, "11250.00", got.StringFixed(2), "days=%d", days)
		}
	})

	t.Run("zero or negative day count accrues nothing", func(t *testing.T) {
		assert.True(t, ActualActual.InterestForDays(principal, rate, 0, date(2024, 6, 30)).IsZero())
		assert.True(t, ActualActual.InterestForDays(principal, rate, -3, date(2024, 6, 30)).IsZero())
	})
}

func TestInterestBetween(t *testing.T) {
	principal := decimal.NewFromInt(1_000_000)
	rate := decimal.RequireFromString("13.5")

	// Inclusive period: 1st through 30th is 30 accrual days.
	got := money.Round(ActualActual.InterestBetween(principal, rate, date(2024, 6, 1), date(2024, 6, 30)))
	assert.Equal(t, "11065.57", got.StringFixed(2))

	// Single day period still accrues one day.
	oneDay := money.Round(ActualActual.InterestBetween(principal, rate, date(2024, 6, 1), date(2024, 6, 1)))
	assert.Equal(t, "368.85", oneDay.StringFixed(2))
}
