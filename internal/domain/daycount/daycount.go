// Package daycount implements the interest day-count conventions. The
// functions are pure: no rounding happens here, callers round to currency
// precision at the point of posting.
package daycount

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lending-engine/internal/pkg/apperrors"
)

type Convention string

const (
	ActualActual Convention = "ACTUAL_ACTUAL"
	Actual365    Convention = "ACTUAL_365"
	Actual360    Convention = "ACTUAL_360"
	Thirty365    Convention = "THIRTY_365"
	Thirty360    Convention = "THIRTY_360"
)

func ParseConvention(s string) (Convention, error) {
	switch Convention(s) {
	case ActualActual, Actual365, Actual360, Thirty365, Thirty360:
		return Convention(s), nil
	case "":
		return ActualActual, nil
	}
	return "", fmt.Errorf("%w: unknown day count convention %q", apperrors.ErrInvalidArgument, s)
}

var hundred = decimal.NewFromInt(100)

// DaysInYear applies the Gregorian leap rule: divisible by 4 and not by
// 100, or divisible by 400.
func DaysInYear(year int) int {
	if (year%4 == 0 && year%100 != 0) || year%400 == 0 {
		return 366
	}
	return 365
}

func (c Convention) yearDivisor(asOf time.Time) int64 {
	switch c {
	case Actual365, Thirty365:
		return 365
	case Actual360, Thirty360:
		return 360
	case ActualActual:
		return int64(DaysInYear(asOf.Year()))
	}
	return int64(DaysInYear(asOf.Year()))
}

// PerDayInterest returns principal * rate / (divisor * 100) at full decimal
// precision. The divisor year is taken from the posting date for
// Actual/Actual.
func (c Convention) PerDayInterest(principal, annualRatePct decimal.Decimal, asOf time.Time) decimal.Decimal {
	divisor := decimal.NewFromInt(c.yearDivisor(asOf)).Mul(hundred)
	return principal.Mul(annualRatePct).Div(divisor)
}

// InterestForDays returns per-day interest times the effective day count.
// The 30/x conventions treat every period as exactly 30 days regardless of
// elapsed time.
func (c Convention) InterestForDays(principal, annualRatePct decimal.Decimal, days int, asOf time.Time) decimal.Decimal {
	effective := days
	if c == Thirty365 || c == Thirty360 {
		effective = 30
	}
	if effective <= 0 {
		return decimal.Zero
	}
	return c.PerDayInterest(principal, annualRatePct, asOf).Mul(decimal.NewFromInt(int64(effective)))
}

// InterestBetween computes interest for the inclusive period
// [from, to] the way accrual postings do: day count is date difference
// plus one.
func (c Convention) InterestBetween(principal, annualRatePct decimal.Decimal, from, to time.Time) decimal.Decimal {
	return c.InterestForDays(principal, annualRatePct, DaysBetween(from, to)+1, to)
}

// DaysBetween is the calendar-date difference to - from, ignoring clock
// time.
func DaysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}
