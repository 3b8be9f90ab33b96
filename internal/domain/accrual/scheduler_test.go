package accrual

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lending-engine/internal/domain/loan"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func termLoanFixture() (*loan.Loan, []*loan.RepaymentSchedule) {
	l := &loan.Loan{
		ID:               1,
		TermType:         loan.TermAmortizing,
		AccrualFrequency: loan.FrequencyMonthly,
		DisbursedAmount:  decimal.NewFromInt(280_000),
	}
	sched := &loan.RepaymentSchedule{
		ID:               10,
		LoanID:           1,
		Status:           loan.ScheduleActive,
		OpeningPrincipal: decimal.NewFromInt(280_000),
		PostingDate:      date(2025, 1, 27),
		MaturityDate:     date(2025, 4, 27),
		Installments: []loan.Installment{
			{PaymentDate: date(2025, 2, 27), BalanceAmount: decimal.NewFromInt(266_946)},
			{PaymentDate: date(2025, 3, 27), BalanceAmount: decimal.NewFromInt(253_614)},
			{PaymentDate: date(2025, 4, 27), BalanceAmount: decimal.Zero},
		},
	}
	return l, []*loan.RepaymentSchedule{sched}
}

func TestComputePeriods(t *testing.T) {
	t.Run("should break on installments and month boundaries", func(t *testing.T) {
		l, schedules := termLoanFixture()

		got, err := ComputePeriods(l, schedules, date(2025, 1, 27), date(2025, 3, 10))
		require.NoError(t, err)
		require.Len(t, got, 1)
		periods := got[0].Periods

		require.Len(t, periods, 4)
		assert.Equal(t, date(2025, 1, 27), periods[0].Start)
		assert.Equal(t, date(2025, 1, 31), periods[0].End)
		assert.Equal(t, date(2025, 2, 1), periods[1].Start)
		assert.Equal(t, date(2025, 2, 26), periods[1].End)
		assert.Equal(t, date(2025, 2, 27), periods[2].Start)
		assert.Equal(t, date(2025, 2, 28), periods[2].End)
		assert.Equal(t, date(2025, 3, 1), periods[3].Start)
		assert.Equal(t, date(2025, 3, 10), periods[3].End)

		// Principal steps down once the February installment falls due.
		assert.Equal(t, "280000", periods[0].Principal.String())
		assert.Equal(t, "280000", periods[1].Principal.String())
		assert.Equal(t, "266946", periods[2].Principal.String())
		assert.Equal(t, "266946", periods[3].Principal.String())
	})

	t.Run("should produce contiguous periods covering the window", func(t *testing.T) {
		l, schedules := termLoanFixture()
		l.AccrualFrequency = loan.FrequencyWeekly

		got, err := ComputePeriods(l, schedules, date(2025, 1, 27), date(2025, 3, 10))
		require.NoError(t, err)
		require.Len(t, got, 1)
		periods := got[0].Periods

		expected := date(2025, 1, 27)
		for _, p := range periods {
			assert.Equal(t, expected, p.Start)
			assert.False(t, p.End.Before(p.Start))
			expected = p.End.AddDate(0, 0, 1)
		}
		assert.Equal(t, date(2025, 3, 10), periods[len(periods)-1].End)
	})

	t.Run("should stop accruing on the eve of maturity", func(t *testing.T) {
		l, schedules := termLoanFixture()

		got, err := ComputePeriods(l, schedules, date(2025, 4, 1), date(2025, 6, 1))
		require.NoError(t, err)
		require.Len(t, got, 1)
		periods := got[0].Periods

		assert.Equal(t, date(2025, 4, 26), periods[len(periods)-1].End)
	})

	t.Run("should clamp the window to the freeze date", func(t *testing.T) {
		l, schedules := termLoanFixture()
		freeze := date(2025, 2, 15)
		l.FreezeDate = &freeze

		got, err := ComputePeriods(l, schedules, date(2025, 1, 27), date(2025, 3, 10))
		require.NoError(t, err)
		require.Len(t, got, 1)
		periods := got[0].Periods
		assert.Equal(t, date(2025, 2, 15), periods[len(periods)-1].End)
	})

	t.Run("should skip schedules that are not active", func(t *testing.T) {
		l, schedules := termLoanFixture()
		schedules[0].Status = loan.ScheduleClosed

		got, err := ComputePeriods(l, schedules, date(2025, 1, 27), date(2025, 3, 10))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("should return nothing when already accrued past the window", func(t *testing.T) {
		l, schedules := termLoanFixture()

		got, err := ComputePeriods(l, schedules, date(2025, 3, 11), date(2025, 3, 10))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("demand loans accrue on pending principal in one period", func(t *testing.T) {
		l := &loan.Loan{
			ID:                 2,
			TermType:           loan.TermDemand,
			DisbursedAmount:    decimal.NewFromInt(50_000),
			TotalPrincipalPaid: decimal.NewFromInt(10_000),
		}

		got, err := ComputePeriods(l, nil, date(2025, 1, 1), date(2025, 1, 31))
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Len(t, got[0].Periods, 1)

		p := got[0].Periods[0]
		assert.Equal(t, date(2025, 1, 1), p.Start)
		assert.Equal(t, date(2025, 1, 31), p.End)
		assert.Equal(t, "40000.00", p.Principal.StringFixed(2))
		assert.Zero(t, got[0].ScheduleID)
	})
}
