package loan

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lending-engine/internal/domain/daycount"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func scheduleFixtureParams() ScheduleParams {
	return ScheduleParams{
		LoanID:             1,
		Principal:          decimal.NewFromInt(280_000),
		AnnualRatePct:      decimal.RequireFromString("8.4"),
		Periods:            20,
		DisbursementDate:   date(2025, 1, 27),
		RepaymentStartDate: date(2025, 2, 27),
		Convention:         daycount.ActualActual,
		PostingDate:        date(2025, 1, 27),
	}
}

func TestBuildSchedule(t *testing.T) {
	t.Run("should amortize with the annuity payment", func(t *testing.T) {
		sched, err := BuildSchedule(scheduleFixtureParams())
		require.NoError(t, err)

		assert.Equal(t, "15051.72", sched.PeriodicPayment.StringFixed(2))
		assert.Len(t, sched.Installments, 20)
		assert.Equal(t, date(2026, 9, 27), sched.MaturityDate)
		assert.Equal(t, ScheduleActive, sched.Status)

		first := sched.Installments[0]
		assert.Equal(t, date(2025, 2, 27), first.PaymentDate)
		assert.Equal(t, "1997.59", first.InterestAmount.StringFixed(2))
		assert.Equal(t, "13054.13", first.PrincipalAmount.StringFixed(2))
		assert.Equal(t, "266945.87", first.BalanceAmount.StringFixed(2))

		fourth := sched.Installments[3]
		assert.Equal(t, "13392.17", fourth.PrincipalAmount.StringFixed(2))
		assert.Equal(t, "1659.55", fourth.InterestAmount.StringFixed(2))
		assert.Equal(t, "226979.77", fourth.BalanceAmount.StringFixed(2))

		last := sched.Installments[19]
		assert.True(t, last.BalanceAmount.IsZero())
	})

	t.Run("should clear the full principal across the rows", func(t *testing.T) {
		sched, err := BuildSchedule(scheduleFixtureParams())
		require.NoError(t, err)

		total := decimal.Zero
		for _, inst := range sched.Installments {
			total = total.Add(inst.PrincipalAmount)
		}
		assert.Equal(t, "280000.00", total.StringFixed(2))
	})

	t.Run("should divide evenly at zero interest", func(t *testing.T) {
		p := scheduleFixtureParams()
		p.Principal = decimal.NewFromInt(120_000)
		p.AnnualRatePct = decimal.Zero
		p.Periods = 12
		sched, err := BuildSchedule(p)
		require.NoError(t, err)

		assert.Equal(t, "10000.00", sched.PeriodicPayment.StringFixed(2))
		for _, inst := range sched.Installments {
			assert.True(t, inst.InterestAmount.IsZero())
		}
	})

	t.Run("should reject invalid parameters", func(t *testing.T) {
		p := scheduleFixtureParams()
		p.Periods = 0
		_, err := BuildSchedule(p)
		assert.Error(t, err)

		p = scheduleFixtureParams()
		p.Principal = decimal.Zero
		_, err = BuildSchedule(p)
		assert.Error(t, err)

		p = scheduleFixtureParams()
		p.RepaymentStartDate = p.DisbursementDate
		_, err = BuildSchedule(p)
		assert.Error(t, err)
	})
}

func TestScheduleValidate(t *testing.T) {
	t.Run("should reject non-increasing payment dates", func(t *testing.T) {
		sched := &RepaymentSchedule{
			OpeningPrincipal: decimal.NewFromInt(100),
			Installments: []Installment{
				{PaymentDate: date(2025, 2, 1), BalanceAmount: decimal.NewFromInt(50)},
				{PaymentDate: date(2025, 2, 1), BalanceAmount: decimal.Zero},
			},
		}
		assert.Error(t, sched.Validate())
	})

	t.Run("should reject a final row with balance left", func(t *testing.T) {
		sched := &RepaymentSchedule{
			OpeningPrincipal: decimal.NewFromInt(100),
			Installments: []Installment{
				{PaymentDate: date(2025, 2, 1), BalanceAmount: decimal.NewFromInt(50)},
				{PaymentDate: date(2025, 3, 1), BalanceAmount: decimal.NewFromInt(1)},
			},
		}
		assert.Error(t, sched.Validate())
	})
}

func TestPrincipalInEffectAt(t *testing.T) {
	sched := &RepaymentSchedule{
		OpeningPrincipal: decimal.NewFromInt(300),
		Installments: []Installment{
			{PaymentDate: date(2025, 2, 1), BalanceAmount: decimal.NewFromInt(200)},
			{PaymentDate: date(2025, 3, 1), BalanceAmount: decimal.NewFromInt(100)},
			{PaymentDate: date(2025, 4, 1), BalanceAmount: decimal.Zero},
		},
	}

	assert.Equal(t, "300", sched.PrincipalInEffectAt(date(2025, 1, 15)).String())
	assert.Equal(t, "200", sched.PrincipalInEffectAt(date(2025, 2, 1)).String())
	assert.Equal(t, "200", sched.PrincipalInEffectAt(date(2025, 2, 28)).String())
	assert.Equal(t, "0", sched.PrincipalInEffectAt(date(2025, 5, 1)).String())
}

func TestLoanHelpers(t *testing.T) {
	t.Run("pending principal nets repaid principal", func(t *testing.T) {
		l := &Loan{
			DisbursedAmount:    decimal.NewFromInt(280_000),
			TotalPrincipalPaid: decimal.RequireFromString("13054.13"),
		}
		assert.Equal(t, "266945.87", l.PendingPrincipal().StringFixed(2))
	})

	t.Run("cap to freeze clamps later dates only", func(t *testing.T) {
		freeze := date(2025, 6, 30)
		l := &Loan{FreezeDate: &freeze}
		assert.Equal(t, freeze, l.CapToFreeze(date(2025, 7, 15)))
		assert.Equal(t, date(2025, 6, 1), l.CapToFreeze(date(2025, 6, 1)))

		open := &Loan{}
		assert.Equal(t, date(2025, 7, 15), open.CapToFreeze(date(2025, 7, 15)))
	})

	t.Run("penal rate falls back to the product", func(t *testing.T) {
		p := &Product{PenalInterestRate: decimal.NewFromInt(24)}
		l := &Loan{}
		assert.Equal(t, "24", l.EffectivePenalRate(p).String())

		l.PenalInterestRate = decimal.NewFromInt(18)
		assert.Equal(t, "18", l.EffectivePenalRate(p).String())
	})

	t.Run("open statuses", func(t *testing.T) {
		assert.True(t, StatusDisbursed.Open())
		assert.True(t, StatusActive.Open())
		assert.True(t, StatusWrittenOff.Open())
		assert.False(t, StatusClosed.Open())
		assert.False(t, StatusSettled.Open())
		assert.False(t, StatusSanctioned.Open())
	})
}
