package loan

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/daycount"
	"lending-engine/internal/pkg/apperrors"
	"lending-engine/internal/pkg/money"
)

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "ACTIVE"
	ScheduleClosed    ScheduleStatus = "CLOSED"
	ScheduleCancelled ScheduleStatus = "CANCELLED"
)

// RepaymentSchedule is one amortization plan. Exactly one schedule per
// (loan, disbursement) is Active at a time; restructuring supersedes the
// old plan with status Closed instead of deleting it.
type RepaymentSchedule struct {
	ID             int64
	LoanID         int64
	DisbursementID *int64
	Status         ScheduleStatus

	OpeningPrincipal decimal.Decimal
	PeriodicPayment  decimal.Decimal

	PostingDate        time.Time
	RepaymentStartDate time.Time
	MaturityDate       time.Time

	InstallmentsRaised  int
	InstallmentsPaid    int
	InstallmentsOverdue int

	Installments []Installment

	CreatedAt time.Time
}

// Installment is one schedule row. DemandGenerated is the idempotency
// latch: the generator claims it with a compare-and-set before billing.
type Installment struct {
	ID              int64
	ScheduleID      int64
	PaymentDate     time.Time
	PrincipalAmount decimal.Decimal
	InterestAmount  decimal.Decimal
	BalanceAmount   decimal.Decimal
	DemandGenerated bool
}

// PrincipalInEffectAt returns the balance applicable at the given date: the
// balance of the last installment with payment date on or before it, or
// the opening principal when none has fallen due yet.
func (s *RepaymentSchedule) PrincipalInEffectAt(date time.Time) decimal.Decimal {
	principal := s.OpeningPrincipal
	for _, inst := range s.Installments {
		if inst.PaymentDate.After(date) {
			break
		}
		principal = inst.BalanceAmount
	}
	return principal
}

type ScheduleParams struct {
	LoanID             int64
	DisbursementID     *int64
	Principal          decimal.Decimal
	AnnualRatePct      decimal.Decimal
	Periods            int
	DisbursementDate   time.Time
	RepaymentStartDate time.Time
	Convention         daycount.Convention
	PostingDate        time.Time
}

// BuildSchedule amortizes the principal over the requested number of
// monthly periods. The periodic payment comes from the standard annuity
// formula on the nominal monthly rate; each row's interest portion uses the
// actual elapsed days under the product's day-count convention, so the
// final row absorbs the residual principal.
func BuildSchedule(p ScheduleParams) (*RepaymentSchedule, error) {
	if p.Periods <= 0 {
		return nil, fmt.Errorf("%w: schedule periods must be positive", apperrors.ErrInvalidArgument)
	}
	if !p.Principal.IsPositive() {
		return nil, fmt.Errorf("%w: schedule principal must be positive", apperrors.ErrInvalidArgument)
	}
	if !p.RepaymentStartDate.After(p.DisbursementDate) {
		return nil, fmt.Errorf("%w: repayment start date must follow disbursement date", apperrors.ErrInvalidArgument)
	}

	payment := periodicPayment(p.Principal, p.AnnualRatePct, p.Periods)

	sched := &RepaymentSchedule{
		LoanID:             p.LoanID,
		DisbursementID:     p.DisbursementID,
		Status:             ScheduleActive,
		OpeningPrincipal:   p.Principal,
		PeriodicPayment:    payment,
		PostingDate:        p.PostingDate,
		RepaymentStartDate: p.RepaymentStartDate,
		Installments:       make([]Installment, 0, p.Periods),
	}

	balance := p.Principal
	periodStart := p.DisbursementDate
	for i := 0; i < p.Periods; i++ {
		paymentDate := p.RepaymentStartDate.AddDate(0, i, 0)
		days := daycount.DaysBetween(periodStart, paymentDate)
		interest := money.Round(p.Convention.InterestForDays(balance, p.AnnualRatePct, days, paymentDate))

		var principal decimal.Decimal
		if i == p.Periods-1 {
			principal = balance
		} else {
			principal = payment.Sub(interest)
		}
		if principal.GreaterThan(balance) {
			principal = balance
		}
		balance = money.Round(balance.Sub(principal))

		sched.Installments = append(sched.Installments, Installment{
			PaymentDate:     paymentDate,
			PrincipalAmount: money.Round(principal),
			InterestAmount:  interest,
			BalanceAmount:   balance,
		})
		periodStart = paymentDate
	}
	sched.MaturityDate = sched.Installments[len(sched.Installments)-1].PaymentDate

	if err := sched.Validate(); err != nil {
		return nil, err
	}
	return sched, nil
}

// Validate enforces the schedule invariants: payment dates strictly
// increase and balances strictly decrease to zero on the final row.
func (s *RepaymentSchedule) Validate() error {
	if len(s.Installments) == 0 {
		return fmt.Errorf("%w: schedule has no installments", apperrors.ErrInvalidArgument)
	}
	prevBalance := s.OpeningPrincipal
	var prevDate time.Time
	for i, inst := range s.Installments {
		if !inst.PaymentDate.After(prevDate) {
			return apperrors.NewConsistencyError(s.LoanID, "schedule validation",
				fmt.Sprintf("payment dates not strictly increasing at row %d", i))
		}
		if inst.BalanceAmount.GreaterThanOrEqual(prevBalance) {
			return apperrors.NewConsistencyError(s.LoanID, "schedule validation",
				fmt.Sprintf("balance not strictly decreasing at row %d", i))
		}
		prevDate = inst.PaymentDate
		prevBalance = inst.BalanceAmount
	}
	if !s.Installments[len(s.Installments)-1].BalanceAmount.IsZero() {
		return apperrors.NewConsistencyError(s.LoanID, "schedule validation",
			"final installment does not clear the balance")
	}
	return nil
}

func periodicPayment(principal, annualRatePct decimal.Decimal, periods int) decimal.Decimal {
	n := int64(periods)
	monthlyRate := annualRatePct.Div(decimal.NewFromInt(1200))
	if monthlyRate.IsZero() {
		return money.Round(principal.Div(decimal.NewFromInt(n)))
	}
	// payment = P * r / (1 - (1+r)^-n)
	onePlus := decimal.NewFromInt(1).Add(monthlyRate)
	compound := onePlus.Pow(decimal.NewFromInt(n))
	denominator := decimal.NewFromInt(1).Sub(decimal.NewFromInt(1).Div(compound))
	return money.Round(principal.Mul(monthlyRate).Div(denominator))
}
