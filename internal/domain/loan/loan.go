package loan

import (
	"time"

	"github.com/shopspring/decimal"

	"lending-engine/internal/pkg/money"
)

type LoanStatus string

const (
	StatusSanctioned LoanStatus = "SANCTIONED"
	StatusDisbursed  LoanStatus = "DISBURSED"
	StatusActive     LoanStatus = "ACTIVE"
	StatusClosed     LoanStatus = "CLOSED"
	StatusSettled    LoanStatus = "SETTLED"
	StatusWrittenOff LoanStatus = "WRITTEN_OFF"
)

// Open reports whether the loan still participates in the accrual/demand
// pipeline.
func (s LoanStatus) Open() bool {
	switch s {
	case StatusDisbursed, StatusActive, StatusWrittenOff:
		return true
	case StatusSanctioned, StatusClosed, StatusSettled:
		return false
	}
	return false
}

type TermType string

const (
	TermAmortizing   TermType = "AMORTIZING"
	TermDemand       TermType = "DEMAND"
	TermLineOfCredit TermType = "LINE_OF_CREDIT"
)

func (t TermType) IsTermLoan() bool {
	return t == TermAmortizing || t == TermLineOfCredit
}

type AccrualFrequency string

const (
	FrequencyDaily   AccrualFrequency = "DAILY"
	FrequencyWeekly  AccrualFrequency = "WEEKLY"
	FrequencyMonthly AccrualFrequency = "MONTHLY"
)

// Loan is the aggregate root. All mutation happens inside the per-loan
// pipeline under a row lock; nothing outside this module writes these rows.
type Loan struct {
	ID                int64
	ProductID         int64
	PrincipalAmount   decimal.Decimal
	DisbursedAmount   decimal.Decimal
	RateOfInterest    decimal.Decimal // annual percentage
	PenalInterestRate decimal.Decimal // annual percentage, zero means product default
	TermType          TermType
	Status            LoanStatus
	AccrualFrequency  AccrualFrequency
	IsNPA             bool

	DisbursementDate   time.Time
	RepaymentStartDate time.Time
	FreezeDate         *time.Time // interest stops accruing past this date
	ClosureDate        *time.Time
	SettlementDate     *time.Time

	TotalPrincipalPaid decimal.Decimal
	TotalAmountPaid    decimal.Decimal
	ExcessAmountPaid   decimal.Decimal

	// SecurityShortfall and SecurityDepositAmount are maintained by the
	// collateral module; the engine only reads them when allocating
	// shortfall repayments and bounding deposit adjustments.
	SecurityShortfall     decimal.Decimal
	SecurityDepositAmount decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingPrincipal is the principal still owed: what was drawn down minus
// what has been repaid against principal.
func (l *Loan) PendingPrincipal() decimal.Decimal {
	return money.Round(l.DisbursedAmount.Sub(l.TotalPrincipalPaid))
}

// EffectivePenalRate falls back to the product rate when the loan does not
// override it.
func (l *Loan) EffectivePenalRate(p *Product) decimal.Decimal {
	if l.PenalInterestRate.IsPositive() {
		return l.PenalInterestRate
	}
	return p.PenalInterestRate
}

// CapToFreeze clamps a posting date to the loan's freeze date, if set and
// earlier.
func (l *Loan) CapToFreeze(postingDate time.Time) time.Time {
	if l.FreezeDate != nil && l.FreezeDate.Before(postingDate) {
		return *l.FreezeDate
	}
	return postingDate
}

// Disbursement is a single drawdown. Line-of-credit loans carry several,
// each with its own repayment schedule.
type Disbursement struct {
	ID                  int64
	LoanID              int64
	Amount              decimal.Decimal
	PrincipalAmountPaid decimal.Decimal
	DisbursementDate    time.Time
	Status              string
	CreatedAt           time.Time
}
