package accrual

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type InterestType string

const (
	InterestNormal InterestType = "NORMAL"
	InterestPenal  InterestType = "PENAL"
)

// InterestAccrual records interest earned over [StartDate, PostingDate],
// both inclusive. It is immutable once posted; corrections go through
// cancellation, which reverses the exact ledger effect.
type InterestAccrual struct {
	ID             int64
	LoanID         int64
	ScheduleID     int64 // 0 for demand loans
	InstallmentID  int64 // penal accruals: the overdue installment
	DisbursementID int64
	InterestType   InterestType

	BaseAmount     decimal.Decimal // principal the interest was computed on
	InterestAmount decimal.Decimal
	// AdditionalInterestAmount is the interest-on-overdue-interest carve-out
	// inside a penal accrual. Always <= InterestAmount.
	AdditionalInterestAmount decimal.Decimal
	RateOfInterest           decimal.Decimal

	StartDate   time.Time
	PostingDate time.Time
	Cancelled   bool
	CreatedAt   time.Time
}

type Repository interface {
	CreateInTx(ctx context.Context, tx pgx.Tx, a *InterestAccrual) (*InterestAccrual, error)
	CancelInTx(ctx context.Context, tx pgx.Tx, accrualID int64) error

	// LastPostingDate returns the newest posted (not cancelled) accrual
	// date for the loan and interest type, nil when none exists. Non-zero
	// scheduleID / installmentID narrow the lookup.
	LastPostingDate(ctx context.Context, tx pgx.Tx, loanID int64, it InterestType, scheduleID, installmentID int64) (*time.Time, error)

	// ListFrom returns posted accruals with posting date on or after the
	// given date, newest first, for reversal.
	ListFrom(ctx context.Context, tx pgx.Tx, loanID int64, from time.Time, it InterestType) ([]*InterestAccrual, error)

	// ListUnbilled returns posted accruals up to asOf that no demand
	// back-references yet, oldest first. The back-reference is the
	// idempotency key: an accrual is billed at most once.
	ListUnbilled(ctx context.Context, tx pgx.Tx, loanID int64, asOf time.Time, it InterestType) ([]*InterestAccrual, error)

	// SumUnbilledInterest totals posted, undemanded interest before the
	// given date.
	SumUnbilledInterest(ctx context.Context, tx pgx.Tx, loanID int64, before time.Time, it InterestType) (decimal.Decimal, error)
}

// OverdueEMIDemand is the slice of demand state penal accrual needs: one
// row per overdue installment with its unpaid EMI amount and the unpaid
// principal portion used for the additional-interest carve-out. Supplied by
// the demand store through this interface to keep the dependency one-way.
type OverdueEMIDemand struct {
	InstallmentID        int64
	ScheduleID           int64
	DisbursementID       int64
	DemandDate           time.Time
	PendingAmount        decimal.Decimal
	PrincipalOutstanding decimal.Decimal
}

type OverdueDemandSource interface {
	OverdueEMIDemands(ctx context.Context, tx pgx.Tx, loanID int64, asOf time.Time) ([]OverdueEMIDemand, error)
}
