package loan

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Filter narrows batch operations to a single loan or product. Zero value
// means every open loan.
type Filter struct {
	LoanID    int64
	ProductID int64
	Limit     int
}

// TotalsDelta is applied atomically to the loan's running totals. Negative
// values reverse a prior application.
type TotalsDelta struct {
	AmountPaid    decimal.Decimal
	PrincipalPaid decimal.Decimal
	ExcessPaid    decimal.Decimal
}

func (d TotalsDelta) Negate() TotalsDelta {
	return TotalsDelta{
		AmountPaid:    d.AmountPaid.Neg(),
		PrincipalPaid: d.PrincipalPaid.Neg(),
		ExcessPaid:    d.ExcessPaid.Neg(),
	}
}

type Repository interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	CommitTx(ctx context.Context, tx pgx.Tx) error
	RollbackTx(ctx context.Context, tx pgx.Tx) error

	GetLoan(ctx context.Context, loanID int64) (*Loan, error)
	// GetLoanForUpdate takes the row lock that serializes the whole
	// pipeline for one loan.
	GetLoanForUpdate(ctx context.Context, tx pgx.Tx, loanID int64) (*Loan, error)
	GetProduct(ctx context.Context, productID int64) (*Product, error)
	ListOpenLoanIDs(ctx context.Context, filter Filter) ([]int64, error)

	ApplyTotalsInTx(ctx context.Context, tx pgx.Tx, loanID int64, delta TotalsDelta) error
	UpdateLoanStatusInTx(ctx context.Context, tx pgx.Tx, loanID int64, status LoanStatus, statusDate time.Time) error

	ListDisbursements(ctx context.Context, tx pgx.Tx, loanID int64) ([]Disbursement, error)
	ApplyDisbursementPrincipalInTx(ctx context.Context, tx pgx.Tx, disbursementID int64, delta decimal.Decimal) error
}

type ScheduleRepository interface {
	// ActiveSchedules returns the Active schedules (installments loaded,
	// ordered by payment date) posted on or before asOf. A zero
	// disbursementID means all of the loan's schedules.
	ActiveSchedules(ctx context.Context, tx pgx.Tx, loanID int64, asOf time.Time, disbursementID int64) ([]*RepaymentSchedule, error)

	CreateScheduleInTx(ctx context.Context, tx pgx.Tx, schedule *RepaymentSchedule) (*RepaymentSchedule, error)
	UpdateScheduleStatusInTx(ctx context.Context, tx pgx.Tx, scheduleID int64, status ScheduleStatus) error

	// ListSchedules returns the loan's schedules in any status, newest
	// posting date first, installments loaded.
	ListSchedules(ctx context.Context, tx pgx.Tx, loanID int64, status ScheduleStatus) ([]*RepaymentSchedule, error)

	// ClaimInstallment flips demand_generated false -> true and reports
	// whether this caller won the claim. Losing the claim is not an error;
	// it means another batch already billed the row.
	ClaimInstallmentInTx(ctx context.Context, tx pgx.Tx, installmentID int64) (bool, error)
	ReleaseInstallmentInTx(ctx context.Context, tx pgx.Tx, installmentID int64) error

	UpdateInstallmentCountsInTx(ctx context.Context, tx pgx.Tx, scheduleID int64, raised, paid, overdue int) error
}
