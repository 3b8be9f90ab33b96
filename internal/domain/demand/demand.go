package demand

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lending-engine/internal/pkg/apperrors"
	"lending-engine/internal/pkg/money"
)

// DemandType classifies what a receivable was raised for.
type DemandType string

const (
	// DemandEMI covers scheduled installment components.
	DemandEMI DemandType = "EMI"
	// DemandNormal is interest billed outside a schedule (demand loans).
	DemandNormal DemandType = "Normal"
	// DemandPenalty is penal interest billed on an overdue installment.
	DemandPenalty DemandType = "Penalty"
	// DemandBPI is broken period interest: interest for the stub between
	// disbursement and the first full repayment period.
	DemandBPI DemandType = "BPI"
	// DemandAdditionalInterest is the interest-on-overdue-interest portion
	// carved out of a penalty.
	DemandAdditionalInterest DemandType = "Additional Interest"
	// DemandCharges covers fees billed through sales invoices.
	DemandCharges DemandType = "Charges"
)

// DemandSubtype names the component within a demand type. For charges it
// carries the charge code instead.
type DemandSubtype string

const (
	SubtypePrincipal          DemandSubtype = "Principal"
	SubtypeInterest           DemandSubtype = "Interest"
	SubtypePenalty            DemandSubtype = "Penalty"
	SubtypeAdditionalInterest DemandSubtype = "Additional Interest"
)

// Demand is a dated receivable against a loan. Outstanding always equals
// amount minus paid minus waived and never goes negative.
type Demand struct {
	ID             int64
	LoanID         int64
	ScheduleID     int64
	DisbursementID int64

	DemandType    DemandType
	DemandSubtype DemandSubtype
	DemandDate    time.Time

	Amount            decimal.Decimal
	OutstandingAmount decimal.Decimal
	PaidAmount        decimal.Decimal
	WaivedAmount      decimal.Decimal

	// Back-references. Exactly one is set per demand and acts as the
	// idempotency key: an installment component, an accrual, or an invoice
	// is billed at most once.
	InstallmentID int64
	AccrualID     int64
	InvoiceID     string

	Cancelled bool
	CreatedAt time.Time
}

// CheckConsistency validates the paid/waived/outstanding identity.
func (d *Demand) CheckConsistency() error {
	expect := money.Round(d.Amount.Sub(d.PaidAmount).Sub(d.WaivedAmount))
	if !d.OutstandingAmount.Equal(expect) || d.OutstandingAmount.IsNegative() {
		return apperrors.NewConsistencyError(d.LoanID, "demand",
			fmt.Sprintf("demand %d outstanding %s does not match amount %s - paid %s - waived %s",
				d.ID, d.OutstandingAmount, d.Amount, d.PaidAmount, d.WaivedAmount))
	}
	return nil
}

type Repository interface {
	CreateInTx(ctx context.Context, tx pgx.Tx, d *Demand) (*Demand, error)
	CancelInTx(ctx context.Context, tx pgx.Tx, demandID int64) error

	// UnpaidDemands returns open demands with positive outstanding, in
	// settlement order: demand date, disbursement, installment, type,
	// creation.
	UnpaidDemands(ctx context.Context, tx pgx.Tx, loanID int64, asOf *time.Time, types []DemandType) ([]*Demand, error)

	// ApplyPaymentInTx moves paid/waived amounts onto a demand and
	// recomputes its outstanding. Negative deltas unwind a cancelled
	// repayment.
	ApplyPaymentInTx(ctx context.Context, tx pgx.Tx, demandID int64, paidDelta, waivedDelta decimal.Decimal) error

	// ListFrom returns active demands with demand date on or after the
	// given date, newest first, for reversal.
	ListFrom(ctx context.Context, tx pgx.Tx, loanID int64, from time.Time) ([]*Demand, error)

	// LastDemandDate returns the newest active demand date for the loan
	// and type, nil when none exists.
	LastDemandDate(ctx context.Context, tx pgx.Tx, loanID int64, dt DemandType) (*time.Time, error)

	// SumOutstanding totals open outstanding for the given types, all
	// types when empty.
	SumOutstanding(ctx context.Context, tx pgx.Tx, loanID int64, types []DemandType) (decimal.Decimal, error)
}

// InvoiceReverser cancels the sales invoice behind a charges demand when
// the demand itself is reversed.
type InvoiceReverser interface {
	ReverseInvoice(ctx context.Context, tx pgx.Tx, invoiceID string) error
}
