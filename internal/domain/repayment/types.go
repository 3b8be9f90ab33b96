package repayment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// RepaymentType drives validation, allocation scope and closure behavior.
type RepaymentType string

const (
	// TypeNormal settles billed demands only.
	TypeNormal RepaymentType = "Normal Repayment"
	// TypePrePayment settles demands and then reduces principal early,
	// triggering a reschedule on term loans.
	TypePrePayment RepaymentType = "Pre Payment"
	// TypeAdvancePayment parks future installments ahead of their due date.
	TypeAdvancePayment RepaymentType = "Advance Payment"
	// TypeLoanClosure settles everything owed including unbilled and
	// unaccrued interest, then closes the loan.
	TypeLoanClosure RepaymentType = "Loan Closure"
	// TypeFullSettlement closes the loan at a negotiated amount.
	TypeFullSettlement RepaymentType = "Full Settlement"
	// TypeWriteOffRecovery collects against a written-off loan.
	TypeWriteOffRecovery RepaymentType = "Write Off Recovery"
	// TypeWriteOffSettlement closes out a written-off loan.
	TypeWriteOffSettlement RepaymentType = "Write Off Settlement"

	TypeInterestWaiver  RepaymentType = "Interest Waiver"
	TypePenaltyWaiver   RepaymentType = "Penalty Waiver"
	TypeChargesWaiver   RepaymentType = "Charges Waiver"
	TypeChargePayment   RepaymentType = "Charge Payment"
	TypeSecurityDeposit RepaymentType = "Security Deposit Adjustment"
)

// Valid reports whether t is one of the defined repayment types.
func (t RepaymentType) Valid() bool {
	switch t {
	case TypeNormal, TypePrePayment, TypeAdvancePayment, TypeLoanClosure,
		TypeFullSettlement, TypeWriteOffRecovery, TypeWriteOffSettlement,
		TypeInterestWaiver, TypePenaltyWaiver, TypeChargesWaiver,
		TypeChargePayment, TypeSecurityDeposit:
		return true
	}
	return false
}

// IsWaiver reports whether the repayment forgives rather than collects.
func (t RepaymentType) IsWaiver() bool {
	switch t {
	case TypeInterestWaiver, TypePenaltyWaiver, TypeChargesWaiver:
		return true
	}
	return false
}

// IsClosure reports whether the repayment is expected to close the loan.
func (t RepaymentType) IsClosure() bool {
	switch t {
	case TypeLoanClosure, TypeFullSettlement, TypeWriteOffSettlement:
		return true
	}
	return false
}

// SettlesUnbilled reports whether allocation reaches past billed demands
// into unbilled interest and principal.
func (t RepaymentType) SettlesUnbilled() bool {
	switch t {
	case TypePrePayment, TypeAdvancePayment, TypeLoanClosure, TypeFullSettlement, TypeWriteOffSettlement:
		return true
	}
	return false
}

// Repayment is a posted payment or waiver against a loan.
type Repayment struct {
	ID            int64
	LoanID        int64
	RepaymentType RepaymentType
	PostingDate   time.Time

	AmountPaid      decimal.Decimal
	PrincipalPaid   decimal.Decimal
	InterestPaid    decimal.Decimal
	PenaltyPaid     decimal.Decimal
	ChargesPaid     decimal.Decimal
	ExcessAmount    decimal.Decimal
	RoundOffAmount  decimal.Decimal
	AutoClosedLoan  bool
	ReferenceNumber string

	Details   []RepaymentDetail
	Cancelled bool
	CreatedAt time.Time
}

// RepaymentDetail records how much of one demand this repayment settled.
type RepaymentDetail struct {
	ID           int64
	RepaymentID  int64
	DemandID     int64 // 0 for unbilled components
	Component    string
	PaidAmount   decimal.Decimal
	WaivedAmount decimal.Decimal
}

type Repository interface {
	CreateInTx(ctx context.Context, tx pgx.Tx, r *Repayment) (*Repayment, error)
	CancelInTx(ctx context.Context, tx pgx.Tx, repaymentID int64) error
	GetRepayment(ctx context.Context, repaymentID int64) (*Repayment, error)
	GetRepaymentInTx(ctx context.Context, tx pgx.Tx, repaymentID int64) (*Repayment, error)

	// ListFrom returns active repayments with posting date on or after the
	// given date, newest first.
	ListFrom(ctx context.Context, tx pgx.Tx, loanID int64, from time.Time) ([]*Repayment, error)
}
