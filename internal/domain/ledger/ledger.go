// Package ledger defines the posting primitive the lifecycle engine drives.
// The engine never talks to the general ledger directly; it hands fully
// balanced entry sets to a Poster and trusts it to record them
// transactionally.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/loan"
	"lending-engine/internal/pkg/apperrors"
	"lending-engine/internal/pkg/money"
)

type VoucherType string

const (
	VoucherInterestAccrual VoucherType = "INTEREST_ACCRUAL"
	VoucherDemand          VoucherType = "DEMAND"
	VoucherRepayment       VoucherType = "REPAYMENT"
	VoucherWriteOff        VoucherType = "WRITE_OFF"
)

type Entry struct {
	Account     loan.Account
	Against     loan.Account
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	LoanID      int64
	VoucherType VoucherType
	VoucherID   int64
	PostingDate time.Time
	Remarks     string
}

// Poster records a balanced entry set. With cancel set, the same voucher's
// previously posted entries are reversed exactly.
type Poster interface {
	PostEntries(ctx context.Context, tx pgx.Tx, entries []Entry, cancel bool) error
	ReverseVoucher(ctx context.Context, tx pgx.Tx, voucherType VoucherType, voucherID int64, postingDate time.Time) error
}

// BalancedPair builds the debit/credit legs for one amount between two
// accounts. Every posting in the engine goes through here so a lopsided
// entry cannot be constructed by hand.
func BalancedPair(debitAccount, creditAccount loan.Account, amount decimal.Decimal, loanID int64, vt VoucherType, voucherID int64, postingDate time.Time, remarks string) []Entry {
	amount = money.Round(amount)
	return []Entry{
		{
			Account:     debitAccount,
			Against:     creditAccount,
			Debit:       amount,
			LoanID:      loanID,
			VoucherType: vt,
			VoucherID:   voucherID,
			PostingDate: postingDate,
			Remarks:     remarks,
		},
		{
			Account:     creditAccount,
			Against:     debitAccount,
			Credit:      amount,
			LoanID:      loanID,
			VoucherType: vt,
			VoucherID:   voucherID,
			PostingDate: postingDate,
			Remarks:     remarks,
		},
	}
}

// Validate checks the double-entry invariant before anything is handed to
// the Poster.
func Validate(entries []Entry) error {
	totalDebit, totalCredit := decimal.Zero, decimal.Zero
	for _, e := range entries {
		if e.Account.Empty() {
			return fmt.Errorf("%w: ledger entry with empty account", apperrors.ErrValidation)
		}
		if e.Debit.IsNegative() || e.Credit.IsNegative() {
			return fmt.Errorf("%w: ledger entry with negative amount", apperrors.ErrValidation)
		}
		totalDebit = totalDebit.Add(e.Debit)
		totalCredit = totalCredit.Add(e.Credit)
	}
	if !money.Round(totalDebit).Equal(money.Round(totalCredit)) {
		return fmt.Errorf("%w: unbalanced ledger entries, debit %s != credit %s",
			apperrors.ErrConsistency, totalDebit, totalCredit)
	}
	return nil
}
