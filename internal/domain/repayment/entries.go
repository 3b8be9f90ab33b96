package repayment

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/demand"
	"lending-engine/internal/domain/ledger"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/pkg/money"
)

// creditLine accumulates an amount against one GL head while preserving
// insertion order so entries post deterministically.
type creditLine struct {
	account loan.Account
	amount  decimal.Decimal
}

type creditSet struct {
	lines []creditLine
	index map[loan.Account]int
}

func newCreditSet() *creditSet {
	return &creditSet{index: map[loan.Account]int{}}
}

func (c *creditSet) add(account loan.Account, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	if i, ok := c.index[account]; ok {
		c.lines[i].amount = c.lines[i].amount.Add(amount)
		return
	}
	c.index[account] = len(c.lines)
	c.lines = append(c.lines, creditLine{account: account, amount: amount})
}

// postRepaymentEntries books the repayment voucher: one funding debit,
// component credits, plus the round off pair on auto closed shortfalls.
// Waivers debit their expense head instead of the payment account.
func (s *serviceImpl) postRepaymentEntries(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, r *Repayment, amounts *OutstandingAmounts, alloc *Allocation) error {
	remarks := fmt.Sprintf("%s of %s against loan %d", r.RepaymentType, r.AmountPaid, l.ID)

	var entries []ledger.Entry
	var err error
	switch {
	case r.RepaymentType.IsWaiver():
		entries, err = s.waiverEntries(l, product, r, amounts, remarks)
	case l.Status == loan.StatusWrittenOff:
		entries, err = s.writeOffRecoveryEntries(l, product, r, remarks)
	default:
		entries, err = s.paymentEntries(l, product, r, amounts, alloc, remarks)
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if err := ledger.Validate(entries); err != nil {
		return err
	}
	return s.poster.PostEntries(ctx, tx, entries, false)
}

func (s *serviceImpl) paymentEntries(l *loan.Loan, product *loan.Product, r *Repayment, amounts *OutstandingAmounts, alloc *Allocation, remarks string) ([]ledger.Entry, error) {
	funding := product.Accounts.PaymentAccount
	if r.RepaymentType == TypeSecurityDeposit {
		funding = product.Accounts.SecurityDeposit
	}
	funding, err := loan.Require(funding, "payment", product.ID)
	if err != nil {
		return nil, err
	}

	credits := newCreditSet()
	byID := demandIndex(amounts.UnpaidDemands)
	for _, det := range r.Details {
		account, err := s.settlementCreditAccount(product, byID[det.DemandID], det.Component)
		if err != nil {
			return nil, err
		}
		credits.add(account, det.PaidAmount)
	}

	if r.ExcessAmount.IsPositive() {
		excessHead := product.Accounts.CustomerRefund
		if r.AutoClosedLoan {
			// Residual overpayment on a closing loan is absorbed as a
			// waiver reversal instead of sitting in a refund payable.
			excessHead = product.Accounts.InterestWaiver
		}
		excessHead, err := loan.Require(excessHead, "excess", product.ID)
		if err != nil {
			return nil, err
		}
		credits.add(excessHead, r.ExcessAmount)
	}

	var entries []ledger.Entry
	for _, line := range credits.lines {
		entries = append(entries, ledger.BalancedPair(funding, line.account, line.amount,
			l.ID, ledger.VoucherRepayment, r.ID, r.PostingDate, remarks)...)
	}

	if r.RoundOffAmount.IsPositive() {
		roundOff, err := loan.Require(product.Accounts.RoundOff, "round off", product.ID)
		if err != nil {
			return nil, err
		}
		loanAccount, err := loan.Require(product.Accounts.LoanAccount, "loan", product.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ledger.BalancedPair(roundOff, loanAccount, r.RoundOffAmount,
			l.ID, ledger.VoucherRepayment, r.ID, r.PostingDate,
			fmt.Sprintf("Write off of closing shortfall against loan %d", l.ID))...)
	}
	return entries, nil
}

// settlementCreditAccount maps one settlement row to the head it relieves.
func (s *serviceImpl) settlementCreditAccount(product *loan.Product, d *demand.Demand, component string) (loan.Account, error) {
	if d == nil {
		switch component {
		case ComponentUnbilledInterest:
			return loan.Require(product.Accounts.InterestAccrued, "interest accrued", product.ID)
		case ComponentUnbilledPenalty:
			return loan.Require(product.Accounts.PenaltyAccrued, "penalty accrued", product.ID)
		case ComponentPrincipal:
			return loan.Require(product.Accounts.LoanAccount, "loan", product.ID)
		}
		return "", fmt.Errorf("unknown settlement component %q", component)
	}

	switch {
	case d.DemandType == demand.DemandCharges:
		return loan.Require(product.Accounts.ChargesReceivable, "charges receivable", product.ID)
	case d.DemandType == demand.DemandPenalty:
		return loan.Require(product.Accounts.PenaltyReceivable, "penalty receivable", product.ID)
	case d.DemandType == demand.DemandAdditionalInterest:
		return loan.Require(product.Accounts.AdditionalInterestReceivable, "additional interest receivable", product.ID)
	case d.DemandSubtype == demand.SubtypePrincipal:
		return loan.Require(product.Accounts.LoanAccount, "loan", product.ID)
	default:
		return loan.Require(product.Accounts.InterestReceivable, "interest receivable", product.ID)
	}
}

// waiverEntries debit the waiver expense head and relieve the receivables
// the waiver forgave. Charges waivers carry no GL of their own; the
// invoice credit note books that reversal.
func (s *serviceImpl) waiverEntries(l *loan.Loan, product *loan.Product, r *Repayment, amounts *OutstandingAmounts, remarks string) ([]ledger.Entry, error) {
	if r.RepaymentType == TypeChargesWaiver {
		return nil, nil
	}

	var expense loan.Account
	switch r.RepaymentType {
	case TypeInterestWaiver:
		expense = product.Accounts.InterestWaiver
	case TypePenaltyWaiver:
		expense = product.Accounts.PenaltyWaiver
	}
	expense, err := loan.Require(expense, "waiver", product.ID)
	if err != nil {
		return nil, err
	}

	credits := newCreditSet()
	byID := demandIndex(amounts.UnpaidDemands)
	for _, det := range r.Details {
		if !det.WaivedAmount.IsPositive() {
			continue
		}
		d := byID[det.DemandID]
		var account loan.Account
		switch {
		case d == nil && det.Component == ComponentUnbilledInterest:
			account, err = loan.Require(product.Accounts.InterestAccrued, "interest accrued", product.ID)
		case d == nil && det.Component == ComponentUnbilledPenalty:
			account, err = loan.Require(product.Accounts.PenaltyAccrued, "penalty accrued", product.ID)
		case d != nil && d.DemandType == demand.DemandAdditionalInterest:
			account, err = loan.Require(product.Accounts.AdditionalInterestReceivable, "additional interest receivable", product.ID)
		case d != nil && d.DemandType == demand.DemandPenalty:
			account, err = loan.Require(product.Accounts.PenaltyReceivable, "penalty receivable", product.ID)
		default:
			account, err = loan.Require(product.Accounts.InterestReceivable, "interest receivable", product.ID)
		}
		if err != nil {
			return nil, err
		}
		credits.add(account, det.WaivedAmount)
	}

	var entries []ledger.Entry
	for _, line := range credits.lines {
		entries = append(entries, ledger.BalancedPair(expense, line.account, line.amount,
			l.ID, ledger.VoucherRepayment, r.ID, r.PostingDate, remarks)...)
	}
	return entries, nil
}

// writeOffRecoveryEntries book collections on written off loans straight
// to recovery income; the receivable heads were relieved at write off.
func (s *serviceImpl) writeOffRecoveryEntries(l *loan.Loan, product *loan.Product, r *Repayment, remarks string) ([]ledger.Entry, error) {
	funding, err := loan.Require(product.Accounts.PaymentAccount, "payment", product.ID)
	if err != nil {
		return nil, err
	}
	recovery, err := loan.Require(product.Accounts.WriteOffRecovery, "write off recovery", product.ID)
	if err != nil {
		return nil, err
	}

	recovered := money.Round(r.AmountPaid.Sub(r.ExcessAmount))
	var entries []ledger.Entry
	if recovered.IsPositive() {
		entries = append(entries, ledger.BalancedPair(funding, recovery, recovered,
			l.ID, ledger.VoucherRepayment, r.ID, r.PostingDate, remarks)...)
	}
	if r.ExcessAmount.IsPositive() {
		refund, err := loan.Require(product.Accounts.CustomerRefund, "customer refund", product.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ledger.BalancedPair(funding, refund, r.ExcessAmount,
			l.ID, ledger.VoucherRepayment, r.ID, r.PostingDate, remarks)...)
	}
	return entries, nil
}

func demandIndex(demands []*demand.Demand) map[int64]*demand.Demand {
	byID := make(map[int64]*demand.Demand, len(demands))
	for _, d := range demands {
		byID[d.ID] = d
	}
	return byID
}
