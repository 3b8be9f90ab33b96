package repayment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/accrual"
	"lending-engine/internal/domain/demand"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/pkg/money"
)

// OutstandingAmounts is the full picture of what a loan owes at a posting
// date, as seen by allocation.
type OutstandingAmounts struct {
	UnpaidDemands []*demand.Demand

	// TotalDemandOutstanding sums open demand outstandings.
	TotalDemandOutstanding decimal.Decimal

	// PendingPrincipal is disbursed principal not yet repaid, including
	// the portion not yet billed through demands.
	PendingPrincipal decimal.Decimal

	// UnbilledInterest and UnbilledPenalty are posted accruals no demand
	// references yet.
	UnbilledInterest decimal.Decimal
	UnbilledPenalty  decimal.Decimal

	// UnaccruedInterest is interest earned between the last accrual and
	// the posting date, only computed for closure repayments.
	UnaccruedInterest decimal.Decimal

	// Payable is everything owed for a closure at this posting date.
	Payable decimal.Decimal
}

// AmountsCalculator assembles OutstandingAmounts from the demand and
// accrual stores.
type AmountsCalculator struct {
	demands  demand.Repository
	accruals accrual.Repository
	accrual  accrual.Service
}

func NewAmountsCalculator(demands demand.Repository, accruals accrual.Repository, accrualSvc accrual.Service) *AmountsCalculator {
	return &AmountsCalculator{demands: demands, accruals: accruals, accrual: accrualSvc}
}

func (c *AmountsCalculator) Compute(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, postingDate time.Time, rt RepaymentType) (*OutstandingAmounts, error) {
	// Waivers and normal repayments settle billed demands only; anything
	// that reaches unbilled amounts sees all open demands regardless of
	// date.
	var asOf *time.Time
	if !rt.SettlesUnbilled() {
		asOf = &postingDate
	}
	demands, err := c.demands.UnpaidDemands(ctx, tx, l.ID, asOf, demandTypesFor(rt))
	if err != nil {
		return nil, err
	}

	out := &OutstandingAmounts{UnpaidDemands: demands}
	billedPrincipal := decimal.Zero
	for _, d := range demands {
		out.TotalDemandOutstanding = out.TotalDemandOutstanding.Add(d.OutstandingAmount)
		if d.DemandSubtype == demand.SubtypePrincipal {
			billedPrincipal = billedPrincipal.Add(d.OutstandingAmount)
		}
	}

	out.PendingPrincipal = l.PendingPrincipal()

	out.UnbilledInterest, err = c.accruals.SumUnbilledInterest(ctx, tx, l.ID, postingDate.AddDate(0, 0, 1), accrual.InterestNormal)
	if err != nil {
		return nil, err
	}
	out.UnbilledPenalty, err = c.accruals.SumUnbilledInterest(ctx, tx, l.ID, postingDate.AddDate(0, 0, 1), accrual.InterestPenal)
	if err != nil {
		return nil, err
	}

	if rt.IsClosure() {
		out.UnaccruedInterest, err = c.accrual.PendingNormalInterest(ctx, tx, l, product, postingDate)
		if err != nil {
			return nil, err
		}
	}

	nonPrincipalDemands := out.TotalDemandOutstanding.Sub(billedPrincipal)
	out.Payable = money.Round(nonPrincipalDemands.
		Add(out.PendingPrincipal).
		Add(out.UnbilledInterest).
		Add(out.UnbilledPenalty).
		Add(out.UnaccruedInterest).
		Sub(l.ExcessAmountPaid))
	return out, nil
}

// demandTypesFor scopes which demands a repayment type can touch. Waivers
// settle only their own bucket.
func demandTypesFor(rt RepaymentType) []demand.DemandType {
	switch rt {
	case TypeInterestWaiver:
		return []demand.DemandType{demand.DemandEMI, demand.DemandNormal, demand.DemandBPI}
	case TypePenaltyWaiver:
		return []demand.DemandType{demand.DemandPenalty, demand.DemandAdditionalInterest}
	case TypeChargesWaiver, TypeChargePayment:
		return []demand.DemandType{demand.DemandCharges}
	default:
		return nil
	}
}
