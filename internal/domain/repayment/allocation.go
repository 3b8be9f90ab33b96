package repayment

import (
	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/demand"
	"lending-engine/internal/pkg/money"
)

// Component names for settlement rows that target no billed demand.
const (
	ComponentUnbilledInterest = "Unbilled Interest"
	ComponentUnbilledPenalty  = "Unbilled Penalty"
	ComponentPrincipal        = "Principal"
)

// Allocation is the outcome of running an amount through the waterfall.
// The caller posts ledger entries and demand updates from it; Allocate
// itself touches nothing.
type Allocation struct {
	Details []RepaymentDetail

	PrincipalPaid decimal.Decimal
	InterestPaid  decimal.Decimal
	PenaltyPaid   decimal.Decimal
	ChargesPaid   decimal.Decimal

	// UnbilledInterestPaid and UnbilledPenaltyPaid are included in the
	// interest and penalty totals above; they are broken out because they
	// post against the accrued heads instead of the receivable heads.
	UnbilledInterestPaid decimal.Decimal
	UnbilledPenaltyPaid  decimal.Decimal

	WaivedAmount decimal.Decimal
	ExcessAmount decimal.Decimal
}

// Allocate runs the settlement waterfall: billed demands bucket by bucket
// in the configured offset order, then unbilled interest, unbilled
// penalty, principal, and finally excess. Waiver types forgive their own
// bucket only and never spill into other components.
func Allocate(rt RepaymentType, amount decimal.Decimal, amounts *OutstandingAmounts, order *CollectionOffsetOrder) *Allocation {
	if rt.IsWaiver() {
		return allocateWaiver(rt, amount, amounts)
	}

	a := &Allocation{}
	remaining := amount

	settled := make(map[int64]bool, len(amounts.UnpaidDemands))
	for _, bucket := range order.Buckets {
		if !remaining.IsPositive() {
			break
		}
		for _, d := range amounts.UnpaidDemands {
			if !remaining.IsPositive() {
				break
			}
			if settled[d.ID] || !bucket.Matches(d) {
				continue
			}
			paid := money.Min(remaining, d.OutstandingAmount)
			if !paid.IsPositive() {
				continue
			}
			settled[d.ID] = true
			remaining = remaining.Sub(paid)
			a.Details = append(a.Details, RepaymentDetail{
				DemandID:   d.ID,
				Component:  string(d.DemandSubtype),
				PaidAmount: paid,
			})
			a.addComponent(d, paid)
		}
	}

	// Remainder past billed demands only flows on types that settle
	// unbilled amounts; a plain repayment parks it as excess.
	if rt.SettlesUnbilled() {
		remaining = a.applyUnbilled(remaining, amounts)
	}

	a.ExcessAmount = money.Round(remaining)
	return a
}

func (a *Allocation) applyUnbilled(remaining decimal.Decimal, amounts *OutstandingAmounts) decimal.Decimal {
	if remaining.IsPositive() && amounts.UnbilledInterest.IsPositive() {
		paid := money.Min(remaining, amounts.UnbilledInterest)
		remaining = remaining.Sub(paid)
		a.InterestPaid = a.InterestPaid.Add(paid)
		a.UnbilledInterestPaid = paid
		a.Details = append(a.Details, RepaymentDetail{Component: ComponentUnbilledInterest, PaidAmount: paid})
	}
	if remaining.IsPositive() && amounts.UnbilledPenalty.IsPositive() {
		paid := money.Min(remaining, amounts.UnbilledPenalty)
		remaining = remaining.Sub(paid)
		a.PenaltyPaid = a.PenaltyPaid.Add(paid)
		a.UnbilledPenaltyPaid = paid
		a.Details = append(a.Details, RepaymentDetail{Component: ComponentUnbilledPenalty, PaidAmount: paid})
	}
	if remaining.IsPositive() {
		// Billed principal settled above already reduces the pending
		// balance, so only the rest of it can absorb money here.
		capacity := amounts.PendingPrincipal.Sub(a.PrincipalPaid)
		if capacity.IsPositive() {
			paid := money.Min(remaining, capacity)
			remaining = remaining.Sub(paid)
			a.PrincipalPaid = a.PrincipalPaid.Add(paid)
			a.Details = append(a.Details, RepaymentDetail{Component: ComponentPrincipal, PaidAmount: paid})
		}
	}
	return remaining
}

func (a *Allocation) addComponent(d *demand.Demand, paid decimal.Decimal) {
	switch {
	case d.DemandType == demand.DemandCharges:
		a.ChargesPaid = a.ChargesPaid.Add(paid)
	case d.DemandType == demand.DemandPenalty, d.DemandType == demand.DemandAdditionalInterest:
		a.PenaltyPaid = a.PenaltyPaid.Add(paid)
	case d.DemandSubtype == demand.SubtypePrincipal:
		a.PrincipalPaid = a.PrincipalPaid.Add(paid)
	default:
		a.InterestPaid = a.InterestPaid.Add(paid)
	}
}

// allocateWaiver forgives matching demands in order. An interest waiver
// may also forgive unbilled interest; any amount past the bucket is
// dropped rather than spilled into other components.
func allocateWaiver(rt RepaymentType, amount decimal.Decimal, amounts *OutstandingAmounts) *Allocation {
	a := &Allocation{}
	remaining := amount

	for _, d := range amounts.UnpaidDemands {
		if !remaining.IsPositive() {
			break
		}
		if !waiverMatches(rt, d) {
			continue
		}
		waived := money.Min(remaining, d.OutstandingAmount)
		if !waived.IsPositive() {
			continue
		}
		remaining = remaining.Sub(waived)
		a.WaivedAmount = a.WaivedAmount.Add(waived)
		a.Details = append(a.Details, RepaymentDetail{
			DemandID:     d.ID,
			Component:    string(d.DemandSubtype),
			WaivedAmount: waived,
		})
	}

	if remaining.IsPositive() {
		switch rt {
		case TypeInterestWaiver:
			if amounts.UnbilledInterest.IsPositive() {
				waived := money.Min(remaining, amounts.UnbilledInterest)
				a.WaivedAmount = a.WaivedAmount.Add(waived)
				a.Details = append(a.Details, RepaymentDetail{Component: ComponentUnbilledInterest, WaivedAmount: waived})
			}
		case TypePenaltyWaiver:
			if amounts.UnbilledPenalty.IsPositive() {
				waived := money.Min(remaining, amounts.UnbilledPenalty)
				a.WaivedAmount = a.WaivedAmount.Add(waived)
				a.Details = append(a.Details, RepaymentDetail{Component: ComponentUnbilledPenalty, WaivedAmount: waived})
			}
		}
	}
	return a
}

func waiverMatches(rt RepaymentType, d *demand.Demand) bool {
	switch rt {
	case TypeInterestWaiver:
		return d.DemandSubtype == demand.SubtypeInterest &&
			(d.DemandType == demand.DemandEMI || d.DemandType == demand.DemandNormal || d.DemandType == demand.DemandBPI)
	case TypePenaltyWaiver:
		return d.DemandType == demand.DemandPenalty || d.DemandType == demand.DemandAdditionalInterest
	case TypeChargesWaiver:
		return d.DemandType == demand.DemandCharges
	}
	return false
}
