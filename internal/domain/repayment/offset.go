package repayment

import (
	"context"

	"lending-engine/internal/domain/demand"
	"lending-engine/internal/domain/loan"
)

// AllocationBucket is one rung of the settlement waterfall. Buckets match
// demands, not amounts: the order of buckets decides which receivables a
// payment reaches first.
type AllocationBucket string

const (
	BucketEMI                AllocationBucket = "EMI (Principal + Interest)"
	BucketPrincipal          AllocationBucket = "Principal"
	BucketInterest           AllocationBucket = "Interest"
	BucketPenalty            AllocationBucket = "Penalty"
	BucketAdditionalInterest AllocationBucket = "Additional Interest"
	BucketCharges            AllocationBucket = "Charges"
)

// Matches reports whether a demand settles under this bucket.
func (b AllocationBucket) Matches(d *demand.Demand) bool {
	switch b {
	case BucketEMI:
		return d.DemandType == demand.DemandEMI || d.DemandType == demand.DemandBPI || d.DemandType == demand.DemandNormal
	case BucketPrincipal:
		return d.DemandSubtype == demand.SubtypePrincipal
	case BucketInterest:
		return d.DemandSubtype == demand.SubtypeInterest
	case BucketPenalty:
		return d.DemandType == demand.DemandPenalty
	case BucketAdditionalInterest:
		return d.DemandType == demand.DemandAdditionalInterest
	case BucketCharges:
		return d.DemandType == demand.DemandCharges
	}
	return false
}

// Classification selects which offset order applies to a loan.
type Classification string

const (
	ClassStandard    Classification = "Standard"
	ClassSubStandard Classification = "Sub Standard"
	ClassWrittenOff  Classification = "Written Off"
	ClassSettlement  Classification = "Settlement"
)

// Classify picks the offset order class for a loan and repayment type.
func Classify(l *loan.Loan, rt RepaymentType) Classification {
	switch {
	case rt == TypeFullSettlement || rt == TypeWriteOffSettlement:
		return ClassSettlement
	case l.Status == loan.StatusWrittenOff:
		return ClassWrittenOff
	case l.IsNPA:
		return ClassSubStandard
	default:
		return ClassStandard
	}
}

// CollectionOffsetOrder is the configured bucket sequence for one product
// and classification.
type CollectionOffsetOrder struct {
	ProductID      int64
	Classification Classification
	Buckets        []AllocationBucket
}

// OffsetOrderStore resolves the waterfall configuration. A missing order
// is fatal for the posting; there is no implicit fallback.
type OffsetOrderStore interface {
	GetOffsetOrder(ctx context.Context, productID int64, class Classification) (*CollectionOffsetOrder, error)
}

// DefaultOffsetOrder settles penalties before scheduled dues, dues before
// charges. It seeds product configuration and test fixtures; the posting
// path never falls back to it.
func DefaultOffsetOrder(productID int64, class Classification) *CollectionOffsetOrder {
	return &CollectionOffsetOrder{
		ProductID:      productID,
		Classification: class,
		Buckets: []AllocationBucket{
			BucketPenalty,
			BucketAdditionalInterest,
			BucketEMI,
			BucketCharges,
		},
	}
}
