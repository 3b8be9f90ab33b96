package loan

import (
	"fmt"

	"github.com/shopspring/decimal"

	"lending-engine/internal/pkg/apperrors"
)

// Account is a general ledger account head configured on the product. An
// empty value means not configured; posting paths that need it must fail
// with a validation error rather than post unbalanced entries.
type Account string

func (a Account) Empty() bool { return a == "" }

// ProductAccounts holds every GL head the lifecycle engine posts against.
// Configuration of the chart itself is out of scope; the engine only
// resolves names.
type ProductAccounts struct {
	LoanAccount                  Account
	PaymentAccount               Account
	InterestAccrued              Account
	InterestIncome               Account
	InterestReceivable           Account
	InterestWaiver               Account
	PenaltyAccrued               Account
	PenaltyIncome                Account
	PenaltyReceivable            Account
	PenaltyWaiver                Account
	AdditionalInterestAccrued    Account
	AdditionalInterestIncome     Account
	AdditionalInterestReceivable Account
	AdditionalInterestWaiver     Account
	SuspenseInterestIncome       Account
	BrokenPeriodRecovery         Account
	ChargesReceivable            Account
	WriteOffRecovery             Account
	CustomerRefund               Account
	RoundOff                     Account
	SecurityDeposit              Account
}

// Require returns the account or a validation error naming the missing
// configuration, matching the "fail the posting, do not retry" contract.
func Require(a Account, name string, productID int64) (Account, error) {
	if a.Empty() {
		return "", fmt.Errorf("%w: please set %s account on loan product %d",
			apperrors.ErrMissingAccount, name, productID)
	}
	return a, nil
}

// Product carries the pricing and posting configuration shared by loans of
// one kind. It is read-only during allocation.
type Product struct {
	ID                 int64
	Name               string
	PenalInterestRate  decimal.Decimal
	GracePeriodDays    int
	DayCountConvention string
	Accounts           ProductAccounts

	// AutoWriteOffTolerance is the shortfall band within which a closing
	// payment may waive the remainder and close the loan.
	AutoWriteOffTolerance decimal.Decimal
	// ExcessAcceptanceLimit is the principal overpayment band within which
	// the excess is waived instead of parked for refund.
	ExcessAcceptanceLimit decimal.Decimal
}
