package repayment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/demand"
	"lending-engine/internal/domain/ledger"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/domain/pipeline"
	"lending-engine/internal/event"
	"lending-engine/internal/infrastructure/monitoring"
	"lending-engine/internal/pkg/apperrors"
	"lending-engine/internal/pkg/money"
)

// SubmitRequest is a payment or waiver to post against a loan.
type SubmitRequest struct {
	LoanID          int64
	RepaymentType   RepaymentType
	PostingDate     time.Time
	Amount          decimal.Decimal
	ReferenceNumber string
}

type Service interface {
	SubmitRepayment(ctx context.Context, req SubmitRequest, opts pipeline.Options) (*Repayment, error)

	// Outstanding reports what a repayment of the given type would see at
	// the posting date without posting anything.
	Outstanding(ctx context.Context, loanID int64, postingDate time.Time, rt RepaymentType) (*OutstandingAmounts, error)

	// ApplyInTx posts one repayment inside the caller's transaction. The
	// caller must hold the loan row lock. Repost replays history through
	// this entry point.
	ApplyInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, req SubmitRequest, opts pipeline.Options) (*Repayment, error)

	CancelRepayment(ctx context.Context, repaymentID int64, opts pipeline.Options) error

	// CancelInTx unwinds one repayment inside the caller's transaction.
	CancelInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, r *Repayment, opts pipeline.Options) error
}

type serviceImpl struct {
	loans       loan.Repository
	schedules   loan.ScheduleRepository
	demands     demand.Repository
	repayments  Repository
	amounts     *AmountsCalculator
	offsetOrder OffsetOrderStore
	poster      ledger.Poster
	publisher   event.EventPublisher
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(loans loan.Repository, schedules loan.ScheduleRepository, demands demand.Repository, repayments Repository, amounts *AmountsCalculator, offsetOrder OffsetOrderStore, poster ledger.Poster, publisher event.EventPublisher, logger *slog.Logger) Service {
	return &serviceImpl{
		loans:       loans,
		schedules:   schedules,
		demands:     demands,
		repayments:  repayments,
		amounts:     amounts,
		offsetOrder: offsetOrder,
		poster:      poster,
		publisher:   publisher,
		logger:      logger.With("component", "RepaymentService"),
		now:         time.Now,
	}
}

func (s *serviceImpl) SubmitRepayment(ctx context.Context, req SubmitRequest, opts pipeline.Options) (r *Repayment, err error) {
	if req.ReferenceNumber == "" {
		req.ReferenceNumber = uuid.NewString()
	}

	tx, err := s.loans.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = s.loans.RollbackTx(ctx, tx)
		}
	}()

	l, err := s.loans.GetLoanForUpdate(ctx, tx, req.LoanID)
	if err != nil {
		return nil, err
	}
	product, err := s.loans.GetProduct(ctx, l.ProductID)
	if err != nil {
		return nil, err
	}

	r, err = s.ApplyInTx(ctx, tx, l, product, req, opts)
	if err != nil {
		return nil, err
	}
	if err = s.loans.CommitTx(ctx, tx); err != nil {
		return nil, err
	}

	monitoring.RecordRepayment(string(req.RepaymentType))
	if !opts.SuppressSideEffects {
		evt := event.RepaymentEvent{
			LoanID:        l.ID,
			RepaymentID:   r.ID,
			RepaymentType: string(r.RepaymentType),
			Amount:        r.AmountPaid,
			PrincipalPaid: r.PrincipalPaid,
			PostingDate:   r.PostingDate,
		}
		if pubErr := s.publisher.PublishRepaymentPosted(ctx, evt); pubErr != nil {
			s.logger.ErrorContext(ctx, "Failed to publish repayment event", "repayment_id", r.ID, "error", pubErr)
		}
	}
	return r, nil
}

func (s *serviceImpl) Outstanding(ctx context.Context, loanID int64, postingDate time.Time, rt RepaymentType) (amounts *OutstandingAmounts, err error) {
	tx, err := s.loans.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	// Read-only; nothing to commit.
	defer func() { _ = s.loans.RollbackTx(ctx, tx) }()

	l, err := s.loans.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	product, err := s.loans.GetProduct(ctx, l.ProductID)
	if err != nil {
		return nil, err
	}
	return s.amounts.Compute(ctx, tx, l, product, l.CapToFreeze(postingDate), rt)
}

func (s *serviceImpl) ApplyInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, req SubmitRequest, opts pipeline.Options) (*Repayment, error) {
	if err := s.validate(l, req); err != nil {
		return nil, err
	}
	postingDate := l.CapToFreeze(req.PostingDate)

	if !opts.SuppressSideEffects {
		later, err := s.repayments.ListFrom(ctx, tx, l.ID, postingDate)
		if err != nil {
			return nil, err
		}
		for _, prev := range later {
			if prev.PostingDate.After(postingDate) {
				return nil, fmt.Errorf("%w: repayment %d dated %s already exists, repost the loan to backdate",
					apperrors.ErrValidation, prev.ID, prev.PostingDate.Format(time.DateOnly))
			}
		}
	}

	amounts, err := s.amounts.Compute(ctx, tx, l, product, postingDate, req.RepaymentType)
	if err != nil {
		return nil, err
	}
	if err := s.validateAgainstAmounts(ctx, tx, l, product, req, amounts); err != nil {
		return nil, err
	}

	order, err := s.resolveOffsetOrder(ctx, product.ID, Classify(l, req.RepaymentType))
	if err != nil {
		return nil, err
	}
	alloc := Allocate(req.RepaymentType, req.Amount, amounts, order)

	autoClose, shortfall := s.closureOutcome(req.RepaymentType, req.Amount, amounts, product)
	if req.RepaymentType.IsClosure() && !autoClose {
		return nil, fmt.Errorf("%w: amount %s leaves %s unpaid against payable %s",
			apperrors.ErrInvalidPaymentAmount, req.Amount, shortfall, amounts.Payable)
	}

	r := &Repayment{
		LoanID:          l.ID,
		RepaymentType:   req.RepaymentType,
		PostingDate:     postingDate,
		AmountPaid:      req.Amount,
		PrincipalPaid:   money.Round(alloc.PrincipalPaid),
		InterestPaid:    money.Round(alloc.InterestPaid),
		PenaltyPaid:     money.Round(alloc.PenaltyPaid),
		ChargesPaid:     money.Round(alloc.ChargesPaid),
		ExcessAmount:    alloc.ExcessAmount,
		AutoClosedLoan:  autoClose,
		ReferenceNumber: req.ReferenceNumber,
		Details:         alloc.Details,
	}
	if autoClose && shortfall.IsPositive() {
		// The written-off remainder behaves like extra principal paid so
		// the pending balance lands on zero.
		r.RoundOffAmount = shortfall
		r.PrincipalPaid = money.Round(r.PrincipalPaid.Add(shortfall))
	}

	created, err := s.repayments.CreateInTx(ctx, tx, r)
	if err != nil {
		return nil, err
	}

	if err := s.settleDemands(ctx, tx, created); err != nil {
		return nil, err
	}
	if err := s.postRepaymentEntries(ctx, tx, l, product, created, amounts, alloc); err != nil {
		return nil, err
	}
	if err := s.loans.ApplyTotalsInTx(ctx, tx, l.ID, totalsDelta(created)); err != nil {
		return nil, err
	}
	if err := s.updatePaidCounters(ctx, tx, created, amounts, 1); err != nil {
		return nil, err
	}

	if req.RepaymentType == TypePrePayment && l.TermType.IsTermLoan() {
		if err := s.rescheduleAfterPrePayment(ctx, tx, l, product, created); err != nil {
			return nil, err
		}
	}

	if autoClose {
		if err := s.closeLoan(ctx, tx, l, created, opts); err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "Posted loan repayment",
		"loan_id", l.ID, "repayment_id", created.ID,
		"repayment_type", string(created.RepaymentType),
		"amount", created.AmountPaid.String(),
		"principal_paid", created.PrincipalPaid.String(),
		"excess", created.ExcessAmount.String(),
		"auto_closed", created.AutoClosedLoan)
	return created, nil
}

func (s *serviceImpl) validate(l *loan.Loan, req SubmitRequest) error {
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: repayment amount must be positive", apperrors.ErrInvalidPaymentAmount)
	}
	if req.PostingDate.After(s.now()) {
		return fmt.Errorf("%w: posting date %s is in the future",
			apperrors.ErrValidation, req.PostingDate.Format("2006-01-02"))
	}

	switch req.RepaymentType {
	case TypeWriteOffRecovery, TypeWriteOffSettlement:
		if l.Status != loan.StatusWrittenOff {
			return fmt.Errorf("%w: loan %d is not written off", apperrors.ErrValidation, l.ID)
		}
	default:
		if l.Status == loan.StatusWrittenOff {
			return fmt.Errorf("%w: loan %d is written off, use a write off recovery or settlement",
				apperrors.ErrValidation, l.ID)
		}
		// A charges waiver may still clean up fee demands on a closed loan.
		if !l.Status.Open() && req.RepaymentType != TypeChargesWaiver {
			return fmt.Errorf("%w: loan %d has status %s", apperrors.ErrLoanClosed, l.ID, l.Status)
		}
	}
	return nil
}

func (s *serviceImpl) validateAgainstAmounts(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, req SubmitRequest, amounts *OutstandingAmounts) error {
	switch req.RepaymentType {
	case TypeAdvancePayment:
		emi, err := s.currentEMI(ctx, tx, l)
		if err != nil {
			return err
		}
		if req.Amount.LessThan(emi) || req.Amount.GreaterThan(emi.Mul(decimal.NewFromInt(2))) {
			return fmt.Errorf("%w: advance payment must be between one and two installments (%s to %s)",
				apperrors.ErrInvalidPaymentAmount, emi, emi.Mul(decimal.NewFromInt(2)))
		}
	case TypeSecurityDeposit:
		if product.Accounts.SecurityDeposit.Empty() {
			return fmt.Errorf("%w: security deposit account not configured on product %d",
				apperrors.ErrValidation, product.ID)
		}
		limit := l.SecurityDepositAmount
		if amounts.Payable.LessThan(limit) {
			limit = amounts.Payable
		}
		if req.Amount.GreaterThan(limit) {
			return fmt.Errorf("%w: security deposit adjustment %s exceeds the adjustable amount %s",
				apperrors.ErrInvalidPaymentAmount, req.Amount, limit)
		}
	case TypeNormal:
		if product.ExcessAcceptanceLimit.IsPositive() {
			excess := req.Amount.Sub(amounts.TotalDemandOutstanding)
			if excess.GreaterThan(product.ExcessAcceptanceLimit) {
				return fmt.Errorf("%w: amount exceeds dues by %s, above the acceptance limit %s",
					apperrors.ErrInvalidPaymentAmount, excess, product.ExcessAcceptanceLimit)
			}
		}
	}
	return nil
}

// closureOutcome decides whether this payment should close the loan, and
// the shortfall it would write off doing so. Three ways in: the payment
// covers the payable, it misses by a rounding sliver under one unit, or it
// misses within the product's write off tolerance.
func (s *serviceImpl) closureOutcome(rt RepaymentType, amount decimal.Decimal, amounts *OutstandingAmounts, product *loan.Product) (bool, decimal.Decimal) {
	if rt.IsWaiver() || rt == TypeWriteOffRecovery || rt == TypeChargePayment || rt == TypeSecurityDeposit || rt == TypeAdvancePayment {
		return false, decimal.Zero
	}
	shortfall := money.Round(amounts.Payable.Sub(amount))
	switch {
	case !shortfall.IsPositive():
		if rt.IsClosure() {
			return true, decimal.Zero
		}
		// A plain repayment closes the loan only when it lands exactly on
		// everything owed.
		return amounts.Payable.IsPositive() && shortfall.IsZero(), decimal.Zero
	case shortfall.LessThan(decimal.New(1, 0)):
		return true, shortfall
	case !shortfall.GreaterThan(product.AutoWriteOffTolerance):
		return true, shortfall
	}
	return false, shortfall
}

func (s *serviceImpl) closeLoan(ctx context.Context, tx pgx.Tx, l *loan.Loan, r *Repayment, opts pipeline.Options) error {
	newStatus := loan.StatusClosed
	if r.RepaymentType == TypeFullSettlement || r.RepaymentType == TypeWriteOffSettlement {
		newStatus = loan.StatusSettled
	}
	if err := s.loans.UpdateLoanStatusInTx(ctx, tx, l.ID, newStatus, r.PostingDate); err != nil {
		return err
	}
	schedules, err := s.schedules.ActiveSchedules(ctx, tx, l.ID, r.PostingDate.AddDate(100, 0, 0), 0)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if err := s.schedules.UpdateScheduleStatusInTx(ctx, tx, sched.ID, loan.ScheduleClosed); err != nil {
			return err
		}
	}
	if !opts.SuppressSideEffects {
		evt := event.LoanStatusChangedEvent{LoanID: l.ID, OldStatus: string(l.Status), NewStatus: string(newStatus)}
		if pubErr := s.publisher.PublishLoanStatusChanged(ctx, evt); pubErr != nil {
			s.logger.ErrorContext(ctx, "Failed to publish loan status event", "loan_id", l.ID, "error", pubErr)
		}
	}
	return nil
}

// settleDemands applies detail rows onto their demands.
func (s *serviceImpl) settleDemands(ctx context.Context, tx pgx.Tx, r *Repayment) error {
	for _, det := range r.Details {
		if det.DemandID == 0 {
			continue
		}
		if err := s.demands.ApplyPaymentInTx(ctx, tx, det.DemandID, det.PaidAmount, det.WaivedAmount); err != nil {
			return err
		}
	}
	return nil
}

// updatePaidCounters bumps installments_paid on schedules whose EMI
// principal demand was fully settled by this repayment.
func (s *serviceImpl) updatePaidCounters(ctx context.Context, tx pgx.Tx, r *Repayment, amounts *OutstandingAmounts, direction int) error {
	byID := make(map[int64]*demand.Demand, len(amounts.UnpaidDemands))
	for _, d := range amounts.UnpaidDemands {
		byID[d.ID] = d
	}
	paidBySchedule := map[int64]int{}
	for _, det := range r.Details {
		d, ok := byID[det.DemandID]
		if !ok || d.DemandSubtype != demand.SubtypePrincipal || d.ScheduleID == 0 {
			continue
		}
		settled := det.PaidAmount.Add(det.WaivedAmount)
		if settled.Equal(d.OutstandingAmount) {
			paidBySchedule[d.ScheduleID]++
		}
	}
	for scheduleID, count := range paidBySchedule {
		if err := s.schedules.UpdateInstallmentCountsInTx(ctx, tx, scheduleID, 0, count*direction, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *serviceImpl) resolveOffsetOrder(ctx context.Context, productID int64, class Classification) (*CollectionOffsetOrder, error) {
	order, err := s.offsetOrder.GetOffsetOrder(ctx, productID, class)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Guessing a waterfall would silently reallocate real money, so
			// a missing order is fatal for the posting.
			return nil, fmt.Errorf("%w: no collection offset order configured for product %d classification %s",
				apperrors.ErrValidation, productID, class)
		}
		return nil, err
	}
	return order, nil
}

func (s *serviceImpl) currentEMI(ctx context.Context, tx pgx.Tx, l *loan.Loan) (decimal.Decimal, error) {
	schedules, err := s.schedules.ActiveSchedules(ctx, tx, l.ID, s.now().AddDate(100, 0, 0), 0)
	if err != nil {
		return decimal.Zero, err
	}
	if len(schedules) == 0 {
		return decimal.Zero, fmt.Errorf("%w: loan %d has no active repayment schedule", apperrors.ErrValidation, l.ID)
	}
	return schedules[0].PeriodicPayment, nil
}

func totalsDelta(r *Repayment) loan.TotalsDelta {
	delta := loan.TotalsDelta{
		PrincipalPaid: r.PrincipalPaid,
		ExcessPaid:    r.ExcessAmount,
	}
	if !r.RepaymentType.IsWaiver() {
		delta.AmountPaid = r.AmountPaid
	}
	return delta
}

func (s *serviceImpl) CancelRepayment(ctx context.Context, repaymentID int64, opts pipeline.Options) (err error) {
	tx, err := s.loans.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = s.loans.RollbackTx(ctx, tx)
		}
	}()

	r, err := s.repayments.GetRepaymentInTx(ctx, tx, repaymentID)
	if err != nil {
		return err
	}
	l, err := s.loans.GetLoanForUpdate(ctx, tx, r.LoanID)
	if err != nil {
		return err
	}
	if err = s.CancelInTx(ctx, tx, l, r, opts); err != nil {
		return err
	}
	if err = s.loans.CommitTx(ctx, tx); err != nil {
		return err
	}

	if !opts.SuppressSideEffects {
		evt := event.RepaymentEvent{
			LoanID:        l.ID,
			RepaymentID:   r.ID,
			RepaymentType: string(r.RepaymentType),
			Amount:        r.AmountPaid,
			PrincipalPaid: r.PrincipalPaid,
			PostingDate:   r.PostingDate,
		}
		if pubErr := s.publisher.PublishRepaymentCancelled(ctx, evt); pubErr != nil {
			s.logger.ErrorContext(ctx, "Failed to publish repayment cancellation event", "repayment_id", r.ID, "error", pubErr)
		}
	}
	return nil
}

func (s *serviceImpl) CancelInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, r *Repayment, opts pipeline.Options) error {
	if r.Cancelled {
		return fmt.Errorf("%w: repayment %d is already cancelled", apperrors.ErrConflict, r.ID)
	}

	if !opts.SuppressSideEffects {
		later, err := s.repayments.ListFrom(ctx, tx, l.ID, r.PostingDate)
		if err != nil {
			return err
		}
		for _, next := range later {
			if next.ID != r.ID && next.PostingDate.After(r.PostingDate) {
				return fmt.Errorf("%w: repayment %d dated %s must be cancelled first",
					apperrors.ErrConflict, next.ID, next.PostingDate.Format(time.DateOnly))
			}
		}
	}

	if err := s.repayments.CancelInTx(ctx, tx, r.ID); err != nil {
		return err
	}
	if err := s.poster.ReverseVoucher(ctx, tx, ledger.VoucherRepayment, r.ID, r.PostingDate); err != nil {
		return err
	}
	for _, det := range r.Details {
		if det.DemandID == 0 {
			continue
		}
		if err := s.demands.ApplyPaymentInTx(ctx, tx, det.DemandID,
			det.PaidAmount.Neg(), det.WaivedAmount.Neg()); err != nil {
			return err
		}
	}
	if err := s.loans.ApplyTotalsInTx(ctx, tx, l.ID, totalsDelta(r).Negate()); err != nil {
		return err
	}

	if r.RepaymentType == TypePrePayment && l.TermType.IsTermLoan() {
		if err := s.cancelReschedule(ctx, tx, l, r); err != nil {
			return err
		}
	}
	if r.AutoClosedLoan || r.RepaymentType.IsClosure() {
		reopened := loan.StatusDisbursed
		if err := s.loans.UpdateLoanStatusInTx(ctx, tx, l.ID, reopened, r.PostingDate); err != nil {
			return err
		}
	}

	s.logger.InfoContext(ctx, "Cancelled loan repayment",
		"loan_id", l.ID, "repayment_id", r.ID, "repayment_type", string(r.RepaymentType))
	return nil
}
