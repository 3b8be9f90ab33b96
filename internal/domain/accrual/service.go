package accrual

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/daycount"
	"lending-engine/internal/domain/ledger"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/domain/pipeline"
	"lending-engine/internal/infrastructure/monitoring"
	"lending-engine/internal/pkg/apperrors"
	"lending-engine/internal/pkg/money"
)

type Service interface {
	// ProcessAccrual runs penal then normal interest accrual for every loan
	// matched by the filter. Multi-loan invocations isolate failures per
	// loan; a single-loan invocation propagates them.
	ProcessAccrual(ctx context.Context, postingDate time.Time, filter loan.Filter, opts pipeline.Options) ([]int64, error)

	// AccrueLoanInTx runs the accrual cycle for one loan inside the
	// caller's transaction. The caller must already hold the loan row lock.
	AccrueLoanInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, postingDate time.Time, opts pipeline.Options) ([]int64, error)

	// ReverseAccrualsInTx cancels posted accruals with posting date on or
	// after from, newest first, reversing their ledger effect.
	ReverseAccrualsInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, from time.Time, it InterestType) ([]*InterestAccrual, error)

	// PendingNormalInterest computes interest earned but not yet posted up
	// to the given date, without creating records.
	PendingNormalInterest(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, upTo time.Time) (decimal.Decimal, error)

	// PendingPenalInterest computes penal interest that would accrue as of
	// the given date, without creating records.
	PendingPenalInterest(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, asOf time.Time) (decimal.Decimal, error)
}

type serviceImpl struct {
	loans     loan.Repository
	schedules loan.ScheduleRepository
	accruals  Repository
	overdue   OverdueDemandSource
	poster    ledger.Poster
	logger    *slog.Logger
}

func NewService(loans loan.Repository, schedules loan.ScheduleRepository, accruals Repository, overdue OverdueDemandSource, poster ledger.Poster, logger *slog.Logger) Service {
	return &serviceImpl{
		loans:     loans,
		schedules: schedules,
		accruals:  accruals,
		overdue:   overdue,
		poster:    poster,
		logger:    logger.With("component", "AccrualService"),
	}
}

func (s *serviceImpl) ProcessAccrual(ctx context.Context, postingDate time.Time, filter loan.Filter, opts pipeline.Options) ([]int64, error) {
	loanIDs, err := s.loans.ListOpenLoanIDs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans for accrual: %w", err)
	}

	var posted []int64
	batchErr := &apperrors.BatchError{}
	for _, loanID := range loanIDs {
		ids, err := s.accrueLoan(ctx, loanID, postingDate, opts)
		if err != nil {
			if len(loanIDs) > 1 {
				s.logger.ErrorContext(ctx, "Accrual failed for loan, skipping", "loan_id", loanID, "error", err)
				batchErr.Add(loanID, err)
				monitoring.RecordAccrual("failure")
				continue
			}
			return nil, err
		}
		posted = append(posted, ids...)
		monitoring.RecordAccrual("success")
	}
	return posted, batchErr.OrNil()
}

// accrueLoan wraps one loan's accrual cycle in its own transaction so a
// failing loan rolls back alone and the batch proceeds.
func (s *serviceImpl) accrueLoan(ctx context.Context, loanID int64, postingDate time.Time, opts pipeline.Options) (ids []int64, err error) {
	tx, err := s.loans.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = s.loans.RollbackTx(ctx, tx)
		}
	}()

	l, err := s.loans.GetLoanForUpdate(ctx, tx, loanID)
	if err != nil {
		return nil, err
	}
	product, err := s.loans.GetProduct(ctx, l.ProductID)
	if err != nil {
		return nil, err
	}

	ids, err = s.AccrueLoanInTx(ctx, tx, l, product, postingDate, opts)
	if err != nil {
		return nil, err
	}
	if err = s.loans.CommitTx(ctx, tx); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *serviceImpl) AccrueLoanInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, postingDate time.Time, opts pipeline.Options) ([]int64, error) {
	if !l.Status.Open() {
		return nil, nil
	}
	postingDate = l.CapToFreeze(postingDate)

	// Penal first, then normal: penal accrual reads the overdue demands as
	// they stand before today's normal interest is booked.
	penalIDs, err := s.accruePenal(ctx, tx, l, product, postingDate)
	if err != nil {
		return nil, err
	}
	normalIDs, err := s.accrueNormal(ctx, tx, l, product, postingDate)
	if err != nil {
		return nil, err
	}
	return append(penalIDs, normalIDs...), nil
}

func (s *serviceImpl) accrueNormal(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, postingDate time.Time) ([]int64, error) {
	convention, err := daycount.ParseConvention(product.DayCountConvention)
	if err != nil {
		return nil, err
	}

	schedules, err := s.schedules.ActiveSchedules(ctx, tx, l.ID, postingDate, 0)
	if err != nil {
		return nil, err
	}

	lastAccrual, err := s.lastNormalAccrualDate(ctx, tx, l)
	if err != nil {
		return nil, err
	}

	grouped, err := ComputePeriods(l, schedules, lastAccrual, postingDate)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, group := range grouped {
		scheduleLast, err := s.scheduleLastAccrualDate(ctx, tx, l, schedules, group.ScheduleID, lastAccrual)
		if err != nil {
			return nil, err
		}
		for _, p := range group.Periods {
			if p.End.Before(scheduleLast) {
				continue
			}
			if !p.Principal.IsPositive() {
				continue
			}
			interest := convention.InterestBetween(p.Principal, l.RateOfInterest, p.Start, p.End)
			rounded := money.Round(interest)
			if !rounded.IsPositive() {
				continue
			}

			record := &InterestAccrual{
				LoanID:         l.ID,
				ScheduleID:     group.ScheduleID,
				DisbursementID: group.DisbursementID,
				InterestType:   InterestNormal,
				BaseAmount:     money.Round(p.Principal),
				InterestAmount: rounded,
				RateOfInterest: l.RateOfInterest,
				StartDate:      p.Start,
				PostingDate:    p.End,
			}
			created, err := s.accruals.CreateInTx(ctx, tx, record)
			if err != nil {
				return nil, err
			}
			if err := s.postAccrualEntries(ctx, tx, l, product, created); err != nil {
				return nil, err
			}
			ids = append(ids, created.ID)
		}
	}
	return ids, nil
}

func (s *serviceImpl) accruePenal(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, postingDate time.Time) ([]int64, error) {
	penalRate := l.EffectivePenalRate(product)
	if !penalRate.IsPositive() {
		return nil, nil
	}
	convention, err := daycount.ParseConvention(product.DayCountConvention)
	if err != nil {
		return nil, err
	}

	overdue, err := s.overdue.OverdueEMIDemands(ctx, tx, l.ID, postingDate)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, od := range overdue {
		if postingDate.Before(od.DemandDate.AddDate(0, 0, product.GracePeriodDays)) {
			continue
		}

		last, err := s.accruals.LastPostingDate(ctx, tx, l.ID, InterestPenal, 0, od.InstallmentID)
		if err != nil {
			return nil, err
		}
		from := od.DemandDate
		if last != nil {
			from = last.AddDate(0, 0, 1)
		}
		days := daycount.DaysBetween(from, postingDate)
		if days <= 0 {
			continue
		}

		penal := convention.InterestForDays(od.PendingAmount, penalRate, days, postingDate)
		rounded := money.Round(penal)
		if !rounded.IsPositive() {
			continue
		}

		// Additional interest: interest-on-overdue-interest, computed on the
		// unpaid principal portion of the same installment at the loan's
		// normal rate. It lives inside the penal amount so the same day
		// range is never charged twice.
		additional := decimal.Zero
		if od.PrincipalOutstanding.IsPositive() {
			perDay := convention.PerDayInterest(od.PrincipalOutstanding, l.RateOfInterest, postingDate)
			additional = money.Round(perDay.Mul(decimal.NewFromInt(int64(days))))
			additional = money.Min(additional, rounded)
		}

		record := &InterestAccrual{
			LoanID:                   l.ID,
			ScheduleID:               od.ScheduleID,
			InstallmentID:            od.InstallmentID,
			DisbursementID:           od.DisbursementID,
			InterestType:             InterestPenal,
			BaseAmount:               money.Round(od.PendingAmount),
			InterestAmount:           rounded,
			AdditionalInterestAmount: additional,
			RateOfInterest:           penalRate,
			StartDate:                from,
			PostingDate:              postingDate,
		}
		created, err := s.accruals.CreateInTx(ctx, tx, record)
		if err != nil {
			return nil, err
		}
		if err := s.postAccrualEntries(ctx, tx, l, product, created); err != nil {
			return nil, err
		}
		ids = append(ids, created.ID)
	}
	return ids, nil
}

// postAccrualEntries books the receivable/income pair for an accrual, plus
// the suspense transfer for NPA loans. Written-off loans keep the record
// but post nothing: income recognition is suppressed for them by rule.
func (s *serviceImpl) postAccrualEntries(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, a *InterestAccrual) error {
	if l.Status == loan.StatusWrittenOff {
		return nil
	}

	var entries []ledger.Entry
	remarks := fmt.Sprintf("Interest accrued from %s to %s against loan %d",
		a.StartDate.Format("2006-01-02"), a.PostingDate.Format("2006-01-02"), l.ID)

	mainAmount := a.InterestAmount.Sub(a.AdditionalInterestAmount)
	switch a.InterestType {
	case InterestNormal:
		receivable, err := loan.Require(product.Accounts.InterestAccrued, "interest accrued", product.ID)
		if err != nil {
			return err
		}
		income, err := loan.Require(product.Accounts.InterestIncome, "interest income", product.ID)
		if err != nil {
			return err
		}
		entries = append(entries, ledger.BalancedPair(receivable, income, mainAmount,
			l.ID, ledger.VoucherInterestAccrual, a.ID, a.PostingDate, remarks)...)
		if l.IsNPA {
			entries = append(entries, s.suspenseEntries(l, product, income, mainAmount, a)...)
		}
	case InterestPenal:
		receivable, err := loan.Require(product.Accounts.PenaltyAccrued, "penalty accrued", product.ID)
		if err != nil {
			return err
		}
		income, err := loan.Require(product.Accounts.PenaltyIncome, "penalty income", product.ID)
		if err != nil {
			return err
		}
		if mainAmount.IsPositive() {
			entries = append(entries, ledger.BalancedPair(receivable, income, mainAmount,
				l.ID, ledger.VoucherInterestAccrual, a.ID, a.PostingDate, remarks)...)
			if l.IsNPA {
				entries = append(entries, s.suspenseEntries(l, product, income, mainAmount, a)...)
			}
		}
		if a.AdditionalInterestAmount.IsPositive() {
			addReceivable, err := loan.Require(product.Accounts.AdditionalInterestAccrued, "additional interest accrued", product.ID)
			if err != nil {
				return err
			}
			addIncome, err := loan.Require(product.Accounts.AdditionalInterestIncome, "additional interest income", product.ID)
			if err != nil {
				return err
			}
			entries = append(entries, ledger.BalancedPair(addReceivable, addIncome, a.AdditionalInterestAmount,
				l.ID, ledger.VoucherInterestAccrual, a.ID, a.PostingDate, remarks)...)
			if l.IsNPA {
				entries = append(entries, s.suspenseEntries(l, product, addIncome, a.AdditionalInterestAmount, a)...)
			}
		}
	}

	if len(entries) == 0 {
		return nil
	}
	if err := ledger.Validate(entries); err != nil {
		return err
	}
	return s.poster.PostEntries(ctx, tx, entries, false)
}

// suspenseEntries move recognized income to the suspense head while the
// loan is classified NPA.
func (s *serviceImpl) suspenseEntries(l *loan.Loan, product *loan.Product, income loan.Account, amount decimal.Decimal, a *InterestAccrual) []ledger.Entry {
	suspense := product.Accounts.SuspenseInterestIncome
	if suspense.Empty() {
		return nil
	}
	remarks := fmt.Sprintf("Suspense transfer for NPA loan %d", l.ID)
	return ledger.BalancedPair(income, suspense, amount, l.ID, ledger.VoucherInterestAccrual, a.ID, a.PostingDate, remarks)
}

func (s *serviceImpl) ReverseAccrualsInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, from time.Time, it InterestType) ([]*InterestAccrual, error) {
	accruals, err := s.accruals.ListFrom(ctx, tx, l.ID, from, it)
	if err != nil {
		return nil, err
	}
	for _, a := range accruals {
		if err := s.accruals.CancelInTx(ctx, tx, a.ID); err != nil {
			return nil, err
		}
		// Reversing the voucher also unwinds any suspense entries posted
		// alongside it; they share the voucher reference.
		if err := s.poster.ReverseVoucher(ctx, tx, ledger.VoucherInterestAccrual, a.ID, a.PostingDate); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "Reversed interest accrual",
			"loan_id", l.ID, "accrual_id", a.ID, "interest_type", string(a.InterestType))
	}
	return accruals, nil
}

func (s *serviceImpl) PendingNormalInterest(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, upTo time.Time) (decimal.Decimal, error) {
	convention, err := daycount.ParseConvention(product.DayCountConvention)
	if err != nil {
		return decimal.Zero, err
	}
	schedules, err := s.schedules.ActiveSchedules(ctx, tx, l.ID, upTo, 0)
	if err != nil {
		return decimal.Zero, err
	}
	lastAccrual, err := s.lastNormalAccrualDate(ctx, tx, l)
	if err != nil {
		return decimal.Zero, err
	}
	grouped, err := ComputePeriods(l, schedules, lastAccrual, upTo)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, group := range grouped {
		for _, p := range group.Periods {
			if !p.Principal.IsPositive() {
				continue
			}
			total = total.Add(money.Round(convention.InterestBetween(p.Principal, l.RateOfInterest, p.Start, p.End)))
		}
	}
	return total, nil
}

func (s *serviceImpl) PendingPenalInterest(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, asOf time.Time) (decimal.Decimal, error) {
	penalRate := l.EffectivePenalRate(product)
	if !penalRate.IsPositive() {
		return decimal.Zero, nil
	}
	convention, err := daycount.ParseConvention(product.DayCountConvention)
	if err != nil {
		return decimal.Zero, err
	}
	asOf = l.CapToFreeze(asOf)

	overdue, err := s.overdue.OverdueEMIDemands(ctx, tx, l.ID, asOf)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, od := range overdue {
		if asOf.Before(od.DemandDate.AddDate(0, 0, product.GracePeriodDays)) {
			continue
		}
		last, err := s.accruals.LastPostingDate(ctx, tx, l.ID, InterestPenal, 0, od.InstallmentID)
		if err != nil {
			return decimal.Zero, err
		}
		from := od.DemandDate
		if last != nil {
			from = last.AddDate(0, 0, 1)
		}
		days := daycount.DaysBetween(from, asOf)
		if days <= 0 {
			continue
		}
		total = total.Add(money.Round(convention.InterestForDays(od.PendingAmount, penalRate, days, asOf)))
	}
	return total, nil
}

// lastNormalAccrualDate derives the first day not yet accrued: the day
// after the newest posted normal accrual, or the disbursement date when
// nothing has been posted.
func (s *serviceImpl) lastNormalAccrualDate(ctx context.Context, tx pgx.Tx, l *loan.Loan) (time.Time, error) {
	last, err := s.accruals.LastPostingDate(ctx, tx, l.ID, InterestNormal, 0, 0)
	if err != nil {
		return time.Time{}, err
	}
	if last != nil {
		return last.AddDate(0, 0, 1), nil
	}
	return l.DisbursementDate, nil
}

// scheduleLastAccrualDate narrows the loan-level start to one schedule:
// restructured schedules begin accruing from their own posting date.
func (s *serviceImpl) scheduleLastAccrualDate(ctx context.Context, tx pgx.Tx, l *loan.Loan, schedules []*loan.RepaymentSchedule, scheduleID int64, fallback time.Time) (time.Time, error) {
	if scheduleID == 0 {
		return fallback, nil
	}
	last, err := s.accruals.LastPostingDate(ctx, tx, l.ID, InterestNormal, scheduleID, 0)
	if err != nil {
		return time.Time{}, err
	}
	if last != nil {
		return last.AddDate(0, 0, 1), nil
	}
	for _, sched := range schedules {
		if sched.ID == scheduleID && sched.PostingDate.After(fallback) {
			return sched.PostingDate, nil
		}
	}
	return fallback, nil
}
