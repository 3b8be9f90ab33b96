package repayment

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"lending-engine/internal/domain/accrual"
	"lending-engine/internal/domain/demand"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/domain/pipeline"
	"lending-engine/internal/infrastructure/monitoring"
)

// RepostResult summarizes one repost run.
type RepostResult struct {
	LoanID              int64
	FromDate            time.Time
	CancelledRepayments int
	CancelledDemands    int
	CancelledAccruals   int
	ReplayedRepayments  int
}

type RepostService interface {
	// Repost rebuilds a loan's financial history from the given date: every
	// repayment, demand and accrual posted on or after it is cancelled
	// newest first, then the timeline is replayed oldest first with
	// notifications and invoice side effects suppressed. The whole rebuild
	// is one transaction; a failing replay leaves history untouched.
	Repost(ctx context.Context, loanID int64, fromDate, throughDate time.Time) (*RepostResult, error)
}

type repostServiceImpl struct {
	loans      loan.Repository
	accruals   accrual.Service
	demands    demand.Service
	repayments Service
	store      Repository
	logger     *slog.Logger
}

func NewRepostService(loans loan.Repository, accruals accrual.Service, demands demand.Service, repayments Service, store Repository, logger *slog.Logger) RepostService {
	return &repostServiceImpl{
		loans:      loans,
		accruals:   accruals,
		demands:    demands,
		repayments: repayments,
		store:      store,
		logger:     logger.With("component", "RepostService"),
	}
}

func (s *repostServiceImpl) Repost(ctx context.Context, loanID int64, fromDate, throughDate time.Time) (result *RepostResult, err error) {
	opts := pipeline.Options{SuppressSideEffects: true}

	tx, err := s.loans.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = s.loans.RollbackTx(ctx, tx)
			monitoring.RecordRepost("failure")
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

	result = &RepostResult{LoanID: loanID, FromDate: fromDate}

	// Cancel phase, newest first: repayments unwind demand settlements and
	// totals, which lets demands reverse cleanly, which in turn frees the
	// accruals they billed.
	replayable, err := s.cancelPhase(ctx, tx, l, fromDate, opts, result)
	if err != nil {
		return nil, err
	}

	// Replay phase, oldest first. The loan row is re-read before every
	// step so each replayed posting sees the balances its predecessors
	// left behind.
	if err = s.replayPhase(ctx, tx, l.ID, product, replayable, throughDate, opts, result); err != nil {
		return nil, err
	}

	if err = s.loans.CommitTx(ctx, tx); err != nil {
		return nil, err
	}
	monitoring.RecordRepost("success")
	s.logger.InfoContext(ctx, "Reposted loan history",
		"loan_id", loanID, "from_date", fromDate.Format("2006-01-02"),
		"cancelled_repayments", result.CancelledRepayments,
		"cancelled_demands", result.CancelledDemands,
		"cancelled_accruals", result.CancelledAccruals,
		"replayed_repayments", result.ReplayedRepayments)
	return result, nil
}

func (s *repostServiceImpl) cancelPhase(ctx context.Context, tx pgx.Tx, l *loan.Loan, fromDate time.Time, opts pipeline.Options, result *RepostResult) ([]*Repayment, error) {
	affected, err := s.store.ListFrom(ctx, tx, l.ID, fromDate)
	if err != nil {
		return nil, err
	}
	for _, r := range affected {
		if err := s.repayments.CancelInTx(ctx, tx, l, r, opts); err != nil {
			return nil, err
		}
		result.CancelledRepayments++
	}

	reversedDemands, err := s.demands.ReverseDemandsInTx(ctx, tx, l, fromDate, opts)
	if err != nil {
		return nil, err
	}
	result.CancelledDemands = len(reversedDemands)

	for _, it := range []accrual.InterestType{accrual.InterestPenal, accrual.InterestNormal} {
		reversed, err := s.accruals.ReverseAccrualsInTx(ctx, tx, l, fromDate, it)
		if err != nil {
			return nil, err
		}
		result.CancelledAccruals += len(reversed)
	}

	// Replay order is strictly by posting date, oldest first, with the
	// original creation order breaking ties.
	sort.SliceStable(affected, func(i, j int) bool {
		return affected[i].PostingDate.Before(affected[j].PostingDate)
	})
	return affected, nil
}

func (s *repostServiceImpl) replayPhase(ctx context.Context, tx pgx.Tx, loanID int64, product *loan.Product, replayable []*Repayment, throughDate time.Time, opts pipeline.Options, result *RepostResult) error {
	for _, original := range replayable {
		l, err := s.loans.GetLoanForUpdate(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if _, err := s.accruals.AccrueLoanInTx(ctx, tx, l, product, original.PostingDate, opts); err != nil {
			return err
		}
		if _, err := s.demands.GenerateForLoanInTx(ctx, tx, l, product, original.PostingDate, opts); err != nil {
			return err
		}
		req := SubmitRequest{
			LoanID:          loanID,
			RepaymentType:   original.RepaymentType,
			PostingDate:     original.PostingDate,
			Amount:          original.AmountPaid,
			ReferenceNumber: original.ReferenceNumber,
		}
		if _, err := s.repayments.ApplyInTx(ctx, tx, l, product, req, opts); err != nil {
			return err
		}
		result.ReplayedRepayments++
	}

	// Bring accrual and billing back up to where history originally stood.
	l, err := s.loans.GetLoanForUpdate(ctx, tx, loanID)
	if err != nil {
		return err
	}
	if !l.Status.Open() {
		return nil
	}
	if _, err := s.accruals.AccrueLoanInTx(ctx, tx, l, product, throughDate, opts); err != nil {
		return err
	}
	if _, err := s.demands.GenerateForLoanInTx(ctx, tx, l, product, throughDate, opts); err != nil {
		return err
	}
	return nil
}
