package demand

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/accrual"
	"lending-engine/internal/domain/ledger"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/domain/pipeline"
	"lending-engine/internal/infrastructure/monitoring"
	"lending-engine/internal/pkg/apperrors"
	"lending-engine/internal/pkg/money"
)

type Service interface {
	// ProcessDemand converts due installments and posted unbilled accruals
	// into demands for every loan matched by the filter. Multi-loan
	// invocations isolate failures per loan.
	ProcessDemand(ctx context.Context, postingDate time.Time, filter loan.Filter, opts pipeline.Options) ([]int64, error)

	// GenerateForLoanInTx runs demand generation for one loan inside the
	// caller's transaction. The caller must already hold the loan row lock.
	GenerateForLoanInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, postingDate time.Time, opts pipeline.Options) ([]int64, error)

	// ReverseDemandsInTx cancels active demands with demand date on or
	// after from, newest first, reversing ledger effect, releasing
	// installment claims and crediting back any applied invoices.
	ReverseDemandsInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, from time.Time, opts pipeline.Options) ([]*Demand, error)
}

type serviceImpl struct {
	loans     loan.Repository
	schedules loan.ScheduleRepository
	demands   Repository
	accruals  accrual.Repository
	poster    ledger.Poster
	invoices  InvoiceReverser
	logger    *slog.Logger
}

func NewService(loans loan.Repository, schedules loan.ScheduleRepository, demands Repository, accruals accrual.Repository, poster ledger.Poster, invoices InvoiceReverser, logger *slog.Logger) Service {
	return &serviceImpl{
		loans:     loans,
		schedules: schedules,
		demands:   demands,
		accruals:  accruals,
		poster:    poster,
		invoices:  invoices,
		logger:    logger.With("component", "DemandService"),
	}
}

func (s *serviceImpl) ProcessDemand(ctx context.Context, postingDate time.Time, filter loan.Filter, opts pipeline.Options) ([]int64, error) {
	loanIDs, err := s.loans.ListOpenLoanIDs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans for demand generation: %w", err)
	}

	var created []int64
	batchErr := &apperrors.BatchError{}
	for _, loanID := range loanIDs {
		ids, err := s.generateForLoan(ctx, loanID, postingDate, opts)
		if err != nil {
			if len(loanIDs) > 1 {
				s.logger.ErrorContext(ctx, "Demand generation failed for loan, skipping", "loan_id", loanID, "error", err)
				batchErr.Add(loanID, err)
				monitoring.RecordDemand("failure")
				continue
			}
			return nil, err
		}
		created = append(created, ids...)
		monitoring.RecordDemand("success")
	}
	return created, batchErr.OrNil()
}

func (s *serviceImpl) generateForLoan(ctx context.Context, loanID int64, postingDate time.Time, opts pipeline.Options) (ids []int64, err error) {
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
	ids, err = s.GenerateForLoanInTx(ctx, tx, l, product, postingDate, opts)
	if err != nil {
		return nil, err
	}
	if err = s.loans.CommitTx(ctx, tx); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *serviceImpl) GenerateForLoanInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, postingDate time.Time, opts pipeline.Options) ([]int64, error) {
	if !l.Status.Open() {
		return nil, nil
	}
	postingDate = l.CapToFreeze(postingDate)

	var ids []int64
	if l.TermType.IsTermLoan() {
		emiIDs, err := s.raiseInstallmentDemands(ctx, tx, l, product, postingDate)
		if err != nil {
			return nil, err
		}
		ids = append(ids, emiIDs...)
	} else {
		normalIDs, err := s.raiseNormalDemands(ctx, tx, l, product, postingDate)
		if err != nil {
			return nil, err
		}
		ids = append(ids, normalIDs...)
	}

	penalIDs, err := s.raisePenaltyDemands(ctx, tx, l, product, postingDate)
	if err != nil {
		return nil, err
	}
	return append(ids, penalIDs...), nil
}

// raiseInstallmentDemands turns due, unbilled installments into interest
// and principal EMI demands. The claim on the installment row is the
// idempotency gate: the first writer wins, a lost race skips the row.
func (s *serviceImpl) raiseInstallmentDemands(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, postingDate time.Time) ([]int64, error) {
	schedules, err := s.schedules.ActiveSchedules(ctx, tx, l.ID, postingDate, 0)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, sched := range schedules {
		raised := 0
		for i := range sched.Installments {
			inst := &sched.Installments[i]
			if inst.DemandGenerated || inst.PaymentDate.After(postingDate) {
				continue
			}
			claimed, err := s.schedules.ClaimInstallmentInTx(ctx, tx, inst.ID)
			if err != nil {
				return nil, err
			}
			if !claimed {
				continue
			}

			demandType := DemandEMI
			// A pre-start stub row carries only broken period interest.
			if inst.PaymentDate.Before(sched.RepaymentStartDate) && !inst.PrincipalAmount.IsPositive() {
				demandType = DemandBPI
			}

			if inst.InterestAmount.IsPositive() {
				d, err := s.createDemand(ctx, tx, l, product, &Demand{
					LoanID:         l.ID,
					ScheduleID:     sched.ID,
					DisbursementID: disbursementID(sched.DisbursementID),
					DemandType:     demandType,
					DemandSubtype:  SubtypeInterest,
					DemandDate:     inst.PaymentDate,
					Amount:         money.Round(inst.InterestAmount),
					InstallmentID:  inst.ID,
				})
				if err != nil {
					return nil, err
				}
				ids = append(ids, d.ID)
			}
			if demandType == DemandEMI && inst.PrincipalAmount.IsPositive() {
				d, err := s.createDemand(ctx, tx, l, product, &Demand{
					LoanID:         l.ID,
					ScheduleID:     sched.ID,
					DisbursementID: disbursementID(sched.DisbursementID),
					DemandType:     DemandEMI,
					DemandSubtype:  SubtypePrincipal,
					DemandDate:     inst.PaymentDate,
					Amount:         money.Round(inst.PrincipalAmount),
					InstallmentID:  inst.ID,
				})
				if err != nil {
					return nil, err
				}
				ids = append(ids, d.ID)
			}
			raised++
		}
		if raised > 0 {
			if err := s.schedules.UpdateInstallmentCountsInTx(ctx, tx, sched.ID, raised, 0, 0); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

// raiseNormalDemands bills posted unbilled normal accruals on demand
// loans. The accrual back-reference keeps each accrual billed once.
func (s *serviceImpl) raiseNormalDemands(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, postingDate time.Time) ([]int64, error) {
	unbilled, err := s.accruals.ListUnbilled(ctx, tx, l.ID, postingDate, accrual.InterestNormal)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, a := range unbilled {
		if !a.InterestAmount.IsPositive() {
			continue
		}
		d, err := s.createDemand(ctx, tx, l, product, &Demand{
			LoanID:         l.ID,
			DisbursementID: a.DisbursementID,
			DemandType:     DemandNormal,
			DemandSubtype:  SubtypeInterest,
			DemandDate:     postingDate,
			Amount:         money.Round(a.InterestAmount),
			AccrualID:      a.ID,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// raisePenaltyDemands bills posted unbilled penal accruals. The additional
// interest carve-out becomes its own demand so the waterfall can settle it
// separately.
func (s *serviceImpl) raisePenaltyDemands(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, postingDate time.Time) ([]int64, error) {
	unbilled, err := s.accruals.ListUnbilled(ctx, tx, l.ID, postingDate, accrual.InterestPenal)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, a := range unbilled {
		penalty := money.Round(a.InterestAmount.Sub(a.AdditionalInterestAmount))
		if penalty.IsPositive() {
			d, err := s.createDemand(ctx, tx, l, product, &Demand{
				LoanID:         l.ID,
				ScheduleID:     a.ScheduleID,
				DisbursementID: a.DisbursementID,
				DemandType:     DemandPenalty,
				DemandSubtype:  SubtypePenalty,
				DemandDate:     a.PostingDate,
				Amount:         penalty,
				InstallmentID:  a.InstallmentID,
				AccrualID:      a.ID,
			})
			if err != nil {
				return nil, err
			}
			ids = append(ids, d.ID)
		}
		if a.AdditionalInterestAmount.IsPositive() {
			d, err := s.createDemand(ctx, tx, l, product, &Demand{
				LoanID:         l.ID,
				ScheduleID:     a.ScheduleID,
				DisbursementID: a.DisbursementID,
				DemandType:     DemandAdditionalInterest,
				DemandSubtype:  SubtypeAdditionalInterest,
				DemandDate:     a.PostingDate,
				Amount:         money.Round(a.AdditionalInterestAmount),
				InstallmentID:  a.InstallmentID,
				AccrualID:      a.ID,
			})
			if err != nil {
				return nil, err
			}
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

func disbursementID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func (s *serviceImpl) createDemand(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, d *Demand) (*Demand, error) {
	d.OutstandingAmount = d.Amount
	if d.DemandType == DemandBPI {
		// Broken period interest is collected at disbursement, so the
		// demand is born settled: nothing outstanding to allocate against.
		d.PaidAmount = d.Amount
		d.OutstandingAmount = decimal.Zero
	}
	created, err := s.demands.CreateInTx(ctx, tx, d)
	if err != nil {
		return nil, err
	}
	if err := s.postDemandEntries(ctx, tx, l, product, created, false); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Raised loan demand",
		"loan_id", l.ID, "demand_id", created.ID,
		"demand_type", string(created.DemandType), "subtype", string(created.DemandSubtype),
		"amount", created.Amount.String(), "demand_date", created.DemandDate.Format("2006-01-02"))
	return created, nil
}

// postDemandEntries moves accrued interest to its receivable head when a
// demand is raised. Principal and charges demands carry no entries of
// their own, and written-off loans suppress posting entirely.
func (s *serviceImpl) postDemandEntries(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, d *Demand, cancel bool) error {
	if l.Status == loan.StatusWrittenOff {
		return nil
	}

	remarks := fmt.Sprintf("%s demand against loan %d for %s",
		d.DemandType, l.ID, d.DemandDate.Format("2006-01-02"))

	var entries []ledger.Entry
	switch d.DemandType {
	case DemandEMI, DemandNormal:
		if d.DemandSubtype != SubtypeInterest {
			return nil
		}
		receivable, err := loan.Require(product.Accounts.InterestReceivable, "interest receivable", product.ID)
		if err != nil {
			return err
		}
		accrued, err := loan.Require(product.Accounts.InterestAccrued, "interest accrued", product.ID)
		if err != nil {
			return err
		}
		entries = ledger.BalancedPair(receivable, accrued, d.Amount, l.ID, ledger.VoucherDemand, d.ID, d.DemandDate, remarks)
	case DemandBPI:
		// Broken period interest is billed before any accrual exists for
		// it, so the demand books income and receivable in one stroke.
		receivable, err := loan.Require(product.Accounts.InterestReceivable, "interest receivable", product.ID)
		if err != nil {
			return err
		}
		income, err := loan.Require(product.Accounts.BrokenPeriodRecovery, "broken period recovery", product.ID)
		if err != nil {
			return err
		}
		entries = ledger.BalancedPair(receivable, income, d.Amount, l.ID, ledger.VoucherDemand, d.ID, d.DemandDate, remarks)
	case DemandPenalty:
		receivable, err := loan.Require(product.Accounts.PenaltyReceivable, "penalty receivable", product.ID)
		if err != nil {
			return err
		}
		accrued, err := loan.Require(product.Accounts.PenaltyAccrued, "penalty accrued", product.ID)
		if err != nil {
			return err
		}
		entries = ledger.BalancedPair(receivable, accrued, d.Amount, l.ID, ledger.VoucherDemand, d.ID, d.DemandDate, remarks)
	case DemandAdditionalInterest:
		receivable, err := loan.Require(product.Accounts.AdditionalInterestReceivable, "additional interest receivable", product.ID)
		if err != nil {
			return err
		}
		accrued, err := loan.Require(product.Accounts.AdditionalInterestAccrued, "additional interest accrued", product.ID)
		if err != nil {
			return err
		}
		entries = ledger.BalancedPair(receivable, accrued, d.Amount, l.ID, ledger.VoucherDemand, d.ID, d.DemandDate, remarks)
	default:
		return nil
	}

	if err := ledger.Validate(entries); err != nil {
		return err
	}
	return s.poster.PostEntries(ctx, tx, entries, cancel)
}

func (s *serviceImpl) ReverseDemandsInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan, from time.Time, opts pipeline.Options) ([]*Demand, error) {
	demands, err := s.demands.ListFrom(ctx, tx, l.ID, from)
	if err != nil {
		return nil, err
	}

	released := map[int64]int{} // scheduleID -> installments released
	for _, d := range demands {
		// BPI demands are born paid; their settled amount is not a
		// repayment's doing and never blocks reversal.
		if d.DemandType != DemandBPI && (d.PaidAmount.IsPositive() || d.WaivedAmount.IsPositive()) {
			return nil, apperrors.NewConsistencyError(l.ID, "demand reversal",
				fmt.Sprintf("demand %d still has settled amounts, cancel repayments first", d.ID))
		}
		if err := s.demands.CancelInTx(ctx, tx, d.ID); err != nil {
			return nil, err
		}
		if err := s.poster.ReverseVoucher(ctx, tx, ledger.VoucherDemand, d.ID, d.DemandDate); err != nil {
			return nil, err
		}
		if d.InstallmentID != 0 && d.DemandSubtype == SubtypeInterest {
			if err := s.schedules.ReleaseInstallmentInTx(ctx, tx, d.InstallmentID); err != nil {
				return nil, err
			}
			released[d.ScheduleID]++
		}
		if d.DemandType == DemandCharges && d.InvoiceID != "" && !opts.SuppressSideEffects {
			if err := s.invoices.ReverseInvoice(ctx, tx, d.InvoiceID); err != nil {
				return nil, err
			}
		}
		s.logger.InfoContext(ctx, "Reversed loan demand",
			"loan_id", l.ID, "demand_id", d.ID, "demand_type", string(d.DemandType))
	}
	for scheduleID, count := range released {
		if err := s.schedules.UpdateInstallmentCountsInTx(ctx, tx, scheduleID, -count, 0, 0); err != nil {
			return nil, err
		}
	}
	return demands, nil
}
