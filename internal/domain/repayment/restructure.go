package repayment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"lending-engine/internal/domain/daycount"
	"lending-engine/internal/domain/loan"
)

// rescheduleAfterPrePayment supersedes each active schedule with a new
// plan amortizing the reduced balance over the installments still to
// come. The old plan is closed, never deleted, so backdated accrual can
// still see the principal that was in effect before the prepayment.
func (s *serviceImpl) rescheduleAfterPrePayment(ctx context.Context, tx pgx.Tx, l *loan.Loan, product *loan.Product, r *Repayment) error {
	convention, err := daycount.ParseConvention(product.DayCountConvention)
	if err != nil {
		return err
	}

	schedules, err := s.schedules.ListSchedules(ctx, tx, l.ID, loan.ScheduleActive)
	if err != nil {
		return err
	}
	remaining := l.PendingPrincipal().Sub(r.PrincipalPaid)
	if !remaining.IsPositive() {
		return nil
	}

	for _, old := range schedules {
		var future []loan.Installment
		for _, inst := range old.Installments {
			if inst.PaymentDate.After(r.PostingDate) {
				future = append(future, inst)
			}
		}
		if len(future) == 0 {
			continue
		}

		if err := s.schedules.UpdateScheduleStatusInTx(ctx, tx, old.ID, loan.ScheduleClosed); err != nil {
			return err
		}

		replacement, err := loan.BuildSchedule(loan.ScheduleParams{
			LoanID:             l.ID,
			DisbursementID:     old.DisbursementID,
			Principal:          remaining,
			AnnualRatePct:      l.RateOfInterest,
			Periods:            len(future),
			DisbursementDate:   r.PostingDate,
			RepaymentStartDate: future[0].PaymentDate,
			Convention:         convention,
			PostingDate:        r.PostingDate,
		})
		if err != nil {
			return err
		}
		created, err := s.schedules.CreateScheduleInTx(ctx, tx, replacement)
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "Restructured repayment schedule after prepayment",
			"loan_id", l.ID, "repayment_id", r.ID,
			"superseded_schedule_id", old.ID, "schedule_id", created.ID,
			"remaining_principal", remaining.String(), "periods", len(future))
	}
	return nil
}

// cancelReschedule unwinds a prepayment restructure: the schedule the
// repayment introduced is cancelled and the plan it superseded becomes
// active again.
func (s *serviceImpl) cancelReschedule(ctx context.Context, tx pgx.Tx, l *loan.Loan, r *Repayment) error {
	active, err := s.schedules.ListSchedules(ctx, tx, l.ID, loan.ScheduleActive)
	if err != nil {
		return err
	}
	cancelled := false
	for _, sched := range active {
		if sameDay(sched.PostingDate, r.PostingDate) {
			if err := s.schedules.UpdateScheduleStatusInTx(ctx, tx, sched.ID, loan.ScheduleCancelled); err != nil {
				return err
			}
			cancelled = true
		}
	}
	if !cancelled {
		return nil
	}

	closed, err := s.schedules.ListSchedules(ctx, tx, l.ID, loan.ScheduleClosed)
	if err != nil {
		return err
	}
	if len(closed) == 0 {
		return nil
	}
	// Newest posting date first; the head is the plan the prepayment
	// superseded.
	if err := s.schedules.UpdateScheduleStatusInTx(ctx, tx, closed[0].ID, loan.ScheduleActive); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Reinstated schedule after prepayment cancellation",
		"loan_id", l.ID, "repayment_id", r.ID, "schedule_id", closed[0].ID)
	return nil
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
