package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"lending-engine/internal/domain/loan"
	"lending-engine/internal/pkg/apperrors"
)

type ScheduleRepository struct {
	db     DBPool
	logger *slog.Logger
}

var _ loan.ScheduleRepository = (*ScheduleRepository)(nil)

const scheduleColumns = `id, loan_id, disbursement_id, status, opening_principal, periodic_payment,
		posting_date, repayment_start_date, maturity_date,
		installments_raised, installments_paid, installments_overdue, created_at`

func NewScheduleRepository(db DBPool, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger.With("component", "ScheduleRepository")}
}

func (r *ScheduleRepository) ActiveSchedules(ctx context.Context, tx pgx.Tx, loanID int64, asOf time.Time, disbursementID int64) ([]*loan.RepaymentSchedule, error) {
	query := `SELECT ` + scheduleColumns + `
        FROM repayment_schedules
        WHERE loan_id = $1 AND status = $2 AND posting_date <= $3`
	args := []any{loanID, loan.ScheduleActive, asOf}
	if disbursementID != 0 {
		query += " AND disbursement_id = $4"
		args = append(args, disbursementID)
	}
	query += " ORDER BY posting_date ASC, id ASC"

	return r.querySchedules(ctx, tx, loanID, query, args)
}

func (r *ScheduleRepository) ListSchedules(ctx context.Context, tx pgx.Tx, loanID int64, status loan.ScheduleStatus) ([]*loan.RepaymentSchedule, error) {
	query := `SELECT ` + scheduleColumns + `
        FROM repayment_schedules
        WHERE loan_id = $1 AND status = $2
        ORDER BY posting_date DESC, id DESC`

	return r.querySchedules(ctx, tx, loanID, query, []any{loanID, status})
}

func (r *ScheduleRepository) querySchedules(ctx context.Context, tx pgx.Tx, loanID int64, query string, args []any) ([]*loan.RepaymentSchedule, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query repayment schedules", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	schedules := make([]*loan.RepaymentSchedule, 0)
	for rows.Next() {
		var s loan.RepaymentSchedule
		err := rows.Scan(
			&s.ID, &s.LoanID, &s.DisbursementID, &s.Status, &s.OpeningPrincipal, &s.PeriodicPayment,
			&s.PostingDate, &s.RepaymentStartDate, &s.MaturityDate,
			&s.InstallmentsRaised, &s.InstallmentsPaid, &s.InstallmentsOverdue, &s.CreatedAt,
		)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan schedule row", "loan_id", loanID, "error", err)
			return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		schedules = append(schedules, &s)
	}
	if err = rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating schedule rows", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}

	for _, s := range schedules {
		if err := r.loadInstallments(ctx, tx, s); err != nil {
			return nil, err
		}
	}
	return schedules, nil
}

func (r *ScheduleRepository) loadInstallments(ctx context.Context, tx pgx.Tx, s *loan.RepaymentSchedule) error {
	query := `
        SELECT id, schedule_id, payment_date, principal_amount, interest_amount, balance_amount, demand_generated
        FROM schedule_installments
        WHERE schedule_id = $1
        ORDER BY payment_date ASC`

	rows, err := tx.Query(ctx, query, s.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query installments", "schedule_id", s.ID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	s.Installments = s.Installments[:0]
	for rows.Next() {
		var inst loan.Installment
		err := rows.Scan(&inst.ID, &inst.ScheduleID, &inst.PaymentDate,
			&inst.PrincipalAmount, &inst.InterestAmount, &inst.BalanceAmount, &inst.DemandGenerated)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan installment row", "schedule_id", s.ID, "error", err)
			return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		s.Installments = append(s.Installments, inst)
	}
	if err = rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating installment rows", "schedule_id", s.ID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return nil
}

func (r *ScheduleRepository) CreateScheduleInTx(ctx context.Context, tx pgx.Tx, schedule *loan.RepaymentSchedule) (*loan.RepaymentSchedule, error) {
	scheduleSQL := `
        INSERT INTO repayment_schedules
            (loan_id, disbursement_id, status, opening_principal, periodic_payment,
             posting_date, repayment_start_date, maturity_date,
             installments_raised, installments_paid, installments_overdue, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, 0, NOW())
        RETURNING id, created_at`

	err := tx.QueryRow(ctx, scheduleSQL,
		schedule.LoanID, schedule.DisbursementID, schedule.Status,
		schedule.OpeningPrincipal, schedule.PeriodicPayment,
		schedule.PostingDate, schedule.RepaymentStartDate, schedule.MaturityDate,
	).Scan(&schedule.ID, &schedule.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert repayment schedule", "loan_id", schedule.LoanID, "error", err)
		return nil, translateDBError(err, r.logger)
	}

	installmentSQL := `
        INSERT INTO schedule_installments
            (schedule_id, payment_date, principal_amount, interest_amount, balance_amount, demand_generated)
        VALUES ($1, $2, $3, $4, $5, FALSE)
        RETURNING id`

	batch := &pgx.Batch{}
	for i := range schedule.Installments {
		inst := &schedule.Installments[i]
		inst.ScheduleID = schedule.ID
		batch.Queue(installmentSQL, schedule.ID, inst.PaymentDate,
			inst.PrincipalAmount, inst.InterestAmount, inst.BalanceAmount)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range schedule.Installments {
		if err := results.QueryRow().Scan(&schedule.Installments[i].ID); err != nil {
			results.Close()
			r.logger.ErrorContext(ctx, "Failed inserting schedule installment", "error", err, "entry_index", i, "schedule_id", schedule.ID)
			return nil, fmt.Errorf("%w: failed inserting installment %d: %w", apperrors.ErrDatabase, i+1, err)
		}
	}
	if err := results.Close(); err != nil {
		r.logger.ErrorContext(ctx, "Failed closing installment batch results", "error", err, "schedule_id", schedule.ID)
		return nil, fmt.Errorf("%w: closing batch results failed: %w", apperrors.ErrDatabase, err)
	}

	r.logger.InfoContext(ctx, "Repayment schedule created in DB",
		"loan_id", schedule.LoanID, "schedule_id", schedule.ID, "num_installments", len(schedule.Installments))
	return schedule, nil
}

func (r *ScheduleRepository) UpdateScheduleStatusInTx(ctx context.Context, tx pgx.Tx, scheduleID int64, status loan.ScheduleStatus) error {
	sql := `UPDATE repayment_schedules SET status = $1 WHERE id = $2`
	cmdTag, err := tx.Exec(ctx, sql, status, scheduleID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update schedule status", "schedule_id", scheduleID, "status", status, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: schedule status update affected zero rows", apperrors.ErrDatabase)
	}
	return nil
}

func (r *ScheduleRepository) ClaimInstallmentInTx(ctx context.Context, tx pgx.Tx, installmentID int64) (bool, error) {
	sql := `
        UPDATE schedule_installments
        SET demand_generated = TRUE
        WHERE id = $1 AND demand_generated = FALSE`

	cmdTag, err := tx.Exec(ctx, sql, installmentID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to claim installment", "installment_id", installmentID, "error", err)
		return false, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

func (r *ScheduleRepository) ReleaseInstallmentInTx(ctx context.Context, tx pgx.Tx, installmentID int64) error {
	sql := `UPDATE schedule_installments SET demand_generated = FALSE WHERE id = $1`
	cmdTag, err := tx.Exec(ctx, sql, installmentID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to release installment claim", "installment_id", installmentID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: installment release affected zero rows", apperrors.ErrDatabase)
	}
	return nil
}

func (r *ScheduleRepository) UpdateInstallmentCountsInTx(ctx context.Context, tx pgx.Tx, scheduleID int64, raised, paid, overdue int) error {
	sql := `
        UPDATE repayment_schedules
        SET installments_raised = installments_raised + $1,
            installments_paid = installments_paid + $2,
            installments_overdue = installments_overdue + $3
        WHERE id = $4`

	cmdTag, err := tx.Exec(ctx, sql, raised, paid, overdue, scheduleID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update installment counters", "schedule_id", scheduleID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: installment counter update affected zero rows", apperrors.ErrDatabase)
	}
	return nil
}
