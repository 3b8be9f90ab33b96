package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/accrual"
	"lending-engine/internal/pkg/apperrors"
)

type AccrualRepository struct {
	db     DBPool
	logger *slog.Logger
}

var _ accrual.Repository = (*AccrualRepository)(nil)

const accrualColumns = `id, loan_id, schedule_id, installment_id, disbursement_id, interest_type,
		base_amount, interest_amount, additional_interest_amount, rate_of_interest,
		start_date, posting_date, cancelled, created_at`

func NewAccrualRepository(db DBPool, logger *slog.Logger) *AccrualRepository {
	return &AccrualRepository{db: db, logger: logger.With("component", "AccrualRepository")}
}

func (r *AccrualRepository) CreateInTx(ctx context.Context, tx pgx.Tx, a *accrual.InterestAccrual) (*accrual.InterestAccrual, error) {
	sql := `
        INSERT INTO interest_accruals
            (loan_id, schedule_id, installment_id, disbursement_id, interest_type,
             base_amount, interest_amount, additional_interest_amount, rate_of_interest,
             start_date, posting_date, cancelled, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE, NOW())
        RETURNING id, created_at`

	err := tx.QueryRow(ctx, sql,
		a.LoanID, a.ScheduleID, a.InstallmentID, a.DisbursementID, a.InterestType,
		a.BaseAmount, a.InterestAmount, a.AdditionalInterestAmount, a.RateOfInterest,
		a.StartDate, a.PostingDate,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert interest accrual", "loan_id", a.LoanID, "error", err)
		return nil, translateDBError(err, r.logger)
	}
	return a, nil
}

func (r *AccrualRepository) CancelInTx(ctx context.Context, tx pgx.Tx, accrualID int64) error {
	sql := `UPDATE interest_accruals SET cancelled = TRUE WHERE id = $1 AND cancelled = FALSE`
	cmdTag, err := tx.Exec(ctx, sql, accrualID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to cancel interest accrual", "accrual_id", accrualID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: accrual %d not found or already cancelled", apperrors.ErrConflict, accrualID)
	}
	return nil
}

func (r *AccrualRepository) LastPostingDate(ctx context.Context, tx pgx.Tx, loanID int64, it accrual.InterestType, scheduleID, installmentID int64) (*time.Time, error) {
	query := `
        SELECT MAX(posting_date)
        FROM interest_accruals
        WHERE loan_id = $1 AND interest_type = $2 AND cancelled = FALSE`
	args := []any{loanID, it}
	if scheduleID != 0 {
		query += fmt.Sprintf(" AND schedule_id = $%d", len(args)+1)
		args = append(args, scheduleID)
	}
	if installmentID != 0 {
		query += fmt.Sprintf(" AND installment_id = $%d", len(args)+1)
		args = append(args, installmentID)
	}

	var last *time.Time
	err := tx.QueryRow(ctx, query, args...).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		r.logger.ErrorContext(ctx, "Failed to get last accrual date", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return last, nil
}

func (r *AccrualRepository) ListFrom(ctx context.Context, tx pgx.Tx, loanID int64, from time.Time, it accrual.InterestType) ([]*accrual.InterestAccrual, error) {
	query := `SELECT ` + accrualColumns + `
        FROM interest_accruals
        WHERE loan_id = $1 AND interest_type = $2 AND cancelled = FALSE AND posting_date >= $3
        ORDER BY posting_date DESC, id DESC`

	return r.queryAccruals(ctx, tx, loanID, query, []any{loanID, it, from})
}

func (r *AccrualRepository) ListUnbilled(ctx context.Context, tx pgx.Tx, loanID int64, asOf time.Time, it accrual.InterestType) ([]*accrual.InterestAccrual, error) {
	query := `SELECT ` + accrualColumns + `
        FROM interest_accruals a
        WHERE a.loan_id = $1 AND a.interest_type = $2 AND a.cancelled = FALSE AND a.posting_date <= $3
          AND NOT EXISTS (
              SELECT 1 FROM loan_demands d
              WHERE d.accrual_id = a.id AND d.cancelled = FALSE)
        ORDER BY a.posting_date ASC, a.id ASC`

	return r.queryAccruals(ctx, tx, loanID, query, []any{loanID, it, asOf})
}

func (r *AccrualRepository) SumUnbilledInterest(ctx context.Context, tx pgx.Tx, loanID int64, before time.Time, it accrual.InterestType) (decimal.Decimal, error) {
	query := `
        SELECT COALESCE(SUM(a.interest_amount), 0)
        FROM interest_accruals a
        WHERE a.loan_id = $1 AND a.interest_type = $2 AND a.cancelled = FALSE AND a.posting_date < $3
          AND NOT EXISTS (
              SELECT 1 FROM loan_demands d
              WHERE d.accrual_id = a.id AND d.cancelled = FALSE)`

	var total decimal.Decimal
	err := tx.QueryRow(ctx, query, loanID, it, before).Scan(&total)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to sum unbilled interest", "loan_id", loanID, "error", err)
		return decimal.Zero, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return total, nil
}

func (r *AccrualRepository) queryAccruals(ctx context.Context, tx pgx.Tx, loanID int64, query string, args []any) ([]*accrual.InterestAccrual, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query interest accruals", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	accruals := make([]*accrual.InterestAccrual, 0)
	for rows.Next() {
		var a accrual.InterestAccrual
		err := rows.Scan(
			&a.ID, &a.LoanID, &a.ScheduleID, &a.InstallmentID, &a.DisbursementID, &a.InterestType,
			&a.BaseAmount, &a.InterestAmount, &a.AdditionalInterestAmount, &a.RateOfInterest,
			&a.StartDate, &a.PostingDate, &a.Cancelled, &a.CreatedAt,
		)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan accrual row", "loan_id", loanID, "error", err)
			return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		accruals = append(accruals, &a)
	}
	if err = rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating accrual rows", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return accruals, nil
}
