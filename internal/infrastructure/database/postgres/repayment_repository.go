package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"lending-engine/internal/domain/repayment"
	"lending-engine/internal/pkg/apperrors"
)

type RepaymentRepository struct {
	db     DBPool
	logger *slog.Logger
}

var _ repayment.Repository = (*RepaymentRepository)(nil)

const repaymentColumns = `id, loan_id, repayment_type, posting_date,
		amount_paid, principal_paid, interest_paid, penalty_paid, charges_paid,
		excess_amount, round_off_amount, auto_closed_loan, reference_number, cancelled, created_at`

func NewRepaymentRepository(db DBPool, logger *slog.Logger) *RepaymentRepository {
	return &RepaymentRepository{db: db, logger: logger.With("component", "RepaymentRepository")}
}

func (r *RepaymentRepository) CreateInTx(ctx context.Context, tx pgx.Tx, rp *repayment.Repayment) (*repayment.Repayment, error) {
	sql := `
        INSERT INTO loan_repayments
            (loan_id, repayment_type, posting_date,
             amount_paid, principal_paid, interest_paid, penalty_paid, charges_paid,
             excess_amount, round_off_amount, auto_closed_loan, reference_number, cancelled, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, FALSE, NOW())
        RETURNING id, created_at`

	err := tx.QueryRow(ctx, sql,
		rp.LoanID, rp.RepaymentType, rp.PostingDate,
		rp.AmountPaid, rp.PrincipalPaid, rp.InterestPaid, rp.PenaltyPaid, rp.ChargesPaid,
		rp.ExcessAmount, rp.RoundOffAmount, rp.AutoClosedLoan, rp.ReferenceNumber,
	).Scan(&rp.ID, &rp.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert repayment", "loan_id", rp.LoanID, "error", err)
		return nil, translateDBError(err, r.logger)
	}

	detailSQL := `
        INSERT INTO repayment_details (repayment_id, demand_id, component, paid_amount, waived_amount)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id`

	batch := &pgx.Batch{}
	for i := range rp.Details {
		det := &rp.Details[i]
		det.RepaymentID = rp.ID
		batch.Queue(detailSQL, rp.ID, det.DemandID, det.Component, det.PaidAmount, det.WaivedAmount)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range rp.Details {
		if err := results.QueryRow().Scan(&rp.Details[i].ID); err != nil {
			results.Close()
			r.logger.ErrorContext(ctx, "Failed inserting repayment detail", "error", err, "entry_index", i, "repayment_id", rp.ID)
			return nil, fmt.Errorf("%w: failed inserting repayment detail %d: %w", apperrors.ErrDatabase, i+1, err)
		}
	}
	if err := results.Close(); err != nil {
		r.logger.ErrorContext(ctx, "Failed closing repayment detail batch results", "error", err, "repayment_id", rp.ID)
		return nil, fmt.Errorf("%w: closing batch results failed: %w", apperrors.ErrDatabase, err)
	}
	return rp, nil
}

func (r *RepaymentRepository) CancelInTx(ctx context.Context, tx pgx.Tx, repaymentID int64) error {
	sql := `UPDATE loan_repayments SET cancelled = TRUE WHERE id = $1 AND cancelled = FALSE`
	cmdTag, err := tx.Exec(ctx, sql, repaymentID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to cancel repayment", "repayment_id", repaymentID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: repayment %d not found or already cancelled", apperrors.ErrConflict, repaymentID)
	}
	return nil
}

func (r *RepaymentRepository) GetRepayment(ctx context.Context, repaymentID int64) (*repayment.Repayment, error) {
	query := `SELECT ` + repaymentColumns + ` FROM loan_repayments WHERE id = $1`

	rp, err := scanRepayment(r.db.QueryRow(ctx, query, repaymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.WarnContext(ctx, "Repayment not found", "repayment_id", repaymentID)
			return nil, apperrors.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to get repayment", "repayment_id", repaymentID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}

	if err := r.loadDetails(ctx, r.db, rp); err != nil {
		return nil, err
	}
	return rp, nil
}

func (r *RepaymentRepository) GetRepaymentInTx(ctx context.Context, tx pgx.Tx, repaymentID int64) (*repayment.Repayment, error) {
	query := `SELECT ` + repaymentColumns + ` FROM loan_repayments WHERE id = $1 FOR UPDATE`

	rp, err := scanRepayment(tx.QueryRow(ctx, query, repaymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to lock repayment row", "repayment_id", repaymentID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if err := r.loadDetails(ctx, tx, rp); err != nil {
		return nil, err
	}
	return rp, nil
}

func (r *RepaymentRepository) ListFrom(ctx context.Context, tx pgx.Tx, loanID int64, from time.Time) ([]*repayment.Repayment, error) {
	query := `SELECT ` + repaymentColumns + `
        FROM loan_repayments
        WHERE loan_id = $1 AND cancelled = FALSE AND posting_date >= $2
        ORDER BY posting_date DESC, id DESC`

	rows, err := tx.Query(ctx, query, loanID, from)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query repayments", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	repayments := make([]*repayment.Repayment, 0)
	for rows.Next() {
		rp, err := scanRepayment(rows)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan repayment row", "loan_id", loanID, "error", err)
			return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		repayments = append(repayments, rp)
	}
	if err = rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating repayment rows", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}

	for _, rp := range repayments {
		if err := r.loadDetails(ctx, tx, rp); err != nil {
			return nil, err
		}
	}
	return repayments, nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *RepaymentRepository) loadDetails(ctx context.Context, q rowQuerier, rp *repayment.Repayment) error {
	query := `
        SELECT id, repayment_id, demand_id, component, paid_amount, waived_amount
        FROM repayment_details
        WHERE repayment_id = $1
        ORDER BY id ASC`

	rows, err := q.Query(ctx, query, rp.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query repayment details", "repayment_id", rp.ID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	rp.Details = rp.Details[:0]
	for rows.Next() {
		var det repayment.RepaymentDetail
		if err := rows.Scan(&det.ID, &det.RepaymentID, &det.DemandID, &det.Component, &det.PaidAmount, &det.WaivedAmount); err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan repayment detail row", "repayment_id", rp.ID, "error", err)
			return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		rp.Details = append(rp.Details, det)
	}
	if err = rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating repayment detail rows", "repayment_id", rp.ID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return nil
}

func scanRepayment(row pgx.Row) (*repayment.Repayment, error) {
	var rp repayment.Repayment
	err := row.Scan(
		&rp.ID, &rp.LoanID, &rp.RepaymentType, &rp.PostingDate,
		&rp.AmountPaid, &rp.PrincipalPaid, &rp.InterestPaid, &rp.PenaltyPaid, &rp.ChargesPaid,
		&rp.ExcessAmount, &rp.RoundOffAmount, &rp.AutoClosedLoan, &rp.ReferenceNumber, &rp.Cancelled, &rp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rp, nil
}
