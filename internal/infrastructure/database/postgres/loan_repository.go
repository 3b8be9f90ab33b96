package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/loan"
	"lending-engine/internal/infrastructure/monitoring"
	"lending-engine/internal/pkg/apperrors"
)

type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Close()
}

type LoanRepository struct {
	db     DBPool
	logger *slog.Logger
}

var _ DBPool = (*pgxpool.Pool)(nil)

var _ DBPool = (pgxmock.PgxPoolIface)(nil)

var _ loan.Repository = (*LoanRepository)(nil)

var errMsgFormat = "%w: %w"

const loanColumns = `id, product_id, principal_amount, disbursed_amount, rate_of_interest,
		penal_interest_rate, term_type, status, accrual_frequency, is_npa,
		disbursement_date, repayment_start_date, freeze_date, closure_date, settlement_date,
		total_principal_paid, total_amount_paid, excess_amount_paid, security_shortfall, security_deposit_amount,
		created_at, updated_at`

func NewLoanRepository(db DBPool, logger *slog.Logger) *LoanRepository {
	return &LoanRepository{db: db, logger: logger.With("component", "LoanRepository")}
}

func (r *LoanRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to begin transaction", "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return tx, nil
}

func (r *LoanRepository) CommitTx(ctx context.Context, tx pgx.Tx) error {
	err := tx.Commit(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to commit transaction", "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return nil
}

func (r *LoanRepository) RollbackTx(ctx context.Context, tx pgx.Tx) error {
	err := tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		r.logger.ErrorContext(ctx, "Failed to rollback transaction", "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return nil
}

func scanLoan(row pgx.Row) (*loan.Loan, error) {
	var l loan.Loan
	err := row.Scan(
		&l.ID, &l.ProductID, &l.PrincipalAmount, &l.DisbursedAmount, &l.RateOfInterest,
		&l.PenalInterestRate, &l.TermType, &l.Status, &l.AccrualFrequency, &l.IsNPA,
		&l.DisbursementDate, &l.RepaymentStartDate, &l.FreezeDate, &l.ClosureDate, &l.SettlementDate,
		&l.TotalPrincipalPaid, &l.TotalAmountPaid, &l.ExcessAmountPaid, &l.SecurityShortfall, &l.SecurityDepositAmount,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *LoanRepository) GetLoan(ctx context.Context, loanID int64) (*loan.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1`
	status := "success"
	startTime := time.Now()

	l, err := scanLoan(r.db.QueryRow(ctx, query, loanID))

	if err != nil {
		status = "error"
	}
	monitoring.RecordDBQuery("GetLoan", status, time.Since(startTime))

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.WarnContext(ctx, "Loan not found", "loan_id", loanID)
			return nil, apperrors.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to get loan", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return l, nil
}

func (r *LoanRepository) GetLoanForUpdate(ctx context.Context, tx pgx.Tx, loanID int64) (*loan.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1 FOR UPDATE`

	l, err := scanLoan(tx.QueryRow(ctx, query, loanID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.WarnContext(ctx, "Loan not found for update", "loan_id", loanID)
			return nil, apperrors.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to lock loan row", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return l, nil
}

func (r *LoanRepository) GetProduct(ctx context.Context, productID int64) (*loan.Product, error) {
	query := `
        SELECT id, name, penal_interest_rate, grace_period_days, day_count_convention,
               auto_write_off_tolerance, excess_acceptance_limit,
               loan_account, payment_account,
               interest_accrued_account, interest_income_account, interest_receivable_account, interest_waiver_account,
               penalty_accrued_account, penalty_income_account, penalty_receivable_account, penalty_waiver_account,
               additional_interest_accrued_account, additional_interest_income_account,
               additional_interest_receivable_account, additional_interest_waiver_account,
               suspense_interest_income_account, broken_period_recovery_account, charges_receivable_account,
               write_off_recovery_account, customer_refund_account, round_off_account, security_deposit_account
        FROM loan_products
        WHERE id = $1`

	var p loan.Product
	a := &p.Accounts
	err := r.db.QueryRow(ctx, query, productID).Scan(
		&p.ID, &p.Name, &p.PenalInterestRate, &p.GracePeriodDays, &p.DayCountConvention,
		&p.AutoWriteOffTolerance, &p.ExcessAcceptanceLimit,
		&a.LoanAccount, &a.PaymentAccount,
		&a.InterestAccrued, &a.InterestIncome, &a.InterestReceivable, &a.InterestWaiver,
		&a.PenaltyAccrued, &a.PenaltyIncome, &a.PenaltyReceivable, &a.PenaltyWaiver,
		&a.AdditionalInterestAccrued, &a.AdditionalInterestIncome,
		&a.AdditionalInterestReceivable, &a.AdditionalInterestWaiver,
		&a.SuspenseInterestIncome, &a.BrokenPeriodRecovery, &a.ChargesReceivable,
		&a.WriteOffRecovery, &a.CustomerRefund, &a.RoundOff, &a.SecurityDeposit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.WarnContext(ctx, "Loan product not found", "product_id", productID)
			return nil, apperrors.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to get loan product", "product_id", productID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return &p, nil
}

func (r *LoanRepository) ListOpenLoanIDs(ctx context.Context, filter loan.Filter) ([]int64, error) {
	logCtx := r.logger.With(slog.String("operation", "ListOpenLoanIDs"))

	query := `SELECT id FROM loans WHERE status IN ($1, $2, $3)`
	args := []any{loan.StatusDisbursed, loan.StatusActive, loan.StatusWrittenOff}
	if filter.LoanID != 0 {
		query += fmt.Sprintf(" AND id = $%d", len(args)+1)
		args = append(args, filter.LoanID)
	}
	if filter.ProductID != 0 {
		query += fmt.Sprintf(" AND product_id = $%d", len(args)+1)
		args = append(args, filter.ProductID)
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		logCtx.ErrorContext(ctx, "Failed to query open loan IDs", slog.Any("error", err))
		return nil, fmt.Errorf("%w: failed to query open loans: %w", apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	loanIDs := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			logCtx.ErrorContext(ctx, "Failed to scan open loan ID row", slog.Any("error", err))
			return nil, fmt.Errorf("%w: failed scanning open loan ID: %w", apperrors.ErrDatabase, err)
		}
		loanIDs = append(loanIDs, id)
	}
	if err = rows.Err(); err != nil {
		logCtx.ErrorContext(ctx, "Error iterating open loan ID rows", slog.Any("error", err))
		return nil, fmt.Errorf("%w: error iterating open loan IDs: %w", apperrors.ErrDatabase, err)
	}
	return loanIDs, nil
}

func (r *LoanRepository) ApplyTotalsInTx(ctx context.Context, tx pgx.Tx, loanID int64, delta loan.TotalsDelta) error {
	sql := `
        UPDATE loans
        SET total_amount_paid = total_amount_paid + $1,
            total_principal_paid = total_principal_paid + $2,
            excess_amount_paid = excess_amount_paid + $3,
            updated_at = NOW()
        WHERE id = $4`

	cmdTag, err := tx.Exec(ctx, sql, delta.AmountPaid, delta.PrincipalPaid, delta.ExcessPaid, loanID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to apply loan totals", "loan_id", loanID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		r.logger.ErrorContext(ctx, "Loan totals update affected zero rows", "loan_id", loanID)
		return fmt.Errorf("%w: loan totals update affected zero rows", apperrors.ErrDatabase)
	}
	return nil
}

func (r *LoanRepository) UpdateLoanStatusInTx(ctx context.Context, tx pgx.Tx, loanID int64, status loan.LoanStatus, statusDate time.Time) error {
	var dateColumn string
	switch status {
	case loan.StatusClosed:
		dateColumn = "closure_date"
	case loan.StatusSettled:
		dateColumn = "settlement_date"
	}

	sql := `UPDATE loans SET status = $1, updated_at = NOW() WHERE id = $2`
	args := []any{status, loanID}
	if dateColumn != "" {
		sql = fmt.Sprintf(`UPDATE loans SET status = $1, %s = $2, updated_at = NOW() WHERE id = $3`, dateColumn)
		args = []any{status, statusDate, loanID}
	}

	cmdTag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update loan status", "loan_id", loanID, "status", status, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		r.logger.ErrorContext(ctx, "Loan status update affected zero rows", "loan_id", loanID, "status", status)
		return fmt.Errorf("%w: loan status update affected zero rows", apperrors.ErrDatabase)
	}
	r.logger.InfoContext(ctx, "Loan status updated in DB", "loan_id", loanID, "new_status", status)
	return nil
}

func (r *LoanRepository) ListDisbursements(ctx context.Context, tx pgx.Tx, loanID int64) ([]loan.Disbursement, error) {
	query := `
        SELECT id, loan_id, amount, principal_amount_paid, disbursement_date, status
        FROM loan_disbursements
        WHERE loan_id = $1
        ORDER BY disbursement_date ASC`

	rows, err := tx.Query(ctx, query, loanID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query disbursements", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	disbursements := make([]loan.Disbursement, 0)
	for rows.Next() {
		var d loan.Disbursement
		if err := rows.Scan(&d.ID, &d.LoanID, &d.Amount, &d.PrincipalAmountPaid, &d.DisbursementDate, &d.Status); err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan disbursement row", "loan_id", loanID, "error", err)
			return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		disbursements = append(disbursements, d)
	}
	if err = rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating disbursement rows", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return disbursements, nil
}

func (r *LoanRepository) ApplyDisbursementPrincipalInTx(ctx context.Context, tx pgx.Tx, disbursementID int64, delta decimal.Decimal) error {
	sql := `
        UPDATE loan_disbursements
        SET principal_amount_paid = principal_amount_paid + $1, updated_at = NOW()
        WHERE id = $2`

	cmdTag, err := tx.Exec(ctx, sql, delta, disbursementID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to apply disbursement principal", "disbursement_id", disbursementID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: disbursement principal update affected zero rows", apperrors.ErrDatabase)
	}
	return nil
}

func translateDBError(err error, contextLogger *slog.Logger) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			contextLogger.Warn("Database unique constraint violation", "detail", pgErr.Detail, "constraint", pgErr.ConstraintName)
			return fmt.Errorf("%w: %s", apperrors.ErrAlreadyExists, pgErr.ConstraintName)
		}
		contextLogger.Error("PostgreSQL specific error", "code", pgErr.Code, "message", pgErr.Message, "detail", pgErr.Detail)
		return fmt.Errorf("%w: db error code %s", apperrors.ErrDatabase, pgErr.Code)
	}
	contextLogger.Error("Generic database error", "error", err)
	return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
}
