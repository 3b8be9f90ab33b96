package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/accrual"
	"lending-engine/internal/domain/demand"
	"lending-engine/internal/pkg/apperrors"
)

type DemandRepository struct {
	db     DBPool
	logger *slog.Logger
}

var _ demand.Repository = (*DemandRepository)(nil)

var _ accrual.OverdueDemandSource = (*DemandRepository)(nil)

const demandColumns = `id, loan_id, schedule_id, disbursement_id, demand_type, demand_subtype, demand_date,
		amount, outstanding_amount, paid_amount, waived_amount,
		installment_id, accrual_id, invoice_id, cancelled, created_at`

func NewDemandRepository(db DBPool, logger *slog.Logger) *DemandRepository {
	return &DemandRepository{db: db, logger: logger.With("component", "DemandRepository")}
}

func (r *DemandRepository) CreateInTx(ctx context.Context, tx pgx.Tx, d *demand.Demand) (*demand.Demand, error) {
	sql := `
        INSERT INTO loan_demands
            (loan_id, schedule_id, disbursement_id, demand_type, demand_subtype, demand_date,
             amount, outstanding_amount, paid_amount, waived_amount,
             installment_id, accrual_id, invoice_id, cancelled, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $10, $11, FALSE, NOW())
        RETURNING id, created_at`

	err := tx.QueryRow(ctx, sql,
		d.LoanID, d.ScheduleID, d.DisbursementID, d.DemandType, d.DemandSubtype, d.DemandDate,
		d.Amount, d.OutstandingAmount, d.InstallmentID, d.AccrualID, d.InvoiceID,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert loan demand", "loan_id", d.LoanID, "error", err)
		return nil, translateDBError(err, r.logger)
	}
	return d, nil
}

func (r *DemandRepository) CancelInTx(ctx context.Context, tx pgx.Tx, demandID int64) error {
	sql := `UPDATE loan_demands SET cancelled = TRUE WHERE id = $1 AND cancelled = FALSE`
	cmdTag, err := tx.Exec(ctx, sql, demandID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to cancel loan demand", "demand_id", demandID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: demand %d not found or already cancelled", apperrors.ErrConflict, demandID)
	}
	return nil
}

func (r *DemandRepository) UnpaidDemands(ctx context.Context, tx pgx.Tx, loanID int64, asOf *time.Time, types []demand.DemandType) ([]*demand.Demand, error) {
	query := `SELECT ` + demandColumns + `
        FROM loan_demands
        WHERE loan_id = $1 AND cancelled = FALSE AND outstanding_amount > 0`
	args := []any{loanID}
	if asOf != nil {
		query += fmt.Sprintf(" AND demand_date <= $%d", len(args)+1)
		args = append(args, *asOf)
	}
	if len(types) > 0 {
		query += fmt.Sprintf(" AND demand_type = ANY($%d)", len(args)+1)
		typeNames := make([]string, len(types))
		for i, t := range types {
			typeNames[i] = string(t)
		}
		args = append(args, typeNames)
	}
	query += " ORDER BY demand_date ASC, disbursement_id ASC, installment_id ASC, demand_type ASC, id ASC"

	return r.queryDemands(ctx, tx, loanID, query, args)
}

func (r *DemandRepository) ApplyPaymentInTx(ctx context.Context, tx pgx.Tx, demandID int64, paidDelta, waivedDelta decimal.Decimal) error {
	sql := `
        UPDATE loan_demands
        SET paid_amount = paid_amount + $1,
            waived_amount = waived_amount + $2,
            outstanding_amount = amount - (paid_amount + $1) - (waived_amount + $2)
        WHERE id = $3 AND cancelled = FALSE
          AND amount - (paid_amount + $1) - (waived_amount + $2) >= 0`

	cmdTag, err := tx.Exec(ctx, sql, paidDelta, waivedDelta, demandID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to apply payment on demand", "demand_id", demandID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		r.logger.ErrorContext(ctx, "Demand settlement would overdraw outstanding", "demand_id", demandID,
			"paid_delta", paidDelta.String(), "waived_delta", waivedDelta.String())
		return fmt.Errorf("%w: settlement on demand %d exceeds its outstanding", apperrors.ErrConflict, demandID)
	}
	return nil
}

func (r *DemandRepository) ListFrom(ctx context.Context, tx pgx.Tx, loanID int64, from time.Time) ([]*demand.Demand, error) {
	query := `SELECT ` + demandColumns + `
        FROM loan_demands
        WHERE loan_id = $1 AND cancelled = FALSE AND demand_date >= $2
        ORDER BY demand_date DESC, id DESC`

	return r.queryDemands(ctx, tx, loanID, query, []any{loanID, from})
}

func (r *DemandRepository) LastDemandDate(ctx context.Context, tx pgx.Tx, loanID int64, dt demand.DemandType) (*time.Time, error) {
	query := `
        SELECT MAX(demand_date)
        FROM loan_demands
        WHERE loan_id = $1 AND demand_type = $2 AND cancelled = FALSE`

	var last *time.Time
	if err := tx.QueryRow(ctx, query, loanID, dt).Scan(&last); err != nil {
		r.logger.ErrorContext(ctx, "Failed to get last demand date", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return last, nil
}

func (r *DemandRepository) SumOutstanding(ctx context.Context, tx pgx.Tx, loanID int64, types []demand.DemandType) (decimal.Decimal, error) {
	query := `
        SELECT COALESCE(SUM(outstanding_amount), 0)
        FROM loan_demands
        WHERE loan_id = $1 AND cancelled = FALSE`
	args := []any{loanID}
	if len(types) > 0 {
		query += " AND demand_type = ANY($2)"
		typeNames := make([]string, len(types))
		for i, t := range types {
			typeNames[i] = string(t)
		}
		args = append(args, typeNames)
	}

	var total decimal.Decimal
	if err := tx.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		r.logger.ErrorContext(ctx, "Failed to sum outstanding demands", "loan_id", loanID, "error", err)
		return decimal.Zero, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return total, nil
}

// OverdueEMIDemands aggregates the unpaid EMI position per installment for
// penal interest accrual. The principal portion is broken out so the
// additional interest carve-out can be computed on it.
func (r *DemandRepository) OverdueEMIDemands(ctx context.Context, tx pgx.Tx, loanID int64, asOf time.Time) ([]accrual.OverdueEMIDemand, error) {
	query := `
        SELECT installment_id, MIN(schedule_id), MIN(disbursement_id), MIN(demand_date),
               SUM(outstanding_amount),
               SUM(CASE WHEN demand_subtype = $1 THEN outstanding_amount ELSE 0 END)
        FROM loan_demands
        WHERE loan_id = $2 AND demand_type = $3 AND cancelled = FALSE
          AND outstanding_amount > 0 AND demand_date <= $4 AND installment_id <> 0
        GROUP BY installment_id
        ORDER BY MIN(demand_date) ASC, installment_id ASC`

	rows, err := tx.Query(ctx, query, demand.SubtypePrincipal, loanID, demand.DemandEMI, asOf)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query overdue EMI demands", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	overdue := make([]accrual.OverdueEMIDemand, 0)
	for rows.Next() {
		var od accrual.OverdueEMIDemand
		err := rows.Scan(&od.InstallmentID, &od.ScheduleID, &od.DisbursementID, &od.DemandDate,
			&od.PendingAmount, &od.PrincipalOutstanding)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan overdue EMI row", "loan_id", loanID, "error", err)
			return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		overdue = append(overdue, od)
	}
	if err = rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating overdue EMI rows", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return overdue, nil
}

func (r *DemandRepository) queryDemands(ctx context.Context, tx pgx.Tx, loanID int64, query string, args []any) ([]*demand.Demand, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query loan demands", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	demands := make([]*demand.Demand, 0)
	for rows.Next() {
		var d demand.Demand
		err := rows.Scan(
			&d.ID, &d.LoanID, &d.ScheduleID, &d.DisbursementID, &d.DemandType, &d.DemandSubtype, &d.DemandDate,
			&d.Amount, &d.OutstandingAmount, &d.PaidAmount, &d.WaivedAmount,
			&d.InstallmentID, &d.AccrualID, &d.InvoiceID, &d.Cancelled, &d.CreatedAt,
		)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan demand row", "loan_id", loanID, "error", err)
			return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		demands = append(demands, &d)
	}
	if err = rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating demand rows", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return demands, nil
}
