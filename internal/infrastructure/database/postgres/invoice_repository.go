package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"lending-engine/internal/domain/demand"
	"lending-engine/internal/pkg/apperrors"
)

// InvoiceRepository cancels the sales invoices behind charges demands.
// Invoice creation happens upstream in the billing system; the lifecycle
// engine only needs to void an invoice when the demand it backs is
// reversed.
type InvoiceRepository struct {
	db     DBPool
	logger *slog.Logger
}

var _ demand.InvoiceReverser = (*InvoiceRepository)(nil)

func NewInvoiceRepository(db DBPool, logger *slog.Logger) *InvoiceRepository {
	return &InvoiceRepository{db: db, logger: logger.With("component", "InvoiceRepository")}
}

func (r *InvoiceRepository) ReverseInvoice(ctx context.Context, tx pgx.Tx, invoiceID string) error {
	sql := `UPDATE sales_invoices SET status = 'CANCELLED', updated_at = NOW() WHERE id = $1 AND status != 'CANCELLED'`

	cmdTag, err := tx.Exec(ctx, sql, invoiceID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to cancel sales invoice", "invoice_id", invoiceID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: invoice %s not found or already cancelled", apperrors.ErrConflict, invoiceID)
	}
	r.logger.InfoContext(ctx, "Cancelled sales invoice", "invoice_id", invoiceID)
	return nil
}
