package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"lending-engine/internal/domain/ledger"
	"lending-engine/internal/pkg/apperrors"
)

// LedgerRepository posts general ledger entries. Reversal never deletes:
// it inserts mirrored entries flagged as cancellations so the audit trail
// stays append only.
type LedgerRepository struct {
	db     DBPool
	logger *slog.Logger
}

var _ ledger.Poster = (*LedgerRepository)(nil)

func NewLedgerRepository(db DBPool, logger *slog.Logger) *LedgerRepository {
	return &LedgerRepository{db: db, logger: logger.With("component", "LedgerRepository")}
}

func (r *LedgerRepository) PostEntries(ctx context.Context, tx pgx.Tx, entries []ledger.Entry, cancel bool) error {
	if len(entries) == 0 {
		return nil
	}

	sql := `
        INSERT INTO gl_entries
            (loan_id, account, against_account, debit, credit, voucher_type, voucher_id, posting_date, remarks, is_cancelled, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(sql, e.LoanID, e.Account, e.Against, e.Debit, e.Credit,
			e.VoucherType, e.VoucherID, e.PostingDate, e.Remarks, cancel)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range entries {
		if _, err := results.Exec(); err != nil {
			results.Close()
			r.logger.ErrorContext(ctx, "Failed inserting GL entry", "error", err, "entry_index", i)
			return fmt.Errorf("%w: failed inserting GL entry %d: %w", apperrors.ErrDatabase, i+1, err)
		}
	}
	if err := results.Close(); err != nil {
		r.logger.ErrorContext(ctx, "Failed closing GL entry batch results", "error", err)
		return fmt.Errorf("%w: closing batch results failed: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

// ReverseVoucher mirrors every live entry of the voucher, swapping debit
// and credit, and marks the originals cancelled.
func (r *LedgerRepository) ReverseVoucher(ctx context.Context, tx pgx.Tx, voucherType ledger.VoucherType, voucherID int64, postingDate time.Time) error {
	insertSQL := `
        INSERT INTO gl_entries
            (loan_id, account, against_account, debit, credit, voucher_type, voucher_id, posting_date, remarks, is_cancelled, created_at)
        SELECT loan_id, account, against_account, credit, debit, voucher_type, voucher_id, $1,
               'Reversal of ' || voucher_type || ' ' || voucher_id, TRUE, NOW()
        FROM gl_entries
        WHERE voucher_type = $2 AND voucher_id = $3 AND is_cancelled = FALSE`

	if _, err := tx.Exec(ctx, insertSQL, postingDate, voucherType, voucherID); err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert reversal GL entries",
			"voucher_type", voucherType, "voucher_id", voucherID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}

	markSQL := `
        UPDATE gl_entries SET is_cancelled = TRUE
        WHERE voucher_type = $1 AND voucher_id = $2 AND is_cancelled = FALSE`

	if _, err := tx.Exec(ctx, markSQL, voucherType, voucherID); err != nil {
		r.logger.ErrorContext(ctx, "Failed to mark GL entries cancelled",
			"voucher_type", voucherType, "voucher_id", voucherID, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return nil
}
