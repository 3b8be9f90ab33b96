package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"lending-engine/internal/domain/repayment"
	"lending-engine/internal/pkg/apperrors"
)

// OffsetOrderRepository resolves the configured settlement waterfall per
// product and loan classification.
type OffsetOrderRepository struct {
	db     DBPool
	logger *slog.Logger
}

var _ repayment.OffsetOrderStore = (*OffsetOrderRepository)(nil)

func NewOffsetOrderRepository(db DBPool, logger *slog.Logger) *OffsetOrderRepository {
	return &OffsetOrderRepository{db: db, logger: logger.With("component", "OffsetOrderRepository")}
}

func (r *OffsetOrderRepository) GetOffsetOrder(ctx context.Context, productID int64, class repayment.Classification) (*repayment.CollectionOffsetOrder, error) {
	query := `
        SELECT bucket
        FROM collection_offset_orders
        WHERE product_id = $1 AND classification = $2
        ORDER BY priority ASC`

	rows, err := r.db.Query(ctx, query, productID, class)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query offset order", "product_id", productID, "classification", class, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	order := &repayment.CollectionOffsetOrder{ProductID: productID, Classification: class}
	for rows.Next() {
		var bucket repayment.AllocationBucket
		if err := rows.Scan(&bucket); err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan offset order row", "product_id", productID, "error", err)
			return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		order.Buckets = append(order.Buckets, bucket)
	}
	if err = rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating offset order rows", "product_id", productID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}

	if len(order.Buckets) == 0 {
		return nil, fmt.Errorf("%w: no offset order for product %d classification %s",
			apperrors.ErrNotFound, productID, class)
	}
	return order, nil
}
