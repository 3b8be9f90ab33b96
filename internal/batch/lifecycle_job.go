package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lending-engine/internal/domain/accrual"
	"lending-engine/internal/domain/demand"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/domain/pipeline"
	"lending-engine/internal/event"
	"lending-engine/internal/infrastructure/monitoring"
)

// DailyAccrualJob runs interest accrual for every open loan, in batches.
// Each batch is announced on the event exchange before processing so
// downstream consumers can track progress; each loan commits alone, and a
// failing loan is logged and skipped.
type DailyAccrualJob struct {
	loanRepo  loan.Repository
	accruals  accrual.Service
	publisher event.EventPublisher
	batchSize int
	logger    *slog.Logger
}

func NewDailyAccrualJob(loanRepo loan.Repository, accruals accrual.Service, publisher event.EventPublisher, batchSize int, logger *slog.Logger) *DailyAccrualJob {
	if loanRepo == nil || accruals == nil || publisher == nil || logger == nil {
		panic("DailyAccrualJob dependencies cannot be nil")
	}
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &DailyAccrualJob{
		loanRepo:  loanRepo,
		accruals:  accruals,
		publisher: publisher,
		batchSize: batchSize,
		logger:    logger.With("job", "DailyAccrual"),
	}
}

func (j *DailyAccrualJob) Run(ctx context.Context) error {
	startTime := time.Now()
	postingDate := time.Now()
	j.logger.InfoContext(ctx, "Starting daily interest accrual job.")

	loanIDs, err := j.loanRepo.ListOpenLoanIDs(ctx, loan.Filter{})
	if err != nil {
		j.logger.ErrorContext(ctx, "Failed to list open loans, aborting job.", slog.Any("error", err))
		return fmt.Errorf("cannot run job, failed to list open loans: %w", err)
	}
	j.logger.InfoContext(ctx, "Fetched open loan IDs.", slog.Int("count", len(loanIDs)))

	errorCount := 0
	for _, batchIDs := range chunk(loanIDs, j.batchSize) {
		if pubErr := j.publisher.EnqueueAccrualBatch(ctx, event.AccrualBatchJob{
			LoanIDs:     batchIDs,
			PostingDate: postingDate,
		}); pubErr != nil {
			j.logger.ErrorContext(ctx, "Failed to announce accrual batch", slog.Any("error", pubErr))
		}

		for _, loanID := range batchIDs {
			_, accErr := j.accruals.ProcessAccrual(ctx, postingDate, loan.Filter{LoanID: loanID}, pipeline.Options{})
			if accErr != nil {
				j.logger.ErrorContext(ctx, "Accrual failed for loan, skipping.",
					slog.Int64("loanID", loanID), slog.Any("error", accErr))
				errorCount++
			}
		}
	}

	duration := time.Since(startTime)
	monitoring.RecordBatchRun("daily_accrual", duration)
	summaryLog := j.logger.With(
		slog.Duration("duration", duration),
		slog.Int("total_loans", len(loanIDs)),
		slog.Int("errors_encountered", errorCount),
	)
	if errorCount > 0 {
		summaryLog.WarnContext(ctx, "Daily interest accrual job finished with errors.")
		return fmt.Errorf("job completed with %d errors", errorCount)
	}
	summaryLog.InfoContext(ctx, "Daily interest accrual job finished successfully.")
	return nil
}

// DailyDemandJob bills due installments and unbilled accruals for every
// open loan.
type DailyDemandJob struct {
	loanRepo  loan.Repository
	demands   demand.Service
	batchSize int
	logger    *slog.Logger
}

func NewDailyDemandJob(loanRepo loan.Repository, demands demand.Service, batchSize int, logger *slog.Logger) *DailyDemandJob {
	if loanRepo == nil || demands == nil || logger == nil {
		panic("DailyDemandJob dependencies cannot be nil")
	}
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &DailyDemandJob{
		loanRepo:  loanRepo,
		demands:   demands,
		batchSize: batchSize,
		logger:    logger.With("job", "DailyDemand"),
	}
}

func (j *DailyDemandJob) Run(ctx context.Context) error {
	startTime := time.Now()
	postingDate := time.Now()
	j.logger.InfoContext(ctx, "Starting daily demand generation job.")

	loanIDs, err := j.loanRepo.ListOpenLoanIDs(ctx, loan.Filter{})
	if err != nil {
		j.logger.ErrorContext(ctx, "Failed to list open loans, aborting job.", slog.Any("error", err))
		return fmt.Errorf("cannot run job, failed to list open loans: %w", err)
	}
	j.logger.InfoContext(ctx, "Fetched open loan IDs.", slog.Int("count", len(loanIDs)))

	errorCount := 0
	for _, batchIDs := range chunk(loanIDs, j.batchSize) {
		for _, loanID := range batchIDs {
			_, demErr := j.demands.ProcessDemand(ctx, postingDate, loan.Filter{LoanID: loanID}, pipeline.Options{})
			if demErr != nil {
				j.logger.ErrorContext(ctx, "Demand generation failed for loan, skipping.",
					slog.Int64("loanID", loanID), slog.Any("error", demErr))
				errorCount++
			}
		}
	}

	duration := time.Since(startTime)
	monitoring.RecordBatchRun("daily_demand", duration)
	summaryLog := j.logger.With(
		slog.Duration("duration", duration),
		slog.Int("total_loans", len(loanIDs)),
		slog.Int("errors_encountered", errorCount),
	)
	if errorCount > 0 {
		summaryLog.WarnContext(ctx, "Daily demand generation job finished with errors.")
		return fmt.Errorf("job completed with %d errors", errorCount)
	}
	summaryLog.InfoContext(ctx, "Daily demand generation job finished successfully.")
	return nil
}

func chunk(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	batches := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}
