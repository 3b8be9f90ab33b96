package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"lending-engine/internal/api/handler/dto"
	"lending-engine/internal/domain/accrual"
	"lending-engine/internal/domain/demand"
	"lending-engine/internal/domain/pipeline"
	"lending-engine/internal/pkg/apperrors"
)

// LifecycleHandler exposes the daily accrual and demand runs over HTTP for
// on-demand execution; the cron jobs call the same services.
type LifecycleHandler struct {
	accruals accrual.Service
	demands  demand.Service
	logger   *slog.Logger
}

func NewLifecycleHandler(accruals accrual.Service, demands demand.Service, l *slog.Logger) *LifecycleHandler {
	return &LifecycleHandler{
		accruals: accruals,
		demands:  demands,
		logger:   l.With("component", "LifecycleHandler"),
	}
}

// RunAccrual posts interest accruals up to a posting date.
//
// @Summary Run interest accrual
// @Description Accrues penal then normal interest for every open loan matching the filter, through the posting date. Each loan is processed in its own transaction; failures are collected and reported without halting the run.
// @Tags Lifecycle
// @Accept json
// @Produce json
// @Param request body dto.RunLifecycleRequest true "Accrual run payload"
// @Success 200 {object} dto.RunLifecycleResponse "Run summary"
// @Failure 400 {object} dto.ErrorResponse "Invalid request payload"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /lifecycle/accruals [post]
// @Security BearerAuth
func (h *LifecycleHandler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	var req dto.RunLifecycleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}

	processed, err := h.accruals.ProcessAccrual(r.Context(), req.ParsedPostingDate(), req.Filter(), pipeline.Options{})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.RunLifecycleResponse{
		PostingDate:    req.PostingDate,
		LoansProcessed: len(processed),
		LoanIDs:        processed,
	})
}

// RunDemand raises demands for due installments and unbilled accruals.
//
// @Summary Run demand generation
// @Description Converts due installments and posted unbilled accruals into demands for every open loan matching the filter, through the posting date.
// @Tags Lifecycle
// @Accept json
// @Produce json
// @Param request body dto.RunLifecycleRequest true "Demand run payload"
// @Success 200 {object} dto.RunLifecycleResponse "Run summary"
// @Failure 400 {object} dto.ErrorResponse "Invalid request payload"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /lifecycle/demands [post]
// @Security BearerAuth
func (h *LifecycleHandler) RunDemand(w http.ResponseWriter, r *http.Request) {
	var req dto.RunLifecycleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}

	processed, err := h.demands.ProcessDemand(r.Context(), req.ParsedPostingDate(), req.Filter(), pipeline.Options{})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.RunLifecycleResponse{
		PostingDate:    req.PostingDate,
		LoansProcessed: len(processed),
		LoanIDs:        processed,
	})
}
