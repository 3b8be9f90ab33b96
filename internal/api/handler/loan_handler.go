package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"lending-engine/internal/api/handler/dto"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/domain/pipeline"
	"lending-engine/internal/domain/repayment"
	"lending-engine/internal/pkg/apperrors"
)

type LoanHandler struct {
	loans      loan.Repository
	repayments repayment.Service
	repost     repayment.RepostService
	logger     *slog.Logger
}

func NewLoanHandler(loans loan.Repository, repayments repayment.Service, repost repayment.RepostService, l *slog.Logger) *LoanHandler {
	return &LoanHandler{
		loans:      loans,
		repayments: repayments,
		repost:     repost,
		logger:     l.With("component", "LoanHandler"),
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("no request body")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		slog.Default().Error("Failed to marshal JSON response", "error", err)
		http.Error(w, `{"error":{"message":"Internal server error"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

func respondError(w http.ResponseWriter, err error) {
	status, message, field := http.StatusInternalServerError, "An unexpected error occurred.", ""
	var validationError *apperrors.ValidationError
	var appErr *apperrors.AppError

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		status, message = http.StatusNotFound, "Resource not found."
	case errors.Is(err, apperrors.ErrInvalidArgument), errors.Is(err, apperrors.ErrValidation):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, apperrors.ErrInvalidPaymentAmount), errors.Is(err, apperrors.ErrLoanClosed):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, apperrors.ErrConflict), errors.Is(err, apperrors.ErrAlreadyExists):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, apperrors.ErrConsistency):
		status, message = http.StatusConflict, err.Error()
	case errors.As(err, &validationError):
		status, message, field = http.StatusBadRequest, validationError.Message, validationError.Field
	case errors.As(err, &appErr):
		message = appErr.Error()
	default:
		slog.Default().Error("Unhandled internal error", "error", err)
	}

	resp := dto.ErrorResponse{
		Error: dto.ErrorDetail{
			Message: message,
			Field:   field,
		},
	}
	respondJSON(w, status, resp)
}

func getIDFromURL(r *http.Request, param string) (int64, error) {
	idStr := chi.URLParam(r, param)
	if idStr == "" {
		return 0, fmt.Errorf("%s not found in URL path", param)
	}
	return strconv.ParseInt(idStr, 10, 64)
}

// GetLoan returns a loan with its running totals.
//
// @Summary Get loan details
// @Description Returns the loan's status, principal, totals paid and pending principal.
// @Tags Loans
// @Produce json
// @Param loanID path int true "Loan ID"
// @Success 200 {object} dto.LoanResponse "Loan details"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /loans/{loanID} [get]
// @Security BearerAuth
func (h *LoanHandler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := getIDFromURL(r, "loanID")
	if err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}

	l, err := h.loans.GetLoan(r.Context(), loanID)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.NewLoanResponse(l))
}

// GetOutstanding reports what a repayment would see at a posting date.
//
// @Summary Get outstanding amounts
// @Description Returns demand outstanding, pending principal, unbilled interest and the closure payable for the loan at the given posting date. Defaults to a Loan Closure view at today's date.
// @Tags Loans
// @Produce json
// @Param loanID path int true "Loan ID"
// @Param postingDate query string false "Posting date (YYYY-MM-DD), defaults to today"
// @Param repaymentType query string false "Repayment type the view is computed for, defaults to Loan Closure"
// @Success 200 {object} dto.OutstandingResponse "Outstanding amounts"
// @Failure 400 {object} dto.ErrorResponse "Invalid query parameters"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /loans/{loanID}/outstanding [get]
// @Security BearerAuth
func (h *LoanHandler) GetOutstanding(w http.ResponseWriter, r *http.Request) {
	loanID, err := getIDFromURL(r, "loanID")
	if err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}

	postingDate := time.Now().Truncate(24 * time.Hour)
	if raw := r.URL.Query().Get("postingDate"); raw != "" {
		postingDate, err = time.Parse(time.DateOnly, raw)
		if err != nil {
			respondError(w, fmt.Errorf("%w: invalid postingDate format (use YYYY-MM-DD)", apperrors.ErrInvalidArgument))
			return
		}
	}

	rt := repayment.TypeLoanClosure
	if raw := r.URL.Query().Get("repaymentType"); raw != "" {
		rt = repayment.RepaymentType(raw)
		if !rt.Valid() {
			respondError(w, fmt.Errorf("%w: unknown repaymentType %q", apperrors.ErrInvalidArgument, raw))
			return
		}
	}

	amounts, err := h.repayments.Outstanding(r.Context(), loanID, postingDate, rt)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.NewOutstandingResponse(loanID, postingDate, rt, amounts))
}

// SubmitRepayment posts a payment or waiver against a loan.
//
// @Summary Submit a repayment
// @Description Allocates the amount across outstanding demands per the collection offset order, posts ledger entries and updates loan totals. Closure types settle unbilled interest and may close the loan.
// @Tags Repayments
// @Accept json
// @Produce json
// @Param loanID path int true "Loan ID"
// @Param request body dto.SubmitRepaymentRequest true "Repayment request payload"
// @Success 201 {object} dto.RepaymentResponse "Repayment posted"
// @Failure 400 {object} dto.ErrorResponse "Invalid request payload or amount"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /loans/{loanID}/repayments [post]
// @Security BearerAuth
func (h *LoanHandler) SubmitRepayment(w http.ResponseWriter, r *http.Request) {
	loanID, err := getIDFromURL(r, "loanID")
	if err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}

	var req dto.SubmitRepaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}

	posted, err := h.repayments.SubmitRepayment(r.Context(), req.ToSubmitRequest(loanID), pipeline.Options{})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, dto.NewRepaymentResponse(posted))
}

// CancelRepayment unwinds a posted repayment.
//
// @Summary Cancel a repayment
// @Description Restores demand outstandings and loan totals, reverses the ledger voucher and any restructure the repayment triggered, and reopens the loan if it was closed by this repayment.
// @Tags Repayments
// @Produce json
// @Param repaymentID path int true "Repayment ID"
// @Success 204 "Repayment cancelled"
// @Failure 404 {object} dto.ErrorResponse "Repayment not found"
// @Failure 409 {object} dto.ErrorResponse "Repayment already cancelled"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /repayments/{repaymentID} [delete]
// @Security BearerAuth
func (h *LoanHandler) CancelRepayment(w http.ResponseWriter, r *http.Request) {
	repaymentID, err := getIDFromURL(r, "repaymentID")
	if err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}

	if err := h.repayments.CancelRepayment(r.Context(), repaymentID, pipeline.Options{}); err != nil {
		respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Repost rebuilds a loan's financial history from a backdated effective date.
//
// @Summary Repost a loan
// @Description Cancels every repayment, demand and accrual posted on or after the from date, then replays the timeline in order with side effects suppressed. Runs in a single transaction.
// @Tags Repayments
// @Accept json
// @Produce json
// @Param loanID path int true "Loan ID"
// @Param request body dto.RepostRequest true "Repost request payload"
// @Success 200 {object} dto.RepostResponse "Repost summary"
// @Failure 400 {object} dto.ErrorResponse "Invalid request payload"
// @Failure 404 {object} dto.ErrorResponse "Loan not found"
// @Failure 409 {object} dto.ErrorResponse "Posted state failed a consistency check"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /loans/{loanID}/repost [post]
// @Security BearerAuth
func (h *LoanHandler) Repost(w http.ResponseWriter, r *http.Request) {
	loanID, err := getIDFromURL(r, "loanID")
	if err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}

	var req dto.RepostRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}

	fromDate, throughDate := req.ParsedDates(time.Now())
	result, err := h.repost.Repost(r.Context(), loanID, fromDate, throughDate)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.NewRepostResponse(result))
}
