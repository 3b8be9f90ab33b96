package dto

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/loan"
	"lending-engine/internal/domain/repayment"
)

const dateLayout = "2006-01-02"

// RunLifecycleRequest kicks off an accrual or demand run. LoanID and
// ProductID narrow the run; both zero means every open loan.
type RunLifecycleRequest struct {
	PostingDate string `json:"postingDate"`
	LoanID      int64  `json:"loanId,omitempty"`
	ProductID   int64  `json:"productId,omitempty"`
}

func (r *RunLifecycleRequest) Validate() error {
	if _, err := time.Parse(dateLayout, r.PostingDate); err != nil || r.PostingDate == "" {
		return fmt.Errorf("invalid postingDate format (use YYYY-MM-DD): %w", err)
	}
	if r.LoanID < 0 || r.ProductID < 0 {
		return fmt.Errorf("loanId and productId must not be negative")
	}
	return nil
}

func (r *RunLifecycleRequest) ParsedPostingDate() time.Time {
	d, _ := time.Parse(dateLayout, r.PostingDate)
	return d
}

func (r *RunLifecycleRequest) Filter() loan.Filter {
	return loan.Filter{LoanID: r.LoanID, ProductID: r.ProductID}
}

type RunLifecycleResponse struct {
	PostingDate    string  `json:"postingDate"`
	LoansProcessed int     `json:"loansProcessed"`
	LoanIDs        []int64 `json:"loanIds,omitempty"`
}

type SubmitRepaymentRequest struct {
	RepaymentType   string `json:"repaymentType"`
	PostingDate     string `json:"postingDate"`
	Amount          string `json:"amount"`
	ReferenceNumber string `json:"referenceNumber,omitempty"`
}

func (r *SubmitRepaymentRequest) Validate() error {
	if !repayment.RepaymentType(r.RepaymentType).Valid() {
		return fmt.Errorf("unknown repaymentType %q", r.RepaymentType)
	}
	if _, err := time.Parse(dateLayout, r.PostingDate); err != nil || r.PostingDate == "" {
		return fmt.Errorf("invalid postingDate format (use YYYY-MM-DD): %w", err)
	}
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil || r.Amount == "" {
		return fmt.Errorf("invalid payment amount: %w", err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("payment amount must be greater than zero")
	}
	return nil
}

func (r *SubmitRepaymentRequest) ToSubmitRequest(loanID int64) repayment.SubmitRequest {
	postingDate, _ := time.Parse(dateLayout, r.PostingDate)
	amount, _ := decimal.NewFromString(r.Amount)
	return repayment.SubmitRequest{
		LoanID:          loanID,
		RepaymentType:   repayment.RepaymentType(r.RepaymentType),
		PostingDate:     postingDate,
		Amount:          amount,
		ReferenceNumber: r.ReferenceNumber,
	}
}

type RepostRequest struct {
	FromDate    string `json:"fromDate"`
	ThroughDate string `json:"throughDate,omitempty"`
}

func (r *RepostRequest) Validate() error {
	from, err := time.Parse(dateLayout, r.FromDate)
	if err != nil || r.FromDate == "" {
		return fmt.Errorf("invalid fromDate format (use YYYY-MM-DD): %w", err)
	}
	if r.ThroughDate != "" {
		through, err := time.Parse(dateLayout, r.ThroughDate)
		if err != nil {
			return fmt.Errorf("invalid throughDate format (use YYYY-MM-DD): %w", err)
		}
		if through.Before(from) {
			return fmt.Errorf("throughDate must not precede fromDate")
		}
	}
	return nil
}

func (r *RepostRequest) ParsedDates(now time.Time) (from, through time.Time) {
	from, _ = time.Parse(dateLayout, r.FromDate)
	through = now.Truncate(24 * time.Hour)
	if r.ThroughDate != "" {
		through, _ = time.Parse(dateLayout, r.ThroughDate)
	}
	return from, through
}

type RepostResponse struct {
	LoanID              string `json:"loanId"`
	FromDate            string `json:"fromDate"`
	CancelledRepayments int    `json:"cancelledRepayments"`
	CancelledDemands    int    `json:"cancelledDemands"`
	CancelledAccruals   int    `json:"cancelledAccruals"`
	ReplayedRepayments  int    `json:"replayedRepayments"`
}

func NewRepostResponse(result *repayment.RepostResult) RepostResponse {
	return RepostResponse{
		LoanID:              strconv.FormatInt(result.LoanID, 10),
		FromDate:            result.FromDate.Format(dateLayout),
		CancelledRepayments: result.CancelledRepayments,
		CancelledDemands:    result.CancelledDemands,
		CancelledAccruals:   result.CancelledAccruals,
		ReplayedRepayments:  result.ReplayedRepayments,
	}
}

type RepaymentResponse struct {
	ID              string                    `json:"id"`
	LoanID          string                    `json:"loanId"`
	RepaymentType   string                    `json:"repaymentType"`
	PostingDate     string                    `json:"postingDate"`
	AmountPaid      string                    `json:"amountPaid"`
	PrincipalPaid   string                    `json:"principalPaid"`
	InterestPaid    string                    `json:"interestPaid"`
	PenaltyPaid     string                    `json:"penaltyPaid"`
	ChargesPaid     string                    `json:"chargesPaid"`
	ExcessAmount    string                    `json:"excessAmount"`
	RoundOffAmount  string                    `json:"roundOffAmount"`
	AutoClosedLoan  bool                      `json:"autoClosedLoan"`
	ReferenceNumber string                    `json:"referenceNumber"`
	Cancelled       bool                      `json:"cancelled"`
	Details         []RepaymentDetailResponse `json:"details,omitempty"`
}

type RepaymentDetailResponse struct {
	DemandID     string `json:"demandId,omitempty"`
	Component    string `json:"component"`
	PaidAmount   string `json:"paidAmount"`
	WaivedAmount string `json:"waivedAmount"`
}

func NewRepaymentResponse(r *repayment.Repayment) RepaymentResponse {
	resp := RepaymentResponse{
		ID:              strconv.FormatInt(r.ID, 10),
		LoanID:          strconv.FormatInt(r.LoanID, 10),
		RepaymentType:   string(r.RepaymentType),
		PostingDate:     r.PostingDate.Format(dateLayout),
		AmountPaid:      r.AmountPaid.StringFixed(2),
		PrincipalPaid:   r.PrincipalPaid.StringFixed(2),
		InterestPaid:    r.InterestPaid.StringFixed(2),
		PenaltyPaid:     r.PenaltyPaid.StringFixed(2),
		ChargesPaid:     r.ChargesPaid.StringFixed(2),
		ExcessAmount:    r.ExcessAmount.StringFixed(2),
		RoundOffAmount:  r.RoundOffAmount.StringFixed(2),
		AutoClosedLoan:  r.AutoClosedLoan,
		ReferenceNumber: r.ReferenceNumber,
		Cancelled:       r.Cancelled,
	}
	for _, d := range r.Details {
		detail := RepaymentDetailResponse{
			Component:    d.Component,
			PaidAmount:   d.PaidAmount.StringFixed(2),
			WaivedAmount: d.WaivedAmount.StringFixed(2),
		}
		if d.DemandID != 0 {
			detail.DemandID = strconv.FormatInt(d.DemandID, 10)
		}
		resp.Details = append(resp.Details, detail)
	}
	return resp
}

type OutstandingResponse struct {
	LoanID                 string `json:"loanId"`
	PostingDate            string `json:"postingDate"`
	RepaymentType          string `json:"repaymentType"`
	TotalDemandOutstanding string `json:"totalDemandOutstanding"`
	PendingPrincipal       string `json:"pendingPrincipal"`
	UnbilledInterest       string `json:"unbilledInterest"`
	UnbilledPenalty        string `json:"unbilledPenalty"`
	UnaccruedInterest      string `json:"unaccruedInterest"`
	Payable                string `json:"payable"`
}

func NewOutstandingResponse(loanID int64, postingDate time.Time, rt repayment.RepaymentType, amounts *repayment.OutstandingAmounts) OutstandingResponse {
	return OutstandingResponse{
		LoanID:                 strconv.FormatInt(loanID, 10),
		PostingDate:            postingDate.Format(dateLayout),
		RepaymentType:          string(rt),
		TotalDemandOutstanding: amounts.TotalDemandOutstanding.StringFixed(2),
		PendingPrincipal:       amounts.PendingPrincipal.StringFixed(2),
		UnbilledInterest:       amounts.UnbilledInterest.StringFixed(2),
		UnbilledPenalty:        amounts.UnbilledPenalty.StringFixed(2),
		UnaccruedInterest:      amounts.UnaccruedInterest.StringFixed(2),
		Payable:                amounts.Payable.StringFixed(2),
	}
}

type LoanResponse struct {
	ID                 string `json:"id"`
	ProductID          string `json:"productId"`
	PrincipalAmount    string `json:"principalAmount"`
	DisbursedAmount    string `json:"disbursedAmount"`
	RateOfInterest     string `json:"rateOfInterest"`
	TermType           string `json:"termType"`
	Status             string `json:"status"`
	IsNPA              bool   `json:"isNpa"`
	DisbursementDate   string `json:"disbursementDate"`
	RepaymentStartDate string `json:"repaymentStartDate"`
	TotalPrincipalPaid string `json:"totalPrincipalPaid"`
	TotalAmountPaid    string `json:"totalAmountPaid"`
	ExcessAmountPaid   string `json:"excessAmountPaid"`
	PendingPrincipal   string `json:"pendingPrincipal"`
}

func NewLoanResponse(l *loan.Loan) LoanResponse {
	return LoanResponse{
		ID:                 strconv.FormatInt(l.ID, 10),
		ProductID:          strconv.FormatInt(l.ProductID, 10),
		PrincipalAmount:    l.PrincipalAmount.StringFixed(2),
		DisbursedAmount:    l.DisbursedAmount.StringFixed(2),
		RateOfInterest:     l.RateOfInterest.String(),
		TermType:           string(l.TermType),
		Status:             string(l.Status),
		IsNPA:              l.IsNPA,
		DisbursementDate:   l.DisbursementDate.Format(dateLayout),
		RepaymentStartDate: l.RepaymentStartDate.Format(dateLayout),
		TotalPrincipalPaid: l.TotalPrincipalPaid.StringFixed(2),
		TotalAmountPaid:    l.TotalAmountPaid.StringFixed(2),
		ExcessAmountPaid:   l.ExcessAmountPaid.StringFixed(2),
		PendingPrincipal:   l.PendingPrincipal().StringFixed(2),
	}
}

type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type TokenRequest struct {
	Username string `json:"username"`
}
