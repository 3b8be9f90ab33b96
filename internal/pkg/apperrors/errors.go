package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("resource not found")

	ErrInvalidArgument = errors.New("invalid argument")

	ErrValidation = errors.New("validation failed")

	ErrConsistency = errors.New("consistency check failed")

	ErrAlreadyExists = errors.New("resource already exists")

	ErrDatabase = errors.New("database error")

	ErrInternalServer = errors.New("internal server error")

	ErrMissingAccount = errors.New("account not configured on loan product")

	ErrInvalidPaymentAmount = errors.New("invalid payment amount")

	ErrLoanClosed = errors.New("repayment cannot be made for closed loan")

	ErrUnauthorized = errors.New("unauthorized")

	ErrForbidden = errors.New("forbidden")

	ErrConflict = errors.New("resource conflict")
)

type ValidationError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func NewValidationError(field, message string) error {
	return fmt.Errorf("%w: %w", ErrValidation, &ValidationError{Field: field, Message: message})
}

// ConsistencyError is fatal for the loan being processed: it means posted
// state no longer satisfies an invariant (overlapping accrual periods,
// negative demand outstanding) and further posting would compound the damage.
type ConsistencyError struct {
	LoanID    int64
	Operation string
	Message   string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency check failed for loan %d during %s: %s", e.LoanID, e.Operation, e.Message)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrConsistency
}

func NewConsistencyError(loanID int64, operation, message string) error {
	return &ConsistencyError{LoanID: loanID, Operation: operation, Message: message}
}

// BatchItemError records a failure for one loan inside a multi-loan batch.
// The batch continues; callers collect these into a BatchError.
type BatchItemError struct {
	LoanID int64
	Err    error
}

func (e *BatchItemError) Error() string {
	return fmt.Sprintf("loan %d: %v", e.LoanID, e.Err)
}

func (e *BatchItemError) Unwrap() error {
	return e.Err
}

type BatchError struct {
	Items []*BatchItemError
}

func (e *BatchError) Error() string {
	msgs := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		msgs = append(msgs, item.Error())
	}
	return fmt.Sprintf("%d loan(s) failed in batch: %s", len(e.Items), strings.Join(msgs, "; "))
}

func (e *BatchError) Add(loanID int64, err error) {
	e.Items = append(e.Items, &BatchItemError{LoanID: loanID, Err: err})
}

func (e *BatchError) OrNil() error {
	if len(e.Items) == 0 {
		return nil
	}
	return e
}

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func WrapDatabaseError(cause error, message string) error {
	return &AppError{
		Code:    "DB_ERROR",
		Message: message,
		Cause:   fmt.Errorf("%w: %w", ErrDatabase, cause),
	}
}
