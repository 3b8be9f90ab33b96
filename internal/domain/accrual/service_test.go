package accrual

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lending-engine/internal/domain/ledger"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/domain/pipeline"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type MockScheduleRepository struct {
	mock.Mock
}

func (m *MockScheduleRepository) ActiveSchedules(ctx context.Context, tx pgx.Tx, loanID int64, asOf time.Time, disbursementID int64) ([]*loan.RepaymentSchedule, error) {
	args := m.Called(ctx, tx, loanID, asOf, disbursementID)
	if schedules, ok := args.Get(0).([]*loan.RepaymentSchedule); ok {
		return schedules, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScheduleRepository) CreateScheduleInTx(ctx context.Context, tx pgx.Tx, schedule *loan.RepaymentSchedule) (*loan.RepaymentSchedule, error) {
	args := m.Called(ctx, tx, schedule)
	if sched, ok := args.Get(0).(*loan.RepaymentSchedule); ok {
		return sched, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScheduleRepository) UpdateScheduleStatusInTx(ctx context.Context, tx pgx.Tx, scheduleID int64, status loan.ScheduleStatus) error {
	args := m.Called(ctx, tx, scheduleID, status)
	return args.Error(0)
}

func (m *MockScheduleRepository) ListSchedules(ctx context.Context, tx pgx.Tx, loanID int64, status loan.ScheduleStatus) ([]*loan.RepaymentSchedule, error) {
	args := m.Called(ctx, tx, loanID, status)
	if schedules, ok := args.Get(0).([]*loan.RepaymentSchedule); ok {
		return schedules, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScheduleRepository) ClaimInstallmentInTx(ctx context.Context, tx pgx.Tx, installmentID int64) (bool, error) {
	args := m.Called(ctx, tx, installmentID)
	return args.Bool(0), args.Error(1)
}

func (m *MockScheduleRepository) ReleaseInstallmentInTx(ctx context.Context, tx pgx.Tx, installmentID int64) error {
	args := m.Called(ctx, tx, installmentID)
	return args.Error(0)
}

func (m *MockScheduleRepository) UpdateInstallmentCountsInTx(ctx context.Context, tx pgx.Tx, scheduleID int64, raised, paid, overdue int) error {
	args := m.Called(ctx, tx, scheduleID, raised, paid, overdue)
	return args.Error(0)
}

// MockAccrualRepository captures every created accrual so tests can check
// what got posted.
type MockAccrualRepository struct {
	mock.Mock
	nextID  int64
	created []*InterestAccrual
}

func (m *MockAccrualRepository) CreateInTx(ctx context.Context, tx pgx.Tx, a *InterestAccrual) (*InterestAccrual, error) {
	args := m.Called(ctx, tx, a)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	m.nextID++
	a.ID = m.nextID
	m.created = append(m.created, a)
	return a, nil
}

func (m *MockAccrualRepository) CancelInTx(ctx context.Context, tx pgx.Tx, accrualID int64) error {
	args := m.Called(ctx, tx, accrualID)
	return args.Error(0)
}

func (m *MockAccrualRepository) LastPostingDate(ctx context.Context, tx pgx.Tx, loanID int64, it InterestType, scheduleID, installmentID int64) (*time.Time, error) {
	args := m.Called(ctx, tx, loanID, it, scheduleID, installmentID)
	if d, ok := args.Get(0).(*time.Time); ok {
		return d, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccrualRepository) ListFrom(ctx context.Context, tx pgx.Tx, loanID int64, from time.Time, it InterestType) ([]*InterestAccrual, error) {
	args := m.Called(ctx, tx, loanID, from, it)
	if accruals, ok := args.Get(0).([]*InterestAccrual); ok {
		return accruals, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccrualRepository) ListUnbilled(ctx context.Context, tx pgx.Tx, loanID int64, asOf time.Time, it InterestType) ([]*InterestAccrual, error) {
	args := m.Called(ctx, tx, loanID, asOf, it)
	if accruals, ok := args.Get(0).([]*InterestAccrual); ok {
		return accruals, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccrualRepository) SumUnbilledInterest(ctx context.Context, tx pgx.Tx, loanID int64, before time.Time, it InterestType) (decimal.Decimal, error) {
	args := m.Called(ctx, tx, loanID, before, it)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type MockOverdueSource struct {
	mock.Mock
}

func (m *MockOverdueSource) OverdueEMIDemands(ctx context.Context, tx pgx.Tx, loanID int64, asOf time.Time) ([]OverdueEMIDemand, error) {
	args := m.Called(ctx, tx, loanID, asOf)
	if overdue, ok := args.Get(0).([]OverdueEMIDemand); ok {
		return overdue, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockPoster records every posted entry set for inspection.
type MockPoster struct {
	mock.Mock
	posted [][]ledger.Entry
}

func (m *MockPoster) PostEntries(ctx context.Context, tx pgx.Tx, entries []ledger.Entry, cancel bool) error {
	args := m.Called(ctx, tx, entries, cancel)
	if args.Error(0) == nil {
		m.posted = append(m.posted, entries)
	}
	return args.Error(0)
}

func (m *MockPoster) ReverseVoucher(ctx context.Context, tx pgx.Tx, voucherType ledger.VoucherType, voucherID int64, postingDate time.Time) error {
	args := m.Called(ctx, tx, voucherType, voucherID, postingDate)
	return args.Error(0)
}

type accrualFixture struct {
	service   *serviceImpl
	schedules *MockScheduleRepository
	accruals  *MockAccrualRepository
	overdue   *MockOverdueSource
	poster    *MockPoster
}

func newAccrualFixture() *accrualFixture {
	f := &accrualFixture{
		schedules: new(MockScheduleRepository),
		accruals:  new(MockAccrualRepository),
		overdue:   new(MockOverdueSource),
		poster:    new(MockPoster),
	}
	f.service = &serviceImpl{
		schedules: f.schedules,
		accruals:  f.accruals,
		overdue:   f.overdue,
		poster:    f.poster,
		logger:    testLogger,
	}
	return f
}

func accrualProduct() *loan.Product {
	return &loan.Product{
		ID:                 1,
		DayCountConvention: "ACTUAL_365",
		GracePeriodDays:    5,
		PenalInterestRate:  dec("24"),
		Accounts: loan.ProductAccounts{
			InterestAccrued:           "123101",
			InterestIncome:            "401101",
			SuspenseInterestIncome:    "401901",
			PenaltyAccrued:            "123201",
			PenaltyIncome:             "401201",
			AdditionalInterestAccrued: "123301",
			AdditionalInterestIncome:  "401301",
		},
	}
}

func TestAccrueLoanInTxNormalInterest(t *testing.T) {
	ctx := context.Background()
	posting := date(2025, 1, 31)

	demandLoan := func() *loan.Loan {
		return &loan.Loan{
			ID:                 2,
			ProductID:          1,
			TermType:           loan.TermDemand,
			Status:             loan.StatusActive,
			RateOfInterest:     dec("10"),
			DisbursementDate:   date(2025, 1, 1),
			DisbursedAmount:    decimal.NewFromInt(50_000),
			TotalPrincipalPaid: decimal.NewFromInt(10_000),
		}
	}

	t.Run("should post interest on pending principal since disbursement", func(t *testing.T) {
		f := newAccrualFixture()
		f.overdue.On("OverdueEMIDemands", ctx, mock.Anything, int64(2), posting).Return([]OverdueEMIDemand{}, nil)
		f.schedules.On("ActiveSchedules", ctx, mock.Anything, int64(2), posting, int64(0)).Return([]*loan.RepaymentSchedule{}, nil)
		f.accruals.On("LastPostingDate", ctx, mock.Anything, int64(2), InterestNormal, int64(0), int64(0)).Return(nil, nil)
		f.accruals.On("CreateInTx", ctx, mock.Anything, mock.AnythingOfType("*accrual.InterestAccrual")).Return(nil)
		f.poster.On("PostEntries", ctx, mock.Anything, mock.Anything, false).Return(nil)

		ids, err := f.service.AccrueLoanInTx(ctx, nil, demandLoan(), accrualProduct(), posting, pipeline.Options{})
		assert.NoError(t, err)
		require.Len(t, ids, 1)

		require.Len(t, f.accruals.created, 1)
		a := f.accruals.created[0]
		assert.Equal(t, InterestNormal, a.InterestType)
		assert.Equal(t, "40000.00", a.BaseAmount.StringFixed(2))
		// 31 inclusive days on 40000 at 10% over 365.
		assert.Equal(t, "339.73", a.InterestAmount.StringFixed(2))
		assert.Equal(t, date(2025, 1, 1), a.StartDate)
		assert.Equal(t, posting, a.PostingDate)

		require.Len(t, f.poster.posted, 1)
		entries := f.poster.posted[0]
		require.Len(t, entries, 2)
		assert.Equal(t, loan.Account("123101"), entries[0].Account)
		assert.Equal(t, "339.73", entries[0].Debit.StringFixed(2))
		assert.Equal(t, loan.Account("401101"), entries[1].Account)
		assert.Equal(t, "339.73", entries[1].Credit.StringFixed(2))
	})

	t.Run("an NPA loan parks the income in suspense", func(t *testing.T) {
		f := newAccrualFixture()
		l := demandLoan()
		l.IsNPA = true
		f.overdue.On("OverdueEMIDemands", ctx, mock.Anything, int64(2), posting).Return([]OverdueEMIDemand{}, nil)
		f.schedules.On("ActiveSchedules", ctx, mock.Anything, int64(2), posting, int64(0)).Return([]*loan.RepaymentSchedule{}, nil)
		f.accruals.On("LastPostingDate", ctx, mock.Anything, int64(2), InterestNormal, int64(0), int64(0)).Return(nil, nil)
		f.accruals.On("CreateInTx", ctx, mock.Anything, mock.AnythingOfType("*accrual.InterestAccrual")).Return(nil)
		f.poster.On("PostEntries", ctx, mock.Anything, mock.Anything, false).Return(nil)

		_, err := f.service.AccrueLoanInTx(ctx, nil, l, accrualProduct(), posting, pipeline.Options{})
		require.NoError(t, err)

		require.Len(t, f.poster.posted, 1)
		entries := f.poster.posted[0]
		require.Len(t, entries, 4)
		assert.Equal(t, loan.Account("401101"), entries[2].Account)
		assert.Equal(t, "339.73", entries[2].Debit.StringFixed(2))
		assert.Equal(t, loan.Account("401901"), entries[3].Account)
		assert.Equal(t, "339.73", entries[3].Credit.StringFixed(2))
	})

	t.Run("should post nothing for a closed loan", func(t *testing.T) {
		f := newAccrualFixture()
		l := demandLoan()
		l.Status = loan.StatusClosed

		ids, err := f.service.AccrueLoanInTx(ctx, nil, l, accrualProduct(), posting, pipeline.Options{})
		assert.NoError(t, err)
		assert.Empty(t, ids)
		f.accruals.AssertNotCalled(t, "CreateInTx", ctx, mock.Anything, mock.Anything)
	})
}

func TestAccrueLoanInTxPenalInterest(t *testing.T) {
	ctx := context.Background()

	termLoan := func() *loan.Loan {
		return &loan.Loan{
			ID:               1,
			ProductID:        1,
			TermType:         loan.TermAmortizing,
			Status:           loan.StatusActive,
			RateOfInterest:   dec("8.4"),
			DisbursementDate: date(2025, 1, 27),
		}
	}
	overdueRow := OverdueEMIDemand{
		InstallmentID:        102,
		ScheduleID:           10,
		DisbursementID:       7,
		DemandDate:           date(2025, 2, 27),
		PendingAmount:        dec("15051.72"),
		PrincipalOutstanding: dec("13054.13"),
	}

	expectNoNormalAccrual := func(f *accrualFixture, posting time.Time) {
		f.schedules.On("ActiveSchedules", ctx, mock.Anything, int64(1), posting, int64(0)).Return([]*loan.RepaymentSchedule{}, nil)
		f.accruals.On("LastPostingDate", ctx, mock.Anything, int64(1), InterestNormal, int64(0), int64(0)).Return(nil, nil)
	}

	t.Run("should carve additional interest out of the penal amount", func(t *testing.T) {
		posting := date(2025, 3, 15)
		f := newAccrualFixture()
		expectNoNormalAccrual(f, posting)
		f.overdue.On("OverdueEMIDemands", ctx, mock.Anything, int64(1), posting).Return([]OverdueEMIDemand{overdueRow}, nil)
		f.accruals.On("LastPostingDate", ctx, mock.Anything, int64(1), InterestPenal, int64(0), int64(102)).Return(nil, nil)
		f.accruals.On("CreateInTx", ctx, mock.Anything, mock.AnythingOfType("*accrual.InterestAccrual")).Return(nil)
		f.poster.On("PostEntries", ctx, mock.Anything, mock.Anything, false).Return(nil)

		ids, err := f.service.AccrueLoanInTx(ctx, nil, termLoan(), accrualProduct(), posting, pipeline.Options{})
		assert.NoError(t, err)
		require.Len(t, ids, 1)

		require.Len(t, f.accruals.created, 1)
		a := f.accruals.created[0]
		assert.Equal(t, InterestPenal, a.InterestType)
		assert.Equal(t, int64(102), a.InstallmentID)
		assert.Equal(t, date(2025, 2, 27), a.StartDate)
		// 16 days on the pending EMI at the 24% penal rate.
		assert.Equal(t, "158.35", a.InterestAmount.StringFixed(2))
		// 16 days on the unpaid principal portion at the loan's own rate,
		// capped by the penal amount.
		assert.Equal(t, "48.07", a.AdditionalInterestAmount.StringFixed(2))

		require.Len(t, f.poster.posted, 1)
		entries := f.poster.posted[0]
		require.Len(t, entries, 4)
		assert.Equal(t, loan.Account("123201"), entries[0].Account)
		assert.Equal(t, "110.28", entries[0].Debit.StringFixed(2))
		assert.Equal(t, loan.Account("401201"), entries[1].Account)
		assert.Equal(t, loan.Account("123301"), entries[2].Account)
		assert.Equal(t, "48.07", entries[2].Debit.StringFixed(2))
		assert.Equal(t, loan.Account("401301"), entries[3].Account)
	})

	t.Run("the grace period defers penal accrual", func(t *testing.T) {
		posting := date(2025, 3, 3)
		f := newAccrualFixture()
		expectNoNormalAccrual(f, posting)
		f.overdue.On("OverdueEMIDemands", ctx, mock.Anything, int64(1), posting).Return([]OverdueEMIDemand{overdueRow}, nil)

		ids, err := f.service.AccrueLoanInTx(ctx, nil, termLoan(), accrualProduct(), posting, pipeline.Options{})
		assert.NoError(t, err)
		assert.Empty(t, ids)
		f.accruals.AssertNotCalled(t, "CreateInTx", ctx, mock.Anything, mock.Anything)
	})

	t.Run("a prior penal posting moves the accrual window forward", func(t *testing.T) {
		posting := date(2025, 3, 15)
		f := newAccrualFixture()
		expectNoNormalAccrual(f, posting)
		last := date(2025, 3, 10)
		f.overdue.On("OverdueEMIDemands", ctx, mock.Anything, int64(1), posting).Return([]OverdueEMIDemand{overdueRow}, nil)
		f.accruals.On("LastPostingDate", ctx, mock.Anything, int64(1), InterestPenal, int64(0), int64(102)).Return(&last, nil)
		f.accruals.On("CreateInTx", ctx, mock.Anything, mock.AnythingOfType("*accrual.InterestAccrual")).Return(nil)
		f.poster.On("PostEntries", ctx, mock.Anything, mock.Anything, false).Return(nil)

		_, err := f.service.AccrueLoanInTx(ctx, nil, termLoan(), accrualProduct(), posting, pipeline.Options{})
		require.NoError(t, err)
		require.Len(t, f.accruals.created, 1)
		assert.Equal(t, date(2025, 3, 11), f.accruals.created[0].StartDate)
		// 4 days on 15051.72 at 24% over 365.
		assert.Equal(t, "39.59", f.accruals.created[0].InterestAmount.StringFixed(2))
	})
}

func TestReverseAccrualsInTx(t *testing.T) {
	ctx := context.Background()
	from := date(2025, 3, 1)
	l := &loan.Loan{ID: 1, Status: loan.StatusActive}

	t.Run("should cancel each accrual and reverse its voucher", func(t *testing.T) {
		f := newAccrualFixture()
		listed := []*InterestAccrual{
			{ID: 9, LoanID: 1, InterestType: InterestNormal, PostingDate: date(2025, 3, 15)},
			{ID: 8, LoanID: 1, InterestType: InterestNormal, PostingDate: date(2025, 3, 10)},
		}
		f.accruals.On("ListFrom", ctx, mock.Anything, int64(1), from, InterestNormal).Return(listed, nil)
		f.accruals.On("CancelInTx", ctx, mock.Anything, int64(9)).Return(nil)
		f.accruals.On("CancelInTx", ctx, mock.Anything, int64(8)).Return(nil)
		f.poster.On("ReverseVoucher", ctx, mock.Anything, ledger.VoucherInterestAccrual, int64(9), date(2025, 3, 15)).Return(nil)
		f.poster.On("ReverseVoucher", ctx, mock.Anything, ledger.VoucherInterestAccrual, int64(8), date(2025, 3, 10)).Return(nil)

		reversed, err := f.service.ReverseAccrualsInTx(ctx, nil, l, from, InterestNormal)
		assert.NoError(t, err)
		assert.Len(t, reversed, 2)
		f.accruals.AssertExpectations(t)
		f.poster.AssertExpectations(t)
	})
}
