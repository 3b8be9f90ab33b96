package demand

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lending-engine/internal/domain/accrual"
	"lending-engine/internal/domain/ledger"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/domain/pipeline"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
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

// MockDemandRepository captures every created demand so tests can inspect
// what the generator raised.
type MockDemandRepository struct {
	mock.Mock
	nextID  int64
	created []*Demand
}

func (m *MockDemandRepository) CreateInTx(ctx context.Context, tx pgx.Tx, d *Demand) (*Demand, error) {
	args := m.Called(ctx, tx, d)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	m.nextID++
	d.ID = m.nextID
	m.created = append(m.created, d)
	return d, nil
}

func (m *MockDemandRepository) CancelInTx(ctx context.Context, tx pgx.Tx, demandID int64) error {
	args := m.Called(ctx, tx, demandID)
	return args.Error(0)
}

func (m *MockDemandRepository) UnpaidDemands(ctx context.Context, tx pgx.Tx, loanID int64, asOf *time.Time, types []DemandType) ([]*Demand, error) {
	args := m.Called(ctx, tx, loanID, asOf, types)
	if demands, ok := args.Get(0).([]*Demand); ok {
		return demands, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDemandRepository) ApplyPaymentInTx(ctx context.Context, tx pgx.Tx, demandID int64, paidDelta, waivedDelta decimal.Decimal) error {
	args := m.Called(ctx, tx, demandID, paidDelta, waivedDelta)
	return args.Error(0)
}

func (m *MockDemandRepository) ListFrom(ctx context.Context, tx pgx.Tx, loanID int64, from time.Time) ([]*Demand, error) {
	args := m.Called(ctx, tx, loanID, from)
	if demands, ok := args.Get(0).([]*Demand); ok {
		return demands, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDemandRepository) LastDemandDate(ctx context.Context, tx pgx.Tx, loanID int64, dt DemandType) (*time.Time, error) {
	args := m.Called(ctx, tx, loanID, dt)
	if d, ok := args.Get(0).(*time.Time); ok {
		return d, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDemandRepository) SumOutstanding(ctx context.Context, tx pgx.Tx, loanID int64, types []DemandType) (decimal.Decimal, error) {
	args := m.Called(ctx, tx, loanID, types)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type MockAccrualRepository struct {
	mock.Mock
}

func (m *MockAccrualRepository) CreateInTx(ctx context.Context, tx pgx.Tx, a *accrual.InterestAccrual) (*accrual.InterestAccrual, error) {
	args := m.Called(ctx, tx, a)
	if created, ok := args.Get(0).(*accrual.InterestAccrual); ok {
		return created, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccrualRepository) CancelInTx(ctx context.Context, tx pgx.Tx, accrualID int64) error {
	args := m.Called(ctx, tx, accrualID)
	return args.Error(0)
}

func (m *MockAccrualRepository) LastPostingDate(ctx context.Context, tx pgx.Tx, loanID int64, it accrual.InterestType, scheduleID, installmentID int64) (*time.Time, error) {
	args := m.Called(ctx, tx, loanID, it, scheduleID, installmentID)
	if d, ok := args.Get(0).(*time.Time); ok {
		return d, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccrualRepository) ListFrom(ctx context.Context, tx pgx.Tx, loanID int64, from time.Time, it accrual.InterestType) ([]*accrual.InterestAccrual, error) {
	args := m.Called(ctx, tx, loanID, from, it)
	if accruals, ok := args.Get(0).([]*accrual.InterestAccrual); ok {
		return accruals, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccrualRepository) ListUnbilled(ctx context.Context, tx pgx.Tx, loanID int64, asOf time.Time, it accrual.InterestType) ([]*accrual.InterestAccrual, error) {
	args := m.Called(ctx, tx, loanID, asOf, it)
	if accruals, ok := args.Get(0).([]*accrual.InterestAccrual); ok {
		return accruals, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccrualRepository) SumUnbilledInterest(ctx context.Context, tx pgx.Tx, loanID int64, before time.Time, it accrual.InterestType) (decimal.Decimal, error) {
	args := m.Called(ctx, tx, loanID, before, it)
	return args.Get(0).(decimal.Decimal), args.Error(1)
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

type MockInvoiceReverser struct {
	mock.Mock
}

func (m *MockInvoiceReverser) ReverseInvoice(ctx context.Context, tx pgx.Tx, invoiceID string) error {
	args := m.Called(ctx, tx, invoiceID)
	return args.Error(0)
}

type generatorFixture struct {
	service   *serviceImpl
	schedules *MockScheduleRepository
	demands   *MockDemandRepository
	accruals  *MockAccrualRepository
	poster    *MockPoster
	invoices  *MockInvoiceReverser
}

func newGeneratorFixture() *generatorFixture {
	f := &generatorFixture{
		schedules: new(MockScheduleRepository),
		demands:   new(MockDemandRepository),
		accruals:  new(MockAccrualRepository),
		poster:    new(MockPoster),
		invoices:  new(MockInvoiceReverser),
	}
	f.service = &serviceImpl{
		schedules: f.schedules,
		demands:   f.demands,
		accruals:  f.accruals,
		poster:    f.poster,
		invoices:  f.invoices,
		logger:    testLogger,
	}
	return f
}

func generatorProduct() *loan.Product {
	return &loan.Product{
		ID: 1,
		Accounts: loan.ProductAccounts{
			InterestAccrued:              "123101",
			InterestReceivable:           "123102",
			InterestIncome:               "401101",
			BrokenPeriodRecovery:         "401102",
			PenaltyAccrued:               "123201",
			PenaltyReceivable:            "123202",
			PenaltyIncome:                "401201",
			AdditionalInterestAccrued:    "123301",
			AdditionalInterestReceivable: "123302",
			AdditionalInterestIncome:     "401301",
		},
	}
}

func termScheduleFixture() *loan.RepaymentSchedule {
	disbID := int64(7)
	return &loan.RepaymentSchedule{
		ID:                 10,
		LoanID:             42,
		DisbursementID:     &disbID,
		Status:             loan.ScheduleActive,
		RepaymentStartDate: date(2025, 2, 27),
		Installments: []loan.Installment{
			{ID: 101, ScheduleID: 10, PaymentDate: date(2025, 1, 31), PrincipalAmount: decimal.Zero, InterestAmount: dec("450.41")},
			{ID: 102, ScheduleID: 10, PaymentDate: date(2025, 2, 27), PrincipalAmount: dec("13054.13"), InterestAmount: dec("1997.59")},
			{ID: 103, ScheduleID: 10, PaymentDate: date(2025, 3, 27), PrincipalAmount: dec("13145.51"), InterestAmount: dec("1906.21")},
		},
	}
}

func TestGenerateForLoanInTxTermLoan(t *testing.T) {
	ctx := context.Background()
	posting := date(2025, 2, 28)
	l := &loan.Loan{ID: 42, ProductID: 1, TermType: loan.TermAmortizing, Status: loan.StatusActive}

	t.Run("should bill due installments and leave future rows alone", func(t *testing.T) {
		f := newGeneratorFixture()
		f.schedules.On("ActiveSchedules", ctx, mock.Anything, int64(42), posting, int64(0)).
			Return([]*loan.RepaymentSchedule{termScheduleFixture()}, nil)
		f.schedules.On("ClaimInstallmentInTx", ctx, mock.Anything, int64(101)).Return(true, nil)
		f.schedules.On("ClaimInstallmentInTx", ctx, mock.Anything, int64(102)).Return(true, nil)
		f.schedules.On("UpdateInstallmentCountsInTx", ctx, mock.Anything, int64(10), 2, 0, 0).Return(nil)
		f.demands.On("CreateInTx", ctx, mock.Anything, mock.AnythingOfType("*demand.Demand")).Return(nil)
		f.poster.On("PostEntries", ctx, mock.Anything, mock.Anything, false).Return(nil)
		f.accruals.On("ListUnbilled", ctx, mock.Anything, int64(42), posting, accrual.InterestPenal).
			Return([]*accrual.InterestAccrual{}, nil)

		ids, err := f.service.GenerateForLoanInTx(ctx, nil, l, generatorProduct(), posting, pipeline.Options{})
		assert.NoError(t, err)
		assert.Len(t, ids, 3)
		f.schedules.AssertNotCalled(t, "ClaimInstallmentInTx", ctx, mock.Anything, int64(103))
		f.schedules.AssertExpectations(t)

		require.Len(t, f.demands.created, 3)
		bpi, emiInterest, emiPrincipal := f.demands.created[0], f.demands.created[1], f.demands.created[2]
		assert.Equal(t, DemandBPI, bpi.DemandType)
		assert.Equal(t, SubtypeInterest, bpi.DemandSubtype)
		assert.Equal(t, DemandEMI, emiInterest.DemandType)
		assert.Equal(t, SubtypeInterest, emiInterest.DemandSubtype)
		assert.Equal(t, "1997.59", emiInterest.Amount.StringFixed(2))
		assert.Equal(t, DemandEMI, emiPrincipal.DemandType)
		assert.Equal(t, SubtypePrincipal, emiPrincipal.DemandSubtype)
		assert.Equal(t, "13054.13", emiPrincipal.Amount.StringFixed(2))
		for _, d := range f.demands.created {
			assert.Equal(t, int64(7), d.DisbursementID)
		}
	})

	t.Run("broken period interest is born settled and books recovery income", func(t *testing.T) {
		f := newGeneratorFixture()
		f.schedules.On("ActiveSchedules", ctx, mock.Anything, int64(42), posting, int64(0)).
			Return([]*loan.RepaymentSchedule{termScheduleFixture()}, nil)
		f.schedules.On("ClaimInstallmentInTx", ctx, mock.Anything, mock.Anything).Return(true, nil)
		f.schedules.On("UpdateInstallmentCountsInTx", ctx, mock.Anything, int64(10), 2, 0, 0).Return(nil)
		f.demands.On("CreateInTx", ctx, mock.Anything, mock.AnythingOfType("*demand.Demand")).Return(nil)
		f.poster.On("PostEntries", ctx, mock.Anything, mock.Anything, false).Return(nil)
		f.accruals.On("ListUnbilled", ctx, mock.Anything, int64(42), posting, accrual.InterestPenal).
			Return([]*accrual.InterestAccrual{}, nil)

		_, err := f.service.GenerateForLoanInTx(ctx, nil, l, generatorProduct(), posting, pipeline.Options{})
		require.NoError(t, err)
		require.Len(t, f.demands.created, 3)

		bpi := f.demands.created[0]
		require.Equal(t, DemandBPI, bpi.DemandType)
		assert.Equal(t, "450.41", bpi.Amount.StringFixed(2))
		assert.Equal(t, "450.41", bpi.PaidAmount.StringFixed(2))
		assert.True(t, bpi.OutstandingAmount.IsZero())
		assert.NoError(t, bpi.CheckConsistency())

		// The EMI components stay fully outstanding.
		for _, d := range f.demands.created[1:] {
			assert.True(t, d.PaidAmount.IsZero())
			assert.True(t, d.OutstandingAmount.Equal(d.Amount))
		}

		require.NotEmpty(t, f.poster.posted)
		entries := f.poster.posted[0]
		require.Len(t, entries, 2)
		assert.Equal(t, loan.Account("123102"), entries[0].Account)
		assert.Equal(t, "450.41", entries[0].Debit.StringFixed(2))
		assert.Equal(t, loan.Account("401102"), entries[1].Account)
		assert.Equal(t, "450.41", entries[1].Credit.StringFixed(2))
	})

	t.Run("should skip installments another batch already claimed", func(t *testing.T) {
		f := newGeneratorFixture()
		f.schedules.On("ActiveSchedules", ctx, mock.Anything, int64(42), posting, int64(0)).
			Return([]*loan.RepaymentSchedule{termScheduleFixture()}, nil)
		f.schedules.On("ClaimInstallmentInTx", ctx, mock.Anything, mock.Anything).Return(false, nil)
		f.accruals.On("ListUnbilled", ctx, mock.Anything, int64(42), posting, accrual.InterestPenal).
			Return([]*accrual.InterestAccrual{}, nil)

		ids, err := f.service.GenerateForLoanInTx(ctx, nil, l, generatorProduct(), posting, pipeline.Options{})
		assert.NoError(t, err)
		assert.Empty(t, ids)
		f.demands.AssertNotCalled(t, "CreateInTx", ctx, mock.Anything, mock.Anything)
		f.schedules.AssertNotCalled(t, "UpdateInstallmentCountsInTx", ctx, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should do nothing for a closed loan", func(t *testing.T) {
		f := newGeneratorFixture()
		closed := &loan.Loan{ID: 42, TermType: loan.TermAmortizing, Status: loan.StatusClosed}

		ids, err := f.service.GenerateForLoanInTx(ctx, nil, closed, generatorProduct(), posting, pipeline.Options{})
		assert.NoError(t, err)
		assert.Empty(t, ids)
		f.schedules.AssertNotCalled(t, "ActiveSchedules", ctx, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should stop when claiming fails", func(t *testing.T) {
		f := newGeneratorFixture()
		f.schedules.On("ActiveSchedules", ctx, mock.Anything, int64(42), posting, int64(0)).
			Return([]*loan.RepaymentSchedule{termScheduleFixture()}, nil)
		f.schedules.On("ClaimInstallmentInTx", ctx, mock.Anything, int64(101)).
			Return(false, errors.New("lock timeout"))

		_, err := f.service.GenerateForLoanInTx(ctx, nil, l, generatorProduct(), posting, pipeline.Options{})
		assert.ErrorContains(t, err, "lock timeout")
	})
}

func TestGenerateForLoanInTxDemandLoan(t *testing.T) {
	ctx := context.Background()
	posting := date(2025, 3, 31)
	l := &loan.Loan{ID: 42, ProductID: 1, TermType: loan.TermDemand, Status: loan.StatusActive}

	t.Run("should bill posted unbilled normal accruals once", func(t *testing.T) {
		f := newGeneratorFixture()
		f.accruals.On("ListUnbilled", ctx, mock.Anything, int64(42), posting, accrual.InterestNormal).
			Return([]*accrual.InterestAccrual{
				{ID: 31, LoanID: 42, DisbursementID: 7, InterestType: accrual.InterestNormal, InterestAmount: dec("1065.21")},
				{ID: 32, LoanID: 42, InterestType: accrual.InterestNormal, InterestAmount: decimal.Zero},
			}, nil)
		f.accruals.On("ListUnbilled", ctx, mock.Anything, int64(42), posting, accrual.InterestPenal).
			Return([]*accrual.InterestAccrual{}, nil)
		f.demands.On("CreateInTx", ctx, mock.Anything, mock.AnythingOfType("*demand.Demand")).Return(nil)
		f.poster.On("PostEntries", ctx, mock.Anything, mock.Anything, false).Return(nil)

		ids, err := f.service.GenerateForLoanInTx(ctx, nil, l, generatorProduct(), posting, pipeline.Options{})
		assert.NoError(t, err)
		require.Len(t, ids, 1)

		require.Len(t, f.demands.created, 1)
		d := f.demands.created[0]
		assert.Equal(t, DemandNormal, d.DemandType)
		assert.Equal(t, SubtypeInterest, d.DemandSubtype)
		assert.Equal(t, int64(31), d.AccrualID)
		assert.Equal(t, int64(7), d.DisbursementID)
		assert.Equal(t, "1065.21", d.Amount.StringFixed(2))
		assert.Equal(t, posting, d.DemandDate)

		require.Len(t, f.poster.posted, 1)
		entries := f.poster.posted[0]
		assert.Equal(t, loan.Account("123102"), entries[0].Account)
		assert.Equal(t, loan.Account("123101"), entries[1].Account)
	})
}

func TestRaisePenaltyDemands(t *testing.T) {
	ctx := context.Background()
	posting := date(2025, 3, 31)
	l := &loan.Loan{ID: 42, ProductID: 1, TermType: loan.TermAmortizing, Status: loan.StatusActive}

	t.Run("should carve additional interest out of the penal accrual", func(t *testing.T) {
		f := newGeneratorFixture()
		f.schedules.On("ActiveSchedules", ctx, mock.Anything, int64(42), posting, int64(0)).
			Return([]*loan.RepaymentSchedule{}, nil)
		f.accruals.On("ListUnbilled", ctx, mock.Anything, int64(42), posting, accrual.InterestPenal).
			Return([]*accrual.InterestAccrual{{
				ID:                       55,
				LoanID:                   42,
				ScheduleID:               10,
				InstallmentID:            102,
				DisbursementID:           7,
				InterestType:             accrual.InterestPenal,
				InterestAmount:           dec("120.00"),
				AdditionalInterestAmount: dec("20.00"),
				PostingDate:              date(2025, 3, 15),
			}}, nil)
		f.demands.On("CreateInTx", ctx, mock.Anything, mock.AnythingOfType("*demand.Demand")).Return(nil)
		f.poster.On("PostEntries", ctx, mock.Anything, mock.Anything, false).Return(nil)

		ids, err := f.service.GenerateForLoanInTx(ctx, nil, l, generatorProduct(), posting, pipeline.Options{})
		assert.NoError(t, err)
		require.Len(t, ids, 2)

		require.Len(t, f.demands.created, 2)
		penalty, additional := f.demands.created[0], f.demands.created[1]
		assert.Equal(t, DemandPenalty, penalty.DemandType)
		assert.Equal(t, "100.00", penalty.Amount.StringFixed(2))
		assert.Equal(t, int64(55), penalty.AccrualID)
		assert.Equal(t, date(2025, 3, 15), penalty.DemandDate)
		assert.Equal(t, DemandAdditionalInterest, additional.DemandType)
		assert.Equal(t, "20.00", additional.Amount.StringFixed(2))
		assert.Equal(t, int64(55), additional.AccrualID)

		require.Len(t, f.poster.posted, 2)
		assert.Equal(t, loan.Account("123202"), f.poster.posted[0][0].Account)
		assert.Equal(t, loan.Account("123201"), f.poster.posted[0][1].Account)
		assert.Equal(t, loan.Account("123302"), f.poster.posted[1][0].Account)
		assert.Equal(t, loan.Account("123301"), f.poster.posted[1][1].Account)
	})

	t.Run("a penal accrual that is all carve-out raises a single demand", func(t *testing.T) {
		f := newGeneratorFixture()
		f.schedules.On("ActiveSchedules", ctx, mock.Anything, int64(42), posting, int64(0)).
			Return([]*loan.RepaymentSchedule{}, nil)
		f.accruals.On("ListUnbilled", ctx, mock.Anything, int64(42), posting, accrual.InterestPenal).
			Return([]*accrual.InterestAccrual{{
				ID:                       56,
				LoanID:                   42,
				InterestType:             accrual.InterestPenal,
				InterestAmount:           dec("20.00"),
				AdditionalInterestAmount: dec("20.00"),
				PostingDate:              date(2025, 3, 15),
			}}, nil)
		f.demands.On("CreateInTx", ctx, mock.Anything, mock.AnythingOfType("*demand.Demand")).Return(nil)
		f.poster.On("PostEntries", ctx, mock.Anything, mock.Anything, false).Return(nil)

		ids, err := f.service.GenerateForLoanInTx(ctx, nil, l, generatorProduct(), posting, pipeline.Options{})
		assert.NoError(t, err)
		require.Len(t, ids, 1)
		assert.Equal(t, DemandAdditionalInterest, f.demands.created[0].DemandType)
	})
}

func TestReverseDemandsInTx(t *testing.T) {
	ctx := context.Background()
	from := date(2025, 2, 1)
	l := &loan.Loan{ID: 42, ProductID: 1, Status: loan.StatusActive}

	t.Run("should cancel demands, reverse vouchers and release installments", func(t *testing.T) {
		f := newGeneratorFixture()
		listed := []*Demand{
			{ID: 3, LoanID: 42, ScheduleID: 10, DemandType: DemandEMI, DemandSubtype: SubtypePrincipal, DemandDate: date(2025, 2, 27), InstallmentID: 102, Amount: dec("13054.13"), OutstandingAmount: dec("13054.13")},
			{ID: 2, LoanID: 42, ScheduleID: 10, DemandType: DemandEMI, DemandSubtype: SubtypeInterest, DemandDate: date(2025, 2, 27), InstallmentID: 102, Amount: dec("1997.59"), OutstandingAmount: dec("1997.59")},
		}
		f.demands.On("ListFrom", ctx, mock.Anything, int64(42), from).Return(listed, nil)
		f.demands.On("CancelInTx", ctx, mock.Anything, int64(3)).Return(nil)
		f.demands.On("CancelInTx", ctx, mock.Anything, int64(2)).Return(nil)
		f.poster.On("ReverseVoucher", ctx, mock.Anything, ledger.VoucherDemand, int64(3), date(2025, 2, 27)).Return(nil)
		f.poster.On("ReverseVoucher", ctx, mock.Anything, ledger.VoucherDemand, int64(2), date(2025, 2, 27)).Return(nil)
		f.schedules.On("ReleaseInstallmentInTx", ctx, mock.Anything, int64(102)).Return(nil)
		f.schedules.On("UpdateInstallmentCountsInTx", ctx, mock.Anything, int64(10), -1, 0, 0).Return(nil)

		reversed, err := f.service.ReverseDemandsInTx(ctx, nil, l, from, pipeline.Options{})
		assert.NoError(t, err)
		assert.Len(t, reversed, 2)
		// Only the interest component releases the installment claim.
		f.schedules.AssertNumberOfCalls(t, "ReleaseInstallmentInTx", 1)
		f.schedules.AssertExpectations(t)
	})

	t.Run("a settled demand blocks reversal until its repayments cancel", func(t *testing.T) {
		f := newGeneratorFixture()
		f.demands.On("ListFrom", ctx, mock.Anything, int64(42), from).Return([]*Demand{
			{ID: 2, LoanID: 42, DemandType: DemandEMI, DemandSubtype: SubtypeInterest, DemandDate: date(2025, 2, 27), Amount: dec("1997.59"), PaidAmount: dec("500.00"), OutstandingAmount: dec("1497.59")},
		}, nil)

		_, err := f.service.ReverseDemandsInTx(ctx, nil, l, from, pipeline.Options{})
		assert.ErrorContains(t, err, "cancel repayments first")
		f.demands.AssertNotCalled(t, "CancelInTx", ctx, mock.Anything, mock.Anything)
	})

	t.Run("a born settled broken period demand reverses freely", func(t *testing.T) {
		f := newGeneratorFixture()
		f.demands.On("ListFrom", ctx, mock.Anything, int64(42), from).Return([]*Demand{
			{ID: 1, LoanID: 42, ScheduleID: 10, DemandType: DemandBPI, DemandSubtype: SubtypeInterest, DemandDate: date(2025, 2, 10), InstallmentID: 101, Amount: dec("450.41"), PaidAmount: dec("450.41"), OutstandingAmount: decimal.Zero},
		}, nil)
		f.demands.On("CancelInTx", ctx, mock.Anything, int64(1)).Return(nil)
		f.poster.On("ReverseVoucher", ctx, mock.Anything, ledger.VoucherDemand, int64(1), date(2025, 2, 10)).Return(nil)
		f.schedules.On("ReleaseInstallmentInTx", ctx, mock.Anything, int64(101)).Return(nil)
		f.schedules.On("UpdateInstallmentCountsInTx", ctx, mock.Anything, int64(10), -1, 0, 0).Return(nil)

		reversed, err := f.service.ReverseDemandsInTx(ctx, nil, l, from, pipeline.Options{})
		assert.NoError(t, err)
		assert.Len(t, reversed, 1)
	})
}
