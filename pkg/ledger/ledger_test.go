package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/metrics"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/mcclellann/fredLoan/pkg/waterfall"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockStore is a simple in-memory implementation of the Storage interface for testing.
type MockStore struct {
	mu           sync.Mutex
	loans        map[uuid.UUID]*models.Loan
	rows         map[uuid.UUID][]models.ScheduleRow
	transactions []*models.Transaction
	failSchedule map[uuid.UUID]bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		loans:        make(map[uuid.UUID]*models.Loan),
		rows:         make(map[uuid.UUID][]models.ScheduleRow),
		transactions: []*models.Transaction{},
		failSchedule: make(map[uuid.UUID]bool),
	}
}

func (m *MockStore) CreateLoan(loan *models.Loan, rows []models.ScheduleRow, disbursement *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *loan
	m.loans[loan.ID] = &cp
	m.rows[loan.ID] = append([]models.ScheduleRow(nil), rows...)
	if disbursement != nil {
		tx := *disbursement
		m.transactions = append(m.transactions, &tx)
	}
	return nil
}

func (m *MockStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	cp := *loan
	return &cp, nil
}

func (m *MockStore) UpdateLoan(loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.loans[loan.ID]
	if !ok {
		return store.ErrLoanNotFound
	}
	cp := *loan
	cp.Cached = existing.Cached
	m.loans[loan.ID] = &cp
	return nil
}

func (m *MockStore) DeleteLoan(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[id]; !ok {
		return store.ErrLoanNotFound
	}
	delete(m.loans, id)
	delete(m.rows, id)
	return nil
}

func (m *MockStore) GetAllLoans() ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := []*models.Loan{}
	for _, l := range m.loans {
		cp := *l
		loans = append(loans, &cp)
	}
	return loans, nil
}

func (m *MockStore) GetAllActiveLoans() ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := []*models.Loan{}
	for _, l := range m.loans {
		if l.Status == models.LoanStatusActive {
			cp := *l
			loans = append(loans, &cp)
		}
	}
	return loans, nil
}

func (m *MockStore) UpdateBalanceCache(loanID uuid.UUID, cache models.BalanceCache) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[loanID]
	if !ok {
		return store.ErrLoanNotFound
	}
	loan.Cached = cache
	return nil
}

func (m *MockStore) GetSchedule(loanID uuid.UUID) ([]models.ScheduleRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSchedule[loanID] {
		return nil, fmt.Errorf("schedule unavailable")
	}
	rows := append([]models.ScheduleRow{}, m.rows[loanID]...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].DueDate.Before(rows[j].DueDate) })
	return rows, nil
}

func (m *MockStore) CreateTransaction(tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.transactions = append(m.transactions, &cp)
	return nil
}

func (m *MockStore) GetTransaction(id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.transactions {
		if tx.ID == id {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (m *MockStore) GetTransactionsForLoan(loanID uuid.UUID) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txs := []*models.Transaction{}
	for _, tx := range m.transactions {
		if tx.LoanID == loanID {
			cp := *tx
			txs = append(txs, &cp)
		}
	}
	return txs, nil
}

func (m *MockStore) RecordRepayment(tx *models.Transaction, rows []models.ScheduleRow, credit decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.transactions = append(m.transactions, &cp)
	return m.writePaymentState(tx.LoanID, rows, credit)
}

func (m *MockStore) ReplacePaymentState(loanID uuid.UUID, txs []*models.Transaction, rows []models.ScheduleRow, credit decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range txs {
		found := false
		for i, existing := range m.transactions {
			if existing.ID == t.ID && existing.LoanID == loanID {
				cp := *t
				m.transactions[i] = &cp
				found = true
			}
		}
		if !found {
			return store.ErrTransactionNotFound
		}
	}
	return m.writePaymentState(loanID, rows, credit)
}

func (m *MockStore) writePaymentState(loanID uuid.UUID, rows []models.ScheduleRow, credit decimal.Decimal) error {
	loan, ok := m.loans[loanID]
	if !ok {
		return store.ErrLoanNotFound
	}
	stored := m.rows[loanID]
	for _, r := range rows {
		for i := range stored {
			if stored[i].InstallmentNumber == r.InstallmentNumber {
				stored[i].PrincipalPaid = r.PrincipalPaid
				stored[i].InterestPaid = r.InterestPaid
				stored[i].ChargePaid = r.ChargePaid
				stored[i].Status = r.Status
			}
		}
	}
	loan.CreditBalance = credit
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fixedClock(s string) func() time.Time {
	t := calendar.MustParse(s).Time().Add(9 * time.Hour)
	return func() time.Time { return t }
}

func reducingTerms() models.LoanTerms {
	return models.LoanTerms{
		Principal:    dec("10000"),
		InterestRate: dec("12"),
		InterestType: models.InterestTypeReducing,
		Period:       models.PeriodMonthly,
		Duration:     12,
		StartDate:    calendar.MustParse("2025-01-01"),
	}
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *MockStore) {
	t.Helper()
	s := NewMockStore()
	opts = append([]Option{WithClock(fixedClock("2025-06-15"))}, opts...)
	return NewLedger(s, opts...), s
}

func TestCreateLoan(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	l, s := newTestLedger(t, WithMetrics(m))

	loan, rows, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	assert.Equal(t, models.LoanStatusActive, loan.Status)
	assert.Equal(t, models.TimingArrears, loan.PaymentTiming)
	assert.Equal(t, models.AlignPeriod, loan.InterestAlignment)
	require.Len(t, rows, 12)
	for _, r := range rows {
		assert.Equal(t, loan.ID, r.LoanID)
		assert.NotEqual(t, uuid.Nil, r.ID)
	}

	require.Len(t, s.transactions, 1, "expected the opening disbursement")
	d := s.transactions[0]
	assert.Equal(t, models.TransactionTypeDisbursement, d.Type)
	assert.True(t, d.Date.Equal(loan.StartDate))
	assert.True(t, d.Gross().Equal(dec("10000")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoansCreated.WithLabelValues("reducing")))
}

func TestCreateLoan_InvalidTerms(t *testing.T) {
	l, _ := newTestLedger(t)

	cases := map[string]func(*models.LoanTerms){
		"zero principal":   func(t *models.LoanTerms) { t.Principal = decimal.Zero },
		"negative rate":    func(t *models.LoanTerms) { t.InterestRate = dec("-1") },
		"unknown type":     func(t *models.LoanTerms) { t.InterestType = "balloon" },
		"missing start":    func(t *models.LoanTerms) { t.StartDate = calendar.Date{} },
		"unknown period":   func(t *models.LoanTerms) { t.Period = "fortnightly" },
		"negative periods": func(t *models.LoanTerms) { t.Duration = -1 },
		"weekly roll-up & serviced": func(t *models.LoanTerms) {
			t.InterestType = models.InterestTypeRollUpThenServiced
			t.Period = models.PeriodWeekly
			t.RollUpLength = 3
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			terms := reducingTerms()
			mutate(&terms)
			_, _, err := l.CreateLoan("cust", terms)
			assert.ErrorIs(t, err, ErrInvalidTerms)
		})
	}
}

func TestPreviewSchedule(t *testing.T) {
	l, s := newTestLedger(t)

	terms := reducingTerms()
	terms.InterestType = models.InterestTypeRolledUp
	rows, summary, err := l.PreviewSchedule(terms)
	require.NoError(t, err)

	require.Len(t, rows, 13, "maturity row plus extension rows")
	assert.True(t, rows[12].IsExtensionPeriod)
	assert.Equal(t, 13, summary.NumberOfPayments)
	assert.Empty(t, s.loans, "preview must not store anything")
}

func TestRecordPayment(t *testing.T) {
	l, s := newTestLedger(t)
	loan, rows, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	tx, res, err := l.RecordPayment(loan.ID, rows[0].TotalDue, rows[0].DueDate)
	require.NoError(t, err)

	assert.Equal(t, models.TransactionTypeRepayment, tx.Type)
	assert.True(t, tx.InterestApplied.Equal(dec("100")))
	assert.True(t, tx.PrincipalApplied.Equal(dec("788.49")))
	assert.True(t, res.RemainingPayment.IsZero())

	stored, _, err := l.GetSchedule(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RowStatusPaid, stored[0].Status)
	assert.Equal(t, models.RowStatusPending, stored[1].Status)
	assert.Len(t, s.transactions, 2)
}

func TestRecordPayment_OverpaymentCarriesCredit(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	_, res, err := l.RecordPayment(loan.ID, dec("2000"), calendar.MustParse("2025-02-01"))
	require.NoError(t, err)
	require.Len(t, res.Updates, 2)
	assert.Equal(t, "223.02", res.CreditAmount.StringFixed(2))

	fetched, err := l.GetLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "223.02", fetched.CreditBalance.StringFixed(2))

	_, res, err = l.RecordPayment(loan.ID, dec("700"), calendar.MustParse("2025-03-01"))
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, 3, res.Updates[0].InstallmentNumber)
	assert.Equal(t, models.RowStatusPaid, res.Updates[0].Status)

	fetched, _ = l.GetLoan(loan.ID)
	assert.Equal(t, "34.53", fetched.CreditBalance.StringFixed(2))
}

func TestRecordPayment_ReducePrincipal(t *testing.T) {
	l, _ := newTestLedger(t, WithOverpaymentOption(waterfall.OverpaymentReducePrincipal))
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	_, res, err := l.RecordPayment(loan.ID, dec("2000"), calendar.MustParse("2025-02-01"))
	require.NoError(t, err)
	assert.Equal(t, "223.02", res.PrincipalReduction.StringFixed(2))
	assert.True(t, res.CreditAmount.IsZero())

	fetched, _ := l.GetLoan(loan.ID)
	assert.True(t, fetched.CreditBalance.IsZero())
}

func TestRecordPayment_ClosesLoan(t *testing.T) {
	l, _ := newTestLedger(t)
	terms := reducingTerms()
	terms.InterestType = models.InterestTypeFlat
	terms.InterestRate = decimal.Zero
	terms.Principal = dec("1200")
	terms.Duration = 2
	loan, _, err := l.CreateLoan("cust123", terms)
	require.NoError(t, err)

	// No date: the clock's today is after both due dates.
	_, _, err = l.RecordPayment(loan.ID, dec("1200"), calendar.Date{})
	require.NoError(t, err)

	fetched, _ := l.GetLoan(loan.ID)
	assert.Equal(t, models.LoanStatusClosed, fetched.Status)

	_, _, err = l.RecordPayment(loan.ID, dec("10"), calendar.Date{})
	assert.ErrorIs(t, err, ErrLoanNotActive)
}

func TestRecordPayment_ConcurrentPaymentsOnOneLoan(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, rows, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.RecordPayment(loan.ID, rows[0].TotalDue, calendar.MustParse("2025-05-01"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, _, err := l.GetSchedule(loan.ID)
	require.NoError(t, err)
	for _, r := range stored[:4] {
		assert.Equal(t, models.RowStatusPaid, r.Status, "installment %d", r.InstallmentNumber)
	}
	assert.Equal(t, models.RowStatusPending, stored[4].Status)

	fetched, _ := l.GetLoan(loan.ID)
	assert.True(t, fetched.CreditBalance.IsZero())
}

func irregularTerms() models.LoanTerms {
	terms := reducingTerms()
	terms.InterestType = models.InterestTypeIrregularIncome
	terms.Duration = 0
	return terms
}

func TestRecordManualPayment_WithoutScheduleRepaysPrincipal(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, rows, err := l.CreateLoan("cust123", irregularTerms())
	require.NoError(t, err)
	require.Empty(t, rows)

	tx, res, err := l.RecordManualPayment(loan.ID, decimal.Zero, dec("4000"), calendar.MustParse("2025-03-01"))
	require.NoError(t, err)
	assert.Equal(t, "4000.00", tx.PrincipalApplied.StringFixed(2))
	assert.True(t, res.RemainingPayment.IsZero())

	bal, err := l.GetBalance(loan.ID, calendar.MustParse("2025-06-01"))
	require.NoError(t, err)
	assert.Equal(t, "6000.00", bal.PrincipalRemaining.StringFixed(2))
	// 10000 for 59 days then 6000 for 92 days at 12%
	assert.Equal(t, "375.45", bal.TotalInterestDue.StringFixed(2))

	accrued, err := l.AccruedInterest(loan.ID, calendar.MustParse("2025-06-01"))
	require.NoError(t, err)
	assert.Equal(t, "375.45", accrued.StringFixed(2))

	fetched, _ := l.GetLoan(loan.ID)
	assert.True(t, fetched.CreditBalance.IsZero())
}

func TestRecordPayment_WithoutScheduleSettlesAccruedInterestFirst(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", irregularTerms())
	require.NoError(t, err)

	// 10000 * 12% / 365 * 59 days
	tx, _, err := l.RecordPayment(loan.ID, dec("500"), calendar.MustParse("2025-03-01"))
	require.NoError(t, err)
	assert.Equal(t, "193.97", tx.InterestApplied.StringFixed(2))
	assert.Equal(t, "306.03", tx.PrincipalApplied.StringFixed(2))

	bal, err := l.GetBalance(loan.ID, calendar.MustParse("2025-03-01"))
	require.NoError(t, err)
	assert.True(t, bal.InterestBalance.IsZero())
	assert.Equal(t, "9693.97", bal.PrincipalRemaining.StringFixed(2))
}

func TestRecordPayment_WithoutScheduleClosesAndReopens(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", irregularTerms())
	require.NoError(t, err)

	tx, res, err := l.RecordPayment(loan.ID, dec("20000"), calendar.MustParse("2025-03-01"))
	require.NoError(t, err)
	assert.Equal(t, "10000.00", res.PrincipalApplied.StringFixed(2))
	assert.Equal(t, "9806.03", res.RemainingPayment.StringFixed(2))

	fetched, _ := l.GetLoan(loan.ID)
	assert.Equal(t, models.LoanStatusClosed, fetched.Status)
	assert.Equal(t, "9806.03", fetched.CreditBalance.StringFixed(2))

	require.NoError(t, l.DeleteTransaction(loan.ID, tx.ID))
	fetched, _ = l.GetLoan(loan.ID)
	assert.Equal(t, models.LoanStatusActive, fetched.Status)
	assert.True(t, fetched.CreditBalance.IsZero())
}

func TestDeleteTransaction_WithoutScheduleKeepsLaterSplit(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", irregularTerms())
	require.NoError(t, err)

	first, _, err := l.RecordManualPayment(loan.ID, decimal.Zero, dec("4000"), calendar.MustParse("2025-03-01"))
	require.NoError(t, err)
	_, _, err = l.RecordManualPayment(loan.ID, decimal.Zero, dec("1000"), calendar.MustParse("2025-04-01"))
	require.NoError(t, err)

	require.NoError(t, l.DeleteTransaction(loan.ID, first.ID))

	bal, err := l.GetBalance(loan.ID, calendar.MustParse("2025-04-01"))
	require.NoError(t, err)
	assert.Equal(t, "9000.00", bal.PrincipalRemaining.StringFixed(2))
}

func TestRecordPayment_Errors(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	_, _, err = l.RecordPayment(loan.ID, decimal.Zero, calendar.Date{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = l.RecordPayment(uuid.New(), dec("10"), calendar.Date{})
	assert.ErrorIs(t, err, store.ErrLoanNotFound)

	_, _, err = l.RecordManualPayment(loan.ID, dec("-1"), dec("10"), calendar.Date{})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRecordManualPayment(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	tx, res, err := l.RecordManualPayment(loan.ID, dec("50"), dec("300"), calendar.MustParse("2025-02-01"))
	require.NoError(t, err)

	assert.True(t, tx.Amount.Equal(dec("350")))
	assert.True(t, tx.InterestApplied.Equal(dec("50")))
	assert.True(t, tx.PrincipalApplied.Equal(dec("300")))
	require.Len(t, res.Updates, 1)
	assert.Equal(t, models.RowStatusPartial, res.Updates[0].Status)
}

func TestRecordAdvance(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	_, err = l.RecordAdvance(loan.ID, dec("1000"), decimal.Zero, loan.StartDate)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	tx, err := l.RecordAdvance(loan.ID, dec("950"), dec("1000"), calendar.MustParse("2025-01-16"))
	require.NoError(t, err)
	assert.True(t, tx.Gross().Equal(dec("1000")))

	bal, err := l.GetBalance(loan.ID, calendar.MustParse("2025-02-15"))
	require.NoError(t, err)
	assert.Equal(t, "11000.00", bal.PrincipalRemaining.StringFixed(2))
	require.Len(t, bal.Periods, 1)
	assert.Len(t, bal.Periods[0].Segments, 2)
}

func TestDeleteTransaction_ReplaysRemainingRepayments(t *testing.T) {
	l, s := newTestLedger(t)
	loan, rows, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	first, _, err := l.RecordPayment(loan.ID, rows[0].TotalDue, rows[0].DueDate)
	require.NoError(t, err)
	second, _, err := l.RecordPayment(loan.ID, rows[1].TotalDue, rows[1].DueDate)
	require.NoError(t, err)

	require.NoError(t, l.DeleteTransaction(loan.ID, first.ID))

	deleted, err := s.GetTransaction(first.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.True(t, deleted.PrincipalApplied.IsZero())

	kept, err := s.GetTransaction(second.ID)
	require.NoError(t, err)
	assert.False(t, kept.IsDeleted)
	assert.True(t, kept.PrincipalApplied.Equal(second.PrincipalApplied), "split is preserved")

	stored, _, err := l.GetSchedule(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RowStatusPartial, stored[0].Status)
	assert.True(t, stored[0].PrincipalPaid.Equal(stored[0].PrincipalAmount))
	assert.Equal(t, models.RowStatusPartial, stored[1].Status)

	// Deleting twice is a no-op.
	require.NoError(t, l.DeleteTransaction(loan.ID, first.ID))
}

func TestDeleteTransaction_ReopensClosedLoan(t *testing.T) {
	l, _ := newTestLedger(t)
	terms := reducingTerms()
	terms.InterestType = models.InterestTypeFlat
	terms.InterestRate = decimal.Zero
	terms.Principal = dec("1200")
	terms.Duration = 2
	loan, _, err := l.CreateLoan("cust123", terms)
	require.NoError(t, err)

	tx, _, err := l.RecordPayment(loan.ID, dec("1200"), calendar.Date{})
	require.NoError(t, err)

	require.NoError(t, l.DeleteTransaction(loan.ID, tx.ID))
	fetched, _ := l.GetLoan(loan.ID)
	assert.Equal(t, models.LoanStatusActive, fetched.Status)
}

func TestDeleteTransaction_Errors(t *testing.T) {
	l, s := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)
	other, _, err := l.CreateLoan("cust456", reducingTerms())
	require.NoError(t, err)

	opening := s.transactions[0]
	assert.ErrorIs(t, l.DeleteTransaction(loan.ID, opening.ID), ErrOpeningDisbursement)
	assert.ErrorIs(t, l.DeleteTransaction(other.ID, opening.ID), store.ErrTransactionNotFound)
	assert.ErrorIs(t, l.DeleteTransaction(loan.ID, uuid.New()), store.ErrTransactionNotFound)
}

func TestDeleteTransaction_Advance(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	adv, err := l.RecordAdvance(loan.ID, dec("1000"), decimal.Zero, calendar.MustParse("2025-01-16"))
	require.NoError(t, err)
	require.NoError(t, l.DeleteTransaction(loan.ID, adv.ID))

	bal, err := l.GetBalance(loan.ID, calendar.MustParse("2025-02-15"))
	require.NoError(t, err)
	assert.Equal(t, "10000.00", bal.PrincipalRemaining.StringFixed(2))
}

func TestGetBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	bal, err := l.GetBalance(loan.ID, calendar.MustParse("2025-02-15"))
	require.NoError(t, err)
	assert.Equal(t, "101.92", bal.TotalInterestDue.StringFixed(2))
	assert.Equal(t, "101.92", bal.InterestBalance.StringFixed(2))

	_, err = l.GetBalance(uuid.New(), calendar.Date{})
	assert.ErrorIs(t, err, store.ErrLoanNotFound)
}

func TestAccruedInterest(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	accrued, err := l.AccruedInterest(loan.ID, calendar.MustParse("2025-02-01"))
	require.NoError(t, err)
	assert.Equal(t, "101.92", accrued.StringFixed(2))
}

func TestUpdateLoan(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	updated, err := l.UpdateLoan(loan.ID, "", models.LoanStatusDefaulted)
	require.NoError(t, err)
	assert.Equal(t, "cust123", updated.CustomerKey)
	assert.Equal(t, models.LoanStatusDefaulted, updated.Status)

	_, err = l.UpdateLoan(loan.ID, "", "frozen")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRecomputeAllBalances(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	l, s := newTestLedger(t, WithMetrics(m), WithWorkers(2))

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		loan, _, err := l.CreateLoan(fmt.Sprintf("cust%d", i), reducingTerms())
		require.NoError(t, err)
		ids = append(ids, loan.ID)
	}
	_, err := l.UpdateLoan(ids[4], "", models.LoanStatusClosed)
	require.NoError(t, err)
	s.failSchedule[ids[3]] = true

	var calls []int
	asOf := calendar.MustParse("2025-02-15")
	report, err := l.RecomputeAllBalances(context.Background(), asOf, func(done, total int) {
		assert.Equal(t, 4, total)
		calls = append(calls, done)
	})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []int{1, 2, 3, 4}, calls)

	for _, id := range ids[:3] {
		loan, _ := s.GetLoan(id)
		require.NotNil(t, loan.Cached.ComputedAt)
		assert.True(t, loan.Cached.AsOf.Equal(asOf))
		assert.Equal(t, "101.92", loan.Cached.InterestBalance.StringFixed(2))
	}
	failed, _ := s.GetLoan(ids[3])
	assert.Nil(t, failed.Cached.ComputedAt)
	closed, _ := s.GetLoan(ids[4])
	assert.Nil(t, closed.Cached.ComputedAt)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecomputeLoans.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecomputeLoans.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecomputeRuns.WithLabelValues("partial")))
}

func TestRecomputeAllBalances_Idempotent(t *testing.T) {
	l, s := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	asOf := calendar.MustParse("2025-04-10")
	_, err = l.RecomputeAllBalances(context.Background(), asOf, nil)
	require.NoError(t, err)
	first, _ := s.GetLoan(loan.ID)

	_, err = l.RecomputeAllBalances(context.Background(), asOf, nil)
	require.NoError(t, err)
	second, _ := s.GetLoan(loan.ID)

	assert.True(t, first.Cached.InterestDue.Equal(second.Cached.InterestDue))
	assert.True(t, first.Cached.PrincipalRemaining.Equal(second.Cached.PrincipalRemaining))
}

func TestRecomputeAllBalances_Cancelled(t *testing.T) {
	l, s := newTestLedger(t)
	loan, _, err := l.CreateLoan("cust123", reducingTerms())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := l.RecomputeAllBalances(ctx, calendar.MustParse("2025-02-15"), nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, report.Succeeded)

	fetched, _ := s.GetLoan(loan.ID)
	assert.Nil(t, fetched.Cached.ComputedAt)
}
