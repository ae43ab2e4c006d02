package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/accrual"
	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/metrics"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/reconcile"
	"github.com/mcclellann/fredLoan/pkg/schedule"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/mcclellann/fredLoan/pkg/waterfall"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrLoanNotActive       = errors.New("loan is not active")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidTerms        = errors.New("invalid loan terms")
	ErrInvalidStatus       = errors.New("invalid loan status")
	ErrOpeningDisbursement = errors.New("opening disbursement cannot be deleted")
)

const defaultWorkers = 4

// Ledger handles the business logic for loans, schedules and transactions.
type Ledger struct {
	storage     store.Storage // Use the Storage interface
	log         zerolog.Logger
	metrics     *metrics.Metrics
	reconciler  *reconcile.Reconciler
	overpayment waterfall.OverpaymentOption
	workers     int
	now         func() time.Time
	loanLocks   sync.Map // uuid.UUID -> *sync.Mutex
}

type Option func(*Ledger)

func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithOverpaymentOption sets what happens to cash left after a payment
// settles every eligible row.
func WithOverpaymentOption(o waterfall.OverpaymentOption) Option {
	return func(l *Ledger) { l.overpayment = o }
}

// WithWorkers bounds the number of loans recomputed concurrently.
func WithWorkers(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.workers = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:     s,
		log:         zerolog.Nop(),
		overpayment: waterfall.OverpaymentCredit,
		workers:     defaultWorkers,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = metrics.New(prometheus.NewRegistry())
	}
	l.reconciler = reconcile.New(l.log)
	return l
}

// lockLoan serialises read-allocate-write cycles on one loan within this
// process.
func (l *Ledger) lockLoan(id uuid.UUID) func() {
	v, _ := l.loanLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (l *Ledger) today() calendar.Date {
	return calendar.FromTime(l.now())
}

// ValidateTerms checks terms and fills in defaults for period, alignment
// and timing.
func ValidateTerms(terms *models.LoanTerms) error {
	if !terms.Principal.IsPositive() {
		return fmt.Errorf("%w: principal must be positive", ErrInvalidTerms)
	}
	if terms.InterestRate.IsNegative() {
		return fmt.Errorf("%w: interest rate must not be negative", ErrInvalidTerms)
	}
	if terms.PenaltyRate.Valid && terms.PenaltyRate.Decimal.IsNegative() {
		return fmt.Errorf("%w: penalty rate must not be negative", ErrInvalidTerms)
	}
	if !terms.InterestType.Known() {
		return fmt.Errorf("%w: unknown interest type %q", ErrInvalidTerms, terms.InterestType)
	}
	if terms.StartDate.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidTerms)
	}
	if terms.Duration < 0 || terms.InterestOnlyPeriod < 0 || terms.RollUpLength < 0 {
		return fmt.Errorf("%w: periods must not be negative", ErrInvalidTerms)
	}

	switch terms.Period {
	case "":
		terms.Period = models.PeriodMonthly
	case models.PeriodMonthly, models.PeriodWeekly:
	default:
		return fmt.Errorf("%w: unknown period %q", ErrInvalidTerms, terms.Period)
	}
	switch terms.InterestAlignment {
	case "":
		terms.InterestAlignment = models.AlignPeriod
	case models.AlignPeriod, models.AlignMonthlyFirst:
	default:
		return fmt.Errorf("%w: unknown interest alignment %q", ErrInvalidTerms, terms.InterestAlignment)
	}
	switch terms.PaymentTiming {
	case "":
		terms.PaymentTiming = models.TimingArrears
	case models.TimingArrears, models.TimingAdvance:
	default:
		return fmt.Errorf("%w: unknown payment timing %q", ErrInvalidTerms, terms.PaymentTiming)
	}
	if terms.InterestType == models.InterestTypeRollUpThenServiced && terms.Period == models.PeriodWeekly {
		return fmt.Errorf("%w: roll-up & serviced loans are monthly; roll-up length is in months", ErrInvalidTerms)
	}
	if terms.ChargeAmount.IsNegative() {
		return fmt.Errorf("%w: charge amount must not be negative", ErrInvalidTerms)
	}
	return nil
}

// CreateLoan validates terms, generates the repayment schedule and stores
// the loan together with its opening disbursement.
func (l *Ledger) CreateLoan(customerKey string, terms models.LoanTerms) (*models.Loan, []models.ScheduleRow, error) {
	if err := ValidateTerms(&terms); err != nil {
		return nil, nil, err
	}

	now := l.now()
	loan := &models.Loan{
		ID:            uuid.New(),
		CustomerKey:   customerKey,
		LoanTerms:     terms,
		Status:        models.LoanStatusActive,
		CreditBalance: decimal.Zero,
		Cached:        emptyCache(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	rows := schedule.Generate(terms)
	for i := range rows {
		rows[i].ID = uuid.New()
		rows[i].LoanID = loan.ID
	}

	// Record disbursement
	disbursement := &models.Transaction{
		ID:               uuid.New(),
		LoanID:           loan.ID,
		Type:             models.TransactionTypeDisbursement,
		Date:             terms.StartDate,
		Amount:           terms.Principal,
		GrossAmount:      decimal.NewNullDecimal(terms.Principal),
		PrincipalApplied: decimal.Zero,
		InterestApplied:  decimal.Zero,
		FeesApplied:      decimal.Zero,
		CreatedAt:        now,
	}

	if err := l.storage.CreateLoan(loan, rows, disbursement); err != nil {
		return nil, nil, fmt.Errorf("failed to store loan: %w", err)
	}

	l.metrics.LoansCreated.WithLabelValues(string(terms.InterestType)).Inc()
	l.log.Info().
		Str("loan_id", loan.ID.String()).
		Str("interest_type", string(terms.InterestType)).
		Str("principal", terms.Principal.StringFixed(2)).
		Int("installments", len(rows)).
		Msg("loan created")
	return loan, rows, nil
}

// PreviewSchedule generates the schedule terms would produce without
// storing anything. Rolled-up previews include the extension rows.
func (l *Ledger) PreviewSchedule(terms models.LoanTerms) ([]models.ScheduleRow, schedule.Summary, error) {
	if err := ValidateTerms(&terms); err != nil {
		return nil, schedule.Summary{}, err
	}
	rows := schedule.Preview(terms)
	return rows, schedule.Summarize(rows), nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(id)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans() ([]*models.Loan, error) {
	return l.storage.GetAllLoans()
}

// UpdateLoan changes a loan's customer key and status. Terms are fixed once
// the schedule exists.
func (l *Ledger) UpdateLoan(id uuid.UUID, customerKey string, status models.LoanStatus) (*models.Loan, error) {
	defer l.lockLoan(id)()

	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if customerKey != "" {
		loan.CustomerKey = customerKey
	}
	switch status {
	case "":
	case models.LoanStatusPending, models.LoanStatusActive, models.LoanStatusClosed, models.LoanStatusDefaulted:
		loan.Status = status
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	loan.UpdatedAt = l.now()
	if err := l.storage.UpdateLoan(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// DeleteLoan deletes a loan.
func (l *Ledger) DeleteLoan(id uuid.UUID) error {
	unlock := l.lockLoan(id)
	err := l.storage.DeleteLoan(id)
	unlock()
	if err != nil {
		return err
	}
	l.loanLocks.Delete(id)
	l.log.Info().Str("loan_id", id.String()).Msg("loan deleted")
	return nil
}

// GetSchedule returns a loan's stored schedule ordered by due date.
func (l *Ledger) GetSchedule(loanID uuid.UUID) ([]models.ScheduleRow, schedule.Summary, error) {
	if _, err := l.storage.GetLoan(loanID); err != nil {
		return nil, schedule.Summary{}, err
	}
	rows, err := l.storage.GetSchedule(loanID)
	if err != nil {
		return nil, schedule.Summary{}, err
	}
	return rows, schedule.Summarize(rows), nil
}

// GetTransactions returns all of a loan's transactions, deleted ones included.
func (l *Ledger) GetTransactions(loanID uuid.UUID) ([]*models.Transaction, error) {
	if _, err := l.storage.GetLoan(loanID); err != nil {
		return nil, err
	}
	return l.storage.GetTransactionsForLoan(loanID)
}

// RecordPayment processes a repayment through the waterfall. A zero date
// means today.
func (l *Ledger) RecordPayment(loanID uuid.UUID, amount decimal.Decimal, date calendar.Date) (*models.Transaction, waterfall.Result, error) {
	if !amount.IsPositive() {
		return nil, waterfall.Result{}, ErrInvalidAmount
	}
	if date.IsZero() {
		date = l.today()
	}
	return l.applyRepayment(loanID, amount, "waterfall", split{interest: amount, principal: decimal.Zero, spill: true}, func(rows []models.ScheduleRow, credit decimal.Decimal) waterfall.Result {
		return waterfall.ApplyPaymentWaterfall(waterfall.Payment{Amount: amount, Date: date}, rows, credit, l.overpayment)
	}, date)
}

// RecordManualPayment records a repayment already split into interest and
// principal by the operator.
func (l *Ledger) RecordManualPayment(loanID uuid.UUID, interest, principal decimal.Decimal, date calendar.Date) (*models.Transaction, waterfall.Result, error) {
	if interest.IsNegative() || principal.IsNegative() || !interest.Add(principal).IsPositive() {
		return nil, waterfall.Result{}, ErrInvalidAmount
	}
	if date.IsZero() {
		date = l.today()
	}
	payment := waterfall.ManualPayment{Interest: interest, Principal: principal, Date: date}
	return l.applyRepayment(loanID, interest.Add(principal), "manual", split{interest: interest, principal: principal}, func(rows []models.ScheduleRow, credit decimal.Decimal) waterfall.Result {
		return waterfall.ApplyManualPayment(payment, rows, credit, l.overpayment)
	}, date)
}

// split is how a repayment divides between interest and principal when a
// loan has no schedule rows to allocate against.
type split struct {
	interest  decimal.Decimal
	principal decimal.Decimal
	spill     bool
}

func (l *Ledger) applyRepayment(loanID uuid.UUID, amount decimal.Decimal, mode string, sp split, allocate func([]models.ScheduleRow, decimal.Decimal) waterfall.Result, date calendar.Date) (*models.Transaction, waterfall.Result, error) {
	defer l.lockLoan(loanID)()

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, waterfall.Result{}, err
	}
	if loan.Status != models.LoanStatusActive {
		return nil, waterfall.Result{}, ErrLoanNotActive
	}
	rows, err := l.storage.GetSchedule(loanID)
	if err != nil {
		return nil, waterfall.Result{}, err
	}

	var (
		res     waterfall.Result
		changed []models.ScheduleRow
		settled bool
	)
	if len(rows) == 0 {
		txs, err := l.storage.GetTransactionsForLoan(loanID)
		if err != nil {
			return nil, waterfall.Result{}, err
		}
		before := ledgerOwed(loan, txs, date)
		res = settle(before, sp.interest.Add(loan.CreditBalance), sp.principal, sp.spill, l.overpayment)
		settled = owed{
			interest:  before.interest.Sub(res.InterestApplied),
			principal: before.principal.Sub(res.PrincipalApplied),
		}.settled()
	} else {
		res = allocate(rows, loan.CreditBalance)
		updated := waterfall.ApplyUpdates(rows, res.Updates)
		changed = changedRows(updated, res.Updates)
		settled = allPaid(updated)
	}

	transaction := &models.Transaction{
		ID:               uuid.New(),
		LoanID:           loanID,
		Type:             models.TransactionTypeRepayment,
		Date:             date,
		Amount:           amount,
		PrincipalApplied: res.PrincipalApplied,
		InterestApplied:  res.InterestApplied,
		FeesApplied:      res.ChargeApplied,
		CreatedAt:        l.now(),
	}

	if err := l.storage.RecordRepayment(transaction, changed, res.RemainingPayment); err != nil {
		return nil, waterfall.Result{}, fmt.Errorf("failed to store repayment: %w", err)
	}

	l.metrics.PaymentsRecorded.WithLabelValues(mode).Inc()
	l.metrics.PaymentAmount.Observe(amount.InexactFloat64())
	l.log.Info().
		Str("loan_id", loanID.String()).
		Str("transaction_id", transaction.ID.String()).
		Str("mode", mode).
		Str("amount", amount.StringFixed(2)).
		Str("interest_applied", res.InterestApplied.StringFixed(2)).
		Str("principal_applied", res.PrincipalApplied.StringFixed(2)).
		Str("credit", res.RemainingPayment.StringFixed(2)).
		Msg("repayment recorded")

	if settled {
		loan.Status = models.LoanStatusClosed
		loan.CreditBalance = res.RemainingPayment
		loan.UpdatedAt = l.now()
		if err := l.storage.UpdateLoan(loan); err != nil {
			return nil, waterfall.Result{}, fmt.Errorf("failed to close loan: %w", err)
		}
		l.log.Info().Str("loan_id", loanID.String()).Msg("loan fully repaid")
	}
	return transaction, res, nil
}

// RecordAdvance records a further drawdown. It changes the capital ledger
// used for interest from its date onward; the stored schedule is unchanged.
func (l *Ledger) RecordAdvance(loanID uuid.UUID, amount, gross decimal.Decimal, date calendar.Date) (*models.Transaction, error) {
	if !amount.IsPositive() || gross.IsNegative() {
		return nil, ErrInvalidAmount
	}
	defer l.lockLoan(loanID)()

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != models.LoanStatusActive {
		return nil, ErrLoanNotActive
	}
	if date.IsZero() {
		date = l.today()
	}
	if !date.After(loan.StartDate) {
		return nil, fmt.Errorf("%w: advance must be dated after the start date %s", ErrInvalidAmount, loan.StartDate)
	}

	transaction := &models.Transaction{
		ID:               uuid.New(),
		LoanID:           loanID,
		Type:             models.TransactionTypeDisbursement,
		Date:             date,
		Amount:           amount,
		PrincipalApplied: decimal.Zero,
		InterestApplied:  decimal.Zero,
		FeesApplied:      decimal.Zero,
		CreatedAt:        l.now(),
	}
	if gross.IsPositive() {
		transaction.GrossAmount = decimal.NewNullDecimal(gross)
	}
	if err := l.storage.CreateTransaction(transaction); err != nil {
		return nil, fmt.Errorf("failed to store advance: %w", err)
	}

	l.metrics.AdvancesRecorded.Inc()
	l.log.Info().
		Str("loan_id", loanID.String()).
		Str("transaction_id", transaction.ID.String()).
		Str("amount", transaction.Gross().StringFixed(2)).
		Str("date", date.String()).
		Msg("advance recorded")
	return transaction, nil
}

// DeleteTransaction soft-deletes a transaction. Deleting a repayment
// replays the remaining repayments over a fresh schedule so row state and
// credit match what is left.
func (l *Ledger) DeleteTransaction(loanID, transactionID uuid.UUID) error {
	defer l.lockLoan(loanID)()

	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return err
	}
	target, err := l.storage.GetTransaction(transactionID)
	if err != nil {
		return err
	}
	if target.LoanID != loanID {
		return store.ErrTransactionNotFound
	}
	if target.IsDeleted {
		return nil
	}
	if target.Type == models.TransactionTypeDisbursement && !target.Date.After(loan.StartDate) {
		return ErrOpeningDisbursement
	}

	if target.Type == models.TransactionTypeDisbursement {
		target.IsDeleted = true
		if err := l.storage.ReplacePaymentState(loanID, []*models.Transaction{target}, nil, loan.CreditBalance); err != nil {
			return fmt.Errorf("failed to delete transaction: %w", err)
		}
		l.log.Info().Str("loan_id", loanID.String()).Str("transaction_id", transactionID.String()).Msg("advance deleted")
		return nil
	}

	rows, err := l.storage.GetSchedule(loanID)
	if err != nil {
		return err
	}
	txs, err := l.storage.GetTransactionsForLoan(loanID)
	if err != nil {
		return err
	}

	var (
		repayments []*models.Transaction
		credit     decimal.Decimal
		settled    bool
	)
	if len(rows) == 0 {
		repayments, credit, settled = l.replayUnscheduled(loan, txs, transactionID)
	} else {
		repayments, rows, credit = l.replay(rows, txs, transactionID)
		settled = allPaid(rows)
	}
	if err := l.storage.ReplacePaymentState(loanID, repayments, rows, credit); err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}

	if loan.Status == models.LoanStatusClosed && !settled {
		loan.Status = models.LoanStatusActive
		loan.CreditBalance = credit
		loan.UpdatedAt = l.now()
		if err := l.storage.UpdateLoan(loan); err != nil {
			return fmt.Errorf("failed to reopen loan: %w", err)
		}
	}
	l.log.Info().Str("loan_id", loanID.String()).Str("transaction_id", transactionID.String()).Msg("repayment deleted")
	return nil
}

// replay resets row payment state and reallocates every live repayment in
// date order, keeping each one's interest/principal split. The deleted
// repayment is returned with its applied amounts zeroed.
func (l *Ledger) replay(rows []models.ScheduleRow, txs []*models.Transaction, deleted uuid.UUID) ([]*models.Transaction, []models.ScheduleRow, decimal.Decimal) {
	fresh := make([]models.ScheduleRow, len(rows))
	copy(fresh, rows)
	for i := range fresh {
		fresh[i].PrincipalPaid = decimal.Zero
		fresh[i].InterestPaid = decimal.Zero
		fresh[i].ChargePaid = decimal.Zero
		fresh[i].Status = models.RowStatusPending
	}

	repayments := []*models.Transaction{}
	for _, tx := range txs {
		if tx.Type == models.TransactionTypeRepayment && !(tx.IsDeleted && tx.ID != deleted) {
			repayments = append(repayments, tx)
		}
	}
	sort.SliceStable(repayments, func(i, j int) bool {
		return repayments[i].Date.Before(repayments[j].Date)
	})

	credit := decimal.Zero
	for _, tx := range repayments {
		if tx.ID == deleted {
			zeroApplied(tx)
			continue
		}
		principal := tx.PrincipalApplied
		res := waterfall.ApplyManualPayment(waterfall.ManualPayment{
			Interest:  tx.Amount.Sub(principal),
			Principal: principal,
			Date:      tx.Date,
		}, fresh, credit, l.overpayment)
		fresh = waterfall.ApplyUpdates(fresh, res.Updates)
		tx.PrincipalApplied = res.PrincipalApplied
		tx.InterestApplied = res.InterestApplied
		tx.FeesApplied = res.ChargeApplied
		credit = res.RemainingPayment
	}
	return repayments, fresh, credit
}

// GetBalance reconciles a loan's live interest and principal position as of
// a date. A zero date means today.
func (l *Ledger) GetBalance(loanID uuid.UUID, asOf calendar.Date) (reconcile.Balance, error) {
	if asOf.IsZero() {
		asOf = l.today()
	}
	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return reconcile.Balance{}, err
	}
	rows, err := l.storage.GetSchedule(loanID)
	if err != nil {
		return reconcile.Balance{}, err
	}
	txs, err := l.storage.GetTransactionsForLoan(loanID)
	if err != nil {
		return reconcile.Balance{}, err
	}
	return l.reconciler.CalculateLoanInterestBalance(loan, rows, txs, asOf), nil
}

// AccruedInterest returns the interest accrued from the start date to asOf
// on the loan's capital ledger.
func (l *Ledger) AccruedInterest(loanID uuid.UUID, asOf calendar.Date) (decimal.Decimal, error) {
	if asOf.IsZero() {
		asOf = l.today()
	}
	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return decimal.Zero, err
	}
	txs, err := l.storage.GetTransactionsForLoan(loanID)
	if err != nil {
		return decimal.Zero, err
	}
	return accrual.AccruedInterest(loan, accrual.BuildCapitalEvents(loan, txs), asOf), nil
}

func changedRows(rows []models.ScheduleRow, updates []waterfall.RowUpdate) []models.ScheduleRow {
	touched := make(map[int]bool, len(updates))
	for _, u := range updates {
		touched[u.InstallmentNumber] = true
	}
	out := make([]models.ScheduleRow, 0, len(updates))
	for _, r := range rows {
		if touched[r.InstallmentNumber] {
			out = append(out, r)
		}
	}
	return out
}

func allPaid(rows []models.ScheduleRow) bool {
	if len(rows) == 0 {
		return false
	}
	for _, r := range rows {
		if r.Status != models.RowStatusPaid {
			return false
		}
	}
	return true
}

func emptyCache() models.BalanceCache {
	return models.BalanceCache{
		InterestDue:        decimal.Zero,
		InterestPaid:       decimal.Zero,
		InterestBalance:    decimal.Zero,
		PrincipalRemaining: decimal.Zero,
	}
}
