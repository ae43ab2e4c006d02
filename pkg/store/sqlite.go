package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// The recompute workers write concurrently; let SQLite wait for the lock.
	_, err = db.Exec("PRAGMA busy_timeout = 5000;")
	if err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't already exist and adds new columns if necessary.
// We use TEXT for decimal and date fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_key TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		penalty_rate TEXT,
		penalty_rate_from TEXT,
		interest_type TEXT NOT NULL,
		period TEXT NOT NULL,
		duration INTEGER NOT NULL DEFAULT 0,
		start_date TEXT,
		interest_only_period INTEGER NOT NULL DEFAULT 0,
		roll_up_length INTEGER NOT NULL DEFAULT 0,
		charge_amount TEXT NOT NULL DEFAULT '0',
		interest_alignment TEXT NOT NULL DEFAULT '',
		payment_timing TEXT NOT NULL DEFAULT '',
		extend_for_full_period INTEGER NOT NULL DEFAULT 0,
		principal_overrides TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		credit_balance TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		type TEXT NOT NULL,
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		gross_amount TEXT,
		principal_applied TEXT NOT NULL DEFAULT '0',
		interest_applied TEXT NOT NULL DEFAULT '0',
		fees_applied TEXT NOT NULL DEFAULT '0',
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_loan ON transactions(loan_id, date);
	CREATE TABLE IF NOT EXISTS schedule_rows (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		interest_amount TEXT NOT NULL,
		charge_amount TEXT NOT NULL,
		total_due TEXT NOT NULL,
		balance TEXT NOT NULL,
		principal_paid TEXT NOT NULL DEFAULT '0',
		interest_paid TEXT NOT NULL DEFAULT '0',
		charge_paid TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		is_roll_up_period INTEGER NOT NULL DEFAULT 0,
		is_serviced_period INTEGER NOT NULL DEFAULT 0,
		is_extension_period INTEGER NOT NULL DEFAULT 0,
		UNIQUE(loan_id, installment_number),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Balance cache columns were added after the first release.
	columns := []string{
		"cached_interest_due TEXT NOT NULL DEFAULT '0'",
		"cached_interest_paid TEXT NOT NULL DEFAULT '0'",
		"cached_interest_balance TEXT NOT NULL DEFAULT '0'",
		"cached_principal_remaining TEXT NOT NULL DEFAULT '0'",
		"cached_as_of TEXT",
		"cached_computed_at DATETIME",
	}

	for _, col := range columns {
		_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE loans ADD COLUMN %s", col))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column %s: %w", col, err)
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(err.Error(), "duplicate column name")
}

const loanColumns = `id, customer_key, principal, interest_rate, penalty_rate, penalty_rate_from, interest_type, period, duration, start_date,
	interest_only_period, roll_up_length, charge_amount, interest_alignment, payment_timing, extend_for_full_period, principal_overrides,
	status, credit_balance, cached_interest_due, cached_interest_paid, cached_interest_balance, cached_principal_remaining, cached_as_of,
	cached_computed_at, created_at, updated_at`

const transactionColumns = `id, loan_id, type, date, amount, gross_amount, principal_applied, interest_applied, fees_applied, is_deleted, created_at`

const rowColumns = `id, loan_id, installment_number, due_date, principal_amount, interest_amount, charge_amount, total_due, balance,
	principal_paid, interest_paid, charge_paid, status, is_roll_up_period, is_serviced_period, is_extension_period`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// CreateLoan inserts a new loan with its schedule and opening disbursement
// in a single database transaction.
func (s *SQLiteStore) CreateLoan(loan *models.Loan, rows []models.ScheduleRow, disbursement *models.Transaction) error {
	overrides, err := json.Marshal(loan.PrincipalOverrides)
	if err != nil {
		return fmt.Errorf("failed to encode principal overrides: %w", err)
	}
	if loan.PrincipalOverrides == nil {
		overrides = []byte("{}")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CustomerKey, loan.Principal, loan.InterestRate, loan.PenaltyRate, loan.PenaltyRateFrom,
		loan.InterestType, loan.Period, loan.Duration, loan.StartDate, loan.InterestOnlyPeriod, loan.RollUpLength,
		loan.ChargeAmount, loan.InterestAlignment, loan.PaymentTiming, loan.ExtendForFullPeriod, string(overrides),
		loan.Status, loan.CreditBalance, loan.Cached.InterestDue, loan.Cached.InterestPaid, loan.Cached.InterestBalance,
		loan.Cached.PrincipalRemaining, loan.Cached.AsOf, loan.Cached.ComputedAt, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}

	for i := range rows {
		if err := insertRow(tx, &rows[i]); err != nil {
			return err
		}
	}

	if disbursement != nil {
		if err := insertTransaction(tx, disbursement); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan updates the terms, status and credit balance of an existing loan.
// The balance cache is written only by UpdateBalanceCache.
func (s *SQLiteStore) UpdateLoan(loan *models.Loan) error {
	overrides, err := json.Marshal(loan.PrincipalOverrides)
	if err != nil {
		return fmt.Errorf("failed to encode principal overrides: %w", err)
	}
	if loan.PrincipalOverrides == nil {
		overrides = []byte("{}")
	}

	result, err := s.db.Exec(
		`UPDATE loans SET customer_key = ?, principal = ?, interest_rate = ?, penalty_rate = ?, penalty_rate_from = ?, interest_type = ?,
		period = ?, duration = ?, start_date = ?, interest_only_period = ?, roll_up_length = ?, charge_amount = ?, interest_alignment = ?,
		payment_timing = ?, extend_for_full_period = ?, principal_overrides = ?, status = ?, credit_balance = ?, updated_at = ? WHERE id = ?`,
		loan.CustomerKey, loan.Principal, loan.InterestRate, loan.PenaltyRate, loan.PenaltyRateFrom, loan.InterestType,
		loan.Period, loan.Duration, loan.StartDate, loan.InterestOnlyPeriod, loan.RollUpLength, loan.ChargeAmount, loan.InterestAlignment,
		loan.PaymentTiming, loan.ExtendForFullPeriod, string(overrides), loan.Status, loan.CreditBalance, loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return requireAffected(result, ErrLoanNotFound)
}

// UpdateBalanceCache overwrites the cached balances of one loan with a single statement.
func (s *SQLiteStore) UpdateBalanceCache(loanID uuid.UUID, cache models.BalanceCache) error {
	result, err := s.db.Exec(
		`UPDATE loans SET cached_interest_due = ?, cached_interest_paid = ?, cached_interest_balance = ?,
		cached_principal_remaining = ?, cached_as_of = ?, cached_computed_at = ? WHERE id = ?`,
		cache.InterestDue, cache.InterestPaid, cache.InterestBalance, cache.PrincipalRemaining, cache.AsOf, cache.ComputedAt, loanID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update balance cache: %w", err)
	}
	return requireAffected(result, ErrLoanNotFound)
}

// DeleteLoan removes a loan, its schedule and its transactions from the database within a transaction.
func (s *SQLiteStore) DeleteLoan(id uuid.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM transactions WHERE loan_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete associated transactions: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM schedule_rows WHERE loan_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	if err := requireAffected(result, ErrLoanNotFound); err != nil {
		return err
	}

	return tx.Commit()
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans() ([]*models.Loan, error) {
	rows, err := s.db.Query(`SELECT ` + loanColumns + ` FROM loans ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()

	return s.scanLoans(rows)
}

// GetAllActiveLoans retrieves all active loans.
func (s *SQLiteStore) GetAllActiveLoans() ([]*models.Loan, error) {
	rows, err := s.db.Query(`SELECT `+loanColumns+` FROM loans WHERE status = ? ORDER BY created_at`, models.LoanStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to get all active loans: %w", err)
	}
	defer rows.Close()

	return s.scanLoans(rows)
}

func (s *SQLiteStore) scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	loans := []*models.Loan{}
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

func scanLoan(sc scanner) (*models.Loan, error) {
	var loan models.Loan
	var loanIDStr, overrides string
	var computedAt sql.NullTime
	err := sc.Scan(
		&loanIDStr, &loan.CustomerKey, &loan.Principal, &loan.InterestRate, &loan.PenaltyRate, &loan.PenaltyRateFrom,
		&loan.InterestType, &loan.Period, &loan.Duration, &loan.StartDate, &loan.InterestOnlyPeriod, &loan.RollUpLength,
		&loan.ChargeAmount, &loan.InterestAlignment, &loan.PaymentTiming, &loan.ExtendForFullPeriod, &overrides,
		&loan.Status, &loan.CreditBalance, &loan.Cached.InterestDue, &loan.Cached.InterestPaid, &loan.Cached.InterestBalance,
		&loan.Cached.PrincipalRemaining, &loan.Cached.AsOf, &computedAt, &loan.CreatedAt, &loan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(loanIDStr)
	if computedAt.Valid {
		loan.Cached.ComputedAt = &computedAt.Time
	}
	if overrides != "" && overrides != "{}" && overrides != "null" {
		if err := json.Unmarshal([]byte(overrides), &loan.PrincipalOverrides); err != nil {
			return nil, fmt.Errorf("failed to decode principal overrides: %w", err)
		}
	}
	return &loan, nil
}

// GetSchedule retrieves the schedule rows of a loan ordered by due date.
func (s *SQLiteStore) GetSchedule(loanID uuid.UUID) ([]models.ScheduleRow, error) {
	rows, err := s.db.Query(`SELECT `+rowColumns+` FROM schedule_rows WHERE loan_id = ? ORDER BY due_date ASC, installment_number ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	schedule := []models.ScheduleRow{}
	for rows.Next() {
		var r models.ScheduleRow
		var rowIDStr, loanIDStr string
		if err := rows.Scan(
			&rowIDStr, &loanIDStr, &r.InstallmentNumber, &r.DueDate, &r.PrincipalAmount, &r.InterestAmount, &r.ChargeAmount,
			&r.TotalDue, &r.Balance, &r.PrincipalPaid, &r.InterestPaid, &r.ChargePaid, &r.Status,
			&r.IsRollUpPeriod, &r.IsServicedPeriod, &r.IsExtensionPeriod,
		); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		r.ID = uuid.MustParse(rowIDStr)
		r.LoanID = uuid.MustParse(loanIDStr)
		schedule = append(schedule, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for schedule: %w", err)
	}
	return schedule, nil
}

func insertRow(db execer, r *models.ScheduleRow) error {
	_, err := db.Exec(
		`INSERT INTO schedule_rows (`+rowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.LoanID.String(), r.InstallmentNumber, r.DueDate, r.PrincipalAmount, r.InterestAmount, r.ChargeAmount,
		r.TotalDue, r.Balance, r.PrincipalPaid, r.InterestPaid, r.ChargePaid, r.Status,
		r.IsRollUpPeriod, r.IsServicedPeriod, r.IsExtensionPeriod,
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule row %d: %w", r.InstallmentNumber, err)
	}
	return nil
}

func updateRowPayments(db execer, r *models.ScheduleRow) error {
	_, err := db.Exec(
		`UPDATE schedule_rows SET principal_paid = ?, interest_paid = ?, charge_paid = ?, status = ? WHERE loan_id = ? AND installment_number = ?`,
		r.PrincipalPaid, r.InterestPaid, r.ChargePaid, r.Status, r.LoanID.String(), r.InstallmentNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule row %d: %w", r.InstallmentNumber, err)
	}
	return nil
}

// CreateTransaction inserts a new transaction into the database.
func (s *SQLiteStore) CreateTransaction(transaction *models.Transaction) error {
	return insertTransaction(s.db, transaction)
}

func insertTransaction(db execer, t *models.Transaction) error {
	_, err := db.Exec(
		`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.LoanID.String(), t.Type, t.Date, t.Amount, t.GrossAmount,
		t.PrincipalApplied, t.InterestApplied, t.FeesApplied, t.IsDeleted, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a single transaction, deleted or not.
func (s *SQLiteStore) GetTransaction(id uuid.UUID) (*models.Transaction, error) {
	row := s.db.QueryRow(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id.String())
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// GetTransactionsForLoan retrieves all transactions for a given loan ID,
// including soft-deleted ones.
func (s *SQLiteStore) GetTransactionsForLoan(loanID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.db.Query(`SELECT `+transactionColumns+` FROM transactions WHERE loan_id = ? ORDER BY date ASC, created_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	transactions := []*models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan transactions: %w", err)
	}
	return transactions, nil
}

func scanTransaction(sc scanner) (*models.Transaction, error) {
	var t models.Transaction
	var txIDStr, loanIDStr string
	err := sc.Scan(
		&txIDStr, &loanIDStr, &t.Type, &t.Date, &t.Amount, &t.GrossAmount,
		&t.PrincipalApplied, &t.InterestApplied, &t.FeesApplied, &t.IsDeleted, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ID = uuid.MustParse(txIDStr)
	t.LoanID = uuid.MustParse(loanIDStr)
	return &t, nil
}

// RecordRepayment inserts the repayment and the schedule and credit changes it causes atomically.
func (s *SQLiteStore) RecordRepayment(transaction *models.Transaction, rows []models.ScheduleRow, credit decimal.Decimal) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertTransaction(tx, transaction); err != nil {
		return err
	}
	if err := writePaymentState(tx, transaction.LoanID, rows, credit); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplacePaymentState rewrites previously recorded repayments and the schedule state derived from them.
func (s *SQLiteStore) ReplacePaymentState(loanID uuid.UUID, transactions []*models.Transaction, rows []models.ScheduleRow, credit decimal.Decimal) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range transactions {
		result, err := tx.Exec(
			`UPDATE transactions SET principal_applied = ?, interest_applied = ?, fees_applied = ?, is_deleted = ? WHERE id = ? AND loan_id = ?`,
			t.PrincipalApplied, t.InterestApplied, t.FeesApplied, t.IsDeleted, t.ID.String(), loanID.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to update transaction %s: %w", t.ID, err)
		}
		if err := requireAffected(result, ErrTransactionNotFound); err != nil {
			return err
		}
	}
	if err := writePaymentState(tx, loanID, rows, credit); err != nil {
		return err
	}
	return tx.Commit()
}

func writePaymentState(db execer, loanID uuid.UUID, rows []models.ScheduleRow, credit decimal.Decimal) error {
	for i := range rows {
		if err := updateRowPayments(db, &rows[i]); err != nil {
			return err
		}
	}
	result, err := db.Exec(`UPDATE loans SET credit_balance = ?, updated_at = ? WHERE id = ?`, credit, time.Now(), loanID.String())
	if err != nil {
		return fmt.Errorf("failed to update credit balance: %w", err)
	}
	return requireAffected(result, ErrLoanNotFound)
}

func requireAffected(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
