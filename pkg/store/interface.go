package store

import (
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrLoanNotFound        = errors.New("loan not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Storage defines the interface for database operations related to loans,
// their repayment schedules and transactions.
type Storage interface {
	// CreateLoan stores the loan, its schedule and its opening
	// disbursement together. disbursement may be nil.
	CreateLoan(loan *models.Loan, rows []models.ScheduleRow, disbursement *models.Transaction) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	UpdateLoan(loan *models.Loan) error
	DeleteLoan(id uuid.UUID) error
	GetAllLoans() ([]*models.Loan, error)
	GetAllActiveLoans() ([]*models.Loan, error)
	UpdateBalanceCache(loanID uuid.UUID, cache models.BalanceCache) error

	GetSchedule(loanID uuid.UUID) ([]models.ScheduleRow, error)

	CreateTransaction(transaction *models.Transaction) error
	GetTransaction(id uuid.UUID) (*models.Transaction, error)
	GetTransactionsForLoan(loanID uuid.UUID) ([]*models.Transaction, error)
	// RecordRepayment inserts the repayment, writes the paid amounts and
	// status of rows and sets the loan's credit balance in one transaction.
	RecordRepayment(transaction *models.Transaction, rows []models.ScheduleRow, credit decimal.Decimal) error
	// ReplacePaymentState rewrites the applied amounts and deleted flag of
	// existing transactions together with row payment state and credit.
	ReplacePaymentState(loanID uuid.UUID, transactions []*models.Transaction, rows []models.ScheduleRow, credit decimal.Decimal) error

	Close() error
}
