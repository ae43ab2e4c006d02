package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "pending"
	LoanStatusActive    LoanStatus = "active"
	LoanStatusClosed    LoanStatus = "closed"
	LoanStatusDefaulted LoanStatus = "defaulted"
)

// LoanTerms are the contractual inputs to schedule generation and accrual.
type LoanTerms struct {
	Principal       decimal.Decimal     `json:"principal_amount"`
	InterestRate    decimal.Decimal     `json:"interest_rate"` // annual, percent
	PenaltyRate     decimal.NullDecimal `json:"penalty_rate"`  // annual, percent
	PenaltyRateFrom calendar.Date       `json:"penalty_rate_from"`
	InterestType    InterestType        `json:"interest_type"`
	Period          RepaymentPeriod     `json:"period"`
	Duration        int                 `json:"duration"` // periods; 0 for open-ended loans
	StartDate       calendar.Date       `json:"start_date"`

	InterestOnlyPeriod  int                     `json:"interest_only_period,omitempty"`
	RollUpLength        int                     `json:"roll_up_length,omitempty"` // months
	ChargeAmount        decimal.Decimal         `json:"charge_amount"`            // per period, fixed-charge loans
	InterestAlignment   InterestAlignment       `json:"interest_alignment,omitempty"`
	PaymentTiming       PaymentTiming           `json:"payment_timing,omitempty"`
	ExtendForFullPeriod bool                    `json:"extend_for_full_period,omitempty"`
	PrincipalOverrides  map[int]decimal.Decimal `json:"principal_overrides,omitempty"` // installment -> principal already applied
}

// RateOn returns the annual rate in force on d: the penalty rate once it
// has taken effect, the base rate otherwise.
func (t LoanTerms) RateOn(d calendar.Date) decimal.Decimal {
	if t.PenaltyRate.Valid && !t.PenaltyRateFrom.IsZero() && !d.Before(t.PenaltyRateFrom) {
		return t.PenaltyRate.Decimal
	}
	return t.InterestRate
}

type Loan struct {
	ID          uuid.UUID  `json:"id"`
	CustomerKey string     `json:"customer_key"` // Link to external customer system
	LoanTerms
	Status        LoanStatus      `json:"status"`
	CreditBalance decimal.Decimal `json:"credit_balance"` // Overpayments held for the next payment
	Cached        BalanceCache    `json:"cached_balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BalanceCache holds the last batch-computed balances for a loan. It is
// derived data and may always be recomputed from transactions.
type BalanceCache struct {
	InterestDue        decimal.Decimal `json:"interest_due"`
	InterestPaid       decimal.Decimal `json:"interest_paid"`
	InterestBalance    decimal.Decimal `json:"interest_balance"`
	PrincipalRemaining decimal.Decimal `json:"principal_remaining"`
	AsOf               calendar.Date   `json:"as_of"`
	ComputedAt         *time.Time      `json:"computed_at,omitempty"`
}

type TransactionType string

const (
	TransactionTypeDisbursement TransactionType = "disbursement"
	TransactionTypeRepayment    TransactionType = "repayment"
)

type Transaction struct {
	ID               uuid.UUID           `json:"id"`
	LoanID           uuid.UUID           `json:"loan_id"`
	Type             TransactionType     `json:"type"`
	Date             calendar.Date       `json:"date"`
	Amount           decimal.Decimal     `json:"amount"`
	GrossAmount      decimal.NullDecimal `json:"gross_amount"` // Disbursements before deductions; absent on legacy rows
	PrincipalApplied decimal.Decimal     `json:"principal_applied"`
	InterestApplied  decimal.Decimal     `json:"interest_applied"`
	FeesApplied      decimal.Decimal     `json:"fees_applied"`
	IsDeleted        bool                `json:"is_deleted"`
	CreatedAt        time.Time           `json:"created_at"`
}

// Gross is the capital advanced by a disbursement, falling back to the raw
// amount for records that predate gross amounts.
func (t *Transaction) Gross() decimal.Decimal {
	if t.GrossAmount.Valid && t.GrossAmount.Decimal.IsPositive() {
		return t.GrossAmount.Decimal
	}
	return t.Amount
}

type RowStatus string

const (
	RowStatusPending RowStatus = "pending"
	RowStatusPartial RowStatus = "partial"
	RowStatusPaid    RowStatus = "paid"
)

// ScheduleRow is one installment. Rows are created once and afterwards only
// their paid amounts and status change.
type ScheduleRow struct {
	ID                uuid.UUID       `json:"id"`
	LoanID            uuid.UUID       `json:"loan_id"`
	InstallmentNumber int             `json:"installment_number"`
	DueDate           calendar.Date   `json:"due_date"`
	PrincipalAmount   decimal.Decimal `json:"principal_amount"`
	InterestAmount    decimal.Decimal `json:"interest_amount"`
	ChargeAmount      decimal.Decimal `json:"charge_amount"`
	TotalDue          decimal.Decimal `json:"total_due"`
	Balance           decimal.Decimal `json:"balance"`
	PrincipalPaid     decimal.Decimal `json:"principal_paid"`
	InterestPaid      decimal.Decimal `json:"interest_paid"`
	ChargePaid        decimal.Decimal `json:"charge_paid"`
	Status            RowStatus       `json:"status"`
	IsRollUpPeriod    bool            `json:"is_roll_up_period,omitempty"`
	IsServicedPeriod  bool            `json:"is_serviced_period,omitempty"`
	IsExtensionPeriod bool            `json:"is_extension_period,omitempty"`
}

func (r *ScheduleRow) TotalPaid() decimal.Decimal {
	return r.PrincipalPaid.Add(r.InterestPaid).Add(r.ChargePaid)
}

// CapitalEvent is a change to outstanding principal: positive for further
// advances, negative for principal repaid.
type CapitalEvent struct {
	Date          calendar.Date   `json:"date"`
	Delta         decimal.Decimal `json:"delta"`
	TransactionID uuid.UUID       `json:"transaction_id"`
}

// LedgerSegment is a [Start, End) range with constant principal and rate.
type LedgerSegment struct {
	Start      calendar.Date   `json:"start"`
	End        calendar.Date   `json:"end"`
	Days       int             `json:"days"`
	Principal  decimal.Decimal `json:"principal"`
	AnnualRate decimal.Decimal `json:"annual_rate"`
	Interest   decimal.Decimal `json:"interest"`
}
