// Package reconcile matches real repayments to schedule periods and
// recomputes live interest and principal balances as of a date.
package reconcile

import (
	"sort"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/accrual"
	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PeriodBalance is the reconciled state of one elapsed schedule period.
type PeriodBalance struct {
	InstallmentNumber   int                    `json:"installment_number"`
	DueDate             calendar.Date          `json:"due_date"`
	Start               calendar.Date          `json:"start"`
	End                 calendar.Date          `json:"end"`
	ExpectedInterest    decimal.Decimal        `json:"expected_interest"`
	InterestPaid        decimal.Decimal        `json:"interest_paid"`
	PrincipalPaid       decimal.Decimal        `json:"principal_paid"`
	InterestOutstanding decimal.Decimal        `json:"interest_outstanding"` // cumulative
	PrincipalBalance    decimal.Decimal        `json:"principal_balance"`
	TransactionIDs      []uuid.UUID            `json:"transaction_ids"`
	Segments            []models.LedgerSegment `json:"segments,omitempty"`
}

// Balance is a loan's live position as of a date.
type Balance struct {
	AsOf               calendar.Date   `json:"as_of"`
	TotalInterestDue   decimal.Decimal `json:"total_interest_due"`
	TotalInterestPaid  decimal.Decimal `json:"total_interest_paid"`
	InterestBalance    decimal.Decimal `json:"interest_balance"`
	PrincipalRemaining decimal.Decimal `json:"principal_remaining"`
	Periods            []PeriodBalance `json:"periods"`
}

// Reconciler computes balances. The logger receives per-period and
// per-move detail at debug level.
type Reconciler struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Reconciler {
	return &Reconciler{log: log}
}

// CalculateLoanInterestBalance reconciles with logging disabled.
func CalculateLoanInterestBalance(loan *models.Loan, rows []models.ScheduleRow, transactions []*models.Transaction, asOf calendar.Date) Balance {
	return New(zerolog.Nop()).CalculateLoanInterestBalance(loan, rows, transactions, asOf)
}

// CalculateLoanInterestBalance walks every period due on or before asOf,
// recomputing the interest expected for it from the capital-event ledger
// rather than trusting the stored row. Flat, fixed-charge and roll-up
// periods are contractual and keep the row's amounts. Only transactions
// dated on or before asOf are seen. Repayments count toward the period they
// are assigned to; repayments made by asOf against later periods still
// count toward the totals.
func (r *Reconciler) CalculateLoanInterestBalance(loan *models.Loan, rows []models.ScheduleRow, transactions []*models.Transaction, asOf calendar.Date) Balance {
	bal := Balance{
		AsOf:               asOf,
		TotalInterestDue:   decimal.Zero,
		TotalInterestPaid:  decimal.Zero,
		InterestBalance:    decimal.Zero,
		PrincipalRemaining: nonNegative(loan.Principal),
		Periods:            []PeriodBalance{},
	}
	if loan.Status == models.LoanStatusPending || loan.StartDate.IsZero() || asOf.IsZero() {
		return bal
	}

	known := datedThrough(transactions, asOf)
	events := accrual.BuildCapitalEvents(loan, known)
	accruing := withCapitalisedRollUp(loan, rows, events)
	repayments := repaymentsOf(known)

	sorted := make([]models.ScheduleRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DueDate.Before(sorted[j].DueDate)
	})
	log := r.log.With().Str("loan_id", loan.ID.String()).Logger()
	assigned := assign(log, sorted, repayments)

	principalPaid := decimal.Zero
	elapsed := 0
	for i, row := range sorted {
		if row.DueDate.After(asOf) {
			break
		}
		elapsed = i + 1

		start, end := bounds(loan, sorted, i)
		p := PeriodBalance{
			InstallmentNumber: row.InstallmentNumber,
			DueDate:           row.DueDate,
			Start:             start,
			End:               end,
			InterestPaid:      decimal.Zero,
			PrincipalPaid:     decimal.Zero,
			TransactionIDs:    []uuid.UUID{},
		}
		if contractual(loan.InterestType, row) {
			p.ExpectedInterest = row.InterestAmount.Add(row.ChargeAmount)
		} else {
			res := accrual.CalculateInterestFromLedger(loan, accruing, start, end)
			p.ExpectedInterest = res.TotalInterest
			p.Segments = res.Segments
		}

		for _, tx := range assigned[i] {
			p.InterestPaid = p.InterestPaid.Add(tx.InterestApplied).Add(tx.FeesApplied)
			p.PrincipalPaid = p.PrincipalPaid.Add(tx.PrincipalApplied)
			p.TransactionIDs = append(p.TransactionIDs, tx.ID)
		}

		bal.TotalInterestDue = bal.TotalInterestDue.Add(p.ExpectedInterest)
		bal.TotalInterestPaid = bal.TotalInterestPaid.Add(p.InterestPaid)
		principalPaid = principalPaid.Add(p.PrincipalPaid)

		p.InterestOutstanding = nonNegative(bal.TotalInterestDue.Sub(bal.TotalInterestPaid))
		p.PrincipalBalance = nonNegative(loan.Principal.Add(advancesThrough(events, end)).Sub(principalPaid))
		bal.Periods = append(bal.Periods, p)

		log.Debug().
			Int("installment", p.InstallmentNumber).
			Str("start", start.String()).
			Str("end", end.String()).
			Str("expected_interest", p.ExpectedInterest.StringFixed(2)).
			Str("interest_paid", p.InterestPaid.StringFixed(2)).
			Int("segments", len(p.Segments)).
			Msg("period reconciled")
	}

	for _, txs := range assigned[elapsed:] {
		for _, tx := range txs {
			bal.TotalInterestPaid = bal.TotalInterestPaid.Add(tx.InterestApplied).Add(tx.FeesApplied)
			principalPaid = principalPaid.Add(tx.PrincipalApplied)
		}
	}

	if len(sorted) == 0 {
		// nothing to assign to: accrue on the ledger and count every repayment
		bal.TotalInterestDue = accrual.AccruedInterest(loan, accruing, asOf)
		for _, tx := range repayments {
			bal.TotalInterestPaid = bal.TotalInterestPaid.Add(tx.InterestApplied).Add(tx.FeesApplied)
			principalPaid = principalPaid.Add(tx.PrincipalApplied)
		}
	}

	bal.InterestBalance = nonNegative(bal.TotalInterestDue.Sub(bal.TotalInterestPaid))
	bal.PrincipalRemaining = nonNegative(loan.Principal.Add(advancesThrough(events, asOf)).Sub(principalPaid))
	return bal
}

// bounds returns the accrual range of the i-th period. Arrears periods run
// from the previous due date (or the start date) to their own due date;
// advance periods run from their due date to the next one.
func bounds(loan *models.Loan, rows []models.ScheduleRow, i int) (calendar.Date, calendar.Date) {
	due := rows[i].DueDate
	if loan.PaymentTiming == models.TimingAdvance {
		if i+1 < len(rows) {
			return due, rows[i+1].DueDate
		}
		return due, loan.Period.Advance(due, 1)
	}
	start := loan.StartDate
	if i > 0 {
		start = rows[i-1].DueDate
	}
	if start.After(due) {
		start = due
	}
	return start, due
}

func contractual(t models.InterestType, row models.ScheduleRow) bool {
	switch t {
	case models.InterestTypeFlat, models.InterestTypeFixedCharge, models.InterestTypeRolledUp:
		return true
	default:
		return row.IsRollUpPeriod
	}
}

// datedThrough drops transactions dated after asOf; a balance as of a date
// only sees money moved by then.
func datedThrough(transactions []*models.Transaction, asOf calendar.Date) []*models.Transaction {
	out := make([]*models.Transaction, 0, len(transactions))
	for _, tx := range transactions {
		if tx != nil && !tx.Date.After(asOf) {
			out = append(out, tx)
		}
	}
	return out
}

// withCapitalisedRollUp adds the rolled interest of a roll-up & serviced
// loan as a capital event on the roll-up due date, since serviced periods
// charge interest on principal plus rolled interest. The extra events only
// feed accrual; principal remaining is still built from events alone.
func withCapitalisedRollUp(loan *models.Loan, rows []models.ScheduleRow, events []models.CapitalEvent) []models.CapitalEvent {
	if loan.InterestType != models.InterestTypeRollUpThenServiced {
		return events
	}
	out := append([]models.CapitalEvent{}, events...)
	for _, row := range rows {
		if row.IsRollUpPeriod && row.InterestAmount.IsPositive() {
			out = append(out, models.CapitalEvent{Date: row.DueDate, Delta: row.InterestAmount})
		}
	}
	return out
}

func repaymentsOf(transactions []*models.Transaction) []*models.Transaction {
	out := make([]*models.Transaction, 0, len(transactions))
	for _, tx := range transactions {
		if tx == nil || tx.IsDeleted || tx.Type != models.TransactionTypeRepayment || tx.Date.IsZero() {
			continue
		}
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

func advancesThrough(events []models.CapitalEvent, d calendar.Date) decimal.Decimal {
	total := decimal.Zero
	for _, e := range events {
		if e.Delta.IsPositive() && !e.Date.After(d) {
			total = total.Add(e.Delta)
		}
	}
	return total
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
