// Package waterfall applies incoming cash to outstanding schedule rows,
// oldest first, interest before charges before principal.
package waterfall

import (
	"sort"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"
)

// OverpaymentOption decides what happens to cash left once every eligible
// row is satisfied.
type OverpaymentOption string

const (
	// OverpaymentCredit holds the excess as credit for the next payment.
	OverpaymentCredit OverpaymentOption = "credit"
	// OverpaymentReducePrincipal pays down the principal of future rows in
	// due-date order.
	OverpaymentReducePrincipal OverpaymentOption = "reduce_principal"
)

// tolerance below which a row counts as fully paid
var tolerance = decimal.New(1, -2)

// Payment is a lump sum received on Date. A zero Date makes every unpaid
// row eligible.
type Payment struct {
	Amount decimal.Decimal `json:"amount"`
	Date   calendar.Date   `json:"date"`
}

// ManualPayment is a payment already split by the operator.
type ManualPayment struct {
	Interest  decimal.Decimal `json:"interest"`
	Principal decimal.Decimal `json:"principal"`
	Date      calendar.Date   `json:"date"`
}

// RowUpdate is the change one payment makes to one row. Paid amounts are
// cumulative; applied amounts are this payment's share.
type RowUpdate struct {
	RowID             uuid.UUID        `json:"row_id"`
	InstallmentNumber int              `json:"installment_number"`
	InterestApplied   decimal.Decimal  `json:"interest_applied"`
	ChargeApplied     decimal.Decimal  `json:"charge_applied"`
	PrincipalApplied  decimal.Decimal  `json:"principal_applied"`
	InterestPaid      decimal.Decimal  `json:"interest_paid"`
	ChargePaid        decimal.Decimal  `json:"charge_paid"`
	PrincipalPaid     decimal.Decimal  `json:"principal_paid"`
	Status            models.RowStatus `json:"status"`
}

type Result struct {
	Updates            []RowUpdate     `json:"updates"`
	InterestApplied    decimal.Decimal `json:"interest_applied"`
	ChargeApplied      decimal.Decimal `json:"charge_applied"`
	PrincipalApplied   decimal.Decimal `json:"principal_applied"` // includes PrincipalReduction
	RemainingPayment   decimal.Decimal `json:"remaining_payment"`
	PrincipalReduction decimal.Decimal `json:"principal_reduction"`
	CreditAmount       decimal.Decimal `json:"credit_amount"`
}

// ApplyPaymentWaterfall spreads payment plus any existing credit over the
// eligible rows: those due on or before the payment date and the next
// installment after it. Each row takes interest, then charges, then
// principal until the funds run out. The input rows are not modified.
func ApplyPaymentWaterfall(payment Payment, rows []models.ScheduleRow, existingCredit decimal.Decimal, option OverpaymentOption) Result {
	a := newAllocator(rows, payment.Date)
	funds := nonNegative(payment.Amount).Add(nonNegative(existingCredit))
	for _, i := range a.eligible {
		if !funds.IsPositive() {
			break
		}
		funds = a.payInterest(i, funds)
		funds = a.payCharge(i, funds)
		funds = a.payPrincipal(i, funds)
	}
	return a.finish(funds, option)
}

// ApplyManualPayment allocates separately supplied interest and principal
// amounts with the same oldest-first order and overpayment rules. Existing
// credit joins the interest side. Whatever either side cannot place is
// pooled as the overpayment.
func ApplyManualPayment(payment ManualPayment, rows []models.ScheduleRow, existingCredit decimal.Decimal, option OverpaymentOption) Result {
	a := newAllocator(rows, payment.Date)
	interestFunds := nonNegative(payment.Interest).Add(nonNegative(existingCredit))
	principalFunds := nonNegative(payment.Principal)
	for _, i := range a.eligible {
		interestFunds = a.payInterest(i, interestFunds)
		interestFunds = a.payCharge(i, interestFunds)
		principalFunds = a.payPrincipal(i, principalFunds)
	}
	return a.finish(interestFunds.Add(principalFunds), option)
}

// ApplyUpdates returns a copy of rows with the updates merged in by
// installment number.
func ApplyUpdates(rows []models.ScheduleRow, updates []RowUpdate) []models.ScheduleRow {
	byInstallment := make(map[int]RowUpdate, len(updates))
	for _, u := range updates {
		byInstallment[u.InstallmentNumber] = u
	}
	out := make([]models.ScheduleRow, len(rows))
	copy(out, rows)
	for i := range out {
		if u, ok := byInstallment[out[i].InstallmentNumber]; ok {
			out[i].InterestPaid = u.InterestPaid
			out[i].ChargePaid = u.ChargePaid
			out[i].PrincipalPaid = u.PrincipalPaid
			out[i].Status = u.Status
		}
	}
	return out
}

type allocator struct {
	rows     []models.ScheduleRow // unpaid rows by due date
	eligible []int
	future   []int
	updates  map[int]int // row index -> position in res.Updates
	res      Result
}

func newAllocator(rows []models.ScheduleRow, date calendar.Date) *allocator {
	a := &allocator{
		updates: map[int]int{},
		res: Result{
			Updates:            []RowUpdate{},
			InterestApplied:    decimal.Zero,
			ChargeApplied:      decimal.Zero,
			PrincipalApplied:   decimal.Zero,
			RemainingPayment:   decimal.Zero,
			PrincipalReduction: decimal.Zero,
			CreditAmount:       decimal.Zero,
		},
	}
	for _, r := range rows {
		if r.Status == models.RowStatusPaid || !outstanding(r).IsPositive() {
			continue
		}
		a.rows = append(a.rows, r)
	}
	sort.SliceStable(a.rows, func(i, j int) bool {
		if a.rows[i].DueDate.Equal(a.rows[j].DueDate) {
			return a.rows[i].InstallmentNumber < a.rows[j].InstallmentNumber
		}
		return a.rows[i].DueDate.Before(a.rows[j].DueDate)
	})

	current := false
	for i, r := range a.rows {
		switch {
		case date.IsZero() || !r.DueDate.After(date):
			a.eligible = append(a.eligible, i)
		case !current:
			a.eligible = append(a.eligible, i)
			current = true
		default:
			a.future = append(a.future, i)
		}
	}
	return a
}

func (a *allocator) payInterest(i int, funds decimal.Decimal) decimal.Decimal {
	r := &a.rows[i]
	amount := take(funds, r.InterestAmount.Sub(r.InterestPaid))
	if amount.IsZero() {
		return funds
	}
	r.InterestPaid = r.InterestPaid.Add(amount)
	u := a.update(i)
	u.InterestApplied = u.InterestApplied.Add(amount)
	a.res.InterestApplied = a.res.InterestApplied.Add(amount)
	a.sync(i)
	return funds.Sub(amount)
}

func (a *allocator) payCharge(i int, funds decimal.Decimal) decimal.Decimal {
	r := &a.rows[i]
	amount := take(funds, r.ChargeAmount.Sub(r.ChargePaid))
	if amount.IsZero() {
		return funds
	}
	r.ChargePaid = r.ChargePaid.Add(amount)
	u := a.update(i)
	u.ChargeApplied = u.ChargeApplied.Add(amount)
	a.res.ChargeApplied = a.res.ChargeApplied.Add(amount)
	a.sync(i)
	return funds.Sub(amount)
}

func (a *allocator) payPrincipal(i int, funds decimal.Decimal) decimal.Decimal {
	r := &a.rows[i]
	amount := take(funds, r.PrincipalAmount.Sub(r.PrincipalPaid))
	if amount.IsZero() {
		return funds
	}
	r.PrincipalPaid = r.PrincipalPaid.Add(amount)
	u := a.update(i)
	u.PrincipalApplied = u.PrincipalApplied.Add(amount)
	a.res.PrincipalApplied = a.res.PrincipalApplied.Add(amount)
	a.sync(i)
	return funds.Sub(amount)
}

func (a *allocator) update(i int) *RowUpdate {
	if pos, ok := a.updates[i]; ok {
		return &a.res.Updates[pos]
	}
	r := a.rows[i]
	a.res.Updates = append(a.res.Updates, RowUpdate{
		RowID:             r.ID,
		InstallmentNumber: r.InstallmentNumber,
		InterestApplied:   decimal.Zero,
		ChargeApplied:     decimal.Zero,
		PrincipalApplied:  decimal.Zero,
	})
	a.updates[i] = len(a.res.Updates) - 1
	return &a.res.Updates[len(a.res.Updates)-1]
}

func (a *allocator) sync(i int) {
	r := a.rows[i]
	u := a.update(i)
	u.InterestPaid = r.InterestPaid
	u.ChargePaid = r.ChargePaid
	u.PrincipalPaid = r.PrincipalPaid
	u.Status = status(r)
}

func (a *allocator) finish(funds decimal.Decimal, option OverpaymentOption) Result {
	if option == OverpaymentReducePrincipal {
		for _, i := range a.future {
			if !funds.IsPositive() {
				break
			}
			before := funds
			funds = a.payPrincipal(i, funds)
			a.res.PrincipalReduction = a.res.PrincipalReduction.Add(before.Sub(funds))
		}
	}
	a.res.RemainingPayment = nonNegative(funds)
	if option != OverpaymentReducePrincipal {
		a.res.CreditAmount = a.res.RemainingPayment
	}
	return a.res
}

func status(r models.ScheduleRow) models.RowStatus {
	paid := r.TotalPaid()
	switch {
	case paid.GreaterThanOrEqual(r.TotalDue.Sub(tolerance)):
		return models.RowStatusPaid
	case paid.IsPositive():
		return models.RowStatusPartial
	default:
		return models.RowStatusPending
	}
}

func outstanding(r models.ScheduleRow) decimal.Decimal {
	return nonNegative(r.InterestAmount.Sub(r.InterestPaid)).
		Add(nonNegative(r.ChargeAmount.Sub(r.ChargePaid))).
		Add(nonNegative(r.PrincipalAmount.Sub(r.PrincipalPaid)))
}

// take is the part of funds that goes to an amount owed.
func take(funds, owed decimal.Decimal) decimal.Decimal {
	if !funds.IsPositive() || !owed.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(funds, owed)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
