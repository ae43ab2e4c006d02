// Package schedule generates repayment schedules from loan terms and
// summarizes them.
package schedule

import (
	"math"

	"github.com/mcclellann/fredLoan/pkg/accrual"
	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"
)

// DefaultExtensionPeriods is how many months of post-maturity interest a
// rolled-up preview shows.
const DefaultExtensionPeriods = 12

var (
	hundred      = decimal.NewFromInt(100)
	daysInYear   = decimal.NewFromInt(365)
	avgMonthDays = decimal.RequireFromString("30.44")
)

type options struct {
	extensionPeriods int
}

// Option customizes Generate.
type Option func(*options)

// WithExtensionPeriods appends n interest-only months after maturity to
// rolled-up schedules so the exposure of an unpaid loan is visible.
func WithExtensionPeriods(n int) Option {
	return func(o *options) {
		o.extensionPeriods = n
	}
}

// Preview is Generate with the default rolled-up extension.
func Preview(terms models.LoanTerms) []models.ScheduleRow {
	return Generate(terms, WithExtensionPeriods(DefaultExtensionPeriods))
}

// Generate builds the initial schedule for terms. Every row is pending with
// nothing paid and carries amounts rounded to the cent. Open-ended loans,
// irregular-income loans, weekly roll-up & serviced loans and unrecognized
// variants get an empty schedule.
// The result depends only on its inputs.
func Generate(terms models.LoanTerms, opts ...Option) []models.ScheduleRow {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	rows := []models.ScheduleRow{}
	if terms.Duration <= 0 || terms.StartDate.IsZero() {
		return rows
	}

	b := newBuilder(terms)
	switch terms.InterestType {
	case models.InterestTypeFlat:
		if b.hasPrincipal() {
			b.alignStub()
			b.flat()
		}
	case models.InterestTypeReducing:
		if b.hasPrincipal() {
			b.alignStub()
			b.amortize(b.periods, 0)
		}
	case models.InterestTypeInterestOnly:
		if b.hasPrincipal() {
			b.alignStub()
			b.interestOnly()
		}
	case models.InterestTypeRolledUp:
		if b.hasPrincipal() {
			b.rolledUp(o.extensionPeriods)
		}
	case models.InterestTypeRollUpThenServiced:
		// the roll-up length is in months
		if b.hasPrincipal() && terms.Period != models.PeriodWeekly {
			b.rollUpThenServiced()
		}
	case models.InterestTypeFixedCharge:
		b.fixedCharge()
	case models.InterestTypeIrregularIncome:
		// tracked through transactions only
	default:
		// unknown variants accrue through the ledger fallback instead
	}
	return append(rows, b.rows...)
}

type builder struct {
	terms   models.LoanTerms
	rate    decimal.Decimal // per period
	anchor  calendar.Date   // start of the first regular period
	periods int             // regular periods after any stub
	balance decimal.Decimal
	rows    []models.ScheduleRow
}

func newBuilder(terms models.LoanTerms) *builder {
	rate := decimal.Zero
	if terms.InterestRate.IsPositive() {
		rate = terms.InterestRate.Div(hundred).Div(decimal.NewFromInt(int64(terms.Period.PerYear())))
	}
	balance := terms.Principal
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	return &builder{
		terms:   terms,
		rate:    rate,
		anchor:  terms.StartDate,
		periods: terms.Duration,
		balance: balance,
	}
}

func (b *builder) hasPrincipal() bool {
	return b.balance.IsPositive()
}

// alignStub inserts the interest-only row running from the start date to
// the end of its month when interest is aligned to the 1st. Unless the loan
// is extended for a full period the stub counts towards the duration.
func (b *builder) alignStub() {
	t := b.terms
	if t.InterestAlignment != models.AlignMonthlyFirst || t.Period == models.PeriodWeekly || t.StartDate.Day() == 1 {
		return
	}

	stubEnd := t.StartDate.FirstOfNextMonth()
	days := t.StartDate.DaysUntil(stubEnd)
	interest := b.balance.Mul(dailyRate(t.InterestRate)).Mul(decimal.NewFromInt(int64(days)))

	due := stubEnd
	if t.PaymentTiming == models.TimingAdvance {
		due = t.StartDate
	}
	b.add(row{due: due, interest: interest})

	b.anchor = stubEnd
	if !t.ExtendForFullPeriod && b.periods > 1 {
		b.periods--
	}
}

// due returns the due date of the i-th regular period (1-based) counted
// from anchor. Offsets are always taken from the anchor so month-end
// clamping never accumulates.
func (b *builder) due(anchor calendar.Date, i int) calendar.Date {
	if b.terms.PaymentTiming == models.TimingAdvance {
		return b.terms.Period.Advance(anchor, i-1)
	}
	return b.terms.Period.Advance(anchor, i)
}

func (b *builder) flat() {
	n := decimal.NewFromInt(int64(b.periods))
	years := n.Div(decimal.NewFromInt(int64(b.terms.Period.PerYear())))
	total := b.balance.Mul(b.terms.InterestRate.Div(hundred)).Mul(years)

	interest := cents(total.Div(n))
	principal := cents(b.balance.Div(n))
	for i := 1; i <= b.periods; i++ {
		p := principal
		if i == b.periods {
			p = b.balance
		}
		b.add(row{due: b.due(b.anchor, i), principal: p, interest: interest})
	}
}

// amortize pays the current balance down over n level payments starting
// after regular period offset. A principal override on an installment
// replaces its computed principal and re-bases the payment for the
// remaining periods on what is then outstanding.
func (b *builder) amortize(n, offset int) {
	payment := cents(pmt(b.balance, b.rate, n))
	rebase := false
	for k := 1; k <= n; k++ {
		if rebase {
			payment = cents(pmt(b.balance, b.rate, n-k+1))
			rebase = false
		}
		interest := cents(b.balance.Mul(b.rate))
		principal := payment.Sub(interest)
		if override, ok := b.terms.PrincipalOverrides[len(b.rows)+1]; ok {
			principal = override
			rebase = true
		} else if k == n {
			principal = b.balance
		}
		b.add(row{due: b.due(b.anchor, offset+k), principal: principal, interest: interest})
	}
}

func (b *builder) interestOnly() {
	io := b.terms.InterestOnlyPeriod
	if io <= 0 || io > b.periods {
		io = b.periods
	}
	for k := 1; k <= io; k++ {
		r := row{due: b.due(b.anchor, k), interest: b.balance.Mul(b.rate)}
		if k == b.periods {
			r.principal = b.balance
		}
		b.add(r)
	}
	if io < b.periods {
		b.amortize(b.periods-io, io)
	}
}

// rolledUp adds no payments until maturity; the maturity row repays the
// principal with all interest compounded daily over the term.
func (b *builder) rolledUp(extension int) {
	t := b.terms
	maturity := t.Period.Advance(t.StartDate, t.Duration)
	days := t.StartDate.DaysUntil(maturity)
	principal := b.balance
	rolled := cents(accrual.CompoundDaily(principal, t.InterestRate, days))

	b.add(row{due: maturity, principal: principal, interest: rolled, rollUp: true})

	exposure := principal.Add(rolled)
	monthly := t.InterestRate.Div(hundred).Div(decimal.NewFromInt(12))
	for k := 1; k <= extension; k++ {
		b.add(row{
			due:       maturity.AddMonths(k),
			interest:  exposure.Mul(monthly),
			extension: true,
			balance:   &exposure,
		})
	}
}

// rollUpThenServiced rolls simple interest for the roll-up length (using
// 30.44-day months) into a single roll-up row, then services interest on
// principal plus rolled interest, repaying the principal with the last
// serviced period.
func (b *builder) rollUpThenServiced() {
	t := b.terms
	length := t.RollUpLength
	if length <= 0 || length > t.Duration {
		length = t.Duration
	}
	principal := b.balance
	rollDays := decimal.NewFromInt(int64(length)).Mul(avgMonthDays)
	rolled := cents(principal.Mul(dailyRate(t.InterestRate)).Mul(rollDays))

	rollEnd := t.StartDate.AddMonths(length)
	serviced := t.Duration - length

	first := row{due: rollEnd, interest: rolled, rollUp: true}
	if serviced == 0 {
		first.principal = principal
	}
	b.add(first)

	base := principal.Add(rolled)
	for k := 1; k <= serviced; k++ {
		r := row{due: b.due(rollEnd, k), interest: base.Mul(b.rate), serviced: true}
		if k == serviced {
			r.principal = principal
		}
		b.add(r)
	}
}

func (b *builder) fixedCharge() {
	for i := 1; i <= b.periods; i++ {
		b.add(row{due: b.due(b.anchor, i), charge: b.terms.ChargeAmount})
	}
}

type row struct {
	due       calendar.Date
	principal decimal.Decimal
	interest  decimal.Decimal
	charge    decimal.Decimal
	balance   *decimal.Decimal // overrides the running balance column
	rollUp    bool
	serviced  bool
	extension bool
}

func (b *builder) add(r row) {
	principal := clamp(cents(r.principal), b.balance)
	interest := nonNegative(cents(r.interest))
	charge := nonNegative(cents(r.charge))

	b.balance = nonNegative(b.balance.Sub(principal))
	balance := b.balance
	if r.balance != nil {
		balance = cents(*r.balance)
	}

	b.rows = append(b.rows, models.ScheduleRow{
		InstallmentNumber: len(b.rows) + 1,
		DueDate:           r.due,
		PrincipalAmount:   principal,
		InterestAmount:    interest,
		ChargeAmount:      charge,
		TotalDue:          principal.Add(interest).Add(charge),
		Balance:           balance,
		PrincipalPaid:     decimal.Zero,
		InterestPaid:      decimal.Zero,
		ChargePaid:        decimal.Zero,
		Status:            models.RowStatusPending,
		IsRollUpPeriod:    r.rollUp,
		IsServicedPeriod:  r.serviced,
		IsExtensionPeriod: r.extension,
	})
}

// pmt is the level payment that repays principal over n periods at the
// periodic rate: P·r·(1+r)^n / ((1+r)^n − 1).
func pmt(principal, rate decimal.Decimal, n int) decimal.Decimal {
	if n <= 0 || !principal.IsPositive() {
		return decimal.Zero
	}
	if !rate.IsPositive() {
		return principal.Div(decimal.NewFromInt(int64(n)))
	}
	// float64 for the power, decimal for the money
	r := rate.InexactFloat64()
	factor := math.Pow(1+r, float64(n))
	payment := principal.InexactFloat64() * r * factor / (factor - 1)
	return decimal.NewFromFloat(payment)
}

func dailyRate(annual decimal.Decimal) decimal.Decimal {
	if !annual.IsPositive() {
		return decimal.Zero
	}
	return annual.Div(hundred).Div(daysInYear)
}

func cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func clamp(d, max decimal.Decimal) decimal.Decimal {
	if d.GreaterThan(max) {
		return max
	}
	return nonNegative(d)
}
