package accrual

import (
	"math"
	"sort"

	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	hundred    = decimal.NewFromInt(100)
	daysInYear = decimal.NewFromInt(365)
)

// Result is the interest due over a date range and the segments it was
// computed from.
type Result struct {
	TotalInterest decimal.Decimal        `json:"total_interest"`
	Segments      []models.LedgerSegment `json:"segments"`
}

// CalculateInterestFromLedger computes simple daily interest over [from, to).
// The principal in force at from is the loan principal plus every event
// dated on or before from. The range is then cut at each later event and at
// the penalty-rate effective date, so that every segment has a constant
// principal and a constant rate. Segments are contiguous and their days sum
// to the length of the range. Segment interest keeps full precision; the
// total is rounded to the cent.
func CalculateInterestFromLedger(loan *models.Loan, events []models.CapitalEvent, from, to calendar.Date) Result {
	res := Result{TotalInterest: decimal.Zero, Segments: []models.LedgerSegment{}}
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return res
	}

	sorted := make([]models.CapitalEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	principal := loan.Principal
	next := 0
	for ; next < len(sorted) && !sorted[next].Date.After(from); next++ {
		principal = principal.Add(sorted[next].Delta)
	}

	total := decimal.Zero
	cursor := from
	for cursor.Before(to) {
		end := to
		if next < len(sorted) && sorted[next].Date.Before(end) {
			end = sorted[next].Date
		}
		if cut := loan.PenaltyRateFrom; loan.PenaltyRate.Valid && cut.After(cursor) && cut.Before(end) {
			end = cut
		}

		held := nonNegative(principal)
		rate := loan.RateOn(cursor)
		days := cursor.DaysUntil(end)
		interest := held.Mul(dailyRate(rate)).Mul(decimal.NewFromInt(int64(days)))

		res.Segments = append(res.Segments, models.LedgerSegment{
			Start:      cursor,
			End:        end,
			Days:       days,
			Principal:  held,
			AnnualRate: rate,
			Interest:   interest,
		})
		total = total.Add(interest)

		cursor = end
		for ; next < len(sorted) && !sorted[next].Date.After(cursor); next++ {
			principal = principal.Add(sorted[next].Delta)
		}
	}

	res.TotalInterest = total.Round(2)
	return res
}

// CompoundDaily is the interest earned on principal compounding daily at
// the annual percentage rate for the given number of days:
// P·((1 + rate/100/365)^days − 1).
func CompoundDaily(principal, annualRate decimal.Decimal, days int) decimal.Decimal {
	if days <= 0 || !principal.IsPositive() || !annualRate.IsPositive() {
		return decimal.Zero
	}
	daily := dailyRate(annualRate).InexactFloat64()
	growth := math.Pow(1+daily, float64(days)) - 1
	return principal.Mul(decimal.NewFromFloat(growth))
}

// AccruedInterest is the interest accrued on a loan from its start date up
// to asOf. Pending loans and loans without a start date have accrued
// nothing. Rolled-up loans compound daily across ledger segments; variants
// the engine does not recognize fall back to straight-line daily accrual on
// the original principal.
func AccruedInterest(loan *models.Loan, events []models.CapitalEvent, asOf calendar.Date) decimal.Decimal {
	if loan.Status == models.LoanStatusPending || loan.StartDate.IsZero() || !loan.StartDate.Before(asOf) {
		return decimal.Zero
	}

	switch loan.InterestType {
	case models.InterestTypeRolledUp:
		accrued := decimal.Zero
		for _, seg := range CalculateInterestFromLedger(loan, events, loan.StartDate, asOf).Segments {
			accrued = accrued.Add(CompoundDaily(seg.Principal.Add(accrued), seg.AnnualRate, seg.Days))
		}
		return accrued.Round(2)
	case models.InterestTypeFlat,
		models.InterestTypeReducing,
		models.InterestTypeInterestOnly,
		models.InterestTypeRollUpThenServiced,
		models.InterestTypeFixedCharge,
		models.InterestTypeIrregularIncome:
		return CalculateInterestFromLedger(loan, events, loan.StartDate, asOf).TotalInterest
	default:
		days := decimal.NewFromInt(int64(loan.StartDate.DaysUntil(asOf)))
		return nonNegative(loan.Principal).Mul(dailyRate(loan.InterestRate)).Mul(days).Round(2)
	}
}

func dailyRate(annual decimal.Decimal) decimal.Decimal {
	if !annual.IsPositive() {
		return decimal.Zero
	}
	return annual.Div(hundred).Div(daysInYear)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
