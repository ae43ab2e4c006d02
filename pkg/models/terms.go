package models

import (
	"fmt"

	"github.com/mcclellann/fredLoan/pkg/calendar"
)

// InterestType selects the product variant that drives schedule
// generation and accrual.
type InterestType string

const (
	InterestTypeFlat               InterestType = "flat"
	InterestTypeReducing           InterestType = "reducing"
	InterestTypeInterestOnly       InterestType = "interest_only"
	InterestTypeRolledUp           InterestType = "rolled_up"
	InterestTypeRollUpThenServiced InterestType = "roll_up_serviced"
	InterestTypeFixedCharge        InterestType = "fixed_charge"
	InterestTypeIrregularIncome    InterestType = "irregular_income"
)

var interestTypes = []InterestType{
	InterestTypeFlat,
	InterestTypeReducing,
	InterestTypeInterestOnly,
	InterestTypeRolledUp,
	InterestTypeRollUpThenServiced,
	InterestTypeFixedCharge,
	InterestTypeIrregularIncome,
}

// Known reports whether t is one of the supported variants.
func (t InterestType) Known() bool {
	for _, known := range interestTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseInterestType accepts the stored variant names.
func ParseInterestType(s string) (InterestType, error) {
	t := InterestType(s)
	if !t.Known() {
		return t, fmt.Errorf("unknown interest type %q", s)
	}
	return t, nil
}

type RepaymentPeriod string

const (
	PeriodMonthly RepaymentPeriod = "monthly"
	PeriodWeekly  RepaymentPeriod = "weekly"
)

// PerYear is the number of repayment periods in a year. Anything that is
// not weekly is treated as monthly.
func (p RepaymentPeriod) PerYear() int {
	if p == PeriodWeekly {
		return 52
	}
	return 12
}

// Advance moves d forward by n periods.
func (p RepaymentPeriod) Advance(d calendar.Date, n int) calendar.Date {
	if p == PeriodWeekly {
		return d.AddDays(7 * n)
	}
	return d.AddMonths(n)
}

type InterestAlignment string

const (
	AlignPeriod       InterestAlignment = "period"
	AlignMonthlyFirst InterestAlignment = "monthly_first"
)

// PaymentTiming decides whether an installment falls due at the start
// (advance) or the end (arrears) of the period it covers.
type PaymentTiming string

const (
	TimingArrears PaymentTiming = "arrears"
	TimingAdvance PaymentTiming = "advance"
)
