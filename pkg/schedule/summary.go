package schedule

import (
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"
)

// Summary aggregates a schedule.
type Summary struct {
	TotalPrincipal    decimal.Decimal `json:"total_principal"`
	TotalInterest     decimal.Decimal `json:"total_interest"`
	TotalCharges      decimal.Decimal `json:"total_charges"`
	TotalRepayable    decimal.Decimal `json:"total_repayable"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"` // first row's total due
	NumberOfPayments  int             `json:"number_of_payments"`
}

func Summarize(rows []models.ScheduleRow) Summary {
	s := Summary{
		TotalPrincipal:    decimal.Zero,
		TotalInterest:     decimal.Zero,
		TotalCharges:      decimal.Zero,
		TotalRepayable:    decimal.Zero,
		InstallmentAmount: decimal.Zero,
		NumberOfPayments:  len(rows),
	}
	for _, r := range rows {
		s.TotalPrincipal = s.TotalPrincipal.Add(r.PrincipalAmount)
		s.TotalInterest = s.TotalInterest.Add(r.InterestAmount)
		s.TotalCharges = s.TotalCharges.Add(r.ChargeAmount)
		s.TotalRepayable = s.TotalRepayable.Add(r.TotalDue)
	}
	if len(rows) > 0 {
		s.InstallmentAmount = rows[0].TotalDue
	}
	return s
}
