// Package accrual derives capital events from transactions and computes
// interest over arbitrary date ranges from them.
package accrual

import (
	"sort"

	"github.com/mcclellann/fredLoan/pkg/models"
)

// BuildCapitalEvents lists every principal change in date order. Principal
// repaid is a negative event; further advances are positive events at
// their gross amount. Disbursements dated on the loan's start date are the
// initial principal and are not events. Soft-deleted transactions are
// ignored.
func BuildCapitalEvents(loan *models.Loan, transactions []*models.Transaction) []models.CapitalEvent {
	events := make([]models.CapitalEvent, 0, len(transactions))
	for _, tx := range transactions {
		if tx == nil || tx.IsDeleted || tx.Date.IsZero() {
			continue
		}
		switch tx.Type {
		case models.TransactionTypeRepayment:
			if !tx.PrincipalApplied.IsPositive() {
				continue
			}
			events = append(events, models.CapitalEvent{
				Date:          tx.Date,
				Delta:         tx.PrincipalApplied.Neg(),
				TransactionID: tx.ID,
			})
		case models.TransactionTypeDisbursement:
			if tx.Date.Equal(loan.StartDate) {
				continue
			}
			gross := tx.Gross()
			if !gross.IsPositive() {
				continue
			}
			events = append(events, models.CapitalEvent{
				Date:          tx.Date,
				Delta:         gross,
				TransactionID: tx.ID,
			})
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Date.Before(events[j].Date)
	})
	return events
}
