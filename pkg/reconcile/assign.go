package reconcile

import (
	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/rs/zerolog"
)

// RedistributionWindowDays bounds how far from an empty period's due date a
// transaction may be moved into it.
const RedistributionWindowDays = 60

// AssignTransactions maps each repayment to a schedule row: first to the
// row with the nearest due date (ties go to the earlier row), then, while a
// row holds more than one repayment, its repayment furthest from the due
// date moves to the nearest empty row by schedule position whose due date
// is within RedistributionWindowDays of the repayment. Equidistant empty
// rows resolve to the earliest one. rows must be sorted by due date; the
// result is indexed like rows.
func AssignTransactions(rows []models.ScheduleRow, repayments []*models.Transaction) [][]*models.Transaction {
	return assign(zerolog.Nop(), rows, repayments)
}

func assign(log zerolog.Logger, rows []models.ScheduleRow, repayments []*models.Transaction) [][]*models.Transaction {
	assigned := make([][]*models.Transaction, len(rows))
	if len(rows) == 0 {
		return assigned
	}

	for _, tx := range repayments {
		best, bestDist := 0, calendar.AbsDays(tx.Date, rows[0].DueDate)
		for i := 1; i < len(rows); i++ {
			if dist := calendar.AbsDays(tx.Date, rows[i].DueDate); dist < bestDist {
				best, bestDist = i, dist
			}
		}
		assigned[best] = append(assigned[best], tx)
	}

	// Each move fills an empty row, so this terminates.
	for moved := true; moved; {
		moved = false
		for p := range assigned {
			if len(assigned[p]) < 2 {
				continue
			}
			far := furthest(assigned[p], rows[p].DueDate)
			tx := assigned[p][far]
			target := nearestEmpty(assigned, rows, p, tx.Date)
			if target < 0 {
				continue
			}

			assigned[p] = append(assigned[p][:far:far], assigned[p][far+1:]...)
			assigned[target] = append(assigned[target], tx)
			log.Debug().
				Str("transaction_id", tx.ID.String()).
				Int("from_installment", rows[p].InstallmentNumber).
				Int("to_installment", rows[target].InstallmentNumber).
				Msg("repayment moved to empty period")
			moved = true
			break
		}
	}
	return assigned
}

func furthest(txs []*models.Transaction, due calendar.Date) int {
	far, farDist := 0, calendar.AbsDays(txs[0].Date, due)
	for i := 1; i < len(txs); i++ {
		if dist := calendar.AbsDays(txs[i].Date, due); dist > farDist {
			far, farDist = i, dist
		}
	}
	return far
}

func nearestEmpty(assigned [][]*models.Transaction, rows []models.ScheduleRow, from int, date calendar.Date) int {
	target := -1
	for q := range assigned {
		if len(assigned[q]) != 0 || calendar.AbsDays(date, rows[q].DueDate) > RedistributionWindowDays {
			continue
		}
		if target < 0 || absInt(q-from) < absInt(target-from) {
			target = q
		}
	}
	return target
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
