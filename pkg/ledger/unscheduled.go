package ledger

import (
	"sort"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/accrual"
	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/waterfall"
	"github.com/shopspring/decimal"
)

// Loans without schedule rows (irregular income, open-ended) are settled
// against the capital ledger instead of the waterfall: interest accrued and
// not yet paid, then principal outstanding.

// owed is what a loan without schedule rows owes on a date.
type owed struct {
	interest  decimal.Decimal
	principal decimal.Decimal
}

func (o owed) settled() bool {
	return !o.interest.IsPositive() && !o.principal.IsPositive()
}

// ledgerOwed derives the loan's position on date from its live
// transactions.
func ledgerOwed(loan *models.Loan, txs []*models.Transaction, date calendar.Date) owed {
	events := accrual.BuildCapitalEvents(loan, txs)
	principal := loan.Principal
	for _, e := range events {
		principal = principal.Add(e.Delta)
	}
	paid := decimal.Zero
	for _, tx := range txs {
		if tx.Type == models.TransactionTypeRepayment && !tx.IsDeleted {
			paid = paid.Add(tx.InterestApplied).Add(tx.FeesApplied)
		}
	}
	return owed{
		interest:  nonNegative(accrual.AccruedInterest(loan, events, date).Sub(paid)),
		principal: nonNegative(principal),
	}
}

// settle applies an interest pool and a principal pool to o. With spill
// set, interest left over repays principal, which is how an unsplit
// payment behaves; otherwise it does so only under reduce_principal.
// Anything still left is returned as RemainingPayment.
func settle(o owed, interestPool, principalPool decimal.Decimal, spill bool, option waterfall.OverpaymentOption) waterfall.Result {
	interestPool = nonNegative(interestPool)
	principalPool = nonNegative(principalPool)

	interest := decimal.Min(interestPool, o.interest)
	interestLeft := interestPool.Sub(interest)
	principal := decimal.Min(principalPool, o.principal)
	principalLeft := principalPool.Sub(principal)

	res := waterfall.Result{
		Updates:            []waterfall.RowUpdate{},
		InterestApplied:    interest,
		ChargeApplied:      decimal.Zero,
		PrincipalReduction: decimal.Zero,
		CreditAmount:       decimal.Zero,
	}
	if spill || option == waterfall.OverpaymentReducePrincipal {
		extra := decimal.Min(interestLeft, o.principal.Sub(principal))
		principal = principal.Add(extra)
		interestLeft = interestLeft.Sub(extra)
		if !spill {
			res.PrincipalReduction = extra
		}
	}

	res.PrincipalApplied = principal
	res.RemainingPayment = interestLeft.Add(principalLeft)
	if option != waterfall.OverpaymentReducePrincipal {
		res.CreditAmount = res.RemainingPayment
	}
	return res
}

// replayUnscheduled reapplies every live repayment in date order against
// the capital ledger, keeping each one's principal split. It reports the
// resulting credit and whether the loan is settled today.
func (l *Ledger) replayUnscheduled(loan *models.Loan, txs []*models.Transaction, deleted uuid.UUID) ([]*models.Transaction, decimal.Decimal, bool) {
	processed := []*models.Transaction{}
	repayments := []*models.Transaction{}
	for _, tx := range txs {
		switch {
		case tx.Type == models.TransactionTypeDisbursement && !tx.IsDeleted:
			processed = append(processed, tx)
		case tx.Type == models.TransactionTypeRepayment && !(tx.IsDeleted && tx.ID != deleted):
			repayments = append(repayments, tx)
		}
	}
	sort.SliceStable(repayments, func(i, j int) bool {
		return repayments[i].Date.Before(repayments[j].Date)
	})

	credit := decimal.Zero
	for _, tx := range repayments {
		if tx.ID == deleted {
			zeroApplied(tx)
			continue
		}
		pool := tx.Amount.Add(credit)
		principal := decimal.Min(tx.PrincipalApplied, pool)
		res := settle(ledgerOwed(loan, processed, tx.Date), pool.Sub(principal), principal, false, l.overpayment)
		tx.PrincipalApplied = res.PrincipalApplied
		tx.InterestApplied = res.InterestApplied
		tx.FeesApplied = decimal.Zero
		credit = res.RemainingPayment
		processed = append(processed, tx)
	}
	return repayments, credit, ledgerOwed(loan, processed, l.today()).settled()
}

func zeroApplied(tx *models.Transaction) {
	tx.IsDeleted = true
	tx.PrincipalApplied = decimal.Zero
	tx.InterestApplied = decimal.Zero
	tx.FeesApplied = decimal.Zero
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
