package waterfall

import (
	"testing"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func row(n int, due, interest, principal string) models.ScheduleRow {
	i, p := dec(interest), dec(principal)
	return models.ScheduleRow{
		ID:                uuid.New(),
		InstallmentNumber: n,
		DueDate:           calendar.MustParse(due),
		InterestAmount:    i,
		PrincipalAmount:   p,
		ChargeAmount:      decimal.Zero,
		TotalDue:          i.Add(p),
		PrincipalPaid:     decimal.Zero,
		InterestPaid:      decimal.Zero,
		ChargePaid:        decimal.Zero,
		Status:            models.RowStatusPending,
	}
}

func threeRows() []models.ScheduleRow {
	return []models.ScheduleRow{
		row(1, "2025-02-01", "100", "400"),
		row(2, "2025-03-01", "96", "404"),
		row(3, "2025-04-01", "92", "408"),
	}
}

func TestApplyPaymentWaterfall_ExactInstallment(t *testing.T) {
	rows := threeRows()
	res := ApplyPaymentWaterfall(Payment{Amount: dec("500"), Date: calendar.MustParse("2025-02-01")}, rows, decimal.Zero, OverpaymentCredit)

	require.Len(t, res.Updates, 1)
	u := res.Updates[0]
	assert.Equal(t, rows[0].ID, u.RowID)
	assert.Equal(t, "100", u.InterestApplied.String())
	assert.Equal(t, "400", u.PrincipalApplied.String())
	assert.Equal(t, models.RowStatusPaid, u.Status)
	assert.True(t, res.RemainingPayment.IsZero())
	assert.True(t, res.CreditAmount.IsZero())

	// Input rows are untouched.
	assert.True(t, rows[0].InterestPaid.IsZero())
	assert.Equal(t, models.RowStatusPending, rows[0].Status)
}

func TestApplyPaymentWaterfall_InterestBeforePrincipal(t *testing.T) {
	res := ApplyPaymentWaterfall(Payment{Amount: dec("150"), Date: calendar.MustParse("2025-02-01")}, threeRows(), decimal.Zero, OverpaymentCredit)

	require.Len(t, res.Updates, 1)
	u := res.Updates[0]
	assert.Equal(t, "100", u.InterestApplied.String())
	assert.Equal(t, "50", u.PrincipalApplied.String())
	assert.Equal(t, models.RowStatusPartial, u.Status)
}

func TestApplyPaymentWaterfall_OldestFirst(t *testing.T) {
	rows := threeRows()
	rows[0].InterestPaid = dec("100")
	rows[0].PrincipalPaid = dec("300")
	rows[0].Status = models.RowStatusPartial

	res := ApplyPaymentWaterfall(Payment{Amount: dec("250"), Date: calendar.MustParse("2025-03-01")}, rows, decimal.Zero, OverpaymentCredit)

	require.Len(t, res.Updates, 2)
	assert.Equal(t, 1, res.Updates[0].InstallmentNumber)
	assert.Equal(t, "100", res.Updates[0].PrincipalApplied.String())
	assert.Equal(t, "400", res.Updates[0].PrincipalPaid.String())
	assert.Equal(t, models.RowStatusPaid, res.Updates[0].Status)

	assert.Equal(t, 2, res.Updates[1].InstallmentNumber)
	assert.Equal(t, "96", res.Updates[1].InterestApplied.String())
	assert.Equal(t, "54", res.Updates[1].PrincipalApplied.String())
	assert.Equal(t, models.RowStatusPartial, res.Updates[1].Status)
}

func TestApplyPaymentWaterfall_ChargesAfterInterest(t *testing.T) {
	r := row(1, "2025-02-01", "50", "200")
	r.ChargeAmount = dec("25")
	r.TotalDue = dec("275")

	res := ApplyPaymentWaterfall(Payment{Amount: dec("60"), Date: r.DueDate}, []models.ScheduleRow{r}, decimal.Zero, OverpaymentCredit)

	require.Len(t, res.Updates, 1)
	assert.Equal(t, "50", res.Updates[0].InterestApplied.String())
	assert.Equal(t, "10", res.Updates[0].ChargeApplied.String())
	assert.True(t, res.Updates[0].PrincipalApplied.IsZero())
	assert.Equal(t, "10", res.ChargeApplied.String())
}

func TestApplyPaymentWaterfall_OverpaymentCredit(t *testing.T) {
	res := ApplyPaymentWaterfall(Payment{Amount: dec("1200"), Date: calendar.MustParse("2025-02-01")}, threeRows(), decimal.Zero, OverpaymentCredit)

	// Row 1 is due and row 2 is the next installment; row 3 is not eligible.
	require.Len(t, res.Updates, 2)
	assert.Equal(t, models.RowStatusPaid, res.Updates[0].Status)
	assert.Equal(t, models.RowStatusPaid, res.Updates[1].Status)
	assert.Equal(t, "200", res.RemainingPayment.String())
	assert.Equal(t, "200", res.CreditAmount.String())
	assert.True(t, res.PrincipalReduction.IsZero())
}

func TestApplyPaymentWaterfall_OverpaymentReducePrincipal(t *testing.T) {
	res := ApplyPaymentWaterfall(Payment{Amount: dec("1200"), Date: calendar.MustParse("2025-02-01")}, threeRows(), decimal.Zero, OverpaymentReducePrincipal)

	require.Len(t, res.Updates, 3)
	third := res.Updates[2]
	assert.Equal(t, 3, third.InstallmentNumber)
	assert.True(t, third.InterestApplied.IsZero())
	assert.Equal(t, "200", third.PrincipalApplied.String())
	assert.Equal(t, models.RowStatusPartial, third.Status)
	assert.Equal(t, "200", res.PrincipalReduction.String())
	assert.True(t, res.RemainingPayment.IsZero())
	assert.True(t, res.CreditAmount.IsZero())
}

func TestApplyPaymentWaterfall_ExistingCreditJoinsPayment(t *testing.T) {
	res := ApplyPaymentWaterfall(Payment{Amount: dec("450"), Date: calendar.MustParse("2025-02-01")}, threeRows(), dec("50"), OverpaymentCredit)

	require.Len(t, res.Updates, 1)
	assert.Equal(t, models.RowStatusPaid, res.Updates[0].Status)
	assert.True(t, res.CreditAmount.IsZero())
}

func TestApplyPaymentWaterfall_ToleranceMarksPaid(t *testing.T) {
	res := ApplyPaymentWaterfall(Payment{Amount: dec("499.99"), Date: calendar.MustParse("2025-02-01")}, threeRows(), decimal.Zero, OverpaymentCredit)

	require.Len(t, res.Updates, 1)
	assert.Equal(t, models.RowStatusPaid, res.Updates[0].Status)
	assert.Equal(t, "399.99", res.Updates[0].PrincipalPaid.String())
}

func TestApplyPaymentWaterfall_SkipsSettledRows(t *testing.T) {
	rows := threeRows()
	rows[0].InterestPaid = rows[0].InterestAmount
	rows[0].PrincipalPaid = rows[0].PrincipalAmount
	rows[0].Status = models.RowStatusPaid

	res := ApplyPaymentWaterfall(Payment{Amount: dec("100"), Date: calendar.MustParse("2025-02-01")}, rows, decimal.Zero, OverpaymentCredit)

	require.Len(t, res.Updates, 1)
	assert.Equal(t, 2, res.Updates[0].InstallmentNumber)
}

func TestApplyPaymentWaterfall_NeverOverpaysARow(t *testing.T) {
	amounts := []string{"0", "0.01", "99.99", "500", "777.77", "1500", "5000"}
	for _, amt := range amounts {
		t.Run(amt, func(t *testing.T) {
			rows := threeRows()
			res := ApplyPaymentWaterfall(Payment{Amount: dec(amt)}, rows, decimal.Zero, OverpaymentCredit)

			applied := decimal.Zero
			updated := ApplyUpdates(rows, res.Updates)
			for _, r := range updated {
				assert.False(t, r.InterestPaid.GreaterThan(r.InterestAmount))
				assert.False(t, r.PrincipalPaid.GreaterThan(r.PrincipalAmount))
				applied = applied.Add(r.TotalPaid())
			}
			assert.False(t, res.RemainingPayment.IsNegative())
			assert.True(t, applied.Add(res.RemainingPayment).Equal(dec(amt)))
		})
	}
}

func TestApplyPaymentWaterfall_NegativeAmountIgnored(t *testing.T) {
	res := ApplyPaymentWaterfall(Payment{Amount: dec("-10")}, threeRows(), decimal.Zero, OverpaymentCredit)
	assert.Empty(t, res.Updates)
	assert.True(t, res.RemainingPayment.IsZero())
}

func TestApplyManualPayment_SeparatePools(t *testing.T) {
	rows := threeRows()
	res := ApplyManualPayment(ManualPayment{
		Interest:  dec("150"),
		Principal: dec("100"),
		Date:      calendar.MustParse("2025-03-01"),
	}, rows, decimal.Zero, OverpaymentCredit)

	require.Len(t, res.Updates, 2)
	assert.Equal(t, "100", res.Updates[0].InterestApplied.String())
	assert.Equal(t, "100", res.Updates[0].PrincipalApplied.String())
	assert.Equal(t, "50", res.Updates[1].InterestApplied.String())
	assert.True(t, res.Updates[1].PrincipalApplied.IsZero())
	assert.Equal(t, "150", res.InterestApplied.String())
	assert.Equal(t, "100", res.PrincipalApplied.String())
	assert.True(t, res.RemainingPayment.IsZero())
}

func TestApplyManualPayment_LeftoversPooled(t *testing.T) {
	rows := []models.ScheduleRow{row(1, "2025-02-01", "100", "400")}
	res := ApplyManualPayment(ManualPayment{
		Interest:  dec("130"),
		Principal: dec("420"),
		Date:      calendar.MustParse("2025-02-01"),
	}, rows, decimal.Zero, OverpaymentCredit)

	require.Len(t, res.Updates, 1)
	assert.Equal(t, models.RowStatusPaid, res.Updates[0].Status)
	assert.Equal(t, "50", res.CreditAmount.String())
}

func TestApplyUpdates(t *testing.T) {
	rows := threeRows()
	res := ApplyPaymentWaterfall(Payment{Amount: dec("600"), Date: calendar.MustParse("2025-02-01")}, rows, decimal.Zero, OverpaymentCredit)
	updated := ApplyUpdates(rows, res.Updates)

	require.Len(t, updated, 3)
	assert.Equal(t, models.RowStatusPaid, updated[0].Status)
	assert.Equal(t, models.RowStatusPartial, updated[1].Status)
	assert.Equal(t, "96", updated[1].InterestPaid.String())
	assert.Equal(t, "4", updated[1].PrincipalPaid.String())
	assert.Equal(t, models.RowStatusPending, updated[2].Status)
	assert.Equal(t, models.RowStatusPending, rows[0].Status)
}
