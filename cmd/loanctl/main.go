package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/config"
	"github.com/mcclellann/fredLoan/pkg/ledger"
	"github.com/mcclellann/fredLoan/pkg/logger"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/schedule"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/mcclellann/fredLoan/pkg/waterfall"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	dbPath   string
	logLevel string
	asJSON   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, loadErr := config.Load()
	if loadErr != nil {
		cfg = &config.Config{DatabasePath: "fredloan.db", RecomputeWorkers: 8, OverpaymentOption: string(waterfall.OverpaymentCredit)}
	}

	rootCmd := &cobra.Command{
		Use:           "loanctl",
		Short:         "fredLoan command line tool",
		Long:          `Preview repayment schedules and inspect or recompute loan balances in a fredLoan database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if loadErr != nil {
			return fmt.Errorf("failed to load config: %w", loadErr)
		}
		return nil
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", cfg.DatabasePath, "Path to the SQLite database")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(scheduleCmd(), loansCmd(), balanceCmd(), recomputeCmd(cfg.RecomputeWorkers))
	return rootCmd
}

// openLedger opens the database and returns a ledger over it. The caller
// closes the returned store.
func openLedger(cmd *cobra.Command, opts ...ledger.Option) (*ledger.Ledger, store.Storage, error) {
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	log := logger.NewWithWriter(logger.Config{Level: logLevel, Format: "console"}, cmd.ErrOrStderr())
	opts = append([]ledger.Option{ledger.WithLogger(log)}, opts...)
	return ledger.NewLedger(s, opts...), s, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDate(s string) (calendar.Date, error) {
	if s == "" {
		return calendar.Date{}, nil
	}
	d, err := calendar.Parse(s)
	if err != nil {
		return d, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return d, nil
}

func scheduleCmd() *cobra.Command {
	var (
		principal, rate, charge string
		interestType, period    string
		timing, alignment       string
		start                   string
		duration, interestOnly  int
		rollUp                  int
		extend                  bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Preview a repayment schedule without storing a loan",
		RunE: func(cmd *cobra.Command, args []string) error {
			terms := models.LoanTerms{
				InterestType:        models.InterestType(interestType),
				Period:              models.RepaymentPeriod(period),
				PaymentTiming:       models.PaymentTiming(timing),
				InterestAlignment:   models.InterestAlignment(alignment),
				Duration:            duration,
				InterestOnlyPeriod:  interestOnly,
				RollUpLength:        rollUp,
				ExtendForFullPeriod: extend,
			}
			var err error
			if terms.Principal, err = decimal.NewFromString(principal); err != nil {
				return fmt.Errorf("invalid principal: %w", err)
			}
			if terms.InterestRate, err = decimal.NewFromString(rate); err != nil {
				return fmt.Errorf("invalid rate: %w", err)
			}
			if terms.ChargeAmount, err = decimal.NewFromString(charge); err != nil {
				return fmt.Errorf("invalid charge: %w", err)
			}
			if terms.StartDate, err = parseDate(start); err != nil {
				return err
			}
			if terms.StartDate.IsZero() {
				terms.StartDate = calendar.Today()
			}

			// Preview never touches storage.
			rows, summary, err := ledger.NewLedger(nil).PreviewSchedule(terms)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{"schedule": rows, "summary": summary})
			}
			return printSchedule(cmd.OutOrStdout(), rows, summary)
		},
	}

	cmd.Flags().StringVar(&principal, "principal", "0", "Principal amount")
	cmd.Flags().StringVar(&rate, "rate", "0", "Annual interest rate in percent")
	cmd.Flags().StringVar(&charge, "charge", "0", "Fixed charge per period")
	cmd.Flags().StringVar(&interestType, "type", string(models.InterestTypeReducing), "Interest type")
	cmd.Flags().StringVar(&period, "period", string(models.PeriodMonthly), "Repayment period (monthly or weekly)")
	cmd.Flags().StringVar(&timing, "timing", "", "Payment timing (arrears or advance)")
	cmd.Flags().StringVar(&alignment, "alignment", "", "Interest alignment (period or monthly_first)")
	cmd.Flags().StringVar(&start, "start", "", "Start date, YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&duration, "duration", 12, "Number of periods")
	cmd.Flags().IntVar(&interestOnly, "interest-only", 0, "Interest-only periods")
	cmd.Flags().IntVar(&rollUp, "roll-up", 0, "Roll-up length in months")
	cmd.Flags().BoolVar(&extend, "extend", false, "Extend a stub first period to a full period")
	return cmd
}

func printSchedule(w io.Writer, rows []models.ScheduleRow, summary schedule.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tDue\tPrincipal\tInterest\tCharge\tTotal\tBalance\t")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			r.InstallmentNumber, r.DueDate,
			r.PrincipalAmount.StringFixed(2), r.InterestAmount.StringFixed(2), r.ChargeAmount.StringFixed(2),
			r.TotalDue.StringFixed(2), r.Balance.StringFixed(2))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nPayments: %d  Principal: %s  Interest: %s  Charges: %s  Repayable: %s\n",
		summary.NumberOfPayments, summary.TotalPrincipal.StringFixed(2), summary.TotalInterest.StringFixed(2),
		summary.TotalCharges.StringFixed(2), summary.TotalRepayable.StringFixed(2))
	return nil
}

func loansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loans",
		Short: "List stored loans",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, s, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			loans, err := l.GetAllLoans()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), loans)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCustomer\tType\tPrincipal\tStatus\tCached balance\tAs of")
			for _, loan := range loans {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					loan.ID, loan.CustomerKey, loan.InterestType, loan.Principal.StringFixed(2),
					loan.Status, loan.Cached.InterestBalance.StringFixed(2), loan.Cached.AsOf)
			}
			return tw.Flush()
		},
	}
}

func balanceCmd() *cobra.Command {
	var asOf string

	cmd := &cobra.Command{
		Use:   "balance <loan-id>",
		Short: "Reconcile a loan's interest balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loanID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid loan id: %w", err)
			}
			date, err := parseDate(asOf)
			if err != nil {
				return err
			}

			l, s, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			bal, err := l.GetBalance(loanID, date)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), bal)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "As of:               %s\n", bal.AsOf)
			fmt.Fprintf(out, "Interest due:        %s\n", bal.TotalInterestDue.StringFixed(2))
			fmt.Fprintf(out, "Interest paid:       %s\n", bal.TotalInterestPaid.StringFixed(2))
			fmt.Fprintf(out, "Interest balance:    %s\n", bal.InterestBalance.StringFixed(2))
			fmt.Fprintf(out, "Principal remaining: %s\n", bal.PrincipalRemaining.StringFixed(2))
			return nil
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "Balance date, YYYY-MM-DD (default today)")
	return cmd
}

func recomputeCmd(defaultWorkers int) *cobra.Command {
	var (
		asOf    string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recompute the cached balance of every active loan",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := parseDate(asOf)
			if err != nil {
				return err
			}

			l, s, err := openLedger(cmd, ledger.WithWorkers(workers))
			if err != nil {
				return err
			}
			defer s.Close()

			progress := func(done, total int) {
				fmt.Fprintf(cmd.ErrOrStderr(), "\r%d/%d", done, total)
			}
			report, err := l.RecomputeAllBalances(cmd.Context(), date, progress)
			if report.Total > 0 {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recomputed %d of %d loans as of %s (%d failed) in %s\n",
				report.Succeeded, report.Total, report.AsOf, report.Failed, report.Duration)
			return nil
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "Balance date, YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&workers, "workers", defaultWorkers, "Concurrent loans")
	return cmd
}
