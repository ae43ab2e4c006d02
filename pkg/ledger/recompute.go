package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/models"
	"golang.org/x/sync/errgroup"
)

// RecomputeReport summarises one batch recompute run.
type RecomputeReport struct {
	AsOf      calendar.Date `json:"as_of"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// RecomputeAllBalances reconciles every active loan as of asOf and writes
// the result to each loan's balance cache. Loans are processed by a bounded
// pool of workers. A failing loan is logged and counted without stopping
// the others. Cancelling ctx stops new loans from starting and the run
// returns ctx's error once in-flight loans finish. progress, if not nil,
// is called after each loan with the number done so far; calls are
// serialised.
func (l *Ledger) RecomputeAllBalances(ctx context.Context, asOf calendar.Date, progress func(done, total int)) (RecomputeReport, error) {
	if asOf.IsZero() {
		asOf = l.today()
	}
	started := l.now()
	report := RecomputeReport{AsOf: asOf}

	loans, err := l.storage.GetAllActiveLoans()
	if err != nil {
		l.metrics.RecomputeRuns.WithLabelValues("error").Inc()
		return report, fmt.Errorf("failed to list active loans: %w", err)
	}
	report.Total = len(loans)
	l.log.Info().Int("loans", report.Total).Str("as_of", asOf.String()).Int("workers", l.workers).Msg("balance recompute started")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	for _, loan := range loans {
		loan := loan
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := l.recomputeLoan(loan, asOf)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				l.metrics.RecomputeLoans.WithLabelValues("error").Inc()
				l.log.Error().Err(err).Str("loan_id", loan.ID.String()).Msg("balance recompute failed")
			} else {
				report.Succeeded++
				l.metrics.RecomputeLoans.WithLabelValues("ok").Inc()
			}
			if progress != nil {
				progress(report.Succeeded+report.Failed, report.Total)
			}
			return nil
		})
	}

	waitErr := g.Wait()
	report.Duration = l.now().Sub(started)
	l.metrics.RecomputeDuration.Observe(report.Duration.Seconds())

	if err := ctx.Err(); err != nil {
		l.metrics.RecomputeRuns.WithLabelValues("cancelled").Inc()
		l.log.Warn().Int("done", report.Succeeded+report.Failed).Int("loans", report.Total).Msg("balance recompute cancelled")
		return report, err
	}
	if waitErr != nil {
		l.metrics.RecomputeRuns.WithLabelValues("error").Inc()
		return report, waitErr
	}

	if report.Failed > 0 {
		l.metrics.RecomputeRuns.WithLabelValues("partial").Inc()
	} else {
		l.metrics.RecomputeRuns.WithLabelValues("ok").Inc()
		l.metrics.RecomputeLastSuccess.SetToCurrentTime()
	}
	l.log.Info().
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("balance recompute finished")
	return report, nil
}

func (l *Ledger) recomputeLoan(loan *models.Loan, asOf calendar.Date) error {
	rows, err := l.storage.GetSchedule(loan.ID)
	if err != nil {
		return err
	}
	txs, err := l.storage.GetTransactionsForLoan(loan.ID)
	if err != nil {
		return err
	}

	bal := l.reconciler.CalculateLoanInterestBalance(loan, rows, txs, asOf)
	computedAt := l.now()
	return l.storage.UpdateBalanceCache(loan.ID, models.BalanceCache{
		InterestDue:        bal.TotalInterestDue,
		InterestPaid:       bal.TotalInterestPaid,
		InterestBalance:    bal.InterestBalance,
		PrincipalRemaining: bal.PrincipalRemaining,
		AsOf:               asOf,
		ComputedAt:         &computedAt,
	})
}
