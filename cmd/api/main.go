package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/fredLoan/pkg/calendar"
	"github.com/mcclellann/fredLoan/pkg/config"
	"github.com/mcclellann/fredLoan/pkg/ledger"
	"github.com/mcclellann/fredLoan/pkg/logger"
	"github.com/mcclellann/fredLoan/pkg/metrics"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/mcclellann/fredLoan/pkg/waterfall"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Server holds the ledger instance.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage // Keep a reference to the storage to close it
	log      zerolog.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func NewServer(s store.Storage, log zerolog.Logger, reg *prometheus.Registry, opts ...ledger.Option) *Server {
	m := metrics.New(reg)
	opts = append([]ledger.Option{ledger.WithLogger(log), ledger.WithMetrics(m)}, opts...)
	return &Server{
		ledger:   ledger.NewLedger(s, opts...),
		storage:  s,
		log:      log,
		metrics:  m,
		registry: reg,
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.metrics.Middleware)

	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")

	router.HandleFunc("/schedule/preview", s.previewScheduleHandler).Methods("POST")
	router.HandleFunc("/recompute", s.recomputeHandler).Methods("POST")

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.updateLoanHandler).Methods("PUT")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/schedule", s.getScheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/balance", s.getBalanceHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/accrued", s.getAccruedHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/transactions", s.listTransactionsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/transactions/{txid}", s.deleteTransactionHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/payments/manual", s.recordManualPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/advances", s.recordAdvanceHandler).Methods("POST")
	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrLoanNotFound):
		http.Error(w, "Loan not found", http.StatusNotFound)
	case errors.Is(err, store.ErrTransactionNotFound):
		http.Error(w, "Transaction not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTerms),
		errors.Is(err, ledger.ErrInvalidStatus),
		errors.Is(err, ledger.ErrOpeningDisbursement):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrLoanNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)[name])
}

// asOfParam reads the optional as_of query parameter. Absent means today.
func asOfParam(r *http.Request) (calendar.Date, error) {
	v := r.URL.Query().Get("as_of")
	if v == "" {
		return calendar.Date{}, nil
	}
	return calendar.Parse(v)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createLoanRequest struct {
	CustomerKey string `json:"customer_key"`
	models.LoanTerms
}

type loanWithSchedule struct {
	Loan     *models.Loan         `json:"loan"`
	Schedule []models.ScheduleRow `json:"schedule"`
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, rows, err := s.ledger.CreateLoan(req.CustomerKey, req.LoanTerms)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, loanWithSchedule{Loan: loan, Schedule: rows})
}

func (s *Server) previewScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var terms models.LoanTerms
	if err := json.NewDecoder(r.Body).Decode(&terms); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, summary, err := s.ledger.PreviewSchedule(terms)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"schedule": rows, "summary": summary})
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.GetLoan(loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) updateLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var req struct {
		CustomerKey string            `json:"customer_key"`
		Status      models.LoanStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.UpdateLoan(loanID, req.CustomerKey, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	if err := s.ledger.DeleteLoan(loanID); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getScheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	rows, summary, err := s.ledger.GetSchedule(loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"schedule": rows, "summary": summary})
}

func (s *Server) getBalanceHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	asOf, err := asOfParam(r)
	if err != nil {
		http.Error(w, "Invalid as_of date", http.StatusBadRequest)
		return
	}

	bal, err := s.ledger.GetBalance(loanID, asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) getAccruedHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	asOf, err := asOfParam(r)
	if err != nil {
		http.Error(w, "Invalid as_of date", http.StatusBadRequest)
		return
	}

	accrued, err := s.ledger.AccruedInterest(loanID, asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"accrued_interest": accrued})
}

func (s *Server) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	txs, err := s.ledger.GetTransactions(loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) deleteTransactionHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	txID, err := pathID(r, "txid")
	if err != nil {
		http.Error(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}

	if err := s.ledger.DeleteTransaction(loanID, txID); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type paymentResponse struct {
	Transaction *models.Transaction `json:"transaction"`
	Allocation  waterfall.Result    `json:"allocation"`
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Date   calendar.Date   `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Amount.LessThanOrEqual(decimal.Zero) {
		http.Error(w, "Amount must be positive", http.StatusBadRequest)
		return
	}

	tx, res, err := s.ledger.RecordPayment(loanID, req.Amount, req.Date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, paymentResponse{Transaction: tx, Allocation: res})
}

func (s *Server) recordManualPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var req waterfall.ManualPayment
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tx, res, err := s.ledger.RecordManualPayment(loanID, req.Interest, req.Principal, req.Date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, paymentResponse{Transaction: tx, Allocation: res})
}

func (s *Server) recordAdvanceHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		GrossAmount decimal.Decimal `json:"gross_amount"`
		Date        calendar.Date   `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tx, err := s.ledger.RecordAdvance(loanID, req.Amount, req.GrossAmount, req.Date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) recomputeHandler(w http.ResponseWriter, r *http.Request) {
	asOf, err := asOfParam(r)
	if err != nil {
		http.Error(w, "Invalid as_of date", http.StatusBadRequest)
		return
	}

	report, err := s.ledger.RecomputeAllBalances(r.Context(), asOf, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// scheduleRecompute registers the nightly balance recompute. Runs never
// overlap; a run still going when the next is due is skipped.
func (s *Server) scheduleRecompute(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		if _, err := s.ledger.RecomputeAllBalances(ctx, calendar.Today(), nil); err != nil {
			s.log.Error().Err(err).Msg("scheduled balance recompute failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("register recompute task: %w", err)
	}
	return c, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// Initialize SQLite Store
	sqliteStore, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize SQLite store")
	}
	defer sqliteStore.Close()
	log.Info().Str("path", cfg.DatabasePath).Msg("database connection established")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server := NewServer(sqliteStore, log, reg,
		ledger.WithWorkers(cfg.RecomputeWorkers),
		ledger.WithOverpaymentOption(waterfall.OverpaymentOption(cfg.OverpaymentOption)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := server.scheduleRecompute(ctx, cfg.RecomputeCron)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to schedule balance recompute")
	}
	sched.Start()
	log.Info().Str("spec", cfg.RecomputeCron).Msg("balance recompute scheduled")

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("balance recompute still running at shutdown")
	}
	log.Info().Msg("server stopped")
}
