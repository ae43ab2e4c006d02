package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Loan metrics
	LoansCreated     *prometheus.CounterVec
	PaymentsRecorded *prometheus.CounterVec
	PaymentAmount    prometheus.Histogram
	AdvancesRecorded prometheus.Counter

	// Recompute metrics
	RecomputeRuns        *prometheus.CounterVec
	RecomputeLoans       *prometheus.CounterVec
	RecomputeDuration    prometheus.Histogram
	RecomputeLastSuccess prometheus.Gauge

	// API metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Loan metrics
		LoansCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fredloan_loans_created_total",
				Help: "Total number of loans created by interest type",
			},
			[]string{"interest_type"},
		),
		PaymentsRecorded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fredloan_payments_recorded_total",
				Help: "Total number of repayments recorded by allocation mode",
			},
			[]string{"mode"},
		),
		PaymentAmount: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fredloan_payment_amount",
			Help:    "Repayment amounts",
			Buckets: []float64{10, 100, 1000, 10000, 100000, 1000000},
		}),
		AdvancesRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "fredloan_advances_recorded_total",
			Help: "Total number of further advances recorded",
		}),

		// Recompute metrics
		RecomputeRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fredloan_recompute_runs_total",
				Help: "Total balance recompute runs by outcome",
			},
			[]string{"outcome"},
		),
		RecomputeLoans: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fredloan_recompute_loans_total",
				Help: "Total loans processed by balance recompute by outcome",
			},
			[]string{"outcome"},
		),
		RecomputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fredloan_recompute_duration_seconds",
			Help:    "Duration of full balance recompute runs",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		RecomputeLastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "fredloan_recompute_last_success_timestamp_seconds",
			Help: "Unix time of the last recompute run without failures",
		}),

		// API metrics
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fredloan_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fredloan_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
	}
}

// Middleware records request counts and durations, labelled by the matched
// route template to keep loan ids out of the label set.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}

		m.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter

	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
