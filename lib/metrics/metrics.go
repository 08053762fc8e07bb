// Package metrics holds the prometheus collectors shared by the wallet and reconciler services. They are exposed by
// promhttp on the metrics port.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP API
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waas",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route and status",
	}, []string{"route", "method", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "waas",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"route"})

	// Chain adapter
	ChainCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waas",
		Subsystem: "chain",
		Name:      "calls_total",
		Help:      "Total chain calls by method and outcome",
	}, []string{"method", "outcome"})

	ChainLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "waas",
		Subsystem: "chain",
		Name:      "call_duration_seconds",
		Help:      "Chain call duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	// Wallet service
	TransfersSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "waas",
		Subsystem: "wallet",
		Name:      "transfers_sent_total",
		Help:      "Total transfers broadcast",
	})

	TransfersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waas",
		Subsystem: "wallet",
		Name:      "transfers_rejected_total",
		Help:      "Total transfers rejected before broadcast, by error kind",
	}, []string{"kind"})

	WalletsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waas",
		Subsystem: "wallet",
		Name:      "created_total",
		Help:      "Total wallets created or imported",
	}, []string{"origin"})

	// Reconciler
	TransactionsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waas",
		Subsystem: "reconciler",
		Name:      "transactions_total",
		Help:      "Total transactions moved to a terminal status",
	}, []string{"status"})

	ReconcilerPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "waas",
		Subsystem: "reconciler",
		Name:      "pending_transactions",
		Help:      "Pending transactions seen on the last pass",
	})

	ReconcilerWatched = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "waas",
		Subsystem: "reconciler",
		Name:      "watched_transactions",
		Help:      "Broadcast transactions followed between passes",
	})

	// Webhooks
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waas",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook deliveries by event and outcome",
	}, []string{"event", "outcome"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "waas",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total API requests refused by the rate limiter",
	})
)

// Outcome labels.
const (
	OK   = "ok"
	Fail = "error"
)

// Outcome returns the outcome label for err.
func Outcome(err error) string {
	if err != nil {
		return Fail
	}

	return OK
}

// ObserveChain records a chain call that started at begin.
func ObserveChain(method string, begin time.Time, err error) {
	ChainCalls.WithLabelValues(method, Outcome(err)).Inc()
	ChainLatency.WithLabelValues(method).Observe(time.Since(begin).Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests and their duration by route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		HTTPLatency.WithLabelValues(route).Observe(time.Since(begin).Seconds())
	})
}
