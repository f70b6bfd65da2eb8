package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"net/http"
)

var httpDurBuckets = []float64{
	25, 50, 75, 100, 150, 200, 300, 400, 500,
	750, 1000, 1500, 2000,
	3000, 5000, 10000, 15000, 30000,
}

// Metrics holds the process-wide collectors: the HTTP surface plus the
// payment pipeline counters observed by the orchestrator and reconciler.
type Metrics struct {
	reqCnt *prometheus.CounterVec
	reqDur *prometheus.HistogramVec

	PaymentsCompleted  *prometheus.CounterVec
	PaymentsFailed     *prometheus.CounterVec
	ReconcilerRescues  prometheus.Counter
	SweeperCancels     prometheus.Counter
	DuplicateArrivals  prometheus.Counter
	NotificationsSent  *prometheus.CounterVec
	NotificationErrors *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "subpay", Name: "req_total",
			Help: "HTTP requests processed, by status code, method and route.",
		}, []string{"code", "method", "url"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: "subpay", Name: "req_dur_ms",
			Help:    "HTTP request latencies in milliseconds.",
			Buckets: httpDurBuckets,
		}, []string{"code", "method", "url"}),
		PaymentsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "subpay", Name: "payments_completed_total",
			Help: "Transactions transitioned to completed, by gateway.",
		}, []string{"gateway"}),
		PaymentsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "subpay", Name: "payments_failed_total",
			Help: "Transactions transitioned to failed, by gateway.",
		}, []string{"gateway"}),
		ReconcilerRescues: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "subpay", Name: "reconciler_rescues_total",
			Help: "Pending transactions completed by the reconciler instead of a webhook.",
		}),
		SweeperCancels: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "subpay", Name: "sweeper_cancels_total",
			Help: "Stale pending transactions canceled by the timeout sweeper.",
		}),
		DuplicateArrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "subpay", Name: "duplicate_arrivals_total",
			Help: "Webhook or poll arrivals that lost the completion compare-and-set.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "subpay", Name: "notifications_sent_total",
			Help: "Notifications delivered, by bot kind (main/mirror).",
		}, []string{"bot"}),
		NotificationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "subpay", Name: "notification_errors_total",
			Help: "Notification send failures, by bot kind.",
		}, []string{"bot"}),
	}
	prometheus.MustRegister(
		m.reqCnt, m.reqDur,
		m.PaymentsCompleted, m.PaymentsFailed,
		m.ReconcilerRescues, m.SweeperCancels, m.DuplicateArrivals,
		m.NotificationsSent, m.NotificationErrors,
	)
	return m
}

// HandlerFunc instruments the gin engine it is attached to.
func (m *Metrics) HandlerFunc() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		url := c.FullPath()
		if url == "" {
			url = c.Request.URL.Path
		}
		status := strconv.Itoa(c.Writer.Status())
		m.reqCnt.WithLabelValues(status, c.Request.Method, url).Inc()
		m.reqDur.WithLabelValues(status, c.Request.Method, url).
			Observe(float64(time.Since(start).Milliseconds()))
	}
}

// Serve exposes /metrics on its own listener so scrapes stay out of the
// webhook access log.
func (m *Metrics) Serve(addr string, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorw("metrics listener stopped", "addr", addr, "err", err)
		}
	}()
}
