// Package metrics exposes Prometheus collectors for the execution core.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration tracks request latency by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path", "status"},
	)

	// OrdersSubmitted counts submission outcomes.
	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_orders_submitted_total",
			Help: "Order submissions by outcome",
		},
		[]string{"outcome"},
	)

	// RiskDenials counts risk gate denials by code.
	RiskDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_risk_denials_total",
			Help: "Risk gate denials by code",
		},
		[]string{"code"},
	)

	// CASRejections counts status updates that lost a race.
	CASRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_cas_rejections_total",
			Help: "Rejected order status updates by reason and source",
		},
		[]string{"reason", "source"},
	)

	// ReconciliationDrift counts corrections applied by reconciliation.
	ReconciliationDrift = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_reconciliation_drift_total",
			Help: "Local state corrections made by reconciliation",
		},
		[]string{"kind"},
	)

	// ReconciliationRuns counts reconciliation passes by mode and outcome.
	ReconciliationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_reconciliation_runs_total",
			Help: "Reconciliation passes by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// OrphansDetected counts new quarantined broker orders.
	OrphansDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "execution_orphans_detected_total",
			Help: "Broker orders with no local record",
		},
	)

	// CircuitBreakerState reports 0=open, 1=tripped, 2=quiet_period.
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "execution_circuit_breaker_state",
			Help: "Circuit breaker state (0 open, 1 tripped, 2 quiet period)",
		},
	)

	// BrokerRequestDuration tracks broker API latency.
	BrokerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "execution_broker_request_duration_seconds",
			Help:    "Broker API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)

	// SlicesFired counts TWAP slice fire outcomes.
	SlicesFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_twap_slices_total",
			Help: "TWAP slice executions by outcome",
		},
		[]string{"outcome"},
	)

	// StartupReady is 1 once startup reconciliation has completed.
	StartupReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "execution_startup_ready",
			Help: "1 when startup reconciliation has completed",
		},
	)
)

// ObserveBroker records one broker call
func ObserveBroker(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BrokerRequestDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

// PrometheusMiddleware records request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(c.Writer.Status()),
		).Observe(duration)
	}
}
