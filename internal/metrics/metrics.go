// Package metrics exposes the pipeline's Prometheus metrics and the
// /healthz check. Every recording method is safe on a nil *Metrics so
// components can run without instrumentation in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the market data pipeline.
type Metrics struct {
	TradesTotal     *prometheus.CounterVec // labels: exchange, stage
	CandlesTotal    *prometheus.CounterVec // labels: tf, kind=trades|carry
	BucketCommitDur prometheus.Histogram
	BucketLag       prometheus.Gauge
	WSReconnects    prometheus.Counter

	ExchangeRequests   *prometheus.CounterVec   // labels: exchange
	ExchangeRequestDur *prometheus.HistogramVec // labels: exchange, status
	ExchangeRetries    *prometheus.CounterVec   // labels: class

	ValidationsTotal  *prometheus.CounterVec // labels: exchange, result
	ValidationRecords *prometheus.CounterVec // labels: outcome
	MarketTransitions *prometheus.CounterVec // labels: to

	ArchiveRowsTotal *prometheus.CounterVec // labels: kind=candles|trades

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisPublishDur          prometheus.Histogram
}

// NewMetrics registers every metric on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eldorado_trades_total",
			Help: "Trades persisted, by exchange and stage",
		}, []string{"exchange", "stage"}),
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eldorado_candles_total",
			Help: "Candles committed, by timeframe and kind",
		}, []string{"tf", "kind"}),
		BucketCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eldorado_bucket_commit_duration_seconds",
			Help:    "Latency of one bucket commit transaction",
			Buckets: prometheus.DefBuckets,
		}),
		BucketLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eldorado_bucket_lag_seconds",
			Help: "Delay between a bucket closing and its candle being committed",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eldorado_ws_reconnects_total",
			Help: "Trade stream restarts",
		}),
		ExchangeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eldorado_exchange_requests_total",
			Help: "REST requests sent, by exchange",
		}, []string{"exchange"}),
		ExchangeRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eldorado_exchange_request_duration_seconds",
			Help:    "REST request latency, by exchange and HTTP status",
			Buckets: prometheus.DefBuckets,
		}, []string{"exchange", "status"}),
		ExchangeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eldorado_exchange_retries_total",
			Help: "REST retries, by error class",
		}, []string{"class"}),
		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eldorado_validations_total",
			Help: "Candle reconciliations, by exchange and result",
		}, []string{"exchange", "result"}),
		ValidationRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eldorado_validation_records_total",
			Help: "Validation record outcomes",
		}, []string{"outcome"}),
		MarketTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eldorado_market_transitions_total",
			Help: "Market status transitions, by target status",
		}, []string{"to"}),
		ArchiveRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eldorado_archive_rows_total",
			Help: "Rows written to monthly archives, by kind",
		}, []string{"kind"}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eldorado_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eldorado_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eldorado_redis_publish_duration_seconds",
			Help:    "Redis candle publish latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.TradesTotal,
		m.CandlesTotal,
		m.BucketCommitDur,
		m.BucketLag,
		m.WSReconnects,
		m.ExchangeRequests,
		m.ExchangeRequestDur,
		m.ExchangeRetries,
		m.ValidationsTotal,
		m.ValidationRecords,
		m.MarketTransitions,
		m.ArchiveRowsTotal,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisPublishDur,
	)
	return m
}

func (m *Metrics) Trades(exchange, stage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.TradesTotal.WithLabelValues(exchange, stage).Add(float64(n))
}

// Candle records one committed candle and how long after its bucket closed
// the commit finished.
func (m *Metrics) Candle(tf string, carry bool, commit time.Duration, lag time.Duration) {
	if m == nil {
		return
	}
	kind := "trades"
	if carry {
		kind = "carry"
	}
	m.CandlesTotal.WithLabelValues(tf, kind).Inc()
	m.BucketCommitDur.Observe(commit.Seconds())
	m.BucketLag.Set(lag.Seconds())
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.WSReconnects.Inc()
}

// Request records one REST attempt. status is 0 when no response arrived.
func (m *Metrics) Request(exchange string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ExchangeRequests.WithLabelValues(exchange).Inc()
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.ExchangeRequestDur.WithLabelValues(exchange, code).Observe(elapsed.Seconds())
}

func (m *Metrics) Retry(class string) {
	if m == nil {
		return
	}
	m.ExchangeRetries.WithLabelValues(class).Inc()
}

func (m *Metrics) Validation(exchange, result string) {
	if m == nil {
		return
	}
	m.ValidationsTotal.WithLabelValues(exchange, result).Inc()
}

func (m *Metrics) ValidationRecord(outcome string) {
	if m == nil {
		return
	}
	m.ValidationRecords.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.MarketTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Archived(kind string, n int) {
	if m == nil {
		return
	}
	m.ArchiveRowsTotal.WithLabelValues(kind).Add(float64(n))
}

// BreakerState mirrors a circuit breaker state change; trips counts
// transitions into open.
func (m *Metrics) BreakerState(state int, tripped bool) {
	if m == nil {
		return
	}
	m.RedisCircuitBreakerState.Set(float64(state))
	if tripped {
		m.RedisCircuitBreakerTrips.Inc()
	}
}

func (m *Metrics) Publish(d time.Duration) {
	if m == nil {
		return
	}
	m.RedisPublishDur.Observe(d.Seconds())
}
