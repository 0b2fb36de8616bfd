package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Trades("ftx", "ws", 3)
	m.Candle("t15", false, time.Millisecond, time.Second)
	m.Reconnect()
	m.Request("ftx", 200, time.Millisecond)
	m.Retry("server")
	m.Validation("gdax", "valid")
	m.ValidationRecord("done")
	m.Transition("active")
	m.Archived("candles", 10)
	m.BreakerState(1, true)
	m.Publish(time.Millisecond)
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Trades("ftx", "ws", 3)
	m.Trades("ftx", "ws", 2)
	m.Candle("t15", true, time.Millisecond, 2*time.Second)
	m.BreakerState(1, true)
	m.BreakerState(2, false)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.TradesTotal.WithLabelValues("ftx", "ws")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandlesTotal.WithLabelValues("t15", "carry")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BucketLag))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RedisCircuitBreakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RedisCircuitBreakerTrips))
}

func TestMetrics_RequestLatency(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Request("ftx", 200, 120*time.Millisecond)
	m.Request("ftx", 200, 80*time.Millisecond)
	m.Request("ftx", 429, time.Second)
	m.Request("ftx", 0, 5*time.Second)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.ExchangeRequests.WithLabelValues("ftx")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.ExchangeRequestDur))
}

func TestHealth_Status(t *testing.T) {
	h := NewHealthStatus()

	get := func() (int, healthResponse) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return rec.Code, resp
	}

	code, resp := get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", resp.Status)

	h.mu.Lock()
	h.StoreOK = true
	h.mu.Unlock()
	code, resp = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", resp.Status, "stream down")

	h.SetWSConnected(true)
	h.SetMarketStatus("BTC-PERP", "active")
	code, resp = get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "active", resp.Markets["BTC-PERP"])
}

func TestServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Request("gdax", 200, time.Millisecond)

	h := NewHealthStatus()
	srv := httptest.NewServer(NewServer(":0", reg, h, slog.New(slog.NewTextHandler(io.Discard, nil))).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), `eldorado_exchange_requests_total{exchange="gdax"} 1`))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
