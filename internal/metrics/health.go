package metrics

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus represents the collector's health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool
	LastTradeTime  time.Time
	LastBucket     time.Time
	RedisEnabled   bool
	RedisConnected bool
	StoreOK        bool
	Markets        map[string]string // market name -> status

	RedisLatencyMs float64
	StoreLatencyMs float64
	LastCheckAt    time.Time
	StartedAt      time.Time
}

// NewHealthStatus returns a default health status. The setters are no-ops
// on a nil *HealthStatus.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		Markets:   make(map[string]string),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTradeTime(t time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.LastTradeTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBucket(t time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.LastBucket = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetMarketStatus(market, status string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.Markets[market] = status
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckStore pings the database and records latency + health.
func (h *HealthStatus) CheckStore(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx ends.
// rdb may be nil when Redis publishing is disabled.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(checkCtx, rdb)
				}
				if db != nil {
					h.CheckStore(checkCtx, db)
				}
				cancel()
			}
		}
	}()
}

type healthResponse struct {
	Status         string            `json:"status"`
	Uptime         string            `json:"uptime"`
	WSConnected    bool              `json:"ws_connected"`
	LastTradeTime  string            `json:"last_trade_time"`
	TradeAge       string            `json:"trade_age"`
	LastBucket     string            `json:"last_bucket"`
	RedisConnected bool              `json:"redis_connected"`
	RedisLatencyMs float64           `json:"redis_latency_ms"`
	StoreOK        bool              `json:"store_ok"`
	StoreLatencyMs float64           `json:"store_latency_ms"`
	Markets        map[string]string `json:"markets"`
	LastCheckAt    string            `json:"last_check_at"`
}

// ServeHTTP handles the /healthz endpoint. The store is required; Redis
// only degrades the status when it is enabled.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if !h.WSConnected || (h.RedisEnabled && !h.RedisConnected) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.StoreOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	tradeAge := ""
	if !h.LastTradeTime.IsZero() {
		tradeAge = time.Since(h.LastTradeTime).Round(time.Millisecond).String()
	}
	markets := make(map[string]string, len(h.Markets))
	for k, v := range h.Markets {
		markets[k] = v
	}

	resp := healthResponse{
		Status:         status,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:    h.WSConnected,
		LastTradeTime:  h.LastTradeTime.Format(time.RFC3339),
		TradeAge:       tradeAge,
		LastBucket:     h.LastBucket.Format(time.RFC3339),
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		StoreOK:        h.StoreOK,
		StoreLatencyMs: h.StoreLatencyMs,
		Markets:        markets,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(resp)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server reading from gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		log:  log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", slog.Any("error", err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
