// Package redis fans committed candles and heartbeat snapshots out to Redis.
// Redis is never on the critical path: every write goes through a circuit
// breaker, writes rejected while it is open are buffered and replayed once
// it closes, and errors are returned for logging only.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"eldorado/internal/metrics"
	"eldorado/internal/model"
)

const (
	defaultLatestTTL = 30 * time.Minute
	defaultBuffer    = 10000
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int

	// MaxBuffer bounds writes held while the breaker is open; the oldest
	// are dropped first.
	MaxBuffer int
}

// StreamKey is the candle stream of one market and timeframe.
func StreamKey(exchange model.ExchangeName, market string, tf model.TimeFrame) string {
	return "candles:" + string(exchange) + ":" + market + ":" + tf.String()
}

// LatestKey holds the newest candle of a stream.
func LatestKey(exchange model.ExchangeName, market string, tf model.TimeFrame) string {
	return "candle:latest:" + string(exchange) + ":" + market + ":" + tf.String()
}

// HeartbeatKey is the snapshot hash of one market.
func HeartbeatKey(marketID uuid.UUID) string {
	return "heartbeat:" + marketID.String()
}

// CandleMessage is the payload of a candle stream entry.
type CandleMessage struct {
	Exchange  model.ExchangeName `json:"exchange"`
	Market    string             `json:"market"`
	TimeFrame model.TimeFrame    `json:"tf"`
	model.Candle
}

// streamMaxLen keeps roughly a week of entries, with a floor.
func streamMaxLen(tf model.TimeFrame) int64 {
	n := int64(7*24*3600)/int64(tf) + 100
	if n < 200 {
		n = 200
	}
	return n
}

type pendingWrite struct {
	apply func(pipe goredis.Pipeliner)
}

// Publisher writes candles and snapshots to Redis.
type Publisher struct {
	client  *goredis.Client
	cb      *CircuitBreaker
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int
}

// New connects to Redis and pings it.
func New(ctx context.Context, cfg Config, cb *CircuitBreaker, log *slog.Logger, m *metrics.Metrics) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis connected", slog.String("addr", cfg.Addr))
	return NewWithClient(client, cfg.MaxBuffer, cb, log, m), nil
}

// NewWithClient wraps an existing client. A nil breaker gets the defaults
// of five failures and a ten second reset.
func NewWithClient(client *goredis.Client, maxBuffer int, cb *CircuitBreaker, log *slog.Logger, m *metrics.Metrics) *Publisher {
	if cb == nil {
		cb = NewCircuitBreaker(5, 10*time.Second, nil)
	}
	if maxBuffer <= 0 {
		maxBuffer = defaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{client: client, cb: cb, log: log, metrics: m, maxBuf: maxBuffer}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		m.BreakerState(int(to), to == StateOpen)
		log.Warn("redis circuit breaker", slog.String("from", from.String()), slog.String("to", to.String()))
	}
	return p
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// PublishCandle appends c to its stream, refreshes the latest key and
// notifies pubsub subscribers of the stream key.
func (p *Publisher) PublishCandle(ctx context.Context, m model.MarketDetail, tf model.TimeFrame, c model.Candle) error {
	data, err := json.Marshal(CandleMessage{Exchange: m.Exchange, Market: m.Name, TimeFrame: tf, Candle: c})
	if err != nil {
		return fmt.Errorf("redis marshal candle: %w", err)
	}
	stream := StreamKey(m.Exchange, m.Name, tf)
	latest := LatestKey(m.Exchange, m.Name, tf)
	payload := string(data)

	return p.write(ctx, func(pipe goredis.Pipeliner) {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: stream,
			MaxLen: streamMaxLen(tf),
			Approx: true,
			Values: map[string]interface{}{"data": payload},
		})
		pipe.Set(ctx, latest, payload, defaultLatestTTL)
		pipe.Publish(ctx, stream, payload)
	})
}

// PublishHeartbeat replaces the snapshot hash of a market.
func (p *Publisher) PublishHeartbeat(ctx context.Context, marketID uuid.UUID, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	key := HeartbeatKey(marketID)
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	return p.write(ctx, func(pipe goredis.Pipeliner) {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values...)
	})
}

func (p *Publisher) write(ctx context.Context, apply func(pipe goredis.Pipeliner)) error {
	start := time.Now()
	err := p.cb.Execute(func() error { return p.exec(ctx, apply) })
	if errors.Is(err, ErrCircuitOpen) {
		p.bufferWrite(apply)
		return nil
	}
	if err != nil {
		return err
	}
	p.metrics.Publish(time.Since(start))
	p.flush(ctx)
	return nil
}

func (p *Publisher) exec(ctx context.Context, apply func(pipe goredis.Pipeliner)) error {
	pipe := p.client.TxPipeline()
	apply(pipe)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (p *Publisher) bufferWrite(apply func(pipe goredis.Pipeliner)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) >= p.maxBuf {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, pendingWrite{apply: apply})
}

// flush replays buffered writes in order after a successful write.
func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	pending := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	for i, w := range pending {
		if err := p.cb.Execute(func() error { return p.exec(ctx, w.apply) }); err != nil {
			p.mu.Lock()
			p.buffer = append(pending[i:], p.buffer...)
			p.mu.Unlock()
			p.log.Warn("redis flush interrupted", slog.Int("remaining", len(pending)-i), slog.Any("error", err))
			return
		}
	}
	p.log.Info("redis flushed buffered writes", slog.Int("count", len(pending)))
}

// PendingCount returns the number of buffered writes.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// LatestCandles returns up to n newest entries of a stream, newest first.
func (p *Publisher) LatestCandles(ctx context.Context, stream string, n int64) ([]CandleMessage, error) {
	entries, err := p.client.XRevRangeN(ctx, stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrevrange %s: %w", stream, err)
	}
	out := make([]CandleMessage, 0, len(entries))
	for _, e := range entries {
		raw, _ := e.Values["data"].(string)
		var msg CandleMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("redis decode %s/%s: %w", stream, e.ID, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// Heartbeat reads a market's snapshot hash.
func (p *Publisher) Heartbeat(ctx context.Context, marketID uuid.UUID) (map[string]string, error) {
	return p.client.HGetAll(ctx, HeartbeatKey(marketID)).Result()
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
