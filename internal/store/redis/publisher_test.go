package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eldorado/internal/model"
)

func newTestPublisher(t *testing.T, cb *CircuitBreaker) (*Publisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	p := NewWithClient(client, 2, cb, nil, nil)
	t.Cleanup(func() { p.Close() })
	return p, mr
}

var market = model.MarketDetail{
	ID:       uuid.MustParse("9a3f6c1e-5b7d-4c2a-8e1f-0d4b6a8c2e10"),
	Exchange: model.ExchangeFTX,
	Name:     "BTC-PERP",
}

func candle(at time.Time, close string) model.Candle {
	p := decimal.RequireFromString(close)
	return model.Candle{Datetime: at, Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(2), TradeCount: 1}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "candles:ftx:BTC-PERP:t15", StreamKey(model.ExchangeFTX, "BTC-PERP", model.T15))
	assert.Equal(t, "heartbeat:9a3f6c1e-5b7d-4c2a-8e1f-0d4b6a8c2e10", HeartbeatKey(market.ID))
	assert.Equal(t, int64(200), streamMaxLen(model.D01))
	assert.Equal(t, int64(772), streamMaxLen(model.T15))
}

func TestPublishCandle(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestPublisher(t, nil)
	t0 := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, p.PublishCandle(ctx, market, model.T15, candle(t0, "100")))
	require.NoError(t, p.PublishCandle(ctx, market, model.T15, candle(t0.Add(15*time.Minute), "101.5")))

	got, err := p.LatestCandles(ctx, StreamKey(market.Exchange, market.Name, model.T15), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Close.Equal(decimal.RequireFromString("101.5")), "newest first")
	assert.Equal(t, model.T15, got[0].TimeFrame)
	assert.Equal(t, "BTC-PERP", got[0].Market)
	assert.True(t, got[1].Datetime.Equal(t0))

	latest, err := mr.Get(LatestKey(market.Exchange, market.Name, model.T15))
	require.NoError(t, err)
	assert.Contains(t, latest, `"101.5"`)
}

func TestPublishHeartbeat_Replaces(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPublisher(t, nil)

	require.NoError(t, p.PublishHeartbeat(ctx, market.ID, map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, p.PublishHeartbeat(ctx, market.ID, map[string]string{"a": "3"}))

	got, err := p.Heartbeat(ctx, market.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "3"}, got)
}

func TestPublisher_BuffersWhileOpen(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	cb := NewCircuitBreaker(1, time.Second, clk)
	p, _ := newTestPublisher(t, cb)
	t0 := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

	// trip the breaker out of band
	cb.Execute(func() error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.CurrentState())

	for i := 0; i < 3; i++ {
		require.NoError(t, p.PublishCandle(ctx, market, model.T15, candle(t0.Add(time.Duration(i)*15*time.Minute), "100")))
	}
	assert.Equal(t, 2, p.PendingCount(), "oldest write dropped at the bound")

	clk.Add(time.Second)
	require.NoError(t, p.PublishCandle(ctx, market, model.T15, candle(t0.Add(time.Hour), "100")))
	assert.Equal(t, 0, p.PendingCount())
	assert.Equal(t, StateClosed, cb.CurrentState())

	got, err := p.LatestCandles(ctx, StreamKey(market.Exchange, market.Name, model.T15), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// the live write lands before the replayed backlog
	assert.True(t, got[2].Datetime.Equal(t0.Add(time.Hour)))
	assert.True(t, got[0].Datetime.Equal(t0.Add(30*time.Minute)))
}

func TestPublisher_ErrorWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestPublisher(t, NewCircuitBreaker(5, time.Second, clock.NewMock()))
	mr.Close()

	assert.Error(t, p.PublishCandle(ctx, market, model.T15, candle(time.Now(), "1")))
	assert.Equal(t, 0, p.PendingCount())
}
