package mita

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eldorado/internal/exchange/ftx"
	"eldorado/internal/marketdata/backfill"
	"eldorado/internal/marketdata/stream"
	"eldorado/internal/marketdata/tfbuilder"
	"eldorado/internal/model"
	"eldorado/internal/notification"
	"eldorado/internal/store/sqlstore"
)

var t0 = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeExchange serves a fixed trade history.
type fakeExchange struct {
	trades []model.Trade
	start  time.Time
}

func (f *fakeExchange) Name() model.ExchangeName { return model.ExchangeFTX }

func (f *fakeExchange) GetTrades(context.Context, string, model.TradeQuery) ([]model.Trade, error) {
	return nil, nil
}

func (f *fakeExchange) GetCandles(context.Context, string, model.TimeFrame, time.Time, time.Time) ([]model.ExchangeCandle, error) {
	return nil, nil
}

func (f *fakeExchange) FetchInterval(_ context.Context, _ string, start, end time.Time, _ model.TradeCursor) ([]model.Trade, error) {
	var out []model.Trade
	for _, t := range f.trades {
		if !t.Time.Before(start) && t.Time.Before(end) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeExchange) FindStart(context.Context, string, time.Time, time.Duration) (time.Time, error) {
	return f.start, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (c *captureNotifier) Send(_ context.Context, a notification.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *captureNotifier) levels() []notification.AlertLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notification.AlertLevel
	for _, a := range c.alerts {
		out = append(out, a.Level)
	}
	return out
}

func trade(id int64, at time.Time) model.Trade {
	return model.Trade{ID: id, Time: at, Price: decimal.NewFromInt(100 + id), Size: decimal.NewFromInt(1), Side: model.SideBuy}
}

func newStore(t *testing.T, markets ...model.MarketDetail) *sqlstore.Store {
	t.Helper()
	st, err := sqlstore.Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "mita.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	for _, m := range markets {
		require.NoError(t, st.UpsertMarket(context.Background(), m))
	}
	return st
}

func newMarket(name string, status model.MarketStatus) model.MarketDetail {
	return model.MarketDetail{
		ID:              uuid.New(),
		Exchange:        model.ExchangeFTX,
		Name:            name,
		Type:            model.MarketPerpetual,
		Status:          status,
		Mita:            "mita-01",
		CandleTimeframe: model.T15,
	}
}

// drive advances clk until stop is closed.
func drive(clk *clock.Mock, step time.Duration, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			clk.Add(step)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestMarkets(t *testing.T) {
	active := newMarket("BTC-PERP", model.StatusActive)
	done := newMarket("LUNA-PERP", model.StatusTerminated)
	other := newMarket("ETH-PERP", model.StatusNew)
	other.Mita = "mita-02"
	st := newStore(t, active, done, other)

	c := New(Config{Name: "mita-01", Ladder: tfbuilder.MustLadder(model.T15, model.H01)},
		Deps{Store: st, Exchange: &fakeExchange{}})
	got, err := c.Markets(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)

	c = New(Config{Name: "mita-01", Markets: []string{"SOL-PERP"}}, Deps{Store: st, Exchange: &fakeExchange{}})
	_, err = c.Markets(context.Background())
	assert.ErrorIs(t, err, ErrNoMarkets)

	c = New(Config{Name: "mita-01", Ladder: tfbuilder.MustLadder(model.H01)}, Deps{Store: st, Exchange: &fakeExchange{}})
	_, err = c.Markets(context.Background())
	assert.ErrorContains(t, err, "does not match ladder")
}

func TestRestartBackOff(t *testing.T) {
	b := &restartBackOff{delays: []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second}, max: 5}
	var got []time.Duration
	for d := b.NextBackOff(); d >= 0; d = b.NextBackOff() {
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second}, got)
	b.Reset()
	assert.Equal(t, 5*time.Second, b.NextBackOff())
}

func TestRun_NoMarketsIsPermanent(t *testing.T) {
	n := &captureNotifier{}
	c := New(Config{Name: "mita-01"}, Deps{Store: newStore(t), Exchange: &fakeExchange{}, Notifier: n})
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoMarkets)
	assert.Equal(t, []notification.AlertLevel{notification.AlertCritical}, n.levels())
}

func TestRun_RestartsThenGivesUp(t *testing.T) {
	m := newMarket("BTC-PERP", model.StatusActive)
	st := newStore(t, m)
	clk := clock.NewMock()
	clk.Set(t0)
	n := &captureNotifier{}

	// Nothing listens on the stream address, so every run fails to dial.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := New(Config{
		Name:          "mita-01",
		Ladder:        tfbuilder.MustLadder(model.T15, model.H01),
		Stream:        stream.Config{URL: url},
		RestartDelays: []time.Duration{time.Second},
		MaxRestarts:   2,
	}, Deps{Store: st, Exchange: &fakeExchange{}, Codec: ftx.StreamCodec{}, Notifier: n, Clock: clk})

	stop := make(chan struct{})
	go drive(clk, time.Second, stop)
	err := c.Run(context.Background())
	close(stop)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
	assert.Equal(t, []notification.AlertLevel{
		notification.AlertWarning, notification.AlertWarning, notification.AlertCritical,
	}, n.levels())

	got, err := st.SelectMarket(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRestart, got.Status)
}

// ftxServer upgrades one connection, acknowledges the subscription and
// streams live, then holds the connection open.
func ftxServer(t *testing.T, market string, live model.Trade) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(fmt.Sprintf(`{"type":"subscribed","channel":"trades","market":%q}`, market)))
		conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
			`{"type":"update","channel":"trades","market":%q,"data":[{"id":%d,"price":"%s","size":"1","side":"buy","liquidation":false,"time":%q}]}`,
			market, live.ID, live.Price, live.Time.Format(time.RFC3339Nano))))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRun_BackfillSyncHeartbeat(t *testing.T) {
	m := newMarket("BTC-PERP", model.StatusNew)
	st := newStore(t, m)
	clk := clock.NewMock()
	clk.Set(t0.Add(21 * time.Minute))

	var history []model.Trade
	for i := int64(1); i <= 9; i++ {
		history = append(history, trade(i, t0.Add(time.Duration(i*2)*time.Minute)))
	}
	live := trade(10, t0.Add(21*time.Minute))
	ex := &fakeExchange{trades: history, start: t0}
	// A row left by an earlier stream; taken as the first live trade it
	// would hide trade 9 from the gap fetch.
	require.NoError(t, st.InsertTrades(context.Background(), m.ID, model.StageWS, history[7:8]))

	c := New(Config{
		Name:     "mita-01",
		Ladder:   tfbuilder.MustLadder(model.T15, model.H01),
		Backfill: backfill.Config{LivePoll: time.Second},
		Stream:   stream.Config{URL: ftxServer(t, m.Name, live)},
	}, Deps{Store: st, Exchange: ex, Codec: ftx.StreamCodec{}, Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	stop := make(chan struct{})
	go drive(clk, time.Second, stop)
	defer close(stop)

	// 12:15 holds trades 8 and 9 from the gap fetch plus the live trade.
	assert.Eventually(t, func() bool {
		cs, err := st.SelectCandles(context.Background(), m.ID, model.T15, t0.Add(15*time.Minute), t0.Add(30*time.Minute))
		return err == nil && len(cs) == 1 && cs[0].TradeCount == 3
	}, 10*time.Second, 20*time.Millisecond)

	first, err := st.SelectCandles(context.Background(), m.ID, model.T15, t0, t0.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, int64(7), first[0].TradeCount)
	assert.Equal(t, int64(7), first[0].LastTradeID)

	got, err := st.SelectMarket(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}
}
