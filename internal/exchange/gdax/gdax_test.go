package gdax

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eldorado/internal/exchange"
	"eldorado/internal/marketdata/stream"
	"eldorado/internal/model"
)

var t0 = time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)

// fakeGDAX serves trades from a tape ordered by id, emulating the after
// cursor (ids strictly below) and newest-first pages.
type fakeGDAX struct {
	tape []trade
}

func (f *fakeGDAX) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/candles") {
		f.candles(w, r)
		return
	}
	q := r.URL.Query()
	limit := TradePage
	if s := q.Get("limit"); s != "" {
		limit, _ = strconv.Atoi(s)
	}
	after := int64(1 << 62)
	if s := q.Get("after"); s != "" {
		after, _ = strconv.ParseInt(s, 10, 64)
	}
	page := []trade{}
	for i := len(f.tape) - 1; i >= 0 && len(page) < limit; i-- {
		if f.tape[i].TradeID < after {
			page = append(page, f.tape[i])
		}
	}
	json.NewEncoder(w).Encode(page)
}

func (f *fakeGDAX) candles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, _ := time.Parse(time.RFC3339, q.Get("start"))
	end, _ := time.Parse(time.RFC3339, q.Get("end"))
	g, _ := strconv.ParseInt(q.Get("granularity"), 10, 64)
	var rows [][]float64
	for ts := end; !ts.Before(start); ts = ts.Add(-time.Duration(g) * time.Second) {
		rows = append(rows, []float64{float64(ts.Unix()), 1, 3, 2, 2.5, 10.25})
	}
	json.NewEncoder(w).Encode(rows)
}

// makeTape creates n trades, one every 10 seconds from t0, ids from 1.
func makeTape(n int) []trade {
	tape := make([]trade, n)
	for i := range tape {
		tape[i] = trade{
			TradeID: int64(i + 1),
			Side:    model.SideSell,
			Size:    decimal.New(int64(i+1), -2),
			Price:   decimal.NewFromInt(40000),
			Time:    t0.Add(time.Duration(i) * 10 * time.Second),
		}
	}
	return tape
}

func newClient(t *testing.T, f *fakeGDAX) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	rest, err := exchange.NewClient(srv.URL, exchange.WithRateLimit(0))
	require.NoError(t, err)
	return New(rest, nil)
}

func TestTradeByID(t *testing.T) {
	c := newClient(t, &fakeGDAX{tape: makeTape(50)})

	tr, ok, err := c.TradeByID(context.Background(), "BTC-USD", 17)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(17), tr.ID)
	assert.Equal(t, t0.Add(160*time.Second), tr.Time)

	_, ok, err = c.TradeByID(context.Background(), "BTC-USD", 51)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.TradeByID(context.Background(), "BTC-USD", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchInterval_FromTime(t *testing.T) {
	// 3000 trades over ~8h20m.
	c := newClient(t, &fakeGDAX{tape: makeTape(3000)})
	start := t0.Add(time.Hour)
	end := start.Add(3 * time.Hour)

	got, err := c.FetchInterval(context.Background(), "BTC-USD", start, end, model.TradeCursor{})

	require.NoError(t, err)
	// Trade i+1 is at i*10s: [3600s, 14400s) holds ids 361..1440.
	require.Len(t, got, 1080)
	assert.Equal(t, int64(361), got[0].ID)
	assert.Equal(t, int64(1440), got[len(got)-1].ID)
	assert.True(t, model.TradesSorted(got))
}

func TestFetchInterval_FromCursor(t *testing.T) {
	c := newClient(t, &fakeGDAX{tape: makeTape(200)})
	start := t0.Add(15 * time.Minute)
	end := start.Add(15 * time.Minute)

	got, err := c.FetchInterval(context.Background(), "BTC-USD", start, end, model.TradeCursor{ID: 90, Time: t0.Add(890 * time.Second)})

	require.NoError(t, err)
	require.Len(t, got, 90)
	assert.Equal(t, int64(91), got[0].ID)
	assert.Equal(t, int64(180), got[89].ID)
}

func TestFetchInterval_PastLatest(t *testing.T) {
	c := newClient(t, &fakeGDAX{tape: makeTape(10)})
	got, err := c.FetchInterval(context.Background(), "BTC-USD", t0.Add(time.Hour), t0.Add(2*time.Hour), model.TradeCursor{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindStart(t *testing.T) {
	c := newClient(t, &fakeGDAX{tape: makeTape(3000)})

	// Market starts at t0; now is 5 days later with 90 day lookback.
	got, err := c.FindStart(context.Background(), "BTC-USD", t0.Add(5*24*time.Hour+time.Hour), 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, t0, got)

	// Lookback shorter than the history: start at the lookback boundary.
	tape := makeTape(3000)
	for i := range tape {
		tape[i].Time = t0.Add(time.Duration(i) * time.Hour)
	}
	c = newClient(t, &fakeGDAX{tape: tape})
	now := t0.Add(100 * 24 * time.Hour)
	got, err = c.FindStart(context.Background(), "BTC-USD", now, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(70*24*time.Hour), got)
}

func TestGetCandles(t *testing.T) {
	c := newClient(t, &fakeGDAX{})
	tf := model.T15
	n := CandlePage + 20

	got, err := c.GetCandles(context.Background(), "BTC-USD", tf, t0, t0.Add(time.Duration(n)*tf.Duration()))

	require.NoError(t, err)
	require.Len(t, got, n)
	assert.Equal(t, t0, got[0].Time)
	assert.True(t, got[0].Low.Equal(decimal.NewFromInt(1)))
	assert.True(t, got[0].High.Equal(decimal.NewFromInt(3)))
	assert.True(t, got[0].Open.Equal(decimal.NewFromInt(2)))
	assert.True(t, got[0].Close.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, got[0].Volume.Equal(decimal.RequireFromString("10.25")))
}

func TestStreamCodec(t *testing.T) {
	var codec StreamCodec

	sub, err := codec.Subscribe("BTC-USD")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","product_ids":["BTC-USD"],"channels":["matches"]}`, string(sub))
	assert.Nil(t, codec.Ping())

	msg, err := codec.Decode([]byte(`{"type":"subscriptions","channels":[{"name":"matches","product_ids":["BTC-USD","ETH-USD"]}]}`))
	require.NoError(t, err)
	assert.Equal(t, stream.KindSubscribed, msg.Kind)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, msg.Markets)

	msg, err = codec.Decode([]byte(`{"type":"match","trade_id":10,"sequence":50,"time":"2014-11-07T08:19:27.028459Z",
		"product_id":"BTC-USD","size":"5.23512","price":"400.23","side":"sell"}`))
	require.NoError(t, err)
	require.Equal(t, stream.KindTrades, msg.Kind)
	assert.Equal(t, []string{"BTC-USD"}, msg.Markets)
	tr := msg.Trades[0]
	assert.Equal(t, int64(10), tr.ID)
	assert.True(t, tr.Size.Equal(decimal.RequireFromString("5.23512")))
	assert.Equal(t, model.SideSell, tr.Side)

	msg, err = codec.Decode([]byte(`{"type":"error","message":"Failed to subscribe","reason":"ABC-USD is not a valid product"}`))
	require.NoError(t, err)
	assert.Equal(t, stream.KindError, msg.Kind)
	assert.Contains(t, msg.Err, "not a valid product")

	msg, err = codec.Decode([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, stream.KindOther, msg.Kind)
}
