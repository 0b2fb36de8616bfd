// Package gdax implements the GDAX (Coinbase Exchange) REST and stream
// codecs. Trades paginate by trade id: after=N returns trades with id < N,
// newest first.
package gdax

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"eldorado/internal/exchange"
	"eldorado/internal/model"
)

const (
	// TradePage is the maximum trades per call.
	TradePage = 1000
	// CandlePage is the maximum candles per call.
	CandlePage = 300
)

// Client is a GDAX REST client.
type Client struct {
	rest *exchange.Client
	log  *slog.Logger
}

// New creates a GDAX client.
func New(rest *exchange.Client, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{rest: rest, log: log.With(slog.String("exchange", string(model.ExchangeGDAX)))}
}

// Name returns the exchange name.
func (c *Client) Name() model.ExchangeName { return model.ExchangeGDAX }

type trade struct {
	TradeID int64           `json:"trade_id"`
	Side    model.Side      `json:"side"`
	Size    decimal.Decimal `json:"size"`
	Price   decimal.Decimal `json:"price"`
	Time    time.Time       `json:"time"`
}

func (t trade) model() model.Trade {
	return model.Trade{
		ID:    t.TradeID,
		Time:  model.NormalizeTime(t.Time),
		Price: t.Price,
		Size:  t.Size,
		Side:  t.Side,
	}
}

// GetTrades returns one page of trades, newest first. After and Before are
// exclusive id bounds; time bounds are ignored.
func (c *Client) GetTrades(ctx context.Context, market string, q model.TradeQuery) ([]model.Trade, error) {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.After > 0 {
		v.Set("after", strconv.FormatInt(q.After, 10))
	}
	if q.Before > 0 {
		v.Set("before", strconv.FormatInt(q.Before, 10))
	}
	var raw []trade
	if err := c.rest.GetJSON(ctx, "/products/"+market+"/trades", v, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Trade, len(raw))
	for i, t := range raw {
		out[i] = t.model()
	}
	return out, nil
}

// atOrBefore returns the newest trade with id <= id.
func (c *Client) atOrBefore(ctx context.Context, market string, id int64) (model.Trade, bool, error) {
	page, err := c.GetTrades(ctx, market, model.TradeQuery{Limit: 1, After: id + 1})
	if err != nil || len(page) == 0 {
		return model.Trade{}, false, err
	}
	return page[0], true, nil
}

// TradeByID returns the trade with the exact id.
func (c *Client) TradeByID(ctx context.Context, market string, id int64) (model.Trade, bool, error) {
	if id < 1 {
		return model.Trade{}, false, nil
	}
	t, ok, err := c.atOrBefore(ctx, market, id)
	if err != nil || !ok || t.ID != id {
		return model.Trade{}, false, err
	}
	return t, true, nil
}

// LatestTrade returns the newest trade of the market.
func (c *Client) LatestTrade(ctx context.Context, market string) (model.Trade, bool, error) {
	page, err := c.GetTrades(ctx, market, model.TradeQuery{Limit: 1})
	if err != nil || len(page) == 0 {
		return model.Trade{}, false, err
	}
	return page[0], true, nil
}

// firstIDAtOrAfter binary-searches the id space for the first trade at or
// after ts. It returns latest+1 when no such trade exists.
func (c *Client) firstIDAtOrAfter(ctx context.Context, market string, ts time.Time) (int64, error) {
	latest, ok, err := c.LatestTrade(ctx, market)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	if latest.Time.Before(ts) {
		return latest.ID + 1, nil
	}
	lo, hi := int64(1), latest.ID
	for lo < hi {
		mid := lo + (hi-lo)/2
		t, ok, err := c.atOrBefore(ctx, market, mid)
		if err != nil {
			return 0, err
		}
		if ok && t.Time.Before(ts) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// FindStart returns the day boundary where history begins within lookback.
func (c *Client) FindStart(ctx context.Context, market string, now time.Time, lookback time.Duration) (time.Time, error) {
	target := model.D01.Truncate(now).Add(-lookback)
	id, err := c.firstIDAtOrAfter(ctx, market, target)
	if err != nil {
		return time.Time{}, fmt.Errorf("gdax find start %s: %w", market, err)
	}
	t, ok, err := c.atOrBefore(ctx, market, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("gdax find start %s: %w", market, err)
	}
	if !ok || t.Time.Before(target) {
		return target, nil
	}
	return model.D01.Truncate(t.Time), nil
}

// FetchInterval pages forward by id from after (or from the first trade at
// or after start when after is zero) and returns trades with
// start <= time < end ascending by id.
func (c *Client) FetchInterval(ctx context.Context, market string, start, end time.Time, after model.TradeCursor) ([]model.Trade, error) {
	last := after.ID
	if last == 0 {
		first, err := c.firstIDAtOrAfter(ctx, market, start)
		if err != nil {
			return nil, fmt.Errorf("gdax fetch %s: %w", market, err)
		}
		last = first - 1
	}
	var out []model.Trade
	for {
		page, err := c.GetTrades(ctx, market, model.TradeQuery{Limit: TradePage, After: last + TradePage + 1})
		if err != nil {
			return nil, fmt.Errorf("gdax fetch %s after %d: %w", market, last, err)
		}
		model.SortTrades(page)
		fresh, done := 0, false
		for _, t := range page {
			if t.ID <= last {
				continue
			}
			fresh++
			last = t.ID
			if !t.Time.Before(end) {
				done = true
				break
			}
			if !t.Time.Before(start) {
				out = append(out, t)
			}
		}
		c.log.Debug("gdax trade page", slog.String("market", market), slog.Int("n", len(page)), slog.Int64("last", last))
		if done || fresh == 0 {
			break
		}
	}
	return model.DedupTrades(out), nil
}

// GetCandles returns reference candles with start <= time < end, ascending.
// Rows arrive as [time, low, high, open, close, volume], newest first.
func (c *Client) GetCandles(ctx context.Context, market string, tf model.TimeFrame, start, end time.Time) ([]model.ExchangeCandle, error) {
	var out []model.ExchangeCandle
	step := tf.Duration() * CandlePage
	for from := start; from.Before(end); from = from.Add(step) {
		to := from.Add(step - tf.Duration())
		if !to.Before(end) {
			to = end.Add(-tf.Duration())
		}
		v := url.Values{}
		v.Set("granularity", strconv.FormatInt(tf.Seconds(), 10))
		v.Set("start", from.UTC().Format(time.RFC3339))
		v.Set("end", to.UTC().Format(time.RFC3339))
		var rows [][]decimal.Decimal
		if err := c.rest.GetJSON(ctx, "/products/"+market+"/candles", v, &rows); err != nil {
			return nil, fmt.Errorf("gdax candles %s: %w", market, err)
		}
		for _, r := range rows {
			if len(r) < 6 {
				return nil, exchange.MalformedError("/products/"+market+"/candles", fmt.Errorf("candle row has %d fields", len(r)))
			}
			ts := time.Unix(r[0].IntPart(), 0).UTC()
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			out = append(out, model.ExchangeCandle{Time: ts, Low: r[1], High: r[2], Open: r[3], Close: r[4], Volume: r[5]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
