// Package ftx implements the FTX family REST and stream codecs.
//
// Trades paginate by time window: each page returns the newest trades up
// to end_time, so the window end walks backward to the earliest trade seen.
package ftx

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"eldorado/internal/exchange"
	"eldorado/internal/model"
)

const (
	// TradePage is the number of trades the trades endpoint returns per call.
	TradePage = 100
	// CandlePage is the maximum candles per call.
	CandlePage = 1501
)

// Client is an FTX or FTX US REST client.
type Client struct {
	name model.ExchangeName
	rest *exchange.Client
	log  *slog.Logger

	// DaySpacing is the pause between FindStart day requests, timed on Clock.
	DaySpacing time.Duration
	Clock        clock.Clock
}

// New creates a client for the given FTX family exchange.
func New(name model.ExchangeName, rest *exchange.Client, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		name:         name,
		rest:         rest,
		log:          log.With(slog.String("exchange", string(name))),
		DaySpacing: time.Second,
		Clock:        clock.New(),
	}
}

// Name returns the exchange name.
func (c *Client) Name() model.ExchangeName { return c.name }

type envelope[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Result  T      `json:"result"`
}

type trade struct {
	ID          int64           `json:"id"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	Side        model.Side      `json:"side"`
	Liquidation bool            `json:"liquidation"`
	Time        time.Time       `json:"time"`
}

func (t trade) model() model.Trade {
	return model.Trade{
		ID:          t.ID,
		Time:        model.NormalizeTime(t.Time),
		Price:       t.Price,
		Size:        t.Size,
		Side:        t.Side,
		Liquidation: t.Liquidation,
	}
}

type candle struct {
	StartTime time.Time       `json:"startTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"` // quote volume, Σ price × size
}

func unixParam(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

func get[T any](ctx context.Context, c *Client, path string, q url.Values) (T, error) {
	var env envelope[T]
	if err := c.rest.GetJSON(ctx, path, q, &env); err != nil {
		return env.Result, err
	}
	if !env.Success {
		return env.Result, &exchange.Error{Class: exchange.ClassClient, Op: path, Body: env.Error}
	}
	return env.Result, nil
}

// GetTrades returns one page of trades, newest first as the exchange sends
// them. Start and End bound the window; id bounds are ignored.
func (c *Client) GetTrades(ctx context.Context, market string, q model.TradeQuery) ([]model.Trade, error) {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Start.IsZero() {
		v.Set("start_time", unixParam(q.Start))
	}
	if !q.End.IsZero() {
		v.Set("end_time", unixParam(q.End))
	}
	raw, err := get[[]trade](ctx, c, "/markets/"+market+"/trades", v)
	if err != nil {
		return nil, err
	}
	out := make([]model.Trade, len(raw))
	for i, t := range raw {
		out[i] = t.model()
	}
	return out, nil
}

// FetchInterval pages backward from end until a short page, returning
// trades with start <= time < end ascending by id. When a full page spans
// a single microsecond the window end steps back one microsecond.
func (c *Client) FetchInterval(ctx context.Context, market string, start, end time.Time, _ model.TradeCursor) ([]model.Trade, error) {
	var all []model.Trade
	cursor := end
	for {
		page, err := c.GetTrades(ctx, market, model.TradeQuery{Start: start, End: cursor})
		if err != nil {
			return nil, fmt.Errorf("ftx fetch %s [%s, %s): %w", market, start.Format(time.RFC3339), end.Format(time.RFC3339), err)
		}
		for _, t := range page {
			if !t.Time.Before(start) && t.Time.Before(end) {
				all = append(all, t)
			}
		}
		c.log.Debug("ftx trade page", slog.String("market", market), slog.Int("n", len(page)), slog.Time("end", cursor))
		if len(page) < TradePage {
			break
		}
		earliest := page[0].Time
		for _, t := range page[1:] {
			if t.Time.Before(earliest) {
				earliest = t.Time
			}
		}
		if !earliest.Before(cursor) {
			earliest = cursor.Add(-time.Microsecond)
		}
		if earliest.Before(start) {
			break
		}
		cursor = earliest
	}
	return model.DedupTrades(all), nil
}

// GetCandles returns reference candles with start <= time < end, ascending.
func (c *Client) GetCandles(ctx context.Context, market string, tf model.TimeFrame, start, end time.Time) ([]model.ExchangeCandle, error) {
	seen := make(map[time.Time]model.ExchangeCandle)
	cursor := end.Add(-tf.Duration())
	for !cursor.Before(start) {
		v := url.Values{}
		v.Set("resolution", strconv.FormatInt(tf.Seconds(), 10))
		v.Set("start_time", strconv.FormatInt(start.Unix(), 10))
		v.Set("end_time", strconv.FormatInt(cursor.Unix(), 10))
		raw, err := get[[]candle](ctx, c, "/markets/"+market+"/candles", v)
		if err != nil {
			return nil, fmt.Errorf("ftx candles %s: %w", market, err)
		}
		if len(raw) == 0 {
			break
		}
		earliest := raw[0].StartTime
		for _, r := range raw {
			ts := r.StartTime.UTC()
			if ts.Before(earliest) {
				earliest = ts
			}
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			seen[ts] = model.ExchangeCandle{Time: ts, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
		}
		if len(raw) < CandlePage {
			break
		}
		cursor = earliest.Add(-tf.Duration())
	}
	out := make([]model.ExchangeCandle, 0, len(seen))
	for _, ec := range seen {
		out = append(out, ec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// FindStart steps forward one day at a time from now-lookback and returns
// the first day boundary with at least one trade at or before it.
func (c *Client) FindStart(ctx context.Context, market string, now time.Time, lookback time.Duration) (time.Time, error) {
	end := model.D01.Truncate(now)
	day := end.Add(-lookback)
	for day.Before(end) {
		trades, err := c.GetTrades(ctx, market, model.TradeQuery{Limit: 1, End: day})
		if err != nil {
			return time.Time{}, fmt.Errorf("ftx find start %s: %w", market, err)
		}
		if len(trades) > 0 {
			return day, nil
		}
		day = day.Add(24 * time.Hour)
		if c.DaySpacing > 0 {
			select {
			case <-ctx.Done():
				return time.Time{}, ctx.Err()
			case <-c.Clock.After(c.DaySpacing):
			}
		}
	}
	return day, nil
}
