// Package backfill drives a market from New through Backfill and Sync to
// Active, and walks closed trade days through batch processing.
//
// Every step is checkpointed in the store. A run that stops anywhere
// resumes from the persisted candle detail and never rewrites a bucket.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"eldorado/internal/logger"
	"eldorado/internal/marketdata/agg"
	"eldorado/internal/marketdata/daterange"
	"eldorado/internal/metrics"
	"eldorado/internal/model"
)

// ErrNotCollectable is returned for markets in Historical or Terminated.
var ErrNotCollectable = errors.New("backfill: market is not collectable")

// Config holds backfill settings.
type Config struct {
	// Lookback bounds start discovery for a market without a checkpoint.
	// Defaults to 90 days.
	Lookback time.Duration

	// Research also writes a research candle for every native bucket.
	Research bool

	// LivePoll is the wait between store polls for the first streamed
	// trade. Defaults to 1s.
	LivePoll time.Duration
}

func (c *Config) defaults() {
	if c.Lookback == 0 {
		c.Lookback = 90 * 24 * time.Hour
	}
	if c.LivePoll == 0 {
		c.LivePoll = time.Second
	}
}

// Backfiller fills a market's history bucket by bucket from the exchange.
type Backfiller struct {
	cfg   Config
	store model.Store
	ex    model.Exchange
	clk   clock.Clock
	log   *slog.Logger
	m     *metrics.Metrics
}

// New creates a Backfiller. clk and m may be nil.
func New(cfg Config, store model.Store, ex model.Exchange, clk clock.Clock, log *slog.Logger, m *metrics.Metrics) *Backfiller {
	cfg.defaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Backfiller{cfg: cfg, store: store, ex: ex, clk: clk, log: log, m: m}
}

// Transition moves m to status to, persisting the change. Staying in the
// same status is a no-op.
func (b *Backfiller) Transition(ctx context.Context, m *model.MarketDetail, to model.MarketStatus) error {
	if m.Status == to {
		return nil
	}
	if !m.Status.CanTransition(to) {
		return model.ErrInvalidTransition{From: m.Status, To: to}
	}
	if err := b.store.UpdateMarketStatus(ctx, m.ID, to); err != nil {
		return fmt.Errorf("backfill transition %s: %w", to, err)
	}
	logger.ForMarket(b.log, *m).Info("market status changed",
		slog.String("from", string(m.Status)), slog.String("to", string(to)))
	m.Status = to
	b.m.Transition(string(to))
	return nil
}

// prepare brings m into Backfill, passing through Restart when the market
// was interrupted after backfill.
func (b *Backfiller) prepare(ctx context.Context, m *model.MarketDetail) error {
	switch m.Status {
	case model.StatusHistorical, model.StatusTerminated:
		return fmt.Errorf("%w: %s is %s", ErrNotCollectable, m.Name, m.Status)
	case model.StatusSync, model.StatusActive:
		if err := b.Transition(ctx, m, model.StatusRestart); err != nil {
			return err
		}
	}
	return b.Transition(ctx, m, model.StatusBackfill)
}

// Run backfills every closed native bucket of m before until. The start is
// the bucket after the candle checkpoint, or the discovered market start
// when the market has no candles yet. Running twice over the same range
// writes nothing the second time.
func (b *Backfiller) Run(ctx context.Context, m *model.MarketDetail, until time.Time) (model.MarketCandleDetail, error) {
	if err := b.prepare(ctx, m); err != nil {
		return model.MarketCandleDetail{}, err
	}
	return b.backfill(ctx, m, until)
}

func (b *Backfiller) backfill(ctx context.Context, m *model.MarketDetail, until time.Time) (model.MarketCandleDetail, error) {
	log := logger.ForMarket(b.log, *m)
	tf := m.CandleTimeframe

	detail, err := b.store.SelectCandleDetail(ctx, m.ID, tf)
	var start time.Time
	switch {
	case err == nil:
		start = detail.LastCandle.Add(tf.Duration())
	case errors.Is(err, model.ErrNotFound):
		start, err = b.ex.FindStart(ctx, m.Name, b.clk.Now(), b.cfg.Lookback)
		if err != nil {
			return model.MarketCandleDetail{}, fmt.Errorf("backfill find start %s: %w", m.Name, err)
		}
		start = tf.Truncate(start)
		detail = model.MarketCandleDetail{MarketID: m.ID, TimeFrame: tf}
		log.Info("backfill start discovered", slog.Time("start", start))
	default:
		return model.MarketCandleDetail{}, fmt.Errorf("backfill load checkpoint: %w", err)
	}

	end := tf.Truncate(until)
	if now := tf.Truncate(b.clk.Now()); now.Before(end) {
		end = now
	}
	buckets := daterange.DateRange(start, end, tf)
	if len(buckets) == 0 {
		log.Debug("backfill up to date", slog.Time("last_candle", detail.LastCandle))
		return detail, nil
	}
	log.Info("backfill range", slog.Time("start", buckets[0]), slog.Time("end", end), slog.Int("buckets", len(buckets)))

	td, err := b.tradeDetail(ctx, m, start)
	if err != nil {
		return detail, err
	}
	for _, bucket := range buckets {
		// The previous bucket is durably committed before this one starts.
		next, err := b.bucket(ctx, m, tf, bucket, detail, &td)
		if err != nil {
			return detail, err
		}
		detail = next
	}
	log.Info("backfill complete", slog.Time("last_candle", detail.LastCandle), slog.Int64("last_trade_id", detail.LastTrade.ID))
	return detail, nil
}

// bucket fetches, stores, aggregates and commits one closed bucket. It
// returns the advanced checkpoint, or the unchanged one when the bucket
// precedes the market's first trade. td advances with every bucket that
// had trades, in the same commit as the candle.
func (b *Backfiller) bucket(ctx context.Context, m *model.MarketDetail, tf model.TimeFrame, bucket time.Time, detail model.MarketCandleDetail, td *model.MarketTradeDetail) (model.MarketCandleDetail, error) {
	end := tf.Next(bucket)
	fetched, err := b.ex.FetchInterval(ctx, m.Name, bucket, end, detail.LastTrade)
	if err != nil {
		return detail, fmt.Errorf("backfill fetch %s %s: %w", m.Name, bucket.Format(time.RFC3339), err)
	}
	if len(fetched) > 0 {
		if err := b.store.InsertTrades(ctx, m.ID, model.StageRest, fetched); err != nil {
			return detail, err
		}
		b.m.Trades(string(m.Exchange), string(model.StageRest), len(fetched))
	}
	// Read back from the stage so a resumed run also sees rows left by an
	// interrupted one.
	trades, err := b.store.SelectTrades(ctx, m.ID, model.StageRest, bucket, end)
	if err != nil {
		return detail, err
	}

	rc, ok := agg.Build(bucket, trades, detail.LastTrade)
	if !ok {
		return detail, nil
	}

	next := detail
	next.LastCandle = bucket
	if next.FirstCandle.IsZero() {
		next.FirstCandle = bucket
	}
	nextTD := *td
	commit := model.BucketCommit{
		MarketID:  m.ID,
		TimeFrame: tf,
		Candle:    rc.Production(),
		Detail:    next,
	}
	if rc.TradeCount > 0 {
		commit.MoveFrom, commit.MoveTo = model.StageRest, model.StageProcessed
		next.LastTrade = rc.LastTrade()
		commit.Detail = next
		if nextTD.FirstTrade.IsZero() {
			nextTD.FirstTrade = model.TradeCursor{Time: rc.FirstTradeTS, ID: rc.FirstTradeID, Price: rc.Open}
		}
		nextTD.LastTrade = next.LastTrade
		commit.TradeDetail = &nextTD
	}
	if b.cfg.Research {
		commit.Research = &rc
	}

	began := b.clk.Now()
	if err := b.store.CommitBucket(ctx, commit); err != nil {
		return detail, err
	}
	b.m.Candle(tf.String(), rc.IsCarryForward(), b.clk.Since(began), b.clk.Since(end))
	m.LastCandle = &next.LastCandle
	*td = nextTD
	return next, nil
}

// tradeDetail loads the trade checkpoint of m. A market seen for the first
// time starts its trade-day walk on the day of start; the row is written
// with the first bucket that has trades.
func (b *Backfiller) tradeDetail(ctx context.Context, m *model.MarketDetail, start time.Time) (model.MarketTradeDetail, error) {
	td, err := b.store.SelectTradeDetail(ctx, m.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return model.MarketTradeDetail{
			MarketID:         m.ID,
			MarketStart:      start,
			PreviousTradeDay: model.D01.Truncate(start).Add(-24 * time.Hour),
			PreviousStatus:   model.DayCompleted,
		}, nil
	case err != nil:
		return td, fmt.Errorf("backfill load trade checkpoint: %w", err)
	}
	return td, nil
}

// ResetStream drops every ws-stage trade of m. It runs before a new stream
// starts, so rows left by an earlier stream are never taken for its first
// trade; Sync fetches their bucket again from the exchange.
func (b *Backfiller) ResetStream(ctx context.Context, m model.MarketDetail) error {
	if err := b.store.DeleteTrades(ctx, m.ID, model.StageWS, time.Time{}, endOfTime); err != nil {
		return fmt.Errorf("backfill reset stream %s: %w", m.Name, err)
	}
	return nil
}

var endOfTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// AwaitFirstLive polls the ws stage until the stream has persisted a trade
// and returns the earliest one. The stage must have been cleared with
// ResetStream before the stream started.
func (b *Backfiller) AwaitFirstLive(ctx context.Context, m model.MarketDetail) (model.Trade, error) {
	t := b.clk.Ticker(b.cfg.LivePoll)
	defer t.Stop()
	for {
		first, err := b.store.SelectFirstTrade(ctx, m.ID, model.StageWS)
		if err == nil {
			return first, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return model.Trade{}, err
		}
		select {
		case <-ctx.Done():
			return model.Trade{}, ctx.Err()
		case <-t.C:
		}
	}
}

// Sync closes the gap between backfilled history and the first streamed
// trade, then marks the market Active. Buckets before firstLive's bucket
// are backfilled as usual; trades of firstLive's bucket that precede it
// are fetched into the ws stage so the heartbeat aggregates the whole
// bucket from one place.
func (b *Backfiller) Sync(ctx context.Context, m *model.MarketDetail, firstLive model.Trade) error {
	detail, err := b.Run(ctx, m, firstLive.Time)
	if err != nil {
		return err
	}
	if err := b.Transition(ctx, m, model.StatusSync); err != nil {
		return err
	}
	log := logger.ForMarket(b.log, *m)

	// The end includes firstLive's own timestamp; earlier ids sharing it
	// belong to the gap.
	bucket := m.CandleTimeframe.Truncate(firstLive.Time)
	gap, err := b.ex.FetchInterval(ctx, m.Name, bucket, firstLive.Time.Add(time.Microsecond), detail.LastTrade)
	if err != nil {
		return fmt.Errorf("backfill sync fetch %s: %w", m.Name, err)
	}
	keep := gap[:0]
	for _, t := range gap {
		if t.ID < firstLive.ID {
			keep = append(keep, t)
		}
	}
	if len(keep) > 0 {
		if err := b.store.InsertTrades(ctx, m.ID, model.StageWS, keep); err != nil {
			return err
		}
		b.m.Trades(string(m.Exchange), string(model.StageWS), len(keep))
	}
	log.Info("sync gap closed",
		slog.Time("bucket", bucket),
		slog.Int("gap_trades", len(keep)),
		slog.Int64("first_live_id", firstLive.ID))

	return b.Transition(ctx, m, model.StatusActive)
}

// DayStep processes one closed trade day of a market.
type DayStep func(ctx context.Context, m model.MarketDetail, day time.Time) error

// DaySteps are the batch stages after trades are gathered. Nil steps are
// skipped.
type DaySteps struct {
	Validate DayStep
	Archive  DayStep
}

// RunDay walks every closed trade day after the trade checkpoint through
// Get, Validate, Archive and Completed. The status is persisted after each
// stage, so an interrupted day resumes at the stage it stopped in. It
// returns the number of days completed. The market status is not changed.
func (b *Backfiller) RunDay(ctx context.Context, m *model.MarketDetail, steps DaySteps) (int, error) {
	if m.Status == model.StatusTerminated {
		return 0, fmt.Errorf("%w: %s is %s", ErrNotCollectable, m.Name, m.Status)
	}
	td, err := b.store.SelectTradeDetail(ctx, m.ID)
	if errors.Is(err, model.ErrNotFound) {
		td, err = b.seedTradeDetail(ctx, m)
	}
	if err != nil {
		return 0, fmt.Errorf("backfill load trade checkpoint: %w", err)
	}
	log := logger.ForMarket(b.log, *m)
	today := model.D01.Truncate(b.clk.Now())

	done := 0
	for {
		if td.PreviousStatus == model.DayCompleted {
			day := td.PreviousTradeDay.Add(24 * time.Hour)
			if !day.Before(today) {
				return done, nil
			}
			td.PreviousTradeDay, td.PreviousStatus = day, model.DayGet
			following, st := day.Add(24*time.Hour), model.DayGet
			td.NextTradeDay, td.NextStatus = &following, &st
			if err := b.store.UpsertTradeDetail(ctx, td); err != nil {
				return done, err
			}
		}

		day := td.PreviousTradeDay
		var stepErr error
		switch td.PreviousStatus {
		case model.DayGet:
			if _, stepErr = b.backfill(ctx, m, day.Add(24*time.Hour)); stepErr == nil {
				// The backfill advanced the trade cursors in the stored row.
				td, stepErr = b.store.SelectTradeDetail(ctx, m.ID)
			}
		case model.DayValidate:
			stepErr = runStep(ctx, steps.Validate, *m, day)
		case model.DayArchive:
			stepErr = runStep(ctx, steps.Archive, *m, day)
		}
		if stepErr != nil {
			return done, fmt.Errorf("backfill day %s %s: %w", day.Format(time.DateOnly), td.PreviousStatus, stepErr)
		}

		log.Debug("trade day stage done", slog.Time("day", day), slog.String("stage", string(td.PreviousStatus)))
		td.PreviousStatus = td.PreviousStatus.Next()
		if err := b.store.UpsertTradeDetail(ctx, td); err != nil {
			return done, err
		}
		if td.PreviousStatus == model.DayCompleted {
			done++
			log.Info("trade day completed", slog.Time("day", day))
		}
	}
}

// seedTradeDetail creates the checkpoint of a market that was never
// backfilled, positioned so the first day walked is the discovered start.
func (b *Backfiller) seedTradeDetail(ctx context.Context, m *model.MarketDetail) (model.MarketTradeDetail, error) {
	start, err := b.ex.FindStart(ctx, m.Name, b.clk.Now(), b.cfg.Lookback)
	if err != nil {
		return model.MarketTradeDetail{}, fmt.Errorf("find start %s: %w", m.Name, err)
	}
	td := model.MarketTradeDetail{
		MarketID:         m.ID,
		MarketStart:      start.UTC(),
		PreviousTradeDay: model.D01.Truncate(start).Add(-24 * time.Hour),
		PreviousStatus:   model.DayCompleted,
	}
	return td, b.store.UpsertTradeDetail(ctx, td)
}

func runStep(ctx context.Context, step DayStep, m model.MarketDetail, day time.Time) error {
	if step == nil {
		return nil
	}
	return step(ctx, m, day)
}
