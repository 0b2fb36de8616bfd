// Package heartbeat closes live buckets on the wall clock. For each market
// it aggregates the streamed trades of every elapsed native bucket, merges
// the coarser timeframes up the ladder and recomputes the market metrics.
//
// The loop is sequential per process: markets are ticked one after the
// other, and bucket N+1 of a market is never built before bucket N is
// committed.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"eldorado/internal/indicator"
	"eldorado/internal/logger"
	"eldorado/internal/marketdata/agg"
	"eldorado/internal/marketdata/daterange"
	"eldorado/internal/marketdata/tfbuilder"
	"eldorado/internal/metrics"
	"eldorado/internal/model"
	"eldorado/internal/ringbuf"
)

// Publisher fans committed candles and metric snapshots out to live
// consumers. Publishing never fails the pipeline.
type Publisher interface {
	PublishCandle(ctx context.Context, m model.MarketDetail, tf model.TimeFrame, c model.Candle) error
	PublishHeartbeat(ctx context.Context, marketID uuid.UUID, fields map[string]string) error
}

// Heartbeat is the in-memory state of one live market.
type Heartbeat struct {
	Market model.MarketDetail

	// LastBucket is the start of the newest native bucket processed.
	LastBucket time.Time
	LastTrade  model.TradeCursor

	// MetricsPresent is false until coarser candles and metrics have been
	// computed for the current state.
	MetricsPresent bool

	details   map[model.TimeFrame]model.MarketCandleDetail
	windows   map[model.TimeFrame]*ringbuf.Ring[model.Candle]
	snapshots map[model.TimeFrame]indicator.Snapshot
}

// Window returns the cached candles of tf, oldest first.
func (h *Heartbeat) Window(tf model.TimeFrame) []model.Candle {
	if w, ok := h.windows[tf]; ok {
		return w.Slice()
	}
	return nil
}

// Snapshot returns the last metric snapshot computed for tf.
func (h *Heartbeat) Snapshot(tf model.TimeFrame) (indicator.Snapshot, bool) {
	s, ok := h.snapshots[tf]
	return s, ok
}

// Config holds scheduler settings.
type Config struct {
	// Poll is the wall-clock polling period. Defaults to 250ms.
	Poll time.Duration

	// Research also writes research candles at every timeframe.
	Research bool
}

// Scheduler ticks a set of heartbeats.
type Scheduler struct {
	cfg    Config
	store  model.Store
	ladder tfbuilder.Ladder
	pub    Publisher
	health *metrics.HealthStatus
	clk    clock.Clock
	log    *slog.Logger
	m      *metrics.Metrics
}

// New creates a Scheduler. pub, health, clk and m may be nil.
func New(cfg Config, store model.Store, ladder tfbuilder.Ladder, pub Publisher, health *metrics.HealthStatus, clk clock.Clock, log *slog.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.Poll <= 0 {
		cfg.Poll = 250 * time.Millisecond
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{cfg: cfg, store: store, ladder: ladder, pub: pub, health: health, clk: clk, log: log, m: m}
}

// Load builds the heartbeat of market from its candle checkpoints and
// fills each timeframe window from the store. A market without native
// candles starts at the current bucket.
func (s *Scheduler) Load(ctx context.Context, market model.MarketDetail) (*Heartbeat, error) {
	native := s.ladder.Native()
	if market.CandleTimeframe != native {
		return nil, fmt.Errorf("heartbeat: %s native timeframe %s does not match ladder %s", market.Name, market.CandleTimeframe, native)
	}
	hb := &Heartbeat{
		Market:    market,
		details:   make(map[model.TimeFrame]model.MarketCandleDetail, len(s.ladder)),
		windows:   make(map[model.TimeFrame]*ringbuf.Ring[model.Candle], len(s.ladder)),
		snapshots: make(map[model.TimeFrame]indicator.Snapshot, len(s.ladder)),
	}
	for _, tf := range s.ladder {
		w := ringbuf.New[model.Candle](indicator.WindowLen(tf))
		hb.windows[tf] = w

		d, err := s.store.SelectCandleDetail(ctx, market.ID, tf)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("heartbeat load %s detail: %w", tf, err)
		}
		hb.details[tf] = d

		from := d.LastCandle.Add(-time.Duration(w.Cap()-1) * tf.Duration())
		candles, err := s.store.SelectCandles(ctx, market.ID, tf, from, tf.Next(d.LastCandle))
		if err != nil {
			return nil, fmt.Errorf("heartbeat load %s window: %w", tf, err)
		}
		for _, c := range candles {
			w.Push(c)
		}
	}

	if d, ok := hb.details[native]; ok {
		hb.LastBucket, hb.LastTrade = d.LastCandle, d.LastTrade
	} else {
		hb.LastBucket = native.Truncate(s.clk.Now()).Add(-native.Duration())
	}
	return hb, nil
}

// Run ticks every heartbeat each poll until ctx ends. A tick error stops
// the loop. A bucket in progress when ctx ends is completed first.
func (s *Scheduler) Run(ctx context.Context, hbs []*Heartbeat) error {
	t := s.clk.Ticker(s.cfg.Poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		now := s.clk.Now()
		for _, hb := range hbs {
			if _, err := s.Tick(ctx, hb, now); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Tick advances hb to now. When native buckets have closed since the last
// tick it builds them and cascades (the new-interval transition). When
// nothing closed but metrics are missing it cascades and computes metrics
// without moving the cursor (the catch-up transition). It reports whether
// any work was done.
func (s *Scheduler) Tick(ctx context.Context, hb *Heartbeat, now time.Time) (bool, error) {
	native := s.ladder.Native()
	current := native.Truncate(now)

	// Committed state must not be left half-written on shutdown.
	work := context.WithoutCancel(ctx)

	if current.After(hb.LastBucket.Add(native.Duration())) {
		for _, b := range daterange.DateRange(hb.LastBucket.Add(native.Duration()), current, native) {
			if err := s.native(work, hb, b); err != nil {
				return true, err
			}
			if ctx.Err() != nil {
				return true, nil
			}
		}
	} else if hb.MetricsPresent {
		return false, nil
	}

	if err := s.cascade(work, hb); err != nil {
		return true, err
	}
	s.computeMetrics(work, hb)
	return true, nil
}

// native commits one native bucket from the streamed trades.
func (s *Scheduler) native(ctx context.Context, hb *Heartbeat, b time.Time) error {
	tf := s.ladder.Native()
	end := tf.Next(b)
	ctx = logger.WithTraceID(ctx, logger.BucketTraceID(hb.Market.Name, tf, b))

	trades, err := s.store.SelectTrades(ctx, hb.Market.ID, model.StageWS, b, end)
	if err != nil {
		return fmt.Errorf("heartbeat select trades: %w", err)
	}
	rc, ok := agg.Build(b, trades, hb.LastTrade)
	if !ok {
		// No trade has ever been seen; nothing to carry forward.
		hb.LastBucket = b
		return nil
	}

	d := s.detail(hb, tf, b)
	commit := model.BucketCommit{MarketID: hb.Market.ID, TimeFrame: tf, Candle: rc.Production()}
	if rc.TradeCount > 0 {
		commit.MoveFrom, commit.MoveTo = model.StageWS, model.StageProcessed
		d.LastTrade = rc.LastTrade()
	}
	if s.cfg.Research {
		commit.Research = &rc
	}
	commit.Detail = d
	if err := s.commit(ctx, hb, tf, commit); err != nil {
		return err
	}
	hb.LastBucket, hb.LastTrade = b, d.LastTrade
	hb.MetricsPresent = false
	s.m.Trades(string(hb.Market.Exchange), string(model.StageProcessed), len(trades))
	s.health.SetLastBucket(b)
	return nil
}

func (s *Scheduler) detail(hb *Heartbeat, tf model.TimeFrame, b time.Time) model.MarketCandleDetail {
	d, ok := hb.details[tf]
	if !ok {
		d = model.MarketCandleDetail{MarketID: hb.Market.ID, TimeFrame: tf, FirstCandle: b}
	}
	d.LastCandle = b
	return d
}

func (s *Scheduler) commit(ctx context.Context, hb *Heartbeat, tf model.TimeFrame, c model.BucketCommit) error {
	began := s.clk.Now()
	if err := s.store.CommitBucket(ctx, c); err != nil {
		return fmt.Errorf("heartbeat commit %s %s: %w", tf, c.Candle.Datetime.Format(time.RFC3339), err)
	}
	s.m.Candle(tf.String(), c.Candle.IsCarryForward(), s.clk.Since(began), s.clk.Since(tf.Next(c.Candle.Datetime)))
	hb.details[tf] = c.Detail
	hb.windows[tf].Push(c.Candle)

	log := logger.ForMarket(s.log, hb.Market)
	log.DebugContext(ctx, "candle committed", append(logger.LogWithTrace(ctx),
		slog.String("tf", tf.String()),
		slog.Time("datetime", c.Candle.Datetime),
		slog.Int64("trades", c.Candle.TradeCount))...)

	if s.pub != nil {
		if err := s.pub.PublishCandle(ctx, hb.Market, tf, c.Candle); err != nil {
			log.Warn("candle publish failed", slog.String("tf", tf.String()), slog.String("err", err.Error()))
		}
	}
	return nil
}

// cascade merges every closed coarser bucket from the next-finer
// timeframe's committed candles, bottom up.
func (s *Scheduler) cascade(ctx context.Context, hb *Heartbeat) error {
	for _, tf := range s.ladder.Coarser() {
		finer, _ := s.ladder.Finer(tf)
		fd, ok := hb.details[finer]
		if !ok {
			return nil
		}
		start := tf.Truncate(fd.FirstCandle)
		if d, ok := hb.details[tf]; ok {
			start = d.LastCandle.Add(tf.Duration())
		}
		// A coarse bucket is closed once its last finer child is committed.
		end := tf.Truncate(finer.Next(fd.LastCandle))
		for _, b := range daterange.DateRange(start, end, tf) {
			if err := s.coarse(ctx, hb, tf, finer, b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) coarse(ctx context.Context, hb *Heartbeat, tf, finer model.TimeFrame, b time.Time) error {
	end := tf.Next(b)
	children, err := s.store.SelectCandles(ctx, hb.Market.ID, finer, b, end)
	if err != nil {
		return fmt.Errorf("heartbeat select %s candles: %w", finer, err)
	}
	if len(children) == 0 {
		return nil
	}
	c := tfbuilder.Merge(b, children)
	c.IsValidated = false

	d := s.detail(hb, tf, b)
	if !c.IsCarryForward() {
		d.LastTrade = c.LastTrade()
	}
	commit := model.BucketCommit{MarketID: hb.Market.ID, TimeFrame: tf, Candle: c, Detail: d}
	if s.cfg.Research {
		rs, err := s.store.SelectResearchCandles(ctx, hb.Market.ID, finer, b, end)
		if err != nil {
			return fmt.Errorf("heartbeat select %s research candles: %w", finer, err)
		}
		if len(rs) == len(children) {
			rc := tfbuilder.MergeResearch(b, rs)
			commit.Research = &rc
		}
	}
	return s.commit(logger.WithTraceID(ctx, logger.BucketTraceID(hb.Market.Name, tf, b)), hb, tf, commit)
}

// computeMetrics refreshes the snapshot of every timeframe and publishes
// the merged fields.
func (s *Scheduler) computeMetrics(ctx context.Context, hb *Heartbeat) {
	fields := make(map[string]string)
	for _, tf := range s.ladder {
		snap, ok := indicator.Compute(tf, hb.windows[tf].Slice())
		if !ok {
			continue
		}
		hb.snapshots[tf] = snap
		for k, v := range snap.Fields() {
			fields[k] = v
		}
	}
	hb.MetricsPresent = true
	if s.pub == nil || len(fields) == 0 {
		return
	}
	if err := s.pub.PublishHeartbeat(ctx, hb.Market.ID, fields); err != nil {
		logger.ForMarket(s.log, hb.Market).Warn("heartbeat publish failed", slog.String("err", err.Error()))
	}
}
