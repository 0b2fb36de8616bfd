// Package mita runs the live collector: every assigned market is
// backfilled, synchronised with the trade stream and then kept current by
// the heartbeat, while the stream persists live trades alongside.
//
// The stream and the heartbeat run under one errgroup, so either failing
// stops both. A failed run marks its markets Restart and is retried after
// the configured delays.
package mita

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"eldorado/internal/exchange"
	"eldorado/internal/marketdata/backfill"
	"eldorado/internal/marketdata/heartbeat"
	"eldorado/internal/marketdata/stream"
	"eldorado/internal/marketdata/tfbuilder"
	"eldorado/internal/metrics"
	"eldorado/internal/model"
	"eldorado/internal/notification"
)

// ErrNoMarkets is returned when nothing is assigned to the collector.
var ErrNoMarkets = errors.New("mita: no collectable markets")

// stableAfter is how long a run must last before its failure restarts the
// delay schedule from the first delay.
const stableAfter = 10 * time.Minute

// Config holds collector settings.
type Config struct {
	// Name selects the markets assigned to this collector.
	Name string

	// Markets optionally narrows the assigned markets by name.
	Markets []string

	Ladder    tfbuilder.Ladder
	Backfill  backfill.Config
	Heartbeat heartbeat.Config

	// Stream is the websocket configuration; Markets is filled per run.
	Stream stream.Config

	// RestartDelays are the waits before each restart; the last repeats.
	// Defaults to 5s, 30s, 60s.
	RestartDelays []time.Duration

	// MaxRestarts bounds consecutive restarts. 0 restarts forever.
	MaxRestarts int
}

// Deps are the collaborators of a Collector. Publisher, Notifier, Health,
// Clock, Log and Metrics may be nil.
type Deps struct {
	Store     model.Store
	Exchange  model.Exchange
	Codec     stream.Codec
	Publisher heartbeat.Publisher
	Notifier  notification.Notifier
	Health    *metrics.HealthStatus
	Clock     clock.Clock
	Log       *slog.Logger
	Metrics   *metrics.Metrics
}

// Collector is one mita process.
type Collector struct {
	cfg Config
	Deps
}

// New creates a Collector.
func New(cfg Config, deps Deps) *Collector {
	if len(cfg.RestartDelays) == 0 {
		cfg.RestartDelays = []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second}
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = tfbuilder.DefaultLadder
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLogNotifier(deps.Log)
	}
	deps.Log = deps.Log.With(slog.String("mita", cfg.Name))
	return &Collector{cfg: cfg, Deps: deps}
}

// restartBackOff walks the delay list and repeats its last entry.
type restartBackOff struct {
	delays []time.Duration
	max    int
	n      int
}

func (b *restartBackOff) Reset() { b.n = 0 }

func (b *restartBackOff) NextBackOff() time.Duration {
	if b.max > 0 && b.n >= b.max {
		return backoff.Stop
	}
	i := b.n
	if i >= len(b.delays) {
		i = len(b.delays) - 1
	}
	b.n++
	return b.delays[i]
}

// Run collects until ctx ends (nil) or restarts are exhausted (the last
// run error).
func (c *Collector) Run(ctx context.Context) error {
	b := &restartBackOff{delays: c.cfg.RestartDelays, max: c.cfg.MaxRestarts}

	op := func() error {
		began := c.Clock.Now()
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("mita: run stopped without error")
		}
		if errors.Is(err, ErrNoMarkets) {
			return backoff.Permanent(err)
		}
		if c.Clock.Since(began) >= stableAfter {
			b.Reset()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.Log.Error("collector run failed, restarting", slog.String("err", err.Error()), slog.Duration("wait", wait))
		c.alert(ctx, notification.AlertWarning, "collector restarting",
			fmt.Sprintf("%s: %v (restart in %s)", c.cfg.Name, err, wait))
	}

	err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(b, ctx), notify, exchange.NewClockTimer(c.Clock))
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		c.Log.Error("collector stopped", slog.String("err", err.Error()))
		c.alert(ctx, notification.AlertCritical, "collector stopped", fmt.Sprintf("%s: %v", c.cfg.Name, err))
	}
	return err
}

func (c *Collector) alert(ctx context.Context, level notification.AlertLevel, title, msg string) {
	err := c.Notifier.Send(context.WithoutCancel(ctx), notification.Alert{
		Level: level, Title: title, Message: msg, Exchange: string(c.Exchange.Name()),
	})
	if err != nil {
		c.Log.Warn("alert failed", slog.String("err", err.Error()))
	}
}

// Markets returns the collectable markets of this collector.
func (c *Collector) Markets(ctx context.Context) ([]model.MarketDetail, error) {
	all, err := c.Store.SelectMarketsByMita(ctx, c.cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("mita select markets: %w", err)
	}
	want := make(map[string]bool, len(c.cfg.Markets))
	for _, n := range c.cfg.Markets {
		want[n] = true
	}
	native := c.cfg.Ladder.Native()
	var out []model.MarketDetail
	for _, m := range all {
		if len(want) > 0 && !want[m.Name] {
			continue
		}
		switch m.Status {
		case model.StatusHistorical, model.StatusTerminated:
			continue
		}
		if m.Exchange != c.Exchange.Name() {
			return nil, fmt.Errorf("mita: market %s is on %s, collector speaks %s", m.Name, m.Exchange, c.Exchange.Name())
		}
		if m.CandleTimeframe != native {
			return nil, fmt.Errorf("mita: market %s timeframe %s does not match ladder %s", m.Name, m.CandleTimeframe, native)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoMarkets, c.cfg.Name)
	}
	return out, nil
}

func (c *Collector) runOnce(ctx context.Context) error {
	markets, err := c.Markets(ctx)
	if err != nil {
		return err
	}
	bf := backfill.New(c.cfg.Backfill, c.Store, c.Exchange, c.Clock, c.Log, c.Metrics)
	// Leftovers of an earlier stream must not pass for the new stream's
	// first trade.
	for _, m := range markets {
		if err := bf.ResetStream(ctx, m); err != nil {
			return err
		}
	}

	scfg := c.cfg.Stream
	scfg.Markets = make(map[string]uuid.UUID, len(markets))
	for _, m := range markets {
		scfg.Markets[m.Name] = m.ID
	}
	sc, err := stream.New(scfg, c.Codec, c.Store, c.Log)
	if err != nil {
		return err
	}
	exName := string(c.Exchange.Name())
	sc.OnTrades = func(_ string, n int) {
		c.Metrics.Trades(exName, string(model.StageWS), n)
		c.Health.SetLastTradeTime(c.Clock.Now())
	}
	sched := heartbeat.New(c.cfg.Heartbeat, c.Store, c.cfg.Ladder, c.Publisher, c.Health, c.Clock, c.Log, c.Metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.Health.SetWSConnected(true)
		defer c.Health.SetWSConnected(false)
		return sc.Run(gctx)
	})
	g.Go(func() error {
		hbs := make([]*heartbeat.Heartbeat, 0, len(markets))
		for i := range markets {
			m := &markets[i]
			first, err := bf.AwaitFirstLive(gctx, *m)
			if err != nil {
				return c.quiet(gctx, err)
			}
			if err := bf.Sync(gctx, m, first); err != nil {
				return c.quiet(gctx, err)
			}
			c.Health.SetMarketStatus(m.Name, string(m.Status))
			hb, err := sched.Load(gctx, *m)
			if err != nil {
				return err
			}
			hbs = append(hbs, hb)
		}
		c.Log.Info("heartbeat started", slog.Int("markets", len(hbs)))
		return sched.Run(gctx, hbs)
	})
	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		c.markRestart(ctx, markets)
	}
	return err
}

// quiet drops errors caused by the group being cancelled.
func (c *Collector) quiet(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Collector) markRestart(ctx context.Context, markets []model.MarketDetail) {
	ctx = context.WithoutCancel(ctx)
	for _, m := range markets {
		cur, err := c.Store.SelectMarket(ctx, m.ID)
		if err != nil {
			c.Log.Warn("restart status lookup failed", slog.String("market", m.Name), slog.String("err", err.Error()))
			continue
		}
		if !cur.Status.CanTransition(model.StatusRestart) || cur.Status == model.StatusRestart {
			continue
		}
		if err := c.Store.UpdateMarketStatus(ctx, m.ID, model.StatusRestart); err != nil {
			c.Log.Warn("restart status update failed", slog.String("market", m.Name), slog.String("err", err.Error()))
			continue
		}
		c.Metrics.Transition(string(model.StatusRestart))
		c.Health.SetMarketStatus(m.Name, string(model.StatusRestart))
	}
}
