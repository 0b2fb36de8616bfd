// Package inquisidor runs the fleet coordinator of one exchange. Each pass
// drains the due events, then walks every market through validation,
// revalidation, daily candles and the monthly candle and trade archives. Historical markets
// are also advanced one closed trade day at a time.
package inquisidor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"eldorado/internal/archive"
	"eldorado/internal/logger"
	"eldorado/internal/marketdata/backfill"
	"eldorado/internal/marketdata/validate"
	"eldorado/internal/metrics"
	"eldorado/internal/model"
	"eldorado/internal/notification"
)

// ErrUnknownEvent is recorded on events of an unsupported type.
var ErrUnknownEvent = errors.New("inquisidor: unknown event type")

// errDeferred keeps a trade day in its validate stage until the exchange
// answers again.
var errDeferred = errors.New("inquisidor: validation deferred")

// Config holds coordinator settings.
type Config struct {
	// Exchange selects the markets coordinated.
	Exchange model.ExchangeName

	// Interval is the wait between passes. Defaults to 1m.
	Interval time.Duration

	// RetryAfter reschedules a failed event. Defaults to 5m.
	RetryAfter time.Duration

	Validate validate.Config
	Backfill backfill.Config
}

// Deps are the collaborators of a Coordinator. Archiver, Notifier, Clock,
// Log and Metrics may be nil; without an Archiver nothing is archived.
type Deps struct {
	Store    model.Store
	Exchange model.Exchange
	Archiver *archive.Archiver
	Notifier notification.Notifier
	Clock    clock.Clock
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

// Coordinator is one inquisidor process.
type Coordinator struct {
	cfg Config
	Deps

	engine *validate.Engine
	bf     *backfill.Backfiller
}

// New creates a Coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Minute
	}
	if cfg.Exchange == "" {
		cfg.Exchange = deps.Exchange.Name()
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
	deps.Log = deps.Log.With(slog.String("exchange", string(cfg.Exchange)))
	return &Coordinator{
		cfg:    cfg,
		Deps:   deps,
		engine: validate.New(cfg.Validate, deps.Store, deps.Exchange, deps.Notifier, deps.Clock, deps.Log, deps.Metrics),
		bf:     backfill.New(cfg.Backfill, deps.Store, deps.Exchange, deps.Clock, deps.Log, deps.Metrics),
	}
}

// Run repeats RunOnce every interval until ctx ends. Pass errors are
// logged and alerted, never returned.
func (c *Coordinator) Run(ctx context.Context) error {
	t := c.Clock.Ticker(c.cfg.Interval)
	defer t.Stop()
	for {
		if err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.Log.Error("coordinator pass failed", slog.String("err", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunOnce drains the due events and then makes one pass over the markets.
// A failing market does not stop the others; every failure is joined into
// the returned error.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	var errs []error
	if _, err := c.ProcessEvents(ctx); err != nil {
		errs = append(errs, err)
	}

	markets, err := c.Store.SelectMarkets(ctx, c.cfg.Exchange)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("inquisidor select markets: %w", err))...)
	}
	for i := range markets {
		m := &markets[i]
		switch m.Status {
		case model.StatusNew, model.StatusTerminated:
			continue
		}
		if err := c.Market(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			logger.ForMarket(c.Log, *m).Error("market pass failed", slog.String("err", err.Error()))
			c.alert(ctx, notification.ForMarket(*m, notification.AlertWarning, "market pass failed", err.Error()))
		}
	}
	return errors.Join(errs...)
}

// Market runs every coordinator stage for one market.
func (c *Coordinator) Market(ctx context.Context, m *model.MarketDetail) error {
	log := logger.ForMarket(c.Log, *m)
	if m.Status == model.StatusHistorical {
		days, err := c.bf.RunDay(ctx, m, backfill.DaySteps{Validate: c.validateDay, Archive: c.archiveDay})
		if days > 0 {
			log.Info("historical days completed", slog.Int("days", days))
		}
		if err != nil {
			return err
		}
	} else {
		if _, err := c.validateNative(ctx, *m); err != nil {
			return err
		}
	}

	if _, err := c.engine.CreateDaily(ctx, *m); err != nil {
		return fmt.Errorf("inquisidor create daily: %w", err)
	}
	if _, err := c.engine.ValidateDaily(ctx, *m); err != nil {
		return fmt.Errorf("inquisidor validate daily: %w", err)
	}
	if m.Status != model.StatusHistorical {
		if _, err := c.archiveMarket(ctx, *m); err != nil {
			return err
		}
		if _, err := c.archiveTrades(ctx, *m); err != nil {
			return err
		}
	}
	return nil
}

// validateNative checks new native candles and retries the auto records.
func (c *Coordinator) validateNative(ctx context.Context, m model.MarketDetail) (validate.Summary, error) {
	sum, err := c.engine.ValidateBase(ctx, m)
	if err != nil {
		return sum, fmt.Errorf("inquisidor validate: %w", err)
	}
	re, err := c.engine.ProcessValidations(ctx, m)
	if err != nil {
		return sum, fmt.Errorf("inquisidor revalidate: %w", err)
	}
	sum.Deferred += re.Deferred
	return sum, nil
}

func (c *Coordinator) validateDay(ctx context.Context, m model.MarketDetail, _ time.Time) error {
	sum, err := c.validateNative(ctx, m)
	if err != nil {
		return err
	}
	if sum.Deferred > 0 {
		return fmt.Errorf("%w: %d candles", errDeferred, sum.Deferred)
	}
	return nil
}

func (c *Coordinator) archiveDay(ctx context.Context, m model.MarketDetail, _ time.Time) error {
	if _, err := c.archiveMarket(ctx, m); err != nil {
		return err
	}
	_, err := c.archiveTrades(ctx, m)
	return err
}

func (c *Coordinator) archiveMarket(ctx context.Context, m model.MarketDetail) (int, error) {
	if c.Archiver == nil {
		return 0, nil
	}
	return c.Archiver.ArchiveMarket(ctx, m)
}

// archiveTrades runs after archiveMarket; only months with an archived
// candle file give up their validated trades.
func (c *Coordinator) archiveTrades(ctx context.Context, m model.MarketDetail) (int, error) {
	if c.Archiver == nil {
		return 0, nil
	}
	return c.Archiver.ArchiveTrades(ctx, m)
}

// ProcessEvents runs every due event and returns how many completed. A
// failed event is reopened, noted with its error and rescheduled.
func (c *Coordinator) ProcessEvents(ctx context.Context) (int, error) {
	now := c.Clock.Now()
	events, err := c.Store.SelectDueEvents(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("inquisidor select events: %w", err)
	}

	done := 0
	for _, e := range events {
		if e.Exchange != c.cfg.Exchange {
			continue
		}
		log := c.Log.With(
			slog.String("event_id", e.ID.String()),
			slog.String("event_type", string(e.Type)),
			slog.String("market_id", e.MarketID.String()))

		notes, runErr := c.dispatch(ctx, e)
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		at := c.Clock.Now()
		if runErr != nil {
			e.Status = model.EventOpen
			e.NotifyAt = at.Add(c.cfg.RetryAfter)
			e.Notes = runErr.Error()
			log.Warn("event failed", slog.String("err", runErr.Error()), slog.Time("retry_at", e.NotifyAt))
		} else {
			e.Status = model.EventDone
			e.ProcessedAt = &at
			e.Notes = notes
			done++
			log.Info("event done", slog.String("notes", notes))
		}
		if err := c.Store.UpdateEvent(ctx, e); err != nil {
			return done, fmt.Errorf("inquisidor update event %s: %w", e.ID, err)
		}
	}
	return done, nil
}

func (c *Coordinator) dispatch(ctx context.Context, e model.Event) (string, error) {
	m, err := c.Store.SelectMarket(ctx, e.MarketID)
	if err != nil {
		return "", fmt.Errorf("market %s: %w", e.MarketID, err)
	}
	switch e.Type {
	case model.EventValidateCandle:
		sum, err := c.validateNative(ctx, m)
		return summaryNote(sum), err
	case model.EventCreateDailyCandles:
		n, err := c.engine.CreateDaily(ctx, m)
		return fmt.Sprintf("%d daily candles created", n), err
	case model.EventValidateDailyCandles:
		sum, err := c.engine.ValidateDaily(ctx, m)
		return summaryNote(sum), err
	case model.EventArchiveDailyCandles:
		n, err := c.archiveMarket(ctx, m)
		return fmt.Sprintf("%d months archived", n), err
	case model.EventArchiveTrades:
		n, err := c.archiveTrades(ctx, m)
		return fmt.Sprintf("%d trade months archived", n), err
	case model.EventBackfillTrades, model.EventProcessTrades:
		n, err := c.bf.RunDay(ctx, &m, backfill.DaySteps{Validate: c.validateDay, Archive: c.archiveDay})
		return fmt.Sprintf("%d trade days completed", n), err
	}
	return "", fmt.Errorf("%w %q", ErrUnknownEvent, e.Type)
}

func summaryNote(s validate.Summary) string {
	return fmt.Sprintf("checked %d, valid %d, invalid %d, deferred %d", s.Checked, s.Valid, s.Invalid, s.Deferred)
}

// Resolve closes a validation record awaiting manual review.
func (c *Coordinator) Resolve(ctx context.Context, id uuid.UUID, accept bool) error {
	return c.engine.Resolve(ctx, id, accept)
}

func (c *Coordinator) alert(ctx context.Context, a notification.Alert) {
	if err := c.Notifier.Send(context.WithoutCancel(ctx), a); err != nil {
		c.Log.Warn("alert failed", slog.String("err", err.Error()))
	}
}
