package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"eldorado/internal/exchange"
	"eldorado/internal/logger"
	"eldorado/internal/marketdata/agg"
	"eldorado/internal/marketdata/tfbuilder"
	"eldorado/internal/metrics"
	"eldorado/internal/model"
	"eldorado/internal/notification"
)

// Notes written on validation records.
const (
	NoteRevalidated     = "Re-validation successful."
	NoteAutoFailed      = "Failed to auto-validate."
	NoteAcceptedManual  = "Accepted on manual review."
	NoteRejectedManual  = "Rejected on manual review."
	noteChildrenPending = "native candles of the day are not all validated"
)

// ErrNotManual is returned when resolving a record that is not awaiting
// manual review.
var ErrNotManual = errors.New("validate: record is not open for manual review")

// Summary counts what one pass did.
type Summary struct {
	Checked  int
	Valid    int
	Invalid  int
	Deferred int // left untouched after a retryable exchange failure
}

// Config holds engine settings.
type Config struct {
	// Batch bounds the candles checked per pass. Defaults to 1000.
	Batch int
}

// Engine validates the candles of markets on one exchange.
type Engine struct {
	cfg    Config
	store  model.Store
	ex     model.Exchange
	lookup model.TradeLookup
	notify notification.Notifier
	clk    clock.Clock
	log    *slog.Logger
	m      *metrics.Metrics
}

// New creates an Engine. The exchange also serves boundary trade lookups when it
// implements model.TradeLookup. notify, clk and m may be nil.
func New(cfg Config, store model.Store, ex model.Exchange, notify notification.Notifier, clk clock.Clock, log *slog.Logger, m *metrics.Metrics) *Engine {
	if cfg.Batch <= 0 {
		cfg.Batch = 1000
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	if notify == nil {
		notify = notification.NewLogNotifier(log)
	}
	e := &Engine{cfg: cfg, store: store, ex: ex, notify: notify, clk: clk, log: log, m: m}
	e.lookup, _ = ex.(model.TradeLookup)
	return e
}

// reference gathers the exchange evidence for c. Exchange errors are
// returned unchanged so callers can tell retryable ones apart.
func (e *Engine) reference(ctx context.Context, market model.MarketDetail, tf model.TimeFrame, c model.Candle, ex map[time.Time]model.ExchangeCandle, neighbors bool) (Reference, error) {
	ref := Reference{End: tf.Next(c.Datetime), Merged: tf != market.CandleTimeframe}
	if ec, ok := ex[c.Datetime]; ok {
		ref.Candle = &ec
	}
	if !neighbors || e.lookup == nil || market.Exchange.Family() != model.FamilyGDAX || c.IsCarryForward() {
		return ref, nil
	}
	ref.LookedUp = true
	if c.FirstTradeID != 1 {
		t, ok, err := e.lookup.TradeByID(ctx, market.Name, c.FirstTradeID-1)
		if err != nil {
			return ref, err
		}
		ref.Prev = Neighbor{Trade: t, Found: ok}
	}
	t, ok, err := e.lookup.TradeByID(ctx, market.Name, c.LastTradeID+1)
	if err != nil {
		return ref, err
	}
	ref.Next = Neighbor{Trade: t, Found: ok}
	return ref, nil
}

func (e *Engine) exchangeCandles(ctx context.Context, market model.MarketDetail, tf model.TimeFrame, start, end time.Time) (map[time.Time]model.ExchangeCandle, error) {
	list, err := e.ex.GetCandles(ctx, market.Name, tf, start, end)
	if err != nil {
		return nil, err
	}
	out := make(map[time.Time]model.ExchangeCandle, len(list))
	for _, c := range list {
		out[c.Time.UTC()] = c
	}
	return out, nil
}

// accept marks c validated and, for native candles, moves its trades to the
// validated stage.
func (e *Engine) accept(ctx context.Context, market model.MarketDetail, tf model.TimeFrame, dt time.Time) error {
	if tf == market.CandleTimeframe {
		if err := e.store.MoveTrades(ctx, market.ID, model.StageProcessed, model.StageValidated, dt, tf.Next(dt)); err != nil {
			return err
		}
	}
	return e.store.MarkCandlesValidated(ctx, market.ID, tf, []time.Time{dt})
}

// ValidateBase checks the unvalidated native candles of market. Valid
// candles are marked and their trades promoted; invalid ones get a New/Auto
// validation record. A retryable exchange failure ends the pass early and
// leaves the remaining candles untouched for the next pass.
func (e *Engine) ValidateBase(ctx context.Context, market model.MarketDetail) (Summary, error) {
	tf := market.CandleTimeframe
	return e.validatePass(ctx, market, tf, true, nil)
}

// ValidateDaily checks unvalidated 1d candles. A day is only checked once
// every native candle of the day is validated.
func (e *Engine) ValidateDaily(ctx context.Context, market model.MarketDetail) (Summary, error) {
	return e.validatePass(ctx, market, model.D01, false, func(ctx context.Context, c model.Candle) (bool, error) {
		return e.childrenValidated(ctx, market, c.Datetime)
	})
}

func (e *Engine) childrenValidated(ctx context.Context, market model.MarketDetail, day time.Time) (bool, error) {
	native := market.CandleTimeframe
	children, err := e.store.SelectCandles(ctx, market.ID, native, day, model.D01.Next(day))
	if err != nil {
		return false, err
	}
	if len(children) != int(model.D01/native) {
		return false, nil
	}
	for _, c := range children {
		if !c.IsValidated {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) validatePass(ctx context.Context, market model.MarketDetail, tf model.TimeFrame, neighbors bool, ready func(context.Context, model.Candle) (bool, error)) (Summary, error) {
	var sum Summary
	log := logger.ForMarket(e.log, market).With(slog.String("tf", tf.String()))

	candles, err := e.store.SelectUnvalidatedCandles(ctx, market.ID, tf, e.cfg.Batch)
	if err != nil || len(candles) == 0 {
		return sum, err
	}
	ex, err := e.exchangeCandles(ctx, market, tf, candles[0].Datetime, tf.Next(candles[len(candles)-1].Datetime))
	if err != nil {
		return e.deferred(log, sum, len(candles), err)
	}

	for i, c := range candles {
		if ready != nil {
			ok, err := ready(ctx, c)
			if err != nil {
				return sum, err
			}
			if !ok {
				log.Debug("candle not ready for validation", slog.Time("datetime", c.Datetime), slog.String("reason", noteChildrenPending))
				continue
			}
		}
		ref, err := e.reference(ctx, market, tf, c, ex, neighbors)
		if err != nil {
			return e.deferred(log, sum, len(candles)-i, err)
		}
		sum.Checked++
		out := Validate(market.Exchange.Family(), c, ref)
		if err := e.record(ctx, market, tf, c, out); err != nil {
			return sum, err
		}
		if out.Valid {
			sum.Valid++
		} else {
			sum.Invalid++
		}
	}
	log.Info("validation pass done",
		slog.Int("checked", sum.Checked), slog.Int("valid", sum.Valid), slog.Int("invalid", sum.Invalid))
	return sum, nil
}

func (e *Engine) deferred(log *slog.Logger, sum Summary, remaining int, err error) (Summary, error) {
	if !exchange.IsRetryable(err) {
		return sum, fmt.Errorf("validate: %w", err)
	}
	sum.Deferred += remaining
	log.Warn("validation deferred", slog.Int("candles", remaining), slog.String("err", err.Error()))
	return sum, nil
}

func (e *Engine) record(ctx context.Context, market model.MarketDetail, tf model.TimeFrame, c model.Candle, out Outcome) error {
	if out.Valid {
		e.m.Validation(string(market.Exchange), "valid")
		return e.accept(ctx, market, tf, c.Datetime)
	}
	e.m.Validation(string(market.Exchange), "invalid")
	e.m.ValidationRecord("created")
	logger.ForMarket(e.log, market).Warn("candle failed validation",
		slog.String("tf", tf.String()), slog.Time("datetime", c.Datetime), slog.String("reason", out.Reason))
	return e.store.InsertValidation(ctx, model.NewCandleValidation(market, tf, c, out.Reason, e.clk.Now()))
}

// CreateDaily builds 1d candles for every day after the daily checkpoint
// that is fully covered by validated native candles, and returns how many
// were written.
func (e *Engine) CreateDaily(ctx context.Context, market model.MarketDetail) (int, error) {
	native := market.CandleTimeframe
	nd, err := e.store.SelectCandleDetail(ctx, market.ID, native)
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	dd, err := e.store.SelectCandleDetail(ctx, market.ID, model.D01)
	start := model.D01.Truncate(nd.FirstCandle)
	switch {
	case err == nil:
		start = dd.LastCandle.Add(24 * time.Hour)
	case errors.Is(err, model.ErrNotFound):
		dd = model.MarketCandleDetail{MarketID: market.ID, TimeFrame: model.D01}
	default:
		return 0, err
	}
	end := model.D01.Truncate(native.Next(nd.LastCandle))
	if !start.Before(end) {
		return 0, nil
	}

	children, err := e.store.SelectCandles(ctx, market.ID, native, start, end)
	if err != nil {
		return 0, err
	}
	var validated []model.Candle
	for _, c := range children {
		if c.IsValidated {
			validated = append(validated, c)
		}
	}

	// Days are written in order and stop at the first gap so the checkpoint
	// never skips a day. Only a partial first day of the market is passed.
	want := start
	if dd.LastCandle.IsZero() && !nd.FirstCandle.Equal(start) {
		want = start.Add(24 * time.Hour)
	}
	n := 0
	for _, day := range tfbuilder.DailyFull(validated, native) {
		if !day.Datetime.Equal(want) {
			break
		}
		want = want.Add(24 * time.Hour)
		day.IsValidated = false
		dd.LastCandle = day.Datetime
		if dd.FirstCandle.IsZero() {
			dd.FirstCandle = day.Datetime
		}
		if !day.IsCarryForward() {
			dd.LastTrade = day.LastTrade()
		}
		if err := e.store.CommitBucket(ctx, model.BucketCommit{
			MarketID:  market.ID,
			TimeFrame: model.D01,
			Candle:    day,
			Detail:    dd,
		}); err != nil {
			return n, err
		}
		e.m.Candle(model.D01.String(), day.IsCarryForward(), 0, 0)
		n++
	}
	if n > 0 {
		logger.ForMarket(e.log, market).Info("daily candles created", slog.Int("days", n), slog.Time("last", dd.LastCandle))
	}
	return n, nil
}

// ProcessValidations retries the New/Auto records of market. Each bucket's
// trades are downloaded again and the candle rebuilt; a rebuilt candle
// that passes replaces the stored one and closes the record, otherwise the
// record is handed to manual review.
func (e *Engine) ProcessValidations(ctx context.Context, market model.MarketDetail) (Summary, error) {
	var sum Summary
	records, err := e.store.SelectValidations(ctx, model.ValidationNew)
	if err != nil {
		return sum, err
	}
	log := logger.ForMarket(e.log, market)
	for _, v := range records {
		if v.MarketID != market.ID || v.Type != model.ValidationAuto {
			continue
		}
		rb, out, err := e.revalidate(ctx, market, v)
		if err != nil {
			if exchange.IsRetryable(err) {
				sum.Deferred++
				log.Warn("re-validation deferred", slog.Time("datetime", v.Datetime), slog.String("err", err.Error()))
				continue
			}
			return sum, err
		}
		sum.Checked++
		now := e.clk.Now().UTC()
		v.ProcessedAt = &now

		if !out.Valid {
			sum.Invalid++
			v.Type, v.Status, v.Notes = model.ValidationManual, model.ValidationOpen, NoteAutoFailed
			if err := e.store.UpdateValidation(ctx, v); err != nil {
				return sum, err
			}
			e.m.ValidationRecord("manual")
			msg := fmt.Sprintf("%s candle %s needs manual review: %s", v.Duration, v.Datetime.Format(time.RFC3339), out.Reason)
			if err := e.notify.Send(ctx, notification.ForMarket(market, notification.AlertWarning, "Candle validation failed", msg)); err != nil {
				log.Warn("alert delivery failed", slog.String("err", err.Error()))
			}
			continue
		}

		sum.Valid++
		v.Status, v.Notes = model.ValidationDone, NoteRevalidated
		if err := e.apply(ctx, market, v, rb); err != nil {
			return sum, err
		}
		e.m.ValidationRecord("done")
		log.Info("candle re-validated", slog.String("tf", v.Duration.String()), slog.Time("datetime", v.Datetime))
	}
	return sum, nil
}

// rebuild is a candle rebuilt for re-validation. trades is set for native
// candles, which are rebuilt from a fresh download.
type rebuild struct {
	candle model.Candle
	trades []model.Trade
}

// apply swaps in a rebuilt candle that passed, together with the trades it
// was built from, and closes v. Everything is written in one transaction.
func (e *Engine) apply(ctx context.Context, market model.MarketDetail, v model.CandleValidation, rb rebuild) error {
	return e.store.ReplaceBucket(ctx, model.BucketReplace{
		MarketID:      market.ID,
		TimeFrame:     v.Duration,
		Candle:        rb.candle,
		Validation:    v,
		ReplaceTrades: v.Duration == market.CandleTimeframe,
		Trades:        rb.trades,
	})
}

// revalidate rebuilds the candle of v and checks it. Native candles are
// rebuilt from freshly fetched trades; daily candles are merged again from
// their children.
func (e *Engine) revalidate(ctx context.Context, market model.MarketDetail, v model.CandleValidation) (rebuild, Outcome, error) {
	tf, bucket := v.Duration, v.Datetime
	end := tf.Next(bucket)

	var rb rebuild
	switch tf {
	case market.CandleTimeframe:
		var last model.TradeCursor
		prev, err := e.store.SelectPreviousCandle(ctx, market.ID, tf, bucket)
		switch {
		case err == nil:
			last = prev.LastTrade()
		case !errors.Is(err, model.ErrNotFound):
			return rb, Outcome{}, err
		}
		trades, err := e.ex.FetchInterval(ctx, market.Name, bucket, end, last)
		if err != nil {
			return rb, Outcome{}, err
		}
		rc, ok := agg.Build(bucket, trades, last)
		if !ok {
			return rb, invalid("no trades and no previous candle"), nil
		}
		rb = rebuild{candle: rc.Production(), trades: trades}
	case model.D01:
		ok, err := e.childrenValidated(ctx, market, bucket)
		if err != nil {
			return rb, Outcome{}, err
		}
		if !ok {
			return rb, invalid(noteChildrenPending), nil
		}
		children, err := e.store.SelectCandles(ctx, market.ID, market.CandleTimeframe, bucket, end)
		if err != nil {
			return rb, Outcome{}, err
		}
		rb = rebuild{candle: tfbuilder.Merge(bucket, children)}
	default:
		return rb, invalid("no rebuild path for %s", tf), nil
	}

	ex, err := e.exchangeCandles(ctx, market, tf, bucket, end)
	if err != nil {
		return rb, Outcome{}, err
	}
	ref, err := e.reference(ctx, market, tf, rb.candle, ex, tf == market.CandleTimeframe)
	if err != nil {
		return rb, Outcome{}, err
	}
	return rb, Validate(market.Exchange.Family(), rb.candle, ref), nil
}

// Resolve closes a record awaiting manual review. An accepted candle is
// marked validated; a rejected one stays unvalidated and is never picked
// up by a validation pass again.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID, accept bool) error {
	v, err := e.store.SelectValidation(ctx, id)
	if err != nil {
		return fmt.Errorf("validate resolve %s: %w", id, err)
	}
	if v.Type != model.ValidationManual || v.Status == model.ValidationDone {
		return fmt.Errorf("%w: %s is %s/%s", ErrNotManual, id, v.Type, v.Status)
	}
	market, err := e.store.SelectMarket(ctx, v.MarketID)
	if err != nil {
		return fmt.Errorf("validate resolve %s: %w", id, err)
	}
	v.Notes = NoteRejectedManual
	if accept {
		if err := e.accept(ctx, market, v.Duration, v.Datetime); err != nil {
			return err
		}
		v.Notes = NoteAcceptedManual
	}
	now := e.clk.Now().UTC()
	v.Status, v.ProcessedAt = model.ValidationDone, &now
	if err := e.store.UpdateValidation(ctx, v); err != nil {
		return err
	}
	e.m.ValidationRecord("resolved")
	logger.ForMarket(e.log, market).Info("validation resolved",
		slog.String("id", id.String()), slog.Bool("accepted", accept))
	return nil
}
