package model

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when a requested row does not exist.
var ErrNotFound = errors.New("model: not found")

// ── Storage Port Interfaces ──
// These interfaces decouple the pipeline from the concrete SQL store.
// sqlstore.Store satisfies all of them.

// TradeStore persists raw trades per processing stage.
type TradeStore interface {
	// InsertTrades stores trades, ignoring ids already present in the stage.
	InsertTrades(ctx context.Context, marketID uuid.UUID, stage TradeStage, trades []Trade) error

	// SelectTrades returns trades with start <= time < end, ascending by id.
	SelectTrades(ctx context.Context, marketID uuid.UUID, stage TradeStage, start, end time.Time) ([]Trade, error)

	// SelectFirstTrade returns the lowest-id trade of a stage.
	SelectFirstTrade(ctx context.Context, marketID uuid.UUID, stage TradeStage) (Trade, error)

	// DeleteTrades removes trades with start <= time < end.
	DeleteTrades(ctx context.Context, marketID uuid.UUID, stage TradeStage, start, end time.Time) error

	// MoveTrades moves trades with start <= time < end between stages.
	MoveTrades(ctx context.Context, marketID uuid.UUID, from, to TradeStage, start, end time.Time) error
}

// BucketCommit is everything written when one bucket is finalised.
// The candle, the optional research candle, the trade stage move and the
// checkpoints are applied in one transaction. Only trades of the bucket
// with an id up to Candle.LastTradeID move, so a trade stored after the
// candle was built stays behind.
type BucketCommit struct {
	MarketID    uuid.UUID
	TimeFrame   TimeFrame
	Candle      Candle
	Research    *ResearchCandle
	MoveFrom    TradeStage // empty when no trades move
	MoveTo      TradeStage
	Detail      MarketCandleDetail
	TradeDetail *MarketTradeDetail // upserted when set
}

// BucketReplace swaps a bucket for a rebuilt, validated one and closes its
// validation record in one transaction.
type BucketReplace struct {
	MarketID   uuid.UUID
	TimeFrame  TimeFrame
	Candle     Candle
	Validation CandleValidation

	// ReplaceTrades drops the bucket's processed and validated trades and
	// stores Trades as validated.
	ReplaceTrades bool
	Trades        []Trade
}

// CandleStore persists candles and their construction checkpoint.
type CandleStore interface {
	CommitBucket(ctx context.Context, c BucketCommit) error

	// SelectLastCandle returns the newest candle at tf.
	SelectLastCandle(ctx context.Context, marketID uuid.UUID, tf TimeFrame) (Candle, error)

	// SelectPreviousCandle returns the newest candle strictly before ts.
	SelectPreviousCandle(ctx context.Context, marketID uuid.UUID, tf TimeFrame, ts time.Time) (Candle, error)

	// SelectCandles returns candles with start <= datetime < end, ascending.
	SelectCandles(ctx context.Context, marketID uuid.UUID, tf TimeFrame, start, end time.Time) ([]Candle, error)

	// SelectUnvalidatedCandles returns unvalidated candles that have no open
	// validation record, oldest first.
	SelectUnvalidatedCandles(ctx context.Context, marketID uuid.UUID, tf TimeFrame, limit int) ([]Candle, error)

	// SelectResearchCandles returns research candles with start <= datetime < end.
	SelectResearchCandles(ctx context.Context, marketID uuid.UUID, tf TimeFrame, start, end time.Time) ([]ResearchCandle, error)

	InsertCandles(ctx context.Context, marketID uuid.UUID, tf TimeFrame, candles []Candle) error
	MarkCandlesValidated(ctx context.Context, marketID uuid.UUID, tf TimeFrame, datetimes []time.Time) error

	ReplaceBucket(ctx context.Context, r BucketReplace) error

	SelectCandleDetail(ctx context.Context, marketID uuid.UUID, tf TimeFrame) (MarketCandleDetail, error)
}

// MarketStore persists markets and their trade and archive checkpoints.
type MarketStore interface {
	SelectMarkets(ctx context.Context, exchange ExchangeName) ([]MarketDetail, error)
	SelectMarketsByMita(ctx context.Context, mita string) ([]MarketDetail, error)
	SelectMarket(ctx context.Context, id uuid.UUID) (MarketDetail, error)
	UpsertMarket(ctx context.Context, m MarketDetail) error
	UpdateMarketStatus(ctx context.Context, id uuid.UUID, status MarketStatus) error
	UpdateMarketLastCandle(ctx context.Context, id uuid.UUID, ts time.Time) error

	SelectTradeDetail(ctx context.Context, marketID uuid.UUID) (MarketTradeDetail, error)
	UpsertTradeDetail(ctx context.Context, d MarketTradeDetail) error

	SelectArchiveDetail(ctx context.Context, marketID uuid.UUID, tf TimeFrame) (MarketArchiveDetail, error)
	UpsertArchiveDetail(ctx context.Context, d MarketArchiveDetail) error
}

// ValidationStore persists candle validation records.
type ValidationStore interface {
	// InsertValidation is a no-op when the candle already has a record.
	InsertValidation(ctx context.Context, v CandleValidation) error
	SelectValidations(ctx context.Context, status ValidationStatus) ([]CandleValidation, error)
	SelectValidation(ctx context.Context, id uuid.UUID) (CandleValidation, error)
	UpdateValidation(ctx context.Context, v CandleValidation) error
}

// EventStore persists coordinator events.
type EventStore interface {
	InsertEvent(ctx context.Context, e Event) error
	SelectDueEvents(ctx context.Context, now time.Time) ([]Event, error)
	UpdateEvent(ctx context.Context, e Event) error
}

// Store is the full persistence surface.
type Store interface {
	TradeStore
	CandleStore
	MarketStore
	ValidationStore
	EventStore
	Close() error
}

// ── Exchange Capability Interfaces ──
// Implemented once per exchange family and selected at startup.

// TradeQuery selects a page of trades. Time bounds suit window-paginated
// exchanges, id bounds suit cursor-paginated ones; zero values are unset.
type TradeQuery struct {
	Limit  int
	Start  time.Time
	End    time.Time
	Before int64
	After  int64
}

// TradeSource fetches raw trade pages.
type TradeSource interface {
	GetTrades(ctx context.Context, market string, q TradeQuery) ([]Trade, error)
}

// CandleSource fetches exchange-reported reference candles.
type CandleSource interface {
	GetCandles(ctx context.Context, market string, tf TimeFrame, start, end time.Time) ([]ExchangeCandle, error)
}

// IntervalSource fetches every trade of a closed interval, handling the
// exchange's own pagination.
type IntervalSource interface {
	// FetchInterval returns trades with start <= time < end, ascending by id.
	// after is the last trade already processed and may be zero.
	FetchInterval(ctx context.Context, market string, start, end time.Time, after TradeCursor) ([]Trade, error)
}

// StartFinder discovers where a market's history begins.
type StartFinder interface {
	FindStart(ctx context.Context, market string, now time.Time, lookback time.Duration) (time.Time, error)
}

// TradeLookup looks up single trades by id for boundary validation.
type TradeLookup interface {
	// TradeByID returns the trade with the given id; ok is false if the
	// exchange has no such trade.
	TradeByID(ctx context.Context, market string, id int64) (t Trade, ok bool, err error)
}

// Exchange bundles the capabilities one family provides.
type Exchange interface {
	TradeSource
	CandleSource
	IntervalSource
	StartFinder
	Name() ExchangeName
}
