package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExchangeName identifies a supported exchange.
type ExchangeName string

const (
	ExchangeFTX   ExchangeName = "ftx"
	ExchangeFTXUS ExchangeName = "ftxus"
	ExchangeGDAX  ExchangeName = "gdax"
)

// Family groups exchanges that share an API and a validation rule.
type Family uint8

const (
	FamilyUnknown Family = iota
	FamilyFTX
	FamilyGDAX
)

// Family returns the API family of the exchange.
func (e ExchangeName) Family() Family {
	switch e {
	case ExchangeFTX, ExchangeFTXUS:
		return FamilyFTX
	case ExchangeGDAX:
		return FamilyGDAX
	}
	return FamilyUnknown
}

// MarketType is the instrument kind.
type MarketType string

const (
	MarketSpot      MarketType = "spot"
	MarketPerpetual MarketType = "perpetual"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	StatusNew        MarketStatus = "new"
	StatusBackfill   MarketStatus = "backfill"
	StatusSync       MarketStatus = "sync"
	StatusActive     MarketStatus = "active"
	StatusRestart    MarketStatus = "restart"
	StatusHistorical MarketStatus = "historical"
	StatusTerminated MarketStatus = "terminated"
)

var transitions = map[MarketStatus][]MarketStatus{
	StatusNew:        {StatusBackfill, StatusHistorical, StatusTerminated},
	StatusBackfill:   {StatusSync, StatusRestart, StatusTerminated},
	StatusSync:       {StatusActive, StatusRestart, StatusTerminated},
	StatusActive:     {StatusRestart, StatusTerminated},
	StatusRestart:    {StatusBackfill, StatusTerminated},
	StatusHistorical: {StatusTerminated},
}

// CanTransition reports whether moving from s to next is allowed.
// Staying in the same state is always allowed.
func (s MarketStatus) CanTransition(next MarketStatus) bool {
	if s == next {
		return true
	}
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned for a status change the lifecycle forbids.
type ErrInvalidTransition struct {
	From, To MarketStatus
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("model: invalid market status transition %s -> %s", e.From, e.To)
}

// MarketDetail is a tradable market assigned to a collector.
type MarketDetail struct {
	ID              uuid.UUID       `json:"market_id"`
	Exchange        ExchangeName    `json:"exchange_name"`
	Name            string          `json:"market_name"`
	Type            MarketType      `json:"market_type"`
	BaseCurrency    string          `json:"base_currency"`
	QuoteCurrency   string          `json:"quote_currency"`
	PriceIncrement  decimal.Decimal `json:"price_increment"`
	SizeIncrement   decimal.Decimal `json:"size_increment"`
	MinSize         decimal.Decimal `json:"min_size"`
	Status          MarketStatus    `json:"market_status"`
	Mita            string          `json:"mita"`
	CandleTimeframe TimeFrame       `json:"candle_timeframe"`
	LastCandle      *time.Time      `json:"last_candle"`
}

// TradeDayStatus tracks a trade day through batch processing.
type TradeDayStatus string

const (
	DayGet       TradeDayStatus = "get"
	DayValidate  TradeDayStatus = "validate"
	DayArchive   TradeDayStatus = "archive"
	DayCompleted TradeDayStatus = "completed"
)

// Next returns the following status; Completed is terminal.
func (s TradeDayStatus) Next() TradeDayStatus {
	switch s {
	case DayGet:
		return DayValidate
	case DayValidate:
		return DayArchive
	}
	return DayCompleted
}

// MarketTradeDetail is the trade ingestion checkpoint of a market.
type MarketTradeDetail struct {
	MarketID         uuid.UUID       `json:"market_id"`
	MarketStart      time.Time       `json:"market_start_ts"`
	FirstTrade       TradeCursor     `json:"first_trade"`
	LastTrade        TradeCursor     `json:"last_trade"`
	PreviousTradeDay time.Time       `json:"previous_trade_day"`
	PreviousStatus   TradeDayStatus  `json:"previous_status"`
	NextTradeDay     *time.Time      `json:"next_trade_day"`
	NextStatus       *TradeDayStatus `json:"next_status"`
}

// MarketCandleDetail is the candle construction checkpoint of a market at
// one timeframe.
type MarketCandleDetail struct {
	MarketID    uuid.UUID   `json:"market_id"`
	TimeFrame   TimeFrame   `json:"time_frame"`
	FirstCandle time.Time   `json:"first_candle"`
	LastCandle  time.Time   `json:"last_candle"`
	LastTrade   TradeCursor `json:"last_trade"`
}

// MarketArchiveDetail is the archival checkpoint of a market.
type MarketArchiveDetail struct {
	MarketID    uuid.UUID `json:"market_id"`
	TimeFrame   TimeFrame `json:"time_frame"`
	FirstCandle time.Time `json:"first_candle"`
	LastCandle  time.Time `json:"last_candle"` // archived through this bucket
	NextMonth   time.Time `json:"next_month"`  // first month not yet written
}
