package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a unit of deferred coordinator work.
type EventType string

const (
	EventProcessTrades        EventType = "process_trades"
	EventValidateCandle       EventType = "validate_candle"
	EventCreateDailyCandles   EventType = "create_daily_candles"
	EventValidateDailyCandles EventType = "validate_daily_candles"
	EventArchiveDailyCandles  EventType = "archive_daily_candles"
	EventArchiveTrades        EventType = "archive_validated_trades"
	EventBackfillTrades       EventType = "backfill_trades"
)

// EventStatus is the processing state of an event.
type EventStatus string

const (
	EventNew  EventStatus = "new"
	EventOpen EventStatus = "open"
	EventDone EventStatus = "done"
)

// Event is a scheduled job for a market, due at NotifyAt.
type Event struct {
	ID          uuid.UUID    `json:"event_id"`
	MarketID    uuid.UUID    `json:"market_id"`
	Exchange    ExchangeName `json:"exchange_name"`
	Type        EventType    `json:"event_type"`
	Status      EventStatus  `json:"event_status"`
	Datetime    time.Time    `json:"event_ts"` // bucket or day the event is about
	CreatedAt   time.Time    `json:"created_ts"`
	NotifyAt    time.Time    `json:"notify_ts"`
	ProcessedAt *time.Time   `json:"processed_ts"`
	Notes       string       `json:"notes"`
}

// NewEvent creates an event in status New.
func NewEvent(m MarketDetail, typ EventType, at, notify time.Time) Event {
	now := time.Now().UTC()
	return Event{
		ID:        uuid.New(),
		MarketID:  m.ID,
		Exchange:  m.Exchange,
		Type:      typ,
		Status:    EventNew,
		Datetime:  at.UTC(),
		CreatedAt: now,
		NotifyAt:  notify.UTC(),
	}
}
