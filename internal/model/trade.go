package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the aggressor side of a trade.
type Side uint8

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	}
	return "unknown"
}

// ParseSide accepts the exchange spellings "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b":
		return SideBuy, nil
	case "sell", "s":
		return SideSell, nil
	}
	return 0, fmt.Errorf("model: unknown trade side %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Trade is one execution normalised from any exchange.
// Prices and sizes are exact decimals; ID is the exchange-native sequence
// number and is the authoritative ordering, not Time.
type Trade struct {
	ID          int64           `json:"id"`
	Time        time.Time       `json:"time"` // UTC, microsecond precision
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	Side        Side            `json:"side"`
	Liquidation bool            `json:"liquidation"`
}

// Value returns price × size.
func (t Trade) Value() decimal.Decimal {
	return t.Price.Mul(t.Size)
}

// Cursor returns the trade's position as a resumable cursor.
func (t Trade) Cursor() TradeCursor {
	return TradeCursor{Time: t.Time, ID: t.ID, Price: t.Price}
}

// Less orders trades by exchange id.
func (t Trade) Less(o Trade) bool { return t.ID < o.ID }

// NormalizeTime forces UTC and truncates to microseconds, the precision
// every exchange and the store agree on.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// SortTrades orders trades ascending by ID in place.
func SortTrades(trades []Trade) {
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Less(trades[j]) })
}

// TradesSorted reports whether trades are strictly ascending by ID.
func TradesSorted(trades []Trade) bool {
	for i := 1; i < len(trades); i++ {
		if trades[i].ID <= trades[i-1].ID {
			return false
		}
	}
	return true
}

// DedupTrades sorts by ID and drops repeated IDs. Paginated fetches overlap
// at page boundaries, so every fetcher runs its result through this.
func DedupTrades(trades []Trade) []Trade {
	if len(trades) == 0 {
		return trades
	}
	SortTrades(trades)
	out := trades[:1]
	for _, t := range trades[1:] {
		if t.ID != out[len(out)-1].ID {
			out = append(out, t)
		}
	}
	return out
}

// TradeCursor is the persisted position of the last processed trade.
type TradeCursor struct {
	Time  time.Time       `json:"time"`
	ID    int64           `json:"id"`
	Price decimal.Decimal `json:"price"`
}

// IsZero reports whether no trade has been seen yet.
func (c TradeCursor) IsZero() bool {
	return c.ID == 0 && c.Time.IsZero()
}

// TradeStage is the processing stage a stored trade row belongs to.
type TradeStage string

const (
	StageWS        TradeStage = "ws"        // streamed, not yet aggregated
	StageRest      TradeStage = "rest"      // fetched by backfill, not yet aggregated
	StageProcessed TradeStage = "processed" // aggregated into a committed candle
	StageValidated TradeStage = "validated" // candle reconciled with the exchange
)

// Stages lists every stage in processing order.
var Stages = []TradeStage{StageWS, StageRest, StageProcessed, StageValidated}
