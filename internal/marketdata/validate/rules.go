// Package validate reconciles locally built candles against exchange
// reference data and drives the validation record workflow.
package validate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"eldorado/internal/model"
)

// ftxTolerance is the relative difference allowed between local value and
// the exchange-reported volume. FTX rounds its candle volume.
var ftxTolerance = decimal.RequireFromString("0.0001")

// Outcome is the result of one rule evaluation.
type Outcome struct {
	Valid  bool
	Reason string
}

func valid() Outcome { return Outcome{Valid: true} }

func invalid(format string, args ...any) Outcome {
	return Outcome{Reason: fmt.Sprintf(format, args...)}
}

// Neighbor is a single-trade lookup next to a bucket boundary.
type Neighbor struct {
	Trade model.Trade
	Found bool
}

// Reference is the exchange-side evidence for one candle.
type Reference struct {
	// Candle is the exchange candle for the bucket, nil when the exchange
	// reported none.
	Candle *model.ExchangeCandle

	// End is the exclusive end of the bucket.
	End time.Time

	// Merged marks a candle merged from validated children. Its first trade
	// id may belong to a carry-forward child, so the id span is not checked.
	Merged bool

	// Boundary neighbors. LookedUp is false when the boundaries were proven by
	// other means, e.g. a daily candle whose children are all validated.
	LookedUp bool
	Prev     Neighbor
	Next     Neighbor
}

// Validate applies the rule of family to c. The rules differ per family and
// are kept as explicit cases rather than behind an interface.
func Validate(family model.Family, c model.Candle, ref Reference) Outcome {
	switch family {
	case model.FamilyFTX:
		return ValidateFTX(c, ref.Candle)
	case model.FamilyGDAX:
		return ValidateGDAX(c, ref)
	}
	return invalid("no validation rule for exchange family %d", family)
}

// ValidateFTX compares the local value (Σ price × size) with the volume the
// exchange reports, which FTX quotes in the quote currency. Without an
// exchange candle the bucket is valid only if it had no volume.
func ValidateFTX(c model.Candle, ex *model.ExchangeCandle) Outcome {
	if ex == nil {
		if c.Volume.IsZero() {
			return valid()
		}
		return invalid("no exchange candle for volume %s", c.Volume)
	}
	if c.Value.Equal(ex.Volume) {
		return valid()
	}
	if c.Value.IsZero() {
		return invalid("value 0 but exchange volume %s", ex.Volume)
	}
	diff := ex.Volume.Div(c.Value).Sub(decimal.NewFromInt(1)).Abs()
	if diff.LessThan(ftxTolerance) {
		return valid()
	}
	return invalid("value %s differs from exchange volume %s", c.Value, ex.Volume)
}

// ValidateGDAX compares volume directly, checks the trade ids of an unmerged
// bucket are contiguous and, when looked up, that the trades either side of the
// bucket fall outside it.
func ValidateGDAX(c model.Candle, ref Reference) Outcome {
	if c.IsCarryForward() {
		if ref.Candle == nil || ref.Candle.Volume.IsZero() {
			return valid()
		}
		return invalid("no trades but exchange volume %s", ref.Candle.Volume)
	}
	if ref.Candle == nil {
		return invalid("no exchange candle for volume %s", c.Volume)
	}
	if !c.Volume.Equal(ref.Candle.Volume) {
		return invalid("volume %s differs from exchange volume %s", c.Volume, ref.Candle.Volume)
	}
	if span := c.LastTradeID - c.FirstTradeID + 1; !ref.Merged && span != c.TradeCount {
		return invalid("trade ids %d..%d span %d trades, candle has %d",
			c.FirstTradeID, c.LastTradeID, span, c.TradeCount)
	}
	if !ref.LookedUp {
		return valid()
	}
	if c.FirstTradeID != 1 {
		if !ref.Prev.Found {
			return invalid("sequence origin unknown: no trade before id %d", c.FirstTradeID)
		}
		if !ref.Prev.Trade.Time.Before(c.Datetime) {
			return invalid("previous trade %d at %s is inside the bucket",
				ref.Prev.Trade.ID, ref.Prev.Trade.Time.Format(time.RFC3339Nano))
		}
	}
	if ref.Next.Found && ref.Next.Trade.Time.Before(ref.End) {
		return invalid("next trade %d at %s is inside the bucket",
			ref.Next.Trade.ID, ref.Next.Trade.Time.Format(time.RFC3339Nano))
	}
	return valid()
}
