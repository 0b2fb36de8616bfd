// Package indicator computes the per-timeframe market metrics the heartbeat
// refreshes after each cascade: exponential averages of close at three
// periods, value-weighted price, and for each lookback period of the
// timeframe an ATR, a value-weighted price and a moving average, plus
// Donchian channels over 4 to 192 candles.
package indicator

import "github.com/shopspring/decimal"

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// EMA is an exponential moving average seeded with the first value.
// O(1) per update.
type EMA struct {
	period  int
	k       decimal.Decimal
	current decimal.Decimal
	count   int
}

// NewEMA creates an EMA with smoothing 2/(period+1).
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{
		period: period,
		k:      two.Div(decimal.NewFromInt(int64(period + 1))),
	}
}

// Update feeds the next value.
func (e *EMA) Update(v decimal.Decimal) {
	e.count++
	if e.count == 1 {
		e.current = v
		return
	}
	e.current = v.Mul(e.k).Add(e.current.Mul(one.Sub(e.k)))
}

// Value returns the current average; zero before the first update.
func (e *EMA) Value() decimal.Decimal { return e.current }

// Ready reports whether at least period values were seen.
func (e *EMA) Ready() bool { return e.count >= e.period }

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = decimal.Zero
	e.count = 0
}

// EWMA folds v through an EMA of the given period.
func EWMA(v []decimal.Decimal, period int) decimal.Decimal {
	e := NewEMA(period)
	for _, x := range v {
		e.Update(x)
	}
	return e.Value()
}
