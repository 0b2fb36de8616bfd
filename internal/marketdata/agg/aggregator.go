// Package agg folds trades into candles.
//
// Every function here is pure: no storage, no network, no clock. Callers own
// bucket selection and persistence.
package agg

import (
	"time"

	"github.com/shopspring/decimal"

	"eldorado/internal/model"
)

// accumulator holds the running totals of one bucket.
type accumulator struct {
	open, high, low, close decimal.Decimal

	volume, volumeNet, volumeLiq, value decimal.Decimal

	volumeBuy, volumeSell, volumeLiqBuy, volumeLiqSell       decimal.Decimal
	valueBuy, valueSell, valueLiq, valueLiqBuy, valueLiqSell decimal.Decimal

	count, countLiq                                int64
	countBuy, countSell, countLiqBuy, countLiqSell int64

	first, last model.Trade
	started     bool
}

func (a *accumulator) addTrade(t model.Trade) {
	if !a.started {
		a.open, a.high, a.low = t.Price, t.Price, t.Price
		a.first = t
		a.started = true
	}
	if t.Price.GreaterThan(a.high) {
		a.high = t.Price
	}
	if t.Price.LessThan(a.low) {
		a.low = t.Price
	}
	a.close = t.Price
	a.last = t

	v := t.Value()
	a.volume = a.volume.Add(t.Size)
	a.value = a.value.Add(v)
	a.count++

	switch t.Side {
	case model.SideBuy:
		a.volumeNet = a.volumeNet.Add(t.Size)
		a.volumeBuy = a.volumeBuy.Add(t.Size)
		a.valueBuy = a.valueBuy.Add(v)
		a.countBuy++
	case model.SideSell:
		a.volumeNet = a.volumeNet.Sub(t.Size)
		a.volumeSell = a.volumeSell.Add(t.Size)
		a.valueSell = a.valueSell.Add(v)
		a.countSell++
	}

	if !t.Liquidation {
		return
	}
	a.volumeLiq = a.volumeLiq.Add(t.Size)
	a.valueLiq = a.valueLiq.Add(v)
	a.countLiq++
	switch t.Side {
	case model.SideBuy:
		a.volumeLiqBuy = a.volumeLiqBuy.Add(t.Size)
		a.valueLiqBuy = a.valueLiqBuy.Add(v)
		a.countLiqBuy++
	case model.SideSell:
		a.volumeLiqSell = a.volumeLiqSell.Add(t.Size)
		a.valueLiqSell = a.valueLiqSell.Add(v)
		a.countLiqSell++
	}
}

func (a *accumulator) research(bucket time.Time) model.ResearchCandle {
	return model.ResearchCandle{
		Candle: model.Candle{
			Datetime:          bucket,
			Open:              a.open,
			High:              a.high,
			Low:               a.low,
			Close:             a.close,
			Volume:            a.volume,
			VolumeNet:         a.volumeNet,
			VolumeLiquidation: a.volumeLiq,
			Value:             a.value,
			TradeCount:        a.count,
			LiquidationCount:  a.countLiq,
			LastTradeTS:       a.last.Time,
			LastTradeID:       a.last.ID,
			FirstTradeTS:      a.first.Time,
			FirstTradeID:      a.first.ID,
		},
		VolumeBuy:     a.volumeBuy,
		VolumeSell:    a.volumeSell,
		VolumeLiqBuy:  a.volumeLiqBuy,
		VolumeLiqSell: a.volumeLiqSell,
		ValueBuy:      a.valueBuy,
		ValueSell:     a.valueSell,
		ValueLiq:      a.valueLiq,
		ValueLiqBuy:   a.valueLiqBuy,
		ValueLiqSell:  a.valueLiqSell,
		CountBuy:      a.countBuy,
		CountSell:     a.countSell,
		CountLiqBuy:   a.countLiqBuy,
		CountLiqSell:  a.countLiqSell,
	}
}

func mustTrades(trades []model.Trade) {
	if len(trades) == 0 {
		panic("agg: aggregate called with no trades, use CarryForward")
	}
	if !model.TradesSorted(trades) {
		panic("agg: trades must be strictly ascending by id")
	}
}

// AggregateResearch folds trades into one research candle for bucket.
// trades must be non-empty and strictly ascending by id; both are caller
// contracts and panic when broken.
func AggregateResearch(bucket time.Time, trades []model.Trade) model.ResearchCandle {
	mustTrades(trades)
	var a accumulator
	for _, t := range trades {
		a.addTrade(t)
	}
	return a.research(bucket.UTC())
}

// Aggregate folds trades into one production candle for bucket.
// The same preconditions as AggregateResearch apply.
func Aggregate(bucket time.Time, trades []model.Trade) model.Candle {
	return AggregateResearch(bucket, trades).Production()
}

// CarryForward returns the flat candle for a bucket without trades. OHLC is
// the last close and both trade markers point at the last trade.
func CarryForward(bucket time.Time, last model.TradeCursor) model.Candle {
	return model.Candle{
		Datetime:          bucket.UTC(),
		Open:              last.Price,
		High:              last.Price,
		Low:               last.Price,
		Close:             last.Price,
		Volume:            decimal.Zero,
		VolumeNet:         decimal.Zero,
		VolumeLiquidation: decimal.Zero,
		Value:             decimal.Zero,
		LastTradeTS:       last.Time,
		LastTradeID:       last.ID,
		FirstTradeTS:      last.Time,
		FirstTradeID:      last.ID,
	}
}

// CarryForwardResearch is CarryForward for research candles.
func CarryForwardResearch(bucket time.Time, last model.TradeCursor) model.ResearchCandle {
	z := decimal.Zero
	return model.ResearchCandle{
		Candle:        CarryForward(bucket, last),
		VolumeBuy:     z,
		VolumeSell:    z,
		VolumeLiqBuy:  z,
		VolumeLiqSell: z,
		ValueBuy:      z,
		ValueSell:     z,
		ValueLiq:      z,
		ValueLiqBuy:   z,
		ValueLiqSell:  z,
	}
}

// Build returns the research candle for one bucket: aggregated when trades
// exist, carried forward from last otherwise. ok is false when there are no
// trades and nothing to carry forward, i.e. before a market's first trade.
func Build(bucket time.Time, trades []model.Trade, last model.TradeCursor) (rc model.ResearchCandle, ok bool) {
	if len(trades) > 0 {
		return AggregateResearch(bucket, trades), true
	}
	if last.IsZero() {
		return model.ResearchCandle{}, false
	}
	return CarryForwardResearch(bucket, last), true
}

// BuildRange builds one candle per bucket from a trade slice covering all
// buckets. buckets and trades must both be ascending in time; trades before
// the first bucket are skipped. The trade cursor only advances on buckets
// that had trades.
func BuildRange(buckets []time.Time, tf model.TimeFrame, trades []model.Trade, last model.TradeCursor) ([]model.ResearchCandle, model.TradeCursor) {
	out := make([]model.ResearchCandle, 0, len(buckets))
	d := tf.Duration()
	i := 0
	for _, b := range buckets {
		for i < len(trades) && trades[i].Time.Before(b) {
			i++
		}
		j, end := i, b.Add(d)
		for j < len(trades) && trades[j].Time.Before(end) {
			j++
		}
		rc, ok := Build(b, trades[i:j], last)
		i = j
		if !ok {
			continue
		}
		if rc.TradeCount > 0 {
			last = rc.LastTrade()
		}
		out = append(out, rc)
	}
	return out, last
}
