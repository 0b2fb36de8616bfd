// Package tfbuilder resamples candles up a timeframe ladder.
//
// There is one canonical path: a coarser candle is always merged from the
// candles of the next-finer timeframe, never rebuilt from raw trades. The
// merge is associative, so base→1d and base→1h→1d agree.
package tfbuilder

import (
	"time"

	"eldorado/internal/model"
)

// Merge folds ordered child candles into one candle at bucket. Open and first
// trade come from the first child, close and last trade from the last, high
// and low are extremes and the volumes and counts are summed. The merged
// candle is never validated, whatever its children are.
// children must be non-empty and ascending by Datetime.
func Merge(bucket time.Time, children []model.Candle) model.Candle {
	if len(children) == 0 {
		panic("tfbuilder: merge called with no candles")
	}
	first, last := children[0], children[len(children)-1]
	out := model.Candle{
		Datetime:          bucket.UTC(),
		Open:              first.Open,
		High:              first.High,
		Low:               first.Low,
		Close:             last.Close,
		Volume:            first.Volume,
		VolumeNet:         first.VolumeNet,
		VolumeLiquidation: first.VolumeLiquidation,
		Value:             first.Value,
		TradeCount:        first.TradeCount,
		LiquidationCount:  first.LiquidationCount,
		FirstTradeTS:      first.FirstTradeTS,
		FirstTradeID:      first.FirstTradeID,
		LastTradeTS:       last.LastTradeTS,
		LastTradeID:       last.LastTradeID,
	}
	for i, c := range children[1:] {
		if !c.Datetime.After(children[i].Datetime) {
			panic("tfbuilder: candles must be ascending by datetime")
		}
		if c.High.GreaterThan(out.High) {
			out.High = c.High
		}
		if c.Low.LessThan(out.Low) {
			out.Low = c.Low
		}
		out.Volume = out.Volume.Add(c.Volume)
		out.VolumeNet = out.VolumeNet.Add(c.VolumeNet)
		out.VolumeLiquidation = out.VolumeLiquidation.Add(c.VolumeLiquidation)
		out.Value = out.Value.Add(c.Value)
		out.TradeCount += c.TradeCount
		out.LiquidationCount += c.LiquidationCount
	}
	return out
}

// MergeResearch is Merge for research candles, also summing the splits.
func MergeResearch(bucket time.Time, children []model.ResearchCandle) model.ResearchCandle {
	base := make([]model.Candle, len(children))
	for i, c := range children {
		base[i] = c.Candle
	}
	out := model.ResearchCandle{Candle: Merge(bucket, base)}
	out.VolumeBuy, out.VolumeSell = children[0].VolumeBuy, children[0].VolumeSell
	out.VolumeLiqBuy, out.VolumeLiqSell = children[0].VolumeLiqBuy, children[0].VolumeLiqSell
	out.ValueBuy, out.ValueSell = children[0].ValueBuy, children[0].ValueSell
	out.ValueLiq = children[0].ValueLiq
	out.ValueLiqBuy, out.ValueLiqSell = children[0].ValueLiqBuy, children[0].ValueLiqSell
	out.CountBuy, out.CountSell = children[0].CountBuy, children[0].CountSell
	out.CountLiqBuy, out.CountLiqSell = children[0].CountLiqBuy, children[0].CountLiqSell
	for _, c := range children[1:] {
		out.VolumeBuy = out.VolumeBuy.Add(c.VolumeBuy)
		out.VolumeSell = out.VolumeSell.Add(c.VolumeSell)
		out.VolumeLiqBuy = out.VolumeLiqBuy.Add(c.VolumeLiqBuy)
		out.VolumeLiqSell = out.VolumeLiqSell.Add(c.VolumeLiqSell)
		out.ValueBuy = out.ValueBuy.Add(c.ValueBuy)
		out.ValueSell = out.ValueSell.Add(c.ValueSell)
		out.ValueLiq = out.ValueLiq.Add(c.ValueLiq)
		out.ValueLiqBuy = out.ValueLiqBuy.Add(c.ValueLiqBuy)
		out.ValueLiqSell = out.ValueLiqSell.Add(c.ValueLiqSell)
		out.CountBuy += c.CountBuy
		out.CountSell += c.CountSell
		out.CountLiqBuy += c.CountLiqBuy
		out.CountLiqSell += c.CountLiqSell
	}
	return out
}

// resample partitions ordered items by their bucket at tf and merges each
// partition. Keys come out ascending because the input is ordered.
func resample[C any](in []C, tf model.TimeFrame, at func(C) time.Time, merge func(time.Time, []C) C) []C {
	if len(in) == 0 {
		return nil
	}
	var (
		out   []C
		group []C
		key   time.Time
	)
	for _, c := range in {
		k := tf.Truncate(at(c))
		if len(group) > 0 && !k.Equal(key) {
			out = append(out, merge(key, group))
			group = group[:0:0]
		}
		key = k
		group = append(group, c)
	}
	return append(out, merge(key, group))
}

// Resample merges candles, ascending by Datetime, into tf buckets.
// Completeness of each bucket is the caller's concern.
func Resample(candles []model.Candle, tf model.TimeFrame) []model.Candle {
	return resample(candles, tf, func(c model.Candle) time.Time { return c.Datetime }, Merge)
}

// ResampleResearch is Resample for research candles.
func ResampleResearch(candles []model.ResearchCandle, tf model.TimeFrame) []model.ResearchCandle {
	return resample(candles, tf, func(c model.ResearchCandle) time.Time { return c.Datetime }, MergeResearch)
}

// Full resamples candles into tf buckets and keeps only buckets where every
// child of the native timeframe is present.
func Full(candles []model.Candle, native, tf model.TimeFrame) []model.Candle {
	if !native.Divides(tf) {
		panic("tfbuilder: native timeframe must divide target")
	}
	want := int(tf / native)
	counts := make(map[time.Time]int)
	for _, c := range candles {
		counts[tf.Truncate(c.Datetime)]++
	}
	var out []model.Candle
	for _, c := range Resample(candles, tf) {
		if counts[c.Datetime] == want {
			out = append(out, c)
		}
	}
	return out
}

// DailyFull builds 1d candles for the days fully covered by native candles.
func DailyFull(candles []model.Candle, native model.TimeFrame) []model.Candle {
	return Full(candles, native, model.D01)
}
