package indicator

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"eldorado/internal/model"
)

// EMAPeriods are the close-price averages reported at every timeframe.
var EMAPeriods = [3]int{7, 30, 90}

// DonchianPeriods are the channel windows, in candles.
var DonchianPeriods = []int{4, 8, 12, 24, 48, 96, 192}

// Lookbacks returns the three lookback periods of tf: a week, a month and a
// quarter measured in candles of tf.
func Lookbacks(tf model.TimeFrame) [3]int {
	switch tf {
	case model.T15:
		return [3]int{672, 2880, 8640}
	case model.H01:
		return [3]int{168, 720, 2160}
	case model.H04:
		return [3]int{42, 180, 540}
	case model.H12:
		return [3]int{14, 60, 180}
	case model.D01:
		return [3]int{7, 30, 90}
	}
	// generic timeframe: same calendar spans
	week := int((7 * 24 * time.Hour) / tf.Duration())
	if week < 1 {
		week = 1
	}
	return [3]int{week, week * 30 / 7, week * 90 / 7}
}

// WindowLen is the candle history kept per timeframe: the longest
// lookback plus the shortest, and never less than the widest Donchian
// channel plus the current candle.
func WindowLen(tf model.TimeFrame) int {
	lb := Lookbacks(tf)
	n := lb[2] + lb[0]
	if d := DonchianPeriods[len(DonchianPeriods)-1] + 1; d > n {
		n = d
	}
	return n
}

// Lookback holds the metrics of one lookback period.
type Lookback struct {
	Period int             `json:"lbp"`
	ATR    decimal.Decimal `json:"atr"`
	VW     decimal.Decimal `json:"vw"` // value-weighted price
	MA     decimal.Decimal `json:"ma"` // EMA of close excluding the current candle
}

// Channel is a Donchian channel over Period candles before the current one.
type Channel struct {
	Period    int             `json:"period"`
	HighClose decimal.Decimal `json:"high_close"`
	LowClose  decimal.Decimal `json:"low_close"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
}

// Snapshot is the metric set of one timeframe as of its newest candle.
type Snapshot struct {
	TimeFrame model.TimeFrame    `json:"tf"`
	Datetime  time.Time          `json:"datetime"`
	High      decimal.Decimal    `json:"high"`
	Low       decimal.Decimal    `json:"low"`
	Close     decimal.Decimal    `json:"close"`
	Return    decimal.Decimal    `json:"r"`
	EMA       [3]decimal.Decimal `json:"ema"`
	MV        [3]decimal.Decimal `json:"mv"`
	Lookbacks [3]Lookback        `json:"lookbacks"`
	Donchian  []Channel          `json:"donchian"`
}

const places = 8

// Compute builds the snapshot of candles, oldest first. ok is false for an
// empty series.
func Compute(tf model.TimeFrame, candles []model.Candle) (s Snapshot, ok bool) {
	n := len(candles)
	if n == 0 {
		return Snapshot{}, false
	}

	closes := make([]decimal.Decimal, n)
	trueRanges := make([]decimal.Decimal, n)
	returns := make([]decimal.Decimal, n)
	for i, c := range candles {
		closes[i] = c.Close
		hl := c.High.Sub(c.Low)
		if i == 0 || candles[i-1].Close.IsZero() {
			trueRanges[i] = hl
			continue
		}
		prev := candles[i-1].Close
		trueRanges[i] = decimal.Max(hl, c.High.Sub(prev).Abs(), prev.Sub(c.Low).Abs())
		returns[i] = c.Close.Div(prev).Sub(one)
	}

	last := candles[n-1]
	s = Snapshot{
		TimeFrame: tf,
		Datetime:  last.Datetime,
		High:      last.High,
		Low:       last.Low,
		Close:     last.Close,
		Return:    returns[n-1].Round(places),
		Donchian:  Donchian(candles),
	}
	for i, p := range EMAPeriods {
		s.EMA[i] = EWMA(closes, p).Round(places)
		s.MV[i] = valueWeighted(candles[tail(n, p):])
	}
	for i, lbp := range Lookbacks(tf) {
		s.Lookbacks[i] = Lookback{
			Period: lbp,
			ATR:    EWMA(trueRanges, lbp).Round(places),
			VW:     valueWeighted(candles[tail(n, lbp):]),
			MA:     EWMA(closes[:n-1], lbp).Round(places),
		}
	}
	return s, true
}

// Donchian returns the channel for each of DonchianPeriods over the candles
// before the newest one. Windows longer than the history use what exists;
// with no history the channel is zero.
func Donchian(candles []model.Candle) []Channel {
	prior := candles
	if len(prior) > 0 {
		prior = prior[:len(prior)-1]
	}
	out := make([]Channel, 0, len(DonchianPeriods))
	for _, p := range DonchianPeriods {
		ch := Channel{Period: p}
		window := prior[tail(len(prior), p):]
		for i, c := range window {
			if i == 0 {
				ch.HighClose, ch.LowClose, ch.High, ch.Low = c.Close, c.Close, c.High, c.Low
				continue
			}
			ch.HighClose = decimal.Max(ch.HighClose, c.Close)
			ch.LowClose = decimal.Min(ch.LowClose, c.Close)
			ch.High = decimal.Max(ch.High, c.High)
			ch.Low = decimal.Min(ch.Low, c.Low)
		}
		out = append(out, ch)
	}
	return out
}

// valueWeighted is Σvalue / Σvolume, zero without volume.
func valueWeighted(candles []model.Candle) decimal.Decimal {
	var value, volume decimal.Decimal
	for _, c := range candles {
		value = value.Add(c.Value)
		volume = volume.Add(c.Volume)
	}
	if volume.IsZero() {
		return decimal.Zero
	}
	return value.Div(volume).Round(places)
}

func tail(n, k int) int {
	if k >= n {
		return 0
	}
	return n - k
}

// Fields flattens the snapshot into string fields prefixed by the timeframe,
// the layout of the heartbeat hash.
func (s Snapshot) Fields() map[string]string {
	p := s.TimeFrame.String() + ":"
	f := map[string]string{
		p + "datetime": s.Datetime.UTC().Format(time.RFC3339),
		p + "close":    s.Close.String(),
		p + "high":     s.High.String(),
		p + "low":      s.Low.String(),
		p + "r":        s.Return.String(),
	}
	for i, period := range EMAPeriods {
		f[p+"ema"+strconv.Itoa(period)] = s.EMA[i].String()
		f[p+"mv"+strconv.Itoa(period)] = s.MV[i].String()
	}
	for _, l := range s.Lookbacks {
		lp := p + strconv.Itoa(l.Period) + ":"
		f[lp+"atr"] = l.ATR.String()
		f[lp+"vw"] = l.VW.String()
		f[lp+"ma"] = l.MA.String()
	}
	for _, ch := range s.Donchian {
		dp := p + "don" + strconv.Itoa(ch.Period) + ":"
		f[dp+"hc"] = ch.HighClose.String()
		f[dp+"lc"] = ch.LowClose.String()
		f[dp+"h"] = ch.High.String()
		f[dp+"l"] = ch.Low.String()
	}
	return f
}
