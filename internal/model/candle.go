package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is a production OHLCV candle for one market and bucket.
// Datetime is the inclusive bucket start and, with the market id and
// timeframe, the candle's identity. A candle with TradeCount == 0 is a
// carry-forward candle: flat at the previous close, trade ids copied from
// the previous candle's last trade.
type Candle struct {
	Datetime          time.Time       `json:"datetime"`
	Open              decimal.Decimal `json:"open"`
	High              decimal.Decimal `json:"high"`
	Low               decimal.Decimal `json:"low"`
	Close             decimal.Decimal `json:"close"`
	Volume            decimal.Decimal `json:"volume"`
	VolumeNet         decimal.Decimal `json:"volume_net"` // buy size minus sell size
	VolumeLiquidation decimal.Decimal `json:"volume_liquidation"`
	Value             decimal.Decimal `json:"value"` // Σ price × size
	TradeCount        int64           `json:"trade_count"`
	LiquidationCount  int64           `json:"liquidation_count"`
	LastTradeTS       time.Time       `json:"last_trade_ts"`
	LastTradeID       int64           `json:"last_trade_id"`
	FirstTradeTS      time.Time       `json:"first_trade_ts"`
	FirstTradeID      int64           `json:"first_trade_id"`
	IsValidated       bool            `json:"is_validated"`
}

// IsCarryForward reports whether the candle was filled without trades.
func (c Candle) IsCarryForward() bool {
	return c.TradeCount == 0
}

// LastTrade returns the cursor of the candle's last trade.
func (c Candle) LastTrade() TradeCursor {
	return TradeCursor{Time: c.LastTradeTS, ID: c.LastTradeID, Price: c.Close}
}

// ResearchCandle extends Candle with every volume, value and count split by
// side and by liquidation flag. VolumeLiquidation and LiquidationCount on the
// embedded Candle are the liquidation totals.
type ResearchCandle struct {
	Candle

	VolumeBuy     decimal.Decimal `json:"volume_buy"`
	VolumeSell    decimal.Decimal `json:"volume_sell"`
	VolumeLiqBuy  decimal.Decimal `json:"volume_liq_buy"`
	VolumeLiqSell decimal.Decimal `json:"volume_liq_sell"`
	ValueBuy      decimal.Decimal `json:"value_buy"`
	ValueSell     decimal.Decimal `json:"value_sell"`
	ValueLiq      decimal.Decimal `json:"value_liq"`
	ValueLiqBuy   decimal.Decimal `json:"value_liq_buy"`
	ValueLiqSell  decimal.Decimal `json:"value_liq_sell"`
	CountBuy      int64           `json:"count_buy"`
	CountSell     int64           `json:"count_sell"`
	CountLiqBuy   int64           `json:"count_liq_buy"`
	CountLiqSell  int64           `json:"count_liq_sell"`
}

// Production narrows the research candle, recomputing net volume from the
// side split. The conversion is lossy.
func (r ResearchCandle) Production() Candle {
	c := r.Candle
	c.VolumeNet = r.VolumeBuy.Sub(r.VolumeSell)
	return c
}

// ExchangeCandle is a candle as reported by an exchange, used only as a
// validation reference.
type ExchangeCandle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}
