package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eldorado/internal/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "eldorado.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

func testMarket() model.MarketDetail {
	return model.MarketDetail{
		ID:              uuid.New(),
		Exchange:        model.ExchangeFTX,
		Name:            "BTC-PERP",
		Type:            model.MarketPerpetual,
		PriceIncrement:  decimal.RequireFromString("1"),
		SizeIncrement:   decimal.RequireFromString("0.0001"),
		MinSize:         decimal.RequireFromString("0.0001"),
		Status:          model.StatusNew,
		Mita:            "mita-01",
		CandleTimeframe: model.T15,
	}
}

func trade(id int64, at time.Time, price, size string, side model.Side) model.Trade {
	return model.Trade{
		ID:    id,
		Time:  at,
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
		Side:  side,
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x", nil)
	assert.Error(t, err)
}

func TestOpen_SchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	s1, err := Open(context.Background(), "sqlite3", path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())
	s2, err := Open(context.Background(), "sqlite3", path, nil)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestTrades_InsertSelectMove(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	mid := uuid.New()

	trades := []model.Trade{
		trade(3, t0.Add(3*time.Second), "101", "1", model.SideSell),
		trade(1, t0.Add(1*time.Second), "100", "0.5", model.SideBuy),
		trade(2, t0.Add(2*time.Second), "100.5", "2", model.SideBuy),
		trade(4, t0.Add(20*time.Minute), "102", "1", model.SideBuy),
	}
	require.NoError(t, s.InsertTrades(ctx, mid, model.StageRest, trades))
	// replay is a no-op
	require.NoError(t, s.InsertTrades(ctx, mid, model.StageRest, trades[:2]))

	got, err := s.SelectTrades(ctx, mid, model.StageRest, t0, t0.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].ID, got[1].ID, got[2].ID})
	assert.True(t, got[2].Price.Equal(decimal.RequireFromString("101")))
	assert.Equal(t, model.SideSell, got[2].Side)
	assert.True(t, got[0].Time.Equal(t0.Add(time.Second)))

	first, err := s.SelectFirstTrade(ctx, mid, model.StageRest)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID)

	require.NoError(t, s.MoveTrades(ctx, mid, model.StageRest, model.StageProcessed, t0, t0.Add(15*time.Minute)))
	rest, err := s.SelectTrades(ctx, mid, model.StageRest, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(4), rest[0].ID)
	processed, err := s.SelectTrades(ctx, mid, model.StageProcessed, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, processed, 3)

	require.NoError(t, s.DeleteTrades(ctx, mid, model.StageProcessed, t0, t0.Add(time.Hour)))
	_, err = s.SelectFirstTrade(ctx, mid, model.StageProcessed)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func candleAt(at time.Time, close string, count int64) model.Candle {
	p := decimal.RequireFromString(close)
	return model.Candle{
		Datetime:     at,
		Open:         p,
		High:         p,
		Low:          p,
		Close:        p,
		Volume:       decimal.RequireFromString("1.5"),
		Value:        p.Mul(decimal.RequireFromString("1.5")),
		TradeCount:   count,
		LastTradeTS:  at.Add(time.Minute),
		LastTradeID:  count,
		FirstTradeTS: at,
		FirstTradeID: 1,
	}
}

func TestCommitBucket_Atomic(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	m := testMarket()
	require.NoError(t, s.UpsertMarket(ctx, m))

	require.NoError(t, s.InsertTrades(ctx, m.ID, model.StageWS, []model.Trade{
		trade(1, t0.Add(time.Minute), "100", "1.5", model.SideBuy),
		trade(2, t0.Add(16*time.Minute), "100", "1", model.SideBuy),
	}))

	c := candleAt(t0, "100", 1)
	rc := model.ResearchCandle{Candle: c, VolumeBuy: c.Volume, CountBuy: 1, ValueBuy: c.Value}
	commit := model.BucketCommit{
		MarketID:  m.ID,
		TimeFrame: model.T15,
		Candle:    c,
		Research:  &rc,
		MoveFrom:  model.StageWS,
		MoveTo:    model.StageProcessed,
		Detail: model.MarketCandleDetail{
			MarketID: m.ID, TimeFrame: model.T15, FirstCandle: t0, LastCandle: t0, LastTrade: c.LastTrade(),
		},
	}
	require.NoError(t, s.CommitBucket(ctx, commit))
	// replaying the same commit keeps one candle
	require.NoError(t, s.CommitBucket(ctx, commit))

	candles, err := s.SelectCandles(ctx, m.ID, model.T15, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.True(t, candles[0].Value.Equal(decimal.RequireFromString("150")))

	research, err := s.SelectResearchCandles(ctx, m.ID, model.T15, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, research, 1)
	assert.Equal(t, int64(1), research[0].CountBuy)

	ws, err := s.SelectTrades(ctx, m.ID, model.StageWS, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, ws, 1, "only the trade outside the bucket stays in ws")
	assert.Equal(t, int64(2), ws[0].ID)

	d, err := s.SelectCandleDetail(ctx, m.ID, model.T15)
	require.NoError(t, err)
	assert.True(t, d.LastCandle.Equal(t0))
	assert.Equal(t, c.LastTradeID, d.LastTrade.ID)

	got, err := s.SelectMarket(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastCandle)
	assert.True(t, got.LastCandle.Equal(t0))
}

func TestCommitBucket_DetailKeepsFirstCandle(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	mid := uuid.New()

	for i := 0; i < 3; i++ {
		at := t0.Add(time.Duration(i) * 15 * time.Minute)
		c := candleAt(at, "100", int64(i+1))
		require.NoError(t, s.CommitBucket(ctx, model.BucketCommit{
			MarketID:  mid,
			TimeFrame: model.T15,
			Candle:    c,
			Detail: model.MarketCandleDetail{
				MarketID: mid, TimeFrame: model.T15, FirstCandle: at, LastCandle: at, LastTrade: c.LastTrade(),
			},
		}))
	}
	d, err := s.SelectCandleDetail(ctx, mid, model.T15)
	require.NoError(t, err)
	assert.True(t, d.FirstCandle.Equal(t0))
	assert.True(t, d.LastCandle.Equal(t0.Add(30*time.Minute)))

	last, err := s.SelectLastCandle(ctx, mid, model.T15)
	require.NoError(t, err)
	assert.True(t, last.Datetime.Equal(t0.Add(30*time.Minute)))

	prev, err := s.SelectPreviousCandle(ctx, mid, model.T15, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, prev.Datetime.Equal(t0.Add(15*time.Minute)))

	_, err = s.SelectPreviousCandle(ctx, mid, model.T15, t0)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCandles_ValidationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	m := testMarket()

	var candles []model.Candle
	for i := 0; i < 4; i++ {
		candles = append(candles, candleAt(t0.Add(time.Duration(i)*15*time.Minute), "100", 1))
	}
	require.NoError(t, s.InsertCandles(ctx, m.ID, model.T15, candles))

	pending, err := s.SelectUnvalidatedCandles(ctx, m.ID, model.T15, 10)
	require.NoError(t, err)
	require.Len(t, pending, 4)

	require.NoError(t, s.MarkCandlesValidated(ctx, m.ID, model.T15, []time.Time{candles[0].Datetime}))

	v := model.NewCandleValidation(m, model.T15, candles[1], "volume mismatch", t0)
	require.NoError(t, s.InsertValidation(ctx, v))
	dup := model.NewCandleValidation(m, model.T15, candles[1], "again", t0)
	require.NoError(t, s.InsertValidation(ctx, dup))

	pending, err = s.SelectUnvalidatedCandles(ctx, m.ID, model.T15, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2, "validated and recorded candles are skipped")
	assert.True(t, pending[0].Datetime.Equal(candles[2].Datetime))

	news, err := s.SelectValidations(ctx, model.ValidationNew)
	require.NoError(t, err)
	require.Len(t, news, 1)
	assert.Equal(t, v.ID, news[0].ID)
	assert.Equal(t, "volume mismatch", news[0].Notes)
	assert.Equal(t, model.T15, news[0].Duration)

	now := t0.Add(time.Hour)
	v.Status = model.ValidationDone
	v.ProcessedAt = &now
	v.Notes = "Re-validation successful."
	require.NoError(t, s.UpdateValidation(ctx, v))

	got, err := s.SelectValidation(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationDone, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(now))

	assert.ErrorIs(t, s.UpdateValidation(ctx, model.CandleValidation{ID: uuid.New()}), model.ErrNotFound)
}

func TestCommitBucket_MovesOnlyAggregatedTrades(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	mid := uuid.New()

	require.NoError(t, s.InsertTrades(ctx, mid, model.StageWS, []model.Trade{
		trade(4, t0.Add(time.Minute), "100", "1", model.SideBuy),
	}))
	c := candleAt(t0, "100", 1)
	c.FirstTradeID, c.LastTradeID = 4, 4
	// Stored after the candle was built.
	require.NoError(t, s.InsertTrades(ctx, mid, model.StageWS, []model.Trade{
		trade(5, t0.Add(2*time.Minute), "100", "7", model.SideBuy),
	}))
	require.NoError(t, s.CommitBucket(ctx, model.BucketCommit{
		MarketID: mid, TimeFrame: model.T15, Candle: c,
		MoveFrom: model.StageWS, MoveTo: model.StageProcessed,
		Detail: model.MarketCandleDetail{MarketID: mid, TimeFrame: model.T15, FirstCandle: t0, LastCandle: t0, LastTrade: c.LastTrade()},
	}))

	processed, err := s.SelectTrades(ctx, mid, model.StageProcessed, t0, t0.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, int64(4), processed[0].ID)

	ws, err := s.SelectTrades(ctx, mid, model.StageWS, t0, t0.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, int64(5), ws[0].ID)
}

func TestCommitBucket_TradeDetail(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	mid := uuid.New()

	c := candleAt(t0, "100", 3)
	td := model.MarketTradeDetail{
		MarketID:         mid,
		MarketStart:      t0,
		FirstTrade:       model.TradeCursor{Time: t0, ID: 1, Price: c.Open},
		LastTrade:        c.LastTrade(),
		PreviousTradeDay: t0.Add(-36 * time.Hour),
		PreviousStatus:   model.DayCompleted,
	}
	require.NoError(t, s.CommitBucket(ctx, model.BucketCommit{
		MarketID: mid, TimeFrame: model.T15, Candle: c,
		Detail:      model.MarketCandleDetail{MarketID: mid, TimeFrame: model.T15, FirstCandle: t0, LastCandle: t0, LastTrade: c.LastTrade()},
		TradeDetail: &td,
	}))

	got, err := s.SelectTradeDetail(ctx, mid)
	require.NoError(t, err)
	cd, err := s.SelectCandleDetail(ctx, mid, model.T15)
	require.NoError(t, err)
	assert.Equal(t, cd.LastTrade.ID, got.LastTrade.ID)
	assert.True(t, cd.LastTrade.Time.Equal(got.LastTrade.Time))
	assert.Equal(t, int64(1), got.FirstTrade.ID)
}

func TestReplaceBucket(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	m := testMarket()

	old := candleAt(t0, "100", 1)
	require.NoError(t, s.InsertCandles(ctx, m.ID, model.T15, []model.Candle{old}))
	require.NoError(t, s.InsertTrades(ctx, m.ID, model.StageProcessed, []model.Trade{
		trade(1, t0.Add(time.Minute), "100", "1", model.SideBuy),
	}))
	v := model.NewCandleValidation(m, model.T15, old, "volume mismatch", t0)
	require.NoError(t, s.InsertValidation(ctx, v))

	fixed := candleAt(t0, "105", 2)
	fetched := []model.Trade{
		trade(1, t0.Add(time.Minute), "100", "1", model.SideBuy),
		trade(2, t0.Add(2*time.Minute), "105", "1", model.SideSell),
	}
	now := t0.Add(time.Hour)
	v.Status, v.ProcessedAt, v.Notes = model.ValidationDone, &now, "Re-validation successful."

	// An unknown record rolls the whole swap back.
	missing := v
	missing.ID = uuid.New()
	err := s.ReplaceBucket(ctx, model.BucketReplace{
		MarketID: m.ID, TimeFrame: model.T15, Candle: fixed, Validation: missing,
		ReplaceTrades: true, Trades: fetched,
	})
	require.ErrorIs(t, err, model.ErrNotFound)
	processed, err := s.SelectTrades(ctx, m.ID, model.StageProcessed, t0, t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Len(t, processed, 1)
	got, err := s.SelectCandles(ctx, m.ID, model.T15, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsValidated)
	assert.True(t, got[0].Close.Equal(decimal.RequireFromString("100")))

	require.NoError(t, s.ReplaceBucket(ctx, model.BucketReplace{
		MarketID: m.ID, TimeFrame: model.T15, Candle: fixed, Validation: v,
		ReplaceTrades: true, Trades: fetched,
	}))
	got, err = s.SelectCandles(ctx, m.ID, model.T15, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Equal(decimal.RequireFromString("105")))
	assert.True(t, got[0].IsValidated)
	assert.Equal(t, int64(2), got[0].TradeCount)

	processed, err = s.SelectTrades(ctx, m.ID, model.StageProcessed, t0, t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, processed)
	validated, err := s.SelectTrades(ctx, m.ID, model.StageValidated, t0, t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Len(t, validated, 2)

	rec, err := s.SelectValidation(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationDone, rec.Status)
}

func TestMarkets(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	a := testMarket()
	b := testMarket()
	b.Name = "ETH-PERP"
	b.Mita = "mita-02"
	c := testMarket()
	c.Exchange = model.ExchangeGDAX
	c.Name = "BTC-USD"
	for _, m := range []model.MarketDetail{a, b, c} {
		require.NoError(t, s.UpsertMarket(ctx, m))
	}

	ftx, err := s.SelectMarkets(ctx, model.ExchangeFTX)
	require.NoError(t, err)
	assert.Len(t, ftx, 2)

	mine, err := s.SelectMarketsByMita(ctx, "mita-01")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "BTC-PERP", mine[0].Name)
	assert.Equal(t, "BTC-USD", mine[1].Name)

	require.NoError(t, s.UpdateMarketStatus(ctx, a.ID, model.StatusBackfill))
	require.NoError(t, s.UpdateMarketLastCandle(ctx, a.ID, t0))
	got, err := s.SelectMarket(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBackfill, got.Status)
	assert.Equal(t, model.T15, got.CandleTimeframe)
	assert.True(t, got.SizeIncrement.Equal(decimal.RequireFromString("0.0001")))
	require.NotNil(t, got.LastCandle)
	assert.True(t, got.LastCandle.Equal(t0))

	_, err = s.SelectMarket(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.UpdateMarketStatus(ctx, uuid.New(), model.StatusActive), model.ErrNotFound)
}

func TestTradeAndArchiveDetails(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	mid := uuid.New()

	_, err := s.SelectTradeDetail(ctx, mid)
	assert.ErrorIs(t, err, model.ErrNotFound)

	day := t0.Truncate(24 * time.Hour)
	d := model.MarketTradeDetail{
		MarketID:         mid,
		MarketStart:      day.AddDate(0, 0, -30),
		FirstTrade:       model.TradeCursor{Time: day.AddDate(0, 0, -30), ID: 1, Price: decimal.NewFromInt(100)},
		LastTrade:        model.TradeCursor{Time: day, ID: 900, Price: decimal.NewFromInt(110)},
		PreviousTradeDay: day,
		PreviousStatus:   model.DayGet,
	}
	require.NoError(t, s.UpsertTradeDetail(ctx, d))

	next := day.AddDate(0, 0, 1)
	st := model.DayValidate
	d.NextTradeDay = &next
	d.NextStatus = &st
	require.NoError(t, s.UpsertTradeDetail(ctx, d))

	got, err := s.SelectTradeDetail(ctx, mid)
	require.NoError(t, err)
	assert.Equal(t, int64(900), got.LastTrade.ID)
	assert.Equal(t, model.DayGet, got.PreviousStatus)
	require.NotNil(t, got.NextStatus)
	assert.Equal(t, model.DayValidate, *got.NextStatus)
	require.NotNil(t, got.NextTradeDay)
	assert.True(t, got.NextTradeDay.Equal(next))

	a := model.MarketArchiveDetail{MarketID: mid, TimeFrame: model.D01, FirstCandle: day, LastCandle: day, NextMonth: day.AddDate(0, 1, 0)}
	require.NoError(t, s.UpsertArchiveDetail(ctx, a))
	ga, err := s.SelectArchiveDetail(ctx, mid, model.D01)
	require.NoError(t, err)
	assert.True(t, ga.NextMonth.Equal(a.NextMonth))
	_, err = s.SelectArchiveDetail(ctx, mid, model.H01)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEvents_Due(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	m := testMarket()

	soon := model.NewEvent(m, model.EventValidateCandle, t0, t0.Add(time.Minute))
	later := model.NewEvent(m, model.EventArchiveDailyCandles, t0, t0.Add(time.Hour))
	require.NoError(t, s.InsertEvent(ctx, soon))
	require.NoError(t, s.InsertEvent(ctx, later))

	due, err := s.SelectDueEvents(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.EventValidateCandle, due[0].Type)

	now := t0.Add(2 * time.Minute)
	soon.Status = model.EventDone
	soon.ProcessedAt = &now
	require.NoError(t, s.UpdateEvent(ctx, soon))

	due, err = s.SelectDueEvents(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, later.ID, due[0].ID)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$1, $2, $3", placeholders(1, 3))
	assert.Equal(t, "$4", placeholders(4, 1))
}
