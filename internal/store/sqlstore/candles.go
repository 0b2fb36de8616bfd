package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eldorado/internal/model"
)

const candleCols = `datetime, open, high, low, close, volume, volume_net, volume_liquidation, value,
	trade_count, liquidation_count, last_trade_ts, last_trade_id, first_trade_ts, first_trade_id, is_validated`

const researchCols = candleCols + `,
	volume_buy, volume_sell, volume_liq_buy, volume_liq_sell,
	value_buy, value_sell, value_liq, value_liq_buy, value_liq_sell,
	count_buy, count_sell, count_liq_buy, count_liq_sell`

func candleArgs(c model.Candle) []any {
	return []any{us(c.Datetime), c.Open, c.High, c.Low, c.Close, c.Volume, c.VolumeNet,
		c.VolumeLiquidation, c.Value, c.TradeCount, c.LiquidationCount,
		us(c.LastTradeTS), c.LastTradeID, us(c.FirstTradeTS), c.FirstTradeID, c.IsValidated}
}

func researchArgs(r model.ResearchCandle) []any {
	return append(candleArgs(r.Candle),
		r.VolumeBuy, r.VolumeSell, r.VolumeLiqBuy, r.VolumeLiqSell,
		r.ValueBuy, r.ValueSell, r.ValueLiq, r.ValueLiqBuy, r.ValueLiqSell,
		r.CountBuy, r.CountSell, r.CountLiqBuy, r.CountLiqSell)
}

// placeholders returns "$from, ..., $from+n-1".
func placeholders(from, n int) string {
	b := make([]byte, 0, n*4)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, fmt.Sprintf("$%d", from+i)...)
	}
	return string(b)
}

var (
	insertCandleSQL = `INSERT INTO candles (market_id, tf, ` + candleCols + `)
		VALUES (` + placeholders(1, 18) + `)
		ON CONFLICT (market_id, tf, datetime) DO NOTHING`
	insertResearchSQL = `INSERT INTO research_candles (market_id, tf, ` + researchCols + `)
		VALUES (` + placeholders(1, 31) + `)
		ON CONFLICT (market_id, tf, datetime) DO NOTHING`
)

func insertCandle(ctx context.Context, q querier, marketID uuid.UUID, tf model.TimeFrame, c model.Candle) error {
	args := append([]any{marketID, int64(tf)}, candleArgs(c)...)
	if _, err := q.ExecContext(ctx, insertCandleSQL, args...); err != nil {
		return fmt.Errorf("sqlstore insert candle %s %s: %w", tf, c.Datetime.Format(time.RFC3339), err)
	}
	return nil
}

func insertResearch(ctx context.Context, q querier, marketID uuid.UUID, tf model.TimeFrame, r model.ResearchCandle) error {
	args := append([]any{marketID, int64(tf)}, researchArgs(r)...)
	if _, err := q.ExecContext(ctx, insertResearchSQL, args...); err != nil {
		return fmt.Errorf("sqlstore insert research candle %s %s: %w", tf, r.Datetime.Format(time.RFC3339), err)
	}
	return nil
}

// CommitBucket writes the candle, the research candle, the trade stage move
// and the checkpoints atomically. A candle that already exists is kept,
// so replaying a committed bucket only re-applies the checkpoint.
func (s *Store) CommitBucket(ctx context.Context, c model.BucketCommit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertCandle(ctx, tx, c.MarketID, c.TimeFrame, c.Candle); err != nil {
			return err
		}
		if c.Research != nil {
			if err := insertResearch(ctx, tx, c.MarketID, c.TimeFrame, *c.Research); err != nil {
				return err
			}
		}
		if c.MoveFrom != "" && c.MoveTo != "" {
			start := c.Candle.Datetime
			if err := moveTrades(ctx, tx, c.MarketID, c.MoveFrom, c.MoveTo, start, c.TimeFrame.Next(start), c.Candle.LastTradeID); err != nil {
				return err
			}
		}
		if err := upsertCandleDetail(ctx, tx, c.Detail); err != nil {
			return err
		}
		if c.TradeDetail != nil {
			if err := upsertTradeDetail(ctx, tx, *c.TradeDetail); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE markets SET last_candle = $1
			WHERE market_id = $2 AND candle_timeframe = $3`,
			us(c.Candle.Datetime), c.MarketID, int64(c.TimeFrame)); err != nil {
			return fmt.Errorf("sqlstore update last candle: %w", err)
		}
		return nil
	})
}

func upsertCandleDetail(ctx context.Context, q querier, d model.MarketCandleDetail) error {
	if _, err := q.ExecContext(ctx, `INSERT INTO market_candle_details
		(market_id, tf, first_candle, last_candle, last_trade_ts, last_trade_id, last_trade_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market_id, tf) DO UPDATE SET
			last_candle = excluded.last_candle,
			last_trade_ts = excluded.last_trade_ts,
			last_trade_id = excluded.last_trade_id,
			last_trade_price = excluded.last_trade_price`,
		d.MarketID, int64(d.TimeFrame), us(d.FirstCandle), us(d.LastCandle),
		us(d.LastTrade.Time), d.LastTrade.ID, d.LastTrade.Price); err != nil {
		return fmt.Errorf("sqlstore upsert candle detail: %w", err)
	}
	return nil
}

func (s *Store) SelectCandleDetail(ctx context.Context, marketID uuid.UUID, tf model.TimeFrame) (model.MarketCandleDetail, error) {
	var (
		d                      model.MarketCandleDetail
		first, last, lastTrade int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT first_candle, last_candle, last_trade_ts, last_trade_id, last_trade_price
		FROM market_candle_details WHERE market_id = $1 AND tf = $2`, marketID, int64(tf)).
		Scan(&first, &last, &lastTrade, &d.LastTrade.ID, &d.LastTrade.Price)
	if err != nil {
		return model.MarketCandleDetail{}, notFound(err)
	}
	d.MarketID = marketID
	d.TimeFrame = tf
	d.FirstCandle = fromUS(first)
	d.LastCandle = fromUS(last)
	d.LastTrade.Time = fromUS(lastTrade)
	return d, nil
}

func (s *Store) SelectLastCandle(ctx context.Context, marketID uuid.UUID, tf model.TimeFrame) (model.Candle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+candleCols+` FROM candles
		WHERE market_id = $1 AND tf = $2 ORDER BY datetime DESC LIMIT 1`, marketID, int64(tf))
	c, err := scanCandle(row)
	if err != nil {
		return model.Candle{}, notFound(err)
	}
	return c, nil
}

func (s *Store) SelectPreviousCandle(ctx context.Context, marketID uuid.UUID, tf model.TimeFrame, ts time.Time) (model.Candle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+candleCols+` FROM candles
		WHERE market_id = $1 AND tf = $2 AND datetime < $3
		ORDER BY datetime DESC LIMIT 1`, marketID, int64(tf), us(ts))
	c, err := scanCandle(row)
	if err != nil {
		return model.Candle{}, notFound(err)
	}
	return c, nil
}

func (s *Store) SelectCandles(ctx context.Context, marketID uuid.UUID, tf model.TimeFrame, start, end time.Time) ([]model.Candle, error) {
	return s.queryCandles(ctx, `SELECT `+candleCols+` FROM candles
		WHERE market_id = $1 AND tf = $2 AND datetime >= $3 AND datetime < $4
		ORDER BY datetime ASC`, marketID, int64(tf), us(start), us(end))
}

// SelectUnvalidatedCandles skips candles that already have a validation
// record; those are driven by the validation workflow instead.
func (s *Store) SelectUnvalidatedCandles(ctx context.Context, marketID uuid.UUID, tf model.TimeFrame, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryCandles(ctx, `SELECT `+candleCols+` FROM candles c
		WHERE c.market_id = $1 AND c.tf = $2 AND c.is_validated = $3
		AND NOT EXISTS (
			SELECT 1 FROM candle_validations v
			WHERE v.market_id = c.market_id AND v.datetime = c.datetime AND v.duration = c.tf
		)
		ORDER BY c.datetime ASC LIMIT $4`, marketID, int64(tf), false, limit)
}

func (s *Store) queryCandles(ctx context.Context, query string, args ...any) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SelectResearchCandles(ctx context.Context, marketID uuid.UUID, tf model.TimeFrame, start, end time.Time) ([]model.ResearchCandle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+researchCols+` FROM research_candles
		WHERE market_id = $1 AND tf = $2 AND datetime >= $3 AND datetime < $4
		ORDER BY datetime ASC`, marketID, int64(tf), us(start), us(end))
	if err != nil {
		return nil, fmt.Errorf("sqlstore query research candles: %w", err)
	}
	defer rows.Close()

	var out []model.ResearchCandle
	for rows.Next() {
		var (
			r                   model.ResearchCandle
			dt, lastTS, firstTS int64
		)
		if err := rows.Scan(&dt, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume, &r.VolumeNet,
			&r.VolumeLiquidation, &r.Value, &r.TradeCount, &r.LiquidationCount,
			&lastTS, &r.LastTradeID, &firstTS, &r.FirstTradeID, &r.IsValidated,
			&r.VolumeBuy, &r.VolumeSell, &r.VolumeLiqBuy, &r.VolumeLiqSell,
			&r.ValueBuy, &r.ValueSell, &r.ValueLiq, &r.ValueLiqBuy, &r.ValueLiqSell,
			&r.CountBuy, &r.CountSell, &r.CountLiqBuy, &r.CountLiqSell); err != nil {
			return nil, fmt.Errorf("sqlstore scan research candle: %w", err)
		}
		r.Datetime = fromUS(dt)
		r.LastTradeTS = fromUS(lastTS)
		r.FirstTradeTS = fromUS(firstTS)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertCandles stores candles built outside a bucket commit, such as daily
// candles. Existing candles are kept.
func (s *Store) InsertCandles(ctx context.Context, marketID uuid.UUID, tf model.TimeFrame, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range candles {
			if err := insertCandle(ctx, tx, marketID, tf, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) MarkCandlesValidated(ctx context.Context, marketID uuid.UUID, tf model.TimeFrame, datetimes []time.Time) error {
	if len(datetimes) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, dt := range datetimes {
			if _, err := tx.ExecContext(ctx, `UPDATE candles SET is_validated = $1
				WHERE market_id = $2 AND tf = $3 AND datetime = $4`,
				true, marketID, int64(tf), us(dt)); err != nil {
				return fmt.Errorf("sqlstore mark validated: %w", err)
			}
		}
		return nil
	})
}

// ReplaceBucket swaps in a rebuilt candle, stored as validated, together
// with the trades it was built from, and updates the validation record.
func (s *Store) ReplaceBucket(ctx context.Context, r model.BucketReplace) error {
	start, end := r.Candle.Datetime, r.TimeFrame.Next(r.Candle.Datetime)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if r.ReplaceTrades {
			for _, stage := range []model.TradeStage{model.StageProcessed, model.StageValidated} {
				if err := deleteTrades(ctx, tx, r.MarketID, stage, start, end); err != nil {
					return err
				}
			}
			if len(r.Trades) > 0 {
				if err := insertTrades(ctx, tx, r.MarketID, model.StageValidated, r.Trades); err != nil {
					return err
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM candles
			WHERE market_id = $1 AND tf = $2 AND datetime = $3`,
			r.MarketID, int64(r.TimeFrame), us(start)); err != nil {
			return fmt.Errorf("sqlstore delete candle: %w", err)
		}
		c := r.Candle
		c.IsValidated = true
		if err := insertCandle(ctx, tx, r.MarketID, r.TimeFrame, c); err != nil {
			return err
		}
		return updateValidation(ctx, tx, r.Validation)
	})
}

func scanCandle(r scanner) (model.Candle, error) {
	var (
		c                   model.Candle
		dt, lastTS, firstTS int64
	)
	if err := r.Scan(&dt, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.VolumeNet,
		&c.VolumeLiquidation, &c.Value, &c.TradeCount, &c.LiquidationCount,
		&lastTS, &c.LastTradeID, &firstTS, &c.FirstTradeID, &c.IsValidated); err != nil {
		return model.Candle{}, err
	}
	c.Datetime = fromUS(dt)
	c.LastTradeTS = fromUS(lastTS)
	c.FirstTradeTS = fromUS(firstTS)
	return c, nil
}
