package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eldorado/internal/model"
)

const marketCols = `market_id, exchange_name, market_name, market_type, base_currency, quote_currency,
	price_increment, size_increment, min_size, market_status, mita, candle_timeframe, last_candle`

func (s *Store) SelectMarkets(ctx context.Context, exchange model.ExchangeName) ([]model.MarketDetail, error) {
	return s.queryMarkets(ctx, `SELECT `+marketCols+` FROM markets
		WHERE exchange_name = $1 ORDER BY market_name`, string(exchange))
}

// SelectMarketsByMita returns the markets assigned to one collector.
func (s *Store) SelectMarketsByMita(ctx context.Context, mita string) ([]model.MarketDetail, error) {
	return s.queryMarkets(ctx, `SELECT `+marketCols+` FROM markets
		WHERE mita = $1 ORDER BY exchange_name, market_name`, mita)
}

func (s *Store) SelectMarket(ctx context.Context, id uuid.UUID) (model.MarketDetail, error) {
	m, err := scanMarket(s.db.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE market_id = $1`, id))
	if err != nil {
		return model.MarketDetail{}, notFound(err)
	}
	return m, nil
}

func (s *Store) queryMarkets(ctx context.Context, query string, args ...any) ([]model.MarketDetail, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore query markets: %w", err)
	}
	defer rows.Close()

	var out []model.MarketDetail
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMarket(ctx context.Context, m model.MarketDetail) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO markets (`+marketCols+`)
		VALUES (`+placeholders(1, 13)+`)
		ON CONFLICT (market_id) DO UPDATE SET
			exchange_name = excluded.exchange_name,
			market_name = excluded.market_name,
			market_type = excluded.market_type,
			base_currency = excluded.base_currency,
			quote_currency = excluded.quote_currency,
			price_increment = excluded.price_increment,
			size_increment = excluded.size_increment,
			min_size = excluded.min_size,
			market_status = excluded.market_status,
			mita = excluded.mita,
			candle_timeframe = excluded.candle_timeframe,
			last_candle = excluded.last_candle`,
		m.ID, string(m.Exchange), m.Name, string(m.Type), m.BaseCurrency, m.QuoteCurrency,
		m.PriceIncrement, m.SizeIncrement, m.MinSize, string(m.Status), m.Mita,
		int64(m.CandleTimeframe), nullUS(m.LastCandle)); err != nil {
		return fmt.Errorf("sqlstore upsert market %s: %w", m.Name, err)
	}
	return nil
}

func (s *Store) UpdateMarketStatus(ctx context.Context, id uuid.UUID, status model.MarketStatus) error {
	return s.updateMarket(ctx, `UPDATE markets SET market_status = $1 WHERE market_id = $2`, string(status), id)
}

func (s *Store) UpdateMarketLastCandle(ctx context.Context, id uuid.UUID, ts time.Time) error {
	return s.updateMarket(ctx, `UPDATE markets SET last_candle = $1 WHERE market_id = $2`, us(ts), id)
}

func (s *Store) updateMarket(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlstore update market: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func scanMarket(r scanner) (model.MarketDetail, error) {
	var (
		m                     model.MarketDetail
		exchange, typ, status string
		tf                    int64
		lastCandle            sql.NullInt64
	)
	if err := r.Scan(&m.ID, &exchange, &m.Name, &typ, &m.BaseCurrency, &m.QuoteCurrency,
		&m.PriceIncrement, &m.SizeIncrement, &m.MinSize, &status, &m.Mita, &tf, &lastCandle); err != nil {
		return model.MarketDetail{}, err
	}
	m.Exchange = model.ExchangeName(exchange)
	m.Type = model.MarketType(typ)
	m.Status = model.MarketStatus(status)
	m.CandleTimeframe = model.TimeFrame(tf)
	m.LastCandle = ptrUS(lastCandle)
	return m, nil
}

// ── Trade Detail ──

func (s *Store) SelectTradeDetail(ctx context.Context, marketID uuid.UUID) (model.MarketTradeDetail, error) {
	var (
		d                               model.MarketTradeDetail
		start, firstTS, lastTS, prevDay int64
		prevStatus                      string
		nextDay                         sql.NullInt64
		nextStatus                      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT market_start_ts, first_trade_ts, first_trade_id, first_trade_price,
		last_trade_ts, last_trade_id, last_trade_price, previous_trade_day, previous_status, next_trade_day, next_status
		FROM market_trade_details WHERE market_id = $1`, marketID).
		Scan(&start, &firstTS, &d.FirstTrade.ID, &d.FirstTrade.Price,
			&lastTS, &d.LastTrade.ID, &d.LastTrade.Price, &prevDay, &prevStatus, &nextDay, &nextStatus)
	if err != nil {
		return model.MarketTradeDetail{}, notFound(err)
	}
	d.MarketID = marketID
	d.MarketStart = fromUS(start)
	d.FirstTrade.Time = fromUS(firstTS)
	d.LastTrade.Time = fromUS(lastTS)
	d.PreviousTradeDay = fromUS(prevDay)
	d.PreviousStatus = model.TradeDayStatus(prevStatus)
	d.NextTradeDay = ptrUS(nextDay)
	if nextStatus.Valid {
		st := model.TradeDayStatus(nextStatus.String)
		d.NextStatus = &st
	}
	return d, nil
}

func (s *Store) UpsertTradeDetail(ctx context.Context, d model.MarketTradeDetail) error {
	return upsertTradeDetail(ctx, s.db, d)
}

func upsertTradeDetail(ctx context.Context, q querier, d model.MarketTradeDetail) error {
	var nextStatus sql.NullString
	if d.NextStatus != nil {
		nextStatus = sql.NullString{String: string(*d.NextStatus), Valid: true}
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO market_trade_details
		(market_id, market_start_ts, first_trade_ts, first_trade_id, first_trade_price,
		 last_trade_ts, last_trade_id, last_trade_price, previous_trade_day, previous_status, next_trade_day, next_status)
		VALUES (`+placeholders(1, 12)+`)
		ON CONFLICT (market_id) DO UPDATE SET
			market_start_ts = excluded.market_start_ts,
			first_trade_ts = excluded.first_trade_ts,
			first_trade_id = excluded.first_trade_id,
			first_trade_price = excluded.first_trade_price,
			last_trade_ts = excluded.last_trade_ts,
			last_trade_id = excluded.last_trade_id,
			last_trade_price = excluded.last_trade_price,
			previous_trade_day = excluded.previous_trade_day,
			previous_status = excluded.previous_status,
			next_trade_day = excluded.next_trade_day,
			next_status = excluded.next_status`,
		d.MarketID, us(d.MarketStart), us(d.FirstTrade.Time), d.FirstTrade.ID, d.FirstTrade.Price,
		us(d.LastTrade.Time), d.LastTrade.ID, d.LastTrade.Price,
		us(d.PreviousTradeDay), string(d.PreviousStatus), nullUS(d.NextTradeDay), nextStatus); err != nil {
		return fmt.Errorf("sqlstore upsert trade detail: %w", err)
	}
	return nil
}

// ── Archive Detail ──

func (s *Store) SelectArchiveDetail(ctx context.Context, marketID uuid.UUID, tf model.TimeFrame) (model.MarketArchiveDetail, error) {
	var first, last, next int64
	err := s.db.QueryRowContext(ctx, `SELECT first_candle, last_candle, next_month
		FROM market_archive_details WHERE market_id = $1 AND tf = $2`, marketID, int64(tf)).
		Scan(&first, &last, &next)
	if err != nil {
		return model.MarketArchiveDetail{}, notFound(err)
	}
	return model.MarketArchiveDetail{
		MarketID:    marketID,
		TimeFrame:   tf,
		FirstCandle: fromUS(first),
		LastCandle:  fromUS(last),
		NextMonth:   fromUS(next),
	}, nil
}

func (s *Store) UpsertArchiveDetail(ctx context.Context, d model.MarketArchiveDetail) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO market_archive_details
		(market_id, tf, first_candle, last_candle, next_month)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (market_id, tf) DO UPDATE SET
			last_candle = excluded.last_candle,
			next_month = excluded.next_month`,
		d.MarketID, int64(d.TimeFrame), us(d.FirstCandle), us(d.LastCandle), us(d.NextMonth)); err != nil {
		return fmt.Errorf("sqlstore upsert archive detail: %w", err)
	}
	return nil
}
