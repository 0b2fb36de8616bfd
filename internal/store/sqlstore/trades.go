package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"eldorado/internal/model"
)

const tradeCols = "trade_id, ts, price, size, side, liquidation"

// InsertTrades stores trades in one transaction. Ids already present in the
// stage are skipped, so overlapping pages and replays are harmless.
func (s *Store) InsertTrades(ctx context.Context, marketID uuid.UUID, stage model.TradeStage, trades []model.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertTrades(ctx, tx, marketID, stage, trades)
	})
}

func insertTrades(ctx context.Context, tx *sql.Tx, marketID uuid.UUID, stage model.TradeStage, trades []model.Trade) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO trades (market_id, stage, `+tradeCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (market_id, stage, trade_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("sqlstore prepare trades: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx, marketID, string(stage), t.ID, us(t.Time),
			t.Price, t.Size, t.Side.String(), t.Liquidation); err != nil {
			return fmt.Errorf("sqlstore insert trade %d: %w", t.ID, err)
		}
	}
	return nil
}

func (s *Store) SelectTrades(ctx context.Context, marketID uuid.UUID, stage model.TradeStage, start, end time.Time) ([]model.Trade, error) {
	return selectTrades(ctx, s.db, marketID, stage, start, end)
}

func selectTrades(ctx context.Context, q querier, marketID uuid.UUID, stage model.TradeStage, start, end time.Time) ([]model.Trade, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+tradeCols+` FROM trades
		WHERE market_id = $1 AND stage = $2 AND ts >= $3 AND ts < $4
		ORDER BY trade_id ASC`, marketID, string(stage), us(start), us(end))
	if err != nil {
		return nil, fmt.Errorf("sqlstore query trades: %w", err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SelectFirstTrade(ctx context.Context, marketID uuid.UUID, stage model.TradeStage) (model.Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades
		WHERE market_id = $1 AND stage = $2
		ORDER BY trade_id ASC LIMIT 1`, marketID, string(stage))
	t, err := scanTrade(row)
	if err != nil {
		return model.Trade{}, notFound(err)
	}
	return t, nil
}

func (s *Store) DeleteTrades(ctx context.Context, marketID uuid.UUID, stage model.TradeStage, start, end time.Time) error {
	return deleteTrades(ctx, s.db, marketID, stage, start, end)
}

func deleteTrades(ctx context.Context, q querier, marketID uuid.UUID, stage model.TradeStage, start, end time.Time) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM trades
		WHERE market_id = $1 AND stage = $2 AND ts >= $3 AND ts < $4`,
		marketID, string(stage), us(start), us(end)); err != nil {
		return fmt.Errorf("sqlstore delete trades: %w", err)
	}
	return nil
}

func (s *Store) MoveTrades(ctx context.Context, marketID uuid.UUID, from, to model.TradeStage, start, end time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return moveTrades(ctx, tx, marketID, from, to, start, end, math.MaxInt64)
	})
}

// moveTrades moves the trades of [start, end) whose id is at most through.
func moveTrades(ctx context.Context, tx *sql.Tx, marketID uuid.UUID, from, to model.TradeStage, start, end time.Time, through int64) error {
	if from == to {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO trades (market_id, stage, `+tradeCols+`)
		SELECT market_id, $1, `+tradeCols+` FROM trades
		WHERE market_id = $2 AND stage = $3 AND ts >= $4 AND ts < $5 AND trade_id <= $6
		ON CONFLICT (market_id, stage, trade_id) DO NOTHING`,
		string(to), marketID, string(from), us(start), us(end), through); err != nil {
		return fmt.Errorf("sqlstore copy trades %s->%s: %w", from, to, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trades
		WHERE market_id = $1 AND stage = $2 AND ts >= $3 AND ts < $4 AND trade_id <= $5`,
		marketID, string(from), us(start), us(end), through); err != nil {
		return fmt.Errorf("sqlstore delete trades %s: %w", from, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(r scanner) (model.Trade, error) {
	var (
		t    model.Trade
		ts   int64
		side string
	)
	if err := r.Scan(&t.ID, &ts, &t.Price, &t.Size, &side, &t.Liquidation); err != nil {
		return model.Trade{}, err
	}
	t.Time = fromUS(ts)
	var err error
	if t.Side, err = model.ParseSide(side); err != nil {
		return model.Trade{}, fmt.Errorf("sqlstore scan trade %d: %w", t.ID, err)
	}
	return t, nil
}
