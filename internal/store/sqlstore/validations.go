package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eldorado/internal/model"
)

const validationCols = `id, exchange_name, market_id, datetime, duration, validation_type,
	validation_status, created_ts, processed_ts, notes`

// InsertValidation records a failed reconciliation. One record per candle:
// a second insert for the same candle is ignored.
func (s *Store) InsertValidation(ctx context.Context, v model.CandleValidation) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO candle_validations (`+validationCols+`)
		VALUES (`+placeholders(1, 10)+`)
		ON CONFLICT DO NOTHING`,
		v.ID, string(v.Exchange), v.MarketID, us(v.Datetime), int64(v.Duration), string(v.Type),
		string(v.Status), us(v.CreatedAt), nullUS(v.ProcessedAt), v.Notes); err != nil {
		return fmt.Errorf("sqlstore insert validation: %w", err)
	}
	return nil
}

func (s *Store) SelectValidations(ctx context.Context, status model.ValidationStatus) ([]model.CandleValidation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+validationCols+` FROM candle_validations
		WHERE validation_status = $1 ORDER BY created_ts ASC, datetime ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlstore query validations: %w", err)
	}
	defer rows.Close()

	var out []model.CandleValidation
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore scan validation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) SelectValidation(ctx context.Context, id uuid.UUID) (model.CandleValidation, error) {
	v, err := scanValidation(s.db.QueryRowContext(ctx, `SELECT `+validationCols+`
		FROM candle_validations WHERE id = $1`, id))
	if err != nil {
		return model.CandleValidation{}, notFound(err)
	}
	return v, nil
}

func (s *Store) UpdateValidation(ctx context.Context, v model.CandleValidation) error {
	return updateValidation(ctx, s.db, v)
}

func updateValidation(ctx context.Context, q querier, v model.CandleValidation) error {
	res, err := q.ExecContext(ctx, `UPDATE candle_validations
		SET validation_type = $1, validation_status = $2, processed_ts = $3, notes = $4
		WHERE id = $5`,
		string(v.Type), string(v.Status), nullUS(v.ProcessedAt), v.Notes, v.ID)
	if err != nil {
		return fmt.Errorf("sqlstore update validation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func scanValidation(r scanner) (model.CandleValidation, error) {
	var (
		v                     model.CandleValidation
		exchange, typ, status string
		dt, dur, created      int64
		processed             sql.NullInt64
	)
	if err := r.Scan(&v.ID, &exchange, &v.MarketID, &dt, &dur, &typ, &status, &created, &processed, &v.Notes); err != nil {
		return model.CandleValidation{}, err
	}
	v.Exchange = model.ExchangeName(exchange)
	v.Datetime = fromUS(dt)
	v.Duration = model.TimeFrame(dur)
	v.Type = model.ValidationType(typ)
	v.Status = model.ValidationStatus(status)
	v.CreatedAt = fromUS(created)
	v.ProcessedAt = ptrUS(processed)
	return v, nil
}

// ── Events ──

const eventCols = `event_id, market_id, exchange_name, event_type, event_status,
	event_ts, created_ts, notify_ts, processed_ts, notes`

func (s *Store) InsertEvent(ctx context.Context, e model.Event) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO events (`+eventCols+`)
		VALUES (`+placeholders(1, 10)+`)
		ON CONFLICT (event_id) DO NOTHING`,
		e.ID, e.MarketID, string(e.Exchange), string(e.Type), string(e.Status),
		us(e.Datetime), us(e.CreatedAt), us(e.NotifyAt), nullUS(e.ProcessedAt), e.Notes); err != nil {
		return fmt.Errorf("sqlstore insert event: %w", err)
	}
	return nil
}

// SelectDueEvents returns events not yet done whose notify time has passed,
// oldest first.
func (s *Store) SelectDueEvents(ctx context.Context, now time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventCols+` FROM events
		WHERE event_status != $1 AND notify_ts <= $2
		ORDER BY notify_ts ASC, event_ts ASC`, string(model.EventDone), us(now))
	if err != nil {
		return nil, fmt.Errorf("sqlstore query events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			e                     model.Event
			exchange, typ, status string
			at, created, notify   int64
			processed             sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.MarketID, &exchange, &typ, &status,
			&at, &created, &notify, &processed, &e.Notes); err != nil {
			return nil, fmt.Errorf("sqlstore scan event: %w", err)
		}
		e.Exchange = model.ExchangeName(exchange)
		e.Type = model.EventType(typ)
		e.Status = model.EventStatus(status)
		e.Datetime = fromUS(at)
		e.CreatedAt = fromUS(created)
		e.NotifyAt = fromUS(notify)
		e.ProcessedAt = ptrUS(processed)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateEvent(ctx context.Context, e model.Event) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events
		SET event_status = $1, notify_ts = $2, processed_ts = $3, notes = $4
		WHERE event_id = $5`,
		string(e.Status), us(e.NotifyAt), nullUS(e.ProcessedAt), e.Notes, e.ID)
	if err != nil {
		return fmt.Errorf("sqlstore update event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}
