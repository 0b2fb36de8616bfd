// Package sqlstore implements every storage port on database/sql.
//
// The same SQL runs on SQLite (mattn/go-sqlite3, the default and the test
// backend) and PostgreSQL (pgx stdlib). To stay portable, timestamps are
// BIGINT unix microseconds, decimals are TEXT, placeholders are $N used once
// each and in order, and upserts use ON CONFLICT.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"eldorado/internal/model"
)

// Store is the SQL-backed implementation of model.Store.
type Store struct {
	db     *sql.DB
	driver string
	log    *slog.Logger
}

var _ model.Store = (*Store)(nil)

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open connects to driver ("sqlite3" or "pgx") and creates the schema.
func Open(ctx context.Context, driver, dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	switch driver {
	case "sqlite3":
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
		}
	case "pgx":
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore open: %w", err)
	}
	if driver == "sqlite3" {
		// Single writer; every transaction below must use its tx only.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore ping: %w", err)
	}

	s := &Store{db: db, driver: driver, log: log}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore schema: %w", err)
	}
	log.Info("store opened", slog.String("driver", driver))
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS markets (
		market_id        TEXT PRIMARY KEY,
		exchange_name    TEXT NOT NULL,
		market_name      TEXT NOT NULL,
		market_type      TEXT NOT NULL,
		base_currency    TEXT NOT NULL DEFAULT '',
		quote_currency   TEXT NOT NULL DEFAULT '',
		price_increment  TEXT NOT NULL DEFAULT '0',
		size_increment   TEXT NOT NULL DEFAULT '0',
		min_size         TEXT NOT NULL DEFAULT '0',
		market_status    TEXT NOT NULL,
		mita             TEXT NOT NULL DEFAULT '',
		candle_timeframe BIGINT NOT NULL,
		last_candle      BIGINT,
		UNIQUE (exchange_name, market_name)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		market_id   TEXT    NOT NULL,
		stage       TEXT    NOT NULL,
		trade_id    BIGINT  NOT NULL,
		ts          BIGINT  NOT NULL,
		price       TEXT    NOT NULL,
		size        TEXT    NOT NULL,
		side        TEXT    NOT NULL,
		liquidation BOOLEAN NOT NULL,
		PRIMARY KEY (market_id, stage, trade_id)
	)`,
	`CREATE INDEX IF NOT EXISTS trades_by_time ON trades (market_id, stage, ts)`,
	`CREATE TABLE IF NOT EXISTS candles (
		market_id          TEXT    NOT NULL,
		tf                 BIGINT  NOT NULL,
		datetime           BIGINT  NOT NULL,
		open               TEXT    NOT NULL,
		high               TEXT    NOT NULL,
		low                TEXT    NOT NULL,
		close              TEXT    NOT NULL,
		volume             TEXT    NOT NULL,
		volume_net         TEXT    NOT NULL,
		volume_liquidation TEXT    NOT NULL,
		value              TEXT    NOT NULL,
		trade_count        BIGINT  NOT NULL,
		liquidation_count  BIGINT  NOT NULL,
		last_trade_ts      BIGINT  NOT NULL,
		last_trade_id      BIGINT  NOT NULL,
		first_trade_ts     BIGINT  NOT NULL,
		first_trade_id     BIGINT  NOT NULL,
		is_validated       BOOLEAN NOT NULL,
		PRIMARY KEY (market_id, tf, datetime)
	)`,
	`CREATE TABLE IF NOT EXISTS research_candles (
		market_id          TEXT    NOT NULL,
		tf                 BIGINT  NOT NULL,
		datetime           BIGINT  NOT NULL,
		open               TEXT    NOT NULL,
		high               TEXT    NOT NULL,
		low                TEXT    NOT NULL,
		close              TEXT    NOT NULL,
		volume             TEXT    NOT NULL,
		volume_net         TEXT    NOT NULL,
		volume_liquidation TEXT    NOT NULL,
		value              TEXT    NOT NULL,
		trade_count        BIGINT  NOT NULL,
		liquidation_count  BIGINT  NOT NULL,
		last_trade_ts      BIGINT  NOT NULL,
		last_trade_id      BIGINT  NOT NULL,
		first_trade_ts     BIGINT  NOT NULL,
		first_trade_id     BIGINT  NOT NULL,
		is_validated       BOOLEAN NOT NULL,
		volume_buy         TEXT    NOT NULL,
		volume_sell        TEXT    NOT NULL,
		volume_liq_buy     TEXT    NOT NULL,
		volume_liq_sell    TEXT    NOT NULL,
		value_buy          TEXT    NOT NULL,
		value_sell         TEXT    NOT NULL,
		value_liq          TEXT    NOT NULL,
		value_liq_buy      TEXT    NOT NULL,
		value_liq_sell     TEXT    NOT NULL,
		count_buy          BIGINT  NOT NULL,
		count_sell         BIGINT  NOT NULL,
		count_liq_buy      BIGINT  NOT NULL,
		count_liq_sell     BIGINT  NOT NULL,
		PRIMARY KEY (market_id, tf, datetime)
	)`,
	`CREATE TABLE IF NOT EXISTS market_trade_details (
		market_id          TEXT   PRIMARY KEY,
		market_start_ts    BIGINT NOT NULL,
		first_trade_ts     BIGINT NOT NULL,
		first_trade_id     BIGINT NOT NULL,
		first_trade_price  TEXT   NOT NULL,
		last_trade_ts      BIGINT NOT NULL,
		last_trade_id      BIGINT NOT NULL,
		last_trade_price   TEXT   NOT NULL,
		previous_trade_day BIGINT NOT NULL,
		previous_status    TEXT   NOT NULL,
		next_trade_day     BIGINT,
		next_status        TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS market_candle_details (
		market_id        TEXT   NOT NULL,
		tf               BIGINT NOT NULL,
		first_candle     BIGINT NOT NULL,
		last_candle      BIGINT NOT NULL,
		last_trade_ts    BIGINT NOT NULL,
		last_trade_id    BIGINT NOT NULL,
		last_trade_price TEXT   NOT NULL,
		PRIMARY KEY (market_id, tf)
	)`,
	`CREATE TABLE IF NOT EXISTS market_archive_details (
		market_id    TEXT   NOT NULL,
		tf           BIGINT NOT NULL,
		first_candle BIGINT NOT NULL,
		last_candle  BIGINT NOT NULL,
		next_month   BIGINT NOT NULL,
		PRIMARY KEY (market_id, tf)
	)`,
	`CREATE TABLE IF NOT EXISTS candle_validations (
		id                TEXT   PRIMARY KEY,
		exchange_name     TEXT   NOT NULL,
		market_id         TEXT   NOT NULL,
		datetime          BIGINT NOT NULL,
		duration          BIGINT NOT NULL,
		validation_type   TEXT   NOT NULL,
		validation_status TEXT   NOT NULL,
		created_ts        BIGINT NOT NULL,
		processed_ts      BIGINT,
		notes             TEXT   NOT NULL DEFAULT '',
		UNIQUE (market_id, datetime, duration)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		event_id      TEXT   PRIMARY KEY,
		market_id     TEXT   NOT NULL,
		exchange_name TEXT   NOT NULL,
		event_type    TEXT   NOT NULL,
		event_status  TEXT   NOT NULL,
		event_ts      BIGINT NOT NULL,
		created_ts    BIGINT NOT NULL,
		notify_ts     BIGINT NOT NULL,
		processed_ts  BIGINT,
		notes         TEXT   NOT NULL DEFAULT ''
	)`,
}

func (s *Store) createSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction, committing on nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore commit: %w", err)
	}
	return nil
}

func us(t time.Time) int64 { return t.UnixMicro() }

func fromUS(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullUS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func ptrUS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUS(v.Int64)
	return &t
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}
