// Package config loads process configuration from an optional YAML file and
// ELDORADO_* environment variables. A .env file in the working directory is
// loaded into the environment first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"eldorado/internal/exchange"
	"eldorado/internal/marketdata/tfbuilder"
	"eldorado/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. ELDORADO_DATABASE_DSN.
const EnvPrefix = "ELDORADO"

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Mita     MitaConfig     `mapstructure:"mita"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite3 pgx"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type ExchangeConfig struct {
	Name              string  `mapstructure:"name" validate:"required,oneof=ftx ftxus gdax"`
	RestURL           string  `mapstructure:"rest_url" validate:"omitempty,url"`
	WSURL             string  `mapstructure:"ws_url" validate:"omitempty,url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
}

// MitaConfig configures a collector process.
type MitaConfig struct {
	Name          string          `mapstructure:"name" validate:"required"`
	Markets       []string        `mapstructure:"markets"`
	TimeFrame     string          `mapstructure:"timeframe" validate:"required"`
	Ladder        []string        `mapstructure:"ladder"`
	LookbackDays  int             `mapstructure:"lookback_days" validate:"gt=0"`
	PollInterval  time.Duration   `mapstructure:"poll_interval" validate:"gt=0"`
	RestartDelays []time.Duration `mapstructure:"restart_delays" validate:"min=1,dive,gt=0"`
	MaxRestarts   int             `mapstructure:"max_restarts" validate:"gte=0"`
	Research      bool            `mapstructure:"research"`
}

type RetryConfig struct {
	Server      time.Duration `mapstructure:"server" validate:"gt=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RateLimit   time.Duration `mapstructure:"rate_limit" validate:"gt=0"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=0"`
}

type ArchiveConfig struct {
	Dir string `mapstructure:"dir"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type AlertsConfig struct {
	WebhookURL     string `mapstructure:"webhook_url" validate:"omitempty,url"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID string `mapstructure:"telegram_chat_id" validate:"required_with=TelegramToken"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "data/eldorado.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("exchange.name", "ftx")
	v.SetDefault("exchange.rest_url", "")
	v.SetDefault("exchange.ws_url", "")
	v.SetDefault("exchange.requests_per_second", 4)
	v.SetDefault("mita.name", "mita-01")
	v.SetDefault("mita.markets", []string{})
	v.SetDefault("mita.timeframe", "t15")
	v.SetDefault("mita.ladder", []string{"t15", "h01", "h04", "d01"})
	v.SetDefault("mita.lookback_days", 90)
	v.SetDefault("mita.poll_interval", "250ms")
	v.SetDefault("mita.restart_delays", []string{"5s", "30s", "60s"})
	v.SetDefault("mita.max_restarts", 10)
	v.SetDefault("mita.research", false)
	v.SetDefault("retry.server", "30s")
	v.SetDefault("retry.timeout", "30s")
	v.SetDefault("retry.rate_limit", "90s")
	v.SetDefault("retry.max_attempts", 10)
	v.SetDefault("archive.dir", "")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.telegram_token", "")
	v.SetDefault("alerts.telegram_chat_id", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads path (optional; "" skips the file) and the environment, then
// validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the timeframe settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Mita.ParseLadder(); err != nil {
		return fmt.Errorf("config: mita.ladder: %w", err)
	}
	return nil
}

// NativeTimeFrame parses mita.timeframe.
func (m MitaConfig) NativeTimeFrame() (model.TimeFrame, error) {
	return model.ParseTimeFrame(m.TimeFrame)
}

// ParseLadder parses mita.ladder. The native timeframe is prepended when the
// list does not start with it.
func (m MitaConfig) ParseLadder() (tfbuilder.Ladder, error) {
	native, err := m.NativeTimeFrame()
	if err != nil {
		return nil, err
	}
	tfs := []model.TimeFrame{native}
	for _, s := range m.Ladder {
		tf, err := model.ParseTimeFrame(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		if tf == native && len(tfs) == 1 {
			continue
		}
		tfs = append(tfs, tf)
	}
	return tfbuilder.NewLadder(tfs...)
}

// Lookback is mita.lookback_days as a duration.
func (m MitaConfig) Lookback() time.Duration {
	return time.Duration(m.LookbackDays) * 24 * time.Hour
}

// Policy builds the REST retry policy.
func (r RetryConfig) Policy() exchange.RetryPolicy {
	return exchange.RetryPolicy{
		TimeoutDelay:   r.Timeout,
		ServerDelay:    r.Server,
		RateLimitDelay: r.RateLimit,
		MaxAttempts:    r.MaxAttempts,
	}
}

// Endpoints returns the REST and websocket URLs, defaulting per exchange.
func (e ExchangeConfig) Endpoints() (rest, ws string) {
	rest, ws = e.RestURL, e.WSURL
	var dr, dw string
	switch model.ExchangeName(e.Name) {
	case model.ExchangeFTX:
		dr, dw = "https://ftx.com/api", "wss://ftx.com/ws/"
	case model.ExchangeFTXUS:
		dr, dw = "https://ftx.us/api", "wss://ftx.us/ws/"
	case model.ExchangeGDAX:
		dr, dw = "https://api.pro.coinbase.com", "wss://ws-feed.pro.coinbase.com"
	}
	if rest == "" {
		rest = dr
	}
	if ws == "" {
		ws = dw
	}
	return rest, ws
}
