// Package app builds the shared runtime of the eldorado processes from
// configuration: logger, store, exchange client, alerts, metrics and the
// optional Redis publisher.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"eldorado/config"
	"eldorado/internal/exchange"
	"eldorado/internal/exchange/ftx"
	"eldorado/internal/exchange/gdax"
	"eldorado/internal/logger"
	"eldorado/internal/marketdata/heartbeat"
	"eldorado/internal/marketdata/stream"
	"eldorado/internal/metrics"
	"eldorado/internal/model"
	"eldorado/internal/notification"
	redisstore "eldorado/internal/store/redis"
	"eldorado/internal/store/sqlstore"
)

// App is the wired runtime of one process.
type App struct {
	Config   *config.Config
	Log      *slog.Logger
	Store    *sqlstore.Store
	Exchange model.Exchange
	Codec    stream.Codec
	Notifier notification.Notifier
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
	Redis    *redisstore.Publisher // nil when disabled or unreachable

	server *metrics.Server
}

// New wires the runtime for service. Redis failures are logged and leave
// Redis nil; every other failure is returned.
func New(ctx context.Context, cfg *config.Config, service string) (*App, error) {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	log := logger.Init(service, level, cfg.Log.Format)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	st, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return nil, err
	}
	ex, codec, err := NewExchange(cfg.Exchange, cfg.Retry, log, m)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Log:      log,
		Store:    st,
		Exchange: ex,
		Codec:    codec,
		Notifier: NewNotifier(cfg.Alerts, log),
		Registry: reg,
		Metrics:  m,
		Health:   metrics.NewHealthStatus(),
	}
	if cfg.Redis.Enabled {
		pub, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, nil, log, m)
		if err != nil {
			log.Warn("redis unavailable, continuing without live fan-out", slog.String("err", err.Error()))
		} else {
			a.Redis = pub
		}
	}
	return a, nil
}

// NewExchange builds the REST client and websocket codec of the
// configured exchange family.
func NewExchange(cfg config.ExchangeConfig, retry config.RetryConfig, log *slog.Logger, m *metrics.Metrics) (model.Exchange, stream.Codec, error) {
	name := model.ExchangeName(cfg.Name)
	policy := retry.Policy()
	policy.OnRetry = func(err *exchange.Error, wait time.Duration) {
		m.Retry(err.Class.String())
		log.Warn("exchange request retry",
			slog.String("exchange", cfg.Name),
			slog.String("class", err.Class.String()),
			slog.Duration("wait", wait),
			slog.String("err", err.Error()))
	}

	restURL, _ := cfg.Endpoints()
	rest, err := exchange.NewClient(restURL,
		exchange.WithRateLimit(cfg.RequestsPerSecond),
		exchange.WithRetryPolicy(policy),
		exchange.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	rest.OnRequest = func(_ string, status int, elapsed time.Duration) { m.Request(cfg.Name, status, elapsed) }

	switch name.Family() {
	case model.FamilyFTX:
		return ftx.New(name, rest, log), ftx.StreamCodec{}, nil
	case model.FamilyGDAX:
		return gdax.New(rest, log), gdax.StreamCodec{}, nil
	}
	return nil, nil, fmt.Errorf("app: unsupported exchange %q", cfg.Name)
}

// NewNotifier always logs alerts and also sends them to every configured
// channel.
func NewNotifier(cfg config.AlertsConfig, log *slog.Logger) notification.Notifier {
	multi := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.WebhookURL != "" {
		multi = append(multi, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramToken != "" {
		multi = append(multi, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	}
	return multi
}

// Publisher returns the live publisher, or nil when Redis is off.
func (a *App) Publisher() heartbeat.Publisher {
	if a.Redis == nil {
		return nil
	}
	return a.Redis
}

// Serve starts the /metrics and /healthz server and the dependency
// liveness checks. Both stop when ctx ends or Close is called.
func (a *App) Serve(ctx context.Context) {
	a.server = metrics.NewServer(a.Config.Metrics.Addr, a.Registry, a.Health, a.Log)
	a.server.Start()
	if a.Redis != nil {
		a.Health.StartLivenessChecker(ctx, a.Redis.Client(), a.Store.DB(), 10*time.Second)
		return
	}
	a.Health.StartLivenessChecker(ctx, nil, a.Store.DB(), 10*time.Second)
}

// Close stops the server and releases connections.
func (a *App) Close() error {
	var errs []error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.server.Stop(ctx))
		cancel()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
