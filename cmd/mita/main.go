// Command mita collects trades for the markets assigned to one collector:
// it backfills, syncs with the live stream and keeps candles current.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"eldorado/config"
	"eldorado/internal/app"
	"eldorado/internal/marketdata/backfill"
	"eldorado/internal/marketdata/heartbeat"
	"eldorado/internal/marketdata/stream"
	"eldorado/internal/mita"
)

func main() {
	configPath := flag.String("config", os.Getenv("ELDORADO_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "mita: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ladder, err := cfg.Mita.ParseLadder()
	if err != nil {
		return err
	}

	// ---- Graceful shutdown ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "mita")
	if err != nil {
		return err
	}
	defer a.Close()
	a.Serve(ctx)

	_, wsURL := cfg.Exchange.Endpoints()
	c := mita.New(mita.Config{
		Name:    cfg.Mita.Name,
		Markets: cfg.Mita.Markets,
		Ladder:  ladder,
		Backfill: backfill.Config{
			Lookback: cfg.Mita.Lookback(),
			Research: cfg.Mita.Research,
		},
		Heartbeat: heartbeat.Config{
			Poll:     cfg.Mita.PollInterval,
			Research: cfg.Mita.Research,
		},
		Stream:        stream.Config{URL: wsURL},
		RestartDelays: cfg.Mita.RestartDelays,
		MaxRestarts:   cfg.Mita.MaxRestarts,
	}, mita.Deps{
		Store:     a.Store,
		Exchange:  a.Exchange,
		Codec:     a.Codec,
		Publisher: a.Publisher(),
		Notifier:  a.Notifier,
		Health:    a.Health,
		Log:       a.Log,
		Metrics:   a.Metrics,
	})

	a.Log.Info("mita starting",
		slog.String("mita", cfg.Mita.Name),
		slog.String("exchange", cfg.Exchange.Name),
		slog.String("ladder", fmt.Sprint(ladder)))
	if err := c.Run(ctx); err != nil {
		return err
	}
	a.Log.Info("mita stopped")
	return nil
}
