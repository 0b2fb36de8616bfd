// Command inquisidor coordinates the markets of one exchange: validation,
// revalidation, daily candles, event processing and the monthly archive.
//
//	inquisidor [-config file] [-once]
//	inquisidor -resolve <validation id> [-accept]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"eldorado/config"
	"eldorado/internal/app"
	"eldorado/internal/archive"
	"eldorado/internal/inquisidor"
	"eldorado/internal/marketdata/backfill"
	"eldorado/internal/model"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("ELDORADO_CONFIG"), "path to a YAML config file")
		once       = flag.Bool("once", false, "run a single pass and exit")
		resolve    = flag.String("resolve", "", "close the manual validation record with this id")
		accept     = flag.Bool("accept", false, "with -resolve, accept the candle instead of rejecting it")
	)
	flag.Parse()

	if err := run(*configPath, *once, *resolve, *accept); err != nil {
		fmt.Fprintf(os.Stderr, "inquisidor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, once bool, resolve string, accept bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// ---- Graceful shutdown ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "inquisidor")
	if err != nil {
		return err
	}
	defer a.Close()

	var arch *archive.Archiver
	if cfg.Archive.Dir != "" {
		arch = archive.New(cfg.Archive.Dir, a.Store, nil, a.Log, a.Metrics)
	}
	c := inquisidor.New(inquisidor.Config{
		Exchange: model.ExchangeName(cfg.Exchange.Name),
		Backfill: backfill.Config{Lookback: cfg.Mita.Lookback(), Research: cfg.Mita.Research},
	}, inquisidor.Deps{
		Store:    a.Store,
		Exchange: a.Exchange,
		Archiver: arch,
		Notifier: a.Notifier,
		Log:      a.Log,
		Metrics:  a.Metrics,
	})

	switch {
	case resolve != "":
		id, err := uuid.Parse(resolve)
		if err != nil {
			return fmt.Errorf("bad validation id %q: %w", resolve, err)
		}
		if err := c.Resolve(ctx, id, accept); err != nil {
			return err
		}
		a.Log.Info("validation resolved", slog.String("id", id.String()), slog.Bool("accepted", accept))
		return nil
	case once:
		return c.RunOnce(ctx)
	}

	a.Serve(ctx)
	a.Log.Info("inquisidor starting",
		slog.String("exchange", cfg.Exchange.Name),
		slog.Bool("archive", arch != nil))
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Log.Info("inquisidor stopped")
	return nil
}
