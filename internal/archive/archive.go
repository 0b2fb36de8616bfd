// Package archive exports validated candles and trades to monthly gzip CSV
// files laid out as <dir>/<exchange>/<market>/<yyyy>/<mm>/<kind>.csv.gz.
package archive

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/gzip"
	"github.com/shopspring/decimal"

	"eldorado/internal/logger"
	"eldorado/internal/marketdata/daterange"
	"eldorado/internal/metrics"
	"eldorado/internal/model"
)

// File names of the monthly candle and trade files.
const (
	FileName      = "candles.csv.gz"
	TradeFileName = "trades.csv.gz"
)

// Header is the first row of every candle file.
var Header = []string{
	"datetime", "open", "high", "low", "close",
	"volume", "volume_net", "volume_liquidation", "value",
	"trade_count", "liquidation_count",
	"first_trade_ts", "first_trade_id", "last_trade_ts", "last_trade_id",
}

// TradeHeader is the first row of every trade file.
var TradeHeader = []string{"trade_id", "ts", "price", "size", "side", "liquidation"}

// Writer writes monthly files under Dir.
type Writer struct {
	Dir string
}

// Path returns the candle file of market for the month containing month.
func (w Writer) Path(m model.MarketDetail, month time.Time) string {
	return w.path(m, month, FileName)
}

// TradePath returns the trade file of market for the month containing month.
func (w Writer) TradePath(m model.MarketDetail, month time.Time) string {
	return w.path(m, month, TradeFileName)
}

func (w Writer) path(m model.MarketDetail, month time.Time, name string) string {
	month = daterange.TruncMonth(month)
	return filepath.Join(w.Dir, string(m.Exchange), safeName(m.Name),
		fmt.Sprintf("%04d", month.Year()), fmt.Sprintf("%02d", int(month.Month())), name)
}

// safeName keeps market names such as BTC/USD inside one path segment.
func safeName(name string) string {
	return strings.NewReplacer("/", "-", `\`, "-").Replace(name)
}

// WriteCandles writes candles as the candle file of month, replacing any
// previous file. The file appears under its final name only after it is
// complete and synced.
func (w Writer) WriteCandles(m model.MarketDetail, month time.Time, candles []model.Candle) (string, error) {
	rows := make([][]string, len(candles))
	for i, c := range candles {
		rows[i] = row(c)
	}
	return writeFile(w.Path(m, month), Header, rows)
}

// WriteTrades writes trades as the trade file of month, the same way
// WriteCandles writes candles.
func (w Writer) WriteTrades(m model.MarketDetail, month time.Time, trades []model.Trade) (string, error) {
	rows := make([][]string, len(trades))
	for i, t := range trades {
		rows[i] = tradeRow(t)
	}
	return writeFile(w.TradePath(m, month), TradeHeader, rows)
}

func writeFile(path string, header []string, rows [][]string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*.tmp")
	if err != nil {
		return "", fmt.Errorf("archive create: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp, header, rows); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("archive sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("archive close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("archive rename: %w", err)
	}
	return path, nil
}

func encode(w io.Writer, header []string, rows [][]string) error {
	zw := gzip.NewWriter(w)
	cw := csv.NewWriter(zw)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("archive write header: %w", err)
	}
	for i, r := range rows {
		if err := cw.Write(r); err != nil {
			return fmt.Errorf("archive write row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("archive flush: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive gzip close: %w", err)
	}
	return nil
}

func row(c model.Candle) []string {
	return []string{
		c.Datetime.UTC().Format(time.RFC3339),
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
		c.Volume.String(), c.VolumeNet.String(), c.VolumeLiquidation.String(), c.Value.String(),
		strconv.FormatInt(c.TradeCount, 10), strconv.FormatInt(c.LiquidationCount, 10),
		formatTS(c.FirstTradeTS), strconv.FormatInt(c.FirstTradeID, 10),
		formatTS(c.LastTradeTS), strconv.FormatInt(c.LastTradeID, 10),
	}
}

func tradeRow(t model.Trade) []string {
	return []string{
		strconv.FormatInt(t.ID, 10), formatTS(t.Time),
		t.Price.String(), t.Size.String(), t.Side.String(), strconv.FormatBool(t.Liquidation),
	}
}

func formatTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// readRows decodes the rows of a file written with header, skipping the
// header row itself.
func readRows(path string, header []string, each func(p *rowParser) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive open: %w", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("archive gzip: %w", err)
	}
	defer zr.Close()

	cr := csv.NewReader(zr)
	cr.FieldsPerRecord = len(header)
	if _, err := cr.Read(); err != nil {
		return fmt.Errorf("archive read header: %w", err)
	}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive read: %w", err)
		}
		if err := each(&rowParser{rec: rec, header: header}); err != nil {
			return fmt.Errorf("archive line %d: %w", line, err)
		}
	}
}

// ReadCandles decodes a file written by WriteCandles.
func ReadCandles(path string) ([]model.Candle, error) {
	var out []model.Candle
	err := readRows(path, Header, func(p *rowParser) error {
		var c model.Candle
		c.Datetime = p.time(0)
		c.Open, c.High, c.Low, c.Close = p.dec(1), p.dec(2), p.dec(3), p.dec(4)
		c.Volume, c.VolumeNet, c.VolumeLiquidation, c.Value = p.dec(5), p.dec(6), p.dec(7), p.dec(8)
		c.TradeCount, c.LiquidationCount = p.int(9), p.int(10)
		c.FirstTradeTS, c.FirstTradeID = p.time(11), p.int(12)
		c.LastTradeTS, c.LastTradeID = p.time(13), p.int(14)
		c.IsValidated = true
		if p.err != nil {
			return p.err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadTrades decodes a file written by WriteTrades.
func ReadTrades(path string) ([]model.Trade, error) {
	var out []model.Trade
	err := readRows(path, TradeHeader, func(p *rowParser) error {
		t := model.Trade{ID: p.int(0), Time: p.time(1), Price: p.dec(2), Size: p.dec(3)}
		t.Side = p.side(4)
		t.Liquidation = p.bool(5)
		if p.err != nil {
			return p.err
		}
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rowParser keeps the first conversion error.
type rowParser struct {
	rec    []string
	header []string
	err    error
}

func (p *rowParser) fail(i int, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("column %s: %w", p.header[i], err)
	}
}

func (p *rowParser) dec(i int) decimal.Decimal {
	d, err := decimal.NewFromString(p.rec[i])
	if err != nil {
		p.fail(i, err)
	}
	return d
}

func (p *rowParser) int(i int) int64 {
	n, err := strconv.ParseInt(p.rec[i], 10, 64)
	if err != nil {
		p.fail(i, err)
	}
	return n
}

func (p *rowParser) bool(i int) bool {
	b, err := strconv.ParseBool(p.rec[i])
	if err != nil {
		p.fail(i, err)
	}
	return b
}

func (p *rowParser) side(i int) model.Side {
	s, err := model.ParseSide(p.rec[i])
	if err != nil {
		p.fail(i, err)
	}
	return s
}

func (p *rowParser) time(i int) time.Time {
	if p.rec[i] == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, p.rec[i])
	if err != nil {
		p.fail(i, err)
	}
	return t.UTC()
}

// Archiver advances the archive checkpoint of markets month by month.
type Archiver struct {
	w     Writer
	store model.Store
	clk   clock.Clock
	log   *slog.Logger
	m     *metrics.Metrics
}

// New creates an Archiver writing under dir. clk, log and m may be nil.
func New(dir string, store model.Store, clk clock.Clock, log *slog.Logger, m *metrics.Metrics) *Archiver {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{w: Writer{Dir: dir}, store: store, clk: clk, log: log, m: m}
}

// ArchiveMarket writes every completed month of native candles after the
// archive checkpoint and returns the number of files written. It stops at
// the first month that still holds unvalidated candles or whose candles
// have not all been built yet. The checkpoint moves only after a file is
// closed, so a crash rewrites at most one month.
func (a *Archiver) ArchiveMarket(ctx context.Context, m model.MarketDetail) (int, error) {
	tf := m.CandleTimeframe
	nd, err := a.store.SelectCandleDetail(ctx, m.ID, tf)
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("archive candle detail: %w", err)
	}

	ad, err := a.store.SelectArchiveDetail(ctx, m.ID, tf)
	switch {
	case errors.Is(err, model.ErrNotFound):
		ad = model.MarketArchiveDetail{
			MarketID:    m.ID,
			TimeFrame:   tf,
			FirstCandle: nd.FirstCandle,
			NextMonth:   daterange.TruncMonth(nd.FirstCandle),
		}
	case err != nil:
		return 0, fmt.Errorf("archive detail: %w", err)
	}

	// A month is complete once the clock and the candles have both left it.
	end := tf.Next(nd.LastCandle)
	if now := a.clk.Now(); now.Before(end) {
		end = now
	}

	log := logger.ForMarket(a.log, m)
	written := 0
	for _, month := range daterange.MonthlyRange(ad.NextMonth, end) {
		next := daterange.NextMonth(month)
		candles, err := a.store.SelectCandles(ctx, m.ID, tf, month, next)
		if err != nil {
			return written, fmt.Errorf("archive select %s: %w", month.Format("2006-01"), err)
		}
		if i := firstUnvalidated(candles); i >= 0 {
			log.Info("archive waiting on validation",
				slog.String("month", month.Format("2006-01")),
				slog.Time("candle", candles[i].Datetime))
			break
		}
		if len(candles) > 0 {
			path, err := a.w.WriteCandles(m, month, candles)
			if err != nil {
				return written, err
			}
			ad.LastCandle = candles[len(candles)-1].Datetime
			written++
			a.m.Archived("candles", len(candles))
			log.Info("month archived", slog.String("path", path), slog.Int("candles", len(candles)))
		}
		ad.NextMonth = next
		if err := a.store.UpsertArchiveDetail(ctx, ad); err != nil {
			return written, fmt.Errorf("archive checkpoint: %w", err)
		}
	}
	return written, nil
}

// ArchiveTrades moves the validated trades of every month whose candles
// are archived into the month's trade file and returns the number of files
// written. Trades are deleted only after their file is closed; a month cut
// short rewrites the same file on the next call.
func (a *Archiver) ArchiveTrades(ctx context.Context, m model.MarketDetail) (int, error) {
	ad, err := a.store.SelectArchiveDetail(ctx, m.ID, m.CandleTimeframe)
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("archive detail: %w", err)
	}

	log := logger.ForMarket(a.log, m)
	written := 0
	for {
		first, err := a.store.SelectFirstTrade(ctx, m.ID, model.StageValidated)
		if errors.Is(err, model.ErrNotFound) {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("archive first trade: %w", err)
		}
		month := daterange.TruncMonth(first.Time)
		if !month.Before(ad.NextMonth) {
			return written, nil
		}
		next := daterange.NextMonth(month)
		trades, err := a.store.SelectTrades(ctx, m.ID, model.StageValidated, month, next)
		if err != nil {
			return written, fmt.Errorf("archive select trades %s: %w", month.Format("2006-01"), err)
		}
		path, err := a.w.WriteTrades(m, month, trades)
		if err != nil {
			return written, err
		}
		if err := a.store.DeleteTrades(ctx, m.ID, model.StageValidated, month, next); err != nil {
			return written, fmt.Errorf("archive prune trades %s: %w", month.Format("2006-01"), err)
		}
		written++
		a.m.Archived("trades", len(trades))
		log.Info("trades archived", slog.String("path", path), slog.Int("trades", len(trades)))
	}
}

// Step adapts ArchiveMarket and ArchiveTrades to a batch day step.
func (a *Archiver) Step(ctx context.Context, m model.MarketDetail, _ time.Time) error {
	if _, err := a.ArchiveMarket(ctx, m); err != nil {
		return err
	}
	_, err := a.ArchiveTrades(ctx, m)
	return err
}

func firstUnvalidated(candles []model.Candle) int {
	for i, c := range candles {
		if !c.IsValidated {
			return i
		}
	}
	return -1
}
