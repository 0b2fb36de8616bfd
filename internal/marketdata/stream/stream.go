// Package stream ingests live trades from an exchange websocket into the
// store's ws stage.
//
// A connection failure is returned to the caller rather than retried here:
// the collector composes the stream with the heartbeat so that either side
// failing stops both, and the collector's restart loop decides what next.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"eldorado/internal/model"
)

// MessageKind classifies a decoded frame.
type MessageKind uint8

const (
	KindOther MessageKind = iota
	KindSubscribed
	KindTrades
	KindError
)

// Message is one decoded frame.
type Message struct {
	Kind    MessageKind
	Markets []string
	Trades  []model.Trade
	Err     string
}

// Codec encodes requests and decodes frames for one exchange family.
type Codec interface {
	Subscribe(market string) ([]byte, error)
	// Ping returns an application ping frame, or nil to use a control ping.
	Ping() []byte
	Decode(data []byte) (Message, error)
}

// ErrNotConfirmed is returned when a subscription is not acknowledged
// within Config.ConfirmWithin messages.
var ErrNotConfirmed = errors.New("stream: subscription not confirmed")

// Config holds stream settings.
type Config struct {
	URL string

	// Markets maps exchange market names to market ids.
	Markets map[string]uuid.UUID

	// PingInterval is the keepalive period. Defaults to 15s.
	PingInterval time.Duration

	// ReadTimeout closes a silent connection. Defaults to 4 × PingInterval.
	ReadTimeout time.Duration

	// ConfirmWithin bounds the frames read while waiting for every
	// subscription to be acknowledged. Defaults to 100.
	ConfirmWithin int
}

func (c *Config) defaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 4 * c.PingInterval
	}
	if c.ConfirmWithin == 0 {
		c.ConfirmWithin = 100
	}
}

// Client streams trades for a set of markets.
type Client struct {
	cfg   Config
	codec Codec
	store model.TradeStore
	log   *slog.Logger

	Dialer *websocket.Dialer

	// OnTrades is called after each persisted batch (optional).
	OnTrades func(market string, n int)
}

// New creates a stream client. Returns an error if the URL is unparseable.
func New(cfg Config, codec Codec, store model.TradeStore, log *slog.Logger) (*Client, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("stream: parse url: %w", err)
	}
	if len(cfg.Markets) == 0 {
		return nil, errors.New("stream: no markets")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, codec: codec, store: store, log: log, Dialer: websocket.DefaultDialer}, nil
}

// Run connects, subscribes and persists trades until ctx ends (nil) or the
// connection fails (error).
func (c *Client) Run(ctx context.Context) error {
	conn, _, err := c.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("stream: dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()
	c.log.Info("stream connected", slog.String("url", c.cfg.URL), slog.Int("markets", len(c.cfg.Markets)))

	// Closes the connection when ctx is cancelled so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	if err := c.subscribe(ctx, conn); err != nil {
		return c.exitErr(ctx, err)
	}

	go c.keepalive(conn, done)

	for {
		msg, err := c.read(conn)
		if err != nil {
			return c.exitErr(ctx, err)
		}
		if err := c.handle(ctx, msg); err != nil {
			return c.exitErr(ctx, err)
		}
	}
}

func (c *Client) exitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn) error {
	pending := make(map[string]bool, len(c.cfg.Markets))
	for market := range c.cfg.Markets {
		req, err := c.codec.Subscribe(market)
		if err != nil {
			return fmt.Errorf("stream: encode subscribe: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
			return fmt.Errorf("stream: subscribe %s: %w", market, err)
		}
		pending[market] = true
	}

	for i := 0; i < c.cfg.ConfirmWithin; i++ {
		msg, err := c.read(conn)
		if err != nil {
			return err
		}
		switch msg.Kind {
		case KindSubscribed:
			for _, m := range msg.Markets {
				delete(pending, m)
			}
			if len(pending) == 0 {
				c.log.Info("stream subscriptions confirmed", slog.Int("after_messages", i+1))
				return nil
			}
		default:
			if err := c.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w within %d messages (%d pending)", ErrNotConfirmed, c.cfg.ConfirmWithin, len(pending))
}

func (c *Client) read(conn *websocket.Conn) (Message, error) {
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return Message{}, fmt.Errorf("stream: read: %w", err)
	}
	msg, err := c.codec.Decode(raw)
	if err != nil {
		// A frame we cannot parse is logged and skipped; the exchange
		// adds event types without notice.
		c.log.Warn("stream decode failed", slog.String("err", err.Error()))
		return Message{Kind: KindOther}, nil
	}
	return msg, nil
}

func (c *Client) handle(ctx context.Context, msg Message) error {
	switch msg.Kind {
	case KindError:
		return fmt.Errorf("stream: exchange error: %s", msg.Err)
	case KindTrades:
		if len(msg.Markets) == 0 {
			return nil
		}
		market := msg.Markets[0]
		id, ok := c.cfg.Markets[market]
		if !ok {
			return nil
		}
		if err := c.store.InsertTrades(ctx, id, model.StageWS, msg.Trades); err != nil {
			return fmt.Errorf("stream: persist %s trades: %w", market, err)
		}
		if c.OnTrades != nil {
			c.OnTrades(market, len(msg.Trades))
		}
	}
	return nil
}

func (c *Client) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			var err error
			if p := c.codec.Ping(); p != nil {
				err = conn.WriteMessage(websocket.TextMessage, p)
			} else {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			if err != nil {
				c.log.Warn("stream ping failed", slog.String("err", err.Error()))
				return
			}
		}
	}
}
