package gdax

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"eldorado/internal/marketdata/stream"
	"eldorado/internal/model"
)

// StreamCodec speaks the GDAX websocket matches channel.
type StreamCodec struct{}

type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type wsMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
	Channels  []struct {
		Name       string   `json:"name"`
		ProductIDs []string `json:"product_ids"`
	} `json:"channels"`

	TradeID int64           `json:"trade_id"`
	Side    string          `json:"side"`
	Size    decimal.Decimal `json:"size"`
	Price   decimal.Decimal `json:"price"`
	Time    time.Time       `json:"time"`
}

// Subscribe returns the subscribe request for a product's matches.
func (StreamCodec) Subscribe(market string) ([]byte, error) {
	return json.Marshal(subscribeRequest{Type: "subscribe", ProductIDs: []string{market}, Channels: []string{"matches"}})
}

// Ping returns nil: GDAX answers protocol pings.
func (StreamCodec) Ping() []byte { return nil }

// Decode parses one frame.
func (StreamCodec) Decode(data []byte) (stream.Message, error) {
	var m wsMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return stream.Message{}, fmt.Errorf("gdax stream decode: %w", err)
	}
	switch m.Type {
	case "subscriptions":
		var markets []string
		for _, ch := range m.Channels {
			if ch.Name == "matches" {
				markets = append(markets, ch.ProductIDs...)
			}
		}
		return stream.Message{Kind: stream.KindSubscribed, Markets: markets}, nil
	case "error":
		return stream.Message{Kind: stream.KindError, Err: m.Message + ": " + m.Reason}, nil
	case "match", "last_match":
		side, err := model.ParseSide(m.Side)
		if err != nil {
			return stream.Message{}, fmt.Errorf("gdax stream decode: %w", err)
		}
		t := trade{TradeID: m.TradeID, Side: side, Size: m.Size, Price: m.Price, Time: m.Time}
		return stream.Message{
			Kind:    stream.KindTrades,
			Markets: []string{m.ProductID},
			Trades:  []model.Trade{t.model()},
		}, nil
	}
	return stream.Message{Kind: stream.KindOther}, nil
}
