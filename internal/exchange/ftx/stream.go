package ftx

import (
	"fmt"

	"github.com/goccy/go-json"

	"eldorado/internal/marketdata/stream"
)

// StreamCodec speaks the FTX websocket trades channel.
type StreamCodec struct{}

type wsRequest struct {
	Op      string `json:"op"`
	Channel string `json:"channel,omitempty"`
	Market  string `json:"market,omitempty"`
}

type wsMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Market  string          `json:"market"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// Subscribe returns the subscribe request for a market's trades.
func (StreamCodec) Subscribe(market string) ([]byte, error) {
	return json.Marshal(wsRequest{Op: "subscribe", Channel: "trades", Market: market})
}

// Ping returns the application-level ping FTX expects.
func (StreamCodec) Ping() []byte {
	b, _ := json.Marshal(wsRequest{Op: "ping"})
	return b
}

// Decode parses one frame.
func (StreamCodec) Decode(data []byte) (stream.Message, error) {
	var m wsMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return stream.Message{}, fmt.Errorf("ftx stream decode: %w", err)
	}
	switch m.Type {
	case "subscribed":
		return stream.Message{Kind: stream.KindSubscribed, Markets: []string{m.Market}}, nil
	case "error":
		return stream.Message{Kind: stream.KindError, Err: fmt.Sprintf("code %d: %s", m.Code, m.Msg)}, nil
	case "update":
		var raw []trade
		if err := json.Unmarshal(m.Data, &raw); err != nil {
			return stream.Message{}, fmt.Errorf("ftx stream trades: %w", err)
		}
		msg := stream.Message{Kind: stream.KindTrades, Markets: []string{m.Market}}
		for _, t := range raw {
			msg.Trades = append(msg.Trades, t.model())
		}
		return msg, nil
	}
	return stream.Message{Kind: stream.KindOther}, nil
}
