// Package notification delivers operator alerts: fatal collector errors and
// candles flagged for manual review.
package notification

import (
	"context"
	"errors"
	"log/slog"

	"eldorado/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level    AlertLevel `json:"level"`
	Title    string     `json:"title"`
	Message  string     `json:"message"`
	Exchange string     `json:"exchange,omitempty"`
	Market   string     `json:"market,omitempty"`
}

// ForMarket returns an alert scoped to m.
func ForMarket(m model.MarketDetail, level AlertLevel, title, message string) Alert {
	return Alert{Level: level, Title: title, Message: message, Exchange: string(m.Exchange), Market: m.Name}
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to a logger. It is always installed so alerts
// are never lost when no remote channel is configured.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	n.log.Log(ctx, level, alert.Title,
		slog.String("alert", alert.Message),
		slog.String("exchange", alert.Exchange),
		slog.String("market", alert.Market))
	return nil
}

// Multi sends every alert to each notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
