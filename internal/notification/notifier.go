// Package notification delivers order lifecycle events to external channels
// (logs, webhooks, Telegram, Redis). Delivery is best effort: a failing
// channel never affects the transition that produced the event.
package notification

import (
	"context"
	"fmt"
	"log/slog"

	"autotrade/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is the human-facing rendering of an event.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// AlertFor renders e for chat-style channels.
func AlertFor(e model.Event) Alert {
	level := AlertInfo
	switch e.Type {
	case model.EventRejected, model.EventExpired:
		level = AlertWarning
	}

	title := fmt.Sprintf("%s %s %d %s", e.Status, e.Action, e.Quantity, e.Symbol)
	msg := fmt.Sprintf("order %s", e.OrderID)
	if e.PortfolioID != "" {
		msg += fmt.Sprintf(" in portfolio %s", e.PortfolioID)
	}
	if e.Price.Valid {
		msg += fmt.Sprintf(" filled at %s", e.Price.Decimal.StringFixed(2))
	}
	if e.Reason != "" && e.Type != model.EventExecuted && e.Type != model.EventApproved {
		msg += fmt.Sprintf(": %s", e.Reason.Describe())
	}
	if e.ParentOrderID != "" {
		msg += fmt.Sprintf(" (child of %s)", e.ParentOrderID)
	}
	return Alert{Level: level, Title: title, Message: msg}
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	// Send delivers e. Returns error if delivery fails.
	Send(ctx context.Context, e model.Event) error
}

// LogSink writes events to the structured log (useful for development).
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a log-based sink. A nil logger uses slog.Default().
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{log: l}
}

func (n *LogSink) Name() string { return "log" }

func (n *LogSink) Send(_ context.Context, e model.Event) error {
	n.log.Info("order event",
		"event", string(e.Type),
		"order_id", e.OrderID,
		"portfolio_id", e.PortfolioID,
		"symbol", e.Symbol,
		"status", string(e.Status),
		"reason", string(e.Reason),
		"price", e.Price.Decimal.String(),
	)
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, e model.Event) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Send(ctx context.Context, e model.Event) error { return s.Fn(ctx, e) }
