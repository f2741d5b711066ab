package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventCreated   EventType = "order.created"
	EventApproved  EventType = "order.approved"
	EventRejected  EventType = "order.rejected"
	EventExecuted  EventType = "order.executed"
	EventExpired   EventType = "order.expired"
	EventCancelled EventType = "order.cancelled"
)

var statusEvents = map[Status]EventType{
	StatusPending:   EventCreated,
	StatusApproved:  EventApproved,
	StatusRejected:  EventRejected,
	StatusExecuted:  EventExecuted,
	StatusExpired:   EventExpired,
	StatusCancelled: EventCancelled,
}

// Event is a fire-and-forget lifecycle notification.
type Event struct {
	ID            string              `json:"id"`
	Seq           int64               `json:"seq,omitempty"` // assigned by the stream hub
	Type          EventType           `json:"type"`
	OrderID       string              `json:"order_id"`
	ParentOrderID string              `json:"parent_order_id,omitempty"`
	PortfolioID   string              `json:"portfolio_id,omitempty"`
	Symbol        string              `json:"symbol"`
	Action        Action              `json:"action"`
	Quantity      int64               `json:"quantity"`
	Status        Status              `json:"status"`
	Reason        Reason              `json:"reason,omitempty"`
	Price         decimal.NullDecimal `json:"price"`
	At            time.Time           `json:"at"`
}

// NewEvent describes the order's current status.
func NewEvent(o *Order) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          statusEvents[o.Status],
		OrderID:       o.ID,
		ParentOrderID: o.ParentOrderID,
		PortfolioID:   o.PortfolioID,
		Symbol:        o.Symbol,
		Action:        o.Action,
		Quantity:      o.Quantity,
		Status:        o.Status,
		Reason:        o.Reason,
		Price:         o.ExecutionPrice,
		At:            o.UpdatedAt,
	}
}

// JSON returns the JSON-encoded event. Encoding errors are ignored.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// EventSink receives lifecycle events. Emit must not block and must not fail
// the transition that produced the event.
type EventSink interface {
	Emit(Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}
