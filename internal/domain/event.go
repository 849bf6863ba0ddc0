package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the kind of a normalized exchange event.
type EventType string

const (
	EventOrder    EventType = "ORDER"
	EventPosition EventType = "POSITION"
	EventBalance  EventType = "BALANCE"
)

// IsValid reports whether t is one of the known event types.
func (t EventType) IsValid() bool {
	switch t {
	case EventOrder, EventPosition, EventBalance:
		return true
	}
	return false
}

// Event is an exchange message after normalization. Payload holds exactly one
// of OrderUpdate, PositionUpdate or BalanceUpdate matching Type.
type Event struct {
	Type       EventType
	Key        string // Dedup key
	Payload    interface{}
	ReceivedAt time.Time
}

// OrderUpdate is the normalized payload of an ORDER event.
type OrderUpdate struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string // Standard form
	Side            OrderSide
	Status          OrderStatus
	Quantity        decimal.Decimal // Requested
	FilledQuantity  decimal.Decimal // Cumulative
	Price           decimal.Decimal
	AvgPrice        decimal.Decimal
	Commission      decimal.Decimal
	Timestamp       time.Time
}

// PositionUpdate is the normalized payload of a POSITION event.
type PositionUpdate struct {
	Symbol        string          `json:"symbol"`
	Amount        decimal.Decimal `json:"amount"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// BalanceUpdate is the normalized payload of a BALANCE event.
type BalanceUpdate struct {
	Account  string          `json:"account"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Locked   decimal.Decimal `json:"locked"`
}

// NewOrderEvent builds an ORDER event keyed on (order id, status).
func NewOrderEvent(u OrderUpdate, at time.Time) Event {
	return Event{Type: EventOrder, Key: OrderEventKey(u.ExchangeOrderID, u.Status), Payload: u, ReceivedAt: at}
}

// NewPositionEvent builds a POSITION event keyed on symbol.
func NewPositionEvent(u PositionUpdate, at time.Time) Event {
	return Event{Type: EventPosition, Key: u.Symbol, Payload: u, ReceivedAt: at}
}

// NewBalanceEvent builds a BALANCE event keyed on account and currency.
func NewBalanceEvent(u BalanceUpdate, at time.Time) Event {
	return Event{Type: EventBalance, Key: u.Account + ":" + u.Currency, Payload: u, ReceivedAt: at}
}

// OrderEventKey is the dedup key of an ORDER event.
func OrderEventKey(exchangeOrderID string, status OrderStatus) string {
	return exchangeOrderID + ":" + string(status)
}

// Order returns the ORDER payload.
func (e Event) Order() (OrderUpdate, bool) {
	u, ok := e.Payload.(OrderUpdate)
	return u, ok && e.Type == EventOrder
}

// Position returns the POSITION payload.
func (e Event) Position() (PositionUpdate, bool) {
	u, ok := e.Payload.(PositionUpdate)
	return u, ok && e.Type == EventPosition
}

// Balance returns the BALANCE payload.
func (e Event) Balance() (BalanceUpdate, bool) {
	u, ok := e.Payload.(BalanceUpdate)
	return u, ok && e.Type == EventBalance
}

// IsCompleteFill is the only condition under which a fill reaction fires:
// the exchange reports FILLED and the cumulative filled quantity covers a
// positive requested quantity.
func IsCompleteFill(u OrderUpdate) bool {
	return u.Status == OrderFilled &&
		u.Quantity.IsPositive() &&
		u.FilledQuantity.GreaterThanOrEqual(u.Quantity)
}
