package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s OrderStatus) IsValid() bool {
	_, ok := statusRank[s]
	return ok
}

var statusRank = map[OrderStatus]int{
	OrderPending:         0,
	OrderOpen:            1,
	OrderPartiallyFilled: 2,
	OrderFilled:          3,
	OrderCancelled:       3,
	OrderRejected:        3,
	OrderExpired:         3,
}

// OrderKind is the order type sent to the exchange.
type OrderKind string

const (
	KindLimit  OrderKind = "LIMIT"
	KindMarket OrderKind = "MARKET"
)

// OrderLeg tells which half of a buy/sell cycle an order is.
type OrderLeg string

const (
	LegOpen  OrderLeg = "OPEN"  // Starts a cycle
	LegClose OrderLeg = "CLOSE" // Placed in reaction to an OPEN leg fill
)

// CancellationReason records who asked for a cancellation.
type CancellationReason string

const (
	CancelNone   CancellationReason = ""
	CancelUpdate CancellationReason = "UPDATE" // Bot parameters changed
	CancelStop   CancellationReason = "STOP"   // Bot stopped
	CancelDelete CancellationReason = "DELETE" // Bot deleted
	CancelManual CancellationReason = "MANUAL"
)

// IsSystemInitiated reports whether the cancellation came from this system
// rather than the user acting on the exchange directly.
func (r CancellationReason) IsSystemInitiated() bool {
	switch r {
	case CancelUpdate, CancelStop, CancelDelete:
		return true
	}
	return false
}

// ErrStatusRegression is returned when an update would move a terminal order.
var ErrStatusRegression = errors.New("order status regression")

// Order is one exchange order placed on behalf of a bot.
type Order struct {
	ID                 string             `json:"id"` // UUID, also used as the exchange client order id
	BotID              string             `json:"bot_id"`
	ExchangeOrderID    string             `json:"exchange_order_id,omitempty"` // Empty until the exchange acknowledges
	Symbol             string             `json:"symbol"`                      // Standard form
	Side               OrderSide          `json:"side"`
	Kind               OrderKind          `json:"kind"`
	Leg                OrderLeg           `json:"leg"`
	Quantity           decimal.Decimal    `json:"quantity"` // Requested quantity
	Price              decimal.Decimal    `json:"price"`
	FilledQuantity     decimal.Decimal    `json:"filled_quantity"`
	AvgFillPrice       decimal.Decimal    `json:"avg_fill_price"`
	Commission         decimal.Decimal    `json:"commission"`
	RealizedPnL        decimal.Decimal    `json:"realized_pnl"` // Set on CLOSE legs when the cycle completes
	Status             OrderStatus        `json:"status"`
	PairedOrderID      string             `json:"paired_order_id,omitempty"`  // The other leg of the same cycle
	TriggerOrderID     string             `json:"trigger_order_id,omitempty"` // The order whose fill caused this placement
	CancellationReason CancellationReason `json:"cancellation_reason,omitempty"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	FilledAt           time.Time          `json:"filled_at"`
	CompletedAt        time.Time          `json:"completed_at"`
}

// IsTerminal checks if the order can no longer change.
func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// FillPrice is the average fill price, falling back to the limit price.
func (o *Order) FillPrice() decimal.Decimal {
	if o.AvgFillPrice.IsPositive() {
		return o.AvgFillPrice
	}
	return o.Price
}

// ApplyUpdate merges an exchange update into the order. Status never moves
// backwards and never leaves a terminal state; a repeated terminal status is a
// no-op. Filled quantity is clamped to the requested quantity, clamped reports
// whether that happened.
func (o *Order) ApplyUpdate(u OrderUpdate, at time.Time) (clamped bool, err error) {
	if !u.Status.IsValid() {
		return false, fmt.Errorf("unknown order status %q", u.Status)
	}
	if o.IsTerminal() {
		if u.Status == o.Status {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, o.Status, u.Status)
	}
	if statusRank[u.Status] < statusRank[o.Status] {
		return false, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, o.Status, u.Status)
	}

	filled := u.FilledQuantity
	if filled.GreaterThan(o.Quantity) {
		filled = o.Quantity
		clamped = true
	}
	if filled.GreaterThan(o.FilledQuantity) {
		o.FilledQuantity = filled
	}
	if u.AvgPrice.IsPositive() {
		o.AvgFillPrice = u.AvgPrice
	}
	if u.Commission.IsPositive() {
		o.Commission = u.Commission
	}
	if o.ExchangeOrderID == "" {
		o.ExchangeOrderID = u.ExchangeOrderID
	}

	o.Status = u.Status
	o.UpdatedAt = at
	if u.Status == OrderFilled {
		o.FilledAt = at
	}
	if u.Status.IsTerminal() {
		o.CompletedAt = at
	}
	return clamped, nil
}
