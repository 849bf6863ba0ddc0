package ports

import (
	"context"
	"time"

	"github.com/anujsainicse/scalper-sub000/internal/domain"

	"github.com/shopspring/decimal"
)

// OrderRequest describes an order to place. Symbol is in standard form.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Kind          domain.OrderKind
	Quantity      decimal.Decimal
	Price         decimal.Decimal // Ignored for MARKET orders
	Leverage      int             // Applied before placement when > 0
	ClientOrderID string
}

// OrderHandle is the exchange's view of an order after placement or lookup.
type OrderHandle struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string // Standard form
	Side            domain.OrderSide
	Kind            domain.OrderKind
	Status          domain.OrderStatus
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	FilledQuantity  decimal.Decimal
	AvgPrice        decimal.Decimal
	UpdatedAt       time.Time
}

// ExchangeAdapter is the uniform surface over one exchange's REST API.
// Every failure is an *AdapterError. Implementations apply their own
// transport timeouts but callers must still bound calls with a context.
type ExchangeAdapter interface {
	// Name returns the exchange identifier, e.g. "binance".
	Name() string

	// PlaceOrder submits a new order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error)

	// CancelOrder cancels an open order. It returns false without error when
	// the order was already terminal on the exchange.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (bool, error)

	// GetOpenOrders lists open orders for a symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]*OrderHandle, error)

	// GetBalance returns wallet balances keyed by currency.
	GetBalance(ctx context.Context) (map[string]decimal.Decimal, error)

	// NormalizeSymbol converts "ETH/USDT" to the exchange's native form.
	NormalizeSymbol(symbol string) (string, error)

	// DenormalizeSymbol converts the native form back to "ETH/USDT".
	DenormalizeSymbol(symbol string) (string, error)

	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error
}
