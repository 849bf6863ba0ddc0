package binanceclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

const (
	exchangeName = "binance"

	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.ExchangeAdapter interface using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	limiter       *rate.Limiter

	leverageMu sync.Mutex
	leverage   map[string]int // Last leverage applied per native symbol
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey             string
	SecretKey          string
	UseTestnet         bool
	Logger             ports.Logger
	RequestTimeout     time.Duration // HTTP timeout per REST call
	RateLimitPerSecond int
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// REST base URL is set per client; the user data stream endpoint is
	// only selectable through the package-level flag.
	futures.UseTestnet = cfg.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}

	rps := cfg.RateLimitPerSecond
	if rps <= 0 {
		rps = 10
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		limiter:       rate.NewLimiter(rate.Limit(rps), rps),
		leverage:      make(map[string]int),
	}, nil
}

// Name returns the exchange identifier.
func (c *Client) Name() string { return exchangeName }

// NormalizeSymbol converts a standard symbol to Binance's native form.
func (c *Client) NormalizeSymbol(symbol string) (string, error) { return NormalizeSymbol(symbol) }

// DenormalizeSymbol converts a Binance symbol to standard form.
func (c *Client) DenormalizeSymbol(symbol string) (string, error) { return DenormalizeSymbol(symbol) }

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("rate limiter: %w", ctx.Err()), op)
	}
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// setLeverage applies leverage once per symbol and value.
func (c *Client) setLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	c.leverageMu.Lock()
	current := c.leverage[symbol]
	c.leverageMu.Unlock()
	if current == leverage {
		return nil
	}

	if err := c.wait(ctx, op); err != nil {
		return err
	}
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	c.leverageMu.Lock()
	c.leverage[symbol] = leverage
	c.leverageMu.Unlock()
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// PlaceOrder places a LIMIT (GTC) or MARKET order.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderHandle, error) {
	op := "PlaceOrder"
	symbol, err := NormalizeSymbol(req.Symbol)
	if err != nil {
		return nil, ports.NewAdapterError(op, 0, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err))
	}
	if !req.Side.IsValid() || !req.Quantity.IsPositive() {
		return nil, ports.NewAdapterError(op, 0, fmt.Errorf("%s failed: %w: side %q quantity %s", op, ports.ErrInvalidRequest, req.Side, req.Quantity))
	}

	if req.Leverage > 0 {
		if err := c.setLeverage(ctx, symbol, req.Leverage); err != nil {
			return nil, err
		}
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(req.Side)).
		Quantity(req.Quantity.String())
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.Kind == domain.KindMarket {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		if !req.Price.IsPositive() {
			return nil, ports.NewAdapterError(op, 0, fmt.Errorf("%s failed: %w: limit price %s", op, ports.ErrInvalidRequest, req.Price))
		}
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(req.Price.String())
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	handle := translateCreateResponse(order, req.Symbol)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":          symbol,
		"side":            req.Side,
		"quantity":        req.Quantity.String(),
		"price":           req.Price.String(),
		"exchangeOrderID": handle.ExchangeOrderID,
		"status":          handle.Status,
	})
	return handle, nil
}

// CancelOrder cancels an open order on Binance. Orders Binance no longer
// knows as open return false without an error.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (bool, error) {
	op := "CancelOrder"
	native, err := NormalizeSymbol(symbol)
	if err != nil {
		return false, ports.NewAdapterError(op, 0, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err))
	}
	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return false, ports.NewAdapterError(op, 0, fmt.Errorf("%s failed: %w: order id %q", op, ports.ErrInvalidRequest, exchangeOrderID))
	}
	if err := c.wait(ctx, op); err != nil {
		return false, err
	}

	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": native, "orderID": orderID})
	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(native).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		if isAlreadyGone(err) {
			c.logger.Info(ctx, op+": order already closed on exchange", map[string]interface{}{"symbol": native, "orderID": orderID})
			return false, nil
		}
		return false, c.handleError(ctx, err, op)
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": native, "orderID": orderID, "status": res.Status})
	return true, nil
}

// GetOpenOrders lists open orders for a symbol, or for every symbol when
// symbol is empty.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]*ports.OrderHandle, error) {
	op := "GetOpenOrders"
	svc := c.futuresClient.NewListOpenOrdersService()
	if symbol != "" {
		native, err := NormalizeSymbol(symbol)
		if err != nil {
			return nil, ports.NewAdapterError(op, 0, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err))
		}
		svc = svc.Symbol(native)
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	handles := make([]*ports.OrderHandle, 0, len(orders))
	for _, o := range orders {
		std := symbol
		if std == "" {
			if std, err = DenormalizeSymbol(o.Symbol); err != nil {
				// Pairs this client cannot map are still reported, in native form.
				std = o.Symbol
			}
		}
		handles = append(handles, translateOrder(o, std))
	}
	return handles, nil
}

// GetBalance returns wallet balances keyed by asset.
func (c *Client) GetBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	op := "GetBalance"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	balances, err := c.futuresClient.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		out[b.Asset] = parseDecimal(b.Balance)
	}
	return out, nil
}

// --- Translation Helpers ---

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func translateCreateResponse(order *futures.CreateOrderResponse, symbol string) *ports.OrderHandle {
	status, ok := mapOrderStatus(order.Status)
	if !ok {
		status = domain.OrderOpen
	}
	return &ports.OrderHandle{
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		ClientOrderID:   order.ClientOrderID,
		Symbol:          symbol,
		Side:            domain.OrderSide(order.Side),
		Kind:            domain.OrderKind(order.Type),
		Status:          status,
		Quantity:        parseDecimal(order.OrigQuantity),
		Price:           parseDecimal(order.Price),
		FilledQuantity:  parseDecimal(order.ExecutedQuantity),
		AvgPrice:        parseDecimal(order.AvgPrice),
		UpdatedAt:       time.UnixMilli(order.UpdateTime),
	}
}

func translateOrder(order *futures.Order, symbol string) *ports.OrderHandle {
	status, ok := mapOrderStatus(order.Status)
	if !ok {
		status = domain.OrderOpen
	}
	return &ports.OrderHandle{
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		ClientOrderID:   order.ClientOrderID,
		Symbol:          symbol,
		Side:            domain.OrderSide(order.Side),
		Kind:            domain.OrderKind(order.Type),
		Status:          status,
		Quantity:        parseDecimal(order.OrigQuantity),
		Price:           parseDecimal(order.Price),
		FilledQuantity:  parseDecimal(order.ExecutedQuantity),
		AvgPrice:        parseDecimal(order.AvgPrice),
		UpdatedAt:       time.UnixMilli(order.UpdateTime),
	}
}

// mapOrderStatus converts Binance order statuses to domain statuses.
func mapOrderStatus(s futures.OrderStatusType) (domain.OrderStatus, bool) {
	switch s {
	case futures.OrderStatusTypeNew:
		return domain.OrderOpen, true
	case futures.OrderStatusTypePartiallyFilled:
		return domain.OrderPartiallyFilled, true
	case futures.OrderStatusTypeFilled:
		return domain.OrderFilled, true
	case futures.OrderStatusTypeCanceled:
		return domain.OrderCancelled, true
	case futures.OrderStatusTypeRejected:
		return domain.OrderRejected, true
	case futures.OrderStatusTypeExpired:
		return domain.OrderExpired, true
	default:
		return "", false
	}
}
