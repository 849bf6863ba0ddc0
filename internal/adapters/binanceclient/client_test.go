package binanceclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Critical(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	fc := futures.NewClient("key", "secret")
	fc.BaseURL = srv.URL
	fc.HTTPClient = srv.Client()
	return &Client{
		futuresClient: fc,
		logger:        &mockLogger{},
		limiter:       rate.NewLimiter(rate.Inf, 1),
		leverage:      make(map[string]int),
	}
}

func TestClient_PlaceOrder(t *testing.T) {
	var leverageCalls, orderCalls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/leverage":
			leverageCalls++
			assert.Equal(t, "3", r.FormValue("leverage"))
			_, _ = w.Write([]byte(`{"leverage":3,"maxNotionalValue":"1000000","symbol":"ETHUSDT"}`))
		case "/fapi/v1/order":
			orderCalls++
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "ETHUSDT", r.FormValue("symbol"))
			assert.Equal(t, "BUY", r.FormValue("side"))
			assert.Equal(t, "LIMIT", r.FormValue("type"))
			assert.Equal(t, "GTC", r.FormValue("timeInForce"))
			assert.Equal(t, "0.5", r.FormValue("quantity"))
			assert.Equal(t, "100.25", r.FormValue("price"))
			assert.Equal(t, "client-1", r.FormValue("newClientOrderId"))
			_, _ = w.Write([]byte(`{"orderId":123,"symbol":"ETHUSDT","status":"NEW","clientOrderId":"client-1","price":"100.25","avgPrice":"0.00","origQty":"0.5","executedQty":"0","side":"BUY","type":"LIMIT","timeInForce":"GTC","updateTime":1700000000000}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	req := ports.OrderRequest{
		Symbol:        "ETH/USDT",
		Side:          domain.Buy,
		Kind:          domain.KindLimit,
		Quantity:      decimal.RequireFromString("0.5"),
		Price:         decimal.RequireFromString("100.25"),
		Leverage:      3,
		ClientOrderID: "client-1",
	}

	handle, err := c.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "123", handle.ExchangeOrderID)
	assert.Equal(t, "ETH/USDT", handle.Symbol)
	assert.Equal(t, domain.OrderOpen, handle.Status)
	assert.True(t, decimal.RequireFromString("0.5").Equal(handle.Quantity))

	// Leverage is only applied once per symbol.
	_, err = c.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, leverageCalls)
	assert.Equal(t, 2, orderCalls)
}

func TestClient_PlaceOrderRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	})

	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Symbol:   "ETH/USDT",
		Side:     domain.Sell,
		Kind:     domain.KindLimit,
		Quantity: decimal.RequireFromString("1"),
		Price:    decimal.RequireFromString("110"),
	})
	require.Error(t, err)

	var ae *ports.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ports.ReasonRejected, ae.Reason)
	assert.Equal(t, -2019, ae.Code)
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)
}

func TestClient_PlaceOrderValidation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected, got %s", r.URL.Path)
	})

	tests := []struct {
		name string
		req  ports.OrderRequest
	}{
		{"unsupported symbol", ports.OrderRequest{Symbol: "ETH-USDT", Side: domain.Buy, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)}},
		{"zero quantity", ports.OrderRequest{Symbol: "ETH/USDT", Side: domain.Buy, Quantity: decimal.Zero, Price: decimal.NewFromInt(1)}},
		{"limit without price", ports.OrderRequest{Symbol: "ETH/USDT", Side: domain.Buy, Kind: domain.KindLimit, Quantity: decimal.NewFromInt(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.PlaceOrder(context.Background(), tt.req)
			assert.ErrorIs(t, err, ports.ErrInvalidRequest)
		})
	}
}

func TestClient_CancelOrder(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			_, _ = w.Write([]byte(`{"orderId":77,"symbol":"ETHUSDT","status":"CANCELED","side":"SELL","type":"LIMIT"}`))
		})
		ok, err := c.CancelOrder(context.Background(), "ETH/USDT", "77")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("already terminal", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
		})
		ok, err := c.CancelOrder(context.Background(), "ETH/USDT", "77")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("auth failure", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`))
		})
		_, err := c.CancelOrder(context.Background(), "ETH/USDT", "77")
		var ae *ports.AdapterError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, ports.ReasonAuth, ae.Reason)
	})

	t.Run("bad order id", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
		_, err := c.CancelOrder(context.Background(), "ETH/USDT", "abc")
		assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	})
}

func TestClient_GetOpenOrdersAndBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/fapi/v1/openOrders":
			_, _ = w.Write([]byte(`[{"orderId":5,"symbol":"ETHUSDT","status":"PARTIALLY_FILLED","clientOrderId":"c5","price":"100","avgPrice":"100","origQty":"2","executedQty":"1","side":"BUY","type":"LIMIT","updateTime":1700000000000}]`))
		case strings.HasSuffix(r.URL.Path, "/balance"):
			_, _ = w.Write([]byte(`[{"accountAlias":"a","asset":"USDT","balance":"1234.5","availableBalance":"1000"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	orders, err := c.GetOpenOrders(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "5", orders[0].ExchangeOrderID)
	assert.Equal(t, domain.OrderPartiallyFilled, orders[0].Status)
	assert.True(t, decimal.NewFromInt(1).Equal(orders[0].FilledQuantity))

	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1234.5").Equal(bal["USDT"]))
}

func TestClient_GetOpenOrdersAllSymbols(t *testing.T) {
	var query string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`[
			{"orderId":7,"symbol":"BTCUSDT","status":"NEW","clientOrderId":"c7","price":"30000","origQty":"0.01","executedQty":"0","side":"SELL","type":"LIMIT","updateTime":1700000000000},
			{"orderId":8,"symbol":"ETHUSDC","status":"NEW","clientOrderId":"c8","price":"2000","origQty":"1","executedQty":"0","side":"BUY","type":"LIMIT","updateTime":1700000000000}
		]`))
	})

	orders, err := c.GetOpenOrders(context.Background(), "")
	require.NoError(t, err)
	assert.NotContains(t, query, "symbol=")
	require.Len(t, orders, 2)
	assert.Equal(t, "BTC/USDT", orders[0].Symbol)
	assert.Equal(t, "7", orders[0].ExchangeOrderID)
	assert.Equal(t, domain.Sell, orders[0].Side)
	assert.Equal(t, "ETH/USDC", orders[1].Symbol)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReason ports.AdapterReason
		wantIs     error
	}{
		{"rate limit", &common.APIError{Code: -1003, Message: "Too many requests"}, ports.ReasonRateLimit, ports.ErrRateLimited},
		{"bad signature", &common.APIError{Code: -1022, Message: "Signature invalid"}, ports.ReasonAuth, ports.ErrAuthenticationFailed},
		{"recv window", &common.APIError{Code: -1021, Message: "Timestamp outside recvWindow"}, ports.ReasonTimeout, ports.ErrTimeout},
		{"rejected", &common.APIError{Code: -2010, Message: "New order rejected"}, ports.ReasonRejected, ports.ErrOrderPlacementFailed},
		{"unknown code", &common.APIError{Code: -9999, Message: "?"}, ports.ReasonRejected, ports.ErrUnknown},
		{"deadline", context.DeadlineExceeded, ports.ReasonTimeout, ports.ErrTimeout},
		{"canceled", context.Canceled, ports.ReasonTimeout, ports.ErrContextCanceled},
		{"connection refused", errors.New("dial tcp 1.2.3.4:443: connect: connection refused"), ports.ReasonNetwork, ports.ErrConnectionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ae := mapError("PlaceOrder", tt.err)
			require.NotNil(t, ae)
			assert.Equal(t, tt.wantReason, ae.Reason)
			assert.ErrorIs(t, ae, tt.wantIs)
			assert.ErrorIs(t, ae, tt.err)
		})
	}

	assert.Nil(t, mapError("noop", nil))
}

func TestMapOrderStatus(t *testing.T) {
	tests := map[futures.OrderStatusType]domain.OrderStatus{
		futures.OrderStatusTypeNew:             domain.OrderOpen,
		futures.OrderStatusTypePartiallyFilled: domain.OrderPartiallyFilled,
		futures.OrderStatusTypeFilled:          domain.OrderFilled,
		futures.OrderStatusTypeCanceled:        domain.OrderCancelled,
		futures.OrderStatusTypeRejected:        domain.OrderRejected,
		futures.OrderStatusTypeExpired:         domain.OrderExpired,
	}
	for in, want := range tests {
		got, ok := mapOrderStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := mapOrderStatus("NEW_INSURANCE")
	assert.False(t, ok)
}
