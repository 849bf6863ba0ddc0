package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

type fakeBots struct {
	bots        map[string]*domain.Bot
	stopCancel  bool
	stopErr     error
	startErr    error
	deleteErr   error
	cancelled   domain.CancellationReason
	ordersLimit int
}

func newFakeBots() *fakeBots {
	return &fakeBots{bots: map[string]*domain.Bot{
		"bot-1": {ID: "bot-1", Symbol: "ETH/USDT", Status: domain.BotStopped},
	}}
}

func (f *fakeBots) find(id string) (*domain.Bot, error) {
	b, ok := f.bots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrBotNotFound, id)
	}
	return b, nil
}

func (f *fakeBots) ListBots(ctx context.Context) ([]*domain.Bot, error) {
	return []*domain.Bot{f.bots["bot-1"]}, nil
}

func (f *fakeBots) GetBot(ctx context.Context, id string) (*domain.Bot, error) { return f.find(id) }

func (f *fakeBots) StartBot(ctx context.Context, id string) (*domain.Bot, error) {
	b, err := f.find(id)
	if err != nil {
		return nil, err
	}
	if f.startErr != nil {
		return nil, f.startErr
	}
	b.Status = domain.BotActive
	return b, nil
}

func (f *fakeBots) StopBot(ctx context.Context, id string, cancelPending bool) (*domain.Bot, error) {
	b, err := f.find(id)
	if err != nil {
		return nil, err
	}
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	f.stopCancel = cancelPending
	b.Status = domain.BotStopped
	return b, nil
}

func (f *fakeBots) StopAll(ctx context.Context) (int, error) { return 1, nil }

func (f *fakeBots) DeleteBot(ctx context.Context, id string) error {
	if _, err := f.find(id); err != nil {
		return err
	}
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.bots, id)
	return nil
}

func (f *fakeBots) CancelAllPending(ctx context.Context, id string, reason domain.CancellationReason) (int, error) {
	if _, err := f.find(id); err != nil {
		return 0, err
	}
	f.cancelled = reason
	return 2, nil
}

func (f *fakeBots) ListOrders(ctx context.Context, botID string, limit int) ([]*domain.Order, error) {
	if _, err := f.find(botID); err != nil {
		return nil, err
	}
	f.ordersLimit = limit
	return []*domain.Order{{ID: "o-1", BotID: botID, Status: domain.OrderOpen}}, nil
}

type fakeActivity struct{ limit int }

func (a *fakeActivity) CreateActivity(ctx context.Context, entry *domain.ActivityLog) (int64, error) {
	return 1, nil
}

func (a *fakeActivity) ListActivity(ctx context.Context, botID string, limit int) ([]*domain.ActivityLog, error) {
	a.limit = limit
	return []*domain.ActivityLog{{ID: 1, BotID: botID, Level: domain.LevelInfo, Message: "hi"}}, nil
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestRouter_Health(t *testing.T) {
	healthy := true
	r := NewRouter(Options{Bots: newFakeBots(), Healthy: func() bool { return healthy }})

	rec := do(t, r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "up", body["stream"])

	healthy = false
	rec = do(t, r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_BotLifecycle(t *testing.T) {
	bots := newFakeBots()
	r := NewRouter(Options{Bots: bots})

	rec := do(t, r, http.MethodPost, "/api/v1/bots/bot-1/start")
	require.Equal(t, http.StatusOK, rec.Code)
	var bot domain.Bot
	decode(t, rec, &bot)
	assert.Equal(t, domain.BotActive, bot.Status)

	rec = do(t, r, http.MethodPost, "/api/v1/bots/bot-1/stop?cancel=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bots.stopCancel)

	rec = do(t, r, http.MethodPost, "/api/v1/bots/bot-1/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, bots.stopCancel)

	rec = do(t, r, http.MethodPost, "/api/v1/bots/bot-1/cancel-all")
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled map[string]int
	decode(t, rec, &cancelled)
	assert.Equal(t, 2, cancelled["cancelled"])
	assert.Equal(t, domain.CancelManual, bots.cancelled)

	rec = do(t, r, http.MethodPost, "/api/v1/bots/stop-all")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/v1/bots")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.Bot
	decode(t, rec, &list)
	assert.Len(t, list, 1)
}

func TestRouter_DeleteBot(t *testing.T) {
	bots := newFakeBots()
	r := NewRouter(Options{Bots: bots})

	rec := do(t, r, http.MethodDelete, "/api/v1/bots/bot-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.NotContains(t, bots.bots, "bot-1")

	rec = do(t, r, http.MethodDelete, "/api/v1/bots/bot-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	busy := newFakeBots()
	busy.deleteErr = fmt.Errorf("%w: bot-1 has 1 order(s) awaiting the exchange", ports.ErrBotHasOpenOrders)
	rec = do(t, NewRouter(Options{Bots: busy}), http.MethodDelete, "/api/v1/bots/bot-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body errorBody
	decode(t, rec, &body)
	assert.Contains(t, body.Error, "awaiting the exchange")
	assert.Contains(t, busy.bots, "bot-1")
}

func TestRouter_Orders(t *testing.T) {
	bots := newFakeBots()
	r := NewRouter(Options{Bots: bots})

	rec := do(t, r, http.MethodGet, "/api/v1/bots/bot-1/orders?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var orders []domain.Order
	decode(t, rec, &orders)
	require.Len(t, orders, 1)
	assert.Equal(t, "o-1", orders[0].ID)
	assert.Equal(t, 5, bots.ordersLimit)

	rec = do(t, r, http.MethodGet, "/api/v1/bots/bot-1/orders?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_Logs(t *testing.T) {
	activity := &fakeActivity{}
	r := NewRouter(Options{Bots: newFakeBots(), Activity: activity})

	rec := do(t, r, http.MethodGet, "/api/v1/bots/bot-1/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, activity.limit)

	rec = do(t, r, http.MethodGet, "/api/v1/bots/missing/logs")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	withoutActivity := NewRouter(Options{Bots: newFakeBots()})
	rec = do(t, withoutActivity, http.MethodGet, "/api/v1/bots/bot-1/logs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(b *fakeBots)
		method string
		path   string
		want   int
	}{
		{"unknown bot", nil, http.MethodGet, "/api/v1/bots/missing", http.StatusNotFound},
		{"already active", func(b *fakeBots) { b.startErr = fmt.Errorf("%w: bot-1", ports.ErrBotAlreadyActive) }, http.MethodPost, "/api/v1/bots/bot-1/start", http.StatusConflict},
		{"not active", func(b *fakeBots) { b.stopErr = fmt.Errorf("%w: bot-1", ports.ErrBotNotActive) }, http.MethodPost, "/api/v1/bots/bot-1/stop", http.StatusConflict},
		{"invalid", func(b *fakeBots) { b.startErr = fmt.Errorf("%w: [quantity must be positive]", domain.ErrInvalidBot) }, http.MethodPost, "/api/v1/bots/bot-1/start", http.StatusBadRequest},
		{"exchange", func(b *fakeBots) {
			b.startErr = ports.NewAdapterError("PlaceOrder", 0, ports.ErrConnectionFailed)
		}, http.MethodPost, "/api/v1/bots/bot-1/start", http.StatusBadGateway},
		{"bad cancel flag", nil, http.MethodPost, "/api/v1/bots/bot-1/stop?cancel=maybe", http.StatusBadRequest},
		{"wrong method", nil, http.MethodGet, "/api/v1/bots/bot-1/start", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bots := newFakeBots()
			if tt.setup != nil {
				tt.setup(bots)
			}
			rec := do(t, NewRouter(Options{Bots: bots}), tt.method, tt.path)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
