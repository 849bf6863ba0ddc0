package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// --- Logger ---

type mockLogger struct {
	mu        sync.Mutex
	criticals []string
	errors    []string
	warnings  []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings = append(m.warnings, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}
func (m *mockLogger) Critical(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.criticals = append(m.criticals, msg)
}

func (m *mockLogger) criticalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.criticals)
}

// --- Notifier ---

type notification struct {
	Level   domain.ActivityLevel
	BotID   string
	Message string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(ctx context.Context, level domain.ActivityLevel, botID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{Level: level, BotID: botID, Message: message})
}

func (n *recordingNotifier) byLevel(level domain.ActivityLevel) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, s := range n.sent {
		if s.Level == level {
			out = append(out, s)
		}
	}
	return out
}

// --- Bot repository ---

type memBotRepo struct {
	mu      sync.Mutex
	bots    map[string]domain.Bot
	saveErr error
	orders  *memOrderRepo // Receives the cascade of DeleteBot
}

func newMemBotRepo() *memBotRepo {
	return &memBotRepo{bots: make(map[string]domain.Bot)}
}

func (r *memBotRepo) CreateBot(ctx context.Context, bot *domain.Bot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[bot.ID]; ok {
		return ports.ErrDuplicateEntry
	}
	r.bots[bot.ID] = *bot
	return nil
}

func (r *memBotRepo) SaveBot(ctx context.Context, bot *domain.Bot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	if _, ok := r.bots[bot.ID]; !ok {
		return ports.ErrNotFound
	}
	r.bots[bot.ID] = *bot
	return nil
}

func (r *memBotRepo) FindBotByID(ctx context.Context, id string) (*domain.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r *memBotRepo) ListBots(ctx context.Context) ([]*domain.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Bot, 0, len(r.bots))
	for _, b := range r.bots {
		b := b
		out = append(out, &b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memBotRepo) ListBotsByStatus(ctx context.Context, status domain.BotStatus) ([]*domain.Bot, error) {
	all, _ := r.ListBots(ctx)
	var out []*domain.Bot
	for _, b := range all {
		if b.Status == status {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memBotRepo) DeleteBot(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[id]; !ok {
		return ports.ErrNotFound
	}
	delete(r.bots, id)
	if r.orders != nil {
		r.orders.deleteBot(id)
	}
	return nil
}

func (r *memBotRepo) get(t *testing.T, id string) domain.Bot {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	require.True(t, ok, "bot %s not stored", id)
	return b
}

// --- Order repository ---

type memOrderRepo struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	seq       map[string]int
	next      int
	createErr error
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[string]domain.Order), seq: make(map[string]int)}
}

func (r *memOrderRepo) CreateOrder(ctx context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.orders[o.ID]; ok {
		return ports.ErrDuplicateEntry
	}
	r.next++
	r.seq[o.ID] = r.next
	r.orders[o.ID] = *o
	return nil
}

// SaveOrder follows the store contract: terminal rows only accept the same
// status and a recorded cancellation reason is kept.
func (r *memOrderRepo) SaveOrder(ctx context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[o.ID]
	if !ok || (cur.Status.IsTerminal() && cur.Status != o.Status) {
		return &ports.PersistenceError{Op: "SaveOrder", Err: ports.ErrNotFound}
	}
	saved := *o
	if saved.CancellationReason == domain.CancelNone {
		saved.CancellationReason = cur.CancellationReason
	}
	r.orders[o.ID] = saved
	return nil
}

func (r *memOrderRepo) FindOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (r *memOrderRepo) FindOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.ExchangeOrderID != "" && o.ExchangeOrderID == exchangeOrderID {
			o := o
			return &o, nil
		}
	}
	return nil, nil
}

func (r *memOrderRepo) sorted(botID string) []*domain.Order {
	var out []*domain.Order
	for _, o := range r.orders {
		if o.BotID == botID {
			o := o
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.seq[out[i].ID] < r.seq[out[j].ID] })
	return out
}

func (r *memOrderRepo) ListPendingOrders(ctx context.Context, botID string) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.sorted(botID) {
		if !o.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *memOrderRepo) ListOrdersByBot(ctx context.Context, botID string, limit int) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sorted(botID)
	out := make([]*domain.Order, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// byBot returns a bot's orders in creation order.
func (r *memOrderRepo) byBot(botID string) []*domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(botID)
}

func (r *memOrderRepo) deleteBot(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range r.orders {
		if o.BotID == botID {
			delete(r.orders, id)
		}
	}
}

func (r *memOrderRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

// --- Exchange ---

type mockExchange struct {
	mu           sync.Mutex
	nextID       int
	placed       []ports.OrderRequest
	placeErr     error
	cancelled    []string
	cancelResult bool
	cancelErr    error
	onCancel     func(exchangeOrderID string)
	open         []*ports.OrderHandle
	symbolErr    error
	pingErr      error
}

func newMockExchange() *mockExchange {
	return &mockExchange{nextID: 1000, cancelResult: true}
}

func (m *mockExchange) Name() string { return "binance" }

func (m *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	m.nextID++
	m.placed = append(m.placed, req)
	return &ports.OrderHandle{
		ExchangeOrderID: strconv.Itoa(m.nextID),
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Kind:            req.Kind,
		Status:          domain.OrderOpen,
		Quantity:        req.Quantity,
		Price:           req.Price,
		UpdatedAt:       time.Now(),
	}, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (bool, error) {
	m.mu.Lock()
	hook := m.onCancel
	m.mu.Unlock()
	if hook != nil {
		hook(exchangeOrderID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return false, m.cancelErr
	}
	m.cancelled = append(m.cancelled, exchangeOrderID)
	return m.cancelResult, nil
}

func (m *mockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*ports.OrderHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open, nil
}

func (m *mockExchange) GetBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1000)}, nil
}

func (m *mockExchange) NormalizeSymbol(symbol string) (string, error) {
	if m.symbolErr != nil {
		return "", m.symbolErr
	}
	return symbol, nil
}

func (m *mockExchange) DenormalizeSymbol(symbol string) (string, error) { return symbol, nil }

func (m *mockExchange) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockExchange) setPlaceErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErr = err
}

func (m *mockExchange) placedOrders() []ports.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ports.OrderRequest(nil), m.placed...)
}

// --- Registrar ---

type fakeRegistrar struct {
	handlers map[domain.EventType][]ports.EventHandler
	err      error
}

func (f *fakeRegistrar) Register(eventType domain.EventType, handler ports.EventHandler) error {
	if f.err != nil {
		return f.err
	}
	if f.handlers == nil {
		f.handlers = make(map[domain.EventType][]ports.EventHandler)
	}
	f.handlers[eventType] = append(f.handlers[eventType], handler)
	return nil
}

// --- Fixture ---

type fixture struct {
	engine   *Engine
	bots     *memBotRepo
	orders   *memOrderRepo
	exchange *mockExchange
	notifier *recordingNotifier
	logger   *mockLogger

	mu      sync.Mutex
	results []TaskResult
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

func newFixtureWith(t *testing.T, tune func(cfg *EngineConfig)) *fixture {
	t.Helper()
	f := &fixture{
		bots:     newMemBotRepo(),
		orders:   newMemOrderRepo(),
		exchange: newMockExchange(),
		notifier: &recordingNotifier{},
		logger:   &mockLogger{},
	}
	f.bots.orders = f.orders
	cfg := EngineConfig{
		Logger:         f.logger,
		Exchange:       f.exchange,
		Bots:           f.bots,
		Orders:         f.orders,
		Notifier:       f.notifier,
		MaxWorkers:     4,
		CallTimeout:    time.Second,
		LookupAttempts: 1,
		LookupDelay:    time.Millisecond,
		OnTaskResult: func(res TaskResult) {
			f.mu.Lock()
			f.results = append(f.results, res)
			f.mu.Unlock()
		},
	}
	if tune != nil {
		tune(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	f.engine = engine
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	return f
}

func (f *fixture) taskResults() []TaskResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TaskResult(nil), f.results...)
}

func (f *fixture) lastResult(t *testing.T) TaskResult {
	t.Helper()
	res := f.taskResults()
	require.NotEmpty(t, res)
	return res[len(res)-1]
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newBot stores a STOPPED BUY@100/SELL@110 qty 1 bot.
func (f *fixture) newBot(t *testing.T, mutate func(b *domain.Bot)) *domain.Bot {
	t.Helper()
	b := &domain.Bot{
		Symbol:     "ETH/USDT",
		FirstOrder: domain.Buy,
		Quantity:   dec("1"),
		BuyPrice:   dec("100"),
		SellPrice:  dec("110"),
	}
	if mutate != nil {
		mutate(b)
	}
	require.NoError(t, f.engine.CreateBot(context.Background(), b))
	return b
}

// startedBot stores a bot and starts it, which places its opening order.
func (f *fixture) startedBot(t *testing.T, mutate func(b *domain.Bot)) (*domain.Bot, *domain.Order) {
	t.Helper()
	b := f.newBot(t, mutate)
	_, err := f.engine.StartBot(context.Background(), b.ID)
	require.NoError(t, err)
	orders := f.orders.byBot(b.ID)
	require.Len(t, orders, 1)
	return b, orders[0]
}

// fillOf builds a complete FILLED update for o at its limit price.
func fillOf(o *domain.Order) domain.OrderUpdate {
	return domain.OrderUpdate{
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Status:          domain.OrderFilled,
		Quantity:        o.Quantity,
		FilledQuantity:  o.Quantity,
		Price:           o.Price,
		AvgPrice:        o.Price,
		Timestamp:       time.Now(),
	}
}

func statusOf(o *domain.Order, status domain.OrderStatus) domain.OrderUpdate {
	return domain.OrderUpdate{
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Status:          status,
		Quantity:        o.Quantity,
		Timestamp:       time.Now(),
	}
}

// deliver runs an update through the engine and waits for its task.
func (f *fixture) deliver(u domain.OrderUpdate) {
	f.engine.HandleOrderUpdate(context.Background(), u)
	f.engine.Wait()
}

var errBoom = errors.New("boom")

func adapterErr(reason error) error {
	return ports.NewAdapterError("PlaceOrder", 0, fmt.Errorf("%w: simulated", reason))
}
