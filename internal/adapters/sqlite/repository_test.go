package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Critical(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "scalper-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewRepository(Config{
		DBPath: dbPath,
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}

	return repo, cleanup
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newBot(id string) *domain.Bot {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Bot{
		ID:         id,
		Symbol:     "ETH/USDT",
		Exchange:   "binance",
		FirstOrder: domain.Buy,
		Quantity:   dec("0.5"),
		BuyPrice:   dec("2000.10"),
		SellPrice:  dec("2010.25"),
		Leverage:   domain.DefaultLeverage,
		Status:     domain.BotStopped,
		PnL:        decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func newOrder(id, botID, exchangeID string, status domain.OrderStatus) *domain.Order {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Order{
		ID:              id,
		BotID:           botID,
		ExchangeOrderID: exchangeID,
		Symbol:          "ETH/USDT",
		Side:            domain.Buy,
		Kind:            domain.KindLimit,
		Leg:             domain.LegOpen,
		Quantity:        dec("0.5"),
		Price:           dec("2000.10"),
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestRepository_BotRoundTrip(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	bot := newBot("bot-1")
	bot.TrailingPercent = decimal.NewNullDecimal(dec("1.5"))
	require.NoError(t, repo.CreateBot(ctx, bot))

	got, err := repo.FindBotByID(ctx, "bot-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ETH/USDT", got.Symbol)
	assert.Equal(t, domain.Buy, got.FirstOrder)
	assert.True(t, dec("2010.25").Equal(got.SellPrice))
	assert.True(t, got.TrailingPercent.Valid)
	assert.True(t, dec("1.5").Equal(got.TrailingPercent.Decimal))
	assert.True(t, got.LastFillTime.IsZero())
	assert.False(t, got.HasFillHistory())
	assert.WithinDuration(t, bot.CreatedAt, got.CreatedAt, time.Millisecond)

	// Mutate engine-owned fields and save.
	fillTime := time.Now().UTC().Truncate(time.Millisecond)
	got.Status = domain.BotActive
	got.RecordFill(domain.Buy, dec("2000.10"), fillTime)
	got.RecordCycle(dec("5.075"))
	got.InfiniteLoop = true
	require.NoError(t, repo.SaveBot(ctx, got))

	reloaded, err := repo.FindBotByID(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BotActive, reloaded.Status)
	assert.Equal(t, domain.Buy, reloaded.LastFillSide)
	assert.True(t, dec("5.075").Equal(reloaded.PnL), "pnl = %s", reloaded.PnL)
	assert.Equal(t, 1, reloaded.TotalTrades)
	assert.True(t, reloaded.InfiniteLoop)
	assert.WithinDuration(t, fillTime, reloaded.LastFillTime, time.Millisecond)
}

func TestRepository_BotNotFound(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	got, err := repo.FindBotByID(ctx, "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)

	err = repo.SaveBot(ctx, newBot("missing"))
	assert.ErrorIs(t, err, ports.ErrNotFound)
	var pe *ports.PersistenceError
	assert.ErrorAs(t, err, &pe)
}

func TestRepository_DuplicateBot(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, repo.CreateBot(ctx, newBot("dup")))
	err := repo.CreateBot(ctx, newBot("dup"))
	assert.ErrorIs(t, err, ports.ErrDuplicateEntry)
}

func TestRepository_ListBotsByStatus(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	active := newBot("a")
	active.Status = domain.BotActive
	require.NoError(t, repo.CreateBot(ctx, active))
	require.NoError(t, repo.CreateBot(ctx, newBot("s")))

	all, err := repo.ListBots(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bots, err := repo.ListBotsByStatus(ctx, domain.BotActive)
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, "a", bots[0].ID)
}

func TestRepository_DeleteBot(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, repo.CreateBot(ctx, newBot("bot-1")))
	require.NoError(t, repo.CreateBot(ctx, newBot("bot-2")))
	require.NoError(t, repo.CreateOrder(ctx, newOrder("o-1", "bot-1", "1", domain.OrderFilled)))
	require.NoError(t, repo.CreateOrder(ctx, newOrder("o-2", "bot-1", "2", domain.OrderCancelled)))
	require.NoError(t, repo.CreateOrder(ctx, newOrder("o-3", "bot-2", "3", domain.OrderOpen)))
	_, err := repo.CreateActivity(ctx, &domain.ActivityLog{BotID: "bot-1", Level: domain.LevelInfo, Message: "hi", CreatedAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteBot(ctx, "bot-1"))

	bot, err := repo.FindBotByID(ctx, "bot-1")
	require.NoError(t, err)
	assert.Nil(t, bot)
	orders, err := repo.ListOrdersByBot(ctx, "bot-1", 10)
	require.NoError(t, err)
	assert.Empty(t, orders)

	// Other bots and the activity history are untouched.
	other, err := repo.ListOrdersByBot(ctx, "bot-2", 10)
	require.NoError(t, err)
	assert.Len(t, other, 1)
	logs, err := repo.ListActivity(ctx, "bot-1", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	err = repo.DeleteBot(ctx, "bot-1")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestRepository_OrderLifecycle(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	o := newOrder("o-1", "bot-1", "1001", domain.OrderOpen)
	require.NoError(t, repo.CreateOrder(ctx, o))

	got, err := repo.FindOrderByExchangeID(ctx, "1001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "o-1", got.ID)
	assert.Equal(t, domain.LegOpen, got.Leg)
	assert.True(t, got.FilledAt.IsZero())

	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err = got.ApplyUpdate(domain.OrderUpdate{Status: domain.OrderFilled, FilledQuantity: dec("0.5"), AvgPrice: dec("2000")}, now)
	require.NoError(t, err)
	got.PairedOrderID = "o-2"
	require.NoError(t, repo.SaveOrder(ctx, got))

	reloaded, err := repo.FindOrderByID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, reloaded.Status)
	assert.True(t, dec("0.5").Equal(reloaded.FilledQuantity))
	assert.True(t, dec("2000").Equal(reloaded.AvgFillPrice))
	assert.Equal(t, "o-2", reloaded.PairedOrderID)
	assert.WithinDuration(t, now, reloaded.FilledAt, time.Millisecond)
	assert.WithinDuration(t, now, reloaded.CompletedAt, time.Millisecond)

	// A stale writer cannot move the terminal order back.
	stale := newOrder("o-1", "bot-1", "1001", domain.OrderPartiallyFilled)
	err = repo.SaveOrder(ctx, stale)
	assert.ErrorIs(t, err, ports.ErrNotFound)
	reloaded, err = repo.FindOrderByID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, reloaded.Status)
}

func TestRepository_CancellationReasonIsSticky(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	o := newOrder("o-1", "bot-1", "1001", domain.OrderOpen)
	require.NoError(t, repo.CreateOrder(ctx, o))

	o.CancellationReason = domain.CancelStop
	require.NoError(t, repo.SaveOrder(ctx, o))

	stale := newOrder("o-1", "bot-1", "1001", domain.OrderPartiallyFilled)
	require.NoError(t, repo.SaveOrder(ctx, stale))

	got, err := repo.FindOrderByID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartiallyFilled, got.Status)
	assert.Equal(t, domain.CancelStop, got.CancellationReason)
}

func TestRepository_OrderLookupsAndPending(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, repo.CreateOrder(ctx, newOrder("o-1", "bot-1", "1", domain.OrderOpen)))
	require.NoError(t, repo.CreateOrder(ctx, newOrder("o-2", "bot-1", "2", domain.OrderFilled)))
	require.NoError(t, repo.CreateOrder(ctx, newOrder("o-3", "bot-1", "3", domain.OrderPartiallyFilled)))
	require.NoError(t, repo.CreateOrder(ctx, newOrder("o-4", "bot-2", "4", domain.OrderOpen)))
	require.NoError(t, repo.CreateOrder(ctx, newOrder("o-5", "bot-1", "", domain.OrderPending)))

	t.Run("unknown exchange id", func(t *testing.T) {
		o, err := repo.FindOrderByExchangeID(ctx, "999")
		assert.NoError(t, err)
		assert.Nil(t, o)
	})

	t.Run("empty exchange id", func(t *testing.T) {
		o, err := repo.FindOrderByExchangeID(ctx, "")
		assert.NoError(t, err)
		assert.Nil(t, o)
	})

	t.Run("pending excludes terminal and other bots", func(t *testing.T) {
		pending, err := repo.ListPendingOrders(ctx, "bot-1")
		require.NoError(t, err)
		ids := make([]string, 0, len(pending))
		for _, o := range pending {
			ids = append(ids, o.ID)
		}
		assert.ElementsMatch(t, []string{"o-1", "o-3", "o-5"}, ids)
	})

	t.Run("list by bot respects limit", func(t *testing.T) {
		orders, err := repo.ListOrdersByBot(ctx, "bot-1", 2)
		require.NoError(t, err)
		assert.Len(t, orders, 2)
	})

	t.Run("exchange id is unique", func(t *testing.T) {
		err := repo.CreateOrder(ctx, newOrder("o-6", "bot-1", "1", domain.OrderOpen))
		assert.ErrorIs(t, err, ports.ErrDuplicateEntry)
	})

	t.Run("save unknown order", func(t *testing.T) {
		err := repo.SaveOrder(ctx, newOrder("nope", "bot-1", "", domain.OrderOpen))
		assert.ErrorIs(t, err, ports.ErrNotFound)
	})
}

func TestRepository_Activity(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, level := range []domain.ActivityLevel{domain.LevelInfo, domain.LevelSuccess, domain.LevelError} {
		id, err := repo.CreateActivity(ctx, &domain.ActivityLog{
			BotID:     "bot-1",
			Level:     level,
			Message:   string(level),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		assert.NotZero(t, id)
	}

	entries, err := repo.ListActivity(ctx, "bot-1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.LevelError, entries[0].Level)
	assert.Equal(t, domain.LevelSuccess, entries[1].Level)
}
