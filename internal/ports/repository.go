package ports

import (
	"context"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
)

// BotRepository defines the interface for storing and retrieving bots.
type BotRepository interface {
	// CreateBot saves a new bot.
	CreateBot(ctx context.Context, bot *domain.Bot) error
	// SaveBot overwrites the mutable fields of an existing bot.
	SaveBot(ctx context.Context, bot *domain.Bot) error
	// FindBotByID retrieves a bot by its ID.
	// Returns nil, nil if not found.
	FindBotByID(ctx context.Context, id string) (*domain.Bot, error)
	// ListBots retrieves all bots, newest first.
	ListBots(ctx context.Context) ([]*domain.Bot, error)
	// ListBotsByStatus retrieves bots in the given status.
	ListBotsByStatus(ctx context.Context, status domain.BotStatus) ([]*domain.Bot, error)
	// DeleteBot removes a bot together with its orders.
	// Returns ErrNotFound if the bot does not exist.
	DeleteBot(ctx context.Context, id string) error
}

// OrderRepository defines the interface for storing and retrieving orders.
type OrderRepository interface {
	// CreateOrder saves a new order.
	CreateOrder(ctx context.Context, order *domain.Order) error
	// SaveOrder overwrites the mutable fields of an existing order.
	SaveOrder(ctx context.Context, order *domain.Order) error
	// FindOrderByID retrieves an order by its local ID.
	// Returns nil, nil if not found.
	FindOrderByID(ctx context.Context, id string) (*domain.Order, error)
	// FindOrderByExchangeID retrieves an order by the exchange's order ID.
	// Returns nil, nil if not found.
	FindOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*domain.Order, error)
	// ListPendingOrders retrieves the non-terminal orders of a bot.
	ListPendingOrders(ctx context.Context, botID string) ([]*domain.Order, error)
	// ListOrdersByBot retrieves the most recent orders of a bot, up to a limit.
	ListOrdersByBot(ctx context.Context, botID string, limit int) ([]*domain.Order, error)
}

// ActivityRepository defines the interface for the operator activity feed.
type ActivityRepository interface {
	// CreateActivity saves a new entry and returns its assigned ID.
	CreateActivity(ctx context.Context, entry *domain.ActivityLog) (int64, error)
	// ListActivity retrieves the most recent entries of a bot, up to a limit.
	ListActivity(ctx context.Context, botID string, limit int) ([]*domain.ActivityLog, error)
}
