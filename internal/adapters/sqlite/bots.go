package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

const botColumns = `
	id, symbol, exchange, first_order, quantity, buy_price, sell_price, trailing_percent,
	leverage, infinite_loop, status, pnl, total_trades, last_fill_side, last_fill_price,
	last_fill_time, last_error, created_at, updated_at, edited_at`

// CreateBot saves a new bot.
func (r *Repository) CreateBot(ctx context.Context, bot *domain.Bot) error {
	op := "CreateBot"
	query := `INSERT INTO bots (` + botColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		bot.ID, bot.Symbol, bot.Exchange, bot.FirstOrder, bot.Quantity, bot.BuyPrice, bot.SellPrice, bot.TrailingPercent,
		bot.Leverage, bot.InfiniteLoop, bot.Status, bot.PnL, bot.TotalTrades, bot.LastFillSide, bot.LastFillPrice,
		nullTime(bot.LastFillTime), bot.LastError, bot.CreatedAt.UTC(), bot.UpdatedAt.UTC(), nullTime(bot.EditedAt))
	if err != nil {
		return persistenceError(op, ports.ErrQueryFailed, fmt.Errorf("failed to insert bot %s: %w", bot.ID, err))
	}
	r.logger.Debug(ctx, "Bot created", map[string]interface{}{"botID": bot.ID, "symbol": bot.Symbol})
	return nil
}

// SaveBot overwrites every mutable field of an existing bot.
func (r *Repository) SaveBot(ctx context.Context, bot *domain.Bot) error {
	op := "SaveBot"
	const query = `
	UPDATE bots
	SET symbol = ?, exchange = ?, first_order = ?, quantity = ?, buy_price = ?, sell_price = ?,
	    trailing_percent = ?, leverage = ?, infinite_loop = ?, status = ?, pnl = ?, total_trades = ?,
	    last_fill_side = ?, last_fill_price = ?, last_fill_time = ?, last_error = ?, updated_at = ?, edited_at = ?
	WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		bot.Symbol, bot.Exchange, bot.FirstOrder, bot.Quantity, bot.BuyPrice, bot.SellPrice,
		bot.TrailingPercent, bot.Leverage, bot.InfiniteLoop, bot.Status, bot.PnL, bot.TotalTrades,
		bot.LastFillSide, bot.LastFillPrice, nullTime(bot.LastFillTime), bot.LastError, bot.UpdatedAt.UTC(), nullTime(bot.EditedAt),
		bot.ID)
	if err != nil {
		return persistenceError(op, ports.ErrUpdateFailed, fmt.Errorf("failed to update bot %s: %w", bot.ID, err))
	}
	if err := checkAffected(op, "bot "+bot.ID, result); err != nil {
		return err
	}
	r.logger.Debug(ctx, "Bot updated", map[string]interface{}{"botID": bot.ID, "status": bot.Status})
	return nil
}

// DeleteBot removes a bot and its orders in one transaction. Activity
// entries are kept as history.
func (r *Repository) DeleteBot(ctx context.Context, id string) error {
	op := "DeleteBot"
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError(op, ports.ErrDBConnection, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	orders, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE bot_id = ?`, id)
	if err != nil {
		return persistenceError(op, ports.ErrUpdateFailed, fmt.Errorf("failed to delete orders of bot %s: %w", id, err))
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
	if err != nil {
		return persistenceError(op, ports.ErrUpdateFailed, fmt.Errorf("failed to delete bot %s: %w", id, err))
	}
	if err := checkAffected(op, "bot "+id, result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistenceError(op, ports.ErrUpdateFailed, fmt.Errorf("failed to commit delete of bot %s: %w", id, err))
	}

	removed, _ := orders.RowsAffected()
	r.logger.Debug(ctx, "Bot deleted", map[string]interface{}{"botID": id, "orders": removed})
	return nil
}

// FindBotByID retrieves a bot by its ID.
func (r *Repository) FindBotByID(ctx context.Context, id string) (*domain.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE id = ?`

	bot, err := scanBot(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Bot not found by ID", map[string]interface{}{"botID": id})
			return nil, nil // Not an error, just not found
		}
		return nil, persistenceError("FindBotByID", ports.ErrQueryFailed, fmt.Errorf("failed to query bot %s: %w", id, err))
	}
	return bot, nil
}

// ListBots retrieves all bots, newest first.
func (r *Repository) ListBots(ctx context.Context) ([]*domain.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots ORDER BY created_at DESC`
	return r.queryBots(ctx, "ListBots", query)
}

// ListBotsByStatus retrieves bots in the given status.
func (r *Repository) ListBotsByStatus(ctx context.Context, status domain.BotStatus) ([]*domain.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE status = ? ORDER BY created_at DESC`
	return r.queryBots(ctx, "ListBotsByStatus", query, status)
}

func (r *Repository) queryBots(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Bot, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceError(op, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	bots := make([]*domain.Bot, 0)
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, persistenceError(op, ports.ErrQueryFailed, fmt.Errorf("failed to scan bot: %w", err))
		}
		bots = append(bots, bot)
	}
	if err = rows.Err(); err != nil {
		return nil, persistenceError(op, ports.ErrQueryFailed, fmt.Errorf("error iterating bot rows: %w", err))
	}
	return bots, nil
}

// scanBot scans a row into a domain.Bot struct.
func scanBot(s scanner) (*domain.Bot, error) {
	b := &domain.Bot{}
	var firstOrder, status, lastFillSide string
	var lastFillTime, editedAt sql.NullTime
	err := s.Scan(
		&b.ID, &b.Symbol, &b.Exchange, &firstOrder, &b.Quantity, &b.BuyPrice, &b.SellPrice, &b.TrailingPercent,
		&b.Leverage, &b.InfiniteLoop, &status, &b.PnL, &b.TotalTrades, &lastFillSide, &b.LastFillPrice,
		&lastFillTime, &b.LastError, &b.CreatedAt, &b.UpdatedAt, &editedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	b.FirstOrder = domain.OrderSide(firstOrder)
	b.Status = domain.BotStatus(status)
	b.LastFillSide = domain.OrderSide(lastFillSide)
	b.LastFillTime = fromNullTime(lastFillTime)
	b.EditedAt = fromNullTime(editedAt)
	return b, nil
}
