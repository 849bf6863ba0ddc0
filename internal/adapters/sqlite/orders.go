package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

const orderColumns = `
	id, bot_id, exchange_order_id, symbol, side, kind, leg, quantity, price, filled_quantity,
	avg_fill_price, commission, realized_pnl, status, paired_order_id, trigger_order_id,
	cancellation_reason, error_message, created_at, updated_at, filled_at, completed_at`

// CreateOrder saves a new order.
func (r *Repository) CreateOrder(ctx context.Context, o *domain.Order) error {
	op := "CreateOrder"
	query := `INSERT INTO orders (` + orderColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		o.ID, o.BotID, o.ExchangeOrderID, o.Symbol, o.Side, o.Kind, o.Leg, o.Quantity, o.Price, o.FilledQuantity,
		o.AvgFillPrice, o.Commission, o.RealizedPnL, o.Status, o.PairedOrderID, o.TriggerOrderID,
		o.CancellationReason, o.ErrorMessage, o.CreatedAt.UTC(), o.UpdatedAt.UTC(), nullTime(o.FilledAt), nullTime(o.CompletedAt))
	if err != nil {
		return persistenceError(op, ports.ErrQueryFailed, fmt.Errorf("failed to insert order %s: %w", o.ID, err))
	}
	r.logger.Debug(ctx, "Order created", map[string]interface{}{"orderID": o.ID, "botID": o.BotID, "exchangeOrderID": o.ExchangeOrderID, "side": o.Side})
	return nil
}

// SaveOrder overwrites every mutable field of an existing order. A stored
// terminal status only accepts a write carrying the same status, and a
// recorded cancellation reason is never cleared; writers that raced with a
// cancellation get ErrNotFound instead of undoing it.
func (r *Repository) SaveOrder(ctx context.Context, o *domain.Order) error {
	op := "SaveOrder"
	const query = `
	UPDATE orders
	SET exchange_order_id = ?, filled_quantity = ?, avg_fill_price = ?, commission = ?, realized_pnl = ?,
	    status = ?, paired_order_id = ?, trigger_order_id = ?,
	    cancellation_reason = CASE WHEN ? <> '' THEN ? ELSE cancellation_reason END,
	    error_message = ?, updated_at = ?, filled_at = ?, completed_at = ?
	WHERE id = ?
	  AND (status NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'EXPIRED') OR status = ?)`

	result, err := r.db.ExecContext(ctx, query,
		o.ExchangeOrderID, o.FilledQuantity, o.AvgFillPrice, o.Commission, o.RealizedPnL,
		o.Status, o.PairedOrderID, o.TriggerOrderID,
		o.CancellationReason, o.CancellationReason,
		o.ErrorMessage, o.UpdatedAt.UTC(), nullTime(o.FilledAt), nullTime(o.CompletedAt),
		o.ID, o.Status)
	if err != nil {
		return persistenceError(op, ports.ErrUpdateFailed, fmt.Errorf("failed to update order %s: %w", o.ID, err))
	}
	if err := checkAffected(op, "order "+o.ID, result); err != nil {
		return err
	}
	r.logger.Debug(ctx, "Order updated", map[string]interface{}{"orderID": o.ID, "status": o.Status})
	return nil
}

// FindOrderByID retrieves an order by its local ID.
func (r *Repository) FindOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	return r.findOrder(ctx, "FindOrderByID", query, id)
}

// FindOrderByExchangeID retrieves an order by the exchange's order ID.
func (r *Repository) FindOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*domain.Order, error) {
	if exchangeOrderID == "" {
		return nil, nil
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE exchange_order_id = ?`
	return r.findOrder(ctx, "FindOrderByExchangeID", query, exchangeOrderID)
}

func (r *Repository) findOrder(ctx context.Context, op, query, key string) (*domain.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Order not found", map[string]interface{}{"lookup": op, "key": key})
			return nil, nil // Not an error, just not found
		}
		return nil, persistenceError(op, ports.ErrQueryFailed, fmt.Errorf("failed to query order %s: %w", key, err))
	}
	return o, nil
}

// ListPendingOrders retrieves the non-terminal orders of a bot, oldest first.
func (r *Repository) ListPendingOrders(ctx context.Context, botID string) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
	WHERE bot_id = ? AND status IN (?, ?, ?)
	ORDER BY created_at ASC`
	return r.queryOrders(ctx, "ListPendingOrders", query, botID,
		domain.OrderPending, domain.OrderOpen, domain.OrderPartiallyFilled)
}

// ListOrdersByBot retrieves the most recent orders of a bot, up to a limit.
func (r *Repository) ListOrdersByBot(ctx context.Context, botID string, limit int) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE bot_id = ? ORDER BY created_at DESC LIMIT ?`
	return r.queryOrders(ctx, "ListOrdersByBot", query, botID, limit)
}

func (r *Repository) queryOrders(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceError(op, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, persistenceError(op, ports.ErrQueryFailed, fmt.Errorf("failed to scan order: %w", err))
		}
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		return nil, persistenceError(op, ports.ErrQueryFailed, fmt.Errorf("error iterating order rows: %w", err))
	}
	return orders, nil
}

// scanOrder scans a row into a domain.Order struct.
func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var side, kind, leg, status, reason string
	var filledAt, completedAt sql.NullTime
	err := s.Scan(
		&o.ID, &o.BotID, &o.ExchangeOrderID, &o.Symbol, &side, &kind, &leg, &o.Quantity, &o.Price, &o.FilledQuantity,
		&o.AvgFillPrice, &o.Commission, &o.RealizedPnL, &status, &o.PairedOrderID, &o.TriggerOrderID,
		&reason, &o.ErrorMessage, &o.CreatedAt, &o.UpdatedAt, &filledAt, &completedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	o.Side = domain.OrderSide(side)
	o.Kind = domain.OrderKind(kind)
	o.Leg = domain.OrderLeg(leg)
	o.Status = domain.OrderStatus(status)
	o.CancellationReason = domain.CancellationReason(reason)
	o.FilledAt = fromNullTime(filledAt)
	o.CompletedAt = fromNullTime(completedAt)
	return o, nil
}
