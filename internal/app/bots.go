package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// CreateBot validates and stores a new bot in the STOPPED state.
func (e *Engine) CreateBot(ctx context.Context, bot *domain.Bot) error {
	op := "Engine.CreateBot"

	if bot.ID == "" {
		bot.ID = e.newID()
	}
	if bot.Leverage == 0 {
		bot.Leverage = e.defaultLeverage
	}
	if bot.Exchange == "" {
		bot.Exchange = e.exchange.Name()
	}
	if err := bot.Validate(); err != nil {
		return err
	}
	if _, err := e.exchange.NormalizeSymbol(bot.Symbol); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	now := e.now()
	bot.Status = domain.BotStopped
	bot.CreatedAt = now
	bot.UpdatedAt = now
	if err := e.bots.CreateBot(ctx, bot); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	e.logger.Info(ctx, op+": bot created", map[string]interface{}{"botID": bot.ID, "symbol": bot.Symbol})
	e.notifier.Notify(ctx, domain.LevelInfo, bot.ID, fmt.Sprintf("Bot created for %s on %s", bot.Symbol, bot.Exchange))
	return nil
}

// BotUpdate carries the trading parameters an operator may change. Nil
// fields are left unchanged.
type BotUpdate struct {
	Quantity     *decimal.Decimal
	BuyPrice     *decimal.Decimal
	SellPrice    *decimal.Decimal
	FirstOrder   *domain.OrderSide
	InfiniteLoop *bool
	Leverage     *int
}

// UpdateBot changes a bot's parameters. Pending orders priced with the old
// parameters are cancelled first, and an active bot re-opens its cycle with
// the new ones.
func (e *Engine) UpdateBot(ctx context.Context, id string, upd BotUpdate) (*domain.Bot, error) {
	op := "Engine.UpdateBot"

	unlock := e.botLocks.Lock(id)
	defer unlock()

	bot, err := e.loadBot(ctx, id)
	if err != nil {
		return nil, err
	}

	edited := *bot
	if upd.Quantity != nil {
		edited.Quantity = *upd.Quantity
	}
	if upd.BuyPrice != nil {
		edited.BuyPrice = *upd.BuyPrice
	}
	if upd.SellPrice != nil {
		edited.SellPrice = *upd.SellPrice
	}
	if upd.FirstOrder != nil {
		edited.FirstOrder = *upd.FirstOrder
	}
	if upd.InfiniteLoop != nil {
		edited.InfiniteLoop = *upd.InfiniteLoop
	}
	if upd.Leverage != nil {
		edited.Leverage = *upd.Leverage
	}
	if err := edited.Validate(); err != nil {
		return nil, err
	}

	_, unresolved, err := e.cancelPending(ctx, bot, domain.CancelUpdate)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	now := e.now()
	edited.EditedAt = now
	edited.UpdatedAt = now
	bot = &edited
	if err := e.bots.SaveBot(ctx, bot); err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	e.logger.Info(ctx, op+": bot updated", map[string]interface{}{"botID": bot.ID})
	e.notifier.Notify(ctx, domain.LevelInfo, bot.ID, fmt.Sprintf("Bot updated for %s", bot.Symbol))

	switch {
	case !bot.IsActive():
	case len(unresolved) > 0:
		// The old order already closed on the exchange. Its stream event
		// places the next leg, with the new parameters.
		ids := make([]string, 0, len(unresolved))
		for _, o := range unresolved {
			ids = append(ids, o.ExchangeOrderID)
		}
		e.logger.Warn(ctx, op+": pending order closed before it could be cancelled, not re-opening", map[string]interface{}{"botID": bot.ID, "orders": ids})
		e.notifier.Notify(ctx, domain.LevelWarning, bot.ID,
			fmt.Sprintf("Order %s closed on the exchange before the update; the next order follows its outcome", strings.Join(ids, ", ")))
	default:
		if err := e.openCycle(ctx, bot); err != nil {
			return bot, err
		}
	}
	e.broadcast("bot_update", bot)
	return bot, nil
}

// StartBot arms a bot. Without a pending order it places the opening order of
// a new cycle on the side implied by the last fill.
func (e *Engine) StartBot(ctx context.Context, id string) (*domain.Bot, error) {
	op := "Engine.StartBot"

	unlock := e.botLocks.Lock(id)
	defer unlock()

	bot, err := e.loadBot(ctx, id)
	if err != nil {
		return nil, err
	}
	if bot.IsActive() {
		return bot, fmt.Errorf("%w: %s", ports.ErrBotAlreadyActive, id)
	}
	if err := bot.Validate(); err != nil {
		return nil, err
	}

	pending, err := e.orders.ListPendingOrders(ctx, bot.ID)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	bot.Status = domain.BotActive
	bot.LastError = ""
	if len(pending) > 0 {
		e.logger.Info(ctx, op+": resuming with pending order", map[string]interface{}{"botID": bot.ID, "orderID": pending[0].ID})
	} else if err := e.openCycle(ctx, bot); err != nil {
		return bot, err
	}

	bot.UpdatedAt = e.now()
	if err := e.bots.SaveBot(ctx, bot); err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	e.broadcast("bot_update", bot)
	e.notifier.Notify(ctx, domain.LevelSuccess, bot.ID, fmt.Sprintf("Bot started for %s", bot.Symbol))
	return bot, nil
}

// openCycle places the OPEN leg of a new cycle. On failure the bot is left in
// ERROR and the error is returned.
func (e *Engine) openCycle(ctx context.Context, bot *domain.Bot) error {
	op := "Engine.openCycle"

	side, flagged := bot.NextOpeningSide()
	if flagged {
		msg := fmt.Sprintf("Bot for %s was edited and has no fill history; opening with first order side %s", bot.Symbol, side)
		e.logger.Warn(ctx, op+": opening side taken from edited configuration", map[string]interface{}{"botID": bot.ID, "side": side})
		e.notifier.Notify(ctx, domain.LevelWarning, bot.ID, msg)
	}

	order, err := e.placeLeg(ctx, bot, domain.LegOpen, side, bot.Quantity, nil)
	if err != nil {
		e.placementFailed(ctx, bot, side, order, err)
		return fmt.Errorf("%s failed: %w", op, err)
	}
	return nil
}

// StopBot disarms a bot. With cancelPending its open orders are cancelled on
// the exchange first.
func (e *Engine) StopBot(ctx context.Context, id string, cancelPending bool) (*domain.Bot, error) {
	op := "Engine.StopBot"

	unlock := e.botLocks.Lock(id)
	defer unlock()

	bot, err := e.loadBot(ctx, id)
	if err != nil {
		return nil, err
	}
	if bot.Status == domain.BotStopped && !cancelPending {
		return bot, fmt.Errorf("%w: %s", ports.ErrBotNotActive, id)
	}

	// Disarm before cancelling so fills racing the cancellation get no reaction.
	bot.Status = domain.BotStopped
	bot.UpdatedAt = e.now()
	if err := e.bots.SaveBot(ctx, bot); err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	var cancelErr error
	if cancelPending {
		_, _, cancelErr = e.cancelPending(ctx, bot, domain.CancelStop)
	}

	e.logger.Info(ctx, op+": bot stopped", map[string]interface{}{"botID": bot.ID, "cancelPending": cancelPending})
	e.broadcast("bot_update", bot)
	e.notifier.Notify(ctx, domain.LevelWarning, bot.ID, fmt.Sprintf("Bot stopped for %s", bot.Symbol))
	if cancelErr != nil {
		return bot, fmt.Errorf("%s failed: %w", op, cancelErr)
	}
	return bot, nil
}

// StopAll stops every active bot without cancelling orders and returns how
// many were stopped.
func (e *Engine) StopAll(ctx context.Context) (int, error) {
	op := "Engine.StopAll"

	active, err := e.bots.ListBotsByStatus(ctx, domain.BotActive)
	if err != nil {
		return 0, fmt.Errorf("%s failed: %w", op, err)
	}
	stopped := 0
	var errs []error
	for _, b := range active {
		if _, err := e.StopBot(ctx, b.ID, false); err != nil && !errors.Is(err, ports.ErrBotNotActive) {
			errs = append(errs, err)
			continue
		}
		stopped++
	}
	e.logger.Warn(ctx, op+": emergency stop", map[string]interface{}{"stopped": stopped})
	e.notifier.Notify(ctx, domain.LevelError, "", fmt.Sprintf("Emergency stop: %d bots stopped", stopped))
	return stopped, errors.Join(errs...)
}

// CancelAllPending cancels the bot's non-terminal orders and returns how many
// were cancelled. Fill events for orders cancelled here get no reaction.
func (e *Engine) CancelAllPending(ctx context.Context, id string, reason domain.CancellationReason) (int, error) {
	unlock := e.botLocks.Lock(id)
	defer unlock()

	bot, err := e.loadBot(ctx, id)
	if err != nil {
		return 0, err
	}
	cancelled, _, err := e.cancelPending(ctx, bot, reason)
	return cancelled, err
}

// DeleteBot disarms a bot, cancels its pending orders and removes it with its
// orders. It refuses while an order could not be confirmed cancelled.
func (e *Engine) DeleteBot(ctx context.Context, id string) error {
	op := "Engine.DeleteBot"

	unlock := e.botLocks.Lock(id)
	defer unlock()

	bot, err := e.loadBot(ctx, id)
	if err != nil {
		return err
	}
	if bot.Status != domain.BotStopped {
		bot.Status = domain.BotStopped
		bot.UpdatedAt = e.now()
		if err := e.bots.SaveBot(ctx, bot); err != nil {
			return fmt.Errorf("%s failed: %w", op, err)
		}
		e.broadcast("bot_update", bot)
	}

	_, unresolved, err := e.cancelPending(ctx, bot, domain.CancelDelete)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if len(unresolved) > 0 {
		e.notifier.Notify(ctx, domain.LevelWarning, bot.ID,
			fmt.Sprintf("Bot for %s not deleted: %d order(s) still awaiting the exchange", bot.Symbol, len(unresolved)))
		return fmt.Errorf("%w: %s has %d order(s) awaiting the exchange", ports.ErrBotHasOpenOrders, id, len(unresolved))
	}

	if err := e.bots.DeleteBot(ctx, bot.ID); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	e.logger.Info(ctx, op+": bot deleted", map[string]interface{}{"botID": bot.ID, "symbol": bot.Symbol})
	e.broadcast("bot_deleted", map[string]string{"id": bot.ID})
	e.notifier.Notify(ctx, domain.LevelWarning, bot.ID, fmt.Sprintf("Bot deleted for %s on %s", bot.Symbol, bot.Exchange))
	return nil
}

// cancelPending cancels the bot's non-terminal orders. The reason is
// recorded only once the exchange has answered, so an order whose cancel
// failed still classifies a later outside cancellation as manual. unresolved
// holds the orders that are not known to be cancelled: those the exchange
// had already closed and those whose cancel failed. Must be called with the
// bot lock held, which keeps stream tasks for these orders waiting until the
// reason is stored.
func (e *Engine) cancelPending(ctx context.Context, bot *domain.Bot, reason domain.CancellationReason) (cancelled int, unresolved []*domain.Order, err error) {
	op := "Engine.cancelPending"
	if reason == domain.CancelNone {
		reason = domain.CancelManual
	}

	pending, err := e.orders.ListPendingOrders(ctx, bot.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("%s failed: %w", op, err)
	}

	var errs []error
	for _, order := range pending {
		fields := map[string]interface{}{"botID": bot.ID, "orderID": order.ID, "exchangeOrderID": order.ExchangeOrderID, "reason": reason}

		if order.ExchangeOrderID != "" {
			callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
			ok, err := e.exchange.CancelOrder(callCtx, order.Symbol, order.ExchangeOrderID)
			cancel()
			if err != nil {
				e.logger.Error(ctx, err, op+": failed to cancel order", fields)
				errs = append(errs, err)
				unresolved = append(unresolved, order)
				continue
			}
			if !ok {
				// Already terminal on the exchange; its stream event decides the outcome.
				e.logger.Info(ctx, op+": order already closed on exchange", fields)
				order.CancellationReason = reason
				order.UpdatedAt = e.now()
				if err := e.orders.SaveOrder(ctx, order); err != nil {
					e.logger.Warn(ctx, op+": cancellation reason not saved", map[string]interface{}{"orderID": order.ID, "error": err.Error()})
				}
				unresolved = append(unresolved, order)
				continue
			}
		}

		now := e.now()
		order.CancellationReason = reason
		order.Status = domain.OrderCancelled
		order.UpdatedAt = now
		order.CompletedAt = now
		if err := e.orders.SaveOrder(ctx, order); err != nil {
			e.logger.Warn(ctx, op+": cancelled order status not saved", map[string]interface{}{"orderID": order.ID, "error": err.Error()})
		}
		e.broadcast("order_update", order)
		cancelled++
	}

	e.logger.Info(ctx, op+": pending orders cancelled", map[string]interface{}{
		"botID": bot.ID, "cancelled": cancelled, "unresolved": len(unresolved), "pending": len(pending),
	})
	if cancelled > 0 {
		e.notifier.Notify(ctx, domain.LevelInfo, bot.ID, fmt.Sprintf("Cancelled %d pending orders (%s)", cancelled, reason))
	}
	return cancelled, unresolved, errors.Join(errs...)
}

// GetBot returns one bot.
func (e *Engine) GetBot(ctx context.Context, id string) (*domain.Bot, error) {
	return e.loadBot(ctx, id)
}

// ListBots returns every bot.
func (e *Engine) ListBots(ctx context.Context) ([]*domain.Bot, error) {
	return e.bots.ListBots(ctx)
}

// ListOrders returns the most recent orders of a bot.
func (e *Engine) ListOrders(ctx context.Context, botID string, limit int) ([]*domain.Order, error) {
	if _, err := e.loadBot(ctx, botID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return e.orders.ListOrdersByBot(ctx, botID, limit)
}

func (e *Engine) loadBot(ctx context.Context, id string) (*domain.Bot, error) {
	bot, err := e.bots.FindBotByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load bot %s: %w", id, err)
	}
	if bot == nil {
		return nil, fmt.Errorf("%w: %s", ports.ErrBotNotFound, id)
	}
	return bot, nil
}
