package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

const (
	defaultCallTimeout    = 10 * time.Second
	defaultLookupAttempts = 5
	defaultLookupDelay    = 200 * time.Millisecond
)

// EngineConfig holds the engine's collaborators and tuning.
type EngineConfig struct {
	Logger      ports.Logger
	Exchange    ports.ExchangeAdapter
	Bots        ports.BotRepository
	Orders      ports.OrderRepository
	Notifier    ports.Notifier
	Broadcaster ports.Broadcaster // Optional

	MaxWorkers      int
	CallTimeout     time.Duration // Bound on every exchange call
	DefaultLeverage int           // Applied to bots created without one

	// A fill can be streamed before the placing task has stored the order.
	// Fill tasks look the order up this many times, LookupDelay apart.
	LookupAttempts int
	LookupDelay    time.Duration

	OnTaskResult func(TaskResult) // Optional
	Now          func() time.Time
	NewID        func() string
}

// Engine is the trading cycle engine. It reacts to order updates from the
// event bridge and drives each bot's buy/sell cycle.
type Engine struct {
	logger      ports.Logger
	exchange    ports.ExchangeAdapter
	bots        ports.BotRepository
	orders      ports.OrderRepository
	notifier    ports.Notifier
	broadcaster ports.Broadcaster

	runner   *TaskRunner
	botLocks *keyedMutex

	callTimeout     time.Duration
	defaultLeverage int
	lookupAttempts  int
	lookupDelay     time.Duration
	now             func() time.Time
	newID           func() string
}

// NewEngine creates a new engine instance.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Logger == nil || cfg.Exchange == nil || cfg.Bots == nil || cfg.Orders == nil || cfg.Notifier == nil {
		return nil, fmt.Errorf("missing required dependencies for Engine")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.LookupAttempts <= 0 {
		cfg.LookupAttempts = defaultLookupAttempts
	}
	if cfg.LookupDelay < 0 {
		cfg.LookupDelay = 0
	} else if cfg.LookupDelay == 0 {
		cfg.LookupDelay = defaultLookupDelay
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = domain.DefaultLeverage
	}

	return &Engine{
		logger:          cfg.Logger,
		exchange:        cfg.Exchange,
		bots:            cfg.Bots,
		orders:          cfg.Orders,
		notifier:        cfg.Notifier,
		broadcaster:     cfg.Broadcaster,
		runner:          NewTaskRunner(cfg.Logger, cfg.MaxWorkers, cfg.OnTaskResult),
		botLocks:        newKeyedMutex(),
		callTimeout:     cfg.CallTimeout,
		defaultLeverage: cfg.DefaultLeverage,
		lookupAttempts:  cfg.LookupAttempts,
		lookupDelay:     cfg.LookupDelay,
		now:             cfg.Now,
		newID:           cfg.NewID,
	}, nil
}

// Attach registers the engine's ORDER handler. It must be called before the
// registrar connects.
func (e *Engine) Attach(reg ports.EventRegistrar) error {
	return reg.Register(domain.EventOrder, func(ctx context.Context, ev domain.Event) {
		u, ok := ev.Order()
		if !ok {
			e.logger.Warn(ctx, "Engine: ORDER event without order payload", map[string]interface{}{"key": ev.Key})
			return
		}
		e.HandleOrderUpdate(ctx, u)
	})
}

// Wait blocks until all reconciliation tasks submitted so far have finished.
func (e *Engine) Wait() {
	e.runner.Wait()
}

// Shutdown stops accepting fills and waits for in-flight tasks.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.runner.Shutdown(ctx)
}

// HandleOrderUpdate is called for every deduplicated ORDER event, in stream
// order. It only touches the store for progress updates; fills and other
// terminal transitions are handed to a reconciliation task.
func (e *Engine) HandleOrderUpdate(ctx context.Context, u domain.OrderUpdate) {
	op := "Engine.HandleOrderUpdate"
	fields := updateFields(u)

	switch {
	case u.Status == domain.OrderFilled:
		if !domain.IsCompleteFill(u) {
			// The bridge has already marked this order's FILLED key as seen, so
			// a corrected FILLED event will not be delivered. The order stays
			// pending locally until the sweeper flags it.
			e.logger.Warn(ctx, op+": FILLED status with incomplete quantity, no reaction", fields)
			e.incompleteFill(ctx, u)
			return
		}
		e.submit(ctx, u, e.fillTask(u))
	case u.Status.IsTerminal():
		e.submit(ctx, u, e.terminalTask(u))
	case u.Status.IsValid():
		e.applyProgress(ctx, u)
	default:
		e.logger.Warn(ctx, op+": unknown order status, update dropped", fields)
	}
}

// incompleteFill tells the operator about an inconsistent FILLED update.
func (e *Engine) incompleteFill(ctx context.Context, u domain.OrderUpdate) {
	botID := ""
	if order, err := e.lookupOrder(ctx, u); err == nil && order != nil {
		botID = order.BotID
	}
	e.notifier.Notify(ctx, domain.LevelWarning, botID,
		fmt.Sprintf("Order %s reported FILLED with %s of %s filled; no reaction until it is checked", u.ExchangeOrderID, u.FilledQuantity, u.Quantity))
}

func (e *Engine) submit(ctx context.Context, u domain.OrderUpdate, fn TaskFunc) {
	op := "Engine.submit"
	key := u.ExchangeOrderID
	if key == "" {
		key = u.ClientOrderID
	}

	err := e.runner.Submit(key, fn)
	var conflict *ports.ReconciliationConflict
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		e.logger.Warn(ctx, op+": task already running for order, update dropped", updateFields(u))
	default:
		e.logger.Error(ctx, err, op+": failed to submit task", updateFields(u))
	}
}

// applyProgress stores OPEN and PARTIALLY_FILLED transitions.
func (e *Engine) applyProgress(ctx context.Context, u domain.OrderUpdate) {
	op := "Engine.applyProgress"
	fields := updateFields(u)

	order, err := e.lookupOrder(ctx, u)
	if err != nil {
		e.logger.Error(ctx, err, op+": failed to load order", fields)
		return
	}
	if order == nil {
		e.logger.Debug(ctx, op+": update for an order not managed by any bot", fields)
		return
	}

	clamped, err := order.ApplyUpdate(u, e.now())
	if err != nil {
		e.logger.Debug(ctx, op+": stale update ignored", map[string]interface{}{"orderID": order.ID, "error": err.Error()})
		return
	}
	if clamped {
		e.logger.Warn(ctx, op+": exchange reported more filled than requested, clamped", fields)
	}
	if err := e.orders.SaveOrder(ctx, order); err != nil {
		e.logger.Warn(ctx, op+": order progress not saved", map[string]interface{}{"orderID": order.ID, "error": err.Error()})
		return
	}
	e.broadcast("order_update", order)
}

// fillTask reacts to a complete fill: it records the fill, books cycle PnL on
// a CLOSE leg and places the next leg for an active bot.
func (e *Engine) fillTask(u domain.OrderUpdate) TaskFunc {
	return func(ctx context.Context) (Outcome, error) {
		op := "Engine.fillTask"
		fields := updateFields(u)

		order, bot, unlock, outcome, err := e.loadForTask(ctx, op, u)
		if unlock == nil {
			return outcome, err
		}
		defer unlock()
		fields["orderID"] = order.ID
		fields["botID"] = bot.ID

		now := e.now()
		clamped, err := order.ApplyUpdate(u, now)
		if err != nil {
			e.logger.Warn(ctx, op+": fill not applicable", map[string]interface{}{"orderID": order.ID, "error": err.Error()})
			return OutcomeSkipped, nil
		}
		if clamped {
			e.logger.Warn(ctx, op+": exchange reported more filled than requested, clamped", fields)
		}
		if err := e.orders.SaveOrder(ctx, order); err != nil {
			e.fail(ctx, bot, fmt.Sprintf("failed to record fill of order %s: %v", order.ID, err))
			return OutcomeFailed, err
		}
		e.logger.Info(ctx, op+": order filled", fields)
		e.broadcast("order_update", order)
		e.notifier.Notify(ctx, domain.LevelSuccess, bot.ID,
			fmt.Sprintf("%s order filled: %s %s @ %s", order.Side, order.FilledQuantity, bot.Symbol, order.FillPrice()))

		bot.RecordFill(order.Side, order.FillPrice(), now)
		if order.Leg == domain.LegClose {
			e.completeCycle(ctx, bot, order)
		}
		bot.UpdatedAt = now
		if err := e.bots.SaveBot(ctx, bot); err != nil {
			e.fail(ctx, bot, fmt.Sprintf("failed to record fill state: %v", err))
			return OutcomeFailed, err
		}
		e.broadcast("bot_update", bot)

		if !bot.IsActive() {
			e.logger.Info(ctx, op+": bot not active, no reaction", map[string]interface{}{"botID": bot.ID, "status": bot.Status})
			return OutcomeSkipped, nil
		}

		side := order.Side.Opposite()
		leg, qty := domain.LegClose, order.FilledQuantity
		if order.Leg == domain.LegClose {
			if !bot.InfiniteLoop {
				e.logger.Info(ctx, op+": cycle complete, continuous loop disabled", fields)
				return OutcomeSuccess, nil
			}
			leg, qty = domain.LegOpen, bot.Quantity
		}

		next, err := e.placeLeg(ctx, bot, leg, side, qty, order)
		if err != nil {
			e.placementFailed(ctx, bot, side, next, err)
			return OutcomeFailed, err
		}

		if leg == domain.LegClose {
			order.PairedOrderID = next.ID
			order.UpdatedAt = e.now()
			if err := e.orders.SaveOrder(ctx, order); err != nil {
				e.logger.Error(ctx, err, op+": failed to link filled order to its pair", map[string]interface{}{"orderID": order.ID, "pairedOrderID": next.ID})
				return OutcomeFailed, err
			}
		}
		return OutcomeSuccess, nil
	}
}

// completeCycle books the PnL of a cycle whose CLOSE leg just filled.
func (e *Engine) completeCycle(ctx context.Context, bot *domain.Bot, closing *domain.Order) {
	op := "Engine.completeCycle"
	fields := map[string]interface{}{"botID": bot.ID, "orderID": closing.ID, "pairedOrderID": closing.PairedOrderID}

	if closing.PairedOrderID == "" {
		e.logger.Warn(ctx, op+": closing order has no paired order, PnL not booked", fields)
		return
	}
	opening, err := e.orders.FindOrderByID(ctx, closing.PairedOrderID)
	if err != nil {
		e.logger.Error(ctx, err, op+": failed to load paired order, PnL not booked", fields)
		return
	}
	if opening == nil || opening.Status != domain.OrderFilled {
		e.logger.Warn(ctx, op+": paired order is not filled, PnL not booked", fields)
		return
	}

	buy, sell := opening, closing
	if opening.Side == domain.Sell {
		buy, sell = closing, opening
	}
	pnl := domain.CyclePnL(buy.FillPrice(), sell.FillPrice(), closing.FilledQuantity)

	closing.RealizedPnL = pnl
	if err := e.orders.SaveOrder(ctx, closing); err != nil {
		e.logger.Error(ctx, err, op+": failed to store realized PnL on order", fields)
	}
	bot.RecordCycle(pnl)

	fields["pnl"] = pnl.String()
	e.logger.Info(ctx, op+": cycle completed", fields)
	e.notifier.Notify(ctx, domain.LevelSuccess, bot.ID,
		fmt.Sprintf("Cycle completed on %s: PnL %s (total %s over %d trades)", bot.Symbol, pnl, bot.PnL, bot.TotalTrades))
}

// terminalTask handles CANCELLED, REJECTED and EXPIRED transitions.
func (e *Engine) terminalTask(u domain.OrderUpdate) TaskFunc {
	return func(ctx context.Context) (Outcome, error) {
		op := "Engine.terminalTask"

		order, bot, unlock, outcome, err := e.loadForTask(ctx, op, u)
		if unlock == nil {
			return outcome, err
		}
		defer unlock()
		fields := map[string]interface{}{"orderID": order.ID, "botID": bot.ID, "status": u.Status}

		if _, err := order.ApplyUpdate(u, e.now()); err != nil {
			e.logger.Warn(ctx, op+": update not applicable", map[string]interface{}{"orderID": order.ID, "error": err.Error()})
			return OutcomeSkipped, nil
		}
		manual := u.Status == domain.OrderCancelled && !order.CancellationReason.IsSystemInitiated()
		if manual {
			order.CancellationReason = domain.CancelManual
		}
		if u.Status != domain.OrderCancelled {
			order.ErrorMessage = fmt.Sprintf("order %s by exchange", u.Status)
		}
		if err := e.orders.SaveOrder(ctx, order); err != nil {
			e.logger.Error(ctx, err, op+": failed to store terminal status", fields)
			return OutcomeFailed, err
		}
		e.broadcast("order_update", order)

		switch {
		case u.Status == domain.OrderCancelled && !manual:
			fields["reason"] = order.CancellationReason
			e.logger.Info(ctx, op+": order cancelled by the system", fields)
			// An update that found this order already closing left the cycle
			// to its outcome; a cancellation re-opens with the new parameters.
			if order.CancellationReason == domain.CancelUpdate && bot.IsActive() {
				pending, err := e.orders.ListPendingOrders(ctx, bot.ID)
				if err != nil {
					e.logger.Error(ctx, err, op+": failed to list pending orders", fields)
					return OutcomeFailed, err
				}
				if len(pending) == 0 {
					if err := e.openCycle(ctx, bot); err != nil {
						return OutcomeFailed, err
					}
				}
			}
		case u.Status == domain.OrderCancelled:
			e.logger.Warn(ctx, op+": order cancelled outside the system", fields)
			if !bot.IsActive() {
				e.notifier.Notify(ctx, domain.LevelWarning, bot.ID, fmt.Sprintf("Order %s was cancelled on the exchange", order.ExchangeOrderID))
				break
			}
			bot.Status = domain.BotStopped
			bot.UpdatedAt = e.now()
			if err := e.bots.SaveBot(ctx, bot); err != nil {
				e.logger.Error(ctx, err, op+": failed to stop bot after manual cancellation", fields)
				return OutcomeFailed, err
			}
			e.broadcast("bot_update", bot)
			e.notifier.Notify(ctx, domain.LevelWarning, bot.ID,
				fmt.Sprintf("Order %s was cancelled on the exchange; bot for %s stopped", order.ExchangeOrderID, bot.Symbol))
		default:
			if bot.IsActive() {
				e.fail(ctx, bot, fmt.Sprintf("%s order %s was %s by the exchange", order.Side, order.ExchangeOrderID, u.Status))
			} else {
				e.notifier.Notify(ctx, domain.LevelWarning, bot.ID, fmt.Sprintf("Order %s was %s by the exchange", order.ExchangeOrderID, u.Status))
			}
		}
		return OutcomeSuccess, nil
	}
}

// loadForTask resolves the order and its bot under the bot lock. A nil unlock
// means the task is over and outcome/err are its result.
func (e *Engine) loadForTask(ctx context.Context, op string, u domain.OrderUpdate) (*domain.Order, *domain.Bot, func(), Outcome, error) {
	fields := updateFields(u)

	found, err := e.findOrder(ctx, u)
	if err != nil {
		e.logger.Error(ctx, err, op+": failed to load order", fields)
		return nil, nil, nil, OutcomeFailed, err
	}
	if found == nil {
		e.logger.Warn(ctx, op+": update for an order not managed by any bot", fields)
		return nil, nil, nil, OutcomeSkipped, nil
	}

	unlock := e.botLocks.Lock(found.BotID)

	// Re-read under the lock; another task may already have handled it.
	order, err := e.orders.FindOrderByID(ctx, found.ID)
	if err != nil {
		unlock()
		e.logger.Error(ctx, err, op+": failed to reload order", fields)
		return nil, nil, nil, OutcomeFailed, err
	}
	if order == nil || order.IsTerminal() {
		unlock()
		e.logger.Info(ctx, op+": order already terminal, skipping", fields)
		return nil, nil, nil, OutcomeSkipped, nil
	}

	bot, err := e.bots.FindBotByID(ctx, order.BotID)
	if err != nil {
		unlock()
		e.logger.Error(ctx, err, op+": failed to load bot", map[string]interface{}{"botID": order.BotID})
		return nil, nil, nil, OutcomeFailed, err
	}
	if bot == nil {
		unlock()
		e.logger.Warn(ctx, op+": order belongs to an unknown bot", map[string]interface{}{"orderID": order.ID, "botID": order.BotID})
		return nil, nil, nil, OutcomeSkipped, nil
	}
	return order, bot, unlock, "", nil
}

// lookupOrder finds the stored order an update refers to, by client order id
// first and exchange order id second. Returns nil, nil if not found.
func (e *Engine) lookupOrder(ctx context.Context, u domain.OrderUpdate) (*domain.Order, error) {
	if u.ClientOrderID != "" {
		order, err := e.orders.FindOrderByID(ctx, u.ClientOrderID)
		if err != nil || order != nil {
			return order, err
		}
	}
	if u.ExchangeOrderID != "" {
		return e.orders.FindOrderByExchangeID(ctx, u.ExchangeOrderID)
	}
	return nil, nil
}

// findOrder is lookupOrder with a few retries for orders still being stored.
func (e *Engine) findOrder(ctx context.Context, u domain.OrderUpdate) (*domain.Order, error) {
	for attempt := 1; ; attempt++ {
		order, err := e.lookupOrder(ctx, u)
		if err != nil || order != nil || attempt >= e.lookupAttempts {
			return order, err
		}
		select {
		case <-time.After(e.lookupDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// placeLeg places one limit order for bot and stores it. trigger is the
// order whose fill caused the placement, nil for an operator start. On
// exchange failure the returned order is nil; on a store failure after the
// exchange accepted, the order is returned with a *ports.PersistenceError.
func (e *Engine) placeLeg(ctx context.Context, bot *domain.Bot, leg domain.OrderLeg, side domain.OrderSide, qty decimal.Decimal, trigger *domain.Order) (*domain.Order, error) {
	op := "Engine.placeLeg"

	id := e.newID()
	req := ports.OrderRequest{
		Symbol:        bot.Symbol,
		Side:          side,
		Kind:          domain.KindLimit,
		Quantity:      qty,
		Price:         bot.PriceFor(side),
		Leverage:      bot.Leverage,
		ClientOrderID: id,
	}
	e.logger.Info(ctx, op+": placing order", map[string]interface{}{
		"botID": bot.ID, "leg": leg, "side": side, "quantity": qty.String(), "price": req.Price.String(),
	})

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	handle, err := e.exchange.PlaceOrder(callCtx, req)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	now := e.now()
	order := &domain.Order{
		ID:              id,
		BotID:           bot.ID,
		ExchangeOrderID: handle.ExchangeOrderID,
		Symbol:          bot.Symbol,
		Side:            side,
		Kind:            domain.KindLimit,
		Leg:             leg,
		Quantity:        qty,
		Price:           req.Price,
		Status:          domain.OrderOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	// Terminal transitions are left to the stream so the fill reaction runs
	// through the same path as every other fill.
	if handle.Status == domain.OrderPending || handle.Status == domain.OrderPartiallyFilled {
		order.Status = handle.Status
	}
	if trigger != nil {
		order.TriggerOrderID = trigger.ID
		if leg == domain.LegClose {
			order.PairedOrderID = trigger.ID
		}
	}

	if err := e.orders.CreateOrder(ctx, order); err != nil {
		return order, &ports.PersistenceError{Op: op, Err: err}
	}

	e.logger.Info(ctx, op+": order placed", map[string]interface{}{
		"botID": bot.ID, "orderID": order.ID, "exchangeOrderID": order.ExchangeOrderID, "leg": leg, "side": side,
	})
	e.broadcast("order_update", order)
	e.notifier.Notify(ctx, domain.LevelInfo, bot.ID,
		fmt.Sprintf("Placed %s %s order: %s %s @ %s", leg, side, qty, bot.Symbol, req.Price))
	return order, nil
}

// placementFailed escalates a failed placeLeg. A store failure after the
// exchange accepted the order is the worst case: a live order nobody tracks.
func (e *Engine) placementFailed(ctx context.Context, bot *domain.Bot, side domain.OrderSide, order *domain.Order, err error) {
	var pe *ports.PersistenceError
	if errors.As(err, &pe) && order != nil {
		e.logger.Critical(ctx, err, "Engine: order is live on the exchange but was not recorded", map[string]interface{}{
			"botID": bot.ID, "orderID": order.ID, "exchangeOrderID": order.ExchangeOrderID,
			"side": order.Side, "quantity": order.Quantity.String(), "price": order.Price.String(),
		})
		e.fail(ctx, bot, fmt.Sprintf("order %s is live on the exchange but was not recorded: %v", order.ExchangeOrderID, pe.Err))
		return
	}

	reason := ports.ReasonFor(err)
	var ae *ports.AdapterError
	if errors.As(err, &ae) {
		reason = ae.Reason
	}
	e.fail(ctx, bot, fmt.Sprintf("failed to place %s order (%s): %v", side, reason, err))
}

// fail moves bot to ERROR, stores the reason and tells the operator.
func (e *Engine) fail(ctx context.Context, bot *domain.Bot, reason string) {
	op := "Engine.fail"
	bot.MarkError(reason)
	bot.UpdatedAt = e.now()

	e.logger.Error(ctx, errors.New(reason), op+": bot moved to ERROR", map[string]interface{}{"botID": bot.ID})
	if err := e.bots.SaveBot(ctx, bot); err != nil {
		e.logger.Error(ctx, err, op+": failed to store bot error state", map[string]interface{}{"botID": bot.ID})
	}
	e.broadcast("bot_update", bot)
	e.notifier.Notify(ctx, domain.LevelError, bot.ID, fmt.Sprintf("Bot for %s stopped with error: %s", bot.Symbol, reason))
}

func (e *Engine) broadcast(msgType string, data interface{}) {
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(msgType, data)
	}
}

func updateFields(u domain.OrderUpdate) map[string]interface{} {
	return map[string]interface{}{
		"exchangeOrderID": u.ExchangeOrderID,
		"clientOrderID":   u.ClientOrderID,
		"symbol":          u.Symbol,
		"status":          u.Status,
		"quantity":        u.Quantity.String(),
		"filled":          u.FilledQuantity.String(),
	}
}
