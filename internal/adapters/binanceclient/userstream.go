package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

const userStreamEndpoint = "binance futures user data stream"

// UserStream implements ports.StreamTransport over Binance's futures user
// data stream: a listen key obtained over REST, kept alive on a ticker, and
// a websocket opened with futures.WsUserDataServe.
type UserStream struct {
	client    *Client
	keepAlive time.Duration
	now       func() time.Time
}

// NewUserStream creates the transport. keepAlive must stay below the
// listen key's 60 minute validity.
func NewUserStream(client *Client, keepAlive time.Duration) *UserStream {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Minute
	}
	return &UserStream{client: client, keepAlive: keepAlive, now: time.Now}
}

// Open starts one stream session.
func (s *UserStream) Open(ctx context.Context, emit func(domain.Event)) (ports.StreamSession, error) {
	op := "UserStream.Open"
	c := s.client

	if err := c.wait(ctx, op); err != nil {
		return nil, &ports.ConnectionError{Endpoint: userStreamEndpoint, Err: err}
	}
	listenKey, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, &ports.ConnectionError{Endpoint: userStreamEndpoint, Err: c.handleError(ctx, err, op)}
	}

	sess := &userSession{
		stream:    s,
		listenKey: listenKey,
		done:      make(chan struct{}),
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	handler := func(ev *futures.WsUserDataEvent) {
		events, err := translateUserDataEvent(ev, s.now())
		if err != nil {
			c.logger.Warn(sessCtx, op+": dropping user data event", map[string]interface{}{"error": err.Error(), "event": string(ev.Event)})
			return
		}
		for _, e := range events {
			emit(e)
		}
	}
	errHandler := func(err error) {
		c.logger.Warn(sessCtx, op+": websocket error reported", map[string]interface{}{"error": err.Error()})
		sess.setErr(err)
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, handler, errHandler)
	if err != nil {
		cancel()
		s.closeListenKey(listenKey)
		return nil, &ports.ConnectionError{Endpoint: userStreamEndpoint, Err: err}
	}
	sess.stopC = stopC

	go sess.keepAliveLoop(sessCtx)
	go func() {
		<-doneC
		cancel()
		close(sess.done)
	}()

	c.logger.Info(ctx, op+": user data stream connected")
	return sess, nil
}

func (s *UserStream) closeListenKey(listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		s.client.logger.Warn(ctx, "Failed to close listen key", map[string]interface{}{"error": err.Error()})
	}
}

type userSession struct {
	stream    *UserStream
	listenKey string
	stopC     chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc

	stopOnce sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *userSession) Done() <-chan struct{} { return s.done }

func (s *userSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.err == nil {
		select {
		case <-s.done:
			return errors.New("user data stream closed by remote")
		default:
		}
	}
	return s.err
}

func (s *userSession) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *userSession) stop() {
	s.stopOnce.Do(func() { close(s.stopC) })
}

func (s *userSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.stop()
	<-s.done
	s.stream.closeListenKey(s.listenKey)
	return nil
}

// keepAliveLoop extends the listen key until the session ends. A failed
// keepalive ends the session so the bridge can reconnect with a new key.
func (s *userSession) keepAliveLoop(ctx context.Context) {
	op := "UserStream.keepAlive"
	c := s.stream.client
	ticker := time.NewTicker(s.stream.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(s.listenKey).Do(callCtx)
			cancel()
			if err != nil {
				c.logger.Warn(ctx, op+": keepalive failed, closing session", map[string]interface{}{"error": err.Error()})
				s.setErr(fmt.Errorf("listen key keepalive: %w", err))
				s.stop()
				return
			}
			c.logger.Debug(ctx, op+" successful")
		}
	}
}

// translateUserDataEvent normalizes one Binance user data message.
// ACCOUNT_UPDATE messages fan out into one event per balance and position.
func translateUserDataEvent(ev *futures.WsUserDataEvent, now time.Time) ([]domain.Event, error) {
	if ev == nil {
		return nil, errors.New("received nil user data event")
	}

	switch ev.Event {
	case futures.UserDataEventTypeOrderTradeUpdate:
		u, err := translateOrderTradeUpdate(ev.OrderTradeUpdate)
		if err != nil {
			return nil, err
		}
		return []domain.Event{domain.NewOrderEvent(u, now)}, nil

	case futures.UserDataEventTypeAccountUpdate:
		var events []domain.Event
		for _, b := range ev.AccountUpdate.Balances {
			events = append(events, domain.NewBalanceEvent(domain.BalanceUpdate{
				Account:  "futures",
				Currency: b.Asset,
				Balance:  parseDecimal(b.Balance),
			}, now))
		}
		for _, p := range ev.AccountUpdate.Positions {
			symbol, err := DenormalizeSymbol(p.Symbol)
			if err != nil {
				continue
			}
			events = append(events, domain.NewPositionEvent(domain.PositionUpdate{
				Symbol:        symbol,
				Amount:        parseDecimal(p.Amount),
				EntryPrice:    parseDecimal(p.EntryPrice),
				UnrealizedPnL: parseDecimal(p.UnrealizedPnL),
			}, now))
		}
		return events, nil

	default:
		// Margin calls, listen key expiry and config updates are not routed.
		return nil, nil
	}
}

func translateOrderTradeUpdate(o futures.WsOrderTradeUpdate) (domain.OrderUpdate, error) {
	status, ok := mapOrderStatus(o.Status)
	if !ok {
		return domain.OrderUpdate{}, fmt.Errorf("unknown order status %q for order %d", o.Status, o.ID)
	}
	symbol, err := DenormalizeSymbol(o.Symbol)
	if err != nil {
		return domain.OrderUpdate{}, err
	}
	side := domain.OrderSide(o.Side)
	if !side.IsValid() {
		return domain.OrderUpdate{}, fmt.Errorf("unknown side %q for order %d", o.Side, o.ID)
	}

	return domain.OrderUpdate{
		ExchangeOrderID: strconv.FormatInt(o.ID, 10),
		ClientOrderID:   o.ClientOrderID,
		Symbol:          symbol,
		Side:            side,
		Status:          status,
		Quantity:        parseDecimal(o.OriginalQty),
		FilledQuantity:  parseDecimal(o.AccumulatedFilledQty),
		Price:           parseDecimal(o.OriginalPrice),
		AvgPrice:        parseDecimal(o.AveragePrice),
		Commission:      parseDecimal(o.Commission),
		Timestamp:       time.UnixMilli(o.TradeTime),
	}, nil
}
