// Package bridge owns the exchange's private event stream: it keeps one
// session alive across disconnects, suppresses duplicate order events, and
// dispatches normalized events to handlers registered before Connect.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// State is the connection state of the bridge.
type State string

const (
	StateIdle         State = "idle"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed" // Gave up after MaxReconnectAttempts
	StateClosed       State = "closed"
)

var (
	ErrRegisterAfterConnect = errors.New("handlers must be registered before connect")
	ErrAlreadyConnected     = errors.New("bridge already connected")
	ErrClosed               = errors.New("bridge is closed")
)

// Config holds the bridge dependencies and reconnect policy.
type Config struct {
	Transport            ports.StreamTransport
	Dedup                ports.DedupStore // Defaults to an in-memory store
	Logger               ports.Logger
	MinBackoff           time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int // 0 retries forever
	BufferSize           int
}

// Bridge implements ports.EventRegistrar.
type Bridge struct {
	transport   ports.StreamTransport
	dedup       ports.DedupStore
	logger      ports.Logger
	backoff     *backoff.Backoff
	maxAttempts int

	mu       sync.RWMutex
	handlers map[domain.EventType][]ports.EventHandler
	state    State
	session  ports.StreamSession
	cancel   context.CancelFunc

	events chan domain.Event
	wg     sync.WaitGroup
}

// New creates a bridge in the idle state.
func New(cfg Config) (*Bridge, error) {
	if cfg.Transport == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Bridge")
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NewMemoryDedup(time.Hour, 0)
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}

	return &Bridge{
		transport:   cfg.Transport,
		dedup:       cfg.Dedup,
		logger:      cfg.Logger,
		backoff:     &backoff.Backoff{Min: cfg.MinBackoff, Max: cfg.MaxBackoff, Factor: 2, Jitter: true},
		maxAttempts: cfg.MaxReconnectAttempts,
		handlers:    make(map[domain.EventType][]ports.EventHandler),
		state:       StateIdle,
		events:      make(chan domain.Event, cfg.BufferSize),
	}, nil
}

// Register binds handler to eventType. Several handlers may share a type and
// run in registration order.
func (b *Bridge) Register(eventType domain.EventType, handler ports.EventHandler) error {
	if !eventType.IsValid() {
		return fmt.Errorf("unknown event type %q", eventType)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for event type %s", eventType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateIdle {
		return fmt.Errorf("%w (state %s)", ErrRegisterAfterConnect, b.state)
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// OnOrder registers a typed ORDER handler.
func (b *Bridge) OnOrder(h func(ctx context.Context, u domain.OrderUpdate)) error {
	if h == nil {
		return fmt.Errorf("nil handler for event type %s", domain.EventOrder)
	}
	return b.Register(domain.EventOrder, func(ctx context.Context, ev domain.Event) {
		if u, ok := ev.Order(); ok {
			h(ctx, u)
		}
	})
}

// OnPosition registers a typed POSITION handler.
func (b *Bridge) OnPosition(h func(ctx context.Context, u domain.PositionUpdate)) error {
	if h == nil {
		return fmt.Errorf("nil handler for event type %s", domain.EventPosition)
	}
	return b.Register(domain.EventPosition, func(ctx context.Context, ev domain.Event) {
		if u, ok := ev.Position(); ok {
			h(ctx, u)
		}
	})
}

// OnBalance registers a typed BALANCE handler.
func (b *Bridge) OnBalance(h func(ctx context.Context, u domain.BalanceUpdate)) error {
	if h == nil {
		return fmt.Errorf("nil handler for event type %s", domain.EventBalance)
	}
	return b.Register(domain.EventBalance, func(ctx context.Context, ev domain.Event) {
		if u, ok := ev.Balance(); ok {
			h(ctx, u)
		}
	})
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Healthy reports whether the bridge is connected or still trying to be.
func (b *Bridge) Healthy() bool {
	switch b.State() {
	case StateConnected, StateReconnecting:
		return true
	}
	return false
}

// Connect opens the first session synchronously and then keeps it alive in
// the background. A failed handshake returns a *ports.ConnectionError and
// leaves the bridge idle.
func (b *Bridge) Connect(ctx context.Context) error {
	op := "Bridge.Connect"

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateIdle:
	case StateClosed, StateFailed:
		return ErrClosed
	default:
		return ErrAlreadyConnected
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess, err := b.transport.Open(ctx, b.emitter(runCtx))
	if err != nil {
		cancel()
		var connErr *ports.ConnectionError
		if !errors.As(err, &connErr) {
			err = &ports.ConnectionError{Endpoint: "exchange stream", Err: err}
		}
		b.logger.Error(ctx, err, op+": initial connection failed")
		return err
	}

	b.session = sess
	b.cancel = cancel
	b.state = StateConnected

	b.wg.Add(2)
	go b.deliver(runCtx)
	go b.supervise(runCtx, sess)

	b.logger.Info(ctx, op+": connected", map[string]interface{}{"handlers": b.handlerCount()})
	return nil
}

// Disconnect closes the session and stops delivery. No handler is invoked
// after Disconnect returns.
func (b *Bridge) Disconnect() error {
	op := "Bridge.Disconnect"

	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return nil
	}
	wasIdle := b.state == StateIdle
	b.state = StateClosed
	sess, cancel := b.session, b.cancel
	b.session = nil
	b.mu.Unlock()

	if wasIdle {
		return nil
	}

	cancel()
	var err error
	if sess != nil {
		err = sess.Close()
	}
	b.wg.Wait()
	b.logger.Info(context.Background(), op+": disconnected")
	return err
}

func (b *Bridge) handlerCount() int {
	n := 0
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}

// emitter returns the callback the transport uses to hand over events.
// It blocks when the buffer is full so events are never reordered or lost
// while the bridge is running.
func (b *Bridge) emitter(ctx context.Context) func(domain.Event) {
	return func(ev domain.Event) {
		select {
		case b.events <- ev:
		case <-ctx.Done():
		}
	}
}

// deliver is the single dispatch goroutine; events reach handlers in the
// order the transport emitted them.
func (b *Bridge) deliver(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			b.dispatch(ctx, ev)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, ev domain.Event) {
	op := "Bridge.dispatch"

	// Position and balance events are snapshots; only order transitions are
	// deduplicated.
	if ev.Type == domain.EventOrder {
		first, err := b.dedup.MarkSeen(ctx, ev.Key)
		if err != nil {
			b.logger.Warn(ctx, op+": dedup store unavailable, delivering event", map[string]interface{}{"key": ev.Key, "error": err.Error()})
		} else if !first {
			b.logger.Debug(ctx, op+": duplicate event suppressed", map[string]interface{}{"key": ev.Key})
			return
		}
	}

	b.mu.RLock()
	handlers := b.handlers[ev.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		if ctx.Err() != nil {
			return
		}
		b.invoke(ctx, h, ev)
	}
}

// invoke isolates handler panics so one bad handler cannot stop delivery.
func (b *Bridge) invoke(ctx context.Context, h ports.EventHandler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(ctx, fmt.Errorf("panic: %v", r), "Bridge.invoke: handler panicked", map[string]interface{}{"type": ev.Type, "key": ev.Key})
		}
	}()
	h(ctx, ev)
}

// supervise waits for the session to end and reopens it with backoff,
// keeping the same handlers bound.
func (b *Bridge) supervise(ctx context.Context, sess ports.StreamSession) {
	defer b.wg.Done()
	op := "Bridge.supervise"

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
		}
		if ctx.Err() != nil {
			return
		}

		fields := map[string]interface{}{}
		if err := sess.Err(); err != nil {
			fields["error"] = err.Error()
		}
		b.logger.Warn(ctx, op+": stream session lost, reconnecting", fields)
		if !b.setState(StateReconnecting) {
			return
		}

		next, ok := b.reconnect(ctx)
		if !ok {
			return
		}
		sess = next
	}
}

func (b *Bridge) reconnect(ctx context.Context) (ports.StreamSession, bool) {
	op := "Bridge.reconnect"
	b.backoff.Reset()

	for attempt := 1; ; attempt++ {
		if b.maxAttempts > 0 && attempt > b.maxAttempts {
			err := fmt.Errorf("gave up after %d reconnect attempts", b.maxAttempts)
			b.logger.Error(ctx, err, op+": max reconnection attempts exceeded")
			b.setState(StateFailed)
			return nil, false
		}

		delay := b.backoff.Duration()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, false
		}

		sess, err := b.transport.Open(ctx, b.emitter(ctx))
		if err != nil {
			b.logger.Warn(ctx, op+": reconnect attempt failed", map[string]interface{}{"attempt": attempt, "delay": delay.String(), "error": err.Error()})
			continue
		}

		b.mu.Lock()
		if b.state == StateClosed || ctx.Err() != nil {
			b.mu.Unlock()
			_ = sess.Close()
			return nil, false
		}
		b.session = sess
		b.state = StateConnected
		b.mu.Unlock()

		b.logger.Info(ctx, op+": reconnected", map[string]interface{}{"attempt": attempt})
		return sess, true
	}
}

// setState moves to s unless the bridge was closed meanwhile.
func (b *Bridge) setState(s State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return false
	}
	b.state = s
	return true
}
