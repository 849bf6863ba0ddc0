package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// EventStream is the event bridge as seen by the service.
type EventStream interface {
	ports.EventRegistrar
	Connect(ctx context.Context) error
	Disconnect() error
	// Healthy is false once the stream has given up reconnecting.
	Healthy() bool
}

// ServiceConfig holds the runtime collaborators.
type ServiceConfig struct {
	Logger          ports.Logger
	Exchange        ports.ExchangeAdapter
	Engine          *Engine
	Stream          EventStream
	Sweeper         *Sweeper          // Optional
	Broadcaster     ports.Broadcaster // Optional, receives position and balance updates
	HealthInterval  time.Duration
	ShutdownTimeout time.Duration
}

// Service runs the engine against the live event stream until shutdown.
type Service struct {
	logger          ports.Logger
	exchange        ports.ExchangeAdapter
	engine          *Engine
	stream          EventStream
	sweeper         *Sweeper
	broadcaster     ports.Broadcaster
	healthInterval  time.Duration
	shutdownTimeout time.Duration
}

// NewService creates a new service instance.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Logger == nil || cfg.Exchange == nil || cfg.Engine == nil || cfg.Stream == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Service{
		logger:          cfg.Logger,
		exchange:        cfg.Exchange,
		engine:          cfg.Engine,
		stream:          cfg.Stream,
		sweeper:         cfg.Sweeper,
		broadcaster:     cfg.Broadcaster,
		healthInterval:  cfg.HealthInterval,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Start wires the engine to the stream, connects and blocks until ctx is
// cancelled, a shutdown signal arrives or the stream gives up.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting scalper service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// 1. Exchange reachability
	if err := s.exchange.Ping(ctx); err != nil {
		s.logger.Error(ctx, err, "Exchange is not reachable", map[string]interface{}{"exchange": s.exchange.Name()})
		return fmt.Errorf("failed to reach exchange: %w", err)
	}
	s.logger.Info(ctx, "Exchange reachable", map[string]interface{}{"exchange": s.exchange.Name()})

	// 2. Handlers, all before Connect
	if err := s.engine.Attach(s.stream); err != nil {
		return fmt.Errorf("failed to attach engine: %w", err)
	}
	if err := s.attachBroadcasts(); err != nil {
		return fmt.Errorf("failed to attach broadcasts: %w", err)
	}

	// 3. Report what resumes. Active bots keep their pending orders.
	bots, err := s.engine.ListBots(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load bots")
		return fmt.Errorf("failed to load bots: %w", err)
	}
	active := 0
	for _, b := range bots {
		if b.IsActive() {
			active++
		}
	}
	s.logger.Info(ctx, "Bots loaded", map[string]interface{}{"total": len(bots), "active": active})

	// 4. Stream
	if err := s.stream.Connect(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to connect event stream")
		return fmt.Errorf("failed to connect event stream: %w", err)
	}
	s.logger.Info(ctx, "Event stream connected")

	if s.sweeper != nil {
		s.sweeper.Start(ctx)
	}

	runErr := s.wait(ctx)
	s.shutdown()
	return runErr
}

func (s *Service) wait(ctx context.Context) error {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Main context cancelled, initiating shutdown...")
			return nil
		case <-ticker.C:
			if !s.stream.Healthy() {
				err := fmt.Errorf("event stream stopped unexpectedly")
				s.logger.Critical(ctx, err, "Event stream is down, fills are no longer observed")
				return err
			}
		}
	}
}

func (s *Service) shutdown() {
	ctx := context.Background()
	if err := s.stream.Disconnect(); err != nil {
		s.logger.Warn(ctx, "Event stream did not close cleanly", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	if err := s.engine.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(ctx, "Timeout waiting for reconciliation tasks to finish", map[string]interface{}{"error": err.Error()})
	}
	s.logger.Info(ctx, "Scalper service stopped.")
}

func (s *Service) attachBroadcasts() error {
	if s.broadcaster == nil {
		return nil
	}
	if err := s.stream.Register(domain.EventPosition, func(ctx context.Context, ev domain.Event) {
		if u, ok := ev.Position(); ok {
			s.broadcaster.Broadcast("position_update", u)
		}
	}); err != nil {
		return err
	}
	return s.stream.Register(domain.EventBalance, func(ctx context.Context, ev domain.Event) {
		if u, ok := ev.Balance(); ok {
			s.broadcaster.Broadcast("balance_update", u)
		}
	})
}
