package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// DiscrepancyKind classifies a mismatch between the store and the exchange.
type DiscrepancyKind string

const (
	// MissingOnExchange is a locally pending order the exchange no longer
	// lists as open; its terminal event was probably missed.
	MissingOnExchange DiscrepancyKind = "MISSING_ON_EXCHANGE"
	// UntrackedOnExchange is an open exchange order with no local record.
	UntrackedOnExchange DiscrepancyKind = "UNTRACKED_ON_EXCHANGE"
)

// Discrepancy is one mismatch found by a sweep.
type Discrepancy struct {
	Kind            DiscrepancyKind `json:"kind"`
	BotID           string          `json:"bot_id,omitempty"`
	OrderID         string          `json:"order_id,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	Symbol          string          `json:"symbol"`
}

func (d Discrepancy) key() string {
	return string(d.Kind) + ":" + d.ExchangeOrderID
}

// SweepReport contains the results of one sweep.
type SweepReport struct {
	Timestamp     time.Time     `json:"timestamp"`
	Symbols       int           `json:"symbols"`
	Checked       int           `json:"checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// SweeperConfig holds the sweeper collaborators and schedule.
type SweeperConfig struct {
	Logger      ports.Logger
	Exchange    ports.ExchangeAdapter
	Bots        ports.BotRepository
	Orders      ports.OrderRepository
	Notifier    ports.Notifier
	Interval    time.Duration // 0 disables Start
	Grace       time.Duration // Orders touched more recently are not judged
	CallTimeout time.Duration
	Now         func() time.Time
}

// Sweeper periodically compares the pending orders of active bots with the
// exchange's open orders. It reports mismatches and never corrects them.
type Sweeper struct {
	logger      ports.Logger
	exchange    ports.ExchangeAdapter
	bots        ports.BotRepository
	orders      ports.OrderRepository
	notifier    ports.Notifier
	interval    time.Duration
	grace       time.Duration
	callTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	reported map[string]struct{} // Discrepancies already notified
}

// NewSweeper creates a new sweeper instance.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Logger == nil || cfg.Exchange == nil || cfg.Bots == nil || cfg.Orders == nil || cfg.Notifier == nil {
		return nil, fmt.Errorf("missing required dependencies for Sweeper")
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		logger:      cfg.Logger,
		exchange:    cfg.Exchange,
		bots:        cfg.Bots,
		orders:      cfg.Orders,
		notifier:    cfg.Notifier,
		interval:    cfg.Interval,
		grace:       cfg.Grace,
		callTimeout: cfg.CallTimeout,
		now:         cfg.Now,
		reported:    make(map[string]struct{}),
	}, nil
}

// Start runs Sweep every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info(ctx, "Sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.Error(ctx, err, "Sweeper: sweep failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info(ctx, "Sweeper started", map[string]interface{}{"interval": s.interval.String()})
}

// Sweep performs one comparison. New discrepancies are notified once; ones
// that persist across sweeps are only logged.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	op := "Sweeper.Sweep"

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	report := &SweepReport{Timestamp: now, Discrepancies: []Discrepancy{}}

	active, err := s.bots.ListBotsByStatus(ctx, domain.BotActive)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	pendingBySymbol := make(map[string][]*domain.Order)
	for _, bot := range active {
		pending, err := s.orders.ListPendingOrders(ctx, bot.ID)
		if err != nil {
			return nil, fmt.Errorf("%s failed: %w", op, err)
		}
		pendingBySymbol[bot.Symbol] = append(pendingBySymbol[bot.Symbol], pending...)
	}

	for symbol, pending := range pendingBySymbol {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		open, err := s.exchange.GetOpenOrders(callCtx, symbol)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%s failed: open orders for %s: %w", op, symbol, err)
		}
		report.Symbols++

		openByID := make(map[string]*ports.OrderHandle, len(open))
		for _, h := range open {
			openByID[h.ExchangeOrderID] = h
		}

		for _, o := range pending {
			if o.ExchangeOrderID == "" || now.Sub(o.UpdatedAt) < s.grace {
				continue
			}
			report.Checked++
			if _, ok := openByID[o.ExchangeOrderID]; !ok {
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					Kind: MissingOnExchange, BotID: o.BotID, OrderID: o.ID, ExchangeOrderID: o.ExchangeOrderID, Symbol: symbol,
				})
			}
		}

		for _, h := range open {
			local, err := s.orders.FindOrderByExchangeID(ctx, h.ExchangeOrderID)
			if err != nil {
				return nil, fmt.Errorf("%s failed: %w", op, err)
			}
			if local == nil && now.Sub(h.UpdatedAt) >= s.grace {
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					Kind: UntrackedOnExchange, ExchangeOrderID: h.ExchangeOrderID, Symbol: symbol,
				})
			}
		}
	}

	s.publish(ctx, report)
	return report, nil
}

func (s *Sweeper) publish(ctx context.Context, report *SweepReport) {
	op := "Sweeper.publish"
	current := make(map[string]struct{}, len(report.Discrepancies))

	for _, d := range report.Discrepancies {
		current[d.key()] = struct{}{}
		fields := map[string]interface{}{"kind": d.Kind, "botID": d.BotID, "orderID": d.OrderID, "exchangeOrderID": d.ExchangeOrderID, "symbol": d.Symbol}
		if _, seen := s.reported[d.key()]; seen {
			s.logger.Debug(ctx, op+": discrepancy persists", fields)
			continue
		}
		s.logger.Warn(ctx, op+": order discrepancy", fields)

		var msg string
		switch d.Kind {
		case MissingOnExchange:
			msg = fmt.Sprintf("Order %s on %s is pending locally but not open on the exchange", d.ExchangeOrderID, d.Symbol)
		default:
			msg = fmt.Sprintf("Open exchange order %s on %s has no local record", d.ExchangeOrderID, d.Symbol)
		}
		s.notifier.Notify(ctx, domain.LevelWarning, d.BotID, msg)
	}
	s.reported = current

	s.logger.Info(ctx, op+": sweep finished", map[string]interface{}{
		"symbols": report.Symbols, "checked": report.Checked, "discrepancies": len(report.Discrepancies),
	})
}
