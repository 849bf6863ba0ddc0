// Package notify fans operator notifications out to the activity feed, the
// dashboard hub and Telegram.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// Sender delivers a formatted message to an external channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config holds the dispatcher sinks. Only Logger and Activity are required.
type Config struct {
	Logger      ports.Logger
	Activity    ports.ActivityRepository
	Broadcaster ports.Broadcaster
	Sender      Sender
	Timeout     time.Duration // Per notification, across all sinks
	Now         func() time.Time
}

// Dispatcher implements ports.Notifier. Delivery runs in the background and
// sink failures are only logged.
type Dispatcher struct {
	logger      ports.Logger
	activity    ports.ActivityRepository
	broadcaster ports.Broadcaster
	sender      Sender
	timeout     time.Duration
	now         func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Logger == nil || cfg.Activity == nil {
		return nil, fmt.Errorf("missing required dependencies for Dispatcher")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		logger:      cfg.Logger,
		activity:    cfg.Activity,
		broadcaster: cfg.Broadcaster,
		sender:      cfg.Sender,
		timeout:     cfg.Timeout,
		now:         cfg.Now,
	}, nil
}

// Notify queues one notification and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, level domain.ActivityLevel, botID, message string) {
	entry := &domain.ActivityLog{BotID: botID, Level: level, Message: message, CreatedAt: d.now()}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn(ctx, "Dispatcher: notification after close dropped", map[string]interface{}{"level": level, "botID": botID, "message": message})
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.deliver(entry)
}

func (d *Dispatcher) deliver(entry *domain.ActivityLog) {
	defer d.wg.Done()
	op := "Dispatcher.deliver"

	// Detached from the caller: a finished request must not cancel its notification.
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	fields := map[string]interface{}{"level": entry.Level, "botID": entry.BotID}

	if _, err := d.activity.CreateActivity(ctx, entry); err != nil {
		d.logger.Error(ctx, err, op+": failed to store activity log", fields)
	}
	if d.broadcaster != nil {
		d.broadcaster.Broadcast("log_created", entry)
	}
	if d.sender != nil {
		if err := d.sender.Send(ctx, Format(entry)); err != nil {
			d.logger.Warn(ctx, op+": external notification failed", map[string]interface{}{"level": entry.Level, "botID": entry.BotID, "error": err.Error()})
		}
	}
}

// Close stops accepting notifications and waits for queued ones until ctx
// is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Format renders an entry as a chat message.
func Format(entry *domain.ActivityLog) string {
	if entry.BotID == "" {
		return fmt.Sprintf("[%s] %s", entry.Level, entry.Message)
	}
	return fmt.Sprintf("[%s] %s (bot %s)", entry.Level, entry.Message, entry.BotID)
}
