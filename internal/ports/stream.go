package ports

import (
	"context"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
)

// StreamSession is one live connection to an exchange's private stream.
type StreamSession interface {
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err returns the reason the session ended, nil after a clean Close.
	Err() error
	// Close ends the session. Safe to call more than once.
	Close() error
}

// StreamTransport opens private stream sessions. Normalized events are passed
// to emit; raw messages that fail normalization are logged and dropped by the
// transport.
type StreamTransport interface {
	Open(ctx context.Context, emit func(domain.Event)) (StreamSession, error)
}

// EventHandler consumes a normalized event.
type EventHandler func(ctx context.Context, ev domain.Event)

// EventRegistrar is the registration half of the event bridge.
type EventRegistrar interface {
	Register(eventType domain.EventType, handler EventHandler) error
}

// DedupStore remembers event keys that were already delivered.
type DedupStore interface {
	// MarkSeen records key and reports whether this is its first sighting.
	MarkSeen(ctx context.Context, key string) (first bool, err error)
}

// Notifier sends operator notifications. Implementations must not block
// the caller on delivery and must not return delivery failures.
type Notifier interface {
	Notify(ctx context.Context, level domain.ActivityLevel, botID, message string)
}

// Broadcaster pushes live updates to connected dashboard clients.
type Broadcaster interface {
	Broadcast(msgType string, data interface{})
}
