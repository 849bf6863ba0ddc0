package bridge

import (
	"context"
	"sync"
	"time"
)

// MemoryDedup is an in-process ports.DedupStore. Keys expire after ttl and the
// store never holds more than maxKeys entries; the oldest keys go first.
type MemoryDedup struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxKeys int
	seen    map[string]time.Time
	queue   []dedupEntry // Arrival order
	now     func() time.Time
}

type dedupEntry struct {
	key string
	exp time.Time
}

// NewMemoryDedup creates a store. Zero values pick one hour and 100k keys.
func NewMemoryDedup(ttl time.Duration, maxKeys int) *MemoryDedup {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxKeys <= 0 {
		maxKeys = 100_000
	}
	return &MemoryDedup{
		ttl:     ttl,
		maxKeys: maxKeys,
		seen:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// MarkSeen records key and reports whether this is its first sighting.
func (d *MemoryDedup) MarkSeen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.evict(now)

	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	for len(d.seen) >= d.maxKeys && len(d.queue) > 0 {
		d.pop()
	}
	exp := now.Add(d.ttl)
	d.seen[key] = exp
	d.queue = append(d.queue, dedupEntry{key: key, exp: exp})
	return true, nil
}

// evict drops expired entries from the front of the queue.
func (d *MemoryDedup) evict(now time.Time) {
	for len(d.queue) > 0 && !now.Before(d.queue[0].exp) {
		d.pop()
	}
}

func (d *MemoryDedup) pop() {
	e := d.queue[0]
	d.queue = d.queue[1:]
	// A re-added key has a newer expiry; only drop the mapping this entry owns.
	if exp, ok := d.seen[e.key]; ok && exp.Equal(e.exp) {
		delete(d.seen, e.key)
	}
}

// Len returns the number of remembered keys.
func (d *MemoryDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
