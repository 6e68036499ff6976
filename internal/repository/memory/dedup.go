package memory

import (
	"context"
	"sync"
)

// Deduplicator is an in-process stand-in for the Redis deduplicator. It
// forgets everything on restart.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

func (d *Deduplicator) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok, nil
}

func (d *Deduplicator) MarkProcessed(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = struct{}{}
	return nil
}
