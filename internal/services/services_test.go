package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/domain/outbox"
	"orderflow/internal/repository/memory"

	"github.com/stretchr/testify/require"
)

type fakeDedup struct {
	mu      sync.Mutex
	seen    map[string]bool
	seenErr error
	markErr error
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{seen: make(map[string]bool)}
}

func (d *fakeDedup) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seenErr != nil {
		return false, d.seenErr
	}
	return d.seen[key], nil
}

func (d *fakeDedup) MarkProcessed(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.markErr != nil {
		return d.markErr
	}
	d.seen[key] = true
	return nil
}

func (d *fakeDedup) marked(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[key]
}

var errBoom = errors.New("boom")

var now0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now0 }

// deliveryFrom turns a staged outbox row into what a consumer would receive.
func deliveryFrom(msg outbox.OutboxMessage) broker.Delivery {
	return broker.Delivery{
		EventID:    msg.ID.String(),
		EventType:  msg.EventType,
		RoutingKey: msg.RoutingKey,
		Body:       []byte(msg.Payload),
	}
}

func pendingOfType(t *testing.T, store *memory.Store, eventType string) []outbox.OutboxMessage {
	t.Helper()
	all, err := store.Outbox().List(context.Background(), outbox.Filter{Limit: 500})
	require.NoError(t, err)
	var out []outbox.OutboxMessage
	for _, m := range all {
		if m.EventType == eventType && m.Status == outbox.StatusPending {
			out = append(out, m)
		}
	}
	return out
}
