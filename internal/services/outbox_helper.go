package services

import (
	"context"
	"fmt"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/domain/outbox"
	"orderflow/internal/events"
	"orderflow/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deduplicator remembers which events a consumer already handled.
type Deduplicator interface {
	// Seen reports whether key was marked processed.
	Seen(ctx context.Context, key string) (bool, error)
	// MarkProcessed records key once its handler has committed.
	MarkProcessed(ctx context.Context, key string) error
}

// newOutboxMessage serializes an event into an outbox row. The row id and
// the envelope event id are the same value.
func newOutboxMessage[T any](eventType, aggregateType, aggregateID string, at time.Time, payload T) (*outbox.OutboxMessage, error) {
	routingKey, err := events.RoutingKeyFor(eventType)
	if err != nil {
		return nil, err
	}
	env, err := events.NewEnvelope(eventType, aggregateType, aggregateID, at, payload)
	if err != nil {
		return nil, err
	}
	body, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}
	id, err := uuid.Parse(env.EventID)
	if err != nil {
		return nil, err
	}
	return &outbox.OutboxMessage{
		ID:         id,
		EventType:  eventType,
		RoutingKey: routingKey,
		Payload:    string(body),
		Status:     outbox.StatusPending,
		CreatedAt:  at,
		UpdatedAt:  at,
	}, nil
}

func permanent(err error) error {
	return fmt.Errorf("%w: %v", broker.ErrPermanent, err)
}

// consumeOnce skips events already marked processed and marks an event only
// after handle succeeded, so a crash mid-handle never hides a redelivery.
// Handlers must be idempotent in storage: a failed mark, or two copies of
// one event in flight at once, only repeat a no-op.
func consumeOnce(ctx context.Context, dedup Deduplicator, l *logger.Logger, d broker.Delivery, handle func(ctx context.Context, env events.Envelope) error) error {
	env, err := events.ParseEnvelope(d.Body)
	if err != nil {
		return permanent(err)
	}
	log := l.With(zap.String("event_id", env.EventID), zap.String("event_type", env.EventType))

	seen, err := dedup.Seen(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		log.Info("skipping duplicate event")
		return nil
	}

	if err := handle(ctx, env); err != nil {
		return err
	}
	if err := dedup.MarkProcessed(context.WithoutCancel(ctx), env.EventID); err != nil {
		log.Warn("failed to record processed event", zap.Error(err))
	}
	return nil
}
