package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/domain/inventory"
	"orderflow/internal/domain/outbox"
	"orderflow/internal/events"
	"orderflow/internal/repository"
	orderflow_errors "orderflow/pkg/errors"
	"orderflow/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type InventoryService struct {
	uow    repository.UnitOfWork
	dedup  Deduplicator
	clock  func() time.Time
	logger *logger.Logger
}

func NewInventoryService(uow repository.UnitOfWork, dedup Deduplicator, l *logger.Logger) *InventoryService {
	if l == nil {
		l = logger.NewNop()
	}
	return &InventoryService{
		uow:    uow,
		dedup:  dedup,
		clock:  time.Now,
		logger: l.Named("inventory_service"),
	}
}

// HandleOrderEvent reserves stock for a placed order.
func (s *InventoryService) HandleOrderEvent(ctx context.Context, d broker.Delivery) error {
	return consumeOnce(ctx, s.dedup, s.logger, d, func(ctx context.Context, env events.Envelope) error {
		if env.EventType != events.EventTypeOrderPlaced {
			return permanent(fmt.Errorf("unexpected event type %q", env.EventType))
		}
		payload, err := events.DecodePayload[events.OrderPlaced](env)
		if err != nil {
			return permanent(err)
		}
		return s.Reserve(ctx, payload)
	})
}

// Reserve holds stock for the order when enough is available and stages the
// outcome event in the same transaction. A repeated order is a no-op.
func (s *InventoryService) Reserve(ctx context.Context, placed events.OrderPlaced) error {
	orderID, err := uuid.Parse(placed.OrderID)
	if err != nil {
		return permanent(fmt.Errorf("order id %q: %w", placed.OrderID, err))
	}
	if strings.TrimSpace(placed.SKU) == "" || placed.Quantity <= 0 {
		return permanent(fmt.Errorf("%w: sku and positive quantity required", orderflow_errors.ErrInvalidInput))
	}

	now := s.clock().UTC()
	var staged *outbox.OutboxMessage
	err = s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if _, err := repos.Inventory.GetReservationByOrder(ctx, orderID); err == nil {
			return nil
		} else if !errors.Is(err, orderflow_errors.ErrNotFound) {
			return err
		}

		item, err := repos.Inventory.GetForUpdate(ctx, placed.SKU)
		if errors.Is(err, orderflow_errors.ErrNotFound) {
			item = inventory.Item{SKU: placed.SKU}
		} else if err != nil {
			return err
		}

		if item.Available < placed.Quantity {
			staged, err = newOutboxMessage(events.EventTypeInventoryInsufficient, events.AggregateInventory, placed.SKU, now, events.InventoryInsufficient{
				OrderID:   placed.OrderID,
				SKU:       placed.SKU,
				Requested: placed.Quantity,
				Available: item.Available,
			})
			if err != nil {
				return err
			}
			return repos.Outbox.Create(ctx, staged)
		}

		item.Available -= placed.Quantity
		item.Reserved += placed.Quantity
		item.UpdatedAt = now
		if err := repos.Inventory.Save(ctx, &item); err != nil {
			return fmt.Errorf("save stock: %w", err)
		}

		reservation := inventory.Reservation{
			ID:        uuid.New(),
			OrderID:   orderID,
			SKU:       placed.SKU,
			Quantity:  placed.Quantity,
			CreatedAt: now,
		}
		if err := repos.Inventory.CreateReservation(ctx, &reservation); err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}

		staged, err = newOutboxMessage(events.EventTypeInventoryReserved, events.AggregateInventory, placed.SKU, now, events.InventoryReserved{
			OrderID:       placed.OrderID,
			ReservationID: reservation.ID.String(),
			SKU:           placed.SKU,
			Quantity:      placed.Quantity,
			Remaining:     item.Available,
		})
		if err != nil {
			return err
		}
		return repos.Outbox.Create(ctx, staged)
	})
	if err != nil {
		return err
	}

	if staged == nil {
		s.logger.Info("order already reserved", zap.String("order_id", placed.OrderID))
		return nil
	}
	s.logger.Info("inventory decision staged",
		zap.String("order_id", placed.OrderID),
		zap.String("sku", placed.SKU),
		zap.String("event_type", staged.EventType),
		zap.String("outbox_id", staged.ID.String()),
	)
	return nil
}

// Restock adds quantity to the available stock of sku.
func (s *InventoryService) Restock(ctx context.Context, sku string, quantity int) (inventory.Item, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" || quantity <= 0 {
		return inventory.Item{}, orderflow_errors.ErrInvalidInput
	}

	var item inventory.Item
	err := s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories) error {
		current, err := repos.Inventory.GetForUpdate(ctx, sku)
		if errors.Is(err, orderflow_errors.ErrNotFound) {
			current = inventory.Item{SKU: sku}
		} else if err != nil {
			return err
		}
		current.Available += quantity
		current.UpdatedAt = s.clock().UTC()
		item = current
		return repos.Inventory.Save(ctx, &current)
	})
	return item, err
}
