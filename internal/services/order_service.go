package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/domain/order"
	"orderflow/internal/events"
	"orderflow/internal/repository"
	orderflow_errors "orderflow/pkg/errors"
	"orderflow/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxOrderQuantity = 10_000

type OrderService struct {
	uow    repository.UnitOfWork
	orders repository.OrderRepository
	dedup  Deduplicator
	clock  func() time.Time
	logger *logger.Logger
}

func NewOrderService(uow repository.UnitOfWork, orders repository.OrderRepository, dedup Deduplicator, l *logger.Logger) *OrderService {
	if l == nil {
		l = logger.NewNop()
	}
	return &OrderService{
		uow:    uow,
		orders: orders,
		dedup:  dedup,
		clock:  time.Now,
		logger: l.Named("order_service"),
	}
}

type PlaceOrderInput struct {
	CustomerID string
	SKU        string
	Quantity   int
}

func validatePlaceOrder(in PlaceOrderInput) error {
	switch {
	case strings.TrimSpace(in.CustomerID) == "":
		return fmt.Errorf("%w: customer_id is required", orderflow_errors.ErrInvalidInput)
	case strings.TrimSpace(in.SKU) == "":
		return fmt.Errorf("%w: sku is required", orderflow_errors.ErrInvalidInput)
	case in.Quantity <= 0 || in.Quantity > maxOrderQuantity:
		return fmt.Errorf("%w: quantity must be between 1 and %d", orderflow_errors.ErrInvalidInput, maxOrderQuantity)
	}
	return nil
}

// PlaceOrder stores the order and its order.placed event in one transaction.
// If either write fails neither is kept and the error goes back to the caller.
func (s *OrderService) PlaceOrder(ctx context.Context, in PlaceOrderInput) (order.Order, error) {
	if err := validatePlaceOrder(in); err != nil {
		return order.Order{}, err
	}

	now := s.clock().UTC()
	o := order.Order{
		ID:         uuid.New(),
		CustomerID: strings.TrimSpace(in.CustomerID),
		SKU:        strings.TrimSpace(in.SKU),
		Quantity:   in.Quantity,
		Status:     order.StatusPlaced,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	msg, err := newOutboxMessage(events.EventTypeOrderPlaced, events.AggregateOrder, o.ID.String(), now, events.OrderPlaced{
		OrderID:    o.ID.String(),
		CustomerID: o.CustomerID,
		SKU:        o.SKU,
		Quantity:   o.Quantity,
	})
	if err != nil {
		return order.Order{}, err
	}

	err = s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if err := repos.Orders.Create(ctx, &o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		if err := repos.Outbox.Create(ctx, msg); err != nil {
			return fmt.Errorf("stage %s event: %w", msg.EventType, err)
		}
		return nil
	})
	if err != nil {
		return order.Order{}, err
	}

	s.logger.WithContext(ctx).Info("order placed",
		zap.String("order_id", o.ID.String()),
		zap.String("outbox_id", msg.ID.String()),
		zap.String("sku", o.SKU),
		zap.Int("quantity", o.Quantity),
	)
	return o, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id uuid.UUID) (order.Order, error) {
	return s.orders.GetByID(ctx, id)
}

// HandleInventoryEvent settles a placed order once inventory answered.
func (s *OrderService) HandleInventoryEvent(ctx context.Context, d broker.Delivery) error {
	return consumeOnce(ctx, s.dedup, s.logger, d, s.settle)
}

func (s *OrderService) settle(ctx context.Context, env events.Envelope) error {
	var (
		orderID string
		to      order.Status
		reason  string
	)
	switch env.EventType {
	case events.EventTypeInventoryReserved:
		payload, err := events.DecodePayload[events.InventoryReserved](env)
		if err != nil {
			return permanent(err)
		}
		orderID, to = payload.OrderID, order.StatusConfirmed
	case events.EventTypeInventoryInsufficient:
		payload, err := events.DecodePayload[events.InventoryInsufficient](env)
		if err != nil {
			return permanent(err)
		}
		orderID, to = payload.OrderID, order.StatusRejected
		reason = fmt.Sprintf("insufficient stock for %s: requested %d, available %d", payload.SKU, payload.Requested, payload.Available)
	default:
		return permanent(fmt.Errorf("unexpected event type %q", env.EventType))
	}

	id, err := uuid.Parse(orderID)
	if err != nil {
		return permanent(fmt.Errorf("order id %q: %w", orderID, err))
	}

	err = s.orders.UpdateStatus(ctx, id, order.StatusPlaced, to, reason, s.clock().UTC())
	switch {
	case err == nil:
		s.logger.Info("order settled", zap.String("order_id", orderID), zap.String("status", string(to)))
		return nil
	case errors.Is(err, orderflow_errors.ErrInvalidTransition):
		// Already settled by an earlier copy of the same decision, or unknown.
		s.logger.Warn("order not in a settleable state", zap.String("order_id", orderID), zap.String("status", string(to)))
		return nil
	default:
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
}
