package memory

import (
	"context"
	"time"

	"orderflow/internal/domain/inventory"
	"orderflow/internal/domain/order"
	orderflow_errors "orderflow/pkg/errors"

	"github.com/google/uuid"
)

type OrderRepository struct {
	store *Store
	tx    *state
}

func (r *OrderRepository) Create(_ context.Context, o *order.Order) error {
	return r.store.with(r.tx, "orders.create", func(st *state) error {
		if _, exists := st.orders[o.ID]; exists {
			return orderflow_errors.ErrAlreadyExists
		}
		st.orders[o.ID] = *o
		return nil
	})
}

func (r *OrderRepository) GetByID(_ context.Context, id uuid.UUID) (order.Order, error) {
	var out order.Order
	err := r.store.with(r.tx, "orders.get", func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return orderflow_errors.ErrNotFound
		}
		out = o
		return nil
	})
	return out, err
}

func (r *OrderRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to order.Status, reason string, at time.Time) error {
	return r.store.with(r.tx, "orders.update_status", func(st *state) error {
		o, ok := st.orders[id]
		if !ok || o.Status != from {
			return orderflow_errors.ErrInvalidTransition
		}
		o.Status = to
		o.Reason = reason
		o.UpdatedAt = at
		st.orders[id] = o
		return nil
	})
}

type InventoryRepository struct {
	store *Store
	tx    *state
}

func (r *InventoryRepository) GetForUpdate(_ context.Context, sku string) (inventory.Item, error) {
	var out inventory.Item
	err := r.store.with(r.tx, "inventory.get", func(st *state) error {
		item, ok := st.items[sku]
		if !ok {
			return orderflow_errors.ErrNotFound
		}
		out = item
		return nil
	})
	return out, err
}

func (r *InventoryRepository) Save(_ context.Context, item *inventory.Item) error {
	return r.store.with(r.tx, "inventory.save", func(st *state) error {
		st.items[item.SKU] = *item
		return nil
	})
}

func (r *InventoryRepository) CreateReservation(_ context.Context, res *inventory.Reservation) error {
	return r.store.with(r.tx, "inventory.create_reservation", func(st *state) error {
		if _, exists := st.reservations[res.OrderID]; exists {
			return orderflow_errors.ErrAlreadyExists
		}
		st.reservations[res.OrderID] = *res
		return nil
	})
}

func (r *InventoryRepository) GetReservationByOrder(_ context.Context, orderID uuid.UUID) (inventory.Reservation, error) {
	var out inventory.Reservation
	err := r.store.with(r.tx, "inventory.get_reservation", func(st *state) error {
		res, ok := st.reservations[orderID]
		if !ok {
			return orderflow_errors.ErrNotFound
		}
		out = res
		return nil
	})
	return out, err
}
