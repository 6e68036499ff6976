package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/domain/inventory"
	"orderflow/internal/domain/order"
	"orderflow/internal/domain/outbox"
)

// ClaimRequest selects up to Limit eligible outbox rows, oldest first, and
// leases them to Owner until Now+LeaseFor.
type ClaimRequest struct {
	Owner      string
	Now        time.Time
	Limit      int
	MaxRetries int
	LeaseFor   time.Duration
}

// FailureUpdate is written after an unsuccessful publish attempt.
type FailureUpdate struct {
	At          time.Time
	NextRetryAt time.Time
	LastError   string
}

type OutboxRepository interface {
	Create(ctx context.Context, msg *outbox.OutboxMessage) error
	GetByID(ctx context.Context, id uuid.UUID) (outbox.OutboxMessage, error)
	List(ctx context.Context, filter outbox.Filter) ([]outbox.OutboxMessage, error)
	Stats(ctx context.Context, maxRetries int) (outbox.Stats, error)

	Claim(ctx context.Context, req ClaimRequest) ([]outbox.OutboxMessage, error)
	// Renew extends owner's unexpired claim on one row to until. It returns
	// ErrClaimLost when the lease lapsed or another owner took the row.
	Renew(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) error
	// MarkPublished and MarkFailed only apply while owner still holds the
	// claim; otherwise they return ErrClaimLost.
	MarkPublished(ctx context.Context, id uuid.UUID, owner string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, owner string, update FailureUpdate) error
	ReleaseClaims(ctx context.Context, owner string) (int64, error)
	// MarkRequeued links a stuck row to its pending copy. It returns
	// ErrConflict when the row was already requeued.
	MarkRequeued(ctx context.Context, id, copyID uuid.UUID, at time.Time) error
}

type OrderRepository interface {
	Create(ctx context.Context, o *order.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (order.Order, error)
	// UpdateStatus moves an order from one status to another and returns
	// ErrInvalidTransition when it is no longer in from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to order.Status, reason string, at time.Time) error
}

type InventoryRepository interface {
	GetForUpdate(ctx context.Context, sku string) (inventory.Item, error)
	Save(ctx context.Context, item *inventory.Item) error
	CreateReservation(ctx context.Context, r *inventory.Reservation) error
	GetReservationByOrder(ctx context.Context, orderID uuid.UUID) (inventory.Reservation, error)
}

// Repositories bundles the repositories bound to one unit of work.
type Repositories struct {
	Orders    OrderRepository
	Inventory InventoryRepository
	Outbox    OutboxRepository
}

// UnitOfWork runs fn in a single transaction. Every write made through the
// repositories passed to fn commits together or not at all.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
