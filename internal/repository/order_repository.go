package repository

import (
	"context"
	"time"

	"orderflow/internal/domain/order"
	orderflow_errors "orderflow/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostgresOrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &PostgresOrderRepository{db: db}
}

func (r *PostgresOrderRepository) Create(ctx context.Context, o *order.Order) error {
	return mapError(r.db.WithContext(ctx).Create(o).Error)
}

func (r *PostgresOrderRepository) GetByID(ctx context.Context, id uuid.UUID) (order.Order, error) {
	var o order.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return order.Order{}, mapError(err)
	}
	return o, nil
}

func (r *PostgresOrderRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to order.Status, reason string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&order.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"reason":     reason,
			"updated_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return orderflow_errors.ErrInvalidTransition
	}
	return nil
}
