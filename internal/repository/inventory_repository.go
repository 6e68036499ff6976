package repository

import (
	"context"

	"orderflow/internal/domain/inventory"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresInventoryRepository struct {
	db *gorm.DB
}

func NewInventoryRepository(db *gorm.DB) InventoryRepository {
	return &PostgresInventoryRepository{db: db}
}

// GetForUpdate locks the row until the surrounding transaction ends.
func (r *PostgresInventoryRepository) GetForUpdate(ctx context.Context, sku string) (inventory.Item, error) {
	var item inventory.Item
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("sku = ?", sku).
		First(&item).Error
	if err != nil {
		return inventory.Item{}, mapError(err)
	}
	return item, nil
}

func (r *PostgresInventoryRepository) Save(ctx context.Context, item *inventory.Item) error {
	return mapError(r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sku"}},
			DoUpdates: clause.AssignmentColumns([]string{"available", "reserved", "updated_at"}),
		}).
		Create(item).Error)
}

func (r *PostgresInventoryRepository) CreateReservation(ctx context.Context, res *inventory.Reservation) error {
	return mapError(r.db.WithContext(ctx).Create(res).Error)
}

func (r *PostgresInventoryRepository) GetReservationByOrder(ctx context.Context, orderID uuid.UUID) (inventory.Reservation, error) {
	var res inventory.Reservation
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&res).Error; err != nil {
		return inventory.Reservation{}, mapError(err)
	}
	return res, nil
}
