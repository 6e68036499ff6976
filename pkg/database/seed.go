package database

import (
	"context"
	"fmt"
	"time"

	"orderflow/internal/domain/inventory"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SeedConfig lists the starting stock per SKU.
type SeedConfig struct {
	Stock map[string]int
}

func DefaultSeedConfig() *SeedConfig {
	return &SeedConfig{
		Stock: map[string]int{
			"SKU-KEYBOARD": 50,
			"SKU-MOUSE":    100,
			"SKU-MONITOR":  10,
			"SKU-CABLE":    500,
			"SKU-RARE":     1,
		},
	}
}

// Seed sets available stock for the configured SKUs. Existing rows get their
// available count overwritten; reservations are left alone.
func Seed(ctx context.Context, db *gorm.DB, cfg *SeedConfig) (int, error) {
	if cfg == nil {
		cfg = DefaultSeedConfig()
	}
	now := time.Now().UTC()
	items := make([]inventory.Item, 0, len(cfg.Stock))
	for sku, qty := range cfg.Stock {
		items = append(items, inventory.Item{SKU: sku, Available: qty, UpdatedAt: now})
	}
	if len(items) == 0 {
		return 0, nil
	}

	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sku"}},
		DoUpdates: clause.AssignmentColumns([]string{"available", "updated_at"}),
	}).Create(&items).Error
	if err != nil {
		return 0, fmt.Errorf("seed inventory: %w", err)
	}
	return len(items), nil
}
