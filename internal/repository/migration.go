package repository

import (
	"fmt"

	"orderflow/internal/domain/inventory"
	"orderflow/internal/domain/order"
	"orderflow/internal/domain/outbox"

	"gorm.io/gorm"
)

// Models lists every table the services own, in creation order.
func Models() []interface{} {
	return []interface{}{
		&order.Order{},
		&inventory.Item{},
		&inventory.Reservation{},
		&outbox.OutboxMessage{},
	}
}

// InitSchema creates the tables plus the constraints and indexes gorm tags
// cannot express. It is safe to run repeatedly.
func InitSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	statements := []string{
		`DO $$ BEGIN
			ALTER TABLE outbox_messages ADD CONSTRAINT outbox_messages_status_check
				CHECK (status IN ('PENDING', 'PUBLISHED', 'FAILED'));
		EXCEPTION
			WHEN duplicate_object THEN null;
		END $$;`,
		`DO $$ BEGIN
			ALTER TABLE orders ADD CONSTRAINT orders_status_check
				CHECK (status IN ('PLACED', 'CONFIRMED', 'REJECTED'));
		EXCEPTION
			WHEN duplicate_object THEN null;
		END $$;`,
		`DO $$ BEGIN
			ALTER TABLE inventory_items ADD CONSTRAINT inventory_items_non_negative
				CHECK (available >= 0 AND reserved >= 0);
		EXCEPTION
			WHEN duplicate_object THEN null;
		END $$;`,
		// The drain loop only ever scans unpublished rows.
		`CREATE INDEX IF NOT EXISTS idx_outbox_messages_drain
			ON outbox_messages (created_at)
			WHERE status <> 'PUBLISHED'`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}

// SchemaStatus reports which of the owned tables exist.
func SchemaStatus(db *gorm.DB) (map[string]bool, error) {
	status := make(map[string]bool)
	stmt := &gorm.Statement{DB: db}
	for _, model := range Models() {
		if err := stmt.Parse(model); err != nil {
			return nil, fmt.Errorf("parse model: %w", err)
		}
		status[stmt.Schema.Table] = db.Migrator().HasTable(model)
	}
	return status, nil
}
