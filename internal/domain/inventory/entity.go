package inventory

import (
	"time"

	"github.com/google/uuid"
)

type Item struct {
	SKU       string    `gorm:"type:varchar(100);primaryKey" json:"sku"`
	Available int       `gorm:"not null;default:0" json:"available"`
	Reserved  int       `gorm:"not null;default:0" json:"reserved"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Item) TableName() string {
	return "inventory_items"
}

// Reservation records stock held for one order.
type Reservation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"order_id"`
	SKU       string    `gorm:"type:varchar(100);not null" json:"sku"`
	Quantity  int       `gorm:"not null" json:"quantity"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (Reservation) TableName() string {
	return "inventory_reservations"
}
