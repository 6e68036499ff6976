package order

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPlaced    Status = "PLACED"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
)

type Order struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CustomerID string    `gorm:"type:varchar(100);not null;index" json:"customer_id"`
	SKU        string    `gorm:"type:varchar(100);not null" json:"sku"`
	Quantity   int       `gorm:"not null" json:"quantity"`
	Status     Status    `gorm:"type:varchar(20);not null;default:'PLACED'" json:"status"`
	Reason     string    `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// CanTransition allows only PLACED orders to be settled.
func (o Order) CanTransition(to Status) bool {
	return o.Status == StatusPlaced && (to == StatusConfirmed || to == StatusRejected)
}
