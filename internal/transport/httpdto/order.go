package httpdto

import (
	"time"

	"orderflow/internal/domain/order"
)

type PlaceOrderRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	SKU        string `json:"sku" binding:"required"`
	Quantity   int    `json:"quantity" binding:"required,gt=0"`
}

type OrderDTO struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	SKU        string    `json:"sku"`
	Quantity   int       `json:"quantity"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func FromOrder(o order.Order) OrderDTO {
	return OrderDTO{
		ID:         o.ID.String(),
		CustomerID: o.CustomerID,
		SKU:        o.SKU,
		Quantity:   o.Quantity,
		Status:     string(o.Status),
		Reason:     o.Reason,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}
