package events

// Event types follow the format: domain.action and double as routing keys
// on the topic exchange.
const (
	EventTypeOrderPlaced           = "order.placed"
	EventTypeInventoryReserved     = "inventory.reserved"
	EventTypeInventoryInsufficient = "inventory.insufficient"
)

const (
	AggregateOrder     = "order"
	AggregateInventory = "inventory"
)

type OrderPlaced struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
}

type InventoryReserved struct {
	OrderID       string `json:"order_id"`
	ReservationID string `json:"reservation_id"`
	SKU           string `json:"sku"`
	Quantity      int    `json:"quantity"`
	Remaining     int    `json:"remaining"`
}

type InventoryInsufficient struct {
	OrderID   string `json:"order_id"`
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}
