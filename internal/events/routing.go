package events

import "fmt"

var routingKeys = map[string]string{
	EventTypeOrderPlaced:           "order.placed",
	EventTypeInventoryReserved:     "inventory.reserved",
	EventTypeInventoryInsufficient: "inventory.insufficient",
}

// RoutingKeyFor resolves the exchange routing key stored with an outbox row.
func RoutingKeyFor(eventType string) (string, error) {
	key, ok := routingKeys[eventType]
	if !ok {
		return "", fmt.Errorf("no routing key for event type %q", eventType)
	}
	return key, nil
}
