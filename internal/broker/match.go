package broker

import (
	"context"
	"strings"
)

// MatchRoutingKey applies AMQP topic matching: words are dot separated, "*"
// matches exactly one word and "#" matches zero or more.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// FilterBindings acks deliveries whose routing key matches none of bindings
// without calling next. A single Kafka topic carries every event type, so
// consumers there see events they never subscribed to.
func FilterBindings(bindings []string, next Handler) Handler {
	if len(bindings) == 0 {
		return next
	}
	return func(ctx context.Context, d Delivery) error {
		for _, b := range bindings {
			if MatchRoutingKey(b, d.RoutingKey) {
				return next(ctx, d)
			}
		}
		return nil
	}
}
