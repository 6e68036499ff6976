package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueSpec describes a consumer queue bound to the event exchange.
type QueueSpec struct {
	Name               string
	Bindings           []string
	DeadLetterExchange string
}

func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares the durable topic exchange events are routed on.
func DeclareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// DeclareQueue declares a durable, shared queue with a dead-letter path and
// binds it to exchange for every routing pattern in spec.
func DeclareQueue(ch *amqp.Channel, exchange string, spec QueueSpec) error {
	var args amqp.Table
	if spec.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(spec.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange %s: %w", spec.DeadLetterExchange, err)
		}
		deadQueue := spec.Name + ".dead"
		if _, err := ch.QueueDeclare(deadQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", deadQueue, err)
		}
		if err := ch.QueueBind(deadQueue, "", spec.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", deadQueue, err)
		}
		args = amqp.Table{"x-dead-letter-exchange": spec.DeadLetterExchange}
	}

	if _, err := ch.QueueDeclare(spec.Name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", spec.Name, err)
	}
	for _, key := range spec.Bindings {
		if err := ch.QueueBind(spec.Name, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", spec.Name, key, err)
		}
	}
	return nil
}
