package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/metrics"
	"orderflow/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Delivery is a consumed message, independent of the broker it came from.
type Delivery struct {
	EventID     string
	EventType   string
	RoutingKey  string
	Body        []byte
	Redelivered bool
}

// Handler processes one delivery. Wrap ErrPermanent to reject a message that
// redelivery cannot fix; any other error asks for redelivery.
type Handler func(ctx context.Context, d Delivery) error

type Consumer interface {
	Run(ctx context.Context, handler Handler) error
	Close() error
}

type RabbitConsumer struct {
	ch       *amqp.Channel
	queue    string
	tag      string
	prefetch int
	logger   *logger.Logger
}

func NewRabbitConsumer(ch *amqp.Channel, queue, tag string, prefetch int, l *logger.Logger) *RabbitConsumer {
	if l == nil {
		l = logger.NewNop()
	}
	return &RabbitConsumer{ch: ch, queue: queue, tag: tag, prefetch: prefetch, logger: l.Named("rabbitmq_consumer")}
}

func (c *RabbitConsumer) Run(ctx context.Context, handler Handler) error {
	if c.prefetch > 0 {
		if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.Info("consuming", zap.String("queue", c.queue))
	return c.consume(ctx, deliveries, handler)
}

func (c *RabbitConsumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrChannelClosed
			}
			c.dispatch(ctx, d, handler)
		}
	}
}

func (c *RabbitConsumer) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	eventID, _ := d.Headers[HeaderEventID].(string)
	delivery := Delivery{
		EventID:     eventID,
		EventType:   d.Type,
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		Redelivered: d.Redelivered,
	}

	err := handleTraced(extractAMQP(ctx, d.Headers), "rabbitmq", c.queue, handler, delivery)
	log := c.logger.With(
		zap.String("event_id", delivery.EventID),
		zap.String("event_type", delivery.EventType),
		zap.String("routing_key", delivery.RoutingKey),
	)

	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("ack failed", zap.Error(ackErr))
		}
		metrics.ConsumedMessages.WithLabelValues(delivery.EventType, "ack").Inc()
	case errors.Is(err, ErrPermanent):
		log.Error("rejecting message", zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Error("nack failed", zap.Error(nackErr))
		}
		metrics.ConsumedMessages.WithLabelValues(delivery.EventType, "dead_letter").Inc()
	default:
		log.Warn("requeueing message", zap.Error(err), zap.Bool("redelivered", d.Redelivered))
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error("nack failed", zap.Error(nackErr))
		}
		metrics.ConsumedMessages.WithLabelValues(delivery.EventType, "requeue").Inc()
	}
}

func (c *RabbitConsumer) Close() error {
	return c.ch.Close()
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer commits an offset once the handler succeeds or rejects the
// message permanently. Transient failures are retried in place because an
// uncommitted offset is not redelivered within the same group session.
type KafkaConsumer struct {
	reader       kafkaReader
	topic        string
	maxAttempts  int
	retryBackoff time.Duration
	logger       *logger.Logger
}

func NewKafkaConsumer(brokers []string, topic, groupID string, l *logger.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newKafkaConsumer(reader, topic, l)
}

func newKafkaConsumer(r kafkaReader, topic string, l *logger.Logger) *KafkaConsumer {
	if l == nil {
		l = logger.NewNop()
	}
	return &KafkaConsumer{
		reader:       r,
		topic:        topic,
		maxAttempts:  5,
		retryBackoff: time.Second,
		logger:       l.Named("kafka_consumer"),
	}
}

func (c *KafkaConsumer) Run(ctx context.Context, handler Handler) error {
	c.logger.Info("consuming", zap.String("topic", c.topic))
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		delivery := Delivery{
			EventID:    kafkaHeader(m.Headers, HeaderEventID),
			EventType:  kafkaHeader(m.Headers, HeaderEventType),
			RoutingKey: string(m.Key),
			Body:       m.Value,
		}
		if err := c.handleWithRetry(ctx, extractKafka(ctx, m.Headers), handler, delivery); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

// handleWithRetry only returns an error when ctx is done.
func (c *KafkaConsumer) handleWithRetry(ctx, msgCtx context.Context, handler Handler, d Delivery) error {
	log := c.logger.With(zap.String("event_id", d.EventID), zap.String("event_type", d.EventType))
	for attempt := 1; ; attempt++ {
		err := handleTraced(msgCtx, "kafka", c.topic, handler, d)
		switch {
		case err == nil:
			metrics.ConsumedMessages.WithLabelValues(d.EventType, "ack").Inc()
			return nil
		case errors.Is(err, ErrPermanent), attempt >= c.maxAttempts:
			log.Error("skipping message", zap.Error(err), zap.Int("attempts", attempt))
			metrics.ConsumedMessages.WithLabelValues(d.EventType, "dead_letter").Inc()
			return nil
		}

		log.Warn("retrying message", zap.Error(err), zap.Int("attempt", attempt))
		metrics.ConsumedMessages.WithLabelValues(d.EventType, "requeue").Inc()
		d.Redelivered = true
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryBackoff * time.Duration(attempt)):
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

func handleTraced(ctx context.Context, system, source string, handler Handler, d Delivery) (err error) {
	ctx, span := tracer().Start(ctx, "process "+d.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", system),
			attribute.String("messaging.source.name", source),
			attribute.String("messaging.message.id", d.EventID),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", ErrPermanent, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return handler(ctx, d)
}
