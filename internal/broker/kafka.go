package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"orderflow/pkg/logger"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher waits for all in-sync replicas to acknowledge each write.
// Kafka has no routing step, so an acknowledged write is a Success; a
// missing topic is the one case reported as FailedNoRoute.
type KafkaPublisher struct {
	writer kafkaWriter
	topic  string
	logger *logger.Logger
}

func NewKafkaPublisher(cfg KafkaConfig, l *logger.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
	}
	return newKafkaPublisher(writer, cfg.Topic, l)
}

func newKafkaPublisher(w kafkaWriter, topic string, l *logger.Logger) *KafkaPublisher {
	if l == nil {
		l = logger.NewNop()
	}
	return &KafkaPublisher{writer: w, topic: topic, logger: l.Named("kafka_publisher")}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) Result {
	ctx, span := tracer().Start(ctx, "publish "+p.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", p.topic),
			attribute.String("messaging.kafka.message.key", msg.RoutingKey),
			attribute.String("messaging.message.id", msg.EventID),
		),
	)
	defer span.End()

	res := p.publish(ctx, msg)
	if res.Outcome != Success {
		span.SetStatus(codes.Error, res.Description())
	}
	return res
}

func (p *KafkaPublisher) publish(ctx context.Context, msg Message) Result {
	if strings.TrimSpace(msg.RoutingKey) == "" {
		return brokerError(ErrEmptyRoutingKey)
	}

	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(msg.EventID)},
		{Key: HeaderEventType, Value: []byte(msg.EventType)},
	}
	headers = injectKafka(ctx, headers)

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.RoutingKey),
		Value:   msg.Body,
		Headers: headers,
		Time:    time.Now().UTC(),
	})
	if err == nil {
		return succeeded()
	}
	if isUnknownTopic(err) {
		return noRoute(fmt.Errorf("%w: topic %q: %v", ErrUnroutable, p.topic, err))
	}
	return brokerError(fmt.Errorf("write: %w", err))
}

func isUnknownTopic(err error) bool {
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		return true
	}
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil && errors.Is(e, kafka.UnknownTopicOrPartition) {
				return true
			}
		}
	}
	return false
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
