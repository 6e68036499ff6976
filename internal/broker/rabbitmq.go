package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"orderflow/internal/metrics"
	"orderflow/pkg/logger"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RabbitConfig struct {
	Exchange       string
	ConfirmTimeout time.Duration
	// ReturnWindow bounds how long an acknowledged publish waits for an
	// unroutable notification before it is reported as a success.
	ReturnWindow time.Duration
}

// confirmation is satisfied by *amqp.DeferredConfirmation.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type sendFunc func(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (confirmation, error)

// ChannelSource opens AMQP channels. *amqp.Connection satisfies it.
type ChannelSource interface {
	Channel() (*amqp.Channel, error)
}

// publishChannel is one confirm-mode channel and the notifications it emits.
type publishChannel struct {
	send    sendFunc
	close   func() error
	returns <-chan amqp.Return
	closes  <-chan *amqp.Error
}

// RabbitPublisher publishes with the mandatory flag on a channel in confirm
// mode. The broker ack proves durability; the absence of a basic.return
// within ReturnWindow is taken as proof of routing. A channel closed by the
// broker is reopened on the next publish or health check.
type RabbitPublisher struct {
	cfg     RabbitConfig
	open    func() (publishChannel, error)
	logger  *logger.Logger
	pending pendingConfirms

	// mu serializes sends and guards the current channel.
	mu       sync.Mutex
	send     sendFunc
	closer   func() error
	gen      uint64
	closed   bool
	shutdown atomic.Bool
}

func NewRabbitPublisher(conn ChannelSource, cfg RabbitConfig, l *logger.Logger) (*RabbitPublisher, error) {
	p := newRabbitPublisher(nil, cfg, l)
	p.open = func() (publishChannel, error) {
		return openPublishChannel(conn, cfg.Exchange)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.reopenLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func openPublishChannel(conn ChannelSource, exchange string) (publishChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return publishChannel{}, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return publishChannel{}, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := DeclareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return publishChannel{}, err
	}
	return publishChannel{
		send: func(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (confirmation, error) {
			dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, true, false, msg)
			if err != nil {
				return nil, err
			}
			if dc == nil {
				return nil, errors.New("channel is not in confirm mode")
			}
			return dc, nil
		},
		close:   ch.Close,
		returns: ch.NotifyReturn(make(chan amqp.Return, 64)),
		closes:  ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func newRabbitPublisher(send sendFunc, cfg RabbitConfig, l *logger.Logger) *RabbitPublisher {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if cfg.ReturnWindow < 0 {
		cfg.ReturnWindow = 0
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &RabbitPublisher{
		cfg:    cfg,
		send:   send,
		logger: l.Named("rabbitmq_publisher"),
	}
}

// currentLocked returns the send path of an open channel, reopening it when
// the broker closed the previous one. Callers hold p.mu.
func (p *RabbitPublisher) currentLocked() (sendFunc, error) {
	if p.shutdown.Load() {
		return nil, ErrChannelClosed
	}
	if !p.closed && p.send != nil {
		return p.send, nil
	}
	if p.open == nil {
		return nil, ErrChannelClosed
	}
	return p.reopenLocked()
}

func (p *RabbitPublisher) reopenLocked() (sendFunc, error) {
	ch, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("%w: reopen: %v", ErrChannelClosed, err)
	}
	reopened := p.gen > 0
	p.gen++
	p.send, p.closer, p.closed = ch.send, ch.close, false
	go p.watch(p.gen, ch.returns, ch.closes)
	if reopened {
		p.logger.Info("publisher channel reopened", zap.Uint64("generation", p.gen))
	}
	return p.send, nil
}

// Healthy reports whether a publish could be sent right now, reopening a
// closed channel if needed.
func (p *RabbitPublisher) Healthy(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.currentLocked()
	return err
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) Result {
	ctx, span := tracer().Start(ctx, "publish "+msg.RoutingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.cfg.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", msg.RoutingKey),
			attribute.String("messaging.message.id", msg.EventID),
		),
	)
	defer span.End()

	res := p.publish(ctx, msg)
	span.SetAttributes(attribute.String("orderflow.publish.outcome", res.Outcome.String()))
	if res.Outcome != Success {
		span.SetStatus(codes.Error, res.Description())
	}
	return res
}

func (p *RabbitPublisher) publish(ctx context.Context, msg Message) Result {
	if strings.TrimSpace(msg.RoutingKey) == "" {
		return brokerError(ErrEmptyRoutingKey)
	}
	correlationID := uuid.NewString()
	entry := p.pending.register(correlationID)
	defer p.pending.remove(correlationID)

	headers := amqp.Table{
		HeaderEventID:   msg.EventID,
		HeaderEventType: msg.EventType,
	}
	injectAMQP(ctx, headers)

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    correlationID,
		Timestamp:    time.Now().UTC(),
		Type:         msg.EventType,
		Headers:      headers,
		Body:         msg.Body,
	}

	// Only the send is serialized so the broker sees the same order as the
	// delivery tags we are waiting on. Confirm waits run concurrently.
	p.mu.Lock()
	send, err := p.currentLocked()
	if err != nil {
		p.mu.Unlock()
		return brokerError(err)
	}
	conf, err := send(ctx, p.cfg.Exchange, msg.RoutingKey, publishing)
	p.mu.Unlock()
	if err != nil {
		return brokerError(fmt.Errorf("send: %w", err))
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	acked, err := conf.WaitContext(confirmCtx)
	cancel()
	if err != nil {
		return brokerError(fmt.Errorf("await confirm: %w", err))
	}
	if !acked {
		return brokerError(ErrNacked)
	}

	// The broker sends basic.return before basic.ack for unroutable mandatory
	// messages, but the callback may be scheduled after we observe the ack.
	select {
	case res := <-entry.done():
		return res
	default:
	}

	timer := time.NewTimer(p.cfg.ReturnWindow)
	defer timer.Stop()
	select {
	case res := <-entry.done():
		return res
	case <-timer.C:
		return succeeded()
	case <-ctx.Done():
		return brokerError(fmt.Errorf("await return window: %w", ctx.Err()))
	}
}

func (p *RabbitPublisher) watch(gen uint64, returns <-chan amqp.Return, closes <-chan *amqp.Error) {
	for returns != nil || closes != nil {
		select {
		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			p.handleReturn(r)
		case amqpErr, ok := <-closes:
			if !ok {
				closes = nil
				p.markClosed(gen, ErrChannelClosed)
				continue
			}
			p.markClosed(gen, fmt.Errorf("%w: %s", ErrChannelClosed, amqpErr.Error()))
		}
	}
}

func (p *RabbitPublisher) handleReturn(r amqp.Return) {
	err := fmt.Errorf("%w: %d %s (exchange %q, routing key %q)", ErrUnroutable, r.ReplyCode, r.ReplyText, r.Exchange, r.RoutingKey)
	if p.pending.resolve(r.MessageId, noRoute(err)) {
		return
	}
	metrics.LateReturns.Inc()
	p.logger.Warn("unroutable notification arrived after its publish completed",
		zap.String("correlation_id", r.MessageId),
		zap.String("routing_key", r.RoutingKey),
		zap.Any("event_id", r.Headers[HeaderEventID]),
	)
}

// markClosed records that channel generation gen is gone and fails the
// publishes waiting on it. Notifications from older channels are ignored.
func (p *RabbitPublisher) markClosed(gen uint64, cause error) {
	p.mu.Lock()
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.logger.Warn("publisher channel closed", zap.Error(cause), zap.Uint64("generation", gen))
	p.pending.failAll(brokerError(cause))
}

func (p *RabbitPublisher) Close() error {
	p.shutdown.Store(true)
	p.mu.Lock()
	wasOpen := !p.closed
	p.closed = true
	closer := p.closer
	p.mu.Unlock()

	p.pending.failAll(brokerError(ErrChannelClosed))
	if closer == nil || !wasOpen {
		return nil
	}
	return closer()
}
