package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/domain/outbox"
	"orderflow/internal/metrics"
	"orderflow/internal/repository"
	orderflow_errors "orderflow/pkg/errors"
	"orderflow/pkg/logger"

	"go.uber.org/zap"
)

const persistTimeout = 5 * time.Second

type Config struct {
	// Owner identifies this drain instance on claimed rows.
	Owner          string
	BatchSize      int
	Interval       time.Duration
	MaxRetries     int
	ClaimTTL       time.Duration
	PublishTimeout time.Duration
	Retry          RetryPolicy
}

func DefaultConfig(owner string) Config {
	return Config{
		Owner:          owner,
		BatchSize:      100,
		Interval:       5 * time.Second,
		MaxRetries:     5,
		ClaimTTL:       time.Minute,
		PublishTimeout: 10 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// Summary describes one drain cycle.
type Summary struct {
	Claimed   int
	Published int
	Failed    int
	Exhausted int
	ClaimLost int
	Skipped   int
}

type Processor struct {
	repo      repository.OutboxRepository
	publisher broker.Publisher
	clock     func() time.Time
	cfg       Config
	logger    *logger.Logger
}

func NewProcessor(repo repository.OutboxRepository, publisher broker.Publisher, cfg Config, l *logger.Logger) *Processor {
	if l == nil {
		l = logger.NewNop()
	}
	return &Processor{
		repo:      repo,
		publisher: publisher,
		clock:     time.Now,
		cfg:       cfg,
		logger:    l.Named("outbox").With(zap.String("owner", cfg.Owner)),
	}
}

// Run drains immediately and then once per interval until ctx is done. On
// the way out it hands back any rows it still has claimed.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	defer p.releaseClaims(ctx)

	p.logger.Info("outbox drain loop started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("max_retries", p.cfg.MaxRetries),
	)

	for {
		if _, err := p.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("outbox drain cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.logger.Info("outbox drain loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce claims one batch and publishes it row by row in createdAt order.
// Each row's result is persisted before the next row is attempted. Once ctx
// is cancelled no further row is started.
func (p *Processor) DrainOnce(ctx context.Context) (Summary, error) {
	var summary Summary
	if ctx.Err() != nil {
		return summary, nil
	}

	msgs, err := p.repo.Claim(ctx, repository.ClaimRequest{
		Owner:      p.cfg.Owner,
		Now:        p.clock(),
		Limit:      p.cfg.BatchSize,
		MaxRetries: p.cfg.MaxRetries,
		LeaseFor:   p.cfg.ClaimTTL,
	})
	if err != nil {
		return summary, fmt.Errorf("claim outbox batch: %w", err)
	}
	summary.Claimed = len(msgs)

	for i, msg := range msgs {
		if ctx.Err() != nil {
			summary.Skipped = len(msgs) - i
			break
		}
		p.processMessage(ctx, msg, &summary)
	}

	if summary.Claimed > 0 {
		p.logger.Debug("outbox drain cycle finished",
			zap.Int("claimed", summary.Claimed),
			zap.Int("published", summary.Published),
			zap.Int("failed", summary.Failed),
			zap.Int("exhausted", summary.Exhausted),
			zap.Int("claim_lost", summary.ClaimLost),
			zap.Int("skipped", summary.Skipped),
		)
	}
	return summary, nil
}

func (p *Processor) processMessage(ctx context.Context, msg outbox.OutboxMessage, summary *Summary) {
	log := p.logger.With(
		zap.String("outbox_id", msg.ID.String()),
		zap.String("event_type", msg.EventType),
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("retry_count", msg.RetryCount),
	)

	// The batch lease may have lapsed while earlier rows were published.
	// Renewing it is fenced on the owner, so a row another instance has
	// claimed since is left to that instance.
	now := p.clock()
	if err := p.repo.Renew(ctx, msg.ID, p.cfg.Owner, now, now.Add(p.cfg.ClaimTTL)); err != nil {
		if errors.Is(err, orderflow_errors.ErrClaimLost) {
			summary.ClaimLost++
			metrics.ClaimsLost.Inc()
			log.Warn("outbox claim lost before publish; skipping")
			return
		}
		log.Error("failed to renew outbox claim", zap.Error(err))
		summary.Skipped++
		return
	}

	// A publish that has started is allowed to finish even during shutdown.
	publishCtx, cancelPublish := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PublishTimeout)
	start := time.Now()
	res := p.publish(publishCtx, msg)
	cancelPublish()
	metrics.PublishDuration.Observe(time.Since(start).Seconds())

	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()
	now = p.clock()

	if res.Outcome == broker.Success {
		if err := p.repo.MarkPublished(persistCtx, msg.ID, p.cfg.Owner, now); err != nil {
			p.persistFailed(log, err, summary)
			return
		}
		summary.Published++
		metrics.PublishedMessages.Inc()
		log.Info("outbox message published")
		return
	}

	retryCount := msg.RetryCount + 1
	nextRetryAt := now.Add(p.cfg.Retry.Delay(res.Outcome, retryCount))
	err := p.repo.MarkFailed(persistCtx, msg.ID, p.cfg.Owner, repository.FailureUpdate{
		At:          now,
		NextRetryAt: nextRetryAt,
		LastError:   res.Description(),
	})
	if err != nil {
		p.persistFailed(log, err, summary)
		return
	}
	summary.Failed++
	metrics.FailedMessages.WithLabelValues(res.Outcome.String()).Inc()

	if retryCount >= p.cfg.MaxRetries {
		summary.Exhausted++
		metrics.ExhaustedMessages.Inc()
		log.Error("outbox message exhausted its retries and needs operator action",
			zap.String("outcome", res.Outcome.String()),
			zap.Error(res.Err),
		)
		return
	}
	log.Warn("outbox publish failed",
		zap.String("outcome", res.Outcome.String()),
		zap.Error(res.Err),
		zap.Time("next_retry_at", nextRetryAt),
	)
}

func (p *Processor) persistFailed(log *logger.Logger, err error, summary *Summary) {
	if errors.Is(err, orderflow_errors.ErrClaimLost) {
		summary.ClaimLost++
		metrics.ClaimsLost.Inc()
		log.Warn("outbox claim lost before the result was recorded")
		return
	}
	log.Error("failed to record outbox publish result", zap.Error(err))
}

// publish turns a publisher panic into a broker error for this row only.
func (p *Processor) publish(ctx context.Context, msg outbox.OutboxMessage) (res broker.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = broker.Result{Outcome: broker.FailedBrokerError, Err: fmt.Errorf("publisher panic: %v", r)}
		}
	}()
	return p.publisher.Publish(ctx, broker.Message{
		EventID:    msg.ID.String(),
		EventType:  msg.EventType,
		RoutingKey: msg.RoutingKey,
		Body:       []byte(msg.Payload),
		CreatedAt:  msg.CreatedAt,
	})
}

func (p *Processor) releaseClaims(ctx context.Context) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	released, err := p.repo.ReleaseClaims(releaseCtx, p.cfg.Owner)
	if err != nil {
		p.logger.Error("failed to release outbox claims", zap.Error(err))
		return
	}
	if released > 0 {
		p.logger.Info("released outbox claims", zap.Int64("count", released))
	}
}
