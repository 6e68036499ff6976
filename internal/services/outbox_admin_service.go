package services

import (
	"context"
	"fmt"
	"time"

	"orderflow/internal/domain/outbox"
	"orderflow/internal/repository"
	orderflow_errors "orderflow/pkg/errors"
	"orderflow/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OutboxAdminService lets operators inspect the outbox and republish rows
// that ran out of retries.
type OutboxAdminService struct {
	uow        repository.UnitOfWork
	repo       repository.OutboxRepository
	maxRetries int
	clock      func() time.Time
	logger     *logger.Logger
}

func NewOutboxAdminService(uow repository.UnitOfWork, repo repository.OutboxRepository, maxRetries int, l *logger.Logger) *OutboxAdminService {
	if l == nil {
		l = logger.NewNop()
	}
	return &OutboxAdminService{
		uow:        uow,
		repo:       repo,
		maxRetries: maxRetries,
		clock:      time.Now,
		logger:     l.Named("outbox_admin"),
	}
}

func (s *OutboxAdminService) MaxRetries() int {
	return s.maxRetries
}

func (s *OutboxAdminService) List(ctx context.Context, filter outbox.Filter) ([]outbox.OutboxMessage, error) {
	filter.MaxRetries = s.maxRetries
	return s.repo.List(ctx, filter)
}

func (s *OutboxAdminService) Get(ctx context.Context, id uuid.UUID) (outbox.OutboxMessage, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *OutboxAdminService) Stats(ctx context.Context) (outbox.Stats, error) {
	return s.repo.Stats(ctx, s.maxRetries)
}

// Requeue copies a stuck message into a fresh pending row and links the
// stuck row to it in the same transaction. The stuck row keeps its retry
// history and can be requeued only once.
func (s *OutboxAdminService) Requeue(ctx context.Context, id uuid.UUID) (outbox.OutboxMessage, error) {
	var requeued outbox.OutboxMessage
	err := s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories) error {
		stuck, err := repos.Outbox.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if stuck.RequeuedAs != nil {
			return fmt.Errorf("%w: message %s was already requeued as %s", orderflow_errors.ErrConflict, id, stuck.RequeuedAs)
		}
		if !stuck.Stuck(s.maxRetries) {
			return fmt.Errorf("%w: message %s is %s with %d retries", orderflow_errors.ErrInvalidTransition, id, stuck.Status, stuck.RetryCount)
		}

		now := s.clock().UTC()
		requeued = outbox.OutboxMessage{
			ID:         uuid.New(),
			EventType:  stuck.EventType,
			RoutingKey: stuck.RoutingKey,
			Payload:    stuck.Payload,
			Status:     outbox.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := repos.Outbox.Create(ctx, &requeued); err != nil {
			return err
		}
		return repos.Outbox.MarkRequeued(ctx, id, requeued.ID, now)
	})
	if err != nil {
		return outbox.OutboxMessage{}, err
	}

	operator, _ := OperatorFromContext(ctx)
	s.logger.WithContext(ctx).Info("stuck outbox message requeued",
		zap.String("outbox_id", id.String()),
		zap.String("requeued_id", requeued.ID.String()),
		zap.String("operator", operator),
	)
	return requeued, nil
}
