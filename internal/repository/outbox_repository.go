package repository

import (
	"context"
	"sort"
	"time"

	"orderflow/internal/domain/outbox"
	orderflow_errors "orderflow/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type PostgresOutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &PostgresOutboxRepository{db: db}
}

func (r *PostgresOutboxRepository) Create(ctx context.Context, msg *outbox.OutboxMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Status == "" {
		msg.Status = outbox.StatusPending
	}
	return mapError(r.db.WithContext(ctx).Create(msg).Error)
}

func (r *PostgresOutboxRepository) GetByID(ctx context.Context, id uuid.UUID) (outbox.OutboxMessage, error) {
	var msg outbox.OutboxMessage
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if err != nil {
		return outbox.OutboxMessage{}, mapError(err)
	}
	return msg, nil
}

func (r *PostgresOutboxRepository) List(ctx context.Context, filter outbox.Filter) ([]outbox.OutboxMessage, error) {
	q := r.db.WithContext(ctx).Model(&outbox.OutboxMessage{})
	if filter.StuckOnly {
		q = q.Where("status = ? AND retry_count >= ? AND requeued_as IS NULL", outbox.StatusFailed, filter.MaxRetries)
	} else if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var msgs []outbox.OutboxMessage
	err := q.Order("created_at DESC").Limit(clampLimit(filter.Limit)).Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *PostgresOutboxRepository) Stats(ctx context.Context, maxRetries int) (outbox.Stats, error) {
	var rows []struct {
		Status outbox.Status
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&outbox.OutboxMessage{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return outbox.Stats{}, err
	}

	var stats outbox.Stats
	for _, row := range rows {
		switch row.Status {
		case outbox.StatusPending:
			stats.Pending = row.Count
		case outbox.StatusPublished:
			stats.Published = row.Count
		case outbox.StatusFailed:
			stats.Failed = row.Count
		}
	}

	err = r.db.WithContext(ctx).
		Model(&outbox.OutboxMessage{}).
		Where("status = ? AND retry_count >= ? AND requeued_as IS NULL", outbox.StatusFailed, maxRetries).
		Count(&stats.Stuck).Error
	if err != nil {
		return outbox.Stats{}, err
	}
	return stats, nil
}

// claimQuery leases eligible rows in one statement. SKIP LOCKED keeps
// concurrent drain instances from blocking on, or double claiming, the same
// rows; the lease keeps them off the rows once the transaction commits.
const claimQuery = `
WITH candidates AS (
	SELECT id FROM outbox_messages
	WHERE retry_count < @max_retries
	  AND (status = 'PENDING' OR (status = 'FAILED' AND (next_retry_at IS NULL OR next_retry_at <= @now)))
	  AND (claimed_until IS NULL OR claimed_until <= @now)
	ORDER BY created_at ASC
	LIMIT @limit
	FOR UPDATE SKIP LOCKED
)
UPDATE outbox_messages AS o
SET claimed_by = @owner, claimed_until = @lease, updated_at = @now
FROM candidates
WHERE o.id = candidates.id
RETURNING o.*`

func (r *PostgresOutboxRepository) Claim(ctx context.Context, req ClaimRequest) ([]outbox.OutboxMessage, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	var msgs []outbox.OutboxMessage
	err := r.db.WithContext(ctx).Raw(claimQuery, map[string]interface{}{
		"max_retries": req.MaxRetries,
		"now":         req.Now,
		"limit":       req.Limit,
		"owner":       req.Owner,
		"lease":       req.Now.Add(req.LeaseFor),
	}).Scan(&msgs).Error
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the CTE ordering.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (r *PostgresOutboxRepository) Renew(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&outbox.OutboxMessage{}).
		Where("id = ? AND claimed_by = ? AND claimed_until > ?", id, owner, now).
		Updates(map[string]interface{}{
			"claimed_until": until,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return orderflow_errors.ErrClaimLost
	}
	return nil
}

func (r *PostgresOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, owner string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&outbox.OutboxMessage{}).
		Where("id = ? AND claimed_by = ?", id, owner).
		Updates(map[string]interface{}{
			"status":        outbox.StatusPublished,
			"published_at":  at,
			"next_retry_at": nil,
			"claimed_by":    nil,
			"claimed_until": nil,
			"updated_at":    at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return orderflow_errors.ErrClaimLost
	}
	return nil
}

func (r *PostgresOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, owner string, update FailureUpdate) error {
	res := r.db.WithContext(ctx).
		Model(&outbox.OutboxMessage{}).
		Where("id = ? AND claimed_by = ?", id, owner).
		Updates(map[string]interface{}{
			"status":        outbox.StatusFailed,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_error":    update.LastError,
			"next_retry_at": update.NextRetryAt,
			"claimed_by":    nil,
			"claimed_until": nil,
			"updated_at":    update.At,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return orderflow_errors.ErrClaimLost
	}
	return nil
}

func (r *PostgresOutboxRepository) ReleaseClaims(ctx context.Context, owner string) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&outbox.OutboxMessage{}).
		Where("claimed_by = ?", owner).
		Updates(map[string]interface{}{
			"claimed_by":    nil,
			"claimed_until": nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *PostgresOutboxRepository) MarkRequeued(ctx context.Context, id, copyID uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&outbox.OutboxMessage{}).
		Where("id = ? AND requeued_as IS NULL", id).
		Updates(map[string]interface{}{
			"requeued_as": copyID,
			"updated_at":  at,
		})
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return orderflow_errors.ErrConflict
	}
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
