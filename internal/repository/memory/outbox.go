package memory

import (
	"context"
	"sort"
	"time"

	"orderflow/internal/domain/outbox"
	"orderflow/internal/repository"
	orderflow_errors "orderflow/pkg/errors"

	"github.com/google/uuid"
)

type OutboxRepository struct {
	store *Store
	tx    *state
}

func (r *OutboxRepository) Create(_ context.Context, msg *outbox.OutboxMessage) error {
	return r.store.with(r.tx, "outbox.create", func(st *state) error {
		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}
		if _, exists := st.outbox[msg.ID]; exists {
			return orderflow_errors.ErrAlreadyExists
		}
		if msg.Status == "" {
			msg.Status = outbox.StatusPending
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		if msg.UpdatedAt.IsZero() {
			msg.UpdatedAt = msg.CreatedAt
		}
		st.outbox[msg.ID] = cloneMessage(*msg)
		return nil
	})
}

func (r *OutboxRepository) GetByID(_ context.Context, id uuid.UUID) (outbox.OutboxMessage, error) {
	var out outbox.OutboxMessage
	err := r.store.with(r.tx, "outbox.get", func(st *state) error {
		msg, ok := st.outbox[id]
		if !ok {
			return orderflow_errors.ErrNotFound
		}
		out = cloneMessage(msg)
		return nil
	})
	return out, err
}

func (r *OutboxRepository) List(_ context.Context, filter outbox.Filter) ([]outbox.OutboxMessage, error) {
	var out []outbox.OutboxMessage
	err := r.store.with(r.tx, "outbox.list", func(st *state) error {
		for _, msg := range st.outbox {
			switch {
			case filter.StuckOnly:
				if !msg.Stuck(filter.MaxRetries) {
					continue
				}
			case filter.Status != "" && msg.Status != filter.Status:
				continue
			}
			out = append(out, cloneMessage(msg))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *OutboxRepository) Stats(_ context.Context, maxRetries int) (outbox.Stats, error) {
	var stats outbox.Stats
	err := r.store.with(r.tx, "outbox.stats", func(st *state) error {
		for _, msg := range st.outbox {
			switch msg.Status {
			case outbox.StatusPending:
				stats.Pending++
			case outbox.StatusPublished:
				stats.Published++
			case outbox.StatusFailed:
				stats.Failed++
			}
			if msg.Stuck(maxRetries) {
				stats.Stuck++
			}
		}
		return nil
	})
	return stats, err
}

func (r *OutboxRepository) Claim(_ context.Context, req repository.ClaimRequest) ([]outbox.OutboxMessage, error) {
	var claimed []outbox.OutboxMessage
	err := r.store.with(r.tx, "outbox.claim", func(st *state) error {
		var eligible []outbox.OutboxMessage
		for _, msg := range st.outbox {
			if msg.Eligible(req.Now, req.MaxRetries) {
				eligible = append(eligible, msg)
			}
		}
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })
		if len(eligible) > req.Limit {
			eligible = eligible[:req.Limit]
		}

		owner := req.Owner
		until := req.Now.Add(req.LeaseFor)
		for _, msg := range eligible {
			msg.ClaimedBy = &owner
			msg.ClaimedUntil = &until
			msg.UpdatedAt = req.Now
			st.outbox[msg.ID] = msg
			claimed = append(claimed, cloneMessage(msg))
		}
		return nil
	})
	return claimed, err
}

func (r *OutboxRepository) Renew(_ context.Context, id uuid.UUID, owner string, now, until time.Time) error {
	return r.store.with(r.tx, "outbox.renew", func(st *state) error {
		msg, ok := st.outbox[id]
		if !ok || msg.ClaimedBy == nil || *msg.ClaimedBy != owner || !msg.Leased(now) {
			return orderflow_errors.ErrClaimLost
		}
		msg.ClaimedUntil = &until
		msg.UpdatedAt = now
		st.outbox[id] = msg
		return nil
	})
}

func (r *OutboxRepository) MarkPublished(_ context.Context, id uuid.UUID, owner string, at time.Time) error {
	return r.store.with(r.tx, "outbox.mark_published", func(st *state) error {
		msg, ok := st.outbox[id]
		if !ok || msg.ClaimedBy == nil || *msg.ClaimedBy != owner {
			return orderflow_errors.ErrClaimLost
		}
		msg.Status = outbox.StatusPublished
		msg.PublishedAt = &at
		msg.NextRetryAt = nil
		msg.ClaimedBy = nil
		msg.ClaimedUntil = nil
		msg.UpdatedAt = at
		st.outbox[id] = msg
		return nil
	})
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id uuid.UUID, owner string, update repository.FailureUpdate) error {
	return r.store.with(r.tx, "outbox.mark_failed", func(st *state) error {
		msg, ok := st.outbox[id]
		if !ok || msg.ClaimedBy == nil || *msg.ClaimedBy != owner {
			return orderflow_errors.ErrClaimLost
		}
		lastError := update.LastError
		next := update.NextRetryAt
		msg.Status = outbox.StatusFailed
		msg.RetryCount++
		msg.LastError = &lastError
		msg.NextRetryAt = &next
		msg.ClaimedBy = nil
		msg.ClaimedUntil = nil
		msg.UpdatedAt = update.At
		st.outbox[id] = msg
		return nil
	})
}

func (r *OutboxRepository) ReleaseClaims(_ context.Context, owner string) (int64, error) {
	var released int64
	err := r.store.with(r.tx, "outbox.release_claims", func(st *state) error {
		for id, msg := range st.outbox {
			if msg.ClaimedBy != nil && *msg.ClaimedBy == owner {
				msg.ClaimedBy = nil
				msg.ClaimedUntil = nil
				st.outbox[id] = msg
				released++
			}
		}
		return nil
	})
	return released, err
}

func (r *OutboxRepository) MarkRequeued(_ context.Context, id, copyID uuid.UUID, at time.Time) error {
	return r.store.with(r.tx, "outbox.mark_requeued", func(st *state) error {
		msg, ok := st.outbox[id]
		if !ok {
			return orderflow_errors.ErrNotFound
		}
		if msg.RequeuedAs != nil {
			return orderflow_errors.ErrConflict
		}
		msg.RequeuedAs = &copyID
		msg.UpdatedAt = at
		st.outbox[id] = msg
		return nil
	})
}

// cloneMessage copies pointer fields so callers never alias stored rows.
func cloneMessage(m outbox.OutboxMessage) outbox.OutboxMessage {
	m.PublishedAt = clonePtr(m.PublishedAt)
	m.LastError = clonePtr(m.LastError)
	m.NextRetryAt = clonePtr(m.NextRetryAt)
	m.ClaimedBy = clonePtr(m.ClaimedBy)
	m.ClaimedUntil = clonePtr(m.ClaimedUntil)
	m.RequeuedAs = clonePtr(m.RequeuedAs)
	return m
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
