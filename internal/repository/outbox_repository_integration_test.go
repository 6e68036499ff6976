//go:build integration

package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"orderflow/internal/domain/outbox"
	orderflow_errors "orderflow/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Run with: ORDERFLOW_TEST_DATABASE_DSN=postgres://... go test -tags integration ./internal/repository/
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("ORDERFLOW_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("ORDERFLOW_TEST_DATABASE_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, InitSchema(db))
	require.NoError(t, db.Exec("DELETE FROM outbox_messages").Error)
	t.Cleanup(func() {
		db.Exec("DELETE FROM outbox_messages")
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func seedOutbox(t *testing.T, repo OutboxRepository, createdAt time.Time, mutate func(*outbox.OutboxMessage)) outbox.OutboxMessage {
	t.Helper()
	msg := outbox.OutboxMessage{
		EventType:  "order.placed",
		RoutingKey: "order.placed",
		Payload:    `{}`,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	if mutate != nil {
		mutate(&msg)
	}
	require.NoError(t, repo.Create(context.Background(), &msg))
	return msg
}

func claimIDs(msgs []outbox.OutboxMessage) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestPostgresClaim_OrderAndEligibility(t *testing.T) {
	db := openTestDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	future := now.Add(time.Hour)
	past := now.Add(-time.Minute)

	oldest := seedOutbox(t, repo, now.Add(-3*time.Minute), nil)
	failedNoRetryTime := seedOutbox(t, repo, now.Add(-2*time.Minute), func(m *outbox.OutboxMessage) {
		m.Status = outbox.StatusFailed
		m.RetryCount = 1
	})
	failedDue := seedOutbox(t, repo, now.Add(-90*time.Second), func(m *outbox.OutboxMessage) {
		m.Status = outbox.StatusFailed
		m.RetryCount = 1
		m.NextRetryAt = &past
	})
	seedOutbox(t, repo, now.Add(-80*time.Second), func(m *outbox.OutboxMessage) {
		m.Status = outbox.StatusFailed
		m.RetryCount = 1
		m.NextRetryAt = &future
	})
	seedOutbox(t, repo, now.Add(-70*time.Second), func(m *outbox.OutboxMessage) {
		m.Status = outbox.StatusFailed
		m.RetryCount = 5
	})
	seedOutbox(t, repo, now.Add(-60*time.Second), func(m *outbox.OutboxMessage) {
		m.Status = outbox.StatusPublished
		m.PublishedAt = &past
	})
	newest := seedOutbox(t, repo, now.Add(-time.Second), nil)

	claimed, err := repo.Claim(ctx, ClaimRequest{Owner: "a", Now: now, Limit: 10, MaxRetries: 5, LeaseFor: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{oldest.ID, failedNoRetryTime.ID, failedDue.ID, newest.ID}, claimIDs(claimed))
	for _, m := range claimed {
		require.NotNil(t, m.ClaimedBy)
		assert.Equal(t, "a", *m.ClaimedBy)
		require.NotNil(t, m.ClaimedUntil)
		assert.WithinDuration(t, now.Add(time.Minute), *m.ClaimedUntil, time.Millisecond)
	}

	again, err := repo.Claim(ctx, ClaimRequest{Owner: "b", Now: now.Add(30 * time.Second), Limit: 10, MaxRetries: 5, LeaseFor: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, again, "leased rows must not be claimed twice")

	expired, err := repo.Claim(ctx, ClaimRequest{Owner: "b", Now: now.Add(2 * time.Minute), Limit: 2, MaxRetries: 5, LeaseFor: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{oldest.ID, failedNoRetryTime.ID}, claimIDs(expired))
}

func TestPostgresClaim_SkipsRowsLockedByAnotherTransaction(t *testing.T) {
	db := openTestDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	locked := seedOutbox(t, repo, now.Add(-2*time.Minute), nil)
	free := seedOutbox(t, repo, now.Add(-time.Minute), nil)

	tx := db.Begin()
	require.NoError(t, tx.Error)
	defer tx.Rollback()
	var held outbox.OutboxMessage
	require.NoError(t, tx.Raw("SELECT * FROM outbox_messages WHERE id = ? FOR UPDATE", locked.ID).Scan(&held).Error)

	claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	claimed, err := repo.Claim(claimCtx, ClaimRequest{Owner: "a", Now: now, Limit: 10, MaxRetries: 5, LeaseFor: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{free.ID}, claimIDs(claimed))
}

func TestPostgresRenew_IsFenced(t *testing.T) {
	db := openTestDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	msg := seedOutbox(t, repo, now.Add(-time.Minute), nil)
	_, err := repo.Claim(ctx, ClaimRequest{Owner: "a", Now: now, Limit: 1, MaxRetries: 5, LeaseFor: time.Minute})
	require.NoError(t, err)

	require.NoError(t, repo.Renew(ctx, msg.ID, "a", now.Add(30*time.Second), now.Add(90*time.Second)))
	assert.ErrorIs(t, repo.Renew(ctx, msg.ID, "b", now.Add(30*time.Second), now.Add(90*time.Second)), orderflow_errors.ErrClaimLost)

	// Renewal moved the lease, so the row is still held past the original expiry.
	claimed, err := repo.Claim(ctx, ClaimRequest{Owner: "b", Now: now.Add(80 * time.Second), Limit: 1, MaxRetries: 5, LeaseFor: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, claimed)

	assert.ErrorIs(t, repo.Renew(ctx, msg.ID, "a", now.Add(2*time.Minute), now.Add(3*time.Minute)), orderflow_errors.ErrClaimLost)

	claimed, err = repo.Claim(ctx, ClaimRequest{Owner: "b", Now: now.Add(2 * time.Minute), Limit: 1, MaxRetries: 5, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.ErrorIs(t, repo.MarkPublished(ctx, msg.ID, "a", now.Add(2*time.Minute)), orderflow_errors.ErrClaimLost)
	require.NoError(t, repo.MarkPublished(ctx, msg.ID, "b", now.Add(2*time.Minute)))
}

func TestPostgresMarkRequeued_OnlyOnce(t *testing.T) {
	db := openTestDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	stuck := seedOutbox(t, repo, now.Add(-time.Hour), func(m *outbox.OutboxMessage) {
		m.Status = outbox.StatusFailed
		m.RetryCount = 5
	})
	first := seedOutbox(t, repo, now, nil)
	second := seedOutbox(t, repo, now, nil)

	stats, err := repo.Stats(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Stuck)

	require.NoError(t, repo.MarkRequeued(ctx, stuck.ID, first.ID, now))
	assert.ErrorIs(t, repo.MarkRequeued(ctx, stuck.ID, second.ID, now), orderflow_errors.ErrConflict)

	got, err := repo.GetByID(ctx, stuck.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RequeuedAs)
	assert.Equal(t, first.ID, *got.RequeuedAs)

	stats, err = repo.Stats(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, stats.Stuck)

	listed, err := repo.List(ctx, outbox.Filter{StuckOnly: true, MaxRetries: 5})
	require.NoError(t, err)
	assert.Empty(t, listed)
}
