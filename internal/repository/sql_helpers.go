package repository

import (
	"context"
	"errors"

	orderflow_errors "orderflow/pkg/errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapError translates driver errors into the shared sentinels.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return orderflow_errors.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return orderflow_errors.ErrAlreadyExists
	default:
		return err
	}
}

type GormUnitOfWork struct {
	db *gorm.DB
}

func NewUnitOfWork(db *gorm.DB) *GormUnitOfWork {
	return &GormUnitOfWork{db: db}
}

func (u *GormUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	if u.db == nil {
		return errors.New("database not initialized")
	}
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewRepositories(tx))
	})
}

// NewRepositories binds every repository to db, which may be a transaction.
func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Orders:    NewOrderRepository(db),
		Inventory: NewInventoryRepository(db),
		Outbox:    NewOutboxRepository(db),
	}
}
