// Package memory keeps orders, inventory and the outbox in process memory.
// It implements the repository interfaces with the same claim, fencing and
// transactional semantics as the Postgres repositories and backs the tests
// and the DB_DRIVER=memory development mode.
package memory

import (
	"context"
	"sync"

	"orderflow/internal/domain/inventory"
	"orderflow/internal/domain/order"
	"orderflow/internal/domain/outbox"
	"orderflow/internal/repository"

	"github.com/google/uuid"
)

type state struct {
	orders       map[uuid.UUID]order.Order
	items        map[string]inventory.Item
	reservations map[uuid.UUID]inventory.Reservation
	outbox       map[uuid.UUID]outbox.OutboxMessage
}

func newState() *state {
	return &state{
		orders:       make(map[uuid.UUID]order.Order),
		items:        make(map[string]inventory.Item),
		reservations: make(map[uuid.UUID]inventory.Reservation),
		outbox:       make(map[uuid.UUID]outbox.OutboxMessage),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = cloneMessage(v)
	}
	return c
}

type Store struct {
	mu     sync.Mutex
	state  *state
	faults map[string]error
}

func NewStore() *Store {
	return &Store{state: newState(), faults: make(map[string]error)}
}

// InjectFault makes the next call of op fail with err. Ops are named
// "<table>.<method>", for example "outbox.create" or "orders.create".
func (s *Store) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// Repositories returns repositories that operate outside any transaction.
func (s *Store) Repositories() repository.Repositories {
	return s.bind(nil)
}

func (s *Store) Outbox() repository.OutboxRepository {
	return s.Repositories().Outbox
}

func (s *Store) Orders() repository.OrderRepository {
	return s.Repositories().Orders
}

func (s *Store) Inventory() repository.InventoryRepository {
	return s.Repositories().Inventory
}

func (s *Store) bind(tx *state) repository.Repositories {
	return repository.Repositories{
		Orders:    &OrderRepository{store: s, tx: tx},
		Inventory: &InventoryRepository{store: s, tx: tx},
		Outbox:    &OutboxRepository{store: s, tx: tx},
	}
}

// Do runs fn against a private copy of the data and publishes the copy only
// when fn succeeds. The store stays locked for the duration, so fn must only
// use the repositories it is given.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, repos repository.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.state.clone()
	if err := fn(ctx, s.bind(tx)); err != nil {
		return err
	}
	s.state = tx
	return nil
}

// with runs fn on the transaction state when bound to one, otherwise on the
// committed state under the store lock.
func (s *Store) with(tx *state, op string, fn func(st *state) error) error {
	if tx != nil {
		if err := s.takeFault(op); err != nil {
			return err
		}
		return fn(tx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(op); err != nil {
		return err
	}
	return fn(s.state)
}

// takeFault expects the caller to hold s.mu.
func (s *Store) takeFault(op string) error {
	err, ok := s.faults[op]
	if !ok {
		return nil
	}
	delete(s.faults, op)
	return err
}

var _ repository.UnitOfWork = (*Store)(nil)
