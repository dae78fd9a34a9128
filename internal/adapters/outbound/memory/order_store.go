// order_store.go provides an in-memory implementation of OrderStore.
//
// Transactions lock every key they touch with a per-key semaphore held until
// commit or abort. Writes are staged in the transaction and become visible to
// other readers only at commit (read-committed). Failures can be injected
// with SetFaults to exercise abort and commit-unknown paths.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/archon-research/stl-notional/internal/domain/entity"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// Compile-time check that OrderStore implements outbound.OrderStore
var _ outbound.OrderStore = (*OrderStore)(nil)

// StoreFaults injects failures into an OrderStore.
type StoreFaults struct {
	// BeginErr fails WithinTx before fn runs.
	BeginErr error

	// CommitErr fails the commit after fn returned nil.
	CommitErr error

	// CommitApplied applies the staged writes before returning CommitErr,
	// simulating a commit whose acknowledgement was lost.
	CommitApplied bool

	// SumErr fails SumNotionalMinor.
	SumErr error
}

// OrderStore is an in-memory record store for tests and local runs.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[int64]*entity.Order
	faults StoreFaults

	locksMu sync.Mutex
	locks   map[int64]chan struct{}
}

// NewOrderStore creates an empty store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[int64]*entity.Order),
		locks:  make(map[int64]chan struct{}),
	}
}

// SetFaults replaces the injected failures.
func (s *OrderStore) SetFaults(f StoreFaults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// WithinTx runs fn in a transaction.
func (s *OrderStore) WithinTx(ctx context.Context, fn func(tx outbound.OrderTx) error) (err error) {
	s.mu.RLock()
	faults := s.faults
	s.mu.RUnlock()

	if faults.BeginErr != nil {
		return fmt.Errorf("failed to begin transaction: %w", faults.BeginErr)
	}
	if err := ctx.Err(); err != nil {
		return classifyContextErr(err)
	}

	tx := &orderTx{
		store:  s,
		staged: make(map[int64]*entity.Order),
		held:   make(map[int64]chan struct{}),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return classifyContextErr(err)
	}

	if faults.CommitErr != nil {
		if faults.CommitApplied {
			s.apply(tx.staged)
		}
		return fmt.Errorf("failed to commit transaction: %w", faults.CommitErr)
	}

	s.apply(tx.staged)
	return nil
}

// Get returns a committed order or nil.
func (s *OrderStore) Get(ctx context.Context, id int64) (*entity.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if order, ok := s.orders[id]; ok {
		return order.Clone(), nil
	}
	return nil, nil
}

// SumNotionalMinor sums AmountMinor over all committed orders.
func (s *OrderStore) SumNotionalMinor(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.faults.SumErr != nil {
		return 0, s.faults.SumErr
	}

	var total int64
	for _, order := range s.orders {
		amount, err := order.AmountMinor()
		if err != nil {
			return 0, err
		}
		if (amount > 0 && total > math.MaxInt64-amount) || (amount < 0 && total < math.MinInt64-amount) {
			return 0, fmt.Errorf("%w: sum of notional exceeds int64 minor units", entity.ErrAmountOverflow)
		}
		total += amount
	}
	return total, nil
}

// Count returns the number of committed orders.
func (s *OrderStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.orders)), nil
}

// Orders returns a copy of every committed order.
func (s *OrderStore) Orders() []*entity.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entity.Order, 0, len(s.orders))
	for _, order := range s.orders {
		result = append(result, order.Clone())
	}
	return result
}

func (s *OrderStore) apply(staged map[int64]*entity.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, order := range staged {
		if order == nil {
			delete(s.orders, id)
			continue
		}
		s.orders[id] = order
	}
}

func (s *OrderStore) keyLock(id int64) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[id] = lock
	}
	return lock
}

// orderTx holds the locks and staged writes of one transaction.
// A nil entry in staged marks a removal.
type orderTx struct {
	store  *OrderStore
	staged map[int64]*entity.Order
	held   map[int64]chan struct{}
}

func (t *orderTx) lock(ctx context.Context, id int64) error {
	if _, ok := t.held[id]; ok {
		return nil
	}

	lock := t.store.keyLock(id)
	select {
	case lock <- struct{}{}:
		t.held[id] = lock
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to lock order %d: %w", id, classifyContextErr(ctx.Err()))
	}
}

func (t *orderTx) release() {
	for id, lock := range t.held {
		<-lock
		delete(t.held, id)
	}
}

func (t *orderTx) read(id int64) *entity.Order {
	if order, ok := t.staged[id]; ok {
		return order
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.orders[id]
}

func (t *orderTx) GetForUpdate(ctx context.Context, id int64) (*entity.Order, error) {
	if err := t.lock(ctx, id); err != nil {
		return nil, err
	}
	if order := t.read(id); order != nil {
		return order.Clone(), nil
	}
	return nil, nil
}

func (t *orderTx) Put(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return fmt.Errorf("%w: order is nil", entity.ErrInvalidOrder)
	}
	if err := t.lock(ctx, order.ID); err != nil {
		return err
	}
	t.staged[order.ID] = order.Clone()
	return nil
}

func (t *orderTx) Remove(ctx context.Context, id int64) (*entity.Order, error) {
	if err := t.lock(ctx, id); err != nil {
		return nil, err
	}
	existing := t.read(id)
	if existing == nil {
		return nil, nil
	}
	t.staged[id] = nil
	return existing.Clone(), nil
}

// classifyContextErr maps a transaction deadline to a conflict.
func classifyContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", outbound.ErrTransactionConflict, err)
	}
	return err
}
