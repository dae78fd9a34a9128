package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archon-research/stl-notional/internal/domain/entity"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

func order(id int64, price string, qty int64) *entity.Order {
	return &entity.Order{
		ID:     id,
		Symbol: "AAPL",
		Price:  decimal.RequireFromString(price),
		Qty:    qty,
		Side:   entity.SideBuy,
	}
}

func putOrder(t *testing.T, s *OrderStore, o *entity.Order) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(tx outbound.OrderTx) error {
		return tx.Put(context.Background(), o)
	})
	if err != nil {
		t.Fatalf("put order %d: %v", o.ID, err)
	}
}

func TestOrderStore_CommitMakesWritesVisible(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()

	putOrder(t, s, order(1, "10", 20))
	putOrder(t, s, order(2, "5", 5))

	got, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || !got.Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("Get(1) = %+v, want price 10", got)
	}

	sum, err := s.SumNotionalMinor(ctx)
	if err != nil {
		t.Fatalf("SumNotionalMinor: %v", err)
	}
	if sum != 22500 {
		t.Errorf("sum = %d, want 22500", sum)
	}

	count, _ := s.Count(ctx)
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestOrderStore_SumOverflow(t *testing.T) {
	s := NewOrderStore()

	// Each order fits in minor units on its own; their sum does not.
	putOrder(t, s, order(1, "9000000000000000", 6))
	putOrder(t, s, order(2, "9000000000000000", 6))

	if _, err := s.SumNotionalMinor(context.Background()); !errors.Is(err, entity.ErrAmountOverflow) {
		t.Fatalf("SumNotionalMinor error = %v, want ErrAmountOverflow", err)
	}
}

func TestOrderStore_AbortLeavesStoreUnchanged(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()
	putOrder(t, s, order(1, "10", 20))

	errBoom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx outbound.OrderTx) error {
		if err := tx.Put(ctx, order(2, "5", 5)); err != nil {
			return err
		}
		if _, err := tx.Remove(ctx, 1); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("WithinTx error = %v, want %v", err, errBoom)
	}

	if got, _ := s.Get(ctx, 1); got == nil {
		t.Error("order 1 removed by aborted transaction")
	}
	if got, _ := s.Get(ctx, 2); got != nil {
		t.Error("order 2 written by aborted transaction")
	}
}

func TestOrderStore_PanicAbortsAndReleasesLocks(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = s.WithinTx(ctx, func(tx outbound.OrderTx) error {
			_ = tx.Put(ctx, order(1, "10", 1))
			panic("boom")
		})
	}()

	if got, _ := s.Get(ctx, 1); got != nil {
		t.Error("order written by panicking transaction")
	}

	// The key lock must be free again.
	lockCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	err := s.WithinTx(lockCtx, func(tx outbound.OrderTx) error {
		_, err := tx.GetForUpdate(lockCtx, 1)
		return err
	})
	if err != nil {
		t.Fatalf("lock not released after panic: %v", err)
	}
}

func TestOrderStore_ReadCommitted(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx outbound.OrderTx) error {
		if err := tx.Put(ctx, order(1, "10", 1)); err != nil {
			return err
		}
		if got, _ := s.Get(ctx, 1); got != nil {
			t.Error("uncommitted write visible outside the transaction")
		}
		got, err := tx.GetForUpdate(ctx, 1)
		if err != nil {
			return err
		}
		if got == nil {
			t.Error("own write not visible inside the transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
}

func TestOrderStore_SameKeySerializes(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.WithinTx(ctx, func(tx outbound.OrderTx) error {
			if _, err := tx.GetForUpdate(ctx, 1); err != nil {
				return err
			}
			close(locked)
			<-release
			return tx.Put(ctx, order(1, "10", 1))
		})
	}()
	<-locked

	// A second transaction on the same key times out as a conflict.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := s.WithinTx(shortCtx, func(tx outbound.OrderTx) error {
		_, err := tx.GetForUpdate(shortCtx, 1)
		return err
	})
	if !errors.Is(err, outbound.ErrTransactionConflict) {
		t.Fatalf("contended lock error = %v, want ErrTransactionConflict", err)
	}

	// A different key proceeds while key 1 is held.
	putOrder(t, s, order(2, "1", 1))

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder transaction: %v", err)
	}
}

func TestOrderStore_Faults(t *testing.T) {
	ctx := context.Background()
	errDown := errors.New("connection refused")

	t.Run("begin error", func(t *testing.T) {
		s := NewOrderStore()
		s.SetFaults(StoreFaults{BeginErr: errDown})

		called := false
		err := s.WithinTx(ctx, func(tx outbound.OrderTx) error {
			called = true
			return nil
		})
		if !errors.Is(err, errDown) {
			t.Fatalf("error = %v, want %v", err, errDown)
		}
		if called {
			t.Error("fn ran despite begin failure")
		}
	})

	t.Run("commit error discards writes", func(t *testing.T) {
		s := NewOrderStore()
		s.SetFaults(StoreFaults{CommitErr: errDown})

		err := s.WithinTx(ctx, func(tx outbound.OrderTx) error {
			return tx.Put(ctx, order(1, "10", 1))
		})
		if !errors.Is(err, errDown) {
			t.Fatalf("error = %v, want %v", err, errDown)
		}
		if got, _ := s.Get(ctx, 1); got != nil {
			t.Error("write applied despite commit failure")
		}
	})

	t.Run("commit applied then lost", func(t *testing.T) {
		s := NewOrderStore()
		s.SetFaults(StoreFaults{CommitErr: outbound.ErrCommitOutcomeUnknown, CommitApplied: true})

		err := s.WithinTx(ctx, func(tx outbound.OrderTx) error {
			return tx.Put(ctx, order(1, "10", 1))
		})
		if !errors.Is(err, outbound.ErrCommitOutcomeUnknown) {
			t.Fatalf("error = %v, want ErrCommitOutcomeUnknown", err)
		}
		if got, _ := s.Get(ctx, 1); got == nil {
			t.Error("write not applied")
		}
	})

	t.Run("sum error", func(t *testing.T) {
		s := NewOrderStore()
		s.SetFaults(StoreFaults{SumErr: errDown})
		if _, err := s.SumNotionalMinor(ctx); !errors.Is(err, errDown) {
			t.Fatalf("error = %v, want %v", err, errDown)
		}
	})
}

func TestOrderStore_RemoveMissing(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx outbound.OrderTx) error {
		removed, err := tx.Remove(ctx, 42)
		if err != nil {
			return err
		}
		if removed != nil {
			t.Errorf("Remove(42) = %+v, want nil", removed)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
}

func TestOrderStore_ReturnsCopies(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()

	o := order(1, "10", 1)
	putOrder(t, s, o)
	o.Qty = 99

	got, _ := s.Get(ctx, 1)
	if got.Qty != 1 {
		t.Errorf("stored qty = %d, want 1 (caller mutation leaked)", got.Qty)
	}
}
