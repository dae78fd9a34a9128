//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archon-research/stl-notional/internal/ports/outbound"
	"github.com/archon-research/stl-notional/internal/testutil"
)

func setupStore(t *testing.T, lockTimeout time.Duration) *OrderStore {
	t.Helper()
	pool, _ := testutil.SetupPostgres(t)

	store, err := NewOrderStore(pool, OrderStoreConfig{LockTimeout: lockTimeout, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("NewOrderStore: %v", err)
	}
	return store
}

func TestOrderStore_PutGetRemove(t *testing.T) {
	store := setupStore(t, 0)
	ctx := context.Background()

	o := testutil.NewOrder(t, 1, "10.1234", 20)
	o.Commission = decimal.RequireFromString("0.5")
	err := store.WithinTx(ctx, func(tx outbound.OrderTx) error {
		return tx.Put(ctx, o)
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if !got.Price.Equal(o.Price) || got.Qty != 20 || got.Side != o.Side || !got.Commission.Equal(o.Commission) {
		t.Errorf("Get = %+v, want %+v", got, o)
	}
	if !got.TimestampUTC.Equal(o.TimestampUTC) {
		t.Errorf("timestamp = %v, want %v", got.TimestampUTC, o.TimestampUTC)
	}

	err = store.WithinTx(ctx, func(tx outbound.OrderTx) error {
		removed, err := tx.Remove(ctx, 1)
		if err != nil {
			return err
		}
		if removed == nil || removed.ID != 1 {
			t.Errorf("Remove = %+v, want order 1", removed)
		}
		missing, err := tx.Remove(ctx, 2)
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("Remove(2) = %+v, want nil", missing)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if got, _ := store.Get(ctx, 1); got != nil {
		t.Error("order still present after Remove")
	}
}

func TestOrderStore_SumRoundsPerOrder(t *testing.T) {
	store := setupStore(t, 0)
	ctx := context.Background()

	orders := []struct {
		id    int64
		price string
		qty   int64
	}{
		{1, "10", 20},    // 20000
		{2, "5", 5},      // 2500
		{3, "0.0050", 1}, // 0.5 cents rounds to 1
		{4, "0.0049", 1}, // 0.49 cents rounds to 0
		{5, "0.0050", 1}, // 1
	}

	err := store.WithinTx(ctx, func(tx outbound.OrderTx) error {
		for _, o := range orders {
			if err := tx.Put(ctx, testutil.NewOrder(t, o.id, o.price, o.qty)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var want int64
	for _, o := range orders {
		amount, err := testutil.NewOrder(t, o.id, o.price, o.qty).AmountMinor()
		if err != nil {
			t.Fatalf("AmountMinor: %v", err)
		}
		want += amount
	}

	sum, err := store.SumNotionalMinor(ctx)
	if err != nil {
		t.Fatalf("SumNotionalMinor: %v", err)
	}
	if sum != want || sum != 22502 {
		t.Errorf("sum = %d, want %d (22502)", sum, want)
	}

	count, err := store.Count(ctx)
	if err != nil || count != 5 {
		t.Errorf("Count = %d, %v; want 5", count, err)
	}
}

func TestOrderStore_RollbackOnError(t *testing.T) {
	store := setupStore(t, 0)
	ctx := context.Background()

	errBoom := errors.New("boom")
	err := store.WithinTx(ctx, func(tx outbound.OrderTx) error {
		if err := tx.Put(ctx, testutil.NewOrder(t, 1, "10", 1)); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("WithinTx error = %v, want %v", err, errBoom)
	}
	if got, _ := store.Get(ctx, 1); got != nil {
		t.Error("rolled back order is present")
	}
}

func TestOrderStore_LockTimeoutIsConflict(t *testing.T) {
	store := setupStore(t, 200*time.Millisecond)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx outbound.OrderTx) error {
		return tx.Put(ctx, testutil.NewOrder(t, 1, "10", 1))
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.WithinTx(ctx, func(tx outbound.OrderTx) error {
			if _, err := tx.GetForUpdate(ctx, 1); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err = store.WithinTx(ctx, func(tx outbound.OrderTx) error {
		_, err := tx.GetForUpdate(ctx, 1)
		return err
	})
	close(release)
	wg.Wait()

	if !errors.Is(err, outbound.ErrTransactionConflict) {
		t.Fatalf("contended lock error = %v, want ErrTransactionConflict", err)
	}

	// Disjoint keys are not blocked.
	err = store.WithinTx(ctx, func(tx outbound.OrderTx) error {
		return tx.Put(ctx, testutil.NewOrder(t, 2, "1", 1))
	})
	if err != nil {
		t.Fatalf("disjoint Put: %v", err)
	}
}

func TestOrderStore_CancelledContextRollsBack(t *testing.T) {
	store := setupStore(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	err := store.WithinTx(ctx, func(tx outbound.OrderTx) error {
		if err := tx.Put(ctx, testutil.NewOrder(t, 1, "10", 1)); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if got, _ := store.Get(context.Background(), 1); got != nil {
		t.Error("order committed despite cancellation")
	}
}

func TestOrderStore_PanicRollsBack(t *testing.T) {
	store := setupStore(t, 0)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic")
			}
		}()
		_ = store.WithinTx(ctx, func(tx outbound.OrderTx) error {
			_ = tx.Put(ctx, testutil.NewOrder(t, 1, "10", 1))
			panic("boom")
		})
	}()

	if got, _ := store.Get(ctx, 1); got != nil {
		t.Error("order committed despite panic")
	}
}
