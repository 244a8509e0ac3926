package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/orders"
)

func TestPoolDoesNotOversell(t *testing.T) {
	f := newFixture(t, 5, testPolicies(CompensateRelease))
	pool := NewPool(f.exec, 8, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	const n = 20
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("o%02d", i)
		f.placeOrder(t, id, "p1", 1)
		tasks, err := f.reg.Chain(id, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		if err := pool.EnqueueChain(ctx, tasks); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	waitOrTimeout(t, pool, 5*time.Second)

	shipped, failed := 0, 0
	for i := 0; i < n; i++ {
		switch s := f.order(t, fmt.Sprintf("o%02d", i)).Status; s {
		case orders.StatusShipped:
			shipped++
		case orders.StatusFailed:
			failed++
		default:
			t.Fatalf("order o%02d ended in %s", i, s)
		}
	}
	if shipped != 5 || failed != 15 {
		t.Fatalf("shipped=%d failed=%d, want 5/15", shipped, failed)
	}
	if got := f.stock(t, "p1"); got != 0 {
		t.Fatalf("stock = %d, want 0", got)
	}
}

func TestPoolRunsStagesInOrder(t *testing.T) {
	exec := NewExecutor(nil, &MemoryDeadLetters{})
	pool := NewPool(exec, 4, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	var mu sync.Mutex
	var seen []Stage
	reg := Registry{}
	for _, st := range DefaultChain {
		st := st
		reg[st] = StageTask{Run: func(_ context.Context, id string) (string, error) {
			mu.Lock()
			seen = append(seen, st)
			mu.Unlock()
			return id, nil
		}}
	}
	tasks, _ := reg.Chain("o1", time.Time{})
	if err := pool.EnqueueChain(ctx, tasks); err != nil {
		t.Fatal(err)
	}
	waitOrTimeout(t, pool, 2*time.Second)

	if len(seen) != len(DefaultChain) {
		t.Fatalf("ran %v", seen)
	}
	for i, st := range DefaultChain {
		if seen[i] != st {
			t.Fatalf("stage %d = %s, want %s", i, seen[i], st)
		}
	}
}

func TestPoolEnqueueAfterStop(t *testing.T) {
	pool := NewPool(NewExecutor(nil, nil), 1, 1)
	pool.Start(context.Background())
	pool.Stop()

	tasks := []StageTask{{Stage: StageReserveStock, OrderID: "o1"}}
	if err := pool.EnqueueChain(context.Background(), tasks); err != ErrPoolClosed {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestPoolBackoffDoesNotHoldWorker(t *testing.T) {
	exec := NewExecutor(nil, &MemoryDeadLetters{})
	pool := NewPool(exec, 1, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	var mu sync.Mutex
	slowAttempts := 0
	fastDone := make(chan struct{})
	reg := Registry{StageChargePayment: {
		Run: func(_ context.Context, id string) (string, error) {
			if id == "slow" {
				mu.Lock()
				slowAttempts++
				mu.Unlock()
				return "", errors.New("gateway timeout")
			}
			close(fastDone)
			return id, nil
		},
		Retry: RetryPolicy{MaxAttempts: 3, BackoffBase: 300 * time.Millisecond, Strategy: Fixed},
	}}

	slow, _ := reg.Chain("slow", time.Time{}, StageChargePayment)
	if err := pool.EnqueueChain(ctx, slow); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	fast, _ := reg.Chain("fast", time.Time{}, StageChargePayment)
	if err := pool.EnqueueChain(ctx, fast); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fastDone:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("fast chain waited for the other chain's backoff")
	}
	waitOrTimeout(t, pool, 3*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if slowAttempts != 3 {
		t.Fatalf("slow attempts = %d, want 3", slowAttempts)
	}
}

func TestPoolWaitReturnsAfterStop(t *testing.T) {
	exec := NewExecutor(nil, &MemoryDeadLetters{})
	pool := NewPool(exec, 1, 1)
	pool.Start(context.Background())

	release := make(chan struct{})
	reg := Registry{
		StageReserveStock: {Run: func(_ context.Context, id string) (string, error) {
			<-release
			return id, nil
		}},
		StageChargePayment: {
			Run:   func(context.Context, string) (string, error) { return "", errors.New("gateway timeout") },
			Retry: RetryPolicy{MaxAttempts: 3, BackoffBase: time.Hour, Strategy: Fixed},
		},
	}
	for i := 0; i < 4; i++ {
		tasks, _ := reg.Chain(fmt.Sprintf("o%d", i), time.Time{}, StageReserveStock, StageChargePayment)
		go func() { _ = pool.EnqueueChain(context.Background(), tasks) }()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	time.Sleep(50 * time.Millisecond)

	pool.Stop()
	waitOrTimeout(t, pool, 2*time.Second)
}

func waitOrTimeout(t *testing.T, p *Pool, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("chains did not finish in time")
	}
}
