//go:build integration

package mysql_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/mysql"
	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/ariefcatur/order-fulfillment/internal/payment"
	"github.com/ariefcatur/order-fulfillment/internal/workflow"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
)

func startStore(t *testing.T) *mysql.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	myC, err := tcmysql.Run(ctx,
		"mysql:8.0.36",
		tcmysql.WithDatabase("orders"),
		tcmysql.WithUsername("orders"),
		tcmysql.WithPassword("orders"),
	)
	if err != nil {
		t.Fatalf("start mysql: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(myC) })

	dsn, err := myC.ConnectionString(ctx, "parseTime=true")
	if err != nil {
		t.Fatal(err)
	}
	st, err := mysql.Open(dsn, 16)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := st.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return st
}

func stockOf(t *testing.T, st *mysql.Store) map[string]int {
	t.Helper()
	ps, err := st.ListProducts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	m := make(map[string]int, len(ps))
	for _, p := range ps {
		m[p.ID] = p.Stock
	}
	return m
}

func TestMySQLChainDoesNotOversell(t *testing.T) {
	st := startStore(t)
	ctx := context.Background()
	if err := st.UpsertProduct(ctx, orders.Product{ID: "p1", SKU: "SKU-1", Name: "Widget", Stock: 5, PriceCents: 300}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertProduct(ctx, orders.Product{ID: "p2", SKU: "SKU-2", Name: "Gadget", Stock: 9, PriceCents: 100}); err != nil {
		t.Fatal(err)
	}

	stages := workflow.NewStages(st, payment.NewSimulator(payment.WithTimeoutRate(0)), nil)
	exec := workflow.NewExecutor(workflow.NewMemoryLedger(), &workflow.MemoryDeadLetters{})
	pool := workflow.NewPool(exec, 6, 64)
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(pctx)
	defer pool.Stop()

	orch := workflow.NewOrchestrator(pool, stages.Registry(workflow.DefaultPolicies(time.Millisecond)), time.Minute)
	svc := orders.NewService(st, orch)

	var ids []string
	for i := 0; i < 12; i++ {
		o, err := svc.CreateOrder(ctx, "p1", 1)
		if errors.Is(err, orders.ErrInsufficientStock) {
			continue
		}
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, o.ID)
	}
	pool.Wait()

	shipped := 0
	for _, id := range ids {
		o, err := st.GetOrder(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		switch o.Status {
		case orders.StatusShipped:
			shipped++
		case orders.StatusFailed:
			if o.FailureReason != orders.ReasonInsufficientStock {
				t.Fatalf("order %s failed with %q", id, o.FailureReason)
			}
		default:
			t.Fatalf("order %s ended in %s", id, o.Status)
		}
	}
	if shipped != 5 {
		t.Fatalf("shipped = %d, want 5", shipped)
	}
	if got := stockOf(t, st); got["p1"] != 0 || got["p2"] != 9 {
		t.Fatalf("stock = %v", got)
	}
}

func TestMySQLReleaseRestoresStock(t *testing.T) {
	st := startStore(t)
	ctx := context.Background()
	if err := st.UpsertProduct(ctx, orders.Product{ID: "p1", SKU: "SKU-1", Stock: 4, PriceCents: 300}); err != nil {
		t.Fatal(err)
	}
	stages := workflow.NewStages(st, payment.NewSimulator(payment.WithTimeoutRate(0), payment.WithDeclineRate(1)), nil)
	svc := orders.NewService(st, nil)
	o, err := svc.CreateOrder(ctx, "p1", 3)
	if err != nil {
		t.Fatal(err)
	}

	exec := workflow.NewExecutor(nil, &workflow.MemoryDeadLetters{})
	tasks, err := stages.Registry(workflow.DefaultPolicies(time.Millisecond)).Chain(o.ID, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if _, res := exec.Run(ctx, "c-"+o.ID, task); res != workflow.ResultDone {
			break
		}
	}

	got, err := st.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != orders.StatusFailed || got.FailureReason != orders.ReasonPaymentFailed {
		t.Fatalf("order = %s/%q", got.Status, got.FailureReason)
	}
	if s := stockOf(t, st)["p1"]; s != 4 {
		t.Fatalf("stock = %d, want 4", s)
	}
}

func TestMySQLRollbackAfterCommitIsNoop(t *testing.T) {
	st := startStore(t)
	ctx := context.Background()
	if err := st.UpsertProduct(ctx, orders.Product{ID: "p1", SKU: "SKU-1", Stock: 2, PriceCents: 300}); err != nil {
		t.Fatal(err)
	}

	tx, err := st.BeginAtomic(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p, err := tx.LockProductForUpdate(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	p.Stock--
	if err := tx.SaveProduct(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}
	if s := stockOf(t, st)["p1"]; s != 1 {
		t.Fatalf("stock = %d, want 1", s)
	}

	if _, err := st.GetOrder(ctx, "missing"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}
