package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/memstore"
	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/ariefcatur/order-fulfillment/internal/payment"
)

// scriptedGateway returns the scripted errors in order, then succeeds.
type scriptedGateway struct {
	mu       sync.Mutex
	script   []error
	always   error
	calls    int
	receipts map[string]payment.Receipt
}

func (g *scriptedGateway) Charge(_ context.Context, req payment.ChargeRequest) (payment.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if r, ok := g.receipts[req.IdempotencyKey]; ok {
		return r, nil
	}
	if g.always != nil {
		return payment.Receipt{}, g.always
	}
	if len(g.script) > 0 {
		err := g.script[0]
		g.script = g.script[1:]
		if err != nil {
			return payment.Receipt{}, err
		}
	}
	if g.receipts == nil {
		g.receipts = map[string]payment.Receipt{}
	}
	r := payment.Receipt{Ref: "pay_" + req.OrderID, OrderID: req.OrderID, AmountCents: req.AmountCents, ChargedAt: time.Now()}
	g.receipts[req.IdempotencyKey] = r
	return r, nil
}

func (g *scriptedGateway) Lookup(_ context.Context, key string) (payment.Receipt, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.receipts[key]
	return r, ok, nil
}

func (g *scriptedGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fixture struct {
	store  *memstore.Store
	gw     *scriptedGateway
	events *RecordingPublisher
	dead   *MemoryDeadLetters
	ledger *MemoryLedger
	stages *Stages
	exec   *Executor
	reg    Registry

	mu     sync.Mutex
	delays []time.Duration
}

func newFixture(t *testing.T, stock int, policies Policies) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.New(),
		gw:     &scriptedGateway{},
		events: &RecordingPublisher{},
		dead:   &MemoryDeadLetters{},
		ledger: NewMemoryLedger(),
	}
	f.store.PutProduct(orders.Product{ID: "p1", SKU: "SKU-1", Name: "Widget", Stock: stock, PriceCents: 250})
	f.store.PutProduct(orders.Product{ID: "p2", SKU: "SKU-2", Name: "Gadget", Stock: 7, PriceCents: 900})

	f.stages = NewStages(f.store, f.gw, f.events)
	f.exec = NewExecutor(f.ledger, f.dead)
	f.exec.Sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.delays = append(f.delays, d)
		f.mu.Unlock()
		return ctx.Err()
	}
	f.reg = f.stages.Registry(policies)
	return f
}

// testPolicies keeps the default attempt counts with millisecond backoff.
func testPolicies(c CompensationPolicy) Policies {
	p := DefaultPolicies(time.Millisecond)
	p.Compensation = c
	return p
}

// placeOrder writes a PENDING order directly, skipping the intake stock check.
func (f *fixture) placeOrder(t *testing.T, id, productID string, qty int) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.BeginAtomic(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	now := time.Now().UTC()
	o := orders.Order{ID: id, ProductID: productID, Quantity: qty, AmountCents: qty * 250, Status: orders.StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := tx.SaveOrder(ctx, o); err != nil {
		t.Fatalf("save order: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// runChain executes the default chain synchronously, stage after stage.
func (f *fixture) runChain(t *testing.T, orderID string, deadline time.Time) Result {
	t.Helper()
	tasks, err := f.reg.Chain(orderID, deadline)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	id := orderID
	for _, task := range tasks {
		task.OrderID = id
		next, res := f.exec.Run(context.Background(), "chain-"+orderID, task)
		if res != ResultDone {
			return res
		}
		id = next
	}
	return ResultDone
}

func (f *fixture) order(t *testing.T, id string) orders.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("get order %s: %v", id, err)
	}
	return o
}

func (f *fixture) stock(t *testing.T, productID string) int {
	t.Helper()
	p, ok := f.store.Product(productID)
	if !ok {
		t.Fatalf("product %s missing", productID)
	}
	return p.Stock
}

func (f *fixture) sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}
