package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/ariefcatur/order-fulfillment/internal/payment"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []ChainMessage
	err  error
}

func (r *recordingTransport) Send(_ context.Context, msg ChainMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

// drain delivers every pending message to the runner, like a consumer would.
func (r *recordingTransport) drain(t *testing.T, b *BrokerRunner) {
	t.Helper()
	for i := 0; i < 100; i++ {
		r.mu.Lock()
		if len(r.sent) == 0 {
			r.mu.Unlock()
			return
		}
		msg := r.sent[0]
		r.sent = r.sent[1:]
		r.mu.Unlock()
		if err := b.Handle(context.Background(), msg); err != nil {
			t.Fatalf("handle %s[%d]: %v", msg.OrderID, msg.Index, err)
		}
	}
	t.Fatal("chain did not settle")
}

func TestBrokerRunnerCarriesChainThroughTransport(t *testing.T) {
	f := newFixture(t, 5, testPolicies(CompensateRelease))
	tr := &recordingTransport{}
	b := NewBrokerRunner(tr, f.exec, f.reg)
	f.placeOrder(t, "o1", "p1", 2)

	deadline := time.Now().Add(time.Hour).UTC()
	tasks, err := f.reg.Chain("o1", deadline)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.EnqueueChain(context.Background(), tasks); err != nil {
		t.Fatal(err)
	}
	first := tr.sent[0]
	if first.Index != 0 || first.OrderID != "o1" || first.ChainID == "" || !first.Deadline.Equal(deadline) {
		t.Fatalf("first message = %+v", first)
	}
	if len(first.Stages) != 4 || first.Stages[3] != StageNotifyShipping {
		t.Fatalf("stages = %v", first.Stages)
	}

	tr.drain(t, b)
	if got := f.order(t, "o1").Status; got != orders.StatusShipped {
		t.Fatalf("status = %s, want SHIPPED", got)
	}
}

func TestBrokerRunnerRedeliveryIsSkipped(t *testing.T) {
	f := newFixture(t, 5, testPolicies(CompensateRelease))
	tr := &recordingTransport{}
	b := NewBrokerRunner(tr, f.exec, f.reg)
	f.placeOrder(t, "o1", "p1", 2)

	msg := ChainMessage{ChainID: "c1", OrderID: "o1", Stages: DefaultChain}
	for i := 0; i < 2; i++ {
		if err := b.Handle(context.Background(), msg); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.stock(t, "p1"); got != 3 {
		t.Fatalf("stock = %d, want 3", got)
	}
	// both deliveries forward; the duplicate forward is skipped by the ledger downstream
	if len(tr.sent) != 2 || tr.sent[0].Index != 1 {
		t.Fatalf("forwarded = %+v", tr.sent)
	}
}

func TestBrokerRunnerUnknownStageDeadLetters(t *testing.T) {
	f := newFixture(t, 5, testPolicies(CompensateRelease))
	b := NewBrokerRunner(&recordingTransport{}, f.exec, f.reg)

	msg := ChainMessage{ChainID: "c1", OrderID: "o1", Stages: []Stage{"refund"}}
	if err := b.Handle(context.Background(), msg); err != nil {
		t.Fatalf("err = %v, want ack", err)
	}
	dls := f.dead.Items()
	if len(dls) != 1 || dls[0].Reason != ReasonUnknownStage {
		t.Fatalf("dead letters = %+v", dls)
	}
}

func TestBrokerRunnerForwardFailureKeepsMessage(t *testing.T) {
	f := newFixture(t, 5, testPolicies(CompensateRelease))
	tr := &recordingTransport{err: errors.New("broker down")}
	b := NewBrokerRunner(tr, f.exec, f.reg)
	f.placeOrder(t, "o1", "p1", 1)

	msg := ChainMessage{ChainID: "c1", OrderID: "o1", Stages: DefaultChain}
	if err := b.Handle(context.Background(), msg); err == nil {
		t.Fatal("forward failure was acknowledged")
	}
	// redelivery after the broker recovers does not reserve twice
	tr.err = nil
	if err := b.Handle(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if got := f.stock(t, "p1"); got != 4 {
		t.Fatalf("stock = %d, want 4", got)
	}
}

func TestBrokerRunnerIgnoresOutOfRangeIndex(t *testing.T) {
	f := newFixture(t, 5, testPolicies(CompensateRelease))
	b := NewBrokerRunner(&recordingTransport{}, f.exec, f.reg)
	if err := b.Handle(context.Background(), ChainMessage{OrderID: "o1", Stages: DefaultChain, Index: 9}); err != nil {
		t.Fatal(err)
	}
}

func TestBrokerRunnerReschedulesRetries(t *testing.T) {
	f := newFixture(t, 5, testPolicies(CompensateRelease))
	f.gw.script = []error{payment.ErrGatewayTimeout, payment.ErrGatewayTimeout}
	tr := &recordingTransport{}
	b := NewBrokerRunner(tr, f.exec, f.reg)
	f.placeOrder(t, "o1", "p1", 1)
	ctx := context.Background()

	if err := b.Handle(ctx, ChainMessage{ChainID: "c1", OrderID: "o1", Stages: DefaultChain}); err != nil {
		t.Fatal(err)
	}
	charge := tr.sent[0]
	tr.sent = nil
	if err := b.Handle(ctx, charge); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent = %+v", tr.sent)
	}
	retry := tr.sent[0]
	if retry.Index != 1 || retry.Attempt != 2 || retry.NotBefore.IsZero() {
		t.Fatalf("retry message = %+v", retry)
	}
	if got := f.sleeps(); len(got) != 0 {
		t.Fatalf("handler slept %v during backoff", got)
	}

	tr.drain(t, b)
	if got := f.order(t, "o1").Status; got != orders.StatusShipped {
		t.Fatalf("status = %s, want SHIPPED", got)
	}
	if got := f.gw.Calls(); got != 3 {
		t.Fatalf("gateway calls = %d, want 3", got)
	}
	if got := f.stock(t, "p1"); got != 4 {
		t.Fatalf("stock = %d, want 4", got)
	}
}
