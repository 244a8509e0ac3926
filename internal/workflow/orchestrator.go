package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"go.uber.org/zap"
)

// Orchestrator turns an order id into a chain and hands it to the Runner.
type Orchestrator struct {
	Runner   Runner
	Registry Registry
	Stages   []Stage
	// Budget bounds the whole chain; zero disables the deadline.
	Budget time.Duration
	Now    func() time.Time
}

func NewOrchestrator(r Runner, reg Registry, budget time.Duration) *Orchestrator {
	return &Orchestrator{Runner: r, Registry: reg, Stages: DefaultChain, Budget: budget}
}

// Dispatch enqueues the fulfillment chain for orderID. It returns once the chain
// is handed off; progress is visible only through the order status.
func (o *Orchestrator) Dispatch(ctx context.Context, orderID string) error {
	var deadline time.Time
	if o.Budget > 0 {
		now := time.Now()
		if o.Now != nil {
			now = o.Now()
		}
		deadline = now.Add(o.Budget)
	}

	tasks, err := o.Registry.Chain(orderID, deadline, o.Stages...)
	if err != nil {
		return err
	}
	if err := o.Runner.EnqueueChain(ctx, tasks); err != nil {
		return fmt.Errorf("enqueue chain for order %s: %w", orderID, err)
	}
	logging.FromContext(ctx).Info("workflow_dispatched",
		zap.String("order_id", orderID),
		zap.Int("stages", len(tasks)),
		zap.Time("deadline", deadline),
	)
	return nil
}
