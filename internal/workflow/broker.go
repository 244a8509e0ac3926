package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport carries chain messages through a durable queue.
type Transport interface {
	Send(ctx context.Context, msg ChainMessage) error
}

// BrokerRunner is the Runner for Kafka and RabbitMQ. Only stage names travel on
// the wire; the consuming side resolves them through its Registry.
type BrokerRunner struct {
	Transport Transport
	Exec      *Executor
	Registry  Registry
}

func NewBrokerRunner(t Transport, exec *Executor, reg Registry) *BrokerRunner {
	return &BrokerRunner{Transport: t, Exec: exec, Registry: reg}
}

func (b *BrokerRunner) EnqueueChain(ctx context.Context, tasks []StageTask) error {
	if len(tasks) == 0 {
		return nil
	}
	msg := ChainMessage{
		ChainID:  uuid.NewString(),
		OrderID:  tasks[0].OrderID,
		Stages:   make([]Stage, 0, len(tasks)),
		Deadline: tasks[0].Deadline,
	}
	for _, t := range tasks {
		msg.Stages = append(msg.Stages, t.Stage)
	}
	return b.Transport.Send(ctx, msg)
}

// Handle runs one attempt of the message's current stage. Success forwards the
// chain; a transient failure is sent back with NotBefore set so the consumer
// is free for other orders during the backoff. A nil return means the message
// may be acknowledged; an error asks the transport to keep it for redelivery.
func (b *BrokerRunner) Handle(ctx context.Context, msg ChainMessage) error {
	log := logging.FromContext(ctx).With(zap.String("chain_id", msg.ChainID), zap.String("order_id", msg.OrderID))

	st, ok := msg.Current()
	if !ok {
		log.Error("chain_message_out_of_range", zap.Int("index", msg.Index), zap.Int("stages", len(msg.Stages)))
		return nil
	}
	t, ok := b.Registry[st]
	if !ok {
		t = StageTask{Stage: st, OrderID: msg.OrderID}
		b.Exec.deadLetter(ctx, msg.ChainID, t, 0, ReasonUnknownStage, fmt.Errorf("stage %q not registered", st))
		return nil
	}
	t.Stage = st
	t.OrderID = msg.OrderID
	t.Deadline = msg.Deadline

	// transport yang tidak punya delayed delivery mengirim pesan retry lebih awal
	if wait := msg.NotBefore.Sub(b.Exec.now()); wait > 0 {
		if err := b.Exec.sleep(ctx, wait); err != nil {
			return err
		}
	}

	attempt := max(msg.Attempt, 1)
	next, res, delay := b.Exec.Step(ctx, msg.ChainID, t, attempt)
	switch res {
	case ResultDone:
		if msg.Index+1 >= len(msg.Stages) {
			log.Info("chain_completed")
			return nil
		}
		fwd := msg
		fwd.Index++
		fwd.OrderID = next
		fwd.Attempt = 0
		fwd.NotBefore = time.Time{}
		if err := b.Transport.Send(ctx, fwd); err != nil {
			return fmt.Errorf("forward chain to %s: %w", fwd.Stages[fwd.Index], err)
		}
		return nil
	case ResultRetry:
		retry := msg
		retry.Attempt = attempt + 1
		retry.NotBefore = b.Exec.now().Add(delay).UTC()
		if err := b.Transport.Send(ctx, retry); err != nil {
			return fmt.Errorf("schedule retry of %s: %w", st, err)
		}
		return nil
	case ResultAborted:
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("workflow: stage aborted")
	default:
		return nil
	}
}
