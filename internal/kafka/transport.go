package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/ariefcatur/order-fulfillment/internal/workflow"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventChainStep is the envelope type of a chain position on the tasks topic.
const EventChainStep = "WorkflowChainStep"

// Transport sends chain messages to the tasks topic, keyed by order id. Retries
// that are not yet due go to the retry topic so they never queue in front of
// fresh work.
type Transport struct {
	P        *Producer
	Retry    *Producer
	Producer string
}

func NewTransport(p, retry *Producer, producer string) *Transport {
	return &Transport{P: p, Retry: retry, Producer: producer}
}

func (t *Transport) Send(ctx context.Context, msg workflow.ChainMessage) error {
	env, err := orders.NewEnvelope(ctx, t.Producer, EventChainStep, msg.OrderID, msg)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	p := t.P
	if t.Retry != nil && msg.NotBefore.After(time.Now()) {
		p = t.Retry
	}
	if err := p.Write(ctx, orders.PartitionKey(msg.OrderID), b); err != nil {
		return fmt.Errorf("kafka send chain %s: %w", msg.ChainID, err)
	}
	return nil
}

// ChainHandler decodes chain steps for the consumer. Messages that cannot be
// decoded are logged and committed; redelivering them would never succeed.
func ChainHandler(r *workflow.BrokerRunner) Handler {
	return func(ctx context.Context, m kafka.Message) error {
		log := logging.FromContext(ctx)
		env, err := orders.DecodeEnvelope(m.Value)
		if err != nil {
			log.Error("chain_envelope_invalid", zap.Int64("offset", m.Offset), zap.Error(err))
			return nil
		}
		if env.EventType != EventChainStep {
			log.Warn("chain_envelope_unexpected_type", zap.String("event_type", env.EventType))
			return nil
		}
		msg, err := orders.PayloadAs[workflow.ChainMessage](env)
		if err != nil {
			log.Error("chain_payload_invalid", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}
		return r.Handle(ctx, msg)
	}
}

// DeadLetters writes dead letters synchronously to the DLQ topic.
type DeadLetters struct {
	P *Producer
}

func (d DeadLetters) DeadLetter(ctx context.Context, dl workflow.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return d.P.Write(ctx, orders.PartitionKey(dl.OrderID), b)
}

// Events publishes domain events in an Envelope on the events topic.
type Events struct {
	P        *Producer
	Producer string
}

func (e Events) PublishEvent(ctx context.Context, eventType, orderID string, payload any) error {
	env, err := orders.NewEnvelope(ctx, e.Producer, eventType, orderID, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.P.Publish(ctx, orders.PartitionKey(orderID), b)
}
