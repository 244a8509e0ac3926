package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/ariefcatur/order-fulfillment/internal/tracing"
	"github.com/ariefcatur/order-fulfillment/internal/workflow"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	Exchange = "order.workflow"

	RoutingChainStep  = "chain.step"
	RoutingChainRetry = "chain.retry."
	RoutingDeadLetter = "chain.dead"
	RoutingEvent      = "event."

	QueueTasks      = orders.TopicWorkflowTasks
	QueueDeadLetter = orders.TopicDeadLetter
	QueueEvents     = orders.TopicOrderEvents
)

// retryTiers bound the per-message TTL of each delay queue. A message expires
// out of its tier queue back onto chain.step; grouping by tier keeps a long
// backoff from holding shorter ones behind it.
var retryTiers = []time.Duration{time.Second, 10 * time.Second, time.Minute, 10 * time.Minute, time.Hour}

func tierName(d time.Duration) string { return strconv.FormatInt(int64(d/time.Second), 10) + "s" }

// retryTier picks the smallest tier that fits d.
func retryTier(d time.Duration) time.Duration {
	for _, t := range retryTiers {
		if d <= t {
			return t
		}
	}
	return retryTiers[len(retryTiers)-1]
}

// Declare sets up the exchange, queues and bindings once at startup.
func Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	bindings := []struct{ queue, key string }{
		{QueueTasks, RoutingChainStep},
		{QueueDeadLetter, RoutingDeadLetter},
		{QueueEvents, RoutingEvent + "#"},
	}
	for _, b := range bindings {
		q, err := ch.QueueDeclare(b.queue, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(q.Name, b.key, Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", b.queue, err)
		}
	}
	for _, tier := range retryTiers {
		name := orders.TopicWorkflowRetry + "." + tierName(tier)
		args := amqp.Table{
			"x-dead-letter-exchange":    Exchange,
			"x-dead-letter-routing-key": RoutingChainStep,
		}
		q, err := ch.QueueDeclare(name, true, false, false, false, args)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(q.Name, RoutingChainRetry+tierName(tier), Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

// Publisher publishes persistent JSON messages and waits for the broker
// confirm when the channel is in confirm mode.
type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(ch *amqp.Channel, confirm bool) (*Publisher, error) {
	if confirm {
		if err := ch.Confirm(false); err != nil {
			return nil, fmt.Errorf("enable confirm mode: %w", err)
		}
	}
	return &Publisher{ch: ch}, nil
}

func (p *Publisher) Publish(ctx context.Context, routingKey, correlationID string, v any) error {
	return p.publish(ctx, routingKey, correlationID, v, 0)
}

// PublishDelayed sets a per-message TTL; routingKey must lead to a queue that
// dead-letters expired messages to their real destination.
func (p *Publisher) PublishDelayed(ctx context.Context, routingKey, correlationID string, v any, delay time.Duration) error {
	return p.publish(ctx, routingKey, correlationID, v, delay)
}

func (p *Publisher) publish(ctx context.Context, routingKey, correlationID string, v any, delay time.Duration) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	headers := amqp.Table{}
	for k, val := range tracing.InjectMap(ctx) {
		headers[k] = val
	}
	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: correlationID,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          body,
	}
	if delay > 0 {
		pub.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, Exchange, routingKey, false, false, pub)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	if conf == nil {
		return nil
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", routingKey, err)
	}
	if !ok {
		return fmt.Errorf("publish %s: nacked by broker", routingKey)
	}
	return nil
}

// Transport sends chain messages to the tasks queue. Retries that are not yet
// due park in a delay queue first.
type Transport struct{ P *Publisher }

func (t Transport) Send(ctx context.Context, msg workflow.ChainMessage) error {
	if wait := time.Until(msg.NotBefore); wait > 0 {
		return t.P.PublishDelayed(ctx, RoutingChainRetry+tierName(retryTier(wait)), msg.OrderID, msg, wait)
	}
	return t.P.Publish(ctx, RoutingChainStep, msg.OrderID, msg)
}

type DeadLetters struct{ P *Publisher }

func (d DeadLetters) DeadLetter(ctx context.Context, dl workflow.DeadLetter) error {
	return d.P.Publish(ctx, RoutingDeadLetter, dl.OrderID, dl)
}

// Events publishes domain envelopes with routing key event.<type>.
type Events struct {
	P        *Publisher
	Producer string
}

func (e Events) PublishEvent(ctx context.Context, eventType, orderID string, payload any) error {
	env, err := orders.NewEnvelope(ctx, e.Producer, eventType, orderID, payload)
	if err != nil {
		return err
	}
	return e.P.Publish(ctx, RoutingEvent+eventType, orderID, env)
}

// ChainHandler routes task deliveries into the broker runner.
func ChainHandler(r *workflow.BrokerRunner) Handler {
	return JSONHandler[workflow.ChainMessage]{HandleFunc: r.Handle}
}
