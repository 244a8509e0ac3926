package workflow

import (
	"context"
	"sync"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"go.uber.org/zap"
)

// EventPublisher emits domain events produced by the stages.
type EventPublisher = orders.EventPublisher

type NopPublisher struct{}

func (NopPublisher) PublishEvent(context.Context, string, string, any) error { return nil }

// Event is a published event as seen by RecordingPublisher.
type Event struct {
	Type    string
	OrderID string
	Payload any
}

// RecordingPublisher keeps events in memory; used in local mode and tests.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingPublisher) PublishEvent(_ context.Context, eventType, orderID string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, OrderID: orderID, Payload: payload})
	return nil
}

func (r *RecordingPublisher) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of eventType were published for orderID.
func (r *RecordingPublisher) Count(eventType, orderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType && e.OrderID == orderID {
			n++
		}
	}
	return n
}

// LogPublisher writes events to the context logger; used when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) PublishEvent(ctx context.Context, eventType, orderID string, _ any) error {
	logging.FromContext(ctx).Info("domain_event", zap.String("event_type", eventType), zap.String("order_id", orderID))
	return nil
}
