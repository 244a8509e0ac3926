package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/ariefcatur/order-fulfillment/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Dispatcher starts the fulfillment workflow for a committed order.
type Dispatcher interface {
	Dispatch(ctx context.Context, orderID string) error
}

// EventPublisher emits domain events after the state they describe is committed.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType, orderID string, payload any) error
}

// Service is the order intake entry point.
type Service struct {
	Store      Store
	Dispatcher Dispatcher
	// Events is optional.
	Events EventPublisher

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

func NewService(store Store, d Dispatcher) *Service {
	return &Service{
		Store:      store,
		Dispatcher: d,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      uuid.NewString,
	}
}

// CreateOrder validates the request, records a PENDING order and, only after the
// transaction commits, hands the order to the workflow. The stock check here is
// advisory: it serializes against reservations through the product lock but does
// not decrement anything.
func (s *Service) CreateOrder(ctx context.Context, productID string, quantity int) (Order, error) {
	ctx, span := otel.Tracer("orders").Start(ctx, "orders.CreateOrder")
	defer span.End()
	span.SetAttributes(attribute.String("product.id", productID), attribute.Int("order.quantity", quantity))

	o, err := s.createOrder(ctx, productID, quantity)
	metrics.OrdersCreated.WithLabelValues(intakeOutcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create order failed")
		return Order{}, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID))
	return o, nil
}

func (s *Service) createOrder(ctx context.Context, productID string, quantity int) (Order, error) {
	if quantity <= 0 {
		return Order{}, ErrInvalidQuantity
	}
	if productID == "" {
		return Order{}, fmt.Errorf("product id: %w", ErrNotFound)
	}

	tx, err := s.Store.BeginAtomic(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := tx.LockProductForUpdate(ctx, productID)
	if err != nil {
		return Order{}, fmt.Errorf("product %s: %w", productID, err)
	}
	if p.Stock < quantity {
		return Order{}, fmt.Errorf("product %s has %d, want %d: %w", productID, p.Stock, quantity, ErrInsufficientStock)
	}

	now := s.Now()
	o := Order{
		ID:          s.NewID(),
		ProductID:   p.ID,
		Quantity:    quantity,
		AmountCents: p.PriceCents * quantity,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.SaveOrder(ctx, o); err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}

	// Dispatch hanya setelah commit: worker tidak boleh melihat order yang belum visible.
	dispatchCtx := context.WithoutCancel(ctx)
	tx.AfterCommit(func() {
		if s.Events != nil {
			created := OrderCreatedPayload{OrderID: o.ID, ProductID: o.ProductID, Quantity: o.Quantity, AmountCents: o.AmountCents}
			if err := s.Events.PublishEvent(dispatchCtx, EventOrderCreated, o.ID, created); err != nil {
				logging.FromContext(dispatchCtx).Warn("event_publish_failed",
					zap.String("event_type", EventOrderCreated), zap.Error(err))
			}
		}
		if s.Dispatcher == nil {
			return
		}
		if err := s.Dispatcher.Dispatch(dispatchCtx, o.ID); err != nil {
			logging.FromContext(dispatchCtx).Error("order_dispatch_failed",
				zap.String("order_id", o.ID), zap.Error(err))
		}
	})

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("commit: %w", err)
	}

	logging.FromContext(ctx).Info("order_created",
		zap.String("order_id", o.ID),
		zap.String("product_id", o.ProductID),
		zap.Int("quantity", o.Quantity),
	)
	return o, nil
}

func intakeOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrNotFound), errors.Is(err, ErrInsufficientStock):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}
