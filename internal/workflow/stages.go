package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/ariefcatur/order-fulfillment/internal/payment"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Stages holds the four fulfillment stages. Each stage reads the order fresh
// from the store and treats its status as the only checkpoint, so re-running a
// stage that already committed is a no-op.
type Stages struct {
	Store   orders.Store
	Gateway payment.Gateway
	Events  EventPublisher
	Now     func() time.Time
}

func NewStages(store orders.Store, gw payment.Gateway, events EventPublisher) *Stages {
	if events == nil {
		events = NopPublisher{}
	}
	return &Stages{Store: store, Gateway: gw, Events: events}
}

func (s *Stages) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Registry wires the stages with their retry policies. Under CompensateRelease
// the payment stage releases the reservation when it dead-letters.
func (s *Stages) Registry(p Policies) Registry {
	charge := StageTask{Run: s.ChargePayment, Retry: p.Charge}
	if p.Compensation != CompensateKeep {
		charge.Compensate = s.ReleaseStock
	}
	return Registry{
		StageReserveStock:    {Run: s.ReserveStock, Retry: p.Reserve},
		StageChargePayment:   charge,
		StageGenerateInvoice: {Run: s.GenerateInvoice, Retry: p.Invoice},
		StageNotifyShipping:  {Run: s.NotifyShipping, Retry: p.Ship},
	}
}

// ReserveStock decrements stock for a PENDING order, or fails the order when
// stock is short. Order and product rows are locked in that order for the
// whole unit of work.
func (s *Stages) ReserveStock(ctx context.Context, orderID string) (string, error) {
	tx, err := s.Store.BeginAtomic(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := tx.LoadOrder(ctx, orderID)
	if err != nil {
		return "", classify(err)
	}
	switch o.Status {
	case orders.StatusPending:
	case orders.StatusFailed:
		return "", fmt.Errorf("%w: order %s already failed", ErrHalt, o.ID)
	default:
		// sudah di-reserve sebelumnya
		return o.ID, nil
	}

	p, err := tx.LockProductForUpdate(ctx, o.ProductID)
	if err != nil {
		return "", classify(err)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("product.id", p.ID),
		attribute.Int("product.stock", p.Stock),
		attribute.Int("order.quantity", o.Quantity),
	)

	now := s.now()
	if p.Stock < o.Quantity {
		if err := o.Fail(orders.ReasonInsufficientStock, now); err != nil {
			return "", Permanent(err)
		}
		if err := tx.SaveOrder(ctx, o); err != nil {
			return "", err
		}
		rejected := orders.StockRejectedPayload{OrderID: o.ID, ProductID: p.ID, Required: o.Quantity, Available: p.Stock}
		tx.AfterCommit(func() { s.publish(ctx, orders.EventStockRejected, o.ID, rejected) })
		if err := tx.Commit(ctx); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: insufficient stock for order %s", ErrHalt, o.ID)
	}

	p.Stock -= o.Quantity
	p.UpdatedAt = now
	if err := tx.SaveProduct(ctx, p); err != nil {
		return "", err
	}
	if err := o.Transition(orders.StatusStockReserved, now); err != nil {
		return "", Permanent(err)
	}
	if err := tx.SaveOrder(ctx, o); err != nil {
		return "", err
	}
	reserved := orders.StockReservedPayload{OrderID: o.ID, ProductID: p.ID, Quantity: o.Quantity, Remaining: p.Stock}
	tx.AfterCommit(func() { s.publish(ctx, orders.EventStockReserved, o.ID, reserved) })
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return o.ID, nil
}

// ChargePayment charges a STOCK_RESERVED order. Gateway timeouts are returned
// as-is so the runner retries them; declines are permanent.
func (s *Stages) ChargePayment(ctx context.Context, orderID string) (string, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return "", classify(err)
	}
	switch o.Status {
	case orders.StatusStockReserved:
	case orders.StatusPaid, orders.StatusShipped:
		return o.ID, nil
	case orders.StatusFailed:
		return "", fmt.Errorf("%w: order %s already failed", ErrHalt, o.ID)
	default:
		return "", Permanent(fmt.Errorf("order %s is %s, stock not reserved", o.ID, o.Status))
	}

	receipt, err := s.Gateway.Charge(ctx, payment.ChargeRequest{
		OrderID:        o.ID,
		AmountCents:    o.AmountCents,
		IdempotencyKey: IdempotencyKey(o.ID, StageChargePayment),
	})
	if errors.Is(err, payment.ErrDeclined) {
		return "", Permanent(err)
	}
	if err != nil {
		return "", err
	}

	return s.recordCapture(ctx, o.ID, receipt)
}

// captureWriteTimeout bounds the PAID write once the gateway accepted a charge.
const captureWriteTimeout = 10 * time.Second

// recordCapture moves a STOCK_RESERVED order to PAID for a charge the gateway
// already accepted. It runs detached from ctx so a chain deadline or shutdown
// cannot leave a captured payment unrecorded.
func (s *Stages) recordCapture(ctx context.Context, orderID string, receipt payment.Receipt) (string, error) {
	pctx := context.WithoutCancel(ctx)
	wctx, cancel := context.WithTimeout(pctx, captureWriteTimeout)
	defer cancel()

	tx, err := s.Store.BeginAtomic(wctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(wctx) }()

	o, err := tx.LoadOrder(wctx, orderID)
	if err != nil {
		return "", classify(err)
	}
	switch o.Status {
	case orders.StatusStockReserved:
	case orders.StatusPaid, orders.StatusShipped:
		return o.ID, nil
	default:
		return "", Permanent(fmt.Errorf("order %s charged (%s) but is now %s", o.ID, receipt.Ref, o.Status))
	}
	if err := o.Transition(orders.StatusPaid, s.now()); err != nil {
		return "", Permanent(err)
	}
	o.PaymentRef = receipt.Ref
	if err := tx.SaveOrder(wctx, o); err != nil {
		return "", err
	}
	captured := orders.PaymentCapturedPayload{OrderID: o.ID, PaymentRef: receipt.Ref, AmountCents: receipt.AmountCents}
	tx.AfterCommit(func() { s.publish(pctx, orders.EventPaymentCaptured, o.ID, captured) })
	if err := tx.Commit(wctx); err != nil {
		return "", err
	}
	return o.ID, nil
}

// GenerateInvoice emits the invoice for a PAID order. It does not change status.
func (s *Stages) GenerateInvoice(ctx context.Context, orderID string) (string, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return "", classify(err)
	}
	switch o.Status {
	case orders.StatusPaid:
	case orders.StatusShipped:
		return o.ID, nil
	case orders.StatusFailed:
		return "", fmt.Errorf("%w: order %s already failed", ErrHalt, o.ID)
	default:
		return "", Permanent(fmt.Errorf("order %s is %s, not paid", o.ID, o.Status))
	}

	inv := orders.InvoiceGeneratedPayload{
		InvoiceNumber: "INV-" + o.ID,
		OrderID:       o.ID,
		ProductID:     o.ProductID,
		Quantity:      o.Quantity,
		AmountCents:   o.AmountCents,
		PaymentRef:    o.PaymentRef,
		IssuedAt:      s.now(),
	}
	if err := s.Events.PublishEvent(ctx, orders.EventInvoiceGenerated, o.ID, inv); err != nil {
		return "", fmt.Errorf("emit invoice: %w", err)
	}
	logging.FromContext(ctx).Info("invoice_generated",
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.Int("amount_cents", inv.AmountCents),
	)
	return o.ID, nil
}

// NotifyShipping moves a PAID order to SHIPPED.
func (s *Stages) NotifyShipping(ctx context.Context, orderID string) (string, error) {
	tx, err := s.Store.BeginAtomic(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := tx.LoadOrder(ctx, orderID)
	if err != nil {
		return "", classify(err)
	}
	switch o.Status {
	case orders.StatusPaid:
	case orders.StatusShipped:
		return o.ID, nil
	case orders.StatusFailed:
		return "", fmt.Errorf("%w: order %s already failed", ErrHalt, o.ID)
	default:
		return "", Permanent(fmt.Errorf("order %s is %s, not paid", o.ID, o.Status))
	}
	if err := o.Transition(orders.StatusShipped, s.now()); err != nil {
		return "", Permanent(err)
	}
	if err := tx.SaveOrder(ctx, o); err != nil {
		return "", err
	}
	tx.AfterCommit(func() { s.publish(ctx, orders.EventOrderShipped, o.ID, orders.OrderShippedPayload{OrderID: o.ID}) })
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return o.ID, nil
}

// ReleaseStock undoes a reservation whose payment never succeeded: stock goes
// back to the product and the order becomes FAILED. Orders not in
// STOCK_RESERVED are left alone. When the gateway holds a receipt for the
// order the charge did go through; the order is marked PAID instead and
// ErrCompensationSkipped is returned.
func (s *Stages) ReleaseStock(ctx context.Context, orderID string) error {
	receipt, captured, err := s.Gateway.Lookup(ctx, IdempotencyKey(orderID, StageChargePayment))
	if err != nil {
		return fmt.Errorf("lookup charge for order %s: %w", orderID, err)
	}
	if captured {
		if _, err := s.recordCapture(ctx, orderID, receipt); err != nil {
			return fmt.Errorf("record capture %s: %w", receipt.Ref, err)
		}
		logging.FromContext(ctx).Warn("stock_kept_payment_captured", zap.String("payment_ref", receipt.Ref))
		return fmt.Errorf("%w: order %s was charged (%s)", ErrCompensationSkipped, orderID, receipt.Ref)
	}

	tx, err := s.Store.BeginAtomic(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := tx.LoadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != orders.StatusStockReserved {
		return nil
	}
	p, err := tx.LockProductForUpdate(ctx, o.ProductID)
	if err != nil {
		return err
	}

	now := s.now()
	p.Stock += o.Quantity
	p.UpdatedAt = now
	if err := tx.SaveProduct(ctx, p); err != nil {
		return err
	}
	if err := o.Fail(orders.ReasonPaymentFailed, now); err != nil {
		return err
	}
	if err := tx.SaveOrder(ctx, o); err != nil {
		return err
	}
	failed := orders.OrderFailedPayload{OrderID: o.ID, Reason: orders.ReasonPaymentFailed, StockReleased: o.Quantity}
	tx.AfterCommit(func() { s.publish(ctx, orders.EventOrderFailed, o.ID, failed) })
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	logging.FromContext(ctx).Warn("stock_released",
		zap.String("product_id", p.ID),
		zap.Int("quantity", o.Quantity),
	)
	return nil
}

// publish is best effort: the status change is already committed.
func (s *Stages) publish(ctx context.Context, eventType, orderID string, payload any) {
	if err := s.Events.PublishEvent(ctx, eventType, orderID, payload); err != nil {
		logging.FromContext(ctx).Warn("event_publish_failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

func classify(err error) error {
	if errors.Is(err, orders.ErrNotFound) {
		return Permanent(err)
	}
	return err
}
