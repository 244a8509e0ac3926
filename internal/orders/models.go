package orders

import (
	"fmt"
	"time"
)

type Product struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Stock      int       `json:"stock"`
	PriceCents int       `json:"price_cents"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Order struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	Quantity      int       `json:"quantity"`
	AmountCents   int       `json:"amount_cents"`
	Status        Status    `json:"status"` // lihat status.go
	PaymentRef    string    `json:"payment_ref,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Failure reasons recorded on FAILED orders.
const (
	ReasonInsufficientStock = "insufficient_stock"
	ReasonPaymentFailed     = "payment_failed"
)

// Transition moves the order to next, refusing edges the state machine does not allow.
func (o *Order) Transition(next Status, at time.Time) error {
	if !CanTransition(o.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = at
	return nil
}

// Fail moves the order to FAILED with a reason.
func (o *Order) Fail(reason string, at time.Time) error {
	if err := o.Transition(StatusFailed, at); err != nil {
		return err
	}
	o.FailureReason = reason
	return nil
}
