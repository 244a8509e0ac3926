package payment

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrGatewayTimeout is transient; the charge may be retried.
	ErrGatewayTimeout = errors.New("payment gateway timeout")
	// ErrDeclined is permanent; retrying will not change the answer.
	ErrDeclined = errors.New("payment declined")
)

type ChargeRequest struct {
	OrderID     string
	AmountCents int
	// IdempotencyKey makes a repeated charge return the first receipt.
	IdempotencyKey string
}

type Receipt struct {
	Ref         string
	OrderID     string
	AmountCents int
	ChargedAt   time.Time
}

// Gateway is the external payment collaborator.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Receipt, error)
	// Lookup returns the receipt of an earlier successful charge made with
	// idempotencyKey, if any.
	Lookup(ctx context.Context, idempotencyKey string) (Receipt, bool, error)
}
