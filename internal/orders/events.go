package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	EventOrderCreated     = "OrderCreated"
	EventStockReserved    = "StockReserved"
	EventStockRejected    = "StockRejected"
	EventPaymentCaptured  = "PaymentCaptured"
	EventInvoiceGenerated = "InvoiceGenerated"
	EventOrderShipped     = "OrderShipped"
	EventOrderFailed      = "OrderFailed"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "order-worker"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // biasanya order_id
	Payload       json.RawMessage `json:"payload"`
}

const EnvelopeVersion = 1

// NewEnvelope membungkus payload; correlation id = order_id.
func NewEnvelope(ctx context.Context, producer, eventType, orderID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  EnvelopeVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       raw,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env, nil
}

// DecodeEnvelope parses a message body and rejects envelopes of a newer version.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventVersion > EnvelopeVersion {
		return env, fmt.Errorf("envelope %s: unsupported version %d", env.EventID, env.EventVersion)
	}
	return env, nil
}

// PayloadAs decodes the envelope payload into T.
func PayloadAs[T any](env Envelope) (T, error) {
	var t T
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return t, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return t, nil
}

// ---- Payload tipe per event ----

type OrderCreatedPayload struct {
	OrderID     string `json:"order_id"`
	ProductID   string `json:"product_id"`
	Quantity    int    `json:"quantity"`
	AmountCents int    `json:"amount_cents"`
}

type StockReservedPayload struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Remaining int    `json:"remaining"`
}

type StockRejectedPayload struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

type PaymentCapturedPayload struct {
	OrderID     string `json:"order_id"`
	PaymentRef  string `json:"payment_ref"`
	AmountCents int    `json:"amount_cents"`
}

type InvoiceGeneratedPayload struct {
	InvoiceNumber string    `json:"invoice_number"`
	OrderID       string    `json:"order_id"`
	ProductID     string    `json:"product_id"`
	Quantity      int       `json:"quantity"`
	AmountCents   int       `json:"amount_cents"`
	PaymentRef    string    `json:"payment_ref"`
	IssuedAt      time.Time `json:"issued_at"`
}

type OrderShippedPayload struct {
	OrderID string `json:"order_id"`
}

type OrderFailedPayload struct {
	OrderID       string `json:"order_id"`
	Reason        string `json:"reason"`
	StockReleased int    `json:"stock_released,omitempty"`
}
