package payment

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Simulator stands in for a real provider. It times out with TimeoutRate and
// declines with DeclineRate; otherwise it succeeds. Receipts are remembered per
// idempotency key so a retried or duplicated charge is never billed twice.
type Simulator struct {
	mu          sync.Mutex
	random      *rand.Rand
	timeoutRate float64
	declineRate float64
	latency     time.Duration

	receipts map[string]Receipt
	charges  int
}

type SimulatorOption func(*Simulator)

func WithTimeoutRate(r float64) SimulatorOption   { return func(s *Simulator) { s.timeoutRate = r } }
func WithDeclineRate(r float64) SimulatorOption   { return func(s *Simulator) { s.declineRate = r } }
func WithLatency(d time.Duration) SimulatorOption { return func(s *Simulator) { s.latency = d } }
func WithSeed(seed int64) SimulatorOption         { return func(s *Simulator) { s.random = rand.New(rand.NewSource(seed)) } }

// NewSimulator defaults: 30% timeouts, no declines, no latency.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		random:      rand.New(rand.NewSource(time.Now().UnixNano())),
		timeoutRate: 0.3,
		receipts:    map[string]Receipt{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if req.OrderID == "" {
		return Receipt{}, errors.New("payment: order id is required")
	}
	if req.AmountCents < 0 {
		return Receipt{}, errors.New("payment: amount must be zero or greater")
	}

	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.receipts[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return r, nil
	}

	roll := s.random.Float64()
	switch {
	case roll < s.timeoutRate:
		logging.FromContext(ctx).Warn("payment_gateway_timeout", zap.String("order_id", req.OrderID))
		return Receipt{}, ErrGatewayTimeout
	case roll < s.timeoutRate+s.declineRate:
		return Receipt{}, ErrDeclined
	}

	r := Receipt{
		Ref:         "pay_" + uuid.NewString(),
		OrderID:     req.OrderID,
		AmountCents: req.AmountCents,
		ChargedAt:   time.Now().UTC(),
	}
	if req.IdempotencyKey != "" {
		s.receipts[req.IdempotencyKey] = r
	}
	s.charges++
	return r, nil
}

func (s *Simulator) Lookup(_ context.Context, idempotencyKey string) (Receipt, bool, error) {
	if idempotencyKey == "" {
		return Receipt{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[idempotencyKey]
	return r, ok, nil
}

// Charges reports how many distinct successful charges were made.
func (s *Simulator) Charges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.charges
}
