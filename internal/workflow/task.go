package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Stage string

const (
	StageReserveStock    Stage = "reserve_stock"
	StageChargePayment   Stage = "charge_payment"
	StageGenerateInvoice Stage = "generate_invoice"
	StageNotifyShipping  Stage = "notify_shipping"
)

// DefaultChain is the fulfillment order of stages.
var DefaultChain = []Stage{StageReserveStock, StageChargePayment, StageGenerateInvoice, StageNotifyShipping}

// StageFunc consumes an order id and returns the order id handed to the next stage.
type StageFunc func(ctx context.Context, orderID string) (string, error)

// StageTask is one schedulable unit of a chain.
type StageTask struct {
	Stage Stage
	Run   StageFunc
	// Compensate, when set, runs once if the task dead-letters.
	Compensate func(ctx context.Context, orderID string) error
	OrderID    string
	Retry      RetryPolicy
	// Deadline is the chain budget; zero means unbounded.
	Deadline time.Time
}

// Runner executes chains asynchronously. EnqueueChain only hands the chain off;
// it reports enqueue failures, never stage results.
type Runner interface {
	EnqueueChain(ctx context.Context, tasks []StageTask) error
}

// ErrHalt stops a chain cleanly: the stage recorded a business outcome (for
// example FAILED on insufficient stock) and nothing should follow it.
var ErrHalt = errors.New("workflow: chain halted")

// ErrCompensationSkipped is returned by a compensation that found nothing to
// undo safely, e.g. the payment was captured after all.
var ErrCompensationSkipped = errors.New("workflow: compensation skipped")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The task dead-letters immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Registry holds task templates by stage; OrderID and Deadline are filled per chain.
type Registry map[Stage]StageTask

// Chain builds the tasks for orderID in the given stage order.
func (r Registry) Chain(orderID string, deadline time.Time, stages ...Stage) ([]StageTask, error) {
	if len(stages) == 0 {
		stages = DefaultChain
	}
	out := make([]StageTask, 0, len(stages))
	for _, st := range stages {
		t, ok := r[st]
		if !ok {
			return nil, fmt.Errorf("workflow: stage %q not registered", st)
		}
		t.Stage = st
		t.OrderID = orderID
		t.Deadline = deadline
		out = append(out, t)
	}
	return out, nil
}

// ChainMessage is the wire form of a chain position for broker-backed runners.
type ChainMessage struct {
	ChainID  string    `json:"chain_id"`
	OrderID  string    `json:"order_id"`
	Stages   []Stage   `json:"stages"`
	Index    int       `json:"index"`
	Deadline time.Time `json:"deadline,omitempty"`
	// Attempt of the current stage, 1-based; zero reads as the first attempt.
	Attempt int `json:"attempt,omitempty"`
	// NotBefore delays a retried attempt.
	NotBefore time.Time `json:"not_before,omitempty"`
}

func (m ChainMessage) Current() (Stage, bool) {
	if m.Index < 0 || m.Index >= len(m.Stages) {
		return "", false
	}
	return m.Stages[m.Index], true
}

// IdempotencyKey identifies one stage of one order.
func IdempotencyKey(orderID string, st Stage) string {
	return orderID + ":" + string(st)
}
