package workflow

import (
	"context"
	"sync"
	"time"
)

// Dead-letter reasons.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonPermanent        = "permanent_error"
	ReasonDeadline         = "deadline_exceeded"
	ReasonUnknownStage     = "unknown_stage"
)

// DeadLetter describes a task that will not be attempted again without an operator.
type DeadLetter struct {
	ChainID     string    `json:"chain_id"`
	OrderID     string    `json:"order_id"`
	Stage       Stage     `json:"stage"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason"`
	Error       string    `json:"error,omitempty"`
	Compensated bool      `json:"compensated"`
	At          time.Time `json:"at"`
}

type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// MemoryDeadLetters keeps dead letters in process.
type MemoryDeadLetters struct {
	mu    sync.Mutex
	items []DeadLetter
}

func (m *MemoryDeadLetters) DeadLetter(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, dl)
	return nil
}

func (m *MemoryDeadLetters) Items() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.items...)
}
