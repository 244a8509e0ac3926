package workflow

import (
	"context"
	"sync"
)

// Ledger remembers which stages already completed so a redelivered task is
// skipped instead of re-run.
type Ledger interface {
	Done(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

type MemoryLedger struct {
	mu   sync.Mutex
	done map[string]bool
}

func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{done: map[string]bool{}} }

func (l *MemoryLedger) Done(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done[key], nil
}

func (l *MemoryLedger) Mark(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done[key] = true
	return nil
}
