// Package memstore is an in-process orders.Store. Row locks are per-id
// channels so lock waits honour context cancellation; writes are staged in the
// tx and applied on Commit.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ariefcatur/order-fulfillment/internal/orders"
)

var ErrTxDone = errors.New("memstore: tx already finished")

type Store struct {
	mu       sync.RWMutex
	products map[string]orders.Product
	orders   map[string]orders.Order

	lockMu sync.Mutex
	locks  map[string]*rowLock
}

// rowLock is dropped from Store.locks once no tx holds or waits for it.
type rowLock struct {
	ch   chan struct{}
	refs int
}

func New() *Store {
	return &Store{
		products: map[string]orders.Product{},
		orders:   map[string]orders.Order{},
		locks:    map[string]*rowLock{},
	}
}

// PutProduct seeds or replaces a product outside any transaction.
func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// Product returns the committed state of a product.
func (s *Store) Product(id string) (orders.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	return p, ok
}

func (s *Store) GetOrder(_ context.Context, id string) (orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	return o, nil
}

func (s *Store) ListProducts(_ context.Context) ([]orders.Product, error) {
	s.mu.RLock()
	out := make([]orders.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) BeginAtomic(_ context.Context) (orders.Tx, error) {
	return &tx{
		s:        s,
		held:     map[string]bool{},
		products: map[string]orders.Product{},
		orders:   map[string]orders.Order{},
	}, nil
}

func (s *Store) ref(key string) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &rowLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	return l.ch
}

func (s *Store) unref(key string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		return
	}
	if l.refs--; l.refs <= 0 {
		delete(s.locks, key)
	}
}

func (s *Store) lockCount() int {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return len(s.locks)
}

type tx struct {
	s    *Store
	done bool
	held map[string]bool

	products map[string]orders.Product
	orders   map[string]orders.Order
	hooks    orders.Hooks
}

func (t *tx) acquire(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	ch := t.s.ref(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = true
		return nil
	case <-ctx.Done():
		t.s.unref(key)
		return ctx.Err()
	}
}

func (t *tx) release() {
	for key := range t.held {
		t.s.lockMu.Lock()
		ch := t.s.locks[key].ch
		t.s.lockMu.Unlock()
		<-ch
		t.s.unref(key)
	}
	t.held = map[string]bool{}
}

func (t *tx) LockProductForUpdate(ctx context.Context, id string) (orders.Product, error) {
	if t.done {
		return orders.Product{}, ErrTxDone
	}
	if p, ok := t.products[id]; ok {
		return p, nil
	}
	if err := t.acquire(ctx, "product:"+id); err != nil {
		return orders.Product{}, err
	}
	p, ok := t.s.Product(id)
	if !ok {
		return orders.Product{}, fmt.Errorf("product %s: %w", id, orders.ErrNotFound)
	}
	return p, nil
}

func (t *tx) SaveProduct(_ context.Context, p orders.Product) error {
	if t.done {
		return ErrTxDone
	}
	if !t.held["product:"+p.ID] {
		return fmt.Errorf("memstore: product %s saved without lock", p.ID)
	}
	if p.Stock < 0 {
		return fmt.Errorf("memstore: product %s stock would be %d", p.ID, p.Stock)
	}
	t.products[p.ID] = p
	return nil
}

func (t *tx) LoadOrder(ctx context.Context, id string) (orders.Order, error) {
	if t.done {
		return orders.Order{}, ErrTxDone
	}
	if o, ok := t.orders[id]; ok {
		return o, nil
	}
	if err := t.acquire(ctx, "order:"+id); err != nil {
		return orders.Order{}, err
	}
	return t.s.GetOrder(ctx, id)
}

func (t *tx) SaveOrder(_ context.Context, o orders.Order) error {
	if t.done {
		return ErrTxDone
	}
	t.orders[o.ID] = o
	return nil
}

func (t *tx) AfterCommit(fn func()) { t.hooks.Add(fn) }

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.s.mu.Lock()
	for id, p := range t.products {
		t.s.products[id] = p
	}
	for id, o := range t.orders {
		t.s.orders[id] = o
	}
	t.s.mu.Unlock()

	t.done = true
	t.release()
	t.hooks.Run()
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.release()
	t.hooks.Reset()
	return nil
}
