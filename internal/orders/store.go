package orders

import "context"

// Store is the inventory and order storage used by intake and by the workflow stages.
// Implementations: postgres (pgx), mysql (gorm), memstore.
type Store interface {
	BeginAtomic(ctx context.Context) (Tx, error)

	GetOrder(ctx context.Context, id string) (Order, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

// Tx is a single atomic unit of work. Row locks taken through it are held until
// Commit or Rollback. Rollback after Commit is a no-op, so callers can always
// `defer tx.Rollback(ctx)`.
type Tx interface {
	LockProductForUpdate(ctx context.Context, id string) (Product, error)
	SaveProduct(ctx context.Context, p Product) error

	// LoadOrder reads the order and holds its row lock until the tx ends.
	LoadOrder(ctx context.Context, id string) (Order, error)
	// SaveOrder inserts or updates the order.
	SaveOrder(ctx context.Context, o Order) error

	// AfterCommit registers fn to run once the tx has committed. Hooks are
	// dropped on rollback or on a failed commit.
	AfterCommit(fn func())

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Hooks collects post-commit callbacks for Tx implementations.
type Hooks struct{ fns []func() }

func (h *Hooks) Add(fn func()) { h.fns = append(h.fns, fn) }

// Run executes the registered hooks in order and clears them.
func (h *Hooks) Run() {
	fns := h.fns
	h.fns = nil
	for _, fn := range fns {
		fn()
	}
}

func (h *Hooks) Reset() { h.fns = nil }
