package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Store implements orders.Store on Postgres. Row locks are SELECT ... FOR UPDATE
// inside a pgx transaction.
type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return err
}

// UpsertProduct is used for seeding and by tests.
func (s *Store) UpsertProduct(ctx context.Context, p orders.Product) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO products(id, sku, name, stock, price_cents)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET sku=$2, name=$3, stock=$4, price_cents=$5, updated_at=now()
	`, p.ID, p.SKU, p.Name, p.Stock, p.PriceCents)
	return err
}

func (s *Store) BeginAtomic(ctx context.Context) (orders.Tx, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &txn{tx: tx}, nil
}

const orderColumns = `id, product_id, quantity, amount_cents, status, payment_ref, failure_reason, created_at, updated_at`

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	return scanOrder(row, id)
}

func (s *Store) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT id, sku, name, stock, price_cents, created_at, updated_at
                                FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Product
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Stock, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type txn struct {
	tx    pgx.Tx
	hooks orders.Hooks
}

func (t *txn) LockProductForUpdate(ctx context.Context, id string) (orders.Product, error) {
	var p orders.Product
	err := t.tx.QueryRow(ctx, `
		SELECT id, sku, name, stock, price_cents, created_at, updated_at
		FROM products WHERE id=$1 FOR UPDATE`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.Stock, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, fmt.Errorf("product %s: %w", id, orders.ErrNotFound)
	}
	return p, err
}

func (t *txn) SaveProduct(ctx context.Context, p orders.Product) error {
	ct, err := t.tx.Exec(ctx, `UPDATE products SET stock=$2, updated_at=now() WHERE id=$1`, p.ID, p.Stock)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("product %s: %w", p.ID, orders.ErrNotFound)
	}
	return nil
}

func (t *txn) LoadOrder(ctx context.Context, id string) (orders.Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id)
	return scanOrder(row, id)
}

func (t *txn) SaveOrder(ctx context.Context, o orders.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			payment_ref=EXCLUDED.payment_ref,
			failure_reason=EXCLUDED.failure_reason,
			updated_at=EXCLUDED.updated_at
	`, o.ID, o.ProductID, o.Quantity, o.AmountCents, string(o.Status), o.PaymentRef, o.FailureReason, o.CreatedAt, o.UpdatedAt)
	return err
}

func (t *txn) AfterCommit(fn func()) { t.hooks.Add(fn) }

func (t *txn) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		t.hooks.Reset()
		return err
	}
	t.hooks.Run()
	return nil
}

func (t *txn) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	t.hooks.Reset()
	return err
}

func scanOrder(row pgx.Row, id string) (orders.Order, error) {
	var (
		o      orders.Order
		status string
	)
	err := row.Scan(&o.ID, &o.ProductID, &o.Quantity, &o.AmountCents, &status, &o.PaymentRef, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	if err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.Status(status)
	return o, nil
}
