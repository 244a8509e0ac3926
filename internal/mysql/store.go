// Package mysql implements orders.Store on MySQL through gorm. Locking reads use
// SELECT ... FOR UPDATE via clause.Locking.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/orders"
	sqlmysql "github.com/go-sql-driver/mysql"
	drv "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type productRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	SKU        string `gorm:"size:64;uniqueIndex"`
	Name       string `gorm:"size:255"`
	Stock      int
	PriceCents int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (productRow) TableName() string { return "products" }

type orderRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	ProductID     string `gorm:"size:64;index"`
	Quantity      int
	AmountCents   int
	Status        string    `gorm:"size:32;index:orders_status_idx,priority:1"`
	PaymentRef    string    `gorm:"size:128"`
	FailureReason string    `gorm:"size:64"`
	CreatedAt     time.Time `gorm:"index:orders_status_idx,priority:2"`
	UpdatedAt     time.Time
}

func (orderRow) TableName() string { return "orders" }

type Store struct{ DB *gorm.DB }

// Open parses dsn with the MySQL driver (forcing parseTime so DATETIME columns
// scan into time.Time) and opens a gorm handle.
func Open(dsn string, maxConns int) (*Store, error) {
	cfg, err := sqlmysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}

	db, err := gorm.Open(drv.Open(cfg.FormatDSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = 8
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return &Store{DB: db}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(&productRow{}, &orderRow{})
}

func (s *Store) UpsertProduct(ctx context.Context, p orders.Product) error {
	row := productRow{ID: p.ID, SKU: p.SKU, Name: p.Name, Stock: p.Stock, PriceCents: p.PriceCents}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		DoUpdates: clause.AssignmentColumns([]string{"sku", "name", "stock", "price_cents", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) BeginAtomic(ctx context.Context) (orders.Tx, error) {
	tx := s.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &txn{db: tx}, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	var row orderRow
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return orders.Order{}, notFound(err, "order", id)
	}
	return row.toOrder(), nil
}

func (s *Store) ListProducts(ctx context.Context) ([]orders.Product, error) {
	var rows []productRow
	if err := s.DB.WithContext(ctx).Order("sku").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]orders.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toProduct())
	}
	return out, nil
}

type txn struct {
	db    *gorm.DB
	hooks orders.Hooks
}

func (t *txn) LockProductForUpdate(ctx context.Context, id string) (orders.Product, error) {
	var row productRow
	err := t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&row).Error
	if err != nil {
		return orders.Product{}, notFound(err, "product", id)
	}
	return row.toProduct(), nil
}

func (t *txn) SaveProduct(ctx context.Context, p orders.Product) error {
	res := t.db.WithContext(ctx).Model(&productRow{}).Where("id = ?", p.ID).
		Updates(map[string]any{"stock": p.Stock, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("product %s: %w", p.ID, orders.ErrNotFound)
	}
	return nil
}

func (t *txn) LoadOrder(ctx context.Context, id string) (orders.Order, error) {
	var row orderRow
	err := t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&row).Error
	if err != nil {
		return orders.Order{}, notFound(err, "order", id)
	}
	return row.toOrder(), nil
}

func (t *txn) SaveOrder(ctx context.Context, o orders.Order) error {
	row := orderRow{
		ID:            o.ID,
		ProductID:     o.ProductID,
		Quantity:      o.Quantity,
		AmountCents:   o.AmountCents,
		Status:        string(o.Status),
		PaymentRef:    o.PaymentRef,
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoUpdates: clause.AssignmentColumns([]string{"status", "payment_ref", "failure_reason", "updated_at"}),
	}).Create(&row).Error
}

func (t *txn) AfterCommit(fn func()) { t.hooks.Add(fn) }

func (t *txn) Commit(_ context.Context) error {
	if err := t.db.Commit().Error; err != nil {
		t.hooks.Reset()
		return err
	}
	t.hooks.Run()
	return nil
}

func (t *txn) Rollback(_ context.Context) error {
	err := t.db.Rollback().Error
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	t.hooks.Reset()
	return err
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, orders.ErrNotFound)
	}
	return err
}

func (r productRow) toProduct() orders.Product {
	return orders.Product{
		ID: r.ID, SKU: r.SKU, Name: r.Name, Stock: r.Stock, PriceCents: r.PriceCents,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (r orderRow) toOrder() orders.Order {
	return orders.Order{
		ID:            r.ID,
		ProductID:     r.ProductID,
		Quantity:      r.Quantity,
		AmountCents:   r.AmountCents,
		Status:        orders.Status(r.Status),
		PaymentRef:    r.PaymentRef,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
