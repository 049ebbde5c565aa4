package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	pgCheckViolation = "23514"
)

// PriceLookup читает и пишет цены товаров в таблице products.
type PriceLookup struct {
	db *sql.DB
}

var (
	_ domain.PriceLookup   = (*PriceLookup)(nil)
	_ domain.CatalogWriter = (*PriceLookup)(nil)
)

// NewPriceLookup создаёт PostgreSQL-реализацию каталога цен.
func NewPriceLookup(store *Store) *PriceLookup {
	return &PriceLookup{db: store.DB()}
}

// FindProductPricing возвращает цены товара. NULL в колонке цены означает, что цена не задана.
func (l *PriceLookup) FindProductPricing(ctx context.Context, productRef string) (domain.ProductPricing, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var pricing domain.ProductPricing
	err := l.db.QueryRowContext(ctx, `
		SELECT employee_price, retail_price
		FROM products
		WHERE product_ref = $1
	`, productRef).Scan(&pricing.EmployeePrice, &pricing.RetailPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProductPricing{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.ProductPricing{}, fmt.Errorf("select product pricing %q: %w", productRef, err)
	}
	return pricing, nil
}

// UpsertProducts записывает товары одной транзакцией.
func (l *PriceLookup) UpsertProducts(ctx context.Context, products []domain.Product) (n int, err error) {
	for _, p := range products {
		if err := p.Validate(); err != nil {
			return 0, fmt.Errorf("product %q: %w", p.Ref, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (product_ref, name, vendor, employee_price, retail_price)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_ref) DO UPDATE SET
			name = EXCLUDED.name,
			vendor = EXCLUDED.vendor,
			employee_price = EXCLUDED.employee_price,
			retail_price = EXCLUDED.retail_price,
			updated_at = NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert products: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range products {
		if _, err = stmt.ExecContext(ctx, p.Ref, p.Name, p.Vendor, p.Pricing.EmployeePrice, p.Pricing.RetailPrice); err != nil {
			if isCheckViolation(err) {
				return 0, fmt.Errorf("product %q: %w", p.Ref, domain.ErrProductPriceNegative)
			}
			return 0, fmt.Errorf("upsert product %q: %w", p.Ref, err)
		}
		n++
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert products: %w", err)
	}
	return n, nil
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation
}
