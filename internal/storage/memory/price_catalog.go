package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// PriceCatalog — in-memory каталог цен для локальной разработки, CLI и тестов.
type PriceCatalog struct {
	mu    sync.RWMutex
	items map[string]domain.Product
}

var (
	_ domain.PriceLookup   = (*PriceCatalog)(nil)
	_ domain.CatalogWriter = (*PriceCatalog)(nil)
)

// NewPriceCatalog возвращает каталог, заполненный переданными товарами.
// Некорректные записи пропускаются молча, для строгой загрузки используйте UpsertProducts.
func NewPriceCatalog(products ...domain.Product) *PriceCatalog {
	c := &PriceCatalog{
		items: make(map[string]domain.Product, len(products)),
	}
	for _, p := range products {
		if p.Validate() != nil {
			continue
		}
		c.items[p.Ref] = p
	}
	return c
}

// FindProductPricing возвращает цены товара или ErrProductNotFound.
func (c *PriceCatalog) FindProductPricing(ctx context.Context, productRef string) (domain.ProductPricing, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProductPricing{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	product, ok := c.items[productRef]
	if !ok {
		return domain.ProductPricing{}, domain.ErrProductNotFound
	}
	return product.Pricing, nil
}

// UpsertProducts проверяет все записи и только затем сохраняет их атомарно.
func (c *PriceCatalog) UpsertProducts(ctx context.Context, products []domain.Product) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, p := range products {
		if err := p.Validate(); err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range products {
		c.items[p.Ref] = p
	}
	return len(products), nil
}

// Products возвращает снимок каталога, отсортированный по артикулу.
func (c *PriceCatalog) Products() []domain.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]domain.Product, 0, len(c.items))
	for _, p := range c.items {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Ref < result[j].Ref
	})
	return result
}

// Len возвращает количество товаров в каталоге.
func (c *PriceCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
