// Package catalog читает файл каталога товаров в формате JSON.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// Entry — запись файла каталога. Цены можно указывать строкой или числом, null означает отсутствие цены.
type Entry struct {
	ProductRef    string              `json:"product_ref"`
	Name          string              `json:"name"`
	Vendor        string              `json:"vendor"`
	EmployeePrice decimal.NullDecimal `json:"employee_price"`
	RetailPrice   decimal.NullDecimal `json:"retail_price"`
}

// Product переводит запись в доменный товар.
func (e Entry) Product() domain.Product {
	return domain.Product{
		Ref:    e.ProductRef,
		Name:   e.Name,
		Vendor: e.Vendor,
		Pricing: domain.ProductPricing{
			EmployeePrice: e.EmployeePrice,
			RetailPrice:   e.RetailPrice,
		},
	}
}

// Decode читает массив записей и проверяет каждую. Повтор артикула считается ошибкой.
func Decode(r io.Reader) ([]domain.Product, error) {
	var entries []Entry
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(entries))
	products := make([]domain.Product, 0, len(entries))
	for i, entry := range entries {
		p := entry.Product()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("catalog entry %d (%q): %w", i, entry.ProductRef, err)
		}
		if _, dup := seen[p.Ref]; dup {
			return nil, fmt.Errorf("catalog entry %d: duplicate product_ref %q", i, p.Ref)
		}
		seen[p.Ref] = struct{}{}
		products = append(products, p)
	}
	return products, nil
}

// LoadFile читает каталог из файла.
func LoadFile(path string) ([]domain.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return Decode(f)
}
