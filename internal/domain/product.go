package domain

import "github.com/shopspring/decimal"

// ProductPricing — пара цен товара из каталога. Любая из них может отсутствовать.
type ProductPricing struct {
	EmployeePrice decimal.NullDecimal `json:"employee_price"`
	RetailPrice   decimal.NullDecimal `json:"retail_price"`
}

// ResolvePrice выбирает цену для сотрудника, а при её отсутствии розничную.
// Если нет ни одной, возвращает ноль.
func (p ProductPricing) ResolvePrice() decimal.Decimal {
	switch {
	case p.EmployeePrice.Valid:
		return p.EmployeePrice.Decimal
	case p.RetailPrice.Valid:
		return p.RetailPrice.Decimal
	default:
		return decimal.Zero
	}
}

// Product — запись каталога, используемая при наполнении хранилищ.
type Product struct {
	Ref     string
	Name    string
	Vendor  string
	Pricing ProductPricing
}

// Validate проверяет, что запись каталога пригодна для сохранения.
func (p Product) Validate() error {
	switch {
	case p.Ref == "":
		return ErrProductRefRequired
	case p.Pricing.EmployeePrice.Valid && p.Pricing.EmployeePrice.Decimal.IsNegative():
		return ErrProductPriceNegative
	case p.Pricing.RetailPrice.Valid && p.Pricing.RetailPrice.Decimal.IsNegative():
		return ErrProductPriceNegative
	}
	return nil
}
