package domain

import "github.com/shopspring/decimal"

// DefaultTaxRate — ставка налога, применяемая, если вызывающая сторона не передала свою.
var DefaultTaxRate = decimal.RequireFromString("0.10")

// moneyPlaces — количество знаков после запятой для итоговых сумм заказа.
const moneyPlaces = 2

// LineItemRequest описывает одну позицию заказа в том виде, в каком её прислал клиент.
type LineItemRequest struct {
	// ProductRef: непрозрачный идентификатор товара в каталоге.
	ProductRef string `json:"product_ref"`
	// Quantity: количество единиц товара.
	Quantity int32 `json:"quantity"`
	// UnitPrice: явная цена за единицу; если не задана или равна нулю, цена берётся из каталога.
	UnitPrice decimal.NullDecimal `json:"unit_price"`
	// Discount: скидка на всю позицию (не на единицу), по умолчанию 0.
	Discount decimal.NullDecimal `json:"discount"`
}

// HasExplicitPrice сообщает, задал ли клиент ненулевую цену за единицу.
func (r LineItemRequest) HasExplicitPrice() bool {
	return r.UnitPrice.Valid && !r.UnitPrice.Decimal.IsZero()
}

// DiscountOrZero возвращает скидку позиции либо ноль, если она не передана.
func (r LineItemRequest) DiscountOrZero() decimal.Decimal {
	if !r.Discount.Valid {
		return decimal.Zero
	}
	return r.Discount.Decimal
}

// Validate проверяет позицию; index нужен, чтобы сообщить клиенту номер проблемной строки.
func (r LineItemRequest) Validate(index int) error {
	switch {
	case r.ProductRef == "":
		return &ValidationError{Index: index, Field: "product_ref", Reason: "is required"}
	case r.Quantity <= 0:
		return &ValidationError{Index: index, Field: "quantity", Reason: "must be greater than zero"}
	case r.UnitPrice.Valid && r.UnitPrice.Decimal.IsNegative():
		return &ValidationError{Index: index, ProductRef: r.ProductRef, Field: "unit_price", Reason: "must be non-negative"}
	case r.Discount.Valid && r.Discount.Decimal.IsNegative():
		return &ValidationError{Index: index, ProductRef: r.ProductRef, Field: "discount", Reason: "must be non-negative"}
	}
	return nil
}

// ResolvedLineItem — позиция заказа после определения цены и расчёта подытога.
type ResolvedLineItem struct {
	ProductRef string          `json:"product_ref"`
	Quantity   int32           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Discount   decimal.Decimal `json:"discount"`
	// Subtotal = Quantity*UnitPrice - Discount, но не меньше нуля. На уровне позиции не округляется.
	Subtotal decimal.Decimal `json:"subtotal"`
}

// NewResolvedLineItem считает подытог позиции. Скидка, превышающая стоимость позиции,
// поглощается: подытог обнуляется, а сама скидка сохраняется без изменений.
func NewResolvedLineItem(req LineItemRequest, unitPrice decimal.Decimal) ResolvedLineItem {
	discount := req.DiscountOrZero()
	subtotal := decimal.NewFromInt32(req.Quantity).Mul(unitPrice).Sub(discount)
	if subtotal.IsNegative() {
		subtotal = decimal.Zero
	}
	return ResolvedLineItem{
		ProductRef: req.ProductRef,
		Quantity:   req.Quantity,
		UnitPrice:  unitPrice,
		Discount:   discount,
		Subtotal:   subtotal,
	}
}

// OrderTotals — итог расчёта заказа.
type OrderTotals struct {
	Items    []ResolvedLineItem `json:"items"`
	Subtotal decimal.Decimal    `json:"subtotal"`
	Discount decimal.Decimal    `json:"discount"`
	Tax      decimal.Decimal    `json:"tax"`
	Total    decimal.Decimal    `json:"total"`
}

// NewOrderTotals агрегирует позиции в итог заказа.
//
// Налог и итог считаются от неокруглённой суммы подытогов, после чего каждое из
// четырёх значений округляется независимо. Из-за этого Total может отличаться на
// копейку от Subtotal+Tax, посчитанных по уже округлённым полям.
func NewOrderTotals(items []ResolvedLineItem, taxRate decimal.Decimal) OrderTotals {
	subtotal := decimal.Zero
	discount := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Subtotal)
		discount = discount.Add(item.Discount)
	}

	tax := subtotal.Mul(taxRate)
	total := subtotal.Add(tax)

	return OrderTotals{
		Items:    items,
		Subtotal: RoundMoney(subtotal),
		Discount: RoundMoney(discount),
		Tax:      RoundMoney(tax),
		Total:    RoundMoney(total),
	}
}

// RoundMoney округляет сумму до двух знаков, половину от нуля.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(moneyPlaces)
}

// ValidateOrderRequest проверяет запрос целиком: заказ без позиций и отрицательная
// ставка налога отклоняются до обращения к каталогу.
func ValidateOrderRequest(items []LineItemRequest, taxRate decimal.Decimal) error {
	if len(items) == 0 {
		return ErrItemsRequired
	}
	if taxRate.IsNegative() {
		return ErrInvalidTaxRate
	}
	return nil
}
