package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrProductNotFound: товара с таким идентификатором нет в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrNoValidPrice: товар есть в каталоге, но ни одной пригодной цены у него нет.
	ErrNoValidPrice = errors.New("no valid price for product")
	// ErrInvalidLineItem: позиция заказа не прошла валидацию.
	ErrInvalidLineItem = errors.New("invalid line item")
	// Ошибка отсутствующего идентификатора товара в каталоге.
	ErrProductRefRequired = errors.New("product_ref is required")
	// Ошибка отрицательной цены в каталоге.
	ErrProductPriceNegative = errors.New("product price must be non-negative")
	// ErrItemsRequired: запрос на расчёт не содержит ни одной позиции.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// ErrInvalidTaxRate: ставка налога отрицательная.
	ErrInvalidTaxRate = errors.New("tax rate must be non-negative")
)

// ProductNotFoundError сообщает, какой именно товар не найден.
type ProductNotFoundError struct {
	ProductRef string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product not found: %s", e.ProductRef)
}

// Is позволяет сравнивать ошибку с ErrProductNotFound через errors.Is.
func (e *ProductNotFoundError) Is(target error) bool {
	return target == ErrProductNotFound
}

// NoValidPriceError сообщает, у какого товара не удалось определить цену.
type NoValidPriceError struct {
	ProductRef string
}

func (e *NoValidPriceError) Error() string {
	return fmt.Sprintf("no valid price for product: %s", e.ProductRef)
}

// Is позволяет сравнивать ошибку с ErrNoValidPrice через errors.Is.
func (e *NoValidPriceError) Is(target error) bool {
	return target == ErrNoValidPrice
}

// ValidationError описывает некорректное поле позиции заказа.
type ValidationError struct {
	Index      int
	ProductRef string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("item[%d].%s %s", e.Index, e.Field, e.Reason)
}

// Is позволяет сравнивать ошибку с ErrInvalidLineItem через errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidLineItem
}

// FailureReason классифицирует ошибку расчёта для метрик и событий.
// Для ошибок обращения к каталогу возвращает "lookup_failed".
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrNoValidPrice):
		return "no_valid_price"
	case errors.Is(err, ErrInvalidLineItem):
		return "invalid_line_item"
	case errors.Is(err, ErrItemsRequired), errors.Is(err, ErrInvalidTaxRate):
		return "invalid_request"
	default:
		return "lookup_failed"
	}
}

// IsBusinessFailure отличает окончательный отказ в расчёте от сбоя инфраструктуры.
func IsBusinessFailure(err error) bool {
	switch FailureReason(err) {
	case "product_not_found", "no_valid_price", "invalid_line_item", "invalid_request":
		return true
	default:
		return false
	}
}
