package domain

import "context"

// PriceLookup описывает доступ к ценам товаров в каталоге.
type PriceLookup interface {
	// FindProductPricing возвращает цены товара или ErrProductNotFound, если товара нет.
	// Прочие ошибки означают сбой хранилища и передаются вызывающей стороне как есть.
	FindProductPricing(ctx context.Context, productRef string) (ProductPricing, error)
}

// CatalogWriter сохраняет товары каталога (используется при наполнении хранилища).
type CatalogWriter interface {
	// UpsertProducts создаёт или обновляет товары и возвращает количество записанных.
	UpsertProducts(ctx context.Context, products []Product) (int, error)
}

// Logger — минимальный интерфейс логирования, который получает калькулятор.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Error(msg string, err error, fields map[string]any)
}

// SettlementPublisher публикует результаты расчёта заказов во внешние системы.
type SettlementPublisher interface {
	PublishCompleted(requestID string, totals OrderTotals) error
	PublishRejected(requestID string, reason string, cause error) error
}
