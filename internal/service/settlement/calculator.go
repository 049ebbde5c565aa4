// Package settlement рассчитывает итоги заказа сотрудника: цены позиций, скидки, налог.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/logging"
	"github.com/vladislavdragonenkov/settlement/internal/metrics"
)

// Calculator считает итоги заказа. Не хранит состояния между вызовами и безопасен
// для одновременного использования из нескольких горутин.
type Calculator struct {
	lookup      domain.PriceLookup
	logger      domain.Logger
	metrics     *metrics.SettlementMetrics
	taxRate     decimal.Decimal
	concurrency int
}

// Option настраивает Calculator.
type Option func(*Calculator)

// WithTaxRate задаёт ставку налога по умолчанию.
func WithTaxRate(rate decimal.Decimal) Option {
	return func(c *Calculator) {
		c.taxRate = rate
	}
}

// WithLookupConcurrency разрешает параллельные запросы цен (n > 1).
// Порядок позиций и выбор возвращаемой ошибки при этом не меняются.
func WithLookupConcurrency(n int) Option {
	return func(c *Calculator) {
		c.concurrency = n
	}
}

// WithMetrics подключает метрики Prometheus.
func WithMetrics(m *metrics.SettlementMetrics) Option {
	return func(c *Calculator) {
		c.metrics = m
	}
}

// NewCalculator конструирует калькулятор. Если logger не передан, логирование отключено.
func NewCalculator(lookup domain.PriceLookup, logger domain.Logger, opts ...Option) *Calculator {
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Calculator{
		lookup:      lookup,
		logger:      logger,
		taxRate:     domain.DefaultTaxRate,
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TaxRate возвращает ставку, применяемую по умолчанию.
func (c *Calculator) TaxRate() decimal.Decimal {
	return c.taxRate
}

// ComputeOrderTotals считает итоги заказа по ставке налога по умолчанию.
func (c *Calculator) ComputeOrderTotals(ctx context.Context, items []domain.LineItemRequest) (domain.OrderTotals, error) {
	return c.ComputeOrderTotalsWithRate(ctx, items, c.taxRate)
}

// ComputeOrderTotalsWithRate считает итоги заказа по заданной ставке налога.
//
// Любая ошибка прерывает расчёт целиком, частичный результат не возвращается.
// Ошибки каталога (кроме ErrProductNotFound) возвращаются без обёртки.
func (c *Calculator) ComputeOrderTotalsWithRate(ctx context.Context, items []domain.LineItemRequest, taxRate decimal.Decimal) (domain.OrderTotals, error) {
	start := time.Now()
	if c.metrics != nil {
		c.metrics.RecordStarted()
	}

	resolved, err := c.resolveItems(ctx, items)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordFailed(time.Since(start), domain.FailureReason(err))
		}
		return domain.OrderTotals{}, err
	}

	totals := domain.NewOrderTotals(resolved, taxRate)

	c.logger.Info("order totals computed", map[string]any{
		"items":    len(totals.Items),
		"subtotal": totals.Subtotal.String(),
		"discount": totals.Discount.String(),
		"tax":      totals.Tax.String(),
		"total":    totals.Total.String(),
		"tax_rate": taxRate.String(),
	})
	if c.metrics != nil {
		c.metrics.RecordCompleted(time.Since(start), totals.Total.InexactFloat64())
	}

	return totals, nil
}

func (c *Calculator) resolveItems(ctx context.Context, items []domain.LineItemRequest) ([]domain.ResolvedLineItem, error) {
	if c.concurrency > 1 && len(items) > 1 {
		return c.resolveItemsConcurrently(ctx, items)
	}

	resolved := make([]domain.ResolvedLineItem, 0, len(items))
	for i, item := range items {
		price, err := c.resolvePrice(ctx, i, item)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, c.newLine(item, price))
	}
	return resolved, nil
}

// resolveItemsConcurrently дожидается всех запросов и возвращает ошибку самой ранней
// (по порядку во входном списке) проблемной позиции.
func (c *Calculator) resolveItemsConcurrently(ctx context.Context, items []domain.LineItemRequest) ([]domain.ResolvedLineItem, error) {
	prices := make([]decimal.Decimal, len(items))
	errs := make([]error, len(items))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, item := range items {
		g.Go(func() error {
			prices[i], errs[i] = c.resolvePrice(ctx, i, item)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	resolved := make([]domain.ResolvedLineItem, 0, len(items))
	for i, item := range items {
		resolved = append(resolved, c.newLine(item, prices[i]))
	}
	return resolved, nil
}

func (c *Calculator) newLine(item domain.LineItemRequest, price decimal.Decimal) domain.ResolvedLineItem {
	line := domain.NewResolvedLineItem(item, price)
	c.logger.Debug("line item resolved", map[string]any{
		"product_ref": line.ProductRef,
		"quantity":    line.Quantity,
		"unit_price":  line.UnitPrice.String(),
		"discount":    line.Discount.String(),
		"subtotal":    line.Subtotal.String(),
	})
	return line
}

// resolvePrice определяет цену позиции: явная цена клиента, иначе цена из каталога.
func (c *Calculator) resolvePrice(ctx context.Context, index int, item domain.LineItemRequest) (decimal.Decimal, error) {
	if err := item.Validate(index); err != nil {
		c.logger.Error("invalid line item", err, map[string]any{"index": index, "product_ref": item.ProductRef})
		return decimal.Zero, err
	}

	if item.HasExplicitPrice() {
		if c.metrics != nil {
			c.metrics.RecordPriceResolved(metrics.PriceSourceRequest)
		}
		return item.UnitPrice.Decimal, nil
	}

	pricing, err := c.lookup.FindProductPricing(ctx, item.ProductRef)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			notFound := &domain.ProductNotFoundError{ProductRef: item.ProductRef}
			c.logger.Error("product not found", notFound, map[string]any{"index": index, "product_ref": item.ProductRef})
			return decimal.Zero, notFound
		}
		c.logger.Error("price lookup failed", err, map[string]any{"index": index, "product_ref": item.ProductRef})
		return decimal.Zero, err
	}

	price := pricing.ResolvePrice()
	if price.IsZero() {
		noPrice := &domain.NoValidPriceError{ProductRef: item.ProductRef}
		c.logger.Error("no valid price for product", noPrice, map[string]any{"index": index, "product_ref": item.ProductRef})
		return decimal.Zero, noPrice
	}

	if c.metrics != nil {
		c.metrics.RecordPriceResolved(metrics.PriceSourceCatalog)
	}
	return price, nil
}
