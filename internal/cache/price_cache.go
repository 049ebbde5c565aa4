// Package cache кэширует цены каталога в Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/logging"
)

const (
	// DefaultTTL: время жизни записи по умолчанию.
	DefaultTTL = 5 * time.Minute
	// DefaultLookupTimeout ограничивает общий запрос в каталог, который делят
	// одновременные промахи по одному артикулу.
	DefaultLookupTimeout = 5 * time.Second

	keyPrefix = "settlement:price:"
)

var errCacheMiss = errors.New("cache miss")

// PriceLookup — read-through кэш перед другим каталогом.
//
// Кэшируются только найденные товары. Ошибки Redis не прерывают расчёт:
// они логируются, и запрос уходит напрямую в каталог.
type PriceLookup struct {
	next   domain.PriceLookup
	client redis.UniversalClient
	ttl    time.Duration
	logger domain.Logger
	group  singleflight.Group

	lookupTimeout time.Duration
}

var _ domain.PriceLookup = (*PriceLookup)(nil)

// NewPriceLookup оборачивает next кэшем. ttl<=0 заменяется на DefaultTTL.
func NewPriceLookup(next domain.PriceLookup, client redis.UniversalClient, ttl time.Duration, logger domain.Logger) *PriceLookup {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &PriceLookup{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,

		lookupTimeout: DefaultLookupTimeout,
	}
}

// FindProductPricing возвращает цены из кэша, при промахе читает каталог и сохраняет результат.
func (c *PriceLookup) FindProductPricing(ctx context.Context, productRef string) (domain.ProductPricing, error) {
	pricing, err := c.get(ctx, productRef)
	if err == nil {
		return pricing, nil
	}
	if !errors.Is(err, errCacheMiss) {
		c.logger.Error("price cache get failed", err, map[string]any{"product_ref": productRef})
	}

	// Одновременные промахи по одному артикулу дают один запрос в каталог. Запрос
	// не привязан к отмене первого вызывающего: каждый ждёт результат под своим ctx.
	ch := c.group.DoChan(productRef, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lookupTimeout)
		defer cancel()

		pricing, err := c.next.FindProductPricing(shared, productRef)
		if err != nil {
			return domain.ProductPricing{}, err
		}
		if setErr := c.set(shared, productRef, pricing); setErr != nil {
			c.logger.Error("price cache set failed", setErr, map[string]any{"product_ref": productRef})
		}
		return pricing, nil
	})

	select {
	case <-ctx.Done():
		return domain.ProductPricing{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.ProductPricing{}, res.Err
		}
		return res.Val.(domain.ProductPricing), nil
	}
}

// Invalidate удаляет записи для переданных артикулов.
func (c *PriceLookup) Invalidate(ctx context.Context, productRefs ...string) error {
	if len(productRefs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(productRefs))
	for _, ref := range productRefs {
		keys = append(keys, cacheKey(ref))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *PriceLookup) get(ctx context.Context, productRef string) (domain.ProductPricing, error) {
	data, err := c.client.Get(ctx, cacheKey(productRef)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ProductPricing{}, errCacheMiss
	}
	if err != nil {
		return domain.ProductPricing{}, fmt.Errorf("redis get: %w", err)
	}

	var pricing domain.ProductPricing
	if err := json.Unmarshal(data, &pricing); err != nil {
		return domain.ProductPricing{}, fmt.Errorf("unmarshal cached pricing: %w", err)
	}
	return pricing, nil
}

func (c *PriceLookup) set(ctx context.Context, productRef string, pricing domain.ProductPricing) error {
	data, err := json.Marshal(pricing)
	if err != nil {
		return fmt.Errorf("marshal pricing: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(productRef), data, c.jitteredTTL()).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// jitteredTTL добавляет до 10% к TTL, чтобы записи не истекали одновременно.
func (c *PriceLookup) jitteredTTL() time.Duration {
	spread := int64(c.ttl / 10)
	if spread <= 0 {
		return c.ttl
	}
	return c.ttl + time.Duration(rand.Int64N(spread))
}

func cacheKey(productRef string) string {
	return keyPrefix + productRef
}
