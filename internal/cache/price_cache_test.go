package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/logging"
)

type countingLookup struct {
	calls   atomic.Int32
	delay   time.Duration
	pricing map[string]domain.ProductPricing
	err     error
}

func (l *countingLookup) FindProductPricing(_ context.Context, productRef string) (domain.ProductPricing, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.err != nil {
		return domain.ProductPricing{}, l.err
	}
	p, ok := l.pricing[productRef]
	if !ok {
		return domain.ProductPricing{}, domain.ErrProductNotFound
	}
	return p, nil
}

func setupTestCache(t *testing.T, next domain.PriceLookup) (*PriceLookup, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewPriceLookup(next, client, time.Minute, logging.Nop()), mr
}

func retail(s string) domain.ProductPricing {
	return domain.ProductPricing{RetailPrice: decimal.NewNullDecimal(decimal.RequireFromString(s))}
}

func TestPriceLookup_ReadThrough(t *testing.T) {
	next := &countingLookup{pricing: map[string]domain.ProductPricing{"p-1": retail("19.99")}}
	cache, mr := setupTestCache(t, next)
	ctx := context.Background()

	first, err := cache.FindProductPricing(ctx, "p-1")
	require.NoError(t, err)
	second, err := cache.FindProductPricing(ctx, "p-1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), next.calls.Load())
	assert.True(t, first.RetailPrice.Decimal.Equal(second.RetailPrice.Decimal))
	assert.False(t, second.EmployeePrice.Valid, "absent price must survive a round trip through the cache")
	assert.True(t, mr.Exists(cacheKey("p-1")))

	ttl := mr.TTL(cacheKey("p-1"))
	assert.GreaterOrEqual(t, ttl, time.Minute)
	assert.Less(t, ttl, time.Minute+6*time.Second)
}

func TestPriceLookup_ExpiredEntryIsReloaded(t *testing.T) {
	next := &countingLookup{pricing: map[string]domain.ProductPricing{"p-1": retail("1")}}
	cache, mr := setupTestCache(t, next)
	ctx := context.Background()

	_, err := cache.FindProductPricing(ctx, "p-1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	_, err = cache.FindProductPricing(ctx, "p-1")
	require.NoError(t, err)

	assert.Equal(t, int32(2), next.calls.Load())
}

func TestPriceLookup_NotFoundIsNotCached(t *testing.T) {
	next := &countingLookup{pricing: map[string]domain.ProductPricing{}}
	cache, mr := setupTestCache(t, next)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cache.FindProductPricing(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrProductNotFound)
	}
	assert.Equal(t, int32(2), next.calls.Load())
	assert.False(t, mr.Exists(cacheKey("missing")))
}

func TestPriceLookup_UpstreamErrorReturnedUnchanged(t *testing.T) {
	boom := errors.New("catalog down")
	cache, _ := setupTestCache(t, &countingLookup{err: boom})

	_, err := cache.FindProductPricing(context.Background(), "p-1")
	assert.Same(t, boom, err)
}

func TestPriceLookup_RedisUnavailableBypassesCache(t *testing.T) {
	next := &countingLookup{pricing: map[string]domain.ProductPricing{"p-1": retail("5")}}
	cache, mr := setupTestCache(t, next)
	mr.Close()

	pricing, err := cache.FindProductPricing(context.Background(), "p-1")
	require.NoError(t, err)
	assert.True(t, pricing.RetailPrice.Decimal.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestPriceLookup_CorruptedEntryIsReplaced(t *testing.T) {
	next := &countingLookup{pricing: map[string]domain.ProductPricing{"p-1": retail("5")}}
	cache, mr := setupTestCache(t, next)
	require.NoError(t, mr.Set(cacheKey("p-1"), "{not json"))

	pricing, err := cache.FindProductPricing(context.Background(), "p-1")
	require.NoError(t, err)
	assert.True(t, pricing.RetailPrice.Valid)

	stored, err := mr.Get(cacheKey("p-1"))
	require.NoError(t, err)
	assert.Contains(t, stored, "retail_price")
}

func TestPriceLookup_ConcurrentMissesShareOneLookup(t *testing.T) {
	next := &countingLookup{
		pricing: map[string]domain.ProductPricing{"p-1": retail("5")},
		delay:   50 * time.Millisecond,
	}
	cache, _ := setupTestCache(t, next)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.FindProductPricing(context.Background(), "p-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), next.calls.Load())
}

// gatedLookup блокирует обращение к каталогу до закрытия release и уважает ctx вызова.
type gatedLookup struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (l *gatedLookup) FindProductPricing(ctx context.Context, _ string) (domain.ProductPricing, error) {
	if l.calls.Add(1) == 1 {
		close(l.started)
	}
	select {
	case <-ctx.Done():
		return domain.ProductPricing{}, ctx.Err()
	case <-l.release:
		return retail("7"), nil
	}
}

func TestPriceLookup_CanceledCallerDoesNotFailSharedLookup(t *testing.T) {
	next := &gatedLookup{started: make(chan struct{}), release: make(chan struct{})}
	cache, mr := setupTestCache(t, next)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.FindProductPricing(firstCtx, "p-1")
		firstErr <- err
	}()
	<-next.started

	type result struct {
		pricing domain.ProductPricing
		err     error
	}
	second := make(chan result, 1)
	go func() {
		p, err := cache.FindProductPricing(context.Background(), "p-1")
		second <- result{p, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(next.release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "7", got.pricing.ResolvePrice().String())
	assert.Equal(t, int32(1), next.calls.Load())
	assert.True(t, mr.Exists(cacheKey("p-1")), "shared result should be cached")
}

func TestPriceLookup_Invalidate(t *testing.T) {
	next := &countingLookup{pricing: map[string]domain.ProductPricing{"p-1": retail("5")}}
	cache, mr := setupTestCache(t, next)
	ctx := context.Background()

	_, err := cache.FindProductPricing(ctx, "p-1")
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "p-1"))
	assert.False(t, mr.Exists(cacheKey("p-1")))
	require.NoError(t, cache.Invalidate(ctx))
}
