package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/cache"
	"github.com/vladislavdragonenkov/settlement/internal/catalog"
	"github.com/vladislavdragonenkov/settlement/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/settlement/internal/health"
	"github.com/vladislavdragonenkov/settlement/internal/logging"
	"github.com/vladislavdragonenkov/settlement/internal/metrics"
	"github.com/vladislavdragonenkov/settlement/internal/service/breaker"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
	"github.com/vladislavdragonenkov/settlement/internal/storage/memory"
	mongostore "github.com/vladislavdragonenkov/settlement/internal/storage/mongo"
	"github.com/vladislavdragonenkov/settlement/internal/storage/postgres"
)

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Catalog — открытое хранилище цен выбранного бэкенда.
type Catalog struct {
	Backend CatalogBackend
	Lookup  domain.PriceLookup
	Writer  domain.CatalogWriter

	checks  map[string]healthcheck.Checker
	closers []closer
}

// OpenCatalog подключает хранилище цен по cfg.CatalogBackend. Для postgres при
// включённом PostgresAutoMigrate применяются миграции, для mongo создаются индексы.
func OpenCatalog(ctx context.Context, cfg Config, logger *log.Entry) (*Catalog, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	c := &Catalog{Backend: cfg.CatalogBackend, checks: make(map[string]healthcheck.Checker)}

	switch cfg.CatalogBackend {
	case CatalogMemory:
		var products []domain.Product
		if cfg.CatalogFile != "" {
			loaded, err := catalog.LoadFile(cfg.CatalogFile)
			if err != nil {
				return nil, err
			}
			products = loaded
		}
		store := memory.NewPriceCatalog(products...)
		c.Lookup, c.Writer = store, store
		logger.WithFields(log.Fields{"products": store.Len(), "file": cfg.CatalogFile}).Info("in-memory catalog initialized")

	case CatalogPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres catalog requires a DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply catalog migrations: %w", err)
			}
		}
		lookup := postgres.NewPriceLookup(store)
		c.Lookup, c.Writer = lookup, lookup
		c.checks["postgres"] = healthcheck.NewSimpleChecker("postgres", store.Ping)
		c.closers = append(c.closers, closer{name: "postgres", fn: func(context.Context) error { return store.Close() }})
		logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("postgres catalog initialized")

	case CatalogMongo:
		if cfg.MongoURI == "" {
			return nil, errors.New("mongo catalog requires a URI")
		}
		db, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		lookup := mongostore.NewPriceLookup(db)
		if err := lookup.CreateIndexes(ctx); err != nil {
			_ = mongostore.Disconnect(context.Background(), db)
			return nil, err
		}
		c.Lookup, c.Writer = lookup, lookup
		c.checks["mongo"] = healthcheck.NewSimpleChecker("mongo", lookup.Ping)
		c.closers = append(c.closers, closer{name: "mongo", fn: func(ctx context.Context) error { return mongostore.Disconnect(ctx, db) }})
		logger.WithField("database", cfg.MongoDatabase).Info("mongo catalog initialized")

	default:
		return nil, fmt.Errorf("unsupported catalog backend: %q", cfg.CatalogBackend)
	}

	return c, nil
}

// Close закрывает соединения в обратном порядке открытия.
func (c *Catalog) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.closers[i].name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// runtimeDependencies — собранный калькулятор и всё, что нужно закрыть при остановке.
type runtimeDependencies struct {
	catalog    *Catalog
	lookup     domain.PriceLookup
	breaker    *breaker.PriceLookup
	calculator *settlement.Calculator
}

// initRuntimeDependencies открывает каталог и оборачивает его кешем (если задан
// Redis) и circuit breaker. Проверки регистрируются в healthHandler, если он передан.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry, healthHandler *healthcheck.Handler, m *metrics.SettlementMetrics) (*runtimeDependencies, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := OpenCatalog(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps := &runtimeDependencies{catalog: store, lookup: store.Lookup}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			// Кеш необязателен: при недоступном Redis запросы идут напрямую в каталог.
			logger.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis is unavailable, price cache will be bypassed")
		}
		cacheLogger := logging.NewLogrus(logger.WithField("component", "price-cache"))
		deps.lookup = cache.NewPriceLookup(deps.lookup, client, cfg.PriceCacheTTL, cacheLogger)
		store.checks["redis"] = optionalChecker{healthcheck.NewSimpleChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})}
		store.closers = append(store.closers, closer{name: "redis", fn: func(context.Context) error { return client.Close() }})
		logger.WithFields(log.Fields{"addr": cfg.RedisAddr, "ttl": cfg.PriceCacheTTL}).Info("price cache enabled")
	}

	breakerLogger := logging.NewLogrus(logger.WithField("component", "catalog-breaker"))
	deps.breaker = breaker.NewPriceLookup(deps.lookup, cfg.breakerConfig(), breakerLogger)
	deps.lookup = deps.breaker
	store.checks["catalog-breaker"] = optionalChecker{healthcheck.NewSimpleChecker("catalog-breaker", deps.breaker.Check)}

	opts := []settlement.Option{
		settlement.WithTaxRate(cfg.TaxRate),
		settlement.WithLookupConcurrency(cfg.LookupConcurrency),
	}
	if m != nil {
		opts = append(opts, settlement.WithMetrics(m))
	}
	deps.calculator = settlement.NewCalculator(deps.lookup, logging.NewLogrus(logger.WithField("component", "settlement")), opts...)

	if healthHandler != nil {
		for name, checker := range store.checks {
			if opt, ok := checker.(optionalChecker); ok {
				healthHandler.RegisterOptional(name, opt.Checker)
				continue
			}
			healthHandler.RegisterChecker(name, checker)
		}
	}

	return deps, nil
}

func (d *runtimeDependencies) close(ctx context.Context, logger *log.Entry) {
	if d == nil {
		return
	}
	if err := d.catalog.Close(ctx); err != nil {
		logger.WithError(err).Warn("failed to close catalog")
		return
	}
	logger.Info("catalog closed")
}

// optionalChecker помечает проверки, отказ которых не снимает готовность сервиса.
type optionalChecker struct {
	healthcheck.Checker
}
