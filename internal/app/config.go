package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/settlement/internal/cache"
	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/service/breaker"
)

// CatalogBackend определяет хранилище цен, к которому обращается калькулятор.
type CatalogBackend string

const (
	CatalogMemory   CatalogBackend = "memory"
	CatalogPostgres CatalogBackend = "postgres"
	CatalogMongo    CatalogBackend = "mongo"
)

// Config описывает настройки запуска сервиса расчёта заказов.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	TaxRate           decimal.Decimal
	LookupConcurrency int

	CatalogBackend      CatalogBackend
	CatalogFile         string
	PostgresDSN         string
	PostgresAutoMigrate bool
	MongoURI            string
	MongoDatabase       string

	RedisAddr     string
	PriceCacheTTL time.Duration

	KafkaBrokers    []string
	KafkaGroupID    string
	KafkaMaxRetries int
	KafkaRetryDelay time.Duration

	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration

	HealthCheckTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска на in-memory каталоге.
func DefaultConfig() Config {
	breakerCfg := breaker.DefaultConfig()
	return Config{
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		TaxRate:             domain.DefaultTaxRate,
		LookupConcurrency:   1,
		CatalogBackend:      CatalogMemory,
		PostgresAutoMigrate: true,
		MongoDatabase:       "settlement",
		PriceCacheTTL:       cache.DefaultTTL,
		KafkaGroupID:        "settlement-service",
		KafkaMaxRetries:     3,
		KafkaRetryDelay:     200 * time.Millisecond,
		BreakerMaxFailures:  breakerCfg.MaxFailures,
		BreakerOpenTimeout:  breakerCfg.OpenTimeout,
		HealthCheckTimeout:  2 * time.Second,
	}
}

// Validate проверяет согласованность настроек до открытия соединений.
func (c Config) Validate() error {
	var errs []error

	if c.TaxRate.IsNegative() {
		errs = append(errs, fmt.Errorf("tax rate must be non-negative, got %s", c.TaxRate))
	}
	if c.LookupConcurrency < 1 {
		errs = append(errs, fmt.Errorf("lookup concurrency must be >= 1, got %d", c.LookupConcurrency))
	}

	switch c.CatalogBackend {
	case CatalogMemory:
	case CatalogPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres catalog requires SETTLEMENT_POSTGRES_DSN"))
		}
	case CatalogMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("mongo catalog requires SETTLEMENT_MONGO_URI"))
		}
		if c.MongoDatabase == "" {
			errs = append(errs, errors.New("mongo catalog requires SETTLEMENT_MONGO_DB"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported catalog backend: %q", c.CatalogBackend))
	}

	if c.RedisAddr != "" && c.PriceCacheTTL <= 0 {
		errs = append(errs, errors.New("price cache ttl must be > 0"))
	}
	if len(c.KafkaBrokers) > 0 {
		if c.KafkaGroupID == "" {
			errs = append(errs, errors.New("kafka consumer group is required when brokers are set"))
		}
		if c.KafkaMaxRetries < 1 {
			errs = append(errs, errors.New("kafka max retries must be >= 1"))
		}
	}
	if c.BreakerMaxFailures == 0 {
		errs = append(errs, errors.New("breaker max failures must be > 0"))
	}

	return errors.Join(errs...)
}

func (c Config) breakerConfig() breaker.Config {
	cfg := breaker.DefaultConfig()
	cfg.MaxFailures = c.BreakerMaxFailures
	if c.BreakerOpenTimeout > 0 {
		cfg.OpenTimeout = c.BreakerOpenTimeout
	}
	return cfg
}
