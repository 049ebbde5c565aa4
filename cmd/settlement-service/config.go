package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/settlement/internal/app"
)

const (
	envGRPCAddr            = "SETTLEMENT_GRPC_ADDR"
	envMetricsAddr         = "SETTLEMENT_METRICS_ADDR"
	envLogLevel            = "SETTLEMENT_LOG_LEVEL"
	envEnvFile             = "SETTLEMENT_ENV_FILE"
	envTaxRate             = "SETTLEMENT_TAX_RATE"
	envLookupConcurrency   = "SETTLEMENT_LOOKUP_CONCURRENCY"
	envCatalogBackend      = "SETTLEMENT_CATALOG"
	envCatalogFile         = "SETTLEMENT_CATALOG_FILE"
	envPostgresDSN         = "SETTLEMENT_POSTGRES_DSN"
	envPostgresAutoMigrate = "SETTLEMENT_POSTGRES_AUTO_MIGRATE"
	envMongoURI            = "SETTLEMENT_MONGO_URI"
	envMongoDatabase       = "SETTLEMENT_MONGO_DB"
	envRedisAddr           = "SETTLEMENT_REDIS_ADDR"
	envPriceCacheTTL       = "SETTLEMENT_PRICE_CACHE_TTL"
	envKafkaBrokers        = "KAFKA_BROKERS"
	envKafkaGroupID        = "SETTLEMENT_KAFKA_GROUP"
	envKafkaMaxRetries     = "SETTLEMENT_KAFKA_MAX_RETRIES"
	envKafkaRetryDelay     = "SETTLEMENT_KAFKA_RETRY_DELAY"
	envBreakerMaxFailures  = "SETTLEMENT_BREAKER_MAX_FAILURES"
	envBreakerOpenTimeout  = "SETTLEMENT_BREAKER_OPEN_TIMEOUT"
	envHealthCheckTimeout  = "SETTLEMENT_HEALTH_CHECK_TIMEOUT"
)

type envLookup func(string) (string, bool)

// readConfigFromEnv накладывает переменные окружения на app.DefaultConfig.
// Некорректные значения не прерывают запуск: остаётся значение по умолчанию,
// а причина возвращается в warnings.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v, using default", key, err))
	}

	get := func(key string) (string, bool) {
		raw, ok := lookup(key)
		if !ok {
			return "", false
		}
		raw = strings.TrimSpace(raw)
		return raw, raw != ""
	}

	if v, ok := get(envGRPCAddr); ok {
		cfg.GRPCAddr = v
	}
	if v, ok := get(envMetricsAddr); ok {
		cfg.MetricsAddr = v
	}

	if v, ok := get(envTaxRate); ok {
		if rate, err := parseDecimal(v, func(d decimal.Decimal) bool { return !d.IsNegative() }, "must be >= 0"); err != nil {
			warn(envTaxRate, err)
		} else {
			cfg.TaxRate = rate
		}
	}
	if v, ok := get(envLookupConcurrency); ok {
		if n, err := parseInt(v, func(n int) bool { return n >= 1 }, "must be >= 1"); err != nil {
			warn(envLookupConcurrency, err)
		} else {
			cfg.LookupConcurrency = n
		}
	}

	if v, ok := get(envCatalogBackend); ok {
		cfg.CatalogBackend = app.CatalogBackend(strings.ToLower(v))
	}
	if v, ok := get(envCatalogFile); ok {
		cfg.CatalogFile = v
	}
	if v, ok := get(envPostgresDSN); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := get(envPostgresAutoMigrate); ok {
		if b, err := parseBool(v); err != nil {
			warn(envPostgresAutoMigrate, err)
		} else {
			cfg.PostgresAutoMigrate = b
		}
	}
	if v, ok := get(envMongoURI); ok {
		cfg.MongoURI = v
	}
	if v, ok := get(envMongoDatabase); ok {
		cfg.MongoDatabase = v
	}

	if v, ok := get(envRedisAddr); ok {
		cfg.RedisAddr = v
	}
	if v, ok := get(envPriceCacheTTL); ok {
		if ttl, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
			warn(envPriceCacheTTL, err)
		} else {
			cfg.PriceCacheTTL = ttl
		}
	}

	if v, ok := get(envKafkaBrokers); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	if v, ok := get(envKafkaGroupID); ok {
		cfg.KafkaGroupID = v
	}
	if v, ok := get(envKafkaMaxRetries); ok {
		if n, err := parseInt(v, func(n int) bool { return n >= 1 }, "must be >= 1"); err != nil {
			warn(envKafkaMaxRetries, err)
		} else {
			cfg.KafkaMaxRetries = n
		}
	}
	if v, ok := get(envKafkaRetryDelay); ok {
		if d, err := parseDuration(v, func(d time.Duration) bool { return d >= 0 }, "must be >= 0"); err != nil {
			warn(envKafkaRetryDelay, err)
		} else {
			cfg.KafkaRetryDelay = d
		}
	}

	if v, ok := get(envBreakerMaxFailures); ok {
		if n, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0"); err != nil {
			warn(envBreakerMaxFailures, err)
		} else {
			cfg.BreakerMaxFailures = uint32(n)
		}
	}
	if v, ok := get(envBreakerOpenTimeout); ok {
		if d, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
			warn(envBreakerOpenTimeout, err)
		} else {
			cfg.BreakerOpenTimeout = d
		}
	}
	if v, ok := get(envHealthCheckTimeout); ok {
		if d, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0"); err != nil {
			warn(envHealthCheckTimeout, err)
		} else {
			cfg.HealthCheckTimeout = d
		}
	}

	return cfg, warnings
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q", raw)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q", raw)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}

func parseDecimal(raw string, valid func(decimal.Decimal) bool, rule string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid decimal value %q", raw)
	}
	if !valid(value) {
		return decimal.Decimal{}, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}
