// Команда seed загружает JSON-каталог товаров в хранилище цен.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/app"
	"github.com/vladislavdragonenkov/settlement/internal/cache"
	"github.com/vladislavdragonenkov/settlement/internal/catalog"
	"github.com/vladislavdragonenkov/settlement/internal/logging"
)

const defaultTimeout = 2 * time.Minute

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(logging.ParseLevel(os.Getenv("SETTLEMENT_LOG_LEVEL")))

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		cancel()
		log.WithError(err).Fatal("seed failed")
	}
}

// run читает файл каталога и записывает товары в выбранный бэкенд. Бэкенд memory
// только проверяет файл. При заданном Redis записи кеша для загруженных товаров удаляются.
func run(ctx context.Context, args []string, getenv func(string) string, out io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := app.DefaultConfig()
	var (
		file      string
		backend   string
		redisAddr string
		migrate   bool
	)
	fs.StringVar(&file, "file", "", "path to JSON product catalog")
	fs.StringVar(&backend, "backend", getenv("SETTLEMENT_CATALOG"), "catalog backend: postgres|mongo|memory (memory = validate only)")
	fs.StringVar(&cfg.PostgresDSN, "dsn", getenv("SETTLEMENT_POSTGRES_DSN"), "PostgreSQL DSN")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", getenv("SETTLEMENT_MONGO_URI"), "MongoDB URI")
	fs.StringVar(&redisAddr, "redis", getenv("SETTLEMENT_REDIS_ADDR"), "Redis address of the price cache to invalidate")
	fs.BoolVar(&migrate, "migrate", true, "apply postgres migrations before seeding")
	if db := getenv("SETTLEMENT_MONGO_DB"); db != "" {
		cfg.MongoDatabase = db
	}
	fs.StringVar(&cfg.MongoDatabase, "mongo-db", cfg.MongoDatabase, "MongoDB database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(file) == "" {
		return errors.New("-file is required")
	}
	if backend = strings.ToLower(strings.TrimSpace(backend)); backend != "" {
		cfg.CatalogBackend = app.CatalogBackend(backend)
	}
	cfg.PostgresAutoMigrate = migrate
	if err := cfg.Validate(); err != nil {
		return err
	}

	products, err := catalog.LoadFile(file)
	if err != nil {
		return err
	}

	logger := log.WithField("component", "seed")
	store, err := app.OpenCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.WithError(err).Warn("failed to close catalog")
		}
	}()

	written := len(products)
	if cfg.CatalogBackend != app.CatalogMemory {
		if written, err = store.Writer.UpsertProducts(ctx, products); err != nil {
			return fmt.Errorf("upsert products: %w", err)
		}
	}

	if redisAddr = strings.TrimSpace(redisAddr); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer func() { _ = client.Close() }()

		refs := make([]string, 0, len(products))
		for _, p := range products {
			refs = append(refs, p.Ref)
		}
		priceCache := cache.NewPriceLookup(store.Lookup, client, cfg.PriceCacheTTL, logging.NewLogrus(logger))
		if err := priceCache.Invalidate(ctx, refs...); err != nil {
			return fmt.Errorf("invalidate price cache: %w", err)
		}
		logger.WithField("products", len(refs)).Info("price cache invalidated")
	}

	_, _ = fmt.Fprintf(out, "seeded %d products into %s catalog\n", written, cfg.CatalogBackend)
	return nil
}
