// Команда loadtest нагружает калькулятор расчёта заказов поверх выбранного
// каталога цен и печатает сводку по задержкам и исходам.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/app"
	"github.com/vladislavdragonenkov/settlement/internal/cache"
	"github.com/vladislavdragonenkov/settlement/internal/catalog"
	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/logging"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
)

const outcomeCompleted = "completed"

var errFailedOrders = errors.New("some orders failed")

type config struct {
	app               app.Config
	catalogFile       string
	total             int
	totalSet          bool
	duration          time.Duration
	concurrency       int
	timeout           time.Duration
	itemsPerOrder     int
	missingRate       int
	explicitPriceRate int
	outputPath        string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type report struct {
	StartedAt       time.Time        `json:"started_at"`
	Backend         string           `json:"backend"`
	DurationSeconds float64          `json:"duration_seconds"`
	TotalOrders     int64            `json:"total_orders"`
	Completed       int64            `json:"completed"`
	Rejected        int64            `json:"rejected"`
	Failed          int64            `json:"failed"`
	ErrorRate       float64          `json:"error_rate"`
	RPS             float64          `json:"rps"`
	LatencyMs       latencySummary   `json:"latency_ms"`
	Outcomes        map[string]int64 `json:"outcomes"`
}

// collector копит исходы расчётов. Отказ по бизнес-причине (нет товара, нет цены)
// считается rejected, сбой каталога считается failed.
type collector struct {
	mu        sync.Mutex
	total     int64
	completed int64
	rejected  int64
	failed    int64
	outcomes  map[string]int64
	latencies []float64
}

func newCollector() *collector {
	return &collector{outcomes: make(map[string]int64)}
}

func (c *collector) record(latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	outcome := outcomeCompleted
	switch {
	case err == nil:
		c.completed++
	case domain.IsBusinessFailure(err):
		c.rejected++
		outcome = domain.FailureReason(err)
	default:
		c.failed++
		outcome = domain.FailureReason(err)
	}
	c.outcomes[outcome]++
	c.latencies = append(c.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(backend string, startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcomes := make(map[string]int64, len(c.outcomes))
	for outcome, count := range c.outcomes {
		outcomes[outcome] = count
	}

	result := report{
		StartedAt:       startedAt.UTC(),
		Backend:         backend,
		DurationSeconds: duration.Seconds(),
		TotalOrders:     c.total,
		Completed:       c.completed,
		Rejected:        c.rejected,
		Failed:          c.failed,
		ErrorRate:       ratio(c.failed, c.total),
		LatencyMs:       buildLatencySummary(c.latencies),
		Outcomes:        outcomes,
	}
	if duration > 0 {
		result.RPS = float64(result.TotalOrders) / duration.Seconds()
	}
	return result
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := config{app: app.DefaultConfig()}
	var (
		backend  string
		taxRate  string
		mongoDB  string
		cacheTTL time.Duration
	)
	fs.StringVar(&cfg.catalogFile, "catalog", getenv("SETTLEMENT_CATALOG_FILE"), "JSON product catalog (memory backend data and source of product refs)")
	fs.StringVar(&backend, "backend", string(app.CatalogMemory), "catalog backend: memory|postgres|mongo")
	fs.StringVar(&cfg.app.PostgresDSN, "dsn", getenv("SETTLEMENT_POSTGRES_DSN"), "PostgreSQL DSN")
	fs.StringVar(&cfg.app.MongoURI, "mongo-uri", getenv("SETTLEMENT_MONGO_URI"), "MongoDB URI")
	fs.StringVar(&mongoDB, "mongo-db", cfg.app.MongoDatabase, "MongoDB database")
	fs.StringVar(&cfg.app.RedisAddr, "redis", "", "optional Redis address for the price cache")
	fs.DurationVar(&cacheTTL, "cache-ttl", cfg.app.PriceCacheTTL, "price cache TTL")
	fs.StringVar(&taxRate, "tax-rate", cfg.app.TaxRate.String(), "tax rate")
	fs.IntVar(&cfg.app.LookupConcurrency, "lookup-concurrency", 1, "parallel catalog lookups per order")
	fs.IntVar(&cfg.total, "total", 1000, "total orders in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 30s, 5m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 20, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 2*time.Second, "per-order timeout")
	fs.IntVar(&cfg.itemsPerOrder, "items", 3, "line items per order")
	fs.IntVar(&cfg.missingRate, "missing-rate", 0, "percent of orders referencing an unknown product (0..100)")
	fs.IntVar(&cfg.explicitPriceRate, "explicit-price-rate", 0, "percent of orders carrying request prices (0..100)")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	rate, err := decimal.NewFromString(strings.TrimSpace(taxRate))
	if err != nil {
		return cfg, fmt.Errorf("parse tax-rate: %w", err)
	}
	cfg.app.TaxRate = rate
	cfg.app.CatalogBackend = app.CatalogBackend(strings.ToLower(strings.TrimSpace(backend)))
	cfg.app.MongoDatabase = mongoDB
	cfg.app.PriceCacheTTL = cacheTTL
	cfg.app.CatalogFile = cfg.catalogFile

	if strings.TrimSpace(cfg.catalogFile) == "" {
		return cfg, errors.New("-catalog (or SETTLEMENT_CATALOG_FILE) is required")
	}
	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.itemsPerOrder <= 0 {
		return cfg, errors.New("items must be > 0")
	}
	if cfg.missingRate < 0 || cfg.missingRate > 100 {
		return cfg, errors.New("missing-rate must be between 0 and 100")
	}
	if cfg.explicitPriceRate < 0 || cfg.explicitPriceRate > 100 {
		return cfg, errors.New("explicit-price-rate must be between 0 and 100")
	}
	if err := cfg.app.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(logging.ParseLevel(os.Getenv("SETTLEMENT_LOG_LEVEL")))

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), cfg, os.Stdout); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, out io.Writer) error {
	products, err := catalog.LoadFile(cfg.catalogFile)
	if err != nil {
		return err
	}
	refs := make([]string, 0, len(products))
	for _, p := range products {
		refs = append(refs, p.Ref)
	}
	if len(refs) == 0 {
		return errors.New("catalog has no products")
	}

	logger := log.WithField("component", "loadtest")
	store, err := app.OpenCatalog(ctx, cfg.app, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	lookup := store.Lookup
	if cfg.app.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.app.RedisAddr})
		defer func() { _ = client.Close() }()
		lookup = cache.NewPriceLookup(lookup, client, cfg.app.PriceCacheTTL, logging.Nop())
	}

	calc := settlement.NewCalculator(lookup, logging.Nop(),
		settlement.WithTaxRate(cfg.app.TaxRate),
		settlement.WithLookupConcurrency(cfg.app.LookupConcurrency),
	)

	startedAt := time.Now()
	col := newCollector()
	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup

	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				runOrder(ctx, calc, cfg, refs, id, col)
			}
		}()
	}

	dispatchJobs(ctx, jobs, cfg)
	wg.Wait()

	result := col.buildReport(string(cfg.app.CatalogBackend), startedAt, time.Since(startedAt))
	printReport(out, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}

	if result.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", errFailedOrders, result.Failed, result.TotalOrders)
	}
	return nil
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runOrder(ctx context.Context, calc *settlement.Calculator, cfg config, refs []string, index int, col *collector) {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	start := time.Now()
	_, err := calc.ComputeOrderTotals(ctx, buildOrder(cfg, refs, index))
	col.record(time.Since(start), err)
}

// buildOrder детерминированно собирает заказ по номеру: товары берутся по кругу,
// доля заказов с неизвестным товаром и с явной ценой задаётся процентами.
func buildOrder(cfg config, refs []string, index int) []domain.LineItemRequest {
	items := make([]domain.LineItemRequest, 0, cfg.itemsPerOrder)
	for i := range cfg.itemsPerOrder {
		items = append(items, domain.LineItemRequest{
			ProductRef: refs[(index+i)%len(refs)],
			Quantity:   int32(1 + (index+i)%3),
		})
	}
	if hitsRate(index, cfg.explicitPriceRate) {
		items[0].UnitPrice = decimal.NewNullDecimal(decimal.NewFromInt(int64(10 + index%90)))
	}
	if hitsRate(index, cfg.missingRate) {
		items[len(items)-1].ProductRef = fmt.Sprintf("missing-%d", index)
	}
	return items
}

func hitsRate(index, rate int) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 100 {
		return true
	}
	return index%100 < rate
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(out io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(out, "Load test summary")
	_, _ = fmt.Fprintf(out, "backend=%s run=%s total=%d completed=%d rejected=%d failed=%d error_rate=%.4f\n",
		result.Backend,
		runTarget(cfg),
		result.TotalOrders,
		result.Completed,
		result.Rejected,
		result.Failed,
		result.ErrorRate,
	)
	_, _ = fmt.Fprintf(out, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(out, "latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.LatencyMs.Min,
		result.LatencyMs.Avg,
		result.LatencyMs.P50,
		result.LatencyMs.P95,
		result.LatencyMs.P99,
		result.LatencyMs.Max,
	)

	outcomes := make([]string, 0, len(result.Outcomes))
	for name := range result.Outcomes {
		outcomes = append(outcomes, name)
	}
	sort.Strings(outcomes)
	for _, name := range outcomes {
		_, _ = fmt.Fprintf(out, "%s: %d\n", name, result.Outcomes[name])
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
