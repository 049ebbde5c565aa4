package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/vladislavdragonenkov/settlement/internal/app"
	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

const testCatalog = `[
	{"product_ref": "p-1", "employee_price": "80.00", "retail_price": "100.00"},
	{"product_ref": "p-2", "retail_price": "25.00"},
	{"product_ref": "p-3", "retail_price": "5.50"}
]`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(testCatalog), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func noEnv(string) string { return "" }

func TestParseConfig(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		cfg, err := parseConfig([]string{
			"-catalog=/tmp/catalog.json",
			"-total=12",
			"-concurrency=3",
			"-lookup-concurrency=4",
			"-timeout=2s",
			"-items=5",
			"-missing-rate=10",
			"-explicit-price-rate=20",
			"-tax-rate=0.2",
			"-output=/tmp/out.json",
		}, noEnv)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !cfg.totalSet {
			t.Fatalf("expected totalSet=true")
		}
		if cfg.duration != 0 {
			t.Fatalf("expected zero duration, got %s", cfg.duration)
		}
		if cfg.total != 12 || cfg.concurrency != 3 || cfg.itemsPerOrder != 5 {
			t.Fatalf("unexpected numeric config: %+v", cfg)
		}
		if cfg.app.LookupConcurrency != 4 || cfg.app.TaxRate.String() != "0.2" {
			t.Fatalf("unexpected calculator config: %+v", cfg.app)
		}
		if cfg.app.CatalogBackend != app.CatalogMemory || cfg.app.CatalogFile != "/tmp/catalog.json" {
			t.Fatalf("unexpected catalog config: %+v", cfg.app)
		}
	})

	t.Run("duration mode with env catalog", func(t *testing.T) {
		cfg, err := parseConfig([]string{"-duration=3s"}, func(key string) string {
			if key == "SETTLEMENT_CATALOG_FILE" {
				return "/env/catalog.json"
			}
			return ""
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.duration != 3*time.Second {
			t.Fatalf("unexpected duration: %s", cfg.duration)
		}
		if cfg.totalSet {
			t.Fatalf("expected totalSet=false when -total was not provided")
		}
		if cfg.catalogFile != "/env/catalog.json" {
			t.Fatalf("unexpected catalog file: %s", cfg.catalogFile)
		}
	})

	t.Run("validation errors", func(t *testing.T) {
		tests := []struct {
			name    string
			args    []string
			wantErr string
		}{
			{name: "missing catalog", args: nil, wantErr: "-catalog"},
			{name: "invalid duration", args: []string{"-catalog=c.json", "-duration=bad"}, wantErr: "invalid value"},
			{name: "negative duration", args: []string{"-catalog=c.json", "-duration=-1s"}, wantErr: "duration must be >= 0"},
			{name: "empty total", args: []string{"-catalog=c.json", "-total=0"}, wantErr: "total must be > 0"},
			{name: "zero items", args: []string{"-catalog=c.json", "-items=0"}, wantErr: "items must be > 0"},
			{name: "missing rate", args: []string{"-catalog=c.json", "-missing-rate=101"}, wantErr: "missing-rate must be between 0 and 100"},
			{name: "bad tax rate", args: []string{"-catalog=c.json", "-tax-rate=abc"}, wantErr: "parse tax-rate"},
			{name: "negative tax rate", args: []string{"-catalog=c.json", "-tax-rate=-0.1"}, wantErr: "tax rate must be non-negative"},
			{name: "postgres without dsn", args: []string{"-catalog=c.json", "-backend=postgres"}, wantErr: "SETTLEMENT_POSTGRES_DSN"},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				_, err := parseConfig(tc.args, noEnv)
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
			})
		}
	})
}

func TestDispatchJobs(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(context.Background(), jobs, config{total: 5})

		var got []int
		for v := range jobs {
			got = append(got, v)
		}
		if !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
			t.Fatalf("unexpected jobs sequence: %v", got)
		}
	})

	t.Run("duration mode", func(t *testing.T) {
		jobs := make(chan int, 32)
		done := make(chan struct{})
		go func() {
			dispatchJobs(context.Background(), jobs, config{duration: 20 * time.Millisecond})
			close(done)
		}()

		count := 0
		for range jobs {
			count++
		}
		<-done
		if count == 0 {
			t.Fatalf("expected non-zero jobs for duration mode")
		}
	})

	t.Run("duration with explicit max total", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(context.Background(), jobs, config{duration: time.Second, total: 3, totalSet: true})
		count := 0
		for range jobs {
			count++
		}
		if count != 3 {
			t.Fatalf("expected 3 jobs, got %d", count)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		jobs := make(chan int)
		dispatchJobs(ctx, jobs, config{total: 100})
		if _, ok := <-jobs; ok {
			t.Fatalf("expected closed channel without jobs")
		}
	})
}

func TestCollectorAndReport(t *testing.T) {
	c := newCollector()
	c.record(10*time.Millisecond, nil)
	c.record(20*time.Millisecond, &domain.ProductNotFoundError{ProductRef: "x"})
	c.record(30*time.Millisecond, errors.New("connection refused"))

	r := c.buildReport("memory", time.Now(), 2*time.Second)
	if r.TotalOrders != 3 || r.Completed != 1 || r.Rejected != 1 || r.Failed != 1 {
		t.Fatalf("unexpected report totals: %+v", r)
	}
	if r.Outcomes[outcomeCompleted] != 1 || r.Outcomes["product_not_found"] != 1 || r.Outcomes["lookup_failed"] != 1 {
		t.Fatalf("unexpected outcomes: %+v", r.Outcomes)
	}
	if r.RPS != 1.5 {
		t.Fatalf("unexpected rps: %f", r.RPS)
	}
	if r.LatencyMs.Max != 30 || r.LatencyMs.Min != 10 {
		t.Fatalf("unexpected latency summary: %+v", r.LatencyMs)
	}
}

func TestBuildOrder(t *testing.T) {
	refs := []string{"p-1", "p-2", "p-3"}
	cfg := config{itemsPerOrder: 2}

	items := buildOrder(cfg, refs, 1)
	if len(items) != 2 || items[0].ProductRef != "p-2" || items[1].ProductRef != "p-3" {
		t.Fatalf("unexpected items: %+v", items)
	}
	for i, item := range items {
		if err := item.Validate(i); err != nil {
			t.Fatalf("generated item must be valid: %v", err)
		}
		if item.HasExplicitPrice() {
			t.Fatalf("unexpected explicit price: %+v", item)
		}
	}

	cfg.missingRate = 100
	cfg.explicitPriceRate = 100
	items = buildOrder(cfg, refs, 7)
	if items[1].ProductRef != "missing-7" {
		t.Fatalf("expected unknown product ref, got %s", items[1].ProductRef)
	}
	if !items[0].HasExplicitPrice() {
		t.Fatalf("expected explicit price on first item")
	}

	if hitsRate(5, 0) || !hitsRate(5, 100) || !hitsRate(5, 10) || hitsRate(50, 10) {
		t.Fatalf("unexpected hitsRate results")
	}
}

func TestUtilityFunctions(t *testing.T) {
	if got := ratio(1, 4); got != 0.25 {
		t.Fatalf("ratio mismatch: %f", got)
	}
	if got := ratio(1, 0); got != 0 {
		t.Fatalf("ratio with zero total must be 0, got %f", got)
	}

	values := []float64{10, 20, 30, 40}
	summary := buildLatencySummary(values)
	if summary.P50 <= 0 || summary.P95 <= 0 || summary.Max != 40 {
		t.Fatalf("unexpected latency summary: %+v", summary)
	}
	if p := percentile(values, 95); p <= 0 {
		t.Fatalf("unexpected percentile: %f", p)
	}
	if got := buildLatencySummary(nil); got != (latencySummary{}) {
		t.Fatalf("expected empty summary, got %+v", got)
	}

	if got := runTarget(config{total: 50}); got != "count:50" {
		t.Fatalf("unexpected run target: %s", got)
	}
	if got := runTarget(config{duration: 2 * time.Second}); got != "duration:2s" {
		t.Fatalf("unexpected duration run target: %s", got)
	}
	if got := runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}); got != "duration:2s,max-total:10" {
		t.Fatalf("unexpected capped duration run target: %s", got)
	}
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")

	sample := report{TotalOrders: 2, Completed: 2}
	if err := writeJSONReport(path, sample); err != nil {
		t.Fatalf("writeJSONReport error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.TotalOrders != 2 || decoded.Completed != 2 {
		t.Fatalf("unexpected decoded report: %+v", decoded)
	}

	if err := writeJSONReport(".", sample); err == nil {
		t.Fatalf("expected error for directory path")
	}
	if err := writeJSONReport("../outside.json", sample); err == nil {
		t.Fatalf("expected error for path outside current directory")
	}
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	printReport(&out, report{
		Backend:     "memory",
		TotalOrders: 4,
		Completed:   3,
		Rejected:    1,
		Outcomes:    map[string]int64{outcomeCompleted: 3, "product_not_found": 1},
	}, config{total: 4})

	text := out.String()
	for _, want := range []string{"Load test summary", "backend=memory run=count:4", "completed: 3", "product_not_found: 1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("report output missing %q:\n%s", want, text)
		}
	}
}

func TestRun_Memory(t *testing.T) {
	cfg, err := parseConfig([]string{
		"-catalog=" + writeCatalog(t),
		"-total=50",
		"-concurrency=4",
		"-missing-rate=10",
	}, noEnv)
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), cfg, &out); err != nil {
		t.Fatalf("run failed: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "total=50 completed=40 rejected=10 failed=0") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
}

func TestRun_WithPriceCache(t *testing.T) {
	redisServer := miniredis.RunT(t)

	cfg, err := parseConfig([]string{
		"-catalog=" + writeCatalog(t),
		"-total=10",
		"-concurrency=2",
		"-redis=" + redisServer.Addr(),
	}, noEnv)
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), cfg, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for _, ref := range []string{"p-1", "p-2", "p-3"} {
		if !redisServer.Exists(fmt.Sprintf("settlement:price:%s", ref)) {
			t.Fatalf("expected cached price for %s", ref)
		}
	}
}

func TestRun_EmptyCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, []byte(`[]`), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cfg, err := parseConfig([]string{"-catalog=" + path}, noEnv)
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if err := run(context.Background(), cfg, &bytes.Buffer{}); err == nil || !strings.Contains(err.Error(), "no products") {
		t.Fatalf("expected empty catalog error, got %v", err)
	}
}
