// Команда settle считает итоги заказа офлайн по файлу каталога.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/catalog"
	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/logging"
	"github.com/vladislavdragonenkov/settlement/internal/service/settlement"
	"github.com/vladislavdragonenkov/settlement/internal/storage/memory"
)

const defaultTimeout = 30 * time.Second

// orderRequest — входной JSON: необязательная ставка налога и позиции заказа.
type orderRequest struct {
	TaxRate decimal.NullDecimal      `json:"tax_rate"`
	Items   []domain.LineItemRequest `json:"items"`
}

// settleError сохраняет причину отказа для вывода пользователю.
type settleError struct {
	reason string
	err    error
}

func (e *settleError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *settleError) Unwrap() error { return e.err }

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(logging.ParseLevel(os.Getenv("SETTLEMENT_LOG_LEVEL")))
	log.SetOutput(os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdin, os.Stdout); err != nil {
		cancel()
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("settle", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		catalogFile string
		orderFile   string
		rateFlag    string
		concurrency int
	)
	fs.StringVar(&catalogFile, "catalog", getenv("SETTLEMENT_CATALOG_FILE"), "path to JSON product catalog")
	fs.StringVar(&orderFile, "order", "-", "path to order request JSON, - for stdin")
	fs.StringVar(&rateFlag, "tax-rate", "", "tax rate override (default: request tax_rate, then SETTLEMENT_TAX_RATE, then 0.10)")
	fs.IntVar(&concurrency, "concurrency", 1, "parallel catalog lookups")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(catalogFile) == "" {
		return errors.New("-catalog (or SETTLEMENT_CATALOG_FILE) is required")
	}

	products, err := catalog.LoadFile(catalogFile)
	if err != nil {
		return err
	}

	request, err := readOrder(orderFile, stdin)
	if err != nil {
		return err
	}

	defaultRate := domain.DefaultTaxRate
	if raw := strings.TrimSpace(getenv("SETTLEMENT_TAX_RATE")); raw != "" {
		if defaultRate, err = decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("invalid SETTLEMENT_TAX_RATE %q", raw)
		}
	}
	rate := defaultRate
	if request.TaxRate.Valid {
		rate = request.TaxRate.Decimal
	}
	if raw := strings.TrimSpace(rateFlag); raw != "" {
		if rate, err = decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("invalid -tax-rate %q", raw)
		}
	}

	calc := settlement.NewCalculator(
		memory.NewPriceCatalog(products...),
		logging.NewLogrus(log.WithField("component", "settle")),
		settlement.WithLookupConcurrency(concurrency),
	)

	totals, err := compute(ctx, calc, request.Items, rate)
	if err != nil {
		return &settleError{reason: domain.FailureReason(err), err: err}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(totals)
}

func compute(ctx context.Context, calc *settlement.Calculator, items []domain.LineItemRequest, rate decimal.Decimal) (domain.OrderTotals, error) {
	if err := domain.ValidateOrderRequest(items, rate); err != nil {
		return domain.OrderTotals{}, err
	}
	return calc.ComputeOrderTotalsWithRate(ctx, items, rate)
}

func readOrder(path string, stdin io.Reader) (orderRequest, error) {
	var r io.Reader = stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return orderRequest{}, fmt.Errorf("open order %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var request orderRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&request); err != nil {
		return orderRequest{}, fmt.Errorf("decode order request: %w", err)
	}
	return request, nil
}
