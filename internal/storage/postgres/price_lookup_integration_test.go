package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

func TestPriceLookup_UpsertAndFind(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	lookup := NewPriceLookup(store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := lookup.UpsertProducts(ctx, []domain.Product{
		{
			Ref:    "p-1",
			Name:   "Keyboard",
			Vendor: "Acme",
			Pricing: domain.ProductPricing{
				EmployeePrice: decimal.NewNullDecimal(decimal.RequireFromString("80.50")),
				RetailPrice:   decimal.NewNullDecimal(decimal.RequireFromString("100")),
			},
		},
		{Ref: "p-2", Name: "Sticker"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 upserted, got %d", n)
	}

	pricing, err := lookup.FindProductPricing(ctx, "p-1")
	if err != nil {
		t.Fatalf("find p-1: %v", err)
	}
	if !pricing.EmployeePrice.Valid || !pricing.EmployeePrice.Decimal.Equal(decimal.RequireFromString("80.5")) {
		t.Fatalf("unexpected employee price %+v", pricing.EmployeePrice)
	}

	pricing, err = lookup.FindProductPricing(ctx, "p-2")
	if err != nil {
		t.Fatalf("find p-2: %v", err)
	}
	if pricing.EmployeePrice.Valid || pricing.RetailPrice.Valid {
		t.Fatalf("expected absent prices, got %+v", pricing)
	}

	// Повторная запись обновляет цену.
	if _, err := lookup.UpsertProducts(ctx, []domain.Product{{
		Ref:     "p-2",
		Pricing: domain.ProductPricing{RetailPrice: decimal.NewNullDecimal(decimal.NewFromInt(3))},
	}}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	pricing, err = lookup.FindProductPricing(ctx, "p-2")
	if err != nil {
		t.Fatalf("find p-2 after update: %v", err)
	}
	if !pricing.RetailPrice.Decimal.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected updated retail price, got %s", pricing.RetailPrice.Decimal)
	}
}

func TestPriceLookup_NotFound(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	lookup := NewPriceLookup(store)

	_, err := lookup.FindProductPricing(context.Background(), "missing")
	if !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestPriceLookup_UpsertRejectsInvalidProduct(t *testing.T) {
	lookup := &PriceLookup{}

	_, err := lookup.UpsertProducts(context.Background(), []domain.Product{{
		Ref:     "neg",
		Pricing: domain.ProductPricing{RetailPrice: decimal.NewNullDecimal(decimal.NewFromInt(-1))},
	}})
	if !errors.Is(err, domain.ErrProductPriceNegative) {
		t.Fatalf("expected ErrProductPriceNegative, got %v", err)
	}
}
