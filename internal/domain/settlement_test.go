package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nullDec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func TestLineItemRequest_HasExplicitPrice(t *testing.T) {
	tests := []struct {
		name string
		req  LineItemRequest
		want bool
	}{
		{name: "absent", req: LineItemRequest{}, want: false},
		{name: "zero", req: LineItemRequest{UnitPrice: nullDec("0")}, want: false},
		{name: "positive", req: LineItemRequest{UnitPrice: nullDec("12.50")}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.HasExplicitPrice(); got != tt.want {
				t.Errorf("HasExplicitPrice() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLineItemRequest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		req       LineItemRequest
		wantField string
	}{
		{name: "valid", req: LineItemRequest{ProductRef: "p-1", Quantity: 1}},
		{name: "missing ref", req: LineItemRequest{Quantity: 1}, wantField: "product_ref"},
		{name: "zero quantity", req: LineItemRequest{ProductRef: "p-1"}, wantField: "quantity"},
		{name: "negative quantity", req: LineItemRequest{ProductRef: "p-1", Quantity: -3}, wantField: "quantity"},
		{name: "negative price", req: LineItemRequest{ProductRef: "p-1", Quantity: 1, UnitPrice: nullDec("-1")}, wantField: "unit_price"},
		{name: "negative discount", req: LineItemRequest{ProductRef: "p-1", Quantity: 1, Discount: nullDec("-0.01")}, wantField: "discount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(4)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField || verr.Index != 4 {
				t.Fatalf("unexpected validation error: %+v", verr)
			}
			if !errors.Is(err, ErrInvalidLineItem) {
				t.Fatal("expected errors.Is(err, ErrInvalidLineItem)")
			}
		})
	}
}

func TestNewResolvedLineItem(t *testing.T) {
	tests := []struct {
		name         string
		req          LineItemRequest
		price        string
		wantSubtotal string
		wantDiscount string
	}{
		{
			name:         "no discount",
			req:          LineItemRequest{ProductRef: "p-1", Quantity: 2},
			price:        "100",
			wantSubtotal: "200",
			wantDiscount: "0",
		},
		{
			name:         "discount applied to whole line",
			req:          LineItemRequest{ProductRef: "p-1", Quantity: 3, Discount: nullDec("5")},
			price:        "10",
			wantSubtotal: "25",
			wantDiscount: "5",
		},
		{
			name:         "discount exceeds line value",
			req:          LineItemRequest{ProductRef: "p-1", Quantity: 1, Discount: nullDec("50")},
			price:        "10",
			wantSubtotal: "0",
			wantDiscount: "50",
		},
		{
			name:         "no item level rounding",
			req:          LineItemRequest{ProductRef: "p-1", Quantity: 3},
			price:        "0.333",
			wantSubtotal: "0.999",
			wantDiscount: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := NewResolvedLineItem(tt.req, dec(tt.price))
			if !item.Subtotal.Equal(dec(tt.wantSubtotal)) {
				t.Errorf("subtotal = %s, want %s", item.Subtotal, tt.wantSubtotal)
			}
			if !item.Discount.Equal(dec(tt.wantDiscount)) {
				t.Errorf("discount = %s, want %s", item.Discount, tt.wantDiscount)
			}
			if !item.UnitPrice.Equal(dec(tt.price)) {
				t.Errorf("unit price = %s, want %s", item.UnitPrice, tt.price)
			}
		})
	}
}

func TestNewOrderTotals_RoundsFromRawSums(t *testing.T) {
	// 0.333 * 3 = 0.999 → subtotal 1.00; tax от 0.999 = 0.0999 → 0.10; total 1.0989 → 1.10.
	items := []ResolvedLineItem{
		NewResolvedLineItem(LineItemRequest{ProductRef: "p-1", Quantity: 3}, dec("0.333")),
	}

	totals := NewOrderTotals(items, DefaultTaxRate)

	if !totals.Subtotal.Equal(dec("1.00")) {
		t.Errorf("subtotal = %s", totals.Subtotal)
	}
	if !totals.Tax.Equal(dec("0.10")) {
		t.Errorf("tax = %s", totals.Tax)
	}
	if !totals.Total.Equal(dec("1.10")) {
		t.Errorf("total = %s", totals.Total)
	}
}

func TestNewOrderTotals_TotalNotDerivedFromRoundedFields(t *testing.T) {
	items := []ResolvedLineItem{
		NewResolvedLineItem(LineItemRequest{ProductRef: "p-1", Quantity: 1}, dec("0.004")),
	}

	totals := NewOrderTotals(items, dec("0.5"))

	// subtotal 0.004 → 0.00, tax 0.002 → 0.00, total 0.006 → 0.01.
	if !totals.Subtotal.Equal(dec("0")) || !totals.Tax.Equal(dec("0")) {
		t.Fatalf("unexpected subtotal/tax: %s/%s", totals.Subtotal, totals.Tax)
	}
	if !totals.Total.Equal(dec("0.01")) {
		t.Fatalf("total = %s, want 0.01", totals.Total)
	}
}

func TestNewOrderTotals_Empty(t *testing.T) {
	totals := NewOrderTotals(nil, DefaultTaxRate)
	if !totals.Total.IsZero() || !totals.Subtotal.IsZero() || !totals.Discount.IsZero() || !totals.Tax.IsZero() {
		t.Fatalf("expected zero totals, got %+v", totals)
	}
}

func TestRoundMoney_HalfAwayFromZero(t *testing.T) {
	tests := map[string]string{
		"1.005":  "1.01",
		"1.004":  "1",
		"2.675":  "2.68",
		"-1.005": "-1.01",
		"10":     "10",
	}
	for in, want := range tests {
		if got := RoundMoney(dec(in)); !got.Equal(dec(want)) {
			t.Errorf("RoundMoney(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestValidateOrderRequest(t *testing.T) {
	items := []LineItemRequest{{ProductRef: "p-1", Quantity: 1}}

	if err := ValidateOrderRequest(items, DefaultTaxRate); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateOrderRequest(items, decimal.Zero); err != nil {
		t.Fatalf("zero tax rate must be accepted: %v", err)
	}
	if err := ValidateOrderRequest(nil, DefaultTaxRate); !errors.Is(err, ErrItemsRequired) {
		t.Fatalf("expected ErrItemsRequired, got %v", err)
	}
	if err := ValidateOrderRequest(items, dec("-0.01")); !errors.Is(err, ErrInvalidTaxRate) {
		t.Fatalf("expected ErrInvalidTaxRate, got %v", err)
	}
}
