package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

func TestDecode(t *testing.T) {
	products, err := Decode(strings.NewReader(`[
		{"product_ref": "p-1", "name": "Keyboard", "vendor": "Acme", "employee_price": "80.50", "retail_price": 100},
		{"product_ref": "p-2", "name": "Mouse", "employee_price": null, "retail_price": "25"},
		{"product_ref": "p-3", "name": "Sticker"}
	]`))
	require.NoError(t, err)
	require.Len(t, products, 3)

	assert.Equal(t, "p-1", products[0].Ref)
	assert.Equal(t, "Acme", products[0].Vendor)
	require.True(t, products[0].Pricing.EmployeePrice.Valid)
	assert.True(t, products[0].Pricing.EmployeePrice.Decimal.Equal(decimal.RequireFromString("80.5")))
	assert.True(t, products[0].Pricing.RetailPrice.Decimal.Equal(decimal.NewFromInt(100)))

	assert.False(t, products[1].Pricing.EmployeePrice.Valid)
	assert.True(t, products[1].Pricing.RetailPrice.Valid)

	assert.False(t, products[2].Pricing.EmployeePrice.Valid)
	assert.False(t, products[2].Pricing.RetailPrice.Valid)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		substr  string
	}{
		{name: "malformed", input: `{`, substr: "decode catalog"},
		{name: "unknown field", input: `[{"product_ref":"p","price":"1"}]`, substr: "unknown field"},
		{name: "empty ref", input: `[{"retail_price":"1"}]`, wantErr: domain.ErrProductRefRequired},
		{name: "negative price", input: `[{"product_ref":"p","retail_price":"-1"}]`, wantErr: domain.ErrProductPriceNegative},
		{name: "duplicate", input: `[{"product_ref":"p"},{"product_ref":"p"}]`, substr: "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.substr != "" {
				assert.Contains(t, err.Error(), tt.substr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"product_ref":"p-1","retail_price":"9.99"}]`), 0o600))

	products, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, products, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
