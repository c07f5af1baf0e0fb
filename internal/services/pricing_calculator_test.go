package services

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func TestCalculatePriceScenario(t *testing.T) {
	lines := []domain.PricingLine{
		{UnitPrice: dec("100.00"), Quantity: 2},
		{UnitPrice: dec("50.00"), Quantity: 1},
	}

	result, err := CalculatePrice(lines, dec("5"), dec("50.00"), decimal.Zero)
	require.NoError(t, err)

	assert.True(t, result.Subtotal.Equal(dec("250.00")), "subtotal %s", result.Subtotal)
	assert.True(t, result.TaxAmount.Equal(dec("12.50")), "tax %s", result.TaxAmount)
	assert.True(t, result.DeliveryFee.Equal(dec("50.00")), "fee %s", result.DeliveryFee)
	assert.True(t, result.TotalAmount.Equal(dec("312.50")), "total %s", result.TotalAmount)
}

func TestCalculatePriceRoundsTaxOnce(t *testing.T) {
	// Per-line rounding would give 0.05 * 3 = 0.15; rounding the aggregate gives 0.14.
	lines := []domain.PricingLine{
		{UnitPrice: dec("0.95"), Quantity: 1},
		{UnitPrice: dec("0.95"), Quantity: 1},
		{UnitPrice: dec("0.95"), Quantity: 1},
	}
	result, err := CalculatePrice(lines, dec("5"), decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "0.14", result.TaxAmount.StringFixed(2))
}

func TestCalculatePriceIncludesTip(t *testing.T) {
	lines := []domain.PricingLine{{UnitPrice: dec("199.99"), Quantity: 3}}
	result, err := CalculatePrice(lines, dec("18"), dec("35"), dec("20"))
	require.NoError(t, err)

	assert.Equal(t, "599.97", result.Subtotal.StringFixed(2))
	assert.Equal(t, "107.99", result.TaxAmount.StringFixed(2))
	assert.Equal(t, "762.96", result.TotalAmount.StringFixed(2))
}

func TestCalculatePriceValidation(t *testing.T) {
	cases := []struct {
		name  string
		lines []domain.PricingLine
		tax   decimal.Decimal
		fee   decimal.Decimal
		tip   decimal.Decimal
	}{
		{name: "empty", lines: nil},
		{name: "zero quantity", lines: []domain.PricingLine{{UnitPrice: dec("10"), Quantity: 0}}},
		{name: "negative quantity", lines: []domain.PricingLine{{UnitPrice: dec("10"), Quantity: -2}}},
		{name: "negative price", lines: []domain.PricingLine{{UnitPrice: dec("-1"), Quantity: 1}}},
		{name: "negative tax", lines: []domain.PricingLine{{UnitPrice: dec("1"), Quantity: 1}}, tax: dec("-5")},
		{name: "negative fee", lines: []domain.PricingLine{{UnitPrice: dec("1"), Quantity: 1}}, fee: dec("-5")},
		{name: "negative tip", lines: []domain.PricingLine{{UnitPrice: dec("1"), Quantity: 1}}, tip: dec("-5")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CalculatePrice(tc.lines, tc.tax, tc.fee, tc.tip)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCalculatePriceSumIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		count := 1 + rng.Intn(6)
		lines := make([]domain.PricingLine, count)
		for j := range lines {
			lines[j] = domain.PricingLine{
				UnitPrice: decimal.New(rng.Int63n(100000), -2),
				Quantity:  1 + rng.Intn(5),
			}
		}
		tax := decimal.New(rng.Int63n(3000), -2)
		fee := decimal.New(rng.Int63n(10000), -2)
		tip := decimal.New(rng.Int63n(5000), -2)

		result, err := CalculatePrice(lines, tax, fee, tip)
		require.NoError(t, err)

		sum := result.Subtotal.Add(result.DeliveryFee).Add(result.TaxAmount).Add(result.TipAmount)
		require.True(t, result.TotalAmount.Equal(sum), "iteration %d: total %s != %s", i, result.TotalAmount, sum)
		for _, component := range []decimal.Decimal{result.Subtotal, result.DeliveryFee, result.TaxAmount, result.TipAmount} {
			require.False(t, component.IsNegative(), "iteration %d: negative component", i)
		}
	}
}
