package services

import (
	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

const moneyScale = 2

var hundred = decimal.NewFromInt(100)

// CalculatePrice prices an order. Tax is derived from the unrounded subtotal and rounded once, so line-level
// rounding never accumulates. It performs no I/O.
func CalculatePrice(lines []domain.PricingLine, taxPercent, deliveryFee, tip decimal.Decimal) (domain.PricingResult, error) {
	if len(lines) == 0 {
		return domain.PricingResult{}, validationError("at least one item is required")
	}
	if taxPercent.IsNegative() {
		return domain.PricingResult{}, validationError("tax percentage must not be negative")
	}
	if deliveryFee.IsNegative() {
		return domain.PricingResult{}, validationError("delivery fee must not be negative")
	}
	if tip.IsNegative() {
		return domain.PricingResult{}, validationError("tip must not be negative")
	}

	subtotal := decimal.Zero
	for i, line := range lines {
		if line.Quantity <= 0 {
			return domain.PricingResult{}, validationError("line %d: quantity must be at least 1", i)
		}
		if line.UnitPrice.IsNegative() {
			return domain.PricingResult{}, validationError("line %d: unit price must not be negative", i)
		}
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	tax := subtotal.Mul(taxPercent).Div(hundred).Round(moneyScale)
	subtotal = subtotal.Round(moneyScale)
	fee := deliveryFee.Round(moneyScale)
	tip = tip.Round(moneyScale)

	return domain.PricingResult{
		Subtotal:    subtotal,
		TaxAmount:   tax,
		DeliveryFee: fee,
		TipAmount:   tip,
		TotalAmount: subtotal.Add(fee).Add(tax).Add(tip),
	}, nil
}

// LineTotal is the unrounded extended price of a single line.
func LineTotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}
