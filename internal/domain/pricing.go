package domain

import "github.com/shopspring/decimal"

// PricingLine is one priced cart line fed into the pricing calculator.
type PricingLine struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

// PricingResult captures the monetary breakdown of an order.
type PricingResult struct {
	Subtotal    decimal.Decimal
	TaxAmount   decimal.Decimal
	DeliveryFee decimal.Decimal
	TipAmount   decimal.Decimal
	TotalAmount decimal.Decimal
}

// Apply copies the breakdown onto the order. Totals on an order are only ever written through this method.
func (r PricingResult) Apply(order *Order) {
	if order == nil {
		return
	}
	order.Subtotal = r.Subtotal
	order.TaxAmount = r.TaxAmount
	order.DeliveryFee = r.DeliveryFee
	order.TipAmount = r.TipAmount
	order.TotalAmount = r.TotalAmount
}

// DistanceEstimate is the advisory great-circle distance to a delivery address.
type DistanceEstimate struct {
	KM           decimal.Decimal
	WithinRadius bool
}
