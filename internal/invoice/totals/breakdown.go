package totals

import (
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invoicing/internal/currency"
)

type DiscountType string

const (
	DiscountNone    DiscountType = ""
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

var hundred = decimal.NewFromInt(100)

// TaxedLineItem carries a flat tax rate in percent applied to the line after
// its share of the invoice discount.
type TaxedLineItem struct {
	LineItem
	TaxRate decimal.Decimal
}

type BreakdownInput struct {
	Items           []TaxedLineItem
	DiscountType    DiscountType
	DiscountValue   decimal.Decimal
	ShippingAmount  decimal.Decimal
	ShippingTaxRate decimal.Decimal
}

type Breakdown struct {
	Subtotal      string `json:"subtotal"`
	DiscountTotal string `json:"discount_total"`
	TaxTotal      string `json:"tax_total"`
	ShippingTotal string `json:"shipping_total"`
	ShippingTax   string `json:"shipping_tax"`
	Total         string `json:"total"`
}

// ComputeBreakdown is the pricing variant with discount, per-line tax and
// shipping. It is used for previews only; stored invoices are totalled with
// Compute.
//
// The discount is allocated to lines in proportion to their amount and a
// fixed discount never exceeds the subtotal. Rounding happens once per output
// field.
func ComputeBreakdown(in BreakdownInput, currencyCode string) Breakdown {
	digits := currency.Digits(currencyCode)

	subtotal := sumAmounts(lo.Map(in.Items, func(item TaxedLineItem, _ int) LineItem {
		return item.LineItem
	}))

	discount := discountAmount(in.DiscountType, in.DiscountValue, subtotal)

	tax := decimal.Zero
	for _, item := range in.Items {
		amount := item.Amount()
		share := decimal.Zero
		if !subtotal.IsZero() {
			share = discount.Mul(amount).Div(subtotal)
		}
		tax = tax.Add(amount.Sub(share).Mul(item.TaxRate).Div(hundred))
	}

	shipping := in.ShippingAmount
	shippingTax := shipping.Mul(in.ShippingTaxRate).Div(hundred)

	total := subtotal.Sub(discount).Add(tax).Add(shipping).Add(shippingTax)

	return Breakdown{
		Subtotal:      render(subtotal, digits),
		DiscountTotal: render(discount, digits),
		TaxTotal:      render(tax, digits),
		ShippingTotal: render(shipping, digits),
		ShippingTax:   render(shippingTax, digits),
		Total:         render(total, digits),
	}
}

func discountAmount(kind DiscountType, value, subtotal decimal.Decimal) decimal.Decimal {
	if value.IsNegative() || subtotal.IsZero() {
		return decimal.Zero
	}
	switch kind {
	case DiscountPercent:
		if value.GreaterThan(hundred) {
			value = hundred
		}
		return subtotal.Mul(value).Div(hundred)
	case DiscountFixed:
		return decimal.Min(value, subtotal)
	default:
		return decimal.Zero
	}
}
