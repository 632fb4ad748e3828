package totals

import (
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invoicing/internal/currency"
)

// LineItem is the calculator input. Quantity and UnitPrice are parsed and
// validated by the caller.
type LineItem struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// Amount returns the unrounded line amount.
func (i LineItem) Amount() decimal.Decimal {
	return i.UnitPrice.Mul(i.Quantity)
}

// Totals are rendered as fixed-point strings in the currency's precision.
type Totals struct {
	Subtotal string `json:"subtotal"`
	Total    string `json:"total"`
}

// Compute sums line amounts exactly and rounds once, half away from zero, to
// the currency's fractional digits. It has no side effects and is safe for
// concurrent use.
func Compute(items []LineItem, currencyCode string) Totals {
	digits := currency.Digits(currencyCode)

	subtotal := sumAmounts(items)
	total := subtotal

	return Totals{
		Subtotal: render(subtotal, digits),
		Total:    render(total, digits),
	}
}

func sumAmounts(items []LineItem) decimal.Decimal {
	return lo.Reduce(items, func(acc decimal.Decimal, item LineItem, _ int) decimal.Decimal {
		return acc.Add(item.Amount())
	}, decimal.Zero)
}

func render(amount decimal.Decimal, digits int32) string {
	return amount.Round(digits).StringFixed(digits)
}
