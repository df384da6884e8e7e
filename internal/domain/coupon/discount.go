package coupon

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Calculate computes the discount the coupon grants on the given cart total.
// The result is rounded to 2 decimal places and always lies in [0, total].
func Calculate(c *Coupon, total decimal.Decimal) (decimal.Decimal, error) {
	if total.IsNegative() {
		total = decimal.Zero
	}

	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		amount = total.Mul(c.DiscountValue).Div(hundred)
		if c.MaxDiscount.IsPositive() && amount.GreaterThan(c.MaxDiscount) {
			amount = c.MaxDiscount
		}
	case DiscountFixed:
		amount = c.DiscountValue
	default:
		return decimal.Zero, errors.Errorf("unsupported discount type: %q", c.DiscountType)
	}

	amount = decimal.Min(floorAtZero(amount), total).Round(2)
	if amount.GreaterThan(total) {
		// total itself carried more than 2 decimal places and rounded up.
		amount = total.Truncate(2)
	}
	return amount, nil
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
