package invoice

import (
	"github.com/cockroachdb/errors"

	"github.com/clinicos/ledger/types"
)

// ErrInvalidLineItem is returned by ComputeTotals for a line that cannot be billed.
var ErrInvalidLineItem = errors.New("invoice: invalid line item")

// ComputeTotals fills every line total and the invoice subtotal, discount
// total and grand total from the line items and the TaxTotal already set
// on the invoice. Ledger fields start at zero.
//
// line_total = quantity * unit_price - discount
// grand_total = subtotal - discount_total + tax_total
func (inv *Invoice) ComputeTotals() error {
	cur := inv.Currency
	if cur == "" {
		return errors.Wrap(ErrInvalidLineItem, "currency is required")
	}
	if len(inv.LineItems) == 0 {
		return errors.Wrap(ErrInvalidLineItem, "at least one line item is required")
	}

	subtotal, discounts := types.Zero(cur), types.Zero(cur)
	for i := range inv.LineItems {
		li := &inv.LineItems[i]
		li.UnitPrice = types.New(li.UnitPrice.Amount, cur)
		li.Discount = types.New(li.Discount.Amount, cur)

		if li.Quantity <= 0 {
			return errors.Wrapf(ErrInvalidLineItem, "line %d: quantity must be positive", i)
		}
		if li.UnitPrice.IsNegative() || li.Discount.IsNegative() {
			return errors.Wrapf(ErrInvalidLineItem, "line %d: amounts must not be negative", i)
		}

		gross, err := li.UnitPrice.Mul(li.Quantity)
		if err != nil {
			return errors.Wrapf(err, "line %d", i)
		}
		if li.Discount.Cmp(gross) > 0 {
			return errors.Wrapf(ErrInvalidLineItem, "line %d: discount %s exceeds %s", i, li.Discount, gross)
		}
		li.LineTotal = gross.MustSub(li.Discount)

		if subtotal, err = subtotal.Add(gross); err != nil {
			return err
		}
		if discounts, err = discounts.Add(li.Discount); err != nil {
			return err
		}
	}

	tax := types.New(inv.TaxTotal.Amount, cur)
	if tax.IsNegative() {
		return errors.Wrap(ErrInvalidLineItem, "tax must not be negative")
	}
	grand, err := subtotal.Sub(discounts)
	if err != nil {
		return err
	}
	if grand, err = grand.Add(tax); err != nil {
		return err
	}

	inv.Subtotal = subtotal
	inv.DiscountTotal = discounts
	inv.TaxTotal = tax
	inv.GrandTotal = grand
	inv.PaidTotal = types.Zero(cur)
	inv.RefundedTotal = types.Zero(cur)
	inv.OverpaymentTotal = types.Zero(cur)
	return nil
}
